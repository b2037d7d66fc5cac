package bd

import (
	"fmt"
	"os"
)

// File is an os.File-backed Device, used by cmd/lfsdump to mount a real
// flash image instead of the RAM fixture tests use. Unlike RAM it doesn't
// enforce the erase-before-prog AND-merge discipline: a real NOR/NAND
// part enforces that in hardware, and a bare file has no equivalent to
// fall back on.
type File struct {
	f                                          *os.File
	readSize, progSize, blockSize, blockCount uint32
}

var _ Device = (*File)(nil)

// OpenFile opens (or creates, truncating to the right size) path as a
// flash image with the given geometry.
func OpenFile(path string, readSize, progSize, blockSize, blockCount uint32) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	size := int64(blockSize) * int64(blockCount)
	if info, err := f.Stat(); err != nil {
		f.Close()
		return nil, err
	} else if info.Size() != size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &File{f: f, readSize: readSize, progSize: progSize, blockSize: blockSize, blockCount: blockCount}, nil
}

func (d *File) ReadSize() uint32   { return d.readSize }
func (d *File) ProgSize() uint32   { return d.progSize }
func (d *File) BlockSize() uint32  { return d.blockSize }
func (d *File) BlockCount() uint32 { return d.blockCount }

func (d *File) checkRange(block, off uint32, n int) error {
	if block >= d.blockCount {
		return fmt.Errorf("%w: block %d", ErrRange, block)
	}
	if off+uint32(n) > d.blockSize {
		return fmt.Errorf("%w: off %d + %d > block size %d", ErrRange, off, n, d.blockSize)
	}
	return nil
}

func (d *File) Read(block uint32, off uint32, buf []byte) error {
	if err := d.checkRange(block, off, len(buf)); err != nil {
		return err
	}
	_, err := d.f.ReadAt(buf, int64(block)*int64(d.blockSize)+int64(off))
	return err
}

func (d *File) Prog(block uint32, off uint32, data []byte) error {
	if err := d.checkRange(block, off, len(data)); err != nil {
		return err
	}
	_, err := d.f.WriteAt(data, int64(block)*int64(d.blockSize)+int64(off))
	return err
}

func (d *File) Erase(block uint32) error {
	if block >= d.blockCount {
		return fmt.Errorf("%w: block %d", ErrRange, block)
	}
	erased := make([]byte, d.blockSize)
	for i := range erased {
		erased[i] = 0xff
	}
	_, err := d.f.WriteAt(erased, int64(block)*int64(d.blockSize))
	return err
}

func (d *File) Sync() error { return d.f.Sync() }

// Close releases the underlying file handle.
func (d *File) Close() error { return d.f.Close() }
