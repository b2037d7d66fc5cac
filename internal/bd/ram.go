package bd

import "fmt"

// RAM is an in-memory Device, the equivalent of the teacher's bolt.DB test
// fixture: a throwaway backing store wired up the same way a real NOR/NAND
// part would be, used by every package's tests in this module.
//
// Programming AND-merges into the backing buffer rather than overwriting
// it, so a caller that accidentally re-programs live (non-erased) bytes
// gets flash-realistic corruption instead of a silent overwrite.
type RAM struct {
	readSize, progSize, blockSize, blockCount uint32

	blocks [][]byte

	// ProgFail, when set, is called before each Prog; returning a
	// non-nil error aborts the program (used to simulate torn writes
	// and bad blocks in tests).
	ProgFail func(block uint32, off uint32, n int) error

	progCount int
}

// NewRAM allocates a RAM device with the given geometry. Blocks start out
// erased (all 0xff, the common NOR/NAND erased value) so tests can read
// before ever calling Erase.
func NewRAM(readSize, progSize, blockSize, blockCount uint32) *RAM {
	r := &RAM{
		readSize:   readSize,
		progSize:   progSize,
		blockSize:  blockSize,
		blockCount: blockCount,
		blocks:     make([][]byte, blockCount),
	}

	for i := range r.blocks {
		b := make([]byte, blockSize)
		for j := range b {
			b[j] = 0xff
		}
		r.blocks[i] = b
	}

	return r
}

func (r *RAM) ReadSize() uint32   { return r.readSize }
func (r *RAM) ProgSize() uint32   { return r.progSize }
func (r *RAM) BlockSize() uint32  { return r.blockSize }
func (r *RAM) BlockCount() uint32 { return r.blockCount }

func (r *RAM) checkRange(block, off uint32, n int) error {
	if block >= r.blockCount {
		return fmt.Errorf("%w: block %d", ErrRange, block)
	}
	if off+uint32(n) > r.blockSize {
		return fmt.Errorf("%w: off %d + %d > block size %d", ErrRange, off, n, r.blockSize)
	}
	return nil
}

func (r *RAM) Read(block uint32, off uint32, buf []byte) error {
	if err := r.checkRange(block, off, len(buf)); err != nil {
		return err
	}
	copy(buf, r.blocks[block][off:int(off)+len(buf)])
	return nil
}

func (r *RAM) Prog(block uint32, off uint32, data []byte) error {
	if err := r.checkRange(block, off, len(data)); err != nil {
		return err
	}

	r.progCount++
	if r.ProgFail != nil {
		if err := r.ProgFail(block, off, len(data)); err != nil {
			return err
		}
	}

	// bits can only move 1->0 between erases, never back; AND-merge so
	// programming fresh (still-erased) bytes behaves like a plain copy
	// while catching any accidental double-program of live bytes.
	for i, b := range data {
		r.blocks[block][int(off)+i] &= b
	}
	return nil
}

func (r *RAM) Erase(block uint32) error {
	if block >= r.blockCount {
		return fmt.Errorf("%w: block %d", ErrRange, block)
	}

	b := r.blocks[block]
	for i := range b {
		b[i] = 0xff
	}
	return nil
}

func (r *RAM) Sync() error { return nil }

// ProgCount reports how many Prog calls have been issued, used by tests
// that need to fail a specific one deterministically (end-to-end scenario
// 1 of the spec: "fail the third prog call during close").
func (r *RAM) ProgCount() int { return r.progCount }
