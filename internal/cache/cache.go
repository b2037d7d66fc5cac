// Package cache implements the filesystem-wide read cache (rcache) and
// program cache (pcache) of spec §2/§3: Cache is the aligned window both
// are built from, and ReadThrough puts one such window in front of a
// Device. File handles keep no cache of their own. Every cache is aligned to the
// device's read or program granularity, the same "block-aligned buffer"
// shape the teacher's retrieval pack uses for content caches, generalized
// here to the device's native alignment instead of a fixed 4MiB.
package cache

import "github.com/flashtree/flashtree/internal/bd"

// Cache is a single aligned window of bytes from one block. A Cache made
// by New holds nothing (Block() == NoBlock) until Read or Prog fills it.
type Cache struct {
	align uint32
	size  uint32

	block uint32
	off   uint32
	buf   []byte
}

// NoBlock marks a Cache as not backed by any block.
const NoBlock uint32 = 0xffffffff

// New allocates a Cache aligned to align bytes with a backing buffer of
// size bytes (size must be a multiple of align).
func New(align, size uint32) *Cache {
	return &Cache{
		align: align,
		size:  size,
		block: NoBlock,
		buf:   make([]byte, size),
	}
}

// Drop invalidates the cache unconditionally.
func (c *Cache) Drop() {
	c.block = NoBlock
	c.off = 0
}

// DropBlock invalidates the cache only if it currently holds data from
// block -- used after Prog/Erase to maintain the cache-coherence rule of
// spec §5 ("invalidating overlapping cache ranges on every prog and
// erase").
func (c *Cache) DropBlock(block uint32) {
	if c.block == block {
		c.Drop()
	}
}

// Read serves size bytes at (block, off) out of the cache, refilling it
// from dev on a miss. A read that does not fit in one cache-sized window
// starting at off rounded down to the alignment goes straight to dev and
// leaves the cache as it was.
func (c *Cache) Read(dev bd.Device, block, off, size uint32) ([]byte, error) {
	start := (off / c.align) * c.align
	if size > c.size || off+size > start+c.size {
		// oversized reads bypass the cache entirely, same as the
		// teacher falling back to a direct bolt cursor scan for
		// anything larger than a single buffered page.
		buf := make([]byte, size)
		if err := dev.Read(block, off, buf); err != nil {
			return nil, err
		}
		return buf, nil
	}

	if c.block != block || off < c.off || off+size > c.off+c.size {
		if err := dev.Read(block, start, c.buf); err != nil {
			c.Drop()
			return nil, err
		}
		c.block = block
		c.off = start
	}

	rel := off - c.off
	return c.buf[rel : rel+size], nil
}

// Prog stages data at (block, off) in the program cache. The caller is
// responsible for flushing full align-sized pages to the device; Prog
// only buffers, matching the commit protocol's "buffer in pcache, flush
// aligned" algorithm (spec §4.1 step 1).
func (c *Cache) Prog(block, off uint32, data []byte) {
	if c.block != block {
		c.block = block
		c.off = (off / c.align) * c.align
		for i := range c.buf {
			c.buf[i] = 0xff
		}
	}

	rel := int(off - c.off)
	copy(c.buf[rel:], data)
}

// Flush programs every fully-buffered align-sized page covering [0,
// validUpTo) to dev and resets the cache to an empty window positioned
// right after the flushed bytes.
func (c *Cache) Flush(dev bd.Device, validUpTo uint32) error {
	if c.block == NoBlock {
		return nil
	}

	n := validUpTo - c.off
	// round down to a whole number of align-sized pages; the caller
	// pads the tail commit footer itself so this is always exact for
	// real commits.
	n -= n % c.align
	if n == 0 {
		return nil
	}

	if err := dev.Prog(c.block, c.off, c.buf[:n]); err != nil {
		return err
	}

	c.off += n
	for i := range c.buf {
		c.buf[i] = 0xff
	}
	return nil
}

// Block reports which block the cache currently holds, or NoBlock.
func (c *Cache) Block() uint32 { return c.block }

// Off reports the start offset of the cache's current window.
func (c *Cache) Off() uint32 { return c.off }

// Buf exposes the raw backing buffer, e.g. for computing a checksum over
// bytes already staged but not yet flushed.
func (c *Cache) Buf() []byte { return c.buf }

// ReadThrough wraps a Device with a single rcache window, the same
// single-buffer read cache spec §2/§5 describes sitting in front of every
// block read. Prog and Erase pass straight through to the underlying
// device and drop the cache if they touch the block it currently holds,
// maintaining the cache-coherence rule a stale cached read would violate.
type ReadThrough struct {
	dev bd.Device
	rc  *Cache
}

var _ bd.Device = (*ReadThrough)(nil)

// NewReadThrough wraps dev with an rcache window aligned to its read
// granularity.
func NewReadThrough(dev bd.Device) *ReadThrough {
	return &ReadThrough{dev: dev, rc: New(dev.ReadSize(), dev.ReadSize())}
}

func (d *ReadThrough) ReadSize() uint32   { return d.dev.ReadSize() }
func (d *ReadThrough) ProgSize() uint32   { return d.dev.ProgSize() }
func (d *ReadThrough) BlockSize() uint32  { return d.dev.BlockSize() }
func (d *ReadThrough) BlockCount() uint32 { return d.dev.BlockCount() }

func (d *ReadThrough) Read(block, off uint32, buf []byte) error {
	got, err := d.rc.Read(d.dev, block, off, uint32(len(buf)))
	if err != nil {
		return err
	}
	copy(buf, got)
	return nil
}

func (d *ReadThrough) Prog(block, off uint32, data []byte) error {
	d.rc.DropBlock(block)
	return d.dev.Prog(block, off, data)
}

func (d *ReadThrough) Erase(block uint32) error {
	d.rc.DropBlock(block)
	return d.dev.Erase(block)
}

func (d *ReadThrough) Sync() error { return d.dev.Sync() }
