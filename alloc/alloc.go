// Package alloc implements the block allocator of spec §5: a sliding
// lookahead window over the device's block space, reconciled against a
// full-filesystem traversal rather than a persisted free-block list (no
// such list is crash-safe to maintain cheaply, since every block it
// would name could itself be reclaimed by the crash it's recovering
// from).
package alloc

import (
	"fmt"
	"math/bits"

	"github.com/flashtree/flashtree/internal/bd"
)

// Source answers "is block b currently referenced anywhere in the
// filesystem", closing the gap between the lookahead window's in-RAM
// bitmap and ground truth. A real mount wires this to a traversal over
// the mtree plus every open file's bshrub/btree; tests can wire in a
// canned function.
type Source interface {
	InUse(block uint32) (bool, error)
}

// Allocator tracks a single sliding window of candidate free blocks plus
// wear-leveling counters for every block the window has passed over.
type Allocator struct {
	blockCount uint32
	off        uint32   // block number the window currently starts at
	window     []uint64 // bitmap, bit set means "known in use or excluded"
	windowSize uint32   // blocks covered by window, in bits
	filled     bool     // window has been populated from src at least once

	recycles map[uint32]uint32 // block -> erase count, spec's block_recycles
	src      Source
}

// DefaultWindowBlocks bounds how much of the device a single lookahead
// pass considers before rescanning from the front; spec leaves the
// window size implementation-defined, trading RAM for fewer rescans.
const DefaultWindowBlocks = 1024

// New creates an allocator over a device with blockCount blocks, querying
// src to resolve whether a candidate block is actually free.
func New(blockCount uint32, src Source) *Allocator {
	ws := uint32(DefaultWindowBlocks)
	if ws > blockCount {
		ws = blockCount
	}
	return &Allocator{
		blockCount: blockCount,
		windowSize: ws,
		window:     make([]uint64, (ws+63)/64),
		recycles:   make(map[uint32]uint32),
		src:        src,
	}
}

func (a *Allocator) bitSet(i uint32) bool {
	return a.window[i/64]&(1<<(i%64)) != 0
}

func (a *Allocator) setBit(i uint32) {
	a.window[i/64] |= 1 << (i % 64)
}

// fill repopulates the window starting at a.off by asking src about every
// candidate block in range.
func (a *Allocator) fill(dev bd.Device) error {
	for i := range a.window {
		a.window[i] = 0
	}
	for i := uint32(0); i < a.windowSize; i++ {
		block := (a.off + i) % a.blockCount
		inUse, err := a.src.InUse(block)
		if err != nil {
			return err
		}
		if inUse {
			a.setBit(i)
		}
	}
	return nil
}

// ErrNoSpace is returned when a full sweep of the device finds no free
// block (spec's "out of space" condition, distinct from a block that is
// merely outside the current window).
var ErrNoSpace = fmt.Errorf("alloc: device full")

// Alloc finds and returns one free block, advancing the window and
// wrapping around the device at most once before giving up.
func (a *Allocator) Alloc(dev bd.Device) (uint32, error) {
	if !a.filled {
		if err := a.fill(dev); err != nil {
			return 0, err
		}
		a.filled = true
	}
	for swept := uint32(0); ; {
		for i := uint32(0); i < a.windowSize; i++ {
			if !a.bitSet(i) {
				block := (a.off + i) % a.blockCount
				a.setBit(i)
				a.recycles[block]++
				return block, nil
			}
		}
		if swept >= a.blockCount {
			return 0, ErrNoSpace
		}
		a.off = (a.off + a.windowSize) % a.blockCount
		if err := a.fill(dev); err != nil {
			return 0, err
		}
		swept += a.windowSize
	}
}

// AllocPair is a convenience for the common case of allocating a fresh
// mdir-style block pair, erasing both before handing them back.
func (a *Allocator) AllocPair(dev bd.Device) ([2]uint32, error) {
	var pair [2]uint32
	for i := range pair {
		b, err := a.Alloc(dev)
		if err != nil {
			return pair, err
		}
		if err := dev.Erase(b); err != nil {
			return pair, err
		}
		pair[i] = b
	}
	return pair, nil
}

// Recycles reports how many times this allocator has handed out block
// (spec's block_recycles).
func (a *Allocator) Recycles(block uint32) uint32 { return a.recycles[block] }

// MostWorn returns the block with the highest recorded recycle count
// among the blocks this allocator has actually allocated. ok is false if
// nothing has been
// allocated yet.
func (a *Allocator) MostWorn() (block uint32, count uint32, ok bool) {
	for b, c := range a.recycles {
		if !ok || c > count {
			block, count, ok = b, c, true
		}
	}
	return
}

// popcount is used by tests to sanity check window occupancy without
// reaching into unexported fields.
func popcount(words []uint64) int {
	n := 0
	for _, w := range words {
		n += bits.OnesCount64(w)
	}
	return n
}
