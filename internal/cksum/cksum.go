// Package cksum implements the rolling 32-bit checksum every rbyd commit
// footer carries (spec §3/§4.1), plus the "perturb bit" trick that makes
// two structurally-identical commits produce different on-disk checksum
// words so a torn write is always detectable on the next fetch.
//
// There is no third-party crc32 implementation anywhere in the retrieved
// corpus (compression libraries ship DEFLATE, not a standalone checksum),
// so this is one of the few places the standard library is used directly
// rather than a pack-grounded dependency -- see DESIGN.md.
package cksum

import "hash/crc32"

var table = crc32.MakeTable(crc32.IEEE)

// Sum is a rolling checksum accumulator. The zero value is a checksum over
// zero bytes, matching a freshly erased (or freshly compacted) rbyd.
type Sum struct {
	crc uint32
}

// New returns a Sum continuing from a previously computed value, used when
// resuming a checksum across a commit boundary that isn't byte 0 of the
// block.
func New(seed uint32) Sum { return Sum{crc: seed} }

// Update folds data into the running checksum and returns the receiver for
// chaining.
func (s Sum) Update(data []byte) Sum {
	s.crc = crc32.Update(s.crc, table, data)
	return s
}

// Value returns the checksum accumulated so far.
func (s Sum) Value() uint32 { return s.crc }

// FooterWord computes the little-endian checksum footer word to program at
// the end of a commit, given the checksum of everything up to and
// including the footer's tag/size header, and the word that was
// physically present at that aligned program offset before this commit
// (e.g. 0xffffffff on a block that was just erased, or whatever the prior
// commit happened to leave there).
//
// The natural checksum is used unless it collides with the previously
// programmed word, in which case one bit is perturbed (flipped) to force
// a visible difference -- this is the invariant DESIGN NOTES §9 calls the
// "perturb bit": two consecutive commits must never produce the same
// footer word even if their logical content is identical, or a torn write
// partway through the second commit could be mistaken for a complete,
// valid first commit.
func FooterWord(crc uint32, prevWord uint32) uint32 {
	if crc != prevWord {
		return crc
	}
	return crc ^ 1
}

// Perturbed reports whether FooterWord would need to (or did) flip the low
// bit to avoid colliding with prevWord.
func Perturbed(crc uint32, prevWord uint32) bool {
	return crc == prevWord
}
