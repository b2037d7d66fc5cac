// Package rbyd implements the copy-on-write tagged log that is
// littlefs-style flash filesystems' fundamental building block (spec
// §4.1): a monotonically-appended sequence of (tag, weight, data)
// attributes inside a single erase block, closed out by a checksummed,
// perturbed footer so torn writes are always detectable on the next
// fetch.
//
// Simplification note (recorded as an Open Question decision in
// DESIGN.md): the real format encodes the attribute index as a literal
// binary tree of byte offsets living inside the block itself (the
// "trunk"). This implementation keeps the wire-visible parts of that
// contract -- monotonic append, varint attribute headers, checksum+
// perturb footers, compaction into a fresh block -- but rebuilds the
// (rid, tag) index in memory by replaying the log on Fetch, rather than
// persisting literal tree node offsets. Trunk is retained as a field
// (the byte offset through which the replay is valid) so mdir/mtree can
// still reason about "no committed rows" (Trunk == 0) and shrub sharing
// exactly as the spec describes.
package rbyd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/flashtree/flashtree/internal/bd"
	"github.com/flashtree/flashtree/internal/cache"
	"github.com/flashtree/flashtree/internal/cksum"
)

// ErrOverflow is returned by Commit when the new attributes don't fit in
// the remaining space of the block; the caller must Compact into the
// sibling block instead (spec §4.1 step 4).
var ErrOverflow = errors.New("rbyd: commit would overflow block")

// ErrCorrupt names a block that carries no valid commit at all. Fetch does
// not return it: such a block fetches successfully with Trunk == 0, the
// same as an erased one.
var ErrCorrupt = errors.New("rbyd: no valid commit found")

// Rbyd is the in-memory handle to one erase block's committed log.
type Rbyd struct {
	Block  uint32
	Rev    uint32
	Eoff   uint32 // end of committed bytes; next commit appends here
	Trunk  uint32 // 0 == no committed rows, else == Eoff (see the package doc)
	Weight uint32 // one past the highest live row id
	Cksum  uint32 // natural (unperturbed) rolling checksum through Eoff

	attrs []Attr // replayed, live, sorted by (Rid, Tag)
}

func alignUp(x, align uint32) uint32 {
	if align == 0 {
		return x
	}
	return (x + align - 1) / align * align
}

// Fetch scans block from the start, replaying every valid commit in
// order, and returns the resulting handle. A block that was never
// committed to (freshly erased) fetches successfully with Trunk == 0.
func Fetch(dev bd.Device, block uint32) (*Rbyd, error) {
	blockSize := dev.BlockSize()
	if blockSize < RevisionHeaderSize {
		return nil, fmt.Errorf("rbyd: block size %d too small", blockSize)
	}

	buf := make([]byte, blockSize)
	if err := dev.Read(block, 0, buf); err != nil {
		return nil, err
	}

	r := &Rbyd{Block: block}
	r.Rev = binary.LittleEndian.Uint32(buf[:RevisionHeaderSize])

	progSize := dev.ProgSize()
	off := RevisionHeaderSize
	seed := cksum.New(0).Update(buf[:RevisionHeaderSize])

	var live []Attr
	var pending []Attr

	for off < len(buf) {
		a, next, ok := decodeAttr(buf, off)
		if !ok {
			break
		}

		if a.Tag == TagCksum {
			headerLen := next - off - len(a.Data)
			chk := seed.Update(buf[off : off+headerLen])
			word, err := footerWord(a)
			if err != nil {
				break
			}
			natural := chk.Value()
			if word != natural && word != natural^1 {
				break // torn write: stop at the last valid commit
			}

			live = applyAttrs(live, pending)
			pending = pending[:0]

			r.Eoff = alignUp(uint32(next), progSize)
			r.Trunk = r.Eoff
			r.Cksum = natural

			seed = cksum.New(natural)
			off = int(r.Eoff)
			continue
		}

		seed = seed.Update(buf[off:next])
		pending = append(pending, cloneAttr(a))
		off = next
	}

	r.attrs = live
	r.Weight = computeWeight(live)
	return r, nil
}

func cloneAttr(a Attr) Attr {
	d := make([]byte, len(a.Data))
	copy(d, a.Data)
	a.Data = d
	return a
}

func cloneAttrs(attrs []Attr) []Attr {
	out := make([]Attr, len(attrs))
	for i, a := range attrs {
		out[i] = cloneAttr(a)
	}
	return out
}

func attrLess(a, b Attr) bool {
	if a.Rid != b.Rid {
		return a.Rid < b.Rid
	}
	return a.Tag < b.Tag
}

// applyAttrs folds pending onto the live, sorted index and returns the new
// live, sorted index. A RM attribute with Tag == 0 deletes the whole row
// at its Rid; any other RM deletes just that (Rid, Tag) entry. A non-RM
// attribute upserts.
func applyAttrs(live []Attr, pending []Attr) []Attr {
	out := append([]Attr(nil), live...)

	for _, p := range pending {
		switch {
		case p.RM && p.Tag == 0:
			filtered := out[:0]
			for _, e := range out {
				if e.Rid != p.Rid {
					filtered = append(filtered, e)
				}
			}
			out = filtered
		case p.RM:
			filtered := out[:0]
			for _, e := range out {
				if !(e.Rid == p.Rid && e.Tag == p.Tag) {
					filtered = append(filtered, e)
				}
			}
			out = filtered
		default:
			replaced := false
			for i, e := range out {
				if e.Rid == p.Rid && e.Tag == p.Tag {
					out[i] = p
					replaced = true
					break
				}
			}
			if !replaced {
				out = append(out, p)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return attrLess(out[i], out[j]) })
	return out
}

func computeWeight(attrs []Attr) uint32 {
	var w uint32
	for _, a := range attrs {
		if a.Rid == RIDGlobal {
			continue
		}
		if top := uint32(a.Rid) + a.Weight; top > w {
			w = top
		}
		if a.Weight == 0 && uint32(a.Rid)+1 > w {
			w = uint32(a.Rid) + 1
		}
	}
	return w
}

// Lookup returns the exact (rid, tag) attribute, if live.
func (r *Rbyd) Lookup(rid RID, tag Tag) (Attr, bool) {
	i := sort.Search(len(r.attrs), func(i int) bool {
		return !attrLess(r.attrs[i], Attr{Rid: rid, Tag: tag})
	})
	if i < len(r.attrs) && r.attrs[i].Rid == rid && r.attrs[i].Tag == tag {
		return r.attrs[i], true
	}
	return Attr{}, false
}

// LookupNext returns the smallest live attribute with (Rid, Tag) >=
// (rid, tag) in sorted order, enumerating every live tag without
// duplicates or omissions as rid/tag are advanced by the caller (spec
// §8 round-trip law).
func (r *Rbyd) LookupNext(rid RID, tag Tag) (Attr, bool) {
	i := sort.Search(len(r.attrs), func(i int) bool {
		return !attrLess(r.attrs[i], Attr{Rid: rid, Tag: tag})
	})
	if i < len(r.attrs) {
		return r.attrs[i], true
	}
	return Attr{}, false
}

// All returns every live attribute, sorted by (Rid, Tag). Callers must not
// mutate the returned slice.
func (r *Rbyd) All() []Attr { return r.attrs }

// Preview returns what All() would report after hypothetically applying
// attrs, without committing anything. Used by callers (mdir's gcksum
// bookkeeping) that need to know the resulting live set before deciding
// what else to fold into the same real commit.
func (r *Rbyd) Preview(attrs []Attr) []Attr {
	return applyAttrs(r.attrs, attrs)
}

func (r *Rbyd) clone() *Rbyd {
	nr := *r
	nr.attrs = cloneAttrs(r.attrs)
	return &nr
}

// Commit appends attrs to the block and closes them out with a checksummed
// footer. On success it returns a new handle reflecting the committed
// state; the receiver is left untouched. ErrOverflow signals the caller
// to Compact into the sibling block instead.
//
// The new bytes are staged through a program cache (spec §4.1 step 1:
// "buffer the new attributes ... in the pcache aligned to prog_size")
// rather than assembled into an ad hoc slice and written in one dev.Prog
// call; Cache.Flush is what actually reaches the device, once, with
// whatever whole aligned pages the staged commit fills.
func (r *Rbyd) Commit(dev bd.Device, attrs []Attr) (*Rbyd, error) {
	blockSize := dev.BlockSize()
	progSize := dev.ProgSize()

	nr := r.clone()
	nr.attrs = applyAttrs(nr.attrs, attrs)
	nr.Weight = computeWeight(nr.attrs)

	pc := cache.New(progSize, blockSize)

	seed := cksum.New(r.Cksum)
	off := r.Eoff
	for _, a := range attrs {
		enc := a.appendTo(nil)
		// pc's backing buffer covers exactly one block; a run of attrs
		// that would overflow it before the footer even fits must bail
		// out here rather than let Prog index past the buffer's end.
		if off+uint32(len(enc)) > blockSize {
			return nil, ErrOverflow
		}
		seed = seed.Update(enc)
		pc.Prog(r.Block, off, enc)
		off += uint32(len(enc))
	}

	footerHeader := Attr{Rid: RIDGlobal, Tag: TagCksum, Data: make([]byte, 4)}.appendHeaderTo(nil)
	footerOff := off + uint32(len(footerHeader))
	if footerOff+4 > blockSize {
		return nil, ErrOverflow
	}

	prevWordBuf := make([]byte, 4)
	if err := dev.Read(r.Block, footerOff, prevWordBuf); err != nil {
		return nil, err
	}
	prevWord := binary.LittleEndian.Uint32(prevWordBuf)

	natural := seed.Update(footerHeader).Value()
	word := cksum.FooterWord(natural, prevWord)

	pc.Prog(r.Block, off, footerHeader)
	off += uint32(len(footerHeader))
	var wordBuf [4]byte
	binary.LittleEndian.PutUint32(wordBuf[:], word)
	pc.Prog(r.Block, off, wordBuf[:])
	off += 4

	total := off
	if total > blockSize {
		return nil, ErrOverflow
	}
	aligned := alignUp(total, progSize)
	if aligned > blockSize {
		return nil, ErrOverflow
	}

	// bytes between total and aligned were never Prog'd into pc, so they
	// still hold pc's initial 0xff fill -- the same tail padding the
	// ad hoc buffer used to get explicitly.
	if err := pc.Flush(dev, aligned); err != nil {
		return nil, err
	}
	if err := dev.Sync(); err != nil {
		return nil, err
	}

	nr.Eoff = aligned
	nr.Trunk = aligned
	nr.Cksum = natural
	return nr, nil
}

// Compact erases dstBlock and rewrites it from scratch with this rbyd's
// live attributes plus any extra attrs, bumping the revision counter.
// This is both the mdir "move to the other side of the pair" path and the
// wear-leveling relocation path (spec §4.5): every compaction is a
// revision bump, so block_recycles is simply "how many compactions before
// we instead allocate a brand new pair".
//
// Like Commit, the rewritten block is staged through a program cache
// (spec §4.1 step 1) rather than built up in an ad hoc slice.
func (r *Rbyd) Compact(dev bd.Device, dstBlock uint32, extra []Attr) (*Rbyd, error) {
	blockSize := dev.BlockSize()
	progSize := dev.ProgSize()

	if err := dev.Erase(dstBlock); err != nil {
		return nil, err
	}

	live := applyAttrs(cloneAttrs(r.attrs), extra)

	nr := &Rbyd{
		Block:  dstBlock,
		Rev:    r.Rev + 1,
		Weight: computeWeight(live),
		attrs:  live,
	}

	pc := cache.New(progSize, blockSize)

	var revHeader [RevisionHeaderSize]byte
	binary.LittleEndian.PutUint32(revHeader[:], nr.Rev)

	seed := cksum.New(0).Update(revHeader[:])
	pc.Prog(dstBlock, 0, revHeader[:])
	off := uint32(RevisionHeaderSize)
	for _, a := range live {
		enc := a.appendTo(nil)
		if off+uint32(len(enc)) > blockSize {
			return nil, fmt.Errorf("rbyd: live set too large to compact into one block")
		}
		seed = seed.Update(enc)
		pc.Prog(dstBlock, off, enc)
		off += uint32(len(enc))
	}

	footerHeader := Attr{Rid: RIDGlobal, Tag: TagCksum, Data: make([]byte, 4)}.appendHeaderTo(nil)
	footerOff := off + uint32(len(footerHeader))
	if footerOff+4 > blockSize {
		return nil, fmt.Errorf("rbyd: live set too large to compact into one block (%d bytes)", footerOff+4)
	}

	// dstBlock was just erased, so whatever Read returns here is the
	// device's genuine erased value (0xff...ff on real NOR/NAND).
	prevWordBuf := make([]byte, 4)
	if err := dev.Read(dstBlock, footerOff, prevWordBuf); err != nil {
		return nil, err
	}
	prevWord := binary.LittleEndian.Uint32(prevWordBuf)

	natural := seed.Update(footerHeader).Value()
	word := cksum.FooterWord(natural, prevWord)

	pc.Prog(dstBlock, off, footerHeader)
	off += uint32(len(footerHeader))
	var wordBuf [4]byte
	binary.LittleEndian.PutUint32(wordBuf[:], word)
	pc.Prog(dstBlock, off, wordBuf[:])
	off += 4

	total := off
	aligned := alignUp(total, progSize)
	if aligned > blockSize {
		return nil, fmt.Errorf("rbyd: compacted commit %d bytes exceeds block size %d", aligned, blockSize)
	}

	if err := pc.Flush(dev, aligned); err != nil {
		return nil, err
	}
	if err := dev.Sync(); err != nil {
		return nil, err
	}

	nr.Eoff = aligned
	nr.Trunk = aligned
	nr.Cksum = natural
	return nr, nil
}

// CompactThreshold returns the compaction watermark in bytes for a block
// of blockSize: pct percent of it, or 88 percent when pct <= 0 (spec
// §4.3's gc_compact_thresh).
func CompactThreshold(blockSize uint32, pct int) uint32 {
	if pct <= 0 {
		pct = 88
	}
	return blockSize * uint32(pct) / 100
}
