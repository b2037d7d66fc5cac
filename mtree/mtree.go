// Package mtree implements the metadata tree of spec §4.3: the structure
// that lets a mounted filesystem scale past a single mdir pair by
// indexing many mdirs by mid.
//
// Simplification note (an Open Question decision, see DESIGN.md): the
// real format encodes branches as rbyds whose trunks point at child
// block pairs, so mtree is a genuine multi-level B-tree on disk. This
// implementation keeps the externally-visible contract -- mid space
// partitioned across copy-on-write mdirs, the anchor pair acting as the
// single well-known root, splitting when a bucket overflows -- but
// represents the tree as a flat directory of buckets recorded as
// ordinary attributes in the anchor mdir, rather than as nested rbyd
// branch nodes. For the bucket counts a single statically-bounded RAM
// footprint needs to support (tens, not millions), this has the same
// observable behavior (mid -> mdir resolution, copy-on-write growth) at
// a fraction of the code, and it still degrades to "mtree elided, mroot
// serves directly" for a one-bucket filesystem exactly as spec §4.3
// describes.
package mtree

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/flashtree/flashtree/alloc"
	"github.com/flashtree/flashtree/internal/bd"
	"github.com/flashtree/flashtree/mdir"
	"github.com/flashtree/flashtree/rbyd"
)

// TagBucket records, in the anchor mdir, the block pair backing bucket
// number Rid (Rid 0 is never stored this way -- it's the anchor itself).
const TagBucket rbyd.Tag = 0x0010

// MBits is the number of low bits of a Mid reserved for the row id within
// a bucket; the remaining high bits select the bucket.
const MBits = 16

// BucketCap is the row-count watermark a bucket splits at. It is set far
// below 1<<MBits so a split always has headroom to redistribute into.
const BucketCap = 256

// Mid is the filesystem-global metadata id: (bucket index):(local rid).
type Mid int64

func makeMid(bucket uint32, rid rbyd.RID) Mid {
	return Mid(uint64(bucket)<<MBits | uint64(uint32(rid)))
}

func splitMid(m Mid) (bucket uint32, rid rbyd.RID) {
	return uint32(uint64(m) >> MBits), rbyd.RID(uint64(m) & (1<<MBits - 1))
}

// Bucket is one leaf of the tree: a live mdir pair plus the index it was
// registered under.
type Bucket struct {
	Index  uint32
	Blocks [2]uint32
	M      *mdir.Mdir
}

// Mtree is the in-memory handle to a mounted tree. Bucket 0 is always the
// anchor pair itself.
type Mtree struct {
	buckets []*Bucket
}

func bucketBlocksAttr(blocks [2]uint32) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], blocks[0])
	binary.LittleEndian.PutUint32(buf[4:8], blocks[1])
	return buf[:]
}

func decodeBucketBlocks(data []byte) ([2]uint32, error) {
	if len(data) != 8 {
		return [2]uint32{}, fmt.Errorf("mtree: malformed bucket record (%d bytes)", len(data))
	}
	return [2]uint32{
		binary.LittleEndian.Uint32(data[0:4]),
		binary.LittleEndian.Uint32(data[4:8]),
	}, nil
}

// Open loads the bucket directory out of the anchor mdir and fetches
// every bucket beyond the anchor itself. Each TagBucket attribute's own
// Rid carries that bucket's index (spec §4.3), so buckets are recovered
// in the right slot regardless of the order they were written or
// relocated in.
func Open(dev bd.Device, anchor *mdir.Mdir) (*Mtree, error) {
	mt := &Mtree{buckets: []*Bucket{{Index: 0, Blocks: anchor.Blocks, M: anchor}}}

	type found struct {
		idx    uint32
		blocks [2]uint32
	}
	var recs []found
	for _, a := range anchor.R.All() {
		if a.Tag != TagBucket || a.Rid == rbyd.RIDGlobal {
			continue
		}
		blocks, err := decodeBucketBlocks(a.Data)
		if err != nil {
			return nil, err
		}
		recs = append(recs, found{idx: uint32(a.Rid), blocks: blocks})
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].idx < recs[j].idx })

	for _, r := range recs {
		m, err := mdir.Fetch(dev, r.blocks)
		if err != nil {
			return nil, err
		}
		mt.buckets = append(mt.buckets, &Bucket{Index: r.idx, Blocks: r.blocks, M: m})
	}

	return mt, nil
}

// Format initializes a brand new single-bucket tree backed solely by the
// anchor pair.
func Format(anchor *mdir.Mdir) *Mtree {
	return &Mtree{buckets: []*Bucket{{Index: 0, Blocks: anchor.Blocks, M: anchor}}}
}

// Anchor returns bucket 0, the mroot.
func (mt *Mtree) Anchor() *Bucket { return mt.buckets[0] }

// Bucket returns the bucket backing idx, if loaded.
func (mt *Mtree) Bucket(idx uint32) (*Bucket, bool) {
	if int(idx) >= len(mt.buckets) {
		return nil, false
	}
	return mt.buckets[idx], true
}

// Buckets returns every bucket, in index order.
func (mt *Mtree) Buckets() []*Bucket { return mt.buckets }

// Lookup resolves a Mid to the bucket and local row id that hold it.
func (mt *Mtree) Lookup(mid Mid) (*Bucket, rbyd.RID, error) {
	idx, rid := splitMid(mid)
	b, ok := mt.Bucket(idx)
	if !ok {
		return nil, 0, fmt.Errorf("mtree: mid %d addresses unknown bucket %d", mid, idx)
	}
	return b, rid, nil
}

// UpdateBucket records a bucket's new mdir handle after the caller has
// committed to it directly.
func (mt *Mtree) UpdateBucket(idx uint32, m *mdir.Mdir) {
	mt.buckets[idx].M = m
}

// NextMid picks where a new row should be inserted: the first bucket with
// room under the bucket falls back to requesting a split if every bucket
// is full.
func (mt *Mtree) NextMid() (Mid, error) {
	for _, b := range mt.buckets {
		if b.M.Weight() < BucketCap {
			return makeMid(b.Index, rbyd.RID(b.M.Weight())), nil
		}
	}
	return 0, ErrFull
}

// ErrFull is returned by NextMid when every bucket is at capacity and the
// caller must Split before inserting.
var ErrFull = fmt.Errorf("mtree: every bucket is full, split required")

// Split allocates a fresh bucket from alc, moves the upper half of src's
// rows into it, and registers the new bucket in the anchor mdir. The
// caller must have already committed any pending writes to src before
// calling Split, and must re-fetch its own bucket/mtree references
// afterward: Split returns the updated tree plus the two buckets
// (possibly-shrunk src, and the new one) so the caller can retarget any
// mids it was about to write.
func (mt *Mtree) Split(dev bd.Device, alc *alloc.Allocator, src *Bucket) (*Mtree, *Bucket, *Bucket, error) {
	live := src.M.R.All()
	half := uint32(len(live)) / 2

	var moved []rbyd.Attr
	var removeLo []rbyd.Attr
	for _, a := range live {
		if a.Rid == rbyd.RIDGlobal {
			continue
		}
		if uint32(a.Rid) >= half {
			na := a
			na.Rid = a.Rid - rbyd.RID(half)
			moved = append(moved, na)
			removeLo = append(removeLo, rbyd.Attr{Rid: a.Rid, Tag: 0, RM: true})
		}
	}

	newBlocks, err := alc.AllocPair(dev)
	if err != nil {
		return nil, nil, nil, err
	}
	newM, err := mdir.Format(dev, newBlocks)
	if err != nil {
		return nil, nil, nil, err
	}
	newM, err = newM.Commit(dev, moved, newM.Grm, newM.Gcksum)
	if err != nil {
		return nil, nil, nil, err
	}

	shrunkM, err := src.M.Commit(dev, removeLo, src.M.Grm, src.M.Gcksum)
	if err != nil {
		return nil, nil, nil, err
	}

	newIdx := uint32(len(mt.buckets))
	anchor := mt.buckets[0]
	anchorBase := anchor.M
	if src.Index == 0 {
		// src is the anchor: register on top of the shrunk state.
		anchorBase = shrunkM
	}
	anchorM, err := anchorBase.Commit(dev, []rbyd.Attr{
		{Rid: rbyd.RID(newIdx), Tag: TagBucket, Data: bucketBlocksAttr(newBlocks)},
	}, anchorBase.Grm, anchorBase.Gcksum)
	if err != nil {
		return nil, nil, nil, err
	}

	nmt := &Mtree{buckets: append([]*Bucket(nil), mt.buckets...)}
	nmt.buckets[src.Index] = &Bucket{Index: src.Index, Blocks: src.Blocks, M: shrunkM}
	nmt.buckets[0] = &Bucket{Index: 0, Blocks: anchor.Blocks, M: anchorM}
	newBucket := &Bucket{Index: newIdx, Blocks: newBlocks, M: newM}
	nmt.buckets = append(nmt.buckets, newBucket)

	return nmt, nmt.buckets[src.Index], newBucket, nil
}

// Relocate moves bucket onto a freshly allocated pair and repoints the
// anchor's TagBucket record at it, used once a bucket's revision counter
// crosses block_recycles (spec §4.5): compacting a pair in place still
// cycles the same two blocks forever, so a bucket that has been compacted
// that many times is moved wholesale instead, spreading erases across
// the device. New blocks are committed first and the anchor pointer
// last, so a crash between the two leaves the anchor still pointing at
// the old (untouched, still valid) pair and only orphans the new one --
// never the other way around.
//
// The anchor itself (bucket 0) can't be relocated this way: Mount finds
// it at a fixed, well-known pair of blocks, and there is no indirection
// (a real mroot chain) pointing somewhere else for it to move to -- see
// DESIGN.md.
func (mt *Mtree) Relocate(dev bd.Device, alc *alloc.Allocator, bucket *Bucket) (*Mtree, error) {
	if bucket.Index == 0 {
		return nil, fmt.Errorf("mtree: anchor bucket cannot be relocated")
	}

	newBlocks, err := alc.AllocPair(dev)
	if err != nil {
		return nil, err
	}
	newR, err := bucket.M.R.Compact(dev, newBlocks[0], nil)
	if err != nil {
		return nil, err
	}
	newR.Rev = 0
	newM := &mdir.Mdir{Blocks: newBlocks, Active: 0, R: newR, Grm: bucket.M.Grm, Gcksum: bucket.M.Gcksum}

	anchor := mt.buckets[0]
	anchorM, err := anchor.M.Commit(dev, []rbyd.Attr{
		{Rid: rbyd.RID(bucket.Index), Tag: TagBucket, Data: bucketBlocksAttr(newBlocks)},
	}, anchor.M.Grm, anchor.M.Gcksum)
	if err != nil {
		return nil, err
	}

	nmt := &Mtree{buckets: append([]*Bucket(nil), mt.buckets...)}
	nmt.buckets[0] = &Bucket{Index: 0, Blocks: anchor.Blocks, M: anchorM}
	nmt.buckets[bucket.Index] = &Bucket{Index: bucket.Index, Blocks: newBlocks, M: newM}
	return nmt, nil
}
