// Package fs is the mount/format/unmount entry point and public API
// surface of spec §4.7/§6: it orchestrates commits across mtree buckets,
// replays grm on mount, and exposes the path/file/directory/traversal
// operations every other package's handles are built from.
package fs

import (
	"github.com/flashtree/flashtree/alloc"
	"github.com/flashtree/flashtree/fbody"
	"github.com/flashtree/flashtree/internal/bd"
	"github.com/flashtree/flashtree/mdir"
	"github.com/flashtree/flashtree/mtree"
	"github.com/flashtree/flashtree/rbyd"
)

// anchorBlocks is where the anchor pair always lives; spec §4.7 format
// allocates it first and it never moves (the mroot is "the fixed
// superblock-carrying mdir").
var anchorBlocks = [2]uint32{0, 1}

// rootMid is the well-known mid of the filesystem's root directory.
const rootMid mtree.Mid = 0

// FileSystem is a mounted instance. No module-scope state is kept
// anywhere else (spec §9): every field a mount needs lives here, so
// opening several filesystems concurrently works without interference.
type FileSystem struct {
	cfg *Config
	dev bd.Device

	mt     *mtree.Mtree
	alc    *alloc.Allocator
	grm    mdir.GRM
	gcksum uint32
	sb     superblock

	needsMkconsistent bool

	openFiles []*File
	openDirs  []*Dir
}

type fsSource struct{ fsys *FileSystem }

func (s fsSource) InUse(block uint32) (bool, error) {
	live, err := s.fsys.liveBlocks()
	if err != nil {
		return false, err
	}
	return live[block], nil
}

// liveBlocks computes the traversal-reconciled live set (spec §4.5/§4.6:
// "the allocator's live-set is exactly the union of" every mtree, mdir,
// btree-leaf and bptr reference). This package recomputes it by a direct
// walk rather than an incremental cache, appropriate at the RAM-bounded
// scale this implementation targets (see DESIGN.md).
func (fsys *FileSystem) liveBlocks() (map[uint32]bool, error) {
	live := map[uint32]bool{anchorBlocks[0]: true, anchorBlocks[1]: true}
	for _, b := range fsys.mt.Buckets() {
		live[b.Blocks[0]] = true
		live[b.Blocks[1]] = true
		for _, a := range b.M.R.All() {
			if a.Tag != fbody.TagBtreeRoot {
				continue
			}
			blocks, err := fbody.LiveBlocks(fsys.dev, a.Data)
			if err != nil {
				return nil, err
			}
			for _, blk := range blocks {
				live[blk] = true
			}
		}
	}
	return live, nil
}

// recomputeGcksum fully recomputes gcksum from every bucket's current
// content checksum, used at Mount to cross-check the persisted value
// (spec §4.2: "a mount recomputes gcksum by traversing the mtree") and
// after an mtree Split or Relocate. Ordinary commits update gcksum
// incrementally via commit's predictive PreviewContentCksum instead of
// calling this.
func (fsys *FileSystem) recomputeGcksum() uint32 {
	var x uint32
	for _, b := range fsys.mt.Buckets() {
		x ^= b.M.ContentCksum()
	}
	return x
}

// Format initializes a brand new filesystem image on cfg.Device and
// returns it mounted, the same as calling Format followed by Mount on
// real hardware (spec §4.7).
func Format(cfg *Config) (*FileSystem, Errno) {
	if errno := cfg.validate(); errno != OK {
		return nil, errno
	}
	defer cfg.lock()()
	cfg.trace("format")
	dev := cfg.Device

	anchor, err := mdir.Format(dev, anchorBlocks)
	if err != nil {
		return nil, ErrIO
	}

	sb := superblock{
		VersionMajor: DiskVersionMajor,
		VersionMinor: DiskVersionMinor,
		NameLimit:    cfg.NameLimit,
		FileLimit:    cfg.FileLimit,
		BlockSize:    dev.BlockSize(),
		BlockCount:   dev.BlockCount(),
	}

	initAttrs := []rbyd.Attr{
		{Rid: rbyd.RIDGlobal, Tag: TagSuperblock, Data: sb.encode()},
		{Rid: rbyd.RID(rootMid), Tag: TagKind, Weight: 1, Data: []byte{byte(EntryKindDir)}},
		{Rid: rbyd.RID(rootMid), Tag: TagDirList, Data: encodeDirList(nil)},
	}
	// a single-bucket filesystem's gcksum is simply this bucket's own
	// content checksum post-commit (spec §4.2); predict it so the value
	// can be embedded directly in this same commit.
	newCksum := anchor.PreviewContentCksum(initAttrs, mdir.EmptyGRM)
	anchor, err = anchor.Commit(dev, initAttrs, mdir.EmptyGRM, newCksum)
	if err != nil {
		return nil, ErrIO
	}

	fsys := &FileSystem{
		cfg:    cfg,
		dev:    dev,
		mt:     mtree.Format(anchor),
		grm:    mdir.EmptyGRM,
		gcksum: newCksum,
		sb:     sb,
	}
	fsys.alc = alloc.New(dev.BlockCount(), fsSource{fsys})
	return fsys, OK
}

// Mount fetches the anchor pair, validates the superblock, and loads
// global recovery state, per spec §4.7.
func Mount(cfg *Config) (*FileSystem, Errno) {
	if errno := cfg.validate(); errno != OK {
		return nil, errno
	}
	defer cfg.lock()()
	cfg.trace("mount")
	dev := cfg.Device

	anchor, err := mdir.Fetch(dev, anchorBlocks)
	if err != nil {
		return nil, ErrIO
	}
	a, ok := anchor.Lookup(rbyd.RIDGlobal, TagSuperblock)
	if !ok {
		return nil, ErrCorrupt
	}
	sb, errno := decodeSuperblock(a.Data)
	if errno != OK {
		return nil, errno
	}
	if sb.NameLimit > NameMax || sb.FileLimit > FileMax {
		return nil, ErrInval
	}

	mt, err := mtree.Open(dev, anchor)
	if err != nil {
		return nil, ErrIO
	}

	fsys := &FileSystem{
		cfg:               cfg,
		dev:               dev,
		mt:                mt,
		grm:               anchor.Grm,
		sb:                sb,
		needsMkconsistent: !anchor.Grm.IsEmpty(),
	}
	fsys.alc = alloc.New(dev.BlockCount(), fsSource{fsys})

	// spec §4.2's gcksum invariant: a mount recomputes gcksum by
	// traversal; a mismatch against the value persisted in the anchor
	// means some mdir was silently corrupted without tripping its own
	// checksum.
	fsys.gcksum = fsys.recomputeGcksum()
	if fsys.gcksum != anchor.Gcksum {
		return nil, ErrCorrupt
	}
	return fsys, OK
}

// Unmount releases in-memory state. The on-disk image is always mountable
// already (spec §4.7); there is nothing to flush beyond what Sync/commits
// already persisted.
func (fsys *FileSystem) Unmount() Errno {
	fsys.openFiles = nil
	fsys.openDirs = nil
	return OK
}

// commit commits attrs to bucket's mdir under the filesystem's current
// grm, predicting the resulting content checksum so the gcksum value
// embedded in this same commit is already correct (see
// mdir.PreviewContentCksum), and keeps every open handle's cached
// mid/bucket resolution in sync (spec §4.4 "open-file tracking").
func (fsys *FileSystem) commit(bucket *mtree.Bucket, attrs []rbyd.Attr) (*mtree.Bucket, Errno) {
	return fsys.commitGRM(bucket, attrs, fsys.grm)
}

// commitGRM is commit's general form: it also updates the filesystem's
// global recovery queue, used by Remove when a row can't be deleted
// outright because a handle still has it open (spec §3/§4.2's "stickynote"
// deferred-delete case), and by Rename's cross-directory crash recovery.
//
// Mount only ever trusts the anchor bucket's own stored copy of grm (it
// reads anchor.Grm directly rather than reconciling every bucket), but
// every mdir -- anchor or not -- carries its own copy, rewritten on every
// commit to that bucket. A grm change committed to some other bucket is
// therefore invisible after a crash-and-remount until the anchor's own
// copy is brought up to date too, so any change to grm is always mirrored
// into the anchor here, regardless of which bucket attrs targets.
func (fsys *FileSystem) commitGRM(bucket *mtree.Bucket, attrs []rbyd.Attr, grm mdir.GRM) (*mtree.Bucket, Errno) {
	nb, errno := fsys.commitTo(bucket, attrs, grm)
	if errno != OK {
		return nil, errno
	}
	if bucket.Index != 0 {
		anchor := fsys.mt.Anchor()
		if _, errno := fsys.commitTo(anchor, nil, grm); errno != OK {
			return nil, errno
		}
	}
	return nb, OK
}

// commitTo performs the actual single-bucket commit commitGRM and
// commitGRM's anchor mirror share, then checks whether the bucket has
// just crossed cfg.BlockRecycles compactions and, if so, relocates it
// onto a fresh pair (spec §4.5) before returning -- so the next mutation
// any caller makes already lands on the new pair instead of the worn one.
func (fsys *FileSystem) commitTo(bucket *mtree.Bucket, attrs []rbyd.Attr, grm mdir.GRM) (*mtree.Bucket, Errno) {
	oldCksum := bucket.M.ContentCksum()
	newCksum := bucket.M.PreviewContentCksum(attrs, grm)
	newGcksum := fsys.gcksum ^ oldCksum ^ newCksum

	nm, err := bucket.M.Commit(fsys.dev, attrs, grm, newGcksum)
	if err == rbyd.ErrOverflow {
		return nil, ErrNoSpc
	}
	if err != nil {
		return nil, ErrIO
	}
	fsys.mt.UpdateBucket(bucket.Index, nm)
	fsys.gcksum = newGcksum
	fsys.grm = grm
	fsys.resyncHandles()
	nb, _ := fsys.mt.Bucket(bucket.Index)

	// the anchor pair can't relocate (see mtree.Relocate); every other
	// bucket's wear is bounded this way instead.
	if bucket.Index != 0 && fsys.cfg.BlockRecycles > 0 && int64(nm.R.Rev) >= fsys.cfg.BlockRecycles {
		relocated, rerr := fsys.mt.Relocate(fsys.dev, fsys.alc, nb)
		if rerr != nil {
			return nil, ErrIO
		}
		fsys.mt = relocated
		// Relocate commits two mdirs (the new pair, the anchor's
		// TagBucket pointer) directly rather than through commitTo, so
		// gcksum needs a full retally rather than the incremental XOR
		// update above.
		fsys.gcksum = fsys.recomputeGcksum()
		fsys.resyncHandles()
		nb, _ = fsys.mt.Bucket(bucket.Index)
	}
	return nb, OK
}

// allocateMid finds room for a new row, splitting the owning bucket first
// if every bucket is full (spec §4.3's split policy).
func (fsys *FileSystem) allocateMid() (mtree.Mid, Errno) {
	mid, err := fsys.mt.NextMid()
	if err == mtree.ErrFull {
		src := fsys.mt.Buckets()[len(fsys.mt.Buckets())-1]
		nmt, _, _, serr := fsys.mt.Split(fsys.dev, fsys.alc, src)
		if serr != nil {
			return 0, ErrNoSpc
		}
		fsys.mt = nmt
		// Split commits three mdirs (anchor, shrunk src, new bucket)
		// directly rather than through fsys.commit, so gcksum needs a
		// full retally rather than the incremental XOR update.
		fsys.gcksum = fsys.recomputeGcksum()
	}
	mid, err = fsys.mt.NextMid()
	if err != nil {
		return 0, ErrNoSpc
	}
	return mid, OK
}
