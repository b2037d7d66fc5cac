package fs

import (
	"github.com/flashtree/flashtree/mdir"
	"github.com/flashtree/flashtree/mtree"
	"github.com/flashtree/flashtree/rbyd"
)

// MkConsistent drains any pending grm deletions left over from a commit
// that crashed after removing a directory entry but before its row was
// deleted (spec §3/§4.2's "make consistent" step). Mount sets
// needsMkconsistent so callers know this is worth calling before relying
// on the tree being fully pruned; it is always safe to call regardless.
func (fsys *FileSystem) MkConsistent() Errno {
	defer fsys.cfg.lock()()
	fsys.cfg.trace("mkconsistent")

	for _, raw := range fsys.grm.Mids {
		if raw == mdir.GRMEmpty {
			continue
		}
		mid := mtree.Mid(raw)

		kind, kerrno := fsys.kindOf(mid)
		switch {
		case kerrno != OK:
			// the row itself is gone (e.g. an earlier split left
			// nothing to finalize); just drain the slot.
			if errno := fsys.drainGRM(raw); errno != OK {
				return errno
			}
		case kind == EntryKindStickynote:
			if errno := fsys.finalizeStickynote(mid); errno != OK {
				return errno
			}
		default:
			// a live, non-stickynote row pending in grm means a
			// cross-directory Rename crashed between adding the new
			// directory entry and removing the old one (fs/dir.go's
			// Rename): the row may now be reachable from two paths.
			// Dedupe back down to exactly one, keeping the earliest
			// found in a root-first walk, then drain the slot.
			if errno := fsys.dedupeDirRefs(mid); errno != OK {
				return errno
			}
			if errno := fsys.drainGRM(raw); errno != OK {
				return errno
			}
		}
	}
	fsys.needsMkconsistent = false
	return OK
}

// drainGRM removes raw from the pending queue via its own commit, used
// when there is nothing else left to do for that slot.
func (fsys *FileSystem) drainGRM(raw int64) Errno {
	grm := fsys.grm
	for i, m := range grm.Mids {
		if m == raw {
			grm.Mids[i] = mdir.GRMEmpty
		}
	}
	bucket := fsys.mt.Buckets()[0]
	_, errno := fsys.commitGRM(bucket, nil, grm)
	return errno
}

// dedupeDirRefs walks the whole directory tree looking for every entry
// that references mid, keeping the first one found and removing any
// extras -- the repair half of Rename's add-then-remove crash window.
func (fsys *FileSystem) dedupeDirRefs(mid mtree.Mid) Errno {
	type ref struct {
		parent mtree.Mid
		name   string
	}
	var refs []ref

	var walk func(dirMid mtree.Mid) Errno
	walk = func(dirMid mtree.Mid) Errno {
		entries, errno := fsys.lookupDir(dirMid)
		if errno != OK {
			return errno
		}
		for _, e := range entries {
			if e.Mid == mid {
				refs = append(refs, ref{parent: dirMid, name: e.Name})
			}
			if e.Kind == EntryKindDir {
				if errno := walk(e.Mid); errno != OK {
					return errno
				}
			}
		}
		return OK
	}
	if errno := walk(rootMid); errno != OK {
		return errno
	}

	for i, r := range refs {
		if i == 0 {
			continue // keep the first occurrence
		}
		entries, errno := fsys.lookupDir(r.parent)
		if errno != OK {
			return errno
		}
		remaining := make([]dirEntry, 0, len(entries))
		for _, e := range entries {
			if !(e.Mid == mid && e.Name == r.name) {
				remaining = append(remaining, e)
			}
		}
		bucket, rid, err := fsys.mt.Lookup(r.parent)
		if err != nil {
			return ErrIO
		}
		if _, errno := fsys.commit(bucket, []rbyd.Attr{
			{Rid: rid, Tag: TagDirList, Data: encodeDirList(remaining)},
		}); errno != OK {
			return errno
		}
	}
	return OK
}

// Usage reports how many of the device's blocks are currently live,
// spec §4.6's usage/statvfs-equivalent query.
func (fsys *FileSystem) Usage() (used, total uint32, errno Errno) {
	defer fsys.cfg.lock()()

	live, err := fsys.liveBlocks()
	if err != nil {
		return 0, 0, ErrIO
	}
	return uint32(len(live)), fsys.dev.BlockCount(), OK
}

// Compact walks every bucket and compacts any mdir that has crossed the
// gc_compact_thresh watermark, spec §4.3's janitorial traversal mode.
func (fsys *FileSystem) Compact() Errno {
	defer fsys.cfg.lock()()
	fsys.cfg.trace("compact")

	pct := fsys.cfg.GCCompactThresh
	if pct == 0 {
		pct = 88
	}
	for _, b := range fsys.mt.Buckets() {
		if !b.M.ShouldCompact(fsys.dev, pct) {
			continue
		}
		if _, errno := fsys.commit(b, nil); errno != OK {
			return errno
		}
	}
	return OK
}
