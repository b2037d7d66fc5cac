package fs

import (
	"github.com/flashtree/flashtree/mdir"
	"github.com/flashtree/flashtree/mtree"
	"github.com/flashtree/flashtree/rbyd"
)

// Dir is an open directory handle (spec §6's opendir/readdir/closedir
// family). Like File it tracks its path rather than a pinned mid; see
// resyncHandles.
type Dir struct {
	fsys    *FileSystem
	path    P
	mid     mtree.Mid
	entries []dirEntry
	pos     int
}

// Mkdir creates a new, empty directory at p. The parent must already
// exist and be a directory.
func (fsys *FileSystem) Mkdir(p P) Errno {
	defer fsys.cfg.lock()()
	fsys.cfg.trace("mkdir %s", p)

	if errno := p.Validate(int(fsys.sb.NameLimit)); errno != OK {
		return errno
	}
	if len(p) == 0 {
		return ErrExist
	}

	parentMid, errno := fsys.resolve(p.Parent())
	if errno != OK {
		return errno
	}
	if kind, kerrno := fsys.kindOf(parentMid); kerrno != OK || kind != EntryKindDir {
		if kerrno == OK {
			kerrno = ErrNotDir
		}
		return kerrno
	}
	entries, errno := fsys.lookupDir(parentMid)
	if errno != OK {
		return errno
	}
	if _, ok := findEntry(entries, p.Base()); ok {
		return ErrExist
	}

	childMid, errno := fsys.allocateMid()
	if errno != OK {
		return errno
	}
	childBucket, childRid, err := fsys.mt.Lookup(childMid)
	if err != nil {
		return ErrIO
	}
	if _, errno := fsys.commit(childBucket, []rbyd.Attr{
		{Rid: childRid, Tag: TagKind, Weight: 1, Data: []byte{byte(EntryKindDir)}},
		{Rid: childRid, Tag: TagDirList, Data: encodeDirList(nil)},
	}); errno != OK {
		return errno
	}

	entries = append(entries, dirEntry{Name: p.Base(), Kind: EntryKindDir, Mid: childMid})
	parentBucket, parentRid, err := fsys.mt.Lookup(parentMid)
	if err != nil {
		return ErrIO
	}
	if _, errno := fsys.commit(parentBucket, []rbyd.Attr{
		{Rid: parentRid, Tag: TagDirList, Data: encodeDirList(entries)},
	}); errno != OK {
		return errno
	}
	return OK
}

// OpenDir opens p for reading with Readdir; p must name a directory.
func (fsys *FileSystem) OpenDir(p P) (*Dir, Errno) {
	defer fsys.cfg.lock()()
	fsys.cfg.trace("opendir %s", p)

	if errno := p.Validate(int(fsys.sb.NameLimit)); errno != OK {
		return nil, errno
	}
	mid, errno := fsys.resolve(p)
	if errno != OK {
		return nil, errno
	}
	if kind, kerrno := fsys.kindOf(mid); kerrno != OK || kind != EntryKindDir {
		if kerrno == OK {
			kerrno = ErrNotDir
		}
		return nil, kerrno
	}
	entries, errno := fsys.lookupDir(mid)
	if errno != OK {
		return nil, errno
	}
	d := &Dir{fsys: fsys, path: append(P(nil), p...), mid: mid, entries: entries}
	fsys.trackDir(d)
	return d, OK
}

// Readdir returns the next child entry, or ok == false at the end of the
// directory.
func (d *Dir) Readdir() (info Info, ok bool) {
	if d.pos >= len(d.entries) {
		return Info{}, false
	}
	e := d.entries[d.pos]
	d.pos++
	return Info{Name: e.Name, Dir: e.Kind == EntryKindDir}, true
}

// Rewinddir resets Readdir to the directory's first entry.
func (d *Dir) Rewinddir() { d.pos = 0 }

// Telldir reports the position Rewinddir/Seekdir operate on.
func (d *Dir) Telldir() int { return d.pos }

// Seekdir repositions Readdir.
func (d *Dir) Seekdir(pos int) {
	if pos < 0 {
		pos = 0
	}
	d.pos = pos
}

// Close releases the handle.
func (d *Dir) Close() Errno {
	d.fsys.untrackDir(d)
	return OK
}

// Remove removes the named file or empty directory.
func (fsys *FileSystem) Remove(p P) Errno {
	defer fsys.cfg.lock()()
	fsys.cfg.trace("remove %s", p)

	if errno := p.Validate(int(fsys.sb.NameLimit)); errno != OK {
		return errno
	}
	if len(p) == 0 {
		return ErrInval
	}

	parentMid, errno := fsys.resolve(p.Parent())
	if errno != OK {
		return errno
	}
	entries, errno := fsys.lookupDir(parentMid)
	if errno != OK {
		return errno
	}
	entry, ok := findEntry(entries, p.Base())
	if !ok {
		return ErrNoEnt
	}
	if entry.Kind == EntryKindDir {
		childEntries, errno := fsys.lookupDir(entry.Mid)
		if errno != OK {
			return errno
		}
		if len(childEntries) > 0 {
			return ErrNotEmpty
		}
	}

	remaining := make([]dirEntry, 0, len(entries))
	for _, e := range entries {
		if e.Name != p.Base() {
			remaining = append(remaining, e)
		}
	}
	parentBucket, parentRid, err := fsys.mt.Lookup(parentMid)
	if err != nil {
		return ErrIO
	}
	if _, errno := fsys.commit(parentBucket, []rbyd.Attr{
		{Rid: parentRid, Tag: TagDirList, Data: encodeDirList(remaining)},
	}); errno != OK {
		return errno
	}

	childBucket, childRid, err := fsys.mt.Lookup(entry.Mid)
	if err != nil {
		return ErrIO
	}

	// a regular file still held open can't be deleted outright: its row
	// is marked a stickynote and queued in grm, and the real deletion
	// happens once the last handle onto it closes (finalizeStickynote).
	if entry.Kind == EntryKindReg && fsys.isOpenMid(entry.Mid) {
		grm, perr := fsys.grm.Push(int64(entry.Mid))
		if perr != nil {
			return ErrNoMem
		}
		if _, errno := fsys.commitGRM(childBucket, []rbyd.Attr{
			{Rid: childRid, Tag: TagKind, Data: []byte{byte(EntryKindStickynote)}},
		}, grm); errno != OK {
			return errno
		}
		return OK
	}

	if _, errno := fsys.commit(childBucket, []rbyd.Attr{
		{Rid: childRid, Tag: 0, RM: true},
	}); errno != OK {
		return errno
	}
	return OK
}

// Info is the subset of a row's metadata Stat and Readdir report.
type Info struct {
	Name string
	Dir  bool
	Size uint32
}

// Stat resolves p and reports its kind and, for regular files, size.
func (fsys *FileSystem) Stat(p P) (Info, Errno) {
	defer fsys.cfg.lock()()

	if errno := p.Validate(int(fsys.sb.NameLimit)); errno != OK {
		return Info{}, errno
	}
	mid, errno := fsys.resolve(p)
	if errno != OK {
		return Info{}, errno
	}
	kind, errno := fsys.kindOf(mid)
	if errno != OK {
		return Info{}, errno
	}
	info := Info{Name: p.Base(), Dir: kind == EntryKindDir}
	if !info.Dir {
		body, errno := fsys.loadBody(mid)
		if errno != OK {
			return Info{}, errno
		}
		info.Size = body.Size
	}
	return info, OK
}

// Rename moves the entry at oldp to newp, which must not already exist.
// Both paths must share the same parent's filesystem (cross-directory
// moves are supported; cross-filesystem moves are not meaningful since
// FileSystem is the whole mount).
func (fsys *FileSystem) Rename(oldp, newp P) Errno {
	defer fsys.cfg.lock()()
	fsys.cfg.trace("rename %s -> %s", oldp, newp)

	if errno := oldp.Validate(int(fsys.sb.NameLimit)); errno != OK {
		return errno
	}
	if errno := newp.Validate(int(fsys.sb.NameLimit)); errno != OK {
		return errno
	}
	if len(oldp) == 0 || len(newp) == 0 {
		return ErrInval
	}

	oldParentMid, errno := fsys.resolve(oldp.Parent())
	if errno != OK {
		return errno
	}
	oldEntries, errno := fsys.lookupDir(oldParentMid)
	if errno != OK {
		return errno
	}
	entry, ok := findEntry(oldEntries, oldp.Base())
	if !ok {
		return ErrNoEnt
	}

	newParentMid, errno := fsys.resolve(newp.Parent())
	if errno != OK {
		return errno
	}
	newEntries, errno := fsys.lookupDir(newParentMid)
	if errno != OK {
		return errno
	}
	if _, ok := findEntry(newEntries, newp.Base()); ok {
		return ErrExist
	}

	remaining := make([]dirEntry, 0, len(oldEntries))
	for _, e := range oldEntries {
		if e.Name != oldp.Base() {
			remaining = append(remaining, e)
		}
	}
	newEntries = append(newEntries, dirEntry{Name: newp.Base(), Kind: entry.Kind, Mid: entry.Mid})

	// same-directory rename: one parent's list changes both ways, so it
	// is one row, one commit -- no window where neither name resolves
	// (spec §4.2's atomicity, spec §8 end-to-end scenario 2).
	if oldParentMid == newParentMid {
		bucket, rid, err := fsys.mt.Lookup(oldParentMid)
		if err != nil {
			return ErrIO
		}
		_, errno := fsys.commit(bucket, []rbyd.Attr{
			{Rid: rid, Tag: TagDirList, Data: encodeDirList(append(remaining, dirEntry{Name: newp.Base(), Kind: entry.Kind, Mid: entry.Mid}))},
		})
		return errno
	}

	// cross-directory rename touches two separate mdir rows, which can't
	// land in a single commit. Add to the new parent first and only then
	// remove from the old one, so a crash in between is never observed
	// as "neither name resolves" -- at worst the entry is briefly
	// reachable from both paths. grm records the pending cleanup (the
	// same global recovery queue stickynote uses, spec §3/§9's orphan
	// gesture) so a crash in that window is repaired by MkConsistent on
	// the next mount instead of leaking a duplicate entry forever.
	newParentBucket, newParentRid, err := fsys.mt.Lookup(newParentMid)
	if err != nil {
		return ErrIO
	}
	grm, perr := fsys.grm.Push(int64(entry.Mid))
	if perr != nil {
		return ErrNoMem
	}
	if _, errno := fsys.commitGRM(newParentBucket, []rbyd.Attr{
		{Rid: newParentRid, Tag: TagDirList, Data: encodeDirList(newEntries)},
	}, grm); errno != OK {
		return errno
	}

	oldParentBucket, oldParentRid, err := fsys.mt.Lookup(oldParentMid)
	if err != nil {
		return ErrIO
	}
	grm = fsys.grm
	for i, m := range grm.Mids {
		if m == int64(entry.Mid) {
			grm.Mids[i] = mdir.GRMEmpty
		}
	}
	if _, errno := fsys.commitGRM(oldParentBucket, []rbyd.Attr{
		{Rid: oldParentRid, Tag: TagDirList, Data: encodeDirList(remaining)},
	}, grm); errno != OK {
		return errno
	}
	return OK
}
