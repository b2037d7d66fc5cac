package fs

import (
	"io"
	"os"

	"github.com/flashtree/flashtree/fbody"
	"github.com/flashtree/flashtree/internal/cache"
	"github.com/flashtree/flashtree/mdir"
	"github.com/flashtree/flashtree/mtree"
	"github.com/flashtree/flashtree/rbyd"
)

// File is an open regular-file handle (spec §6's file operations). It
// holds its path rather than a pinned mid, since a commit elsewhere in
// the filesystem -- most notably an mtree split -- can renumber the mid
// backing any given row; resyncHandles keeps it current. Not safe for
// concurrent use by multiple goroutines, matching the teacher's File.
type File struct {
	fsys *FileSystem
	path P
	mid  mtree.Mid
	body *fbody.Body
	pos  uint32
}

// OpenFile opens the named file. os.O_CREATE creates it if missing,
// os.O_CREATE|os.O_EXCL fails with ErrExist if it exists, os.O_TRUNC
// empties it, and os.O_APPEND starts the handle's position at the end of
// the file; later Writes go to the handle's current position. The access
// mode (os.O_RDONLY, os.O_WRONLY, os.O_RDWR) is not checked: every handle
// can both read and write. perm is accepted
// for signature symmetry but unused: this implementation carries no
// permission bits (see DESIGN.md).
func (fsys *FileSystem) OpenFile(p P, flags int, perm os.FileMode) (*File, Errno) {
	defer fsys.cfg.lock()()
	fsys.cfg.trace("open %s flags=%#x", p, flags)

	_ = perm
	if errno := p.Validate(int(fsys.sb.NameLimit)); errno != OK {
		return nil, errno
	}
	if len(p) == 0 {
		return nil, ErrIsDir
	}

	mid, errno := fsys.resolve(p)
	switch {
	case errno == ErrNoEnt:
		if flags&os.O_CREATE == 0 {
			return nil, ErrNoEnt
		}
		var cerrno Errno
		mid, cerrno = fsys.createFile(p)
		if cerrno != OK {
			return nil, cerrno
		}
	case errno != OK:
		return nil, errno
	case flags&(os.O_CREATE|os.O_EXCL) == os.O_CREATE|os.O_EXCL:
		return nil, ErrExist
	}

	kind, errno := fsys.kindOf(mid)
	if errno != OK {
		return nil, errno
	}
	if kind != EntryKindReg {
		return nil, ErrIsDir
	}

	body, errno := fsys.loadBody(mid)
	if errno != OK {
		return nil, errno
	}
	if flags&os.O_TRUNC != 0 && body.Size != 0 {
		if errno := fsys.storeBody(mid, fbody.Empty()); errno != OK {
			return nil, errno
		}
		body = fbody.Empty()
	}

	f := &File{fsys: fsys, path: append(P(nil), p...), mid: mid, body: body}
	if flags&os.O_APPEND != 0 {
		f.pos = body.Size
	}
	fsys.trackFile(f)
	return f, OK
}

// createFile inserts a new regular-file row named p.Base() in its parent
// directory, the same two-commit shape Mkdir uses for a new subdirectory.
func (fsys *FileSystem) createFile(p P) (mtree.Mid, Errno) {
	parentMid, errno := fsys.resolve(p.Parent())
	if errno != OK {
		return 0, errno
	}
	if kind, kerrno := fsys.kindOf(parentMid); kerrno != OK || kind != EntryKindDir {
		if kerrno == OK {
			kerrno = ErrNotDir
		}
		return 0, kerrno
	}
	entries, errno := fsys.lookupDir(parentMid)
	if errno != OK {
		return 0, errno
	}
	if _, ok := findEntry(entries, p.Base()); ok {
		return 0, ErrExist
	}

	mid, errno := fsys.allocateMid()
	if errno != OK {
		return 0, errno
	}
	bucket, rid, err := fsys.mt.Lookup(mid)
	if err != nil {
		return 0, ErrIO
	}
	if _, errno := fsys.commit(bucket, []rbyd.Attr{
		{Rid: rid, Tag: TagKind, Weight: 1, Data: []byte{byte(EntryKindReg)}},
	}); errno != OK {
		return 0, errno
	}

	entries = append(entries, dirEntry{Name: p.Base(), Kind: EntryKindReg, Mid: mid})
	parentBucket, parentRid, err := fsys.mt.Lookup(parentMid)
	if err != nil {
		return 0, ErrIO
	}
	if _, errno := fsys.commit(parentBucket, []rbyd.Attr{
		{Rid: parentRid, Tag: TagDirList, Data: encodeDirList(entries)},
	}); errno != OK {
		return 0, errno
	}
	return mid, OK
}

// loadBody gathers every attribute fbody.Decode needs out of mid's row.
func (fsys *FileSystem) loadBody(mid mtree.Mid) (*fbody.Body, Errno) {
	b, rid, err := fsys.mt.Lookup(mid)
	if err != nil {
		return nil, ErrIO
	}
	attrs := fsys.rowAttrs(b, rid)
	body, err := fbody.Decode(fsys.dev, attrs)
	if err != nil {
		return nil, ErrCorrupt
	}
	return body, OK
}

// rowAttrs collects every live attribute under rid, keyed by tag, by
// stepping LookupNext from one tag to the next.
func (fsys *FileSystem) rowAttrs(b *mtree.Bucket, rid rbyd.RID) map[rbyd.Tag]rbyd.Attr {
	out := map[rbyd.Tag]rbyd.Attr{}
	tag := rbyd.Tag(0)
	for {
		a, ok := b.M.LookupNext(rid, tag)
		if !ok || a.Rid != rid {
			break
		}
		out[a.Tag] = a
		tag = a.Tag + 1
	}
	return out
}

// storeBody commits body's encoding into mid's row directly, used by
// O_TRUNC (which must land before the caller's own Write calls).
func (fsys *FileSystem) storeBody(mid mtree.Mid, body *fbody.Body) Errno {
	if body.Kind == fbody.KindBtree && body.TreeBlock == 0 {
		if err := body.CommitBtree(fsys.dev, fsys.alc); err != nil {
			return ErrIO
		}
	}
	bucket, rid, err := fsys.mt.Lookup(mid)
	if err != nil {
		return ErrIO
	}
	attrs, err := body.Encode(rid)
	if err != nil {
		if err == fbody.ErrTooManyShrubLeaves {
			return ErrFbig
		}
		return ErrIO
	}
	_, errno := fsys.commit(bucket, attrs)
	return errno
}

// Read copies up to len(buf) bytes starting at the file's current
// position into buf, advancing the position by the amount read.
func (f *File) Read(buf []byte) (int, Errno) {
	n, err := f.body.ReadAt(cache.NewReadThrough(f.fsys.dev), buf, f.pos)
	if err != nil {
		return n, ErrIO
	}
	f.pos += uint32(n)
	return n, OK
}

// ReadAt reads without disturbing the file's current position. A fresh
// rcache window covers just this call, so a read spanning several
// whole-block leaves only fetches each block once without risking any
// cross-call staleness from writes made through other handles (spec §2/§5's
// rcache, scoped conservatively here -- see DESIGN.md).
func (f *File) ReadAt(buf []byte, off uint32) (int, Errno) {
	n, err := f.body.ReadAt(cache.NewReadThrough(f.fsys.dev), buf, off)
	if err != nil {
		return n, ErrIO
	}
	return n, OK
}

// Write writes data at the file's current position, growing it as
// needed, and commits the resulting body immediately: this
// implementation has no separate buffered write-back cache, so every
// Write call is durable once it returns (see DESIGN.md).
func (f *File) Write(data []byte) (int, Errno) {
	nb, err := f.body.WriteAt(f.fsys.dev, f.fsys.alc, f.fsys.cfg.limits(), data, f.pos)
	if err != nil {
		return 0, ErrIO
	}
	if errno := f.flushBody(nb); errno != OK {
		return 0, errno
	}
	f.pos += uint32(len(data))
	return len(data), OK
}

func (f *File) flushBody(nb *fbody.Body) Errno {
	if nb.Kind == fbody.KindBtree && nb.TreeBlock == 0 {
		if err := nb.CommitBtree(f.fsys.dev, f.fsys.alc); err != nil {
			return ErrIO
		}
	}
	bucket, rid, err := f.fsys.mt.Lookup(f.mid)
	if err != nil {
		return ErrIO
	}
	attrs, err := nb.Encode(rid)
	if err != nil {
		if err == fbody.ErrTooManyShrubLeaves {
			return ErrFbig
		}
		return ErrIO
	}
	nbucket, errno := f.fsys.commit(bucket, attrs)
	if errno != OK {
		return errno
	}
	_ = nbucket
	f.body = nb
	return OK
}

// Seek repositions the file's cursor, matching io.Seeker's whence values.
func (f *File) Seek(off int64, whence int) (int64, Errno) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = int64(f.pos)
	case io.SeekEnd:
		base = int64(f.body.Size)
	default:
		return 0, ErrInval
	}
	pos := base + off
	if pos < 0 || pos > int64(FileMax) {
		return 0, ErrInval
	}
	f.pos = uint32(pos)
	return pos, OK
}

// Size reports the file's current length.
func (f *File) Size() uint32 { return f.body.Size }

// Truncate resizes the file to size bytes, zero-extending or dropping
// tail content as needed.
func (f *File) Truncate(size uint32) Errno {
	nb, err := f.body.Truncate(f.fsys.dev, f.fsys.alc, f.fsys.cfg.limits(), size)
	if err != nil {
		return ErrIO
	}
	errno := f.flushBody(nb)
	if errno == OK && f.pos > size {
		f.pos = size
	}
	return errno
}

// Close releases the handle; content is already durable (see Write). If
// this was the last handle onto a row Remove had deferred as a
// stickynote, its deletion is finalized now.
func (f *File) Close() Errno {
	fsys := f.fsys
	fsys.untrackFile(f)

	kind, errno := fsys.kindOf(f.mid)
	if errno == OK && kind == EntryKindStickynote && !fsys.isOpenMid(f.mid) {
		return fsys.finalizeStickynote(f.mid)
	}
	return OK
}

// finalizeStickynote deletes a deferred row and drains it from grm, the
// tail end of the deferred-delete path Remove begins when a file is
// removed while still open.
func (fsys *FileSystem) finalizeStickynote(mid mtree.Mid) Errno {
	bucket, rid, err := fsys.mt.Lookup(mid)
	if err != nil {
		return ErrIO
	}
	grm := fsys.grm
	for i, m := range grm.Mids {
		if m == int64(mid) {
			grm.Mids[i] = mdir.GRMEmpty
		}
	}
	_, errno := fsys.commitGRM(bucket, []rbyd.Attr{
		{Rid: rid, Tag: 0, RM: true},
	}, grm)
	return errno
}
