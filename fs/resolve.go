package fs

import "github.com/flashtree/flashtree/mtree"

// kindOf reports the EntryKind stored in mid's row.
func (fsys *FileSystem) kindOf(mid mtree.Mid) (EntryKind, Errno) {
	b, rid, err := fsys.mt.Lookup(mid)
	if err != nil {
		return 0, ErrIO
	}
	a, ok := b.M.Lookup(rid, TagKind)
	if !ok || len(a.Data) != 1 {
		return 0, ErrCorrupt
	}
	return EntryKind(a.Data[0]), OK
}

// lookupDir decodes the live directory list held at mid.
func (fsys *FileSystem) lookupDir(mid mtree.Mid) ([]dirEntry, Errno) {
	b, rid, err := fsys.mt.Lookup(mid)
	if err != nil {
		return nil, ErrIO
	}
	a, ok := b.M.Lookup(rid, TagDirList)
	if !ok {
		return nil, ErrNotDir
	}
	entries, err := decodeDirList(a.Data)
	if err != nil {
		return nil, ErrCorrupt
	}
	return entries, OK
}

func findEntry(entries []dirEntry, name string) (dirEntry, bool) {
	for _, e := range entries {
		if e.Name == name {
			return e, true
		}
	}
	return dirEntry{}, false
}

// resolve walks p from the root directory, returning the mid of its
// final component. Every intermediate component must itself be a
// directory.
func (fsys *FileSystem) resolve(p P) (mtree.Mid, Errno) {
	mid := rootMid
	for _, name := range p {
		kind, errno := fsys.kindOf(mid)
		if errno != OK {
			return 0, errno
		}
		if kind != EntryKindDir {
			return 0, ErrNotDir
		}
		entries, errno := fsys.lookupDir(mid)
		if errno != OK {
			return 0, errno
		}
		next, ok := findEntry(entries, name)
		if !ok {
			return 0, ErrNoEnt
		}
		mid = next.Mid
	}
	return mid, OK
}
