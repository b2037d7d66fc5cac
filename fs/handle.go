package fs

import "github.com/flashtree/flashtree/mtree"

// isOpenMid reports whether some open File handle currently holds mid,
// used by Remove to decide between deleting a row outright and deferring
// its deletion via grm (spec §3/§4.2's stickynote case).
func (fsys *FileSystem) isOpenMid(mid mtree.Mid) bool {
	for _, f := range fsys.openFiles {
		if f.mid == mid {
			return true
		}
	}
	return false
}

// trackFile and trackDir register a freshly opened handle so
// resyncHandles can keep its cached mid current.
func (fsys *FileSystem) trackFile(f *File) { fsys.openFiles = append(fsys.openFiles, f) }

func (fsys *FileSystem) untrackFile(f *File) {
	for i, o := range fsys.openFiles {
		if o == f {
			fsys.openFiles = append(fsys.openFiles[:i], fsys.openFiles[i+1:]...)
			return
		}
	}
}

func (fsys *FileSystem) trackDir(d *Dir) { fsys.openDirs = append(fsys.openDirs, d) }

func (fsys *FileSystem) untrackDir(d *Dir) {
	for i, o := range fsys.openDirs {
		if o == d {
			fsys.openDirs = append(fsys.openDirs[:i], fsys.openDirs[i+1:]...)
			return
		}
	}
}

// resyncHandles re-resolves every open file and directory handle's
// cached mid from its path. A commit -- an ordinary one or an mtree
// split -- can renumber the mid backing any given row, the same way the
// real design's B-tree rebalancing can (spec §4.4's "open-file
// tracking": a path, not a mid, is the stable identity an open handle
// holds onto). A handle whose path no longer resolves is left pointing
// at its last-known mid; the next operation on it will surface ErrNoEnt
// naturally through a fresh resolve.
func (fsys *FileSystem) resyncHandles() {
	for _, f := range fsys.openFiles {
		if mid, errno := fsys.resolve(f.path); errno == OK {
			f.mid = mid
		}
	}
	for _, d := range fsys.openDirs {
		if mid, errno := fsys.resolve(d.path); errno == OK {
			d.mid = mid
		}
	}
}
