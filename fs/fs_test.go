package fs

import (
	"bytes"
	"fmt"
	"os"
	"testing"

	"github.com/flashtree/flashtree/internal/bd"
)

func newTestDevice() *bd.RAM {
	return bd.NewRAM(16, 16, 512, 64)
}

func mustFormat(t *testing.T, dev *bd.RAM) *FileSystem {
	t.Helper()
	fsys, errno := Format(&Config{Device: dev})
	if errno != OK {
		t.Fatalf("Format: %v", errno)
	}
	return fsys
}

func TestFormatThenMountRoundTrip(t *testing.T) {
	dev := newTestDevice()
	mustFormat(t, dev)

	fsys, errno := Mount(&Config{Device: dev})
	if errno != OK {
		t.Fatalf("Mount: %v", errno)
	}
	info, errno := fsys.Stat(Root)
	if errno != OK {
		t.Fatalf("Stat(root): %v", errno)
	}
	if !info.Dir {
		t.Fatalf("root should be a directory")
	}
}

func TestMkdirAndStat(t *testing.T) {
	dev := newTestDevice()
	fsys := mustFormat(t, dev)

	if errno := fsys.Mkdir(SplitPath("a")); errno != OK {
		t.Fatalf("Mkdir: %v", errno)
	}
	if errno := fsys.Mkdir(SplitPath("a")); errno != ErrExist {
		t.Fatalf("Mkdir duplicate: got %v, want ErrExist", errno)
	}

	info, errno := fsys.Stat(SplitPath("a"))
	if errno != OK || !info.Dir {
		t.Fatalf("Stat(a): info=%+v errno=%v", info, errno)
	}

	if errno := fsys.Mkdir(SplitPath("a/b")); errno != OK {
		t.Fatalf("Mkdir nested: %v", errno)
	}
	if errno := fsys.Mkdir(SplitPath("missing/b")); errno != ErrNoEnt {
		t.Fatalf("Mkdir under missing parent: got %v, want ErrNoEnt", errno)
	}
}

func TestWriteReadRoundTripAcrossRegimes(t *testing.T) {
	dev := newTestDevice()
	fsys := mustFormat(t, dev)

	cases := []struct {
		name string
		size int
	}{
		{"inline.txt", 8},
		{"shrub.txt", 300},
		{"crystal.txt", 3000},
	}

	for _, c := range cases {
		data := bytes.Repeat([]byte{0xAB}, c.size)
		f, errno := fsys.OpenFile(SplitPath(c.name), os.O_CREATE|os.O_RDWR, 0)
		if errno != OK {
			t.Fatalf("OpenFile(%s): %v", c.name, errno)
		}
		if n, errno := f.Write(data); errno != OK || n != len(data) {
			t.Fatalf("Write(%s): n=%d errno=%v", c.name, n, errno)
		}
		if errno := f.Close(); errno != OK {
			t.Fatalf("Close(%s): %v", c.name, errno)
		}

		f2, errno := fsys.OpenFile(SplitPath(c.name), os.O_RDONLY, 0)
		if errno != OK {
			t.Fatalf("reopen(%s): %v", c.name, errno)
		}
		got := make([]byte, c.size)
		if n, errno := f2.Read(got); errno != OK || n != len(got) {
			t.Fatalf("Read(%s): n=%d errno=%v", c.name, n, errno)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("Read(%s) mismatch", c.name)
		}
		if f2.Size() != uint32(c.size) {
			t.Fatalf("Size(%s) = %d, want %d", c.name, f2.Size(), c.size)
		}
		f2.Close()
	}
}

func TestRemoveRequiresEmptyDirectory(t *testing.T) {
	dev := newTestDevice()
	fsys := mustFormat(t, dev)

	if errno := fsys.Mkdir(SplitPath("dir")); errno != OK {
		t.Fatalf("Mkdir: %v", errno)
	}
	if errno := fsys.Mkdir(SplitPath("dir/child")); errno != OK {
		t.Fatalf("Mkdir nested: %v", errno)
	}
	if errno := fsys.Remove(SplitPath("dir")); errno != ErrNotEmpty {
		t.Fatalf("Remove non-empty dir: got %v, want ErrNotEmpty", errno)
	}
	if errno := fsys.Remove(SplitPath("dir/child")); errno != OK {
		t.Fatalf("Remove child: %v", errno)
	}
	if errno := fsys.Remove(SplitPath("dir")); errno != OK {
		t.Fatalf("Remove empty dir: %v", errno)
	}
	if _, errno := fsys.Stat(SplitPath("dir")); errno != ErrNoEnt {
		t.Fatalf("Stat after remove: got %v, want ErrNoEnt", errno)
	}
}

func TestRemoveOpenFileBecomesStickynoteThenFinalizes(t *testing.T) {
	dev := newTestDevice()
	fsys := mustFormat(t, dev)

	f, errno := fsys.OpenFile(SplitPath("open.txt"), os.O_CREATE|os.O_RDWR, 0)
	if errno != OK {
		t.Fatalf("OpenFile: %v", errno)
	}
	if _, errno := f.Write([]byte("hi")); errno != OK {
		t.Fatalf("Write: %v", errno)
	}

	if errno := fsys.Remove(SplitPath("open.txt")); errno != OK {
		t.Fatalf("Remove open file: %v", errno)
	}
	if _, errno := fsys.Stat(SplitPath("open.txt")); errno != ErrNoEnt {
		t.Fatalf("Stat after remove: got %v, want ErrNoEnt", errno)
	}
	if fsys.grm.IsEmpty() {
		t.Fatalf("grm should hold the deferred delete while the file is still open")
	}

	// still readable through the existing handle
	buf := make([]byte, 2)
	if _, errno := f.ReadAt(buf, 0); errno != OK || !bytes.Equal(buf, []byte("hi")) {
		t.Fatalf("ReadAt after deferred remove: buf=%q errno=%v", buf, errno)
	}

	if errno := f.Close(); errno != OK {
		t.Fatalf("Close: %v", errno)
	}
	if !fsys.grm.IsEmpty() {
		t.Fatalf("grm should be drained once the last handle closes")
	}
}

func TestRenameMovesEntryBetweenDirectories(t *testing.T) {
	dev := newTestDevice()
	fsys := mustFormat(t, dev)

	if errno := fsys.Mkdir(SplitPath("src")); errno != OK {
		t.Fatalf("Mkdir src: %v", errno)
	}
	if errno := fsys.Mkdir(SplitPath("dst")); errno != OK {
		t.Fatalf("Mkdir dst: %v", errno)
	}
	f, errno := fsys.OpenFile(SplitPath("src/file.txt"), os.O_CREATE|os.O_RDWR, 0)
	if errno != OK {
		t.Fatalf("OpenFile: %v", errno)
	}
	f.Close()

	if errno := fsys.Rename(SplitPath("src/file.txt"), SplitPath("dst/file.txt")); errno != OK {
		t.Fatalf("Rename: %v", errno)
	}
	if _, errno := fsys.Stat(SplitPath("src/file.txt")); errno != ErrNoEnt {
		t.Fatalf("Stat old path: got %v, want ErrNoEnt", errno)
	}
	if _, errno := fsys.Stat(SplitPath("dst/file.txt")); errno != OK {
		t.Fatalf("Stat new path: %v", errno)
	}
}

func TestMtreeSplitsAcrossManyEntries(t *testing.T) {
	// each level gets its own single-child directory so no one
	// directory's entry list grows large; what grows is the total row
	// count across the tree, which is what drives a bucket split.
	dev := bd.NewRAM(16, 16, 4096, 512)
	fsys := mustFormat(t, dev)

	p := Root
	for i := 0; i < 300; i++ {
		p = append(append(P(nil), p...), fmt.Sprintf("d%d", i))
		if errno := fsys.Mkdir(p); errno != OK {
			t.Fatalf("Mkdir #%d (%s): %v", i, p, errno)
		}
	}
	if len(fsys.mt.Buckets()) < 2 {
		t.Fatalf("expected at least one split after 300 nested entries, got %d buckets", len(fsys.mt.Buckets()))
	}
}
