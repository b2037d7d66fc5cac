package rbyd

import (
	"testing"

	"github.com/flashtree/flashtree/internal/bd"
)

func newDev(t *testing.T) *bd.RAM {
	t.Helper()
	return bd.NewRAM(16, 16, 512, 4)
}

func TestFetchEmptyBlock(t *testing.T) {
	dev := newDev(t)
	r, err := Fetch(dev, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if r.Trunk != 0 {
		t.Fatalf("expected Trunk == 0 on an empty block, got %d", r.Trunk)
	}
}

func compactFresh(t *testing.T, dev bd.Device, block uint32) *Rbyd {
	t.Helper()
	r, err := Fetch(dev, block)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	r, err = r.Compact(dev, block, nil)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	return r
}

func TestCommitLookupRoundTrip(t *testing.T) {
	dev := newDev(t)
	r := compactFresh(t, dev, 0)

	r, err := r.Commit(dev, []Attr{
		{Rid: 0, Tag: TagUserBase, Weight: 1, Data: []byte("hello")},
		{Rid: 1, Tag: TagUserBase, Weight: 1, Data: []byte("world")},
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	a, ok := r.Lookup(0, TagUserBase)
	if !ok || string(a.Data) != "hello" {
		t.Fatalf("Lookup(0): got %+v, ok=%v", a, ok)
	}
	a, ok = r.Lookup(1, TagUserBase)
	if !ok || string(a.Data) != "world" {
		t.Fatalf("Lookup(1): got %+v, ok=%v", a, ok)
	}

	// refetch from the device and confirm persistence
	r2, err := Fetch(dev, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	a, ok = r2.Lookup(1, TagUserBase)
	if !ok || string(a.Data) != "world" {
		t.Fatalf("after refetch, Lookup(1): got %+v, ok=%v", a, ok)
	}
}

func TestCommitOverwriteAndRemove(t *testing.T) {
	dev := newDev(t)
	r := compactFresh(t, dev, 0)

	r, err := r.Commit(dev, []Attr{
		{Rid: 0, Tag: TagUserBase, Weight: 1, Data: []byte("v1")},
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	r, err = r.Commit(dev, []Attr{
		{Rid: 0, Tag: TagUserBase, Weight: 1, Data: []byte("v2")},
	})
	if err != nil {
		t.Fatalf("Commit overwrite: %v", err)
	}

	a, ok := r.Lookup(0, TagUserBase)
	if !ok || string(a.Data) != "v2" {
		t.Fatalf("expected overwritten value v2, got %+v ok=%v", a, ok)
	}

	r, err = r.Commit(dev, []Attr{
		{Rid: 0, Tag: 0, RM: true},
	})
	if err != nil {
		t.Fatalf("Commit remove: %v", err)
	}

	if _, ok := r.Lookup(0, TagUserBase); ok {
		t.Fatalf("expected row 0 to be removed")
	}
}

func TestLookupNextOrdering(t *testing.T) {
	dev := newDev(t)
	r := compactFresh(t, dev, 0)

	r, err := r.Commit(dev, []Attr{
		{Rid: 2, Tag: TagUserBase, Weight: 1, Data: []byte("c")},
		{Rid: 0, Tag: TagUserBase, Weight: 1, Data: []byte("a")},
		{Rid: 1, Tag: TagUserBase, Weight: 1, Data: []byte("b")},
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	var got []string
	rid, tag := RID(0), Tag(0)
	for {
		a, ok := r.LookupNext(rid, tag)
		if !ok {
			break
		}
		got = append(got, string(a.Data))
		rid = a.Rid + 1
		tag = 0
	}

	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestTornWriteDetectedOnFetch(t *testing.T) {
	dev := newDev(t)
	r := compactFresh(t, dev, 0)

	r, err := r.Commit(dev, []Attr{
		{Rid: 0, Tag: TagUserBase, Weight: 1, Data: []byte("committed")},
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	prevEoff := r.Eoff

	failAfter := 0
	dev.ProgFail = func(block, off uint32, n int) error {
		failAfter++
		if failAfter == 1 {
			return bd.ErrCorrupt
		}
		return nil
	}

	_, err = r.Commit(dev, []Attr{
		{Rid: 1, Tag: TagUserBase, Weight: 1, Data: []byte("torn")},
	})
	if err == nil {
		t.Fatalf("expected the simulated corrupt prog to fail the commit")
	}

	// the device's Prog may have partially landed bytes for the failed
	// commit (simulating a torn write); a fresh Fetch must still only
	// observe the previously committed state.
	dev.ProgFail = nil
	r2, err := Fetch(dev, 0)
	if err != nil {
		t.Fatalf("Fetch after torn write: %v", err)
	}
	if r2.Eoff != prevEoff {
		t.Fatalf("expected Eoff to remain at %d after a torn commit, got %d", prevEoff, r2.Eoff)
	}
	if _, ok := r2.Lookup(1, TagUserBase); ok {
		t.Fatalf("torn commit must not be observable after remount")
	}
	a, ok := r2.Lookup(0, TagUserBase)
	if !ok || string(a.Data) != "committed" {
		t.Fatalf("prior committed state must survive a torn write, got %+v ok=%v", a, ok)
	}
}

func TestCommitOverflowTriggersCompact(t *testing.T) {
	dev := bd.NewRAM(16, 16, 64, 2)
	r := compactFresh(t, dev, 0)

	big := make([]byte, 128)
	_, err := r.Commit(dev, []Attr{{Rid: 0, Tag: TagUserBase, Weight: 1, Data: big}})
	if err != ErrOverflow {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}
