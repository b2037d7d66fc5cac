package mdir

import (
	"testing"

	"github.com/flashtree/flashtree/internal/bd"
	"github.com/flashtree/flashtree/rbyd"
)

func TestFormatAndCommitRoundTrip(t *testing.T) {
	dev := bd.NewRAM(16, 16, 512, 4)
	m, err := Format(dev, [2]uint32{0, 1})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if !m.Grm.IsEmpty() {
		t.Fatalf("freshly formatted mdir should carry an empty grm")
	}

	m, err = m.Commit(dev, []rbyd.Attr{
		{Rid: 0, Tag: rbyd.TagUserBase, Weight: 1, Data: []byte("root")},
	}, EmptyGRM, 0)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	a, ok := m.Lookup(0, rbyd.TagUserBase)
	if !ok || string(a.Data) != "root" {
		t.Fatalf("Lookup after commit: %+v ok=%v", a, ok)
	}

	m2, err := Fetch(dev, [2]uint32{0, 1})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	a, ok = m2.Lookup(0, rbyd.TagUserBase)
	if !ok || string(a.Data) != "root" {
		t.Fatalf("Lookup after remount: %+v ok=%v", a, ok)
	}
}

func TestCommitAlternatesOnOverflow(t *testing.T) {
	dev := bd.NewRAM(16, 16, 128, 2)
	m, err := Format(dev, [2]uint32{0, 1})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}

	startActive := m.Active
	big := make([]byte, 64)
	m, err = m.Commit(dev, []rbyd.Attr{{Rid: 0, Tag: rbyd.TagUserBase, Weight: 1, Data: big}}, EmptyGRM, 0)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if m.Active == startActive {
		t.Fatalf("expected commit to overflow onto the sibling block")
	}
}

func TestGRMPersistsAcrossRemount(t *testing.T) {
	dev := bd.NewRAM(16, 16, 512, 4)
	m, err := Format(dev, [2]uint32{0, 1})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}

	grm, err := EmptyGRM.Push(7)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	m, err = m.Commit(dev, nil, grm, 0)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if m.Grm.IsEmpty() {
		t.Fatalf("expected non-empty grm")
	}

	m2, err := Fetch(dev, [2]uint32{0, 1})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if m2.Grm.Mids[0] != 7 {
		t.Fatalf("expected grm to survive remount, got %+v", m2.Grm)
	}
}

func TestGRMQueueFull(t *testing.T) {
	grm := EmptyGRM
	var err error
	grm, err = grm.Push(1)
	if err != nil {
		t.Fatalf("Push 1: %v", err)
	}
	grm, err = grm.Push(2)
	if err != nil {
		t.Fatalf("Push 2: %v", err)
	}
	if _, err := grm.Push(3); err == nil {
		t.Fatalf("expected pushing a third mid to fail")
	}
}
