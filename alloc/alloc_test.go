package alloc

import (
	"testing"

	"github.com/flashtree/flashtree/internal/bd"
)

type setSource struct{ used map[uint32]bool }

func (s *setSource) InUse(block uint32) (bool, error) { return s.used[block], nil }

func TestAllocSkipsInUseBlocks(t *testing.T) {
	dev := bd.NewRAM(16, 16, 512, 8)
	src := &setSource{used: map[uint32]bool{0: true, 1: true}}
	a := New(dev.BlockCount(), src)

	b, err := a.Alloc(dev)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if b == 0 || b == 1 {
		t.Fatalf("allocated an in-use block: %d", b)
	}
}

func TestAllocDoesNotRepeatWithinWindow(t *testing.T) {
	dev := bd.NewRAM(16, 16, 512, 8)
	src := &setSource{used: map[uint32]bool{}}
	a := New(dev.BlockCount(), src)

	seen := map[uint32]bool{}
	for i := 0; i < 8; i++ {
		b, err := a.Alloc(dev)
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
		if seen[b] {
			t.Fatalf("block %d allocated twice in one pass", b)
		}
		seen[b] = true
		src.used[b] = true
	}
}

func TestAllocExhaustionReturnsErrNoSpace(t *testing.T) {
	dev := bd.NewRAM(16, 16, 512, 4)
	src := &setSource{used: map[uint32]bool{0: true, 1: true, 2: true, 3: true}}
	a := New(dev.BlockCount(), src)

	if _, err := a.Alloc(dev); err != ErrNoSpace {
		t.Fatalf("expected ErrNoSpace, got %v", err)
	}
}

func TestAllocPairErasesBothBlocks(t *testing.T) {
	dev := bd.NewRAM(16, 16, 512, 8)
	src := &setSource{used: map[uint32]bool{}}
	a := New(dev.BlockCount(), src)

	pair, err := a.AllocPair(dev)
	if err != nil {
		t.Fatalf("AllocPair: %v", err)
	}
	if pair[0] == pair[1] {
		t.Fatalf("pair blocks must differ: %v", pair)
	}
}

func TestRecyclesTrackedPerBlock(t *testing.T) {
	dev := bd.NewRAM(16, 16, 512, 4)
	src := &setSource{used: map[uint32]bool{}}
	a := New(dev.BlockCount(), src)

	b, err := a.Alloc(dev)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if a.Recycles(b) != 1 {
		t.Fatalf("expected recycle count 1, got %d", a.Recycles(b))
	}

	if _, _, ok := a.MostWorn(); !ok {
		t.Fatalf("expected MostWorn to report a block after one allocation")
	}
}

func TestPopcountHelper(t *testing.T) {
	if popcount([]uint64{0b1011}) != 3 {
		t.Fatalf("popcount helper sanity check failed")
	}
}
