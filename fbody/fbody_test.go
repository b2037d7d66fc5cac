package fbody

import (
	"bytes"
	"testing"

	"github.com/flashtree/flashtree/alloc"
	"github.com/flashtree/flashtree/internal/bd"
	"github.com/flashtree/flashtree/rbyd"
)

type alwaysFree struct{}

func (alwaysFree) InUse(block uint32) (bool, error) { return false, nil }

func testLimits(dev bd.Device) Limits {
	return Limits{InlineSize: 64, FragmentSize: 128, CrystalThresh: 1024, BlockSize: dev.BlockSize()}
}

func TestSmallWriteStaysInline(t *testing.T) {
	dev := bd.NewRAM(16, 16, 512, 16)
	alc := alloc.New(dev.BlockCount(), alwaysFree{})
	lim := testLimits(dev)

	b := Empty()
	b, err := b.WriteAt(dev, alc, lim, []byte("hello"), 0)
	if err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if b.Kind != KindInline {
		t.Fatalf("expected inline kind, got %d", b.Kind)
	}

	buf := make([]byte, 5)
	if _, err := b.ReadAt(dev, buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("got %q", buf)
	}
}

func TestMidSizedWriteBecomesShrub(t *testing.T) {
	dev := bd.NewRAM(16, 16, 512, 16)
	alc := alloc.New(dev.BlockCount(), alwaysFree{})
	lim := testLimits(dev)

	data := bytes.Repeat([]byte{0xAB}, 300)
	b, err := Empty().WriteAt(dev, alc, lim, data, 0)
	if err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if b.Kind != KindShrub {
		t.Fatalf("expected shrub kind, got %d", b.Kind)
	}

	buf := make([]byte, len(data))
	if _, err := b.ReadAt(dev, buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(buf, data) {
		t.Fatalf("round trip mismatch")
	}
}

func TestLargeWriteCrystallizesIntoBlocks(t *testing.T) {
	dev := bd.NewRAM(16, 16, 256, 64)
	alc := alloc.New(dev.BlockCount(), alwaysFree{})
	lim := Limits{InlineSize: 32, FragmentSize: 64, CrystalThresh: 512, BlockSize: dev.BlockSize()}

	data := bytes.Repeat([]byte{0x5A}, 4096)
	b, err := Empty().WriteAt(dev, alc, lim, data, 0)
	if err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if b.Kind != KindBtree {
		t.Fatalf("expected btree kind, got %d", b.Kind)
	}

	var sawBlock bool
	for _, l := range b.Leaves {
		if l.Kind == LeafBlock {
			sawBlock = true
		}
	}
	if !sawBlock {
		t.Fatalf("expected at least one whole-block leaf after crystallization")
	}

	buf := make([]byte, len(data))
	if _, err := b.ReadAt(dev, buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(buf, data) {
		t.Fatalf("round trip mismatch after crystallization")
	}
}

func TestEncodeDecodeInlineRoundTrip(t *testing.T) {
	dev := bd.NewRAM(16, 16, 512, 16)
	alc := alloc.New(dev.BlockCount(), alwaysFree{})
	lim := testLimits(dev)

	b, err := Empty().WriteAt(dev, alc, lim, []byte("round trip"), 0)
	if err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	attrs, err := b.Encode(0)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	m := map[rbyd.Tag]rbyd.Attr{}
	for _, a := range attrs {
		m[a.Tag] = a
	}
	b2, err := Decode(dev, m)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if b2.Kind != KindInline || !bytes.Equal(b2.Inline, b.Inline) {
		t.Fatalf("decode mismatch: %+v", b2)
	}
}

func TestEncodeDecodeBtreeRoundTrip(t *testing.T) {
	dev := bd.NewRAM(16, 16, 256, 64)
	alc := alloc.New(dev.BlockCount(), alwaysFree{})
	lim := Limits{InlineSize: 32, FragmentSize: 64, CrystalThresh: 512, BlockSize: dev.BlockSize()}

	data := bytes.Repeat([]byte{0x11}, 4096)
	b, err := Empty().WriteAt(dev, alc, lim, data, 0)
	if err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := b.CommitBtree(dev, alc); err != nil {
		t.Fatalf("CommitBtree: %v", err)
	}
	attrs, err := b.Encode(0)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	m := map[rbyd.Tag]rbyd.Attr{}
	for _, a := range attrs {
		m[a.Tag] = a
	}
	b2, err := Decode(dev, m)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if b2.Kind != KindBtree || b2.Size != b.Size {
		t.Fatalf("decode mismatch: %+v", b2)
	}
	buf := make([]byte, len(data))
	if _, err := b2.ReadAt(dev, buf, 0); err != nil {
		t.Fatalf("ReadAt on decoded body: %v", err)
	}
	if !bytes.Equal(buf, data) {
		t.Fatalf("round trip mismatch via decoded body")
	}
}
