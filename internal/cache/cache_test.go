package cache

import (
	"bytes"
	"testing"

	"github.com/flashtree/flashtree/internal/bd"
)

func TestCacheRefillsOnBlockChange(t *testing.T) {
	dev := bd.NewRAM(16, 16, 64, 4)
	if err := dev.Erase(0); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if err := dev.Prog(0, 0, []byte("hello world")); err != nil {
		t.Fatalf("Prog: %v", err)
	}

	c := New(16, 32)
	got, err := c.Read(dev, 0, 0, 11)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, []byte("hello world")) {
		t.Fatalf("Read = %q", got)
	}
	if c.Block() != 0 {
		t.Fatalf("Block() = %d, want 0", c.Block())
	}

	if err := dev.Erase(1); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if err := dev.Prog(1, 0, []byte("other block!")); err != nil {
		t.Fatalf("Prog: %v", err)
	}
	got, err = c.Read(dev, 1, 0, 12)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, []byte("other block!")) {
		t.Fatalf("Read after block switch = %q", got)
	}
}

func TestReadThroughInvalidatesOnProg(t *testing.T) {
	dev := bd.NewRAM(16, 16, 64, 4)
	if err := dev.Erase(0); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if err := dev.Prog(0, 0, []byte("first")); err != nil {
		t.Fatalf("Prog: %v", err)
	}

	rt := NewReadThrough(dev)
	buf := make([]byte, 5)
	if err := rt.Read(0, 0, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf, []byte("first")) {
		t.Fatalf("Read = %q", buf)
	}

	if err := dev.Erase(0); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if err := rt.Prog(0, 0, []byte("secnd")); err != nil {
		t.Fatalf("Prog via ReadThrough: %v", err)
	}
	if err := rt.Read(0, 0, buf); err != nil {
		t.Fatalf("Read after Prog: %v", err)
	}
	if !bytes.Equal(buf, []byte("secnd")) {
		t.Fatalf("Read after Prog = %q, want fresh bytes not the stale cache", buf)
	}
}

func TestCacheProgBuffersUntilFlush(t *testing.T) {
	dev := bd.NewRAM(16, 16, 64, 4)
	if err := dev.Erase(0); err != nil {
		t.Fatalf("Erase: %v", err)
	}

	c := New(16, 64)
	c.Prog(0, 0, []byte("0123456789abcdef"))
	c.Prog(0, 16, []byte("partial"))

	got := make([]byte, 16)
	if err := dev.Read(0, 0, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for _, b := range got {
		if b != 0xff {
			t.Fatalf("Prog must not reach the device before Flush, got %x", got)
		}
	}

	if err := c.Flush(dev, 32); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := dev.Read(0, 0, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, []byte("0123456789abcdef")) {
		t.Fatalf("Read after Flush = %q", got)
	}

	tail := make([]byte, 16)
	if err := dev.Read(0, 16, tail); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(tail[:7], []byte("partial")) {
		t.Fatalf("Read tail after Flush = %q", tail[:7])
	}
	for _, b := range tail[7:] {
		if b != 0xff {
			t.Fatalf("bytes never Prog'd should stay erased, got %x", tail)
		}
	}
}

func TestCacheFlushResetsWindowPastFlushedBytes(t *testing.T) {
	dev := bd.NewRAM(16, 16, 64, 4)
	if err := dev.Erase(0); err != nil {
		t.Fatalf("Erase: %v", err)
	}

	c := New(16, 64)
	c.Prog(0, 0, []byte("aaaaaaaaaaaaaaaa"))
	if err := c.Flush(dev, 16); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if c.Off() != 16 {
		t.Fatalf("Off() = %d, want 16", c.Off())
	}

	c.Prog(0, 16, []byte("bbbbbbbbbbbbbbbb"))
	if err := c.Flush(dev, 32); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := make([]byte, 32)
	if err := dev.Read(0, 0, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := append([]byte(nil), bytes.Repeat([]byte("a"), 16)...)
	want = append(want, bytes.Repeat([]byte("b"), 16)...)
	if !bytes.Equal(got, want) {
		t.Fatalf("Read = %q, want %q", got, want)
	}
}

func TestCacheOversizedReadBypassesCache(t *testing.T) {
	dev := bd.NewRAM(16, 16, 64, 4)
	if err := dev.Erase(0); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	data := bytes.Repeat([]byte{0xAB}, 64)
	if err := dev.Prog(0, 0, data); err != nil {
		t.Fatalf("Prog: %v", err)
	}

	c := New(16, 16)
	got, err := c.Read(dev, 0, 0, 64)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("oversized Read mismatch")
	}
	if c.Block() != NoBlock {
		t.Fatalf("oversized read should not populate the cache, Block() = %d", c.Block())
	}
}
