// Package mdir implements the atomic metadata directory of spec §4.2: a
// pair of rbyds acting as a two-block journal, with every commit
// piggybacking the filesystem's global recovery state (grm, gcksum) so
// that whichever sibling survives a crash still carries it forward.
package mdir

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/flashtree/flashtree/internal/bd"
	"github.com/flashtree/flashtree/rbyd"
)

// Reserved tags, owned by this package, below rbyd.TagUserBase.
const (
	TagGRM    rbyd.Tag = 0x0001
	TagGcksum rbyd.Tag = 0x0002
)

// GRM is the global remove queue: up to two pending mids whose directory
// entries must still be deleted to make the filesystem fully consistent
// (spec §3/§4.2). A slot holding GRMEmpty is unused.
type GRM struct {
	Mids [2]int64
}

// GRMEmpty marks an unused GRM slot.
const GRMEmpty int64 = -1

// EmptyGRM is the zero-value, fully-drained queue.
var EmptyGRM = GRM{Mids: [2]int64{GRMEmpty, GRMEmpty}}

// IsEmpty reports whether the queue has no pending work.
func (g GRM) IsEmpty() bool { return g.Mids[0] == GRMEmpty && g.Mids[1] == GRMEmpty }

// Push appends mid to the queue. It is a caller bug to push onto an
// already-full queue (callers must drain via mkconsistent first); spec
// §3 bounds the queue at two entries.
func (g GRM) Push(mid int64) (GRM, error) {
	if g.Mids[0] == GRMEmpty {
		g.Mids[0] = mid
		return g, nil
	}
	if g.Mids[1] == GRMEmpty {
		g.Mids[1] = mid
		return g, nil
	}
	return g, fmt.Errorf("mdir: grm queue full (already holds %v)", g.Mids)
}

func (g GRM) encode() []byte {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(g.Mids[0]))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(g.Mids[1]))
	return buf[:]
}

func decodeGRM(data []byte) GRM {
	if len(data) != 16 {
		return EmptyGRM
	}
	return GRM{Mids: [2]int64{
		int64(binary.LittleEndian.Uint64(data[0:8])),
		int64(binary.LittleEndian.Uint64(data[8:16])),
	}}
}

// Mdir is the handle to one mounted metadata directory pair.
type Mdir struct {
	Blocks [2]uint32
	Active int // index into Blocks currently canonical
	R      *rbyd.Rbyd
	Grm    GRM
	Gcksum uint32
}

func (m *Mdir) other() uint32 { return m.Blocks[1-m.Active] }

// ErrPairCorrupt names a pair where neither block holds a valid commit.
// Fetch does not return it.
var ErrPairCorrupt = fmt.Errorf("mdir: both blocks of pair invalid")

// Fetch loads both blocks of the pair and selects the canonical sibling
// (spec §4.2): a side with a valid commit wins over one without, and when
// both have one the later revision wins. When neither side has a valid
// commit, whether erased or not, Fetch returns side 0 with no rows and no
// error.
func Fetch(dev bd.Device, blocks [2]uint32) (*Mdir, error) {
	var rs [2]*rbyd.Rbyd
	for i, b := range blocks {
		r, err := rbyd.Fetch(dev, b)
		if err != nil {
			return nil, err
		}
		rs[i] = r
	}

	active := 0
	switch {
	case rs[0].Trunk == 0 && rs[1].Trunk == 0:
		// both freshly erased: arbitrary but deterministic starting
		// point, same as a brand new format.
		active = 0
	case rs[0].Trunk == 0:
		active = 1
	case rs[1].Trunk == 0:
		active = 0
	default:
		active = 0
		if revAfter(rs[1].Rev, rs[0].Rev) {
			active = 1
		}
	}

	m := &Mdir{Blocks: blocks, Active: active, R: rs[active]}
	m.loadGlobals()
	return m, nil
}

// revAfter reports whether b is a later revision than a, tolerating a
// single wraparound the way sequence-number comparisons conventionally
// do (spec doesn't mandate wraparound handling explicitly, but
// block_recycles-driven relocation means revisions are long-lived
// counters that must not "go backwards" after they wrap 2^32).
func revAfter(b, a uint32) bool {
	return int32(b-a) > 0
}

func (m *Mdir) loadGlobals() {
	m.Grm = EmptyGRM
	if a, ok := m.R.Lookup(rbyd.RIDGlobal, TagGRM); ok {
		m.Grm = decodeGRM(a.Data)
	}
	if a, ok := m.R.Lookup(rbyd.RIDGlobal, TagGcksum); ok && len(a.Data) == 4 {
		m.Gcksum = binary.LittleEndian.Uint32(a.Data)
	}
}

// Lookup reads a single (mid-local rid, tag) attribute from the canonical
// side.
func (m *Mdir) Lookup(rid rbyd.RID, tag rbyd.Tag) (rbyd.Attr, bool) {
	return m.R.Lookup(rid, tag)
}

// LookupNext enumerates live attributes from the canonical side.
func (m *Mdir) LookupNext(rid rbyd.RID, tag rbyd.Tag) (rbyd.Attr, bool) {
	return m.R.LookupNext(rid, tag)
}

// Weight reports one past the highest live row id in this mdir (see
// rbyd.Rbyd.Weight).
func (m *Mdir) Weight() uint32 { return m.R.Weight }

// contentCksum hashes a live attribute set, skipping TagGcksum itself, so
// it can be computed for a set of attrs before any gcksum value for that
// same set has been decided (spec §4.2's gcksum invariant would otherwise
// be circular: the value a commit writes for gcksum would need to already
// know the checksum of the commit it's part of). This is deliberately a
// different quantity than Rbyd.Cksum, which is a rolling footer checksum
// used for torn-write detection and necessarily does include every byte,
// gcksum attribute included.
func contentCksum(attrs []rbyd.Attr) uint32 {
	h := crc32.NewIEEE()
	for _, a := range attrs {
		if a.Tag == TagGcksum {
			continue
		}
		h.Write(a.Encode())
	}
	return h.Sum32()
}

// PreviewContentCksum reports what ContentCksum would become after
// hypothetically committing attrs together with grm, without committing
// anything. grm must be passed explicitly (rather than assumed
// unchanged) because Commit always rewrites the TagGRM attribute, and
// its bytes count toward the content checksum even though TagGcksum's
// own bytes are excluded from it.
func (m *Mdir) PreviewContentCksum(attrs []rbyd.Attr, grm GRM) uint32 {
	full := make([]rbyd.Attr, 0, len(attrs)+1)
	full = append(full, attrs...)
	full = append(full, grmAttr(grm))
	return contentCksum(m.R.Preview(full))
}

// ContentCksum is the current committed content's checksum, used as "this
// mdir's checksum" for the gcksum XOR invariant.
func (m *Mdir) ContentCksum() uint32 {
	return contentCksum(m.R.All())
}

func gcksumAttr(v uint32) rbyd.Attr {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return rbyd.Attr{Rid: rbyd.RIDGlobal, Tag: TagGcksum, Data: buf[:]}
}

func grmAttr(g GRM) rbyd.Attr {
	return rbyd.Attr{Rid: rbyd.RIDGlobal, Tag: TagGRM, Data: g.encode()}
}

// Commit appends attrs plus the new grm/gcksum global state as a single
// atomic rbyd commit (spec §4.2's commit procedure). If the canonical
// side has no room, or programming it fails with bd.ErrCorrupt, it
// compacts the full live set (plus attrs) into the other side of the pair and that side becomes canonical -- the crash
// window is entirely inside this call: until Commit returns successfully
// the previous canonical block is untouched (spec §4.2 "Atomicity").
func (m *Mdir) Commit(dev bd.Device, attrs []rbyd.Attr, grm GRM, gcksum uint32) (*Mdir, error) {
	full := make([]rbyd.Attr, 0, len(attrs)+2)
	full = append(full, attrs...)
	full = append(full, grmAttr(grm), gcksumAttr(gcksum))

	nr, err := m.R.Commit(dev, full)
	if err == rbyd.ErrOverflow || errors.Is(err, bd.ErrCorrupt) {
		nr, err = m.R.Compact(dev, m.other(), full)
		if err != nil {
			return nil, err
		}
		nm := &Mdir{Blocks: m.Blocks, Active: 1 - m.Active, R: nr, Grm: grm, Gcksum: gcksum}
		return nm, nil
	}
	if err != nil {
		return nil, err
	}

	nm := &Mdir{Blocks: m.Blocks, Active: m.Active, R: nr, Grm: grm, Gcksum: gcksum}
	return nm, nil
}

// ShouldCompact reports whether the canonical side has crossed the
// compaction watermark (spec §4.3 gc_compact_thresh), used by the
// traversal's "compact" janitorial mode.
func (m *Mdir) ShouldCompact(dev bd.Device, pct int) bool {
	return m.R.Eoff >= rbyd.CompactThreshold(dev.BlockSize(), pct)
}

// Format erases both blocks of a brand new pair and writes an empty
// commit carrying a drained grm and zero gcksum, making the pair
// immediately mountable.
func Format(dev bd.Device, blocks [2]uint32) (*Mdir, error) {
	r, err := rbyd.Fetch(dev, blocks[0])
	if err != nil {
		return nil, err
	}
	r, err = r.Compact(dev, blocks[0], []rbyd.Attr{grmAttr(EmptyGRM), gcksumAttr(0)})
	if err != nil {
		return nil, err
	}
	if err := dev.Erase(blocks[1]); err != nil {
		return nil, err
	}

	m := &Mdir{Blocks: blocks, Active: 0, R: r, Grm: EmptyGRM, Gcksum: 0}
	return m, nil
}
