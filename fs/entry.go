package fs

import (
	"encoding/binary"
	"fmt"

	"github.com/flashtree/flashtree/fbody"
	"github.com/flashtree/flashtree/mtree"
	"github.com/flashtree/flashtree/rbyd"
)

// EntryKind classifies a mid's row beyond plain "file" vs "directory",
// per SPEC_FULL's supplemental modeling of the stickynote/bookmark/orphan
// internal types gestured at but left underspecified by the original
// design notes. It is never exposed through public constructors; it only
// ever appears embedded in on-disk rows and in mkconsistent/traversal
// bookkeeping.
type EntryKind uint8

const (
	EntryKindReg EntryKind = iota
	EntryKindDir
	EntryKindBookmark  // marks a directory's first mid, so did lookups don't scan the whole tree
	EntryKindStickynote // a still-open file whose directory entry has been removed
	EntryKindOrphan     // a row left behind by a half-finished grm delete
)

// Tags this package assigns within a mid's row, placed in the user range
// alongside fbody's own (which occupy rbyd.TagUserBase..fbody.TagRangeEnd).
const (
	TagKind    rbyd.Tag = fbody.TagRangeEnd
	TagDirList rbyd.Tag = fbody.TagRangeEnd + 1
)

// TagSuperblock is the well-known tag recording format metadata in the
// anchor mdir's global (RIDGlobal) row (spec §4.3/§4.7). It lives below
// rbyd.TagUserBase alongside mdir's own grm/gcksum tags, since it is
// filesystem bookkeeping rather than user content.
const TagSuperblock rbyd.Tag = 0x0003

type dirEntry struct {
	Name string
	Kind EntryKind
	Mid  mtree.Mid
}

// encodeDirList packs a directory's children into a single attribute
// payload. Real littlefs keeps directory entries as ordinary mtree rows
// ordered by name; this keeps them as one blob per directory mid instead
// (see DESIGN.md), trading O(log n) lookup for a simpler, still
// power-loss-safe representation appropriate to the small `name_limit`
// directories this target actually holds.
func encodeDirList(entries []dirEntry) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(len(entries)))
	for _, e := range entries {
		var hdr [2 + 1 + 8]byte
		binary.LittleEndian.PutUint16(hdr[0:2], uint16(len(e.Name)))
		hdr[2] = byte(e.Kind)
		binary.LittleEndian.PutUint64(hdr[3:11], uint64(e.Mid))
		buf = append(buf, hdr[:]...)
		buf = append(buf, e.Name...)
	}
	return buf
}

func decodeDirList(data []byte) ([]dirEntry, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("fs: malformed directory list")
	}
	n := binary.LittleEndian.Uint32(data[0:4])
	off := 4
	entries := make([]dirEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		if off+11 > len(data) {
			return nil, fmt.Errorf("fs: truncated directory entry header")
		}
		nameLen := int(binary.LittleEndian.Uint16(data[off : off+2]))
		kind := EntryKind(data[off+2])
		mid := mtree.Mid(binary.LittleEndian.Uint64(data[off+3 : off+11]))
		off += 11
		if off+nameLen > len(data) {
			return nil, fmt.Errorf("fs: truncated directory entry name")
		}
		name := string(data[off : off+nameLen])
		off += nameLen
		entries = append(entries, dirEntry{Name: name, Kind: kind, Mid: mid})
	}
	return entries, nil
}
