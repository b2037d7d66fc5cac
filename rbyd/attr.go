package rbyd

import (
	"encoding/binary"
	"fmt"
)

// Attr is a single (tag, weight, data) triple appended to an rbyd, keyed
// by (Rid, Tag) per spec §3/§4.1.
type Attr struct {
	Rid    RID
	Tag    Tag
	Weight uint32
	Data   []byte

	// RM marks this attribute as a removal: for Tag == 0 it deletes the
	// whole row at Rid; for any other tag it deletes just that (Rid, Tag)
	// entry. Rid is a stable key, not a position: deleting one row never
	// renumbers any other row's Rid (see applyAttrs). Only Weight, the
	// one-past-highest-live-rid watermark used to pick where the next new
	// row lands, can shrink as a result.
	RM bool
}

// encodedLen returns the on-wire size of a, without writing it.
func (a Attr) encodedLen() int {
	tagRaw := uint32(a.Tag)
	if a.RM {
		tagRaw |= rmBit
	}
	n := uvarintLen(uint64(tagRaw))
	n += uvarintLen(uint64(ridToWire(a.Rid)))
	n += uvarintLen(uint64(a.Weight))
	n += uvarintLen(uint64(len(a.Data)))
	n += len(a.Data)
	return n
}

func (a Attr) appendTo(buf []byte) []byte {
	buf = a.appendHeaderTo(buf)
	buf = append(buf, a.Data...)
	return buf
}

// Encode returns the on-wire encoding of a (header plus data). Exported
// for callers outside this package that need a canonical byte
// representation of an attribute -- e.g. mdir's content checksum, which
// hashes a live attribute set independent of rbyd's own rolling footer
// checksum.
func (a Attr) Encode() []byte {
	return a.appendTo(nil)
}

// appendHeaderTo appends everything but the data payload: the part of the
// commit whose checksum has to be computed before the footer's own data
// word (the crc itself) can be known.
func (a Attr) appendHeaderTo(buf []byte) []byte {
	tagRaw := uint32(a.Tag)
	if a.RM {
		tagRaw |= rmBit
	}
	buf = appendUvarint(buf, uint64(tagRaw))
	buf = appendUvarint(buf, uint64(ridToWire(a.Rid)))
	buf = appendUvarint(buf, uint64(a.Weight))
	buf = appendUvarint(buf, uint64(len(a.Data)))
	return buf
}

// decodeAttr reads one attribute from buf starting at off, returning the
// attribute and the offset of the byte following it. ok is false if buf doesn't hold a complete, well-formed
// attribute at off (the torn-write / end-of-log case).
func decodeAttr(buf []byte, off int) (a Attr, next int, ok bool) {
	tagRaw, n := binary.Uvarint(buf[off:])
	if n <= 0 || tagRaw > 0xffffffff {
		return Attr{}, off, false
	}
	off += n

	ridRaw, n := binary.Uvarint(buf[off:])
	if n <= 0 {
		return Attr{}, off, false
	}
	off += n

	weight, n := binary.Uvarint(buf[off:])
	if n <= 0 {
		return Attr{}, off, false
	}
	off += n

	size, n := binary.Uvarint(buf[off:])
	if n <= 0 || size > uint64(len(buf)-off) {
		return Attr{}, off, false
	}
	off += n

	data := buf[off : off+int(size)]
	off += int(size)

	a = Attr{
		Rid:    ridFromWire(uint32(ridRaw)),
		Tag:    Tag(tagRaw &^ uint64(rmBit)),
		Weight: uint32(weight),
		Data:   data,
		RM:     tagRaw&uint64(rmBit) != 0,
	}
	return a, off, true
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// footerAttr builds the TagCksum attribute for a commit's footer, given
// the footer's final (possibly perturbed) checksum word.
func footerAttr(word uint32) Attr {
	var data [4]byte
	binary.LittleEndian.PutUint32(data[:], word)
	return Attr{Rid: RIDGlobal, Tag: TagCksum, Data: data[:]}
}

func footerWord(a Attr) (uint32, error) {
	if len(a.Data) != 4 {
		return 0, fmt.Errorf("rbyd: malformed checksum footer (%d bytes)", len(a.Data))
	}
	return binary.LittleEndian.Uint32(a.Data), nil
}
