package fs

import "encoding/binary"

// DiskVersion is the on-disk format version written into every fresh
// superblock (spec §4.7: "major incompatible, minor additive").
const (
	DiskVersionMajor = 0
	DiskVersionMinor = 1
)

// superblock is the well-known record living at TagSuperblock in the
// anchor mdir's global row.
type superblock struct {
	VersionMajor uint16
	VersionMinor uint16
	NameLimit    uint32
	FileLimit    uint32
	BlockSize    uint32
	BlockCount   uint32
}

func (s superblock) encode() []byte {
	buf := make([]byte, 4+4+4+4+4)
	binary.LittleEndian.PutUint16(buf[0:2], s.VersionMajor)
	binary.LittleEndian.PutUint16(buf[2:4], s.VersionMinor)
	binary.LittleEndian.PutUint32(buf[4:8], s.NameLimit)
	binary.LittleEndian.PutUint32(buf[8:12], s.FileLimit)
	binary.LittleEndian.PutUint32(buf[12:16], s.BlockSize)
	binary.LittleEndian.PutUint32(buf[16:20], s.BlockCount)
	return buf
}

func decodeSuperblock(data []byte) (superblock, Errno) {
	if len(data) != 20 {
		return superblock{}, ErrCorrupt
	}
	return superblock{
		VersionMajor: binary.LittleEndian.Uint16(data[0:2]),
		VersionMinor: binary.LittleEndian.Uint16(data[2:4]),
		NameLimit:    binary.LittleEndian.Uint32(data[4:8]),
		FileLimit:    binary.LittleEndian.Uint32(data[8:12]),
		BlockSize:    binary.LittleEndian.Uint32(data[12:16]),
		BlockCount:   binary.LittleEndian.Uint32(data[16:20]),
	}, OK
}

// NameMax and FileMax are the compile-time maxima spec §4.7 asks mount to
// validate configured limits against (LFS3_NAME_MAX/LFS3_FILE_MAX in the
// original).
const (
	NameMax = 1022
	FileMax = 1<<31 - 1
)
