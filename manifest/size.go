package manifest

import (
	"bytes"
	"encoding/binary"

	"github.com/rpcpool/ngdp-retrieval/ngdperr"
)

// SizeMagic is the Size manifest signature.
var SizeMagic = [2]byte{'D', 'S'}

// SizeEntry is one file's on-disk install footprint. EKey is raw bytes
// rather than ckey.Truncated since its width is the header's
// EKeyLength, not necessarily the CASC-index 9-byte convention.
type SizeEntry struct {
	EKey []byte
	Size uint64 // esize_bytes wide on the wire (V1) or 40-bit (V2)
}

// Size is a parsed Size manifest: a prediction of installed footprint
// per file, used to size-check a partial install before fetching it
// (spec.md §2 "Optional views used for ... size prediction").
type Size struct {
	Version    byte
	EKeyLength byte
	TotalSize  uint64
	EsizeBytes byte // V1 only; V2 fixes this at 5 (40-bit)
	Tags       []Tag
	Entries    []SizeEntry
}

// ParseSize reads a Size manifest: "DS" | version u8 | ekey_size u8 |
// entry_count u32 BE | tag_count u16 BE (10-byte base), then V1 adds a
// u64 BE total_size + u8 esize_bytes, V2 adds a 5-byte BE total_size;
// then tag_count tags, then entry_count entries (ekey_size-byte EKey +
// an esize-byte-wide size field).
func ParseSize(data []byte) (*Size, error) {
	if len(data) < 10 || data[0] != SizeMagic[0] || data[1] != SizeMagic[1] {
		return nil, ngdperr.InvalidMagic{Got: data[:min(4, len(data))]}
	}
	s := &Size{
		Version:    data[2],
		EKeyLength: data[3],
	}
	entryCount := int(binary.BigEndian.Uint32(data[4:8]))
	tagCount := int(binary.BigEndian.Uint16(data[8:10]))
	pos := 10

	switch s.Version {
	case 1:
		if len(data) < pos+9 {
			return nil, ngdperr.Truncated{Expected: pos + 9, Actual: len(data)}
		}
		s.TotalSize = binary.BigEndian.Uint64(data[pos : pos+8])
		s.EsizeBytes = data[pos+8]
		pos += 9
	case 2:
		if len(data) < pos+5 {
			return nil, ngdperr.Truncated{Expected: pos + 5, Actual: len(data)}
		}
		var v uint64
		for b := 0; b < 5; b++ {
			v = v<<8 | uint64(data[pos+b])
		}
		s.TotalSize = v
		s.EsizeBytes = 5
		pos += 5
	default:
		return nil, ngdperr.UnsupportedVersion{N: int(s.Version)}
	}

	tags, pos, err := parseTags(data, pos, tagCount, entryCount)
	if err != nil {
		return nil, err
	}
	s.Tags = tags

	entries := make([]SizeEntry, entryCount)
	ekeyLen := int(s.EKeyLength)
	esize := int(s.EsizeBytes)
	for i := 0; i < entryCount; i++ {
		if pos+ekeyLen+esize > len(data) {
			return nil, ngdperr.Truncated{Expected: pos + ekeyLen + esize, Actual: len(data)}
		}
		ek := append([]byte(nil), data[pos:pos+ekeyLen]...)
		pos += ekeyLen
		var v uint64
		for b := 0; b < esize; b++ {
			v = v<<8 | uint64(data[pos+b])
		}
		pos += esize
		entries[i] = SizeEntry{EKey: ek, Size: v}
	}
	s.Entries = entries

	return s, nil
}

// BuildSize serializes a Size manifest, the inverse of ParseSize.
func BuildSize(s *Size) []byte {
	var buf bytes.Buffer
	buf.Write(SizeMagic[:])
	buf.WriteByte(s.Version)
	buf.WriteByte(s.EKeyLength)
	var u32buf [4]byte
	binary.BigEndian.PutUint32(u32buf[:], uint32(len(s.Entries)))
	buf.Write(u32buf[:])
	var u16buf [2]byte
	binary.BigEndian.PutUint16(u16buf[:], uint16(len(s.Tags)))
	buf.Write(u16buf[:])

	switch s.Version {
	case 1:
		var u64buf [8]byte
		binary.BigEndian.PutUint64(u64buf[:], s.TotalSize)
		buf.Write(u64buf[:])
		buf.WriteByte(s.EsizeBytes)
	case 2:
		var b5 [5]byte
		v := s.TotalSize
		for b := 4; b >= 0; b-- {
			b5[b] = byte(v)
			v >>= 8
		}
		buf.Write(b5[:])
	}

	writeTags(&buf, s.Tags, len(s.Entries))

	esize := int(s.EsizeBytes)
	if s.Version == 2 {
		esize = 5 // V2 sizes are always 40-bit, whatever EsizeBytes holds
	}
	for _, e := range s.Entries {
		ek := make([]byte, s.EKeyLength)
		copy(ek, e.EKey)
		buf.Write(ek)
		v := e.Size
		sz := make([]byte, esize)
		for b := esize - 1; b >= 0; b-- {
			sz[b] = byte(v)
			v >>= 8
		}
		buf.Write(sz)
	}
	return buf.Bytes()
}
