package manifest

import (
	"bytes"
	"encoding/binary"

	"github.com/rpcpool/ngdp-retrieval/ngdperr"
)

// DownloadMagic is the Download manifest signature.
var DownloadMagic = [2]byte{'D', 'L'}

// DownloadEntry is one file named by a Download manifest: its encoding
// key, priority, and (depending on header version) a checksum and a
// caller-defined flag bitfield.
type DownloadEntry struct {
	EKey       []byte
	Size       uint64 // 40-bit on the wire
	Priority   int8
	Checksum   uint32
	HasChecksum bool
	Flags      []byte
}

// Download is a parsed Download manifest, versioned like the original
// "DL" header (spec.md §3 "Size and download manifests use a DL/DS
// magic with versioned headers"): V1 is the bare entry/tag counts, V2
// adds a per-entry flag field, V3 adds a manifest-wide base priority.
type Download struct {
	Version      byte
	EKeyLength   byte
	HasChecksum  bool
	FlagSize     byte
	BasePriority int8
	Tags         []Tag
	Entries      []DownloadEntry
}

// ParseDownload reads a Download manifest header ("DL" | version u8 |
// ekey_length u8 | has_checksum u8 | entry_count u32 BE | tag_count u16
// BE, +flag_size u8 for V2, +base_priority i8 +3 reserved bytes for V3),
// then tag_count tags and entry_count entries (ekey_length-byte EKey,
// 5-byte BE size, 1-byte priority, [4-byte BE checksum if has_checksum],
// [flag_size bytes of flags]).
func ParseDownload(data []byte) (*Download, error) {
	if len(data) < 11 || data[0] != DownloadMagic[0] || data[1] != DownloadMagic[1] {
		return nil, ngdperr.InvalidMagic{Got: data[:min(4, len(data))]}
	}
	d := &Download{
		Version:     data[2],
		EKeyLength:  data[3],
		HasChecksum: data[4] != 0,
	}
	entryCount := int(binary.BigEndian.Uint32(data[5:9]))
	tagCount := int(binary.BigEndian.Uint16(data[9:11]))
	pos := 11

	switch {
	case d.Version >= 3:
		if len(data) < 16 {
			return nil, ngdperr.Truncated{Expected: 16, Actual: len(data)}
		}
		d.FlagSize = data[11]
		d.BasePriority = int8(data[12])
		pos = 16
	case d.Version == 2:
		if len(data) < 12 {
			return nil, ngdperr.Truncated{Expected: 12, Actual: len(data)}
		}
		d.FlagSize = data[11]
		pos = 12
	}

	tags, pos, err := parseTags(data, pos, tagCount, entryCount)
	if err != nil {
		return nil, err
	}
	d.Tags = tags

	entries := make([]DownloadEntry, entryCount)
	ekeyLen := int(d.EKeyLength)
	for i := 0; i < entryCount; i++ {
		need := ekeyLen + 5 + 1
		if d.HasChecksum {
			need += 4
		}
		need += int(d.FlagSize)
		if pos+need > len(data) {
			return nil, ngdperr.Truncated{Expected: pos + need, Actual: len(data)}
		}
		e := DownloadEntry{}
		e.EKey = append([]byte(nil), data[pos:pos+ekeyLen]...)
		pos += ekeyLen

		var sz uint64
		for b := 0; b < 5; b++ {
			sz = sz<<8 | uint64(data[pos+b])
		}
		e.Size = sz
		pos += 5

		e.Priority = int8(data[pos])
		pos++

		if d.HasChecksum {
			e.Checksum = binary.BigEndian.Uint32(data[pos : pos+4])
			e.HasChecksum = true
			pos += 4
		}
		if d.FlagSize > 0 {
			e.Flags = append([]byte(nil), data[pos:pos+int(d.FlagSize)]...)
			pos += int(d.FlagSize)
		}
		entries[i] = e
	}
	d.Entries = entries

	return d, nil
}

// BuildDownload serializes a Download manifest, the inverse of ParseDownload.
func BuildDownload(d *Download) []byte {
	var buf bytes.Buffer
	buf.Write(DownloadMagic[:])
	buf.WriteByte(d.Version)
	buf.WriteByte(d.EKeyLength)
	if d.HasChecksum {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	var u32buf [4]byte
	binary.BigEndian.PutUint32(u32buf[:], uint32(len(d.Entries)))
	buf.Write(u32buf[:])
	var u16buf [2]byte
	binary.BigEndian.PutUint16(u16buf[:], uint16(len(d.Tags)))
	buf.Write(u16buf[:])

	if d.Version >= 2 {
		buf.WriteByte(d.FlagSize)
	}
	if d.Version >= 3 {
		buf.WriteByte(byte(d.BasePriority))
		buf.Write([]byte{0, 0, 0})
	}

	writeTags(&buf, d.Tags, len(d.Entries))

	for _, e := range d.Entries {
		ek := make([]byte, d.EKeyLength)
		copy(ek, e.EKey)
		buf.Write(ek)
		var szBuf [5]byte
		sz := e.Size
		for b := 4; b >= 0; b-- {
			szBuf[b] = byte(sz)
			sz >>= 8
		}
		buf.Write(szBuf[:])
		buf.WriteByte(byte(e.Priority))
		if d.HasChecksum {
			binary.BigEndian.PutUint32(u32buf[:], e.Checksum)
			buf.Write(u32buf[:])
		}
		if d.FlagSize > 0 {
			fl := make([]byte, d.FlagSize)
			copy(fl, e.Flags)
			buf.Write(fl)
		}
	}
	return buf.Bytes()
}
