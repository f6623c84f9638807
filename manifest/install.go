package manifest

import (
	"bytes"
	"encoding/binary"

	"github.com/rpcpool/ngdp-retrieval/ngdperr"
)

// InstallMagic is the Install manifest signature.
var InstallMagic = [2]byte{'I', 'N'}

// InstallEntry is one file named by an Install manifest: a path, its
// content key, and its decompressed size. V2 adds a file-type byte used
// to distinguish e.g. binary vs. data files during an install.
type InstallEntry struct {
	Path        string
	CKey        []byte // CKeyLength bytes wide, per the manifest header
	Size        uint32
	FileType    byte
	HasFileType bool
}

// Install is a parsed Install manifest: entries plus the tags used to
// select subsets of them for a partial install (spec.md §2 "Optional
// views used for partial installs").
type Install struct {
	Version   byte
	CKeyLength byte
	Tags      []Tag
	Entries   []InstallEntry
}

// ParseInstall reads an Install manifest: "IN" | version u8 | ckey_length
// u8 | tag_count u16 BE | entry_count u32 BE, then tag_count tags, then
// entry_count entries (null-terminated path, ckey_length-byte content
// key, size u32 BE, [file_type u8 if version>=2]).
func ParseInstall(data []byte) (*Install, error) {
	if len(data) < 10 || data[0] != InstallMagic[0] || data[1] != InstallMagic[1] {
		return nil, ngdperr.InvalidMagic{Got: data[:min(4, len(data))]}
	}
	version := data[2]
	ckeyLen := data[3]
	tagCount := int(binary.BigEndian.Uint16(data[4:6]))
	entryCount := int(binary.BigEndian.Uint32(data[6:10]))
	pos := 10

	tags, pos, err := parseTags(data, pos, tagCount, entryCount)
	if err != nil {
		return nil, err
	}

	entries := make([]InstallEntry, entryCount)
	for i := 0; i < entryCount; i++ {
		nameEnd := bytes.IndexByte(data[pos:], 0)
		if nameEnd < 0 {
			return nil, ngdperr.Truncated{Expected: pos + 1, Actual: len(data)}
		}
		path := string(data[pos : pos+nameEnd])
		pos += nameEnd + 1

		if pos+int(ckeyLen)+4 > len(data) {
			return nil, ngdperr.Truncated{Expected: pos + int(ckeyLen) + 4, Actual: len(data)}
		}
		ck := make([]byte, ckeyLen)
		copy(ck, data[pos:pos+int(ckeyLen)])
		pos += int(ckeyLen)
		size := binary.BigEndian.Uint32(data[pos : pos+4])
		pos += 4

		e := InstallEntry{Path: path, CKey: ck, Size: size}
		if version >= 2 {
			if pos+1 > len(data) {
				return nil, ngdperr.Truncated{Expected: pos + 1, Actual: len(data)}
			}
			e.FileType = data[pos]
			e.HasFileType = true
			pos++
		}
		entries[i] = e
	}

	return &Install{Version: version, CKeyLength: ckeyLen, Tags: tags, Entries: entries}, nil
}

// BuildInstall serializes an Install manifest, the inverse of ParseInstall.
func BuildInstall(m *Install) []byte {
	var buf bytes.Buffer
	buf.Write(InstallMagic[:])
	buf.WriteByte(m.Version)
	buf.WriteByte(m.CKeyLength)
	var u16buf [2]byte
	binary.BigEndian.PutUint16(u16buf[:], uint16(len(m.Tags)))
	buf.Write(u16buf[:])
	var u32buf [4]byte
	binary.BigEndian.PutUint32(u32buf[:], uint32(len(m.Entries)))
	buf.Write(u32buf[:])

	writeTags(&buf, m.Tags, len(m.Entries))

	for _, e := range m.Entries {
		buf.WriteString(e.Path)
		buf.WriteByte(0)
		ck := make([]byte, m.CKeyLength)
		copy(ck, e.CKey)
		buf.Write(ck)
		binary.BigEndian.PutUint32(u32buf[:], e.Size)
		buf.Write(u32buf[:])
		if m.Version >= 2 {
			buf.WriteByte(e.FileType)
		}
	}
	return buf.Bytes()
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
