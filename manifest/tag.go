// Package manifest implements the Install, Download, and Size manifest
// views: thin, optional-use readers over the same tag-bitmap convention
// (spec.md §2, §3 "Config/manifests consumed"). Each manifest lists file
// entries plus a set of named tags, where tag N's bitmask bit i says
// "entry i belongs to tag N" (e.g. a Locale tag "enUS" whose bitmask
// selects every enUS-flagged entry).
package manifest

import (
	"bytes"
	"encoding/binary"

	"github.com/rpcpool/ngdp-retrieval/ngdperr"
)

// TagType categorizes what a tag selects on (platform, locale, and so
// on). The numeric values are the wire encoding; from TagComponent up each
// is a single bit, while the low values (1-5) are plain enumerations.
type TagType uint16

const (
	TagPlatform     TagType = 0x0001
	TagArchitecture TagType = 0x0002
	TagLocale       TagType = 0x0003
	TagCategory     TagType = 0x0004
	TagUnknown      TagType = 0x0005
	TagComponent    TagType = 0x0010
	TagVersion      TagType = 0x0020
	TagOptimization TagType = 0x0040
	TagRegion       TagType = 0x0080
	TagDevice       TagType = 0x0100
	TagMode         TagType = 0x0200
	TagBranch       TagType = 0x0400
	TagContent      TagType = 0x0800
	TagFeature      TagType = 0x1000
	TagExpansion    TagType = 0x2000
	TagAlternate    TagType = 0x4000
	TagOption       TagType = 0x8000
)

// Tag is a named bitmask over a manifest's entries: bit i of Mask (bit 0
// is the LSB of Mask[0]) is set when entry i carries this tag.
type Tag struct {
	Name string
	Type TagType
	Mask []byte
}

// Has reports whether entry i is selected by this tag.
func (t Tag) Has(i int) bool {
	byteIdx, bit := i/8, uint(i%8)
	if byteIdx >= len(t.Mask) {
		return false
	}
	return t.Mask[byteIdx]&(1<<bit) != 0
}

// maskSize is the number of bytes needed to hold one bit per entry.
func maskSize(entryCount int) int {
	return (entryCount + 7) / 8
}

// parseTags reads count null-terminated-name/type/bitmask tag records,
// each bitmask sized for entryCount entries.
func parseTags(data []byte, pos int, count int, entryCount int) ([]Tag, int, error) {
	size := maskSize(entryCount)
	tags := make([]Tag, count)
	for i := 0; i < count; i++ {
		nameEnd := bytes.IndexByte(data[pos:], 0)
		if nameEnd < 0 {
			return nil, 0, ngdperr.Truncated{Expected: pos + 1, Actual: len(data)}
		}
		name := string(data[pos : pos+nameEnd])
		pos += nameEnd + 1

		if pos+2 > len(data) {
			return nil, 0, ngdperr.Truncated{Expected: pos + 2, Actual: len(data)}
		}
		typ := TagType(binary.BigEndian.Uint16(data[pos : pos+2]))
		pos += 2

		if pos+size > len(data) {
			return nil, 0, ngdperr.Truncated{Expected: pos + size, Actual: len(data)}
		}
		mask := make([]byte, size)
		copy(mask, data[pos:pos+size])
		pos += size

		tags[i] = Tag{Name: name, Type: typ, Mask: mask}
	}
	return tags, pos, nil
}

func writeTags(buf *bytes.Buffer, tags []Tag, entryCount int) {
	size := maskSize(entryCount)
	for _, t := range tags {
		buf.WriteString(t.Name)
		buf.WriteByte(0)
		var typeBuf [2]byte
		binary.BigEndian.PutUint16(typeBuf[:], uint16(t.Type))
		buf.Write(typeBuf[:])
		mask := make([]byte, size)
		copy(mask, t.Mask)
		buf.Write(mask)
	}
}

// ByTag returns the indices of every entry carrying a tag with the
// given name (case-sensitive, as the wire format has no case folding).
func ByTag(tags []Tag, name string, entryCount int) []int {
	for _, t := range tags {
		if t.Name != name {
			continue
		}
		var out []int
		for i := 0; i < entryCount; i++ {
			if t.Has(i) {
				out = append(out, i)
			}
		}
		return out
	}
	return nil
}
