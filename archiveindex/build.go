package archiveindex

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/rpcpool/ngdp-retrieval/ckey"
)

// Build serializes a single archive's entries into the Parse-compatible
// page+footer layout. Used by tests and any future index-writing path.
func Build(rows map[ckey.Truncated]Location) []byte {
	prefixes := make([]ckey.Truncated, 0, len(rows))
	for p := range rows {
		prefixes = append(prefixes, p)
	}
	sort.Slice(prefixes, func(i, j int) bool {
		return bytes.Compare(prefixes[i][:], prefixes[j][:]) < 0
	})

	var pages [][]byte
	var lastPrefixes []ckey.Truncated
	var cur bytes.Buffer
	var curLast ckey.Truncated

	flush := func() {
		if cur.Len() == 0 {
			return
		}
		padded := make([]byte, PageSize)
		copy(padded, cur.Bytes())
		pages = append(pages, padded)
		lastPrefixes = append(lastPrefixes, curLast)
		cur.Reset()
	}

	for _, p := range prefixes {
		if cur.Len()+entryStride > PageSize {
			flush()
		}
		loc := rows[p]
		cur.Write(p[:])
		binary.Write(&cur, binary.BigEndian, loc.Offset)
		binary.Write(&cur, binary.BigEndian, loc.Size)
		curLast = p
	}
	flush()

	var out bytes.Buffer
	for _, p := range pages {
		out.Write(p)
	}
	binary.Write(&out, binary.LittleEndian, uint32(len(pages)))
	out.WriteByte(byte(ckey.TruncatedSize))
	out.WriteByte(16) // checksum_size, unused by Parse
	for _, p := range lastPrefixes {
		padded := make([]byte, 16)
		copy(padded, p[:])
		out.Write(padded)
	}
	out.Write(make([]byte, 16)) // footer checksum, opaque to Parse
	return out.Bytes()
}
