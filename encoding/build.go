package encoding

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/rpcpool/ngdp-retrieval/ckey"
)

// Build serializes a set of CKey->Entry rows into the Parse-compatible
// byte layout, grouping rows into PageSize-capped pages in CKey order.
// Used by tests and by any future encode-side tooling; the retrieval path
// only ever calls Parse.
func Build(rows map[ckey.CKey]Entry) []byte {
	keys := make([]ckey.CKey, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })

	var pages [][]byte
	var lastKeys []ckey.CKey
	var cur bytes.Buffer
	var curLast ckey.CKey

	flush := func() {
		if cur.Len() == 0 {
			return
		}
		padded := make([]byte, PageSize)
		copy(padded, cur.Bytes())
		pages = append(pages, padded)
		lastKeys = append(lastKeys, curLast)
		cur.Reset()
	}

	for _, k := range keys {
		e := rows[k]
		size := entrySize(e)
		if cur.Len()+size > PageSize {
			flush()
		}
		cur.Write(k[:])
		cur.WriteByte(byte(len(e.EKeys)))
		binary.Write(&cur, binary.LittleEndian, e.Size)
		for _, ek := range e.EKeys {
			cur.Write(ek[:])
		}
		curLast = k
	}
	flush()

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, uint32(len(pages)))
	for _, k := range lastKeys {
		out.Write(k[:])
	}
	for _, p := range pages {
		out.Write(p)
	}
	return out.Bytes()
}

func entrySize(e Entry) int {
	return ckey.Size + 1 + 8 + len(e.EKeys)*ckey.Size
}
