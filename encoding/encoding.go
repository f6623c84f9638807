// Package encoding implements the Encoding table: a read-only,
// page-indexed map from content key (CKey) to encoding key (EKey) plus
// expanded size, with optional extra EKey slots for multi-part files
// (spec.md §3 "Encoding table", §4.2).
//
// Pages are fixed-size groups of entries sorted by CKey; a page index
// records the last CKey of each page so a lookup binary-searches the page
// index, then linearly scans the one page that could contain the key —
// the same page/header validation discipline the teacher's
// compactindexsized package uses for its own page format, generalized
// from a hash-bucket layout to a sorted-page layout.
package encoding

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/rpcpool/ngdp-retrieval/ckey"
	"github.com/rpcpool/ngdp-retrieval/ngdperr"
)

// PageSize is the fixed entry-grouping size used when building a Table.
const PageSize = 4096

// Entry is one Encoding table row: the expanded (uncompressed) size plus
// one or more EKey slots, in declaration order, for a CKey.
type Entry struct {
	Size  uint64
	EKeys []ckey.EKey
}

// page holds the raw parsed entries for one page, plus the last CKey in
// the page (used by the page index for binary search).
type page struct {
	lastKey ckey.CKey
	entries []pageEntry
}

type pageEntry struct {
	key   ckey.CKey
	entry Entry
}

// Table is a parsed, queryable Encoding table.
type Table struct {
	pages []page
}

// Parse builds a Table from an in-memory buffer laid out as:
//
//	u32 LE page_count
//	page_count * (16-byte last CKey of page)   -- page index
//	page_count * PageSize-byte pages, each a sequence of:
//	    16-byte CKey
//	    u8      ekey_count
//	    u64 LE  size
//	    ekey_count * 16-byte EKey
//
// This is the module's own binary page format (spec.md §3 describes the
// logical shape; the concrete byte layout here is this implementation's
// choice, validated the way the teacher validates every fixed-width
// header: bounds-check before trusting a declared length).
func Parse(data []byte) (*Table, error) {
	if len(data) < 4 {
		return nil, ngdperr.Truncated{Expected: 4, Actual: len(data)}
	}
	pageCount := int(binary.LittleEndian.Uint32(data[0:4]))
	pos := 4

	indexSize := pageCount * ckey.Size
	if pos+indexSize > len(data) {
		return nil, ngdperr.Truncated{Expected: pos + indexSize, Actual: len(data)}
	}
	lastKeys := make([]ckey.CKey, pageCount)
	for i := 0; i < pageCount; i++ {
		copy(lastKeys[i][:], data[pos:pos+ckey.Size])
		pos += ckey.Size
	}

	t := &Table{pages: make([]page, pageCount)}
	for i := 0; i < pageCount; i++ {
		if pos+PageSize > len(data) {
			return nil, ngdperr.Truncated{Expected: pos + PageSize, Actual: len(data)}
		}
		entries, err := parsePage(data[pos : pos+PageSize])
		if err != nil {
			return nil, err
		}
		t.pages[i] = page{lastKey: lastKeys[i], entries: entries}
		pos += PageSize
	}
	return t, nil
}

func parsePage(buf []byte) ([]pageEntry, error) {
	var entries []pageEntry
	pos := 0
	for pos < len(buf) {
		if pos+ckey.Size+1+8 > len(buf) {
			break // remainder is zero-padding to PageSize
		}
		var ck ckey.CKey
		copy(ck[:], buf[pos:pos+ckey.Size])
		pos += ckey.Size
		if ck.IsZero() {
			break // zero CKey marks end-of-entries padding
		}
		ekeyCount := int(buf[pos])
		pos++
		size := binary.LittleEndian.Uint64(buf[pos : pos+8])
		pos += 8
		if pos+ekeyCount*ckey.Size > len(buf) {
			return nil, ngdperr.Truncated{Expected: pos + ekeyCount*ckey.Size, Actual: len(buf)}
		}
		eks := make([]ckey.EKey, ekeyCount)
		for i := 0; i < ekeyCount; i++ {
			copy(eks[i][:], buf[pos:pos+ckey.Size])
			pos += ckey.Size
		}
		entries = append(entries, pageEntry{key: ck, entry: Entry{Size: size, EKeys: eks}})
	}
	return entries, nil
}

// Lookup returns the Entry for a CKey, binary-searching the page index
// then linearly scanning the selected page (spec.md §4.2).
func (t *Table) Lookup(key ckey.CKey) (Entry, error) {
	if len(t.pages) == 0 {
		return Entry{}, ngdperr.NotFound
	}
	pageIdx := sort.Search(len(t.pages), func(i int) bool {
		return bytes.Compare(t.pages[i].lastKey[:], key[:]) >= 0
	})
	if pageIdx == len(t.pages) {
		return Entry{}, ngdperr.NotFound
	}
	for _, pe := range t.pages[pageIdx].entries {
		if pe.key == key {
			return pe.entry, nil
		}
	}
	return Entry{}, ngdperr.NotFound
}

// PageCount returns the number of pages in the table, for diagnostics.
func (t *Table) PageCount() int { return len(t.pages) }
