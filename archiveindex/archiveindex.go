// Package archiveindex implements the per-archive index: truncated
// (9-byte) EKey → (archive ordinal, offset, size), loaded from fixed
// 4096-byte pages plus a trailing footer (spec.md §3 "Archive index",
// §4.2).
//
// The page-sort-key discipline mirrors encoding's: entries within a page
// are sorted by EKey prefix, and a last-key-per-page table (carried in the
// footer here, rather than a separate index section, since the footer is
// where the on-the-wire format already declares page count and checksum
// widths) permits binary search before a linear in-page scan.
package archiveindex

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/rpcpool/ngdp-retrieval/ckey"
	"github.com/rpcpool/ngdp-retrieval/ngdperr"
)

// PageSize is the fixed page size used by every archive index.
const PageSize = 4096

// footerFixedSize is the width of the footer's fixed fields, which follow
// the pages: page_count u32 LE, prefix_len u8, checksum_size u8. They are
// followed by page_count * 16-byte last-prefix
// entries (prefix right-padded to 16 bytes for fixed-width storage) and a
// 16-byte whole-footer checksum (unused by Parse beyond length bookkeeping
// — it is the producer's responsibility, not the reader's, to validate
// it against its own build, so Parse treats it as opaque bytes).
const footerFixedSize = 4 + 1 + 1

// Location is a resolved archive index hit.
type Location struct {
	ArchiveOrdinal int
	Offset         uint32
	Size           uint32
}

type indexEntry struct {
	prefix ckey.Truncated
	loc    Location
}

type page struct {
	lastPrefix ckey.Truncated
	entries    []indexEntry
}

// Index is a single parsed archive's index (one `.index` file).
type Index struct {
	pages []page
}

// Parse reads one archive's `.index` bytes: page_count pages of PageSize
// bytes each (entries are 9-byte prefix + u32 BE offset + u32 BE size,
// zero-padded to PageSize), followed by the footer (page_count u32 LE,
// prefix_len u8, checksum_size u8, page_count * 16-byte last-prefix
// entries, 16-byte checksum).
func Parse(data []byte) (*Index, error) {
	if len(data) < footerFixedSize {
		return nil, ngdperr.Truncated{Expected: footerFixedSize, Actual: len(data)}
	}
	// The footer starts right after the pages, so its position depends on
	// page_count; derive page_count from the total length (each page adds
	// PageSize bytes plus a 16-byte last-prefix entry), then check it
	// against the stored field.
	rest := len(data) - footerFixedSize - 16 // minus fixed fields + checksum
	if rest < 0 || rest%(PageSize+16) != 0 {
		return nil, ngdperr.InvalidField{Which: "archiveindex.total_size", Value: len(data)}
	}
	pageCount := rest / (PageSize + 16)
	footerStart := pageCount * PageSize
	if stored := int(binary.LittleEndian.Uint32(data[footerStart : footerStart+4])); stored != pageCount {
		return nil, ngdperr.InvalidField{Which: "archiveindex.page_count", Value: stored}
	}
	prefixLen := int(data[footerStart+4])
	if prefixLen != ckey.TruncatedSize {
		return nil, ngdperr.InvalidField{Which: "archiveindex.prefix_len", Value: prefixLen}
	}

	lastPrefixOff := footerStart + footerFixedSize
	idx := &Index{pages: make([]page, pageCount)}
	for i := 0; i < pageCount; i++ {
		off := lastPrefixOff + i*16
		var lp ckey.Truncated
		copy(lp[:], data[off:off+ckey.TruncatedSize])

		pageBuf := data[i*PageSize : (i+1)*PageSize]
		// A single index has no ordinal of its own; Merged.Lookup sets it.
		entries, err := parsePage(pageBuf, 0)
		if err != nil {
			return nil, err
		}
		idx.pages[i] = page{lastPrefix: lp, entries: entries}
	}
	return idx, nil
}

const entryStride = ckey.TruncatedSize + 4 + 4

func parsePage(buf []byte, archiveOrdinal int) ([]indexEntry, error) {
	var entries []indexEntry
	pos := 0
	for pos+entryStride <= len(buf) {
		var prefix ckey.Truncated
		copy(prefix[:], buf[pos:pos+ckey.TruncatedSize])
		if prefix.IsZero() {
			break
		}
		pos += ckey.TruncatedSize
		offset := binary.BigEndian.Uint32(buf[pos : pos+4])
		pos += 4
		size := binary.BigEndian.Uint32(buf[pos : pos+4])
		pos += 4
		entries = append(entries, indexEntry{prefix: prefix, loc: Location{
			ArchiveOrdinal: archiveOrdinal,
			Offset:         offset,
			Size:           size,
		}})
	}
	return entries, nil
}

// Lookup finds a truncated EKey's location within a single archive index.
func (idx *Index) Lookup(prefix ckey.Truncated) (Location, error) {
	if len(idx.pages) == 0 {
		return Location{}, ngdperr.NotFound
	}
	pageIdx := sort.Search(len(idx.pages), func(i int) bool {
		return bytes.Compare(idx.pages[i].lastPrefix[:], prefix[:]) >= 0
	})
	if pageIdx == len(idx.pages) {
		return Location{}, ngdperr.NotFound
	}
	for _, e := range idx.pages[pageIdx].entries {
		if e.prefix == prefix {
			return e.loc, nil
		}
	}
	return Location{}, ngdperr.NotFound
}

// Merged is the logical union of every archive's index, keyed by archive
// ordinal. Lookup resolves a truncated EKey by probing every archive in
// ordinal order — spec.md §4.2 "all archive indices are merged into a
// single logical map at load by hashing archive-id → ordinal"; this
// module's Merged keeps the archive ordinal as the hash target (set by
// the caller when it assigns ordinals to archive ids) rather than
// building a second hash table, since the per-archive page search is
// already O(log pages).
type Merged struct {
	archives []*Index
	names    []string
}

// NewMerged builds a Merged index over archives in the given order; the
// position in the slice is each archive's ordinal.
func NewMerged(names []string, archives []*Index) *Merged {
	return &Merged{archives: archives, names: names}
}

// Lookup searches every archive in ordinal order for prefix and returns
// its location plus the owning archive's name.
func (m *Merged) Lookup(prefix ckey.Truncated) (string, Location, error) {
	for i, a := range m.archives {
		if loc, err := a.Lookup(prefix); err == nil {
			loc.ArchiveOrdinal = i
			return m.names[i], loc, nil
		}
	}
	return "", Location{}, ngdperr.NotFound
}
