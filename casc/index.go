package casc

import (
	"encoding/binary"

	"github.com/rpcpool/ngdp-retrieval/ckey"
	"github.com/rpcpool/ngdp-retrieval/ngdperr"
)

// NumBuckets is the number of index slots a store shards its entries
// across: slots 0x00..0x09 (spec.md §4.4 "Index slot protocol").
const NumBuckets = 10

// indexEntry locates one stored blob inside a data.NNN file.
type indexEntry struct {
	EKey      ckey.Truncated
	FileIndex uint16
	Offset    int64
	Size      uint32
}

const indexEntrySize = ckey.TruncatedSize + 2 + 8 + 4

func bucketOf(k ckey.Truncated) int {
	return int(k[0]) % NumBuckets
}

// encodeIndexEntries serializes a bucket's entries for storage in an
// idxSlot generation file.
func encodeIndexEntries(entries []indexEntry) []byte {
	buf := make([]byte, 0, len(entries)*indexEntrySize)
	for _, e := range entries {
		rec := make([]byte, indexEntrySize)
		copy(rec, e.EKey[:])
		pos := ckey.TruncatedSize
		binary.LittleEndian.PutUint16(rec[pos:], e.FileIndex)
		pos += 2
		binary.LittleEndian.PutUint64(rec[pos:], uint64(e.Offset))
		pos += 8
		binary.LittleEndian.PutUint32(rec[pos:], e.Size)
		buf = append(buf, rec...)
	}
	return buf
}

// decodeIndexEntries parses a bucket's generation-file bytes back into
// entries.
func decodeIndexEntries(data []byte) ([]indexEntry, error) {
	if len(data)%indexEntrySize != 0 {
		return nil, ngdperr.Truncated{Expected: indexEntrySize, Actual: len(data) % indexEntrySize}
	}
	n := len(data) / indexEntrySize
	entries := make([]indexEntry, n)
	for i := 0; i < n; i++ {
		rec := data[i*indexEntrySize : (i+1)*indexEntrySize]
		var e indexEntry
		copy(e.EKey[:], rec[:ckey.TruncatedSize])
		pos := ckey.TruncatedSize
		e.FileIndex = binary.LittleEndian.Uint16(rec[pos:])
		pos += 2
		e.Offset = int64(binary.LittleEndian.Uint64(rec[pos:]))
		pos += 8
		e.Size = binary.LittleEndian.Uint32(rec[pos:])
		entries[i] = e
	}
	return entries, nil
}

// index is the in-memory mirror of every idxSlot bucket, keyed by
// truncated EKey for O(1) lookup, with bucket-granular flushing to disk.
type index struct {
	dir     string
	entries map[ckey.Truncated]indexEntry
	dirty   map[int]bool
}

func newIndex(dir string) *index {
	return &index{
		dir:     dir,
		entries: make(map[ckey.Truncated]indexEntry),
		dirty:   make(map[int]bool),
	}
}

// load reads every bucket's current generation from disk into memory.
func (ix *index) load() error {
	for b := 0; b < NumBuckets; b++ {
		slot := idxSlot{dir: ix.dir, bucket: b}
		data, ok, err := slot.read()
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		entries, err := decodeIndexEntries(data)
		if err != nil {
			return ngdperr.StoreCorrupt{Detail: err.Error()}
		}
		for _, e := range entries {
			ix.entries[e.EKey] = e
		}
	}
	return nil
}

func (ix *index) lookup(k ckey.Truncated) (indexEntry, bool) {
	e, ok := ix.entries[k]
	return e, ok
}

func (ix *index) put(e indexEntry) {
	ix.entries[e.EKey] = e
	ix.dirty[bucketOf(e.EKey)] = true
}

func (ix *index) remove(k ckey.Truncated) {
	if e, ok := ix.entries[k]; ok {
		delete(ix.entries, k)
		ix.dirty[bucketOf(e.EKey)] = true
	}
}

// flush rotates every bucket marked dirty since the last flush out to its
// idxSlot as a new generation.
func (ix *index) flush() error {
	byBucket := make(map[int][]indexEntry)
	for _, e := range ix.entries {
		b := bucketOf(e.EKey)
		if ix.dirty[b] {
			byBucket[b] = append(byBucket[b], e)
		}
	}
	for b := range ix.dirty {
		slot := idxSlot{dir: ix.dir, bucket: b}
		if err := slot.rotate(encodeIndexEntries(byBucket[b])); err != nil {
			return err
		}
	}
	ix.dirty = make(map[int]bool)
	return nil
}
