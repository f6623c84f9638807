// Package roottable implements the Root table: an ordered collection of
// blocks, each naming a (content_flags, locale_flags) pair and a list of
// (file_data_id, CKey[, name_hash]) records, with delta-encoded
// file-data-ids (spec.md §3 "Root table", §4.2).
//
// Versions: V1 stores one flat delta array followed by per-record
// (ckey, name_hash) pairs interleaved; V2/V3/V4 store deltas, ckeys, and
// name hashes as three separate parallel arrays (the "columnar" layout);
// V4 additionally widens content flags to 40 bits.
package roottable

import (
	"bytes"
	"encoding/binary"

	"github.com/rpcpool/ngdp-retrieval/ckey"
	"github.com/rpcpool/ngdp-retrieval/ngdperr"
)

// Version identifies the root block encoding.
type Version int

const (
	V1 Version = 1
	V2 Version = 2
	V3 Version = 3
	V4 Version = 4
)

// Magic is the root file signature. TSFM is this module's only supported
// orientation (little-endian header fields); the MFST (big-endian)
// variant some clients emit is out of scope — no SPEC_FULL.md component
// needs it, and the spec's invariants are all phrased in terms of one
// fixed endianness.
var Magic = [4]byte{'T', 'S', 'F', 'M'}

// ContentFlags bit used to elide the name-hash array for a block (spec.md
// §3 "The NO_NAME_HASH content flag elides the name-hash array").
const NoNameHash uint64 = 1 << 28

// LocaleANY matches every block regardless of its locale mask.
const LocaleANY uint32 = 0xFFFFFFFF

// Block is one parsed root block.
type Block struct {
	ContentFlags uint64
	LocaleFlags  uint32
	Records      []Record
}

// Record is one root entry: a file-data-id mapped to a CKey, with an
// optional name hash (zero when the owning block elides name hashes).
type Record struct {
	FileDataID ckey.FileDataID
	CKey       ckey.CKey
	NameHash   ckey.NameHash
	HasName    bool
}

// Table is the parsed root file: every block, in file order.
type Table struct {
	Version Version
	Blocks  []Block
}

// Parse reads a root file. header_size==0x18 signals the V3/V4 extended
// header (version, total_files, named_files, 4 bytes padding); otherwise
// the first two u32 fields are total_files/named_files and the block
// format is V2's locale/v1/v2/v3 flag encoding; no TSFM magic at all means
// the legacy V1 format, which has no header and reads blocks straight
// from the start of the file.
func Parse(data []byte) (*Table, error) {
	if len(data) >= 4 && bytes.Equal(data[0:4], Magic[:]) {
		return parseVersioned(data[4:])
	}
	return parseV1(data)
}

func parseVersioned(data []byte) (*Table, error) {
	if len(data) < 8 {
		return nil, ngdperr.Truncated{Expected: 8, Actual: len(data)}
	}
	field1 := binary.LittleEndian.Uint32(data[0:4])
	field2 := binary.LittleEndian.Uint32(data[4:8])

	var version Version
	pos := 8
	if field1 == 0x18 {
		// Extended header: field1=header_size(0x18), field2=version.
		if len(data) < 20 {
			return nil, ngdperr.Truncated{Expected: 20, Actual: len(data)}
		}
		switch field2 {
		case 3:
			version = V3
		case 4:
			version = V4
		default:
			return nil, ngdperr.UnsupportedVersion{N: int(field2)}
		}
		pos = 20 // header_size(4) + version(4) + total_files(4) + named_files(4) + padding(4)
	} else {
		// Classic header: field1=total_files, field2=named_files, V2 block
		// flag encoding (locale, v1, v2, v3-byte content split).
		version = V2
	}

	t := &Table{Version: version}
	for pos < len(data) {
		block, next, err := parseBlock(data, pos, version)
		if err != nil {
			return nil, err
		}
		t.Blocks = append(t.Blocks, block)
		pos = next
	}
	return t, nil
}

func parseV1(data []byte) (*Table, error) {
	t := &Table{Version: V1}
	pos := 0
	for pos < len(data) {
		block, next, err := parseBlock(data, pos, V1)
		if err != nil {
			return nil, err
		}
		t.Blocks = append(t.Blocks, block)
		pos = next
	}
	return t, nil
}

func parseBlock(data []byte, pos int, version Version) (Block, int, error) {
	if pos+4 > len(data) {
		return Block{}, 0, ngdperr.Truncated{Expected: pos + 4, Actual: len(data)}
	}
	numRecords := int(binary.LittleEndian.Uint32(data[pos : pos+4]))
	pos += 4

	var block Block
	switch version {
	case V2:
		if pos+12+1 > len(data) {
			return Block{}, 0, ngdperr.Truncated{Expected: pos + 13, Actual: len(data)}
		}
		block.LocaleFlags = binary.LittleEndian.Uint32(data[pos : pos+4])
		v1 := binary.LittleEndian.Uint32(data[pos+4 : pos+8])
		v2 := binary.LittleEndian.Uint32(data[pos+8 : pos+12])
		v3 := data[pos+12]
		block.ContentFlags = uint64(v1) | uint64(v2) | uint64(v3)<<17
		pos += 13
	case V4:
		if pos+9 > len(data) {
			return Block{}, 0, ngdperr.Truncated{Expected: pos + 9, Actual: len(data)}
		}
		low := binary.LittleEndian.Uint32(data[pos : pos+4])
		block.LocaleFlags = binary.LittleEndian.Uint32(data[pos+4 : pos+8])
		high := data[pos+8]
		block.ContentFlags = uint64(low) | uint64(high)<<32
		pos += 9
	default: // V1, V3
		if pos+8 > len(data) {
			return Block{}, 0, ngdperr.Truncated{Expected: pos + 8, Actual: len(data)}
		}
		block.ContentFlags = uint64(binary.LittleEndian.Uint32(data[pos : pos+4]))
		block.LocaleFlags = binary.LittleEndian.Uint32(data[pos+4 : pos+8])
		pos += 8
	}

	if numRecords == 0 {
		return block, pos, nil
	}

	hasNames := block.ContentFlags&NoNameHash == 0

	if pos+numRecords*4 > len(data) {
		return Block{}, 0, ngdperr.Truncated{Expected: pos + numRecords*4, Actual: len(data)}
	}
	deltas := make([]uint32, numRecords)
	for i := 0; i < numRecords; i++ {
		deltas[i] = binary.LittleEndian.Uint32(data[pos : pos+4])
		pos += 4
	}
	ids := DecodeDeltas(deltas)

	records := make([]Record, numRecords)
	for i := range records {
		records[i].FileDataID = ckey.FileDataID(ids[i])
	}

	if version == V1 {
		for i := 0; i < numRecords; i++ {
			if pos+ckey.Size > len(data) {
				return Block{}, 0, ngdperr.Truncated{Expected: pos + ckey.Size, Actual: len(data)}
			}
			copy(records[i].CKey[:], data[pos:pos+ckey.Size])
			pos += ckey.Size
			if hasNames {
				if pos+8 > len(data) {
					return Block{}, 0, ngdperr.Truncated{Expected: pos + 8, Actual: len(data)}
				}
				records[i].NameHash = ckey.NameHash(binary.LittleEndian.Uint64(data[pos : pos+8]))
				records[i].HasName = true
				pos += 8
			}
		}
	} else {
		for i := 0; i < numRecords; i++ {
			if pos+ckey.Size > len(data) {
				return Block{}, 0, ngdperr.Truncated{Expected: pos + ckey.Size, Actual: len(data)}
			}
			copy(records[i].CKey[:], data[pos:pos+ckey.Size])
			pos += ckey.Size
		}
		if hasNames {
			for i := 0; i < numRecords; i++ {
				if pos+8 > len(data) {
					return Block{}, 0, ngdperr.Truncated{Expected: pos + 8, Actual: len(data)}
				}
				records[i].NameHash = ckey.NameHash(binary.LittleEndian.Uint64(data[pos : pos+8]))
				records[i].HasName = true
				pos += 8
			}
		}
	}

	block.Records = records
	return block, pos, nil
}

// ByFileDataID resolves a file-data-id to a CKey, applying localeFilter
// and contentFilter: the first block whose locale mask intersects
// localeFilter (or localeFilter==LocaleANY) and whose content flags are
// accepted by contentFilter wins; ties within a block resolve to the
// first matching record (spec.md §4.2).
func (t *Table) ByFileDataID(id ckey.FileDataID, localeFilter uint32, contentFilter func(uint64) bool) (ckey.CKey, uint64, bool) {
	for _, b := range t.Blocks {
		if !blockMatches(b, localeFilter, contentFilter) {
			continue
		}
		for _, r := range b.Records {
			if r.FileDataID == id {
				return r.CKey, b.ContentFlags, true
			}
		}
	}
	return ckey.CKey{}, 0, false
}

// ByName resolves a path's name hash to a CKey, with the same block
// selection rule as ByFileDataID.
func (t *Table) ByName(nameHash ckey.NameHash, localeFilter uint32, contentFilter func(uint64) bool) (ckey.CKey, uint64, bool) {
	for _, b := range t.Blocks {
		if !blockMatches(b, localeFilter, contentFilter) {
			continue
		}
		for _, r := range b.Records {
			if r.HasName && r.NameHash == nameHash {
				return r.CKey, b.ContentFlags, true
			}
		}
	}
	return ckey.CKey{}, 0, false
}

func blockMatches(b Block, localeFilter uint32, contentFilter func(uint64) bool) bool {
	if localeFilter != LocaleANY && b.LocaleFlags&localeFilter == 0 {
		return false
	}
	if contentFilter != nil && !contentFilter(b.ContentFlags) {
		return false
	}
	return true
}
