// Package casc implements the on-disk CASC local store: content-addressed
// blob files, a free-space table, generation-rotated index slots, a
// shared-memory control block, and an LRU eviction layer (spec.md §4.4
// "CASC Local Store").
package casc

import (
	"encoding/binary"

	"github.com/rpcpool/ngdp-retrieval/ckey"
	"github.com/rpcpool/ngdp-retrieval/ngdperr"
)

// HeaderSize is the fixed width of the object header prefixing every
// stored blob in a data.NNN file.
const HeaderSize = 9 + 4 + 2 + 4 + 4

// Flag bits carried in an object header.
const (
	FlagNone = 0
)

// ObjectHeader is the 23-byte (HeaderSize) record CASC prefixes every stored BLTE blob
// with: a byte-reversed truncated EKey, the blob's on-disk size, flags,
// and a two-part checksum (spec.md §4.4 "Object header").
type ObjectHeader struct {
	EKey      ckey.Truncated
	Size      uint32
	Flags     uint16
	ChecksumA uint32
	ChecksumB uint32
}

// Encode writes the header in its on-disk byte order: the EKey is stored
// reversed (low byte first), and the remaining fields are little-endian.
func (h ObjectHeader) Encode() []byte {
	buf := make([]byte, HeaderSize)
	for i := 0; i < ckey.TruncatedSize; i++ {
		buf[i] = h.EKey[ckey.TruncatedSize-1-i]
	}
	pos := ckey.TruncatedSize
	binary.LittleEndian.PutUint32(buf[pos:], h.Size)
	pos += 4
	binary.LittleEndian.PutUint16(buf[pos:], h.Flags)
	pos += 2
	binary.LittleEndian.PutUint32(buf[pos:], h.ChecksumA)
	pos += 4
	binary.LittleEndian.PutUint32(buf[pos:], h.ChecksumB)
	return buf
}

// DecodeObjectHeader parses a HeaderSize-byte object header from the front of a
// blob read out of a data.NNN file.
func DecodeObjectHeader(buf []byte) (ObjectHeader, error) {
	var h ObjectHeader
	if len(buf) < HeaderSize {
		return h, ngdperr.Truncated{Expected: HeaderSize, Actual: len(buf)}
	}
	for i := 0; i < ckey.TruncatedSize; i++ {
		h.EKey[i] = buf[ckey.TruncatedSize-1-i]
	}
	pos := ckey.TruncatedSize
	h.Size = binary.LittleEndian.Uint32(buf[pos:])
	pos += 4
	h.Flags = binary.LittleEndian.Uint16(buf[pos:])
	pos += 2
	h.ChecksumA = binary.LittleEndian.Uint32(buf[pos:])
	pos += 4
	h.ChecksumB = binary.LittleEndian.Uint32(buf[pos:])
	return h, nil
}
