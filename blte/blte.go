// Package blte implements the BLTE chunked, checksummed, optionally
// encrypted container format used for every NGDP content blob (spec.md
// §3, §4.1, §6).
//
// Framing follows the teacher's compactindexsized page/header discipline
// (fixed-width header fields read with encoding/binary, a linear pass over
// fixed-size records) generalized from a hashtable-of-buckets to a
// sequence of compressed/encrypted chunks.
package blte

import (
	"bytes"
	"encoding/binary"

	"github.com/rpcpool/ngdp-retrieval/ngdperr"
)

// Magic is the 4-byte BLTE file signature.
var Magic = [4]byte{'B', 'L', 'T', 'E'}

// Chunk mode bytes (spec.md §3 "Chunk payload begins with a mode byte").
const (
	ModeRaw       = 'N'
	ModeZlib      = 'Z'
	ModeLZ4       = '4'
	ModeFrame     = 'F'
	ModeEncrypted = 'E'
)

// Encrypted-chunk cipher type bytes.
const (
	EncSalsa20 = 0x53
	EncARC4    = 0x41
)

const (
	flagStandard = 0x0F
	flagExtended = 0x10

	standardRecordSize = 24
	extendedRecordSize = 40

	// maxRecursionDepth bounds recursive F/E decode to defeat adversarial
	// nesting (spec.md §9: "bounded by a small depth counter (≥ 8)").
	maxRecursionDepth = 8
)

// ChunkRecord describes one entry in a multi-chunk BLTE header.
type ChunkRecord struct {
	CompressedSize          uint32
	DecompressedSize        uint32
	Checksum                [16]byte
	DecompressedChecksum    [16]byte
	HasDecompressedChecksum bool
}

// File is a parsed BLTE container: its header plus enough bookkeeping to
// locate each chunk's payload inside the original byte slice without
// copying it.
type File struct {
	Raw        []byte
	HeaderSize uint32
	Extended   bool
	Chunks     []ChunkRecord

	payloadOffsets []int
}

// Parse validates the BLTE magic, header, and every chunk record against
// len(data), returning a File that shares data's backing array.
func Parse(data []byte) (*File, error) {
	if len(data) < 8 {
		return nil, ngdperr.Truncated{Expected: 8, Actual: len(data)}
	}
	if !bytes.Equal(data[0:4], Magic[:]) {
		return nil, ngdperr.InvalidMagic{Got: append([]byte(nil), data[0:4]...)}
	}
	headerSize := binary.BigEndian.Uint32(data[4:8])

	f := &File{Raw: data, HeaderSize: headerSize}

	if headerSize == 0 {
		f.Chunks = []ChunkRecord{{CompressedSize: uint32(len(data) - 8)}}
		f.payloadOffsets = []int{8}
		return f, nil
	}

	if int(headerSize) > len(data) {
		return nil, ngdperr.Truncated{Expected: int(headerSize) + 8, Actual: len(data)}
	}
	pos := 8
	if pos >= len(data) {
		return nil, ngdperr.Truncated{Expected: pos + 1, Actual: len(data)}
	}
	flag := data[pos]
	pos++
	if flag != flagStandard && flag != flagExtended {
		return nil, ngdperr.InvalidField{Which: "blte.flag", Value: flag}
	}
	extended := flag == flagExtended
	recordSize := standardRecordSize
	if extended {
		recordSize = extendedRecordSize
	}

	if pos+3 > len(data) {
		return nil, ngdperr.Truncated{Expected: pos + 3, Actual: len(data)}
	}
	chunkCount := int(data[pos])<<16 | int(data[pos+1])<<8 | int(data[pos+2])
	pos += 3

	records := make([]ChunkRecord, 0, chunkCount)
	for i := 0; i < chunkCount; i++ {
		if pos+recordSize > len(data) {
			return nil, ngdperr.Truncated{Expected: pos + recordSize, Actual: len(data)}
		}
		var rec ChunkRecord
		rec.CompressedSize = binary.BigEndian.Uint32(data[pos : pos+4])
		rec.DecompressedSize = binary.BigEndian.Uint32(data[pos+4 : pos+8])
		copy(rec.Checksum[:], data[pos+8:pos+24])
		if extended {
			copy(rec.DecompressedChecksum[:], data[pos+24:pos+40])
			rec.HasDecompressedChecksum = true
		}
		records = append(records, rec)
		pos += recordSize
	}

	if pos-8 != int(headerSize) {
		return nil, ngdperr.InvalidField{Which: "blte.header_size", Value: headerSize}
	}

	offsets := make([]int, chunkCount)
	cur := pos
	for i, rec := range records {
		offsets[i] = cur
		if cur+int(rec.CompressedSize) > len(data) {
			return nil, ngdperr.Truncated{Expected: cur + int(rec.CompressedSize), Actual: len(data)}
		}
		cur += int(rec.CompressedSize)
	}

	f.Extended = extended
	f.Chunks = records
	f.payloadOffsets = offsets
	return f, nil
}

// DetectMode returns the mode byte of chunk 0, used by archive recreation
// to preserve the original compression choice (spec.md §4.1).
func DetectMode(f *File) (byte, error) {
	if len(f.Chunks) == 0 {
		return 0, ngdperr.InvalidField{Which: "blte.chunks", Value: 0}
	}
	off := f.payloadOffsets[0]
	if off >= len(f.Raw) {
		return 0, ngdperr.Truncated{Expected: off + 1, Actual: len(f.Raw)}
	}
	return f.Raw[off], nil
}

// chunkPayload returns the raw (still mode-prefixed, still possibly
// compressed/encrypted) bytes of chunk i.
func (f *File) chunkPayload(i int) []byte {
	start := f.payloadOffsets[i]
	end := start + int(f.Chunks[i].CompressedSize)
	return f.Raw[start:end]
}
