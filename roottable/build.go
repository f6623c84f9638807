package roottable

import (
	"bytes"
	"encoding/binary"

	"github.com/rpcpool/ngdp-retrieval/ckey"
)

// BuildBlockV2 serializes a single V2-format block (locale/v1/v2/v3
// content-flag split), for tests exercising the scenario spec.md §8 names
// explicitly ("Root version 2 decode"). names may be nil to omit the
// name-hash array (the content flags must then carry NoNameHash).
func BuildBlockV2(locale uint32, v1, v2 uint32, v3 byte, fileIDs []uint32, ckeys []ckey.CKey, names []uint64) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(len(fileIDs)))
	binary.Write(&buf, binary.LittleEndian, locale)
	binary.Write(&buf, binary.LittleEndian, v1)
	binary.Write(&buf, binary.LittleEndian, v2)
	buf.WriteByte(v3)

	for _, d := range EncodeDeltas(fileIDs) {
		binary.Write(&buf, binary.LittleEndian, d)
	}
	for _, k := range ckeys {
		buf.Write(k[:])
	}
	for _, n := range names {
		binary.Write(&buf, binary.LittleEndian, n)
	}
	return buf.Bytes()
}

// BuildFileV2 wraps one or more V2 blocks in a classic (non-extended) TSFM
// header: total_files, named_files, then the concatenated blocks.
func BuildFileV2(totalFiles, namedFiles uint32, blocks ...[]byte) []byte {
	var buf bytes.Buffer
	buf.Write(Magic[:])
	binary.Write(&buf, binary.LittleEndian, totalFiles)
	binary.Write(&buf, binary.LittleEndian, namedFiles)
	for _, b := range blocks {
		buf.Write(b)
	}
	return buf.Bytes()
}
