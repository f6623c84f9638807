package blte

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"

	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4/v4"
)

// EncodeOptions controls Encode's framing. Mode/Level, when Mode is zero,
// are chosen per-chunk by SelectMode; ChunkSize, when zero, emits a
// single-chunk (headerSize=0) file.
type EncodeOptions struct {
	Mode      byte
	Level     int
	ChunkSize int
}

// Encode emits a BLTE file for payload per opts (spec.md §4.1 "encode").
// When opts.ChunkSize is zero, or payload fits in one chunk, it emits the
// zero-header single-chunk form; otherwise it splits payload into
// ChunkSize-byte pieces, each independently mode-selected if opts.Mode is
// unset.
func Encode(payload []byte, opts EncodeOptions) ([]byte, error) {
	if opts.ChunkSize <= 0 || len(payload) <= opts.ChunkSize {
		body, err := compressChunk(payload, opts)
		if err != nil {
			return nil, err
		}
		var out bytes.Buffer
		out.Write(Magic[:])
		binary.Write(&out, binary.BigEndian, uint32(0))
		out.Write(body)
		return out.Bytes(), nil
	}

	var chunks [][]byte
	var plainSizes []int
	for off := 0; off < len(payload); off += opts.ChunkSize {
		end := off + opts.ChunkSize
		if end > len(payload) {
			end = len(payload)
		}
		body, err := compressChunk(payload[off:end], opts)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, body)
		plainSizes = append(plainSizes, end-off)
	}

	headerSize := 4 + len(chunks)*standardRecordSize
	var out bytes.Buffer
	out.Write(Magic[:])
	binary.Write(&out, binary.BigEndian, uint32(headerSize))
	out.WriteByte(flagStandard)
	count := len(chunks)
	out.Write([]byte{byte(count >> 16), byte(count >> 8), byte(count)})
	for i, c := range chunks {
		sum := md5.Sum(c)
		binary.Write(&out, binary.BigEndian, uint32(len(c)))
		binary.Write(&out, binary.BigEndian, uint32(plainSizes[i]))
		out.Write(sum[:])
	}
	for _, c := range chunks {
		out.Write(c)
	}
	return out.Bytes(), nil
}

// compressChunk applies opts (or SelectMode's choice) to payload and
// returns the mode-prefixed chunk body.
func compressChunk(payload []byte, opts EncodeOptions) ([]byte, error) {
	mode := opts.Mode
	level := opts.Level
	if mode == 0 {
		sel := SelectMode(payload)
		mode = sel.Mode
		level = sel.Level
	}

	switch mode {
	case ModeRaw:
		out := make([]byte, 1+len(payload))
		out[0] = ModeRaw
		copy(out[1:], payload)
		return out, nil

	case ModeZlib:
		var buf bytes.Buffer
		buf.WriteByte(ModeZlib)
		if level == 0 {
			level = zlib.DefaultCompression
		}
		zw, err := zlib.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, err
		}
		if _, err := zw.Write(payload); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	case ModeLZ4:
		compressed := make([]byte, lz4.CompressBlockBound(len(payload)))
		var c lz4.Compressor
		n, err := c.CompressBlock(payload, compressed)
		if err != nil {
			return nil, err
		}
		compressed = compressed[:n]
		var buf bytes.Buffer
		buf.WriteByte(ModeLZ4)
		binary.Write(&buf, binary.LittleEndian, uint32(len(payload)))
		binary.Write(&buf, binary.LittleEndian, uint32(len(compressed)))
		buf.Write(compressed)
		return buf.Bytes(), nil

	default:
		out := make([]byte, 1+len(payload))
		out[0] = ModeRaw
		copy(out[1:], payload)
		return out, nil
	}
}
