package blte

// Recreate rebuilds a multi-chunk BLTE file from fully decoded bytes,
// preserving the original's mode (via DetectMode) and approximating its
// chunk boundaries with a single average chunk size (spec.md §9 open
// question: byte-exact archive recreation). The compression level is not
// recovered: "Z" chunks are re-encoded at the zlib default level.
//
// This only reproduces the original file byte-for-byte when the source
// used one uniform chunk size and mode throughout — the common case for
// CDN-served archives, but not guaranteed in general. Callers that need
// exact recreation for verification should instead keep the original
// bytes; Recreate is for the case where only the decoded content and the
// original's chunking statistics are available (e.g. re-deriving an
// archive entry after a local re-encode).
func Recreate(original *File, decoded []byte) ([]byte, error) {
	mode, err := DetectMode(original)
	if err != nil {
		return nil, err
	}

	if len(original.Chunks) <= 1 {
		return Encode(decoded, EncodeOptions{Mode: mode})
	}

	total := 0
	for _, c := range original.Chunks {
		total += int(c.DecompressedSize)
	}
	avg := total / len(original.Chunks)
	if avg <= 0 {
		avg = len(decoded)
	}

	return Encode(decoded, EncodeOptions{Mode: mode, ChunkSize: avg})
}
