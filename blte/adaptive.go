package blte

import (
	"bytes"
	"math"
)

// Level pairs a chosen mode with a compression level, for modes where
// level is meaningful ("Z"). Modes "N" and "4" ignore Level.
type Level struct {
	Mode  byte
	Level int
}

var compressedMagics = [][]byte{
	{0x89, 'P', 'N', 'G'},       // PNG
	{0xFF, 0xD8, 0xFF},          // JPEG
	{'O', 'g', 'g', 'S'},        // OGG
	{'P', 'K', 0x03, 0x04},      // ZIP
	{0x1F, 0x8B},                // gzip
	{'R', 'I', 'F', 'F'},        // WAV/AVI (RIFF container)
}

var textMagics = [][]byte{
	{'{'}, {'['}, // JSON-ish
	{'<', '?', 'x', 'm', 'l'},
	{'<', 'h', 't', 'm', 'l'},
}

// SelectMode chooses an encode (mode, level) for payload by the rule table
// of spec.md §4.1: apply the first matching row, in order.
func SelectMode(payload []byte) Level {
	if len(payload) < 256 {
		return Level{Mode: ModeRaw}
	}

	ent := entropy(payload)
	if hasMagic(payload, compressedMagics) || ent > 0.95 {
		return Level{Mode: ModeRaw}
	}

	textLikelihood := textLikelihood(payload)
	if hasMagic(payload, textMagics) || textLikelihood > 0.85 {
		return Level{Mode: ModeZlib, Level: 6}
	}

	if zeroRatio(payload) > 0.3 {
		return Level{Mode: ModeZlib, Level: 9}
	}

	if repetitionRatio(payload) > 0.2 {
		return Level{Mode: ModeLZ4}
	}

	if ent < 0.7 && len(payload) > 10000 {
		return Level{Mode: ModeZlib, Level: 6}
	}
	if ent < 0.7 {
		return Level{Mode: ModeLZ4}
	}
	if ent < 0.85 {
		return Level{Mode: ModeLZ4}
	}
	return Level{Mode: ModeRaw}
}

func hasMagic(payload []byte, magics [][]byte) bool {
	for _, m := range magics {
		if len(payload) >= len(m) && bytes.Equal(payload[:len(m)], m) {
			return true
		}
	}
	return false
}

// entropy returns the normalized (0..1) Shannon entropy of payload's byte
// distribution, sampling up to 64 KiB for large inputs.
func entropy(payload []byte) float64 {
	sample := payload
	if len(sample) > 65536 {
		sample = sample[:65536]
	}
	var counts [256]int
	for _, b := range sample {
		counts[b]++
	}
	n := float64(len(sample))
	if n == 0 {
		return 0
	}
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h / 8.0 // normalize against 8 bits/byte maximum entropy
}

func zeroRatio(payload []byte) float64 {
	sample := payload
	if len(sample) > 65536 {
		sample = sample[:65536]
	}
	if len(sample) == 0 {
		return 0
	}
	zeros := 0
	for _, b := range sample {
		if b == 0 {
			zeros++
		}
	}
	return float64(zeros) / float64(len(sample))
}

// repetitionRatio estimates run-length repetition: the fraction of bytes
// that repeat their immediate predecessor, over a bounded sample.
func repetitionRatio(payload []byte) float64 {
	sample := payload
	if len(sample) > 65536 {
		sample = sample[:65536]
	}
	if len(sample) < 2 {
		return 0
	}
	repeats := 0
	for i := 1; i < len(sample); i++ {
		if sample[i] == sample[i-1] {
			repeats++
		}
	}
	return float64(repeats) / float64(len(sample)-1)
}

// textLikelihood estimates the fraction of a sample that is printable
// ASCII or common whitespace, a cheap proxy for "this is a text format".
func textLikelihood(payload []byte) float64 {
	sample := payload
	if len(sample) > 65536 {
		sample = sample[:65536]
	}
	if len(sample) == 0 {
		return 0
	}
	printable := 0
	for _, b := range sample {
		if (b >= 0x20 && b < 0x7F) || b == '\n' || b == '\r' || b == '\t' {
			printable++
		}
	}
	return float64(printable) / float64(len(sample))
}
