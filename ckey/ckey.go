// Package ckey defines the fixed-width opaque hash types used to address
// NGDP content: content keys, encoding keys, and file-data-ids.
package ckey

import (
	"encoding/hex"
	"fmt"
)

// Size is the byte width of a full CKey or EKey (MD5-sized).
const Size = 16

// TruncatedSize is the byte width of a truncated EKey, as used by local
// CASC indices.
const TruncatedSize = 9

// CKey is the content key: a 16-byte identifier of uncompressed file
// contents.
type CKey [Size]byte

// EKey is the encoding key: a 16-byte identifier of a BLTE-encoded blob.
type EKey [Size]byte

// Truncated is the first 9 bytes of an EKey, used by local CASC indices.
type Truncated [TruncatedSize]byte

// FileDataID is the file-data-id: an unsigned 32-bit content identifier.
type FileDataID uint32

// NameHash is a 64-bit Jenkins-hash-of-path variant used by the root table.
type NameHash uint64

// ParseCKey parses a hex string into a CKey. The string must decode to
// exactly Size bytes.
func ParseCKey(s string) (CKey, error) {
	var k CKey
	b, err := decodeHex(s, Size)
	if err != nil {
		return k, fmt.Errorf("ckey: %w", err)
	}
	copy(k[:], b)
	return k, nil
}

// ParseEKey parses a hex string into an EKey.
func ParseEKey(s string) (EKey, error) {
	var k EKey
	b, err := decodeHex(s, Size)
	if err != nil {
		return k, fmt.Errorf("ekey: %w", err)
	}
	copy(k[:], b)
	return k, nil
}

func decodeHex(s string, want int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q: %w", s, err)
	}
	if len(b) != want {
		return nil, fmt.Errorf("wrong length for %q: got %d bytes, want %d", s, len(b), want)
	}
	return b, nil
}

// String formats the key as lowercase hex.
func (k CKey) String() string { return hex.EncodeToString(k[:]) }

// String formats the key as lowercase hex.
func (k EKey) String() string { return hex.EncodeToString(k[:]) }

// String formats the truncated key as lowercase hex.
func (k Truncated) String() string { return hex.EncodeToString(k[:]) }

// Bytes returns a byte-slice view of the key.
func (k CKey) Bytes() []byte { return k[:] }

// Bytes returns a byte-slice view of the key.
func (k EKey) Bytes() []byte { return k[:] }

// Bytes returns a byte-slice view of the truncated key.
func (k Truncated) Bytes() []byte { return k[:] }

// IsZero reports whether the key is all-zero (the sentinel "unset" value).
func (k CKey) IsZero() bool { return k == CKey{} }

// IsZero reports whether the key is all-zero.
func (k EKey) IsZero() bool { return k == EKey{} }

// IsZero reports whether the truncated key is all-zero.
func (k Truncated) IsZero() bool { return k == Truncated{} }

// Truncate returns the first TruncatedSize bytes of the EKey, as used by
// local CASC indices.
func (k EKey) Truncate() Truncated {
	var t Truncated
	copy(t[:], k[:TruncatedSize])
	return t
}

// Shard returns the "AA/BB/AABBCCDD..." path-sharding directory components
// for the key, derived from the first four hex nibbles of its hex form.
// This is the on-disk and CDN-URL layout rule from spec.md §3/§6.
func Shard(hexHash string) (dir1, dir2 string) {
	if len(hexHash) < 4 {
		return "", ""
	}
	return hexHash[0:2], hexHash[2:4]
}

// ShardPath returns the full relative path "AA/BB/hexHash" for a hash in
// hex form, used both for CDN URL construction and local directory layout.
func ShardPath(hexHash string) string {
	d1, d2 := Shard(hexHash)
	if d1 == "" {
		return hexHash
	}
	return d1 + "/" + d2 + "/" + hexHash
}
