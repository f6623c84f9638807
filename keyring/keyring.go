// Package keyring holds the 64-bit key-name to 16-byte symmetric key
// mapping used to decrypt BLTE "E" chunks. It is read-mostly: updates
// replace the entire map atomically (spec.md §5 "Shared-resource policy").
package keyring

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/rpcpool/ngdp-retrieval/ngdperr"
)

// KeySize is the byte width of a TACT symmetric key.
const KeySize = 16

// Key is a 16-byte symmetric key.
type Key [KeySize]byte

// Keyring resolves 64-bit key-names to their symmetric key. Lookups are
// non-blocking pure-memory reads (spec.md §5); the whole map is replaced on
// update via an atomic pointer swap so concurrent readers never observe a
// partial update.
type Keyring struct {
	keys atomic.Pointer[map[uint64]Key]
}

// New returns an empty keyring.
func New() *Keyring {
	kr := &Keyring{}
	empty := make(map[uint64]Key)
	kr.keys.Store(&empty)
	return kr
}

// Lookup returns the key for the given key-name, or ngdperr.KeyNotFound.
func (kr *Keyring) Lookup(keyName uint64) (Key, error) {
	m := *kr.keys.Load()
	k, ok := m[keyName]
	if !ok {
		return Key{}, ngdperr.KeyNotFound{KeyName: keyName}
	}
	return k, nil
}

// Put inserts or replaces a single key, preserving all others. This
// allocates a new map and swaps it in, keeping reads lock-free.
func (kr *Keyring) Put(keyName uint64, key Key) {
	old := *kr.keys.Load()
	next := make(map[uint64]Key, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[keyName] = key
	kr.keys.Store(&next)
}

// Replace atomically swaps in an entirely new key set, discarding the old
// one. This is the update path spec.md §5 describes for the orchestrator's
// "refresh the keyring and retry once" behavior on KeyNotFound.
func (kr *Keyring) Replace(keys map[uint64]Key) {
	clone := make(map[uint64]Key, len(keys))
	for k, v := range keys {
		clone[k] = v
	}
	kr.keys.Store(&clone)
}

// Len returns the number of keys currently held.
func (kr *Keyring) Len() int {
	return len(*kr.keys.Load())
}

// Load parses a keyring text file: lines of "key_name_hex key_hex",
// whitespace-separated, with "#"-prefixed comment lines ignored (spec.md
// §6 "Keyring file").
func Load(r io.Reader) (*Keyring, error) {
	kr := New()
	keys := make(map[uint64]Key)

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("keyring line %d: expected 2 fields, got %d", lineNo, len(fields))
		}
		nameBytes, err := hex.DecodeString(fields[0])
		if err != nil || len(nameBytes) != 8 {
			return nil, fmt.Errorf("keyring line %d: invalid key name %q", lineNo, fields[0])
		}
		var name uint64
		for _, b := range nameBytes {
			name = name<<8 | uint64(b)
		}
		keyBytes, err := hex.DecodeString(fields[1])
		if err != nil || len(keyBytes) != KeySize {
			return nil, fmt.Errorf("keyring line %d: invalid key %q", lineNo, fields[1])
		}
		var key Key
		copy(key[:], keyBytes)
		keys[name] = key
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("keyring: scan: %w", err)
	}
	kr.Replace(keys)
	return kr, nil
}
