package ckey

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCKeyRoundTrip(t *testing.T) {
	hexStr := strings.Repeat("ab", Size)
	k, err := ParseCKey(hexStr)
	require.NoError(t, err)
	require.Equal(t, hexStr, k.String())
}

func TestParseCKeyWrongLength(t *testing.T) {
	_, err := ParseCKey("abcd")
	require.Error(t, err)
}

func TestParseCKeyInvalidHex(t *testing.T) {
	_, err := ParseCKey(strings.Repeat("zz", Size))
	require.Error(t, err)
}

func TestEKeyTruncate(t *testing.T) {
	hexStr := "0011223344556677889900112233445566"[:32]
	k, err := ParseEKey(hexStr)
	require.NoError(t, err)
	trunc := k.Truncate()
	require.Equal(t, k.Bytes()[:TruncatedSize], trunc.Bytes())
	require.Len(t, trunc.Bytes(), TruncatedSize)
}

func TestShardPath(t *testing.T) {
	got := ShardPath("aabbccdd00112233445566778899aabb")
	require.Equal(t, "aa/bb/aabbccdd00112233445566778899aabb", got)
}

func TestShardPathShort(t *testing.T) {
	require.Equal(t, "ab", ShardPath("ab"))
}

func TestIsZero(t *testing.T) {
	var k CKey
	require.True(t, k.IsZero())
	k[0] = 1
	require.False(t, k.IsZero())
}
