package roottable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rpcpool/ngdp-retrieval/ckey"
)

func rk(b byte) ckey.CKey {
	var k ckey.CKey
	for i := range k {
		k[i] = b
	}
	return k
}

// TestRootVersion2Decode matches spec.md §8 scenario 7 exactly: 3 records,
// content_flags_1=0, content_flags_2=0x80, content_flags_3=0x01,
// locale=ENUS|ENGB, deltas [10, 0, 0] -> file-data-ids 10, 11, 12;
// reconstructed content flags = 0x80 | (0x01 << 17).
func TestRootVersion2Decode(t *testing.T) {
	const localeENUS = 0x2
	const localeENGB = 0x200
	locale := uint32(localeENUS | localeENGB)

	ckeys := []ckey.CKey{rk(0xA1), rk(0xA2), rk(0xA3)}
	names := []uint64{1001, 1002, 1003}
	// BuildBlockV2 takes file-data-ids and delta-encodes them itself.
	ids := []uint32{10, 11, 12}
	require.Equal(t, []uint32{10, 0, 0}, EncodeDeltas(ids))
	block := BuildBlockV2(locale, 0, 0x80, 0x01, ids, ckeys, names)
	file := BuildFileV2(3, 3, block)

	table, err := Parse(file)
	require.NoError(t, err)
	require.Equal(t, V2, table.Version)
	require.Len(t, table.Blocks, 1)

	b := table.Blocks[0]
	require.Equal(t, locale, b.LocaleFlags)
	require.Equal(t, uint64(0x80|(0x01<<17)), b.ContentFlags)
	require.Len(t, b.Records, 3)
	require.EqualValues(t, 10, b.Records[0].FileDataID)
	require.EqualValues(t, 11, b.Records[1].FileDataID)
	require.EqualValues(t, 12, b.Records[2].FileDataID)
	require.Equal(t, ckeys[1], b.Records[1].CKey)
	require.True(t, b.Records[2].HasName)
	require.EqualValues(t, 1003, b.Records[2].NameHash)
}

func TestByFileDataIDLocaleANY(t *testing.T) {
	block := BuildBlockV2(0x2, 0, 0, 0, []uint32{5}, []ckey.CKey{rk(0x55)}, []uint64{42})
	file := BuildFileV2(1, 1, block)
	table, err := Parse(file)
	require.NoError(t, err)

	k, _, ok := table.ByFileDataID(5, LocaleANY, nil)
	require.True(t, ok)
	require.Equal(t, rk(0x55), k)
}

func TestByFileDataIDLocaleFilterExcludes(t *testing.T) {
	const localeKOKR = 0x4
	block := BuildBlockV2(localeKOKR, 0, 0, 0, []uint32{5}, []ckey.CKey{rk(0x55)}, []uint64{42})
	file := BuildFileV2(1, 1, block)
	table, err := Parse(file)
	require.NoError(t, err)

	const localeENUS = 0x2
	_, _, ok := table.ByFileDataID(5, localeENUS, nil)
	require.False(t, ok)
}

func TestDeltaRoundTrip(t *testing.T) {
	ids := []uint32{1, 3, 4, 100, 1000, 1001, 1002}
	deltas := EncodeDeltas(ids)
	require.Equal(t, ids, DecodeDeltas(deltas))
}
