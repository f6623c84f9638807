package encoding

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rpcpool/ngdp-retrieval/ckey"
)

func ck(b byte) ckey.CKey {
	var k ckey.CKey
	for i := range k {
		k[i] = b
	}
	return k
}

func ek(b byte) ckey.EKey {
	var k ckey.EKey
	for i := range k {
		k[i] = b
	}
	return k
}

func TestBuildParseLookup(t *testing.T) {
	rows := map[ckey.CKey]Entry{
		ck(0x01): {Size: 100, EKeys: []ckey.EKey{ek(0x11)}},
		ck(0x02): {Size: 200, EKeys: []ckey.EKey{ek(0x22), ek(0x23)}},
		ck(0x03): {Size: 300, EKeys: []ckey.EKey{ek(0x33)}},
	}
	buf := Build(rows)

	table, err := Parse(buf)
	require.NoError(t, err)

	e, err := table.Lookup(ck(0x02))
	require.NoError(t, err)
	require.Equal(t, uint64(200), e.Size)
	require.Len(t, e.EKeys, 2)
	require.Equal(t, ek(0x22), e.EKeys[0])
	require.Equal(t, ek(0x23), e.EKeys[1])
}

func TestLookupMissingIsNotFound(t *testing.T) {
	rows := map[ckey.CKey]Entry{ck(0x01): {Size: 1, EKeys: []ckey.EKey{ek(0x01)}}}
	table, err := Parse(Build(rows))
	require.NoError(t, err)

	_, err = table.Lookup(ck(0xFF))
	require.Error(t, err)
}

func TestLookupOrderIndependent(t *testing.T) {
	rows := map[ckey.CKey]Entry{}
	for i := byte(1); i < 250; i += 7 {
		rows[ck(i)] = Entry{Size: uint64(i), EKeys: []ckey.EKey{ek(i)}}
	}
	buf := Build(rows)
	t1, err := Parse(buf)
	require.NoError(t, err)
	t2, err := Parse(buf)
	require.NoError(t, err)

	for k := range rows {
		e1, err1 := t1.Lookup(k)
		e2, err2 := t2.Lookup(k)
		require.NoError(t, err1)
		require.NoError(t, err2)
		require.Equal(t, e1, e2)
	}
}

func TestMultiPageSpan(t *testing.T) {
	rows := map[ckey.CKey]Entry{}
	// Force many pages: each entry is large relative to a small PageSize
	// would be needed, but PageSize is fixed at 4096; use enough distinct
	// large-EKey-count rows to span multiple pages.
	for i := byte(1); i < 255; i++ {
		rows[ck(i)] = Entry{Size: uint64(i), EKeys: []ckey.EKey{ek(i), ek(i + 1)}}
	}
	buf := Build(rows)
	table, err := Parse(buf)
	require.NoError(t, err)
	require.True(t, table.PageCount() >= 1)

	for k, want := range rows {
		got, err := table.Lookup(k)
		require.NoError(t, err)
		require.Equal(t, want.Size, got.Size)
	}
}
