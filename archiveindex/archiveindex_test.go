package archiveindex

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rpcpool/ngdp-retrieval/ckey"
)

func tk(b byte) ckey.Truncated {
	var t ckey.Truncated
	for i := range t {
		t[i] = b
	}
	return t
}

func TestBuildParseLookup(t *testing.T) {
	rows := map[ckey.Truncated]Location{
		tk(0x01): {Offset: 0, Size: 100},
		tk(0x02): {Offset: 100, Size: 200},
		tk(0x03): {Offset: 300, Size: 50},
	}
	buf := Build(rows)
	idx, err := Parse(buf)
	require.NoError(t, err)

	loc, err := idx.Lookup(tk(0x02))
	require.NoError(t, err)
	require.Equal(t, uint32(100), loc.Offset)
	require.Equal(t, uint32(200), loc.Size)
}

func TestLookupMissing(t *testing.T) {
	rows := map[ckey.Truncated]Location{tk(0x01): {Offset: 0, Size: 1}}
	idx, err := Parse(Build(rows))
	require.NoError(t, err)
	_, err = idx.Lookup(tk(0xFF))
	require.Error(t, err)
}

func TestMergedLookupAcrossArchives(t *testing.T) {
	idx1, err := Parse(Build(map[ckey.Truncated]Location{tk(0x01): {Offset: 0, Size: 1}}))
	require.NoError(t, err)
	idx2, err := Parse(Build(map[ckey.Truncated]Location{tk(0x02): {Offset: 10, Size: 2}}))
	require.NoError(t, err)

	m := NewMerged([]string{"arch-a", "arch-b"}, []*Index{idx1, idx2})

	name, loc, err := m.Lookup(tk(0x02))
	require.NoError(t, err)
	require.Equal(t, "arch-b", name)
	require.Equal(t, uint32(10), loc.Offset)

	_, _, err = m.Lookup(tk(0xFF))
	require.Error(t, err)
}
