package manifest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstallRoundTripV1(t *testing.T) {
	m := &Install{
		Version:    1,
		CKeyLength: 16,
		Tags: []Tag{
			{Name: "enUS", Type: TagLocale, Mask: []byte{0b00000011}},
		},
		Entries: []InstallEntry{
			{Path: "a.txt", CKey: bytes16(0x01), Size: 100},
			{Path: "b.txt", CKey: bytes16(0x02), Size: 200},
		},
	}
	parsed, err := ParseInstall(BuildInstall(m))
	require.NoError(t, err)
	require.Equal(t, m.Version, parsed.Version)
	require.Len(t, parsed.Entries, 2)
	require.Equal(t, "a.txt", parsed.Entries[0].Path)
	require.Equal(t, uint32(200), parsed.Entries[1].Size)
	require.False(t, parsed.Entries[0].HasFileType)

	idx := ByTag(parsed.Tags, "enUS", len(parsed.Entries))
	require.Equal(t, []int{0, 1}, idx)
}

func TestInstallRoundTripV2HasFileType(t *testing.T) {
	m := &Install{
		Version:    2,
		CKeyLength: 16,
		Entries: []InstallEntry{
			{Path: "bin/client.exe", CKey: bytes16(0x03), Size: 55, FileType: 7},
		},
	}
	parsed, err := ParseInstall(BuildInstall(m))
	require.NoError(t, err)
	require.True(t, parsed.Entries[0].HasFileType)
	require.Equal(t, byte(7), parsed.Entries[0].FileType)
}

func TestDownloadRoundTripV3WithChecksum(t *testing.T) {
	d := &Download{
		Version:      3,
		EKeyLength:   16,
		HasChecksum:  true,
		FlagSize:     1,
		BasePriority: -2,
		Entries: []DownloadEntry{
			{EKey: bytes16(0xAA), Size: 1 << 32, Priority: 3, Checksum: 0xDEADBEEF, HasChecksum: true, Flags: []byte{0x01}},
		},
	}
	parsed, err := ParseDownload(BuildDownload(d))
	require.NoError(t, err)
	require.Equal(t, byte(3), parsed.Version)
	require.Equal(t, int8(-2), parsed.BasePriority)
	require.Len(t, parsed.Entries, 1)
	require.Equal(t, uint64(1<<32), parsed.Entries[0].Size)
	require.Equal(t, uint32(0xDEADBEEF), parsed.Entries[0].Checksum)
	require.Equal(t, []byte{0x01}, parsed.Entries[0].Flags)
}

func TestDownloadRoundTripV1NoChecksum(t *testing.T) {
	d := &Download{
		Version:    1,
		EKeyLength: 16,
		Entries: []DownloadEntry{
			{EKey: bytes16(0xBB), Size: 42, Priority: 0},
		},
	}
	parsed, err := ParseDownload(BuildDownload(d))
	require.NoError(t, err)
	require.False(t, parsed.Entries[0].HasChecksum)
	require.Equal(t, uint64(42), parsed.Entries[0].Size)
}

func TestSizeRoundTripV2(t *testing.T) {
	s := &Size{
		Version:    2,
		EKeyLength: 9,
		TotalSize:  1 << 33,
		Entries: []SizeEntry{
			{EKey: bytes9(0x01), Size: 1000},
			{EKey: bytes9(0x02), Size: 2000},
		},
	}
	parsed, err := ParseSize(BuildSize(s))
	require.NoError(t, err)
	require.Equal(t, uint64(1<<33), parsed.TotalSize)
	require.Equal(t, byte(5), parsed.EsizeBytes)
	require.Len(t, parsed.Entries, 2)
	require.Equal(t, uint64(2000), parsed.Entries[1].Size)
}

func TestSizeRoundTripV1(t *testing.T) {
	s := &Size{
		Version:    1,
		EKeyLength: 9,
		TotalSize:  500,
		EsizeBytes: 4,
		Entries: []SizeEntry{
			{EKey: bytes9(0x03), Size: 500},
		},
	}
	parsed, err := ParseSize(BuildSize(s))
	require.NoError(t, err)
	require.Equal(t, byte(4), parsed.EsizeBytes)
	require.Equal(t, uint64(500), parsed.Entries[0].Size)
}

func bytes16(b byte) []byte {
	out := make([]byte, 16)
	for i := range out {
		out[i] = b
	}
	return out
}

func bytes9(b byte) []byte {
	out := make([]byte, 9)
	for i := range out {
		out[i] = b
	}
	return out
}
