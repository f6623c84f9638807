package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func hash(b byte) string {
	s := ""
	for i := 0; i < 16; i++ {
		s += string("0123456789abcdef"[b>>4]) + string("0123456789abcdef"[b&0xf])
	}
	return s
}

func TestParseBuildConfig(t *testing.T) {
	blob := "root = " + hash(0x01) + "\n" +
		"encoding = " + hash(0x02) + " " + hash(0x03) + "\n" +
		"install = " + hash(0x04) + "\n" +
		"download = " + hash(0x05) + "\n" +
		"build-name = 1.2.3.45678\n"

	bc, err := ParseBuildConfig(strings.NewReader(blob))
	require.NoError(t, err)
	require.Equal(t, hash(0x01), bc.Root.String())
	require.Equal(t, hash(0x02), bc.Encoding.String())
	require.Equal(t, hash(0x03), bc.EncodingSize.String())
	require.True(t, bc.HasInstall)
	require.True(t, bc.HasDownload)
	require.False(t, bc.HasSize)
	require.Equal(t, []string{"1.2.3.45678"}, bc.Field("build-name"))
}

func TestParseBuildConfigMissingRoot(t *testing.T) {
	_, err := ParseBuildConfig(strings.NewReader("encoding = " + hash(0x01) + "\n"))
	require.Error(t, err)
}

func TestParseCDNConfig(t *testing.T) {
	blob := "archives = aaa bbb ccc\n" +
		"archives-index-size = 100 200 300\n" +
		"archive-group = ggg\n"
	cc, err := ParseCDNConfig(strings.NewReader(blob))
	require.NoError(t, err)
	require.Equal(t, []string{"aaa", "bbb", "ccc"}, cc.Archives)
	require.Equal(t, []uint64{100, 200, 300}, cc.ArchivesIndexSize)
	require.Equal(t, "ggg", cc.ArchiveGroup)
}

func TestParsePatchConfig(t *testing.T) {
	blob := "patch = " + hash(0x09) + "\n" + "patch-entry = " + hash(0x0a) + "\n"
	pc, err := ParsePatchConfig(strings.NewReader(blob))
	require.NoError(t, err)
	require.Equal(t, hash(0x09), pc.Patch.String())
	require.Equal(t, hash(0x0a), pc.PatchEntry.String())
}
