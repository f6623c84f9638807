package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rpcpool/ngdp-retrieval/archiveindex"
	"github.com/rpcpool/ngdp-retrieval/blte"
	"github.com/rpcpool/ngdp-retrieval/casc"
	"github.com/rpcpool/ngdp-retrieval/cdn"
	"github.com/rpcpool/ngdp-retrieval/ckey"
	"github.com/rpcpool/ngdp-retrieval/encoding"
	"github.com/rpcpool/ngdp-retrieval/ngdperr"
	"github.com/rpcpool/ngdp-retrieval/roottable"
)

// fakeCDN serves fixed bytes for a known (hash, offset, length) request,
// standing in for a real cdn.Client in tests that don't need HTTP.
type fakeCDN struct {
	byHash map[string][]byte
	gets   int
}

func (f *fakeCDN) Get(ctx context.Context, ct cdn.ContentType, hash string, start, length int64) ([]byte, error) {
	f.gets++
	full, ok := f.byHash[hash]
	if !ok {
		return nil, ngdperr.NotFound
	}
	if length <= 0 {
		return full, nil
	}
	return full[start : start+length], nil
}

func TestResolveFullPipeline(t *testing.T) {
	var ck ckey.CKey
	ck[0] = 0xAA
	var ek ckey.EKey
	ek[0] = 0xBB

	rootBytes := roottable.BuildFileV2(1, 1, roottable.BuildBlockV2(
		roottable.LocaleANY, 0, 0, 0,
		[]uint32{42}, []ckey.CKey{ck}, []uint64{0x1234},
	))
	root, err := roottable.Parse(rootBytes)
	require.NoError(t, err)

	encBytes := encoding.Build(map[ckey.CKey]encoding.Entry{
		ck: {Size: 100, EKeys: []ckey.EKey{ek}},
	})
	encTable, err := encoding.Parse(encBytes)
	require.NoError(t, err)

	payload := []byte("hello from the local store")
	blteBytes, err := blte.Encode(payload, blte.EncodeOptions{})
	require.NoError(t, err)

	dir := t.TempDir()
	store, err := casc.Open(dir, casc.DefaultOptions())
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Write(ek.Truncate(), blteBytes))

	orch := New(root, encTable, nil, &fakeCDN{byHash: map[string][]byte{}}, store, nil)

	got, err := orch.Resolve(context.Background(), Request{FileDataID: 42, HasFileDataID: true, LocaleFilter: roottable.LocaleANY})
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestResolveFallsBackToArchive(t *testing.T) {
	var ck ckey.CKey
	ck[0] = 0xCC
	var ek ckey.EKey
	ek[0] = 0xDD

	rootBytes := roottable.BuildFileV2(1, 1, roottable.BuildBlockV2(
		roottable.LocaleANY, 0, 0, 0,
		[]uint32{7}, []ckey.CKey{ck}, []uint64{0x9999},
	))
	root, err := roottable.Parse(rootBytes)
	require.NoError(t, err)

	encBytes := encoding.Build(map[ckey.CKey]encoding.Entry{
		ck: {Size: 50, EKeys: []ckey.EKey{ek}},
	})
	encTable, err := encoding.Parse(encBytes)
	require.NoError(t, err)

	payload := []byte("archived payload bytes")
	blteBytes, err := blte.Encode(payload, blte.EncodeOptions{})
	require.NoError(t, err)

	archiveHash := "feedfacefeedfacefeedfacefeedface"
	archiveBlob := append([]byte("padding-before-"), blteBytes...)
	offset := uint32(len("padding-before-"))

	indexBytes := archiveindex.Build(map[ckey.Truncated]archiveindex.Location{
		ek.Truncate(): {ArchiveOrdinal: 0, Offset: offset, Size: uint32(len(blteBytes))},
	})
	idx, err := archiveindex.Parse(indexBytes)
	require.NoError(t, err)
	merged := archiveindex.NewMerged([]string{archiveHash}, []*archiveindex.Index{idx})

	dir := t.TempDir()
	store, err := casc.Open(dir, casc.DefaultOptions())
	require.NoError(t, err)
	defer store.Close()

	fc := &fakeCDN{byHash: map[string][]byte{archiveHash: archiveBlob}}
	orch := New(root, encTable, merged, fc, store, nil)

	got, err := orch.Resolve(context.Background(), Request{FileDataID: 7, HasFileDataID: true, LocaleFilter: roottable.LocaleANY})
	require.NoError(t, err)
	require.Equal(t, payload, got)
	require.Equal(t, 1, fc.gets)

	// A second resolve should hit the now-populated local store and not
	// issue another CDN request.
	got2, err := orch.Resolve(context.Background(), Request{FileDataID: 7, HasFileDataID: true, LocaleFilter: roottable.LocaleANY})
	require.NoError(t, err)
	require.Equal(t, payload, got2)
	require.Equal(t, 1, fc.gets, "second resolve should be served from the local store cache")
}

func TestResolveMissingFileDataIDReturnsNotFound(t *testing.T) {
	rootBytes := roottable.BuildFileV2(0, 0)
	root, err := roottable.Parse(rootBytes)
	require.NoError(t, err)
	encTable, err := encoding.Parse(encoding.Build(nil))
	require.NoError(t, err)

	store, err := casc.Open(t.TempDir(), casc.DefaultOptions())
	require.NoError(t, err)
	defer store.Close()

	orch := New(root, encTable, nil, &fakeCDN{byHash: map[string][]byte{}}, store, nil)
	_, err = orch.Resolve(context.Background(), Request{FileDataID: 999, HasFileDataID: true, LocaleFilter: roottable.LocaleANY})
	require.Error(t, err)
}
