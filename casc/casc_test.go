package casc

import (
	"crypto/rand"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rpcpool/ngdp-retrieval/ckey"
	"github.com/rpcpool/ngdp-retrieval/ngdperr"
)

// randomBytes generates n pseudo-random bytes, in the same crypto/rand
// idiom the teacher's store/testutil package uses for test fixtures.
func randomBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

func randomTruncatedKey() ckey.Truncated {
	var k ckey.Truncated
	copy(k[:], randomBytes(ckey.TruncatedSize))
	return k
}

func TestObjectHeaderRoundTrip(t *testing.T) {
	h := ObjectHeader{
		EKey:      randomTruncatedKey(),
		Size:      1234,
		Flags:     7,
		ChecksumA: 0xdeadbeef,
		ChecksumB: 0xcafef00d,
	}
	got, err := DecodeObjectHeader(h.Encode())
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestObjectHeaderTruncated(t *testing.T) {
	_, err := DecodeObjectHeader(make([]byte, HeaderSize-1))
	require.Error(t, err)
}

func TestFreeListFirstFitSplitsRemainder(t *testing.T) {
	fl := newFreeList()
	fl.put(freeBlock{fileIndex: 0, offset: 100, size: 64})

	block, ok := fl.get(10)
	require.True(t, ok)
	require.Equal(t, int64(100), block.offset)
	require.Equal(t, int64(10), block.size)

	// The 54-byte remainder should now be available for a second
	// allocation that fits within it.
	block2, ok := fl.get(40)
	require.True(t, ok)
	require.Equal(t, int64(110), block2.offset)
}

func TestFreeListNoFitReturnsFalse(t *testing.T) {
	fl := newFreeList()
	fl.put(freeBlock{fileIndex: 0, offset: 0, size: 4})
	_, ok := fl.get(100)
	require.False(t, ok)
}

func TestIdxSlotRotationKeepsOnlyLatestGeneration(t *testing.T) {
	dir := t.TempDir()
	slot := idxSlot{dir: dir, bucket: 3}

	require.NoError(t, slot.rotate([]byte("gen1")))
	data, ok, err := slot.read()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "gen1", string(data))

	require.NoError(t, slot.rotate([]byte("gen2")))
	data, ok, err = slot.read()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "gen2", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "stale generation should have been unlinked")
}

func TestLRUTouchAndEvictTail(t *testing.T) {
	l := newLRU()
	a := randomTruncatedKey()
	b := randomTruncatedKey()
	c := randomTruncatedKey()

	l.touch(a)
	l.touch(b)
	l.touch(c)
	l.touch(a) // a is now MRU again

	require.Equal(t, 3, l.len())
	evicted, ok := l.evictTail()
	require.True(t, ok)
	require.Equal(t, b, evicted, "b is least recently used after a was re-touched")
	require.Equal(t, 2, l.len())
}

func TestLRUCheckpointRoundTrip(t *testing.T) {
	l := newLRU()
	keys := []ckey.Truncated{randomTruncatedKey(), randomTruncatedKey(), randomTruncatedKey()}
	for _, k := range keys {
		l.touch(k)
	}

	data := l.checkpointToDisk()

	restored := newLRU()
	require.NoError(t, restored.loadFromDisk(data))
	require.Equal(t, l.len(), restored.len())

	evictedOrig, _ := l.evictTail()
	evictedRestored, _ := restored.evictTail()
	require.Equal(t, evictedOrig, evictedRestored)
}

func TestShmemCreateAndValidate(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/shmem"

	sc, err := createShmem(path, ShmemV5, true)
	require.NoError(t, err)
	require.NoError(t, sc.validateForBind())
	require.False(t, sc.exclusiveAccess())
	require.NoError(t, sc.close())

	sc2, err := openShmem(path, ShmemV5)
	require.NoError(t, err)
	require.NoError(t, sc2.validateForBind())
	require.NoError(t, sc2.close())
}

func TestShmemProcessTrackingLifecycle(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/shmem"
	sc, err := createShmem(path, ShmemV5, true)
	require.NoError(t, err)
	defer sc.close()

	require.NoError(t, sc.addProcess(111, false))
	require.NoError(t, sc.addProcess(222, true))

	slots, hasWriter := sc.recount()
	require.Len(t, slots, 2)
	require.True(t, hasWriter)

	require.NoError(t, sc.removeProcess(111))
	slots, hasWriter = sc.recount()
	require.Len(t, slots, 1)
	require.False(t, hasWriter)
}

func TestShmemExclusiveAccessRejectsBind(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/shmem"

	sc, err := createShmem(path, ShmemV5, true)
	require.NoError(t, err)
	sc.mapping[offExclusiveAccess] = 1
	require.NoError(t, sc.mapping.Flush())
	require.NoError(t, sc.close())

	_, err = openShmem(path, ShmemV5)
	require.Error(t, err)
	var invalid ngdperr.ShmemInvalid
	require.True(t, errors.As(err, &invalid))
	require.Equal(t, "exclusive", invalid.Detail)
}

func TestShmemGenerationAdvancesOnAddRemove(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/shmem"
	sc, err := createShmem(path, ShmemV5, true)
	require.NoError(t, err)
	defer sc.close()

	before := sc.generation()
	require.NoError(t, sc.addProcess(333, false))
	require.NoError(t, sc.removeProcess(333))
	after := sc.generation()

	require.GreaterOrEqual(t, after, before+2)

	slots, hasWriter := sc.recount()
	require.Empty(t, slots)
	require.False(t, hasWriter)
}

func TestStoreWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, DefaultOptions())
	require.NoError(t, err)
	defer store.Close()

	key := randomTruncatedKey()
	body := randomBytes(4096)
	require.NoError(t, store.Write(key, body))

	got, err := store.Read(key)
	require.NoError(t, err)
	require.Equal(t, body, got)
}

func TestStoreReadMissingReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, DefaultOptions())
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Read(randomTruncatedKey())
	require.Error(t, err)
}

func TestStoreFlushPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, DefaultOptions())
	require.NoError(t, err)

	key := randomTruncatedKey()
	body := randomBytes(256)
	require.NoError(t, store.Write(key, body))
	require.NoError(t, store.Close())

	reopened, err := Open(dir, DefaultOptions())
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Read(key)
	require.NoError(t, err)
	require.Equal(t, body, got)
}

func TestStoreCleanupLRUReclaimsSpace(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, DefaultOptions())
	require.NoError(t, err)
	defer store.Close()

	for i := 0; i < 4; i++ {
		require.NoError(t, store.Write(randomTruncatedKey(), randomBytes(512)))
	}

	evicted, err := store.CleanupLRU(512)
	require.NoError(t, err)
	require.Greater(t, evicted, uint64(0))
	require.Greater(t, store.free.len(), 0)
}
