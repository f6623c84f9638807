package cdn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCoalesceMergesOverlapAndAdjacent(t *testing.T) {
	ranges := []Range{
		{Start: 100, End: 200},
		{Start: 150, End: 250},
		{Start: 260, End: 300}, // within the 64 KiB default gap of the above
		{Start: 1_000_000, End: 1_000_100},
	}
	out, err := Coalesce(ranges, DefaultCoalesceOptions())
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, Range{Start: 100, End: 300}, out[0])
	require.Equal(t, Range{Start: 1_000_000, End: 1_000_100}, out[1])
}

func TestCoalesceSplitsOversizedRanges(t *testing.T) {
	opts := CoalesceOptions{CoalesceThreshold: 0, MaxRangeSize: 10, MaxRanges: 100}
	out, err := Coalesce([]Range{{Start: 0, End: 25}}, opts)
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, Range{Start: 0, End: 10}, out[0])
	require.Equal(t, Range{Start: 20, End: 25}, out[2])
}

func TestCoalesceFailsOverMaxRanges(t *testing.T) {
	opts := CoalesceOptions{MaxRangeSize: 1 << 30, MaxRanges: 1}
	_, err := Coalesce([]Range{{Start: 0, End: 10}, {Start: 1000, End: 1010}}, opts)
	require.Error(t, err)
}

func TestHostListSortsByPriorityThenHTTPS(t *testing.T) {
	hosts := NewHostList([]Host{
		{Name: "b", Priority: 10, SupportsHTTPS: false},
		{Name: "a", Priority: 10, SupportsHTTPS: true},
		{Name: "c", Priority: 5, SupportsHTTPS: false},
	})
	require.Equal(t, "c", hosts.hosts[0].Name)
	require.Equal(t, "a", hosts.hosts[1].Name)
	require.Equal(t, "b", hosts.hosts[2].Name)
}

func TestHostListFallbacksAppendedAfterOfficial(t *testing.T) {
	hosts := NewHostList([]Host{{Name: "official", Priority: 1}})
	withFallback := hosts.WithFallbacks([]Host{{Name: "mirror"}})
	require.Len(t, withFallback.hosts, 2)
	require.Equal(t, "official", withFallback.hosts[0].Name)
	require.Equal(t, "mirror", withFallback.hosts[1].Name)
	require.Greater(t, withFallback.hosts[1].Priority, withFallback.hosts[0].Priority)
}

func TestObjectURLShardsHash(t *testing.T) {
	url := objectURL("https", "cdn.example.com", "tpr/wow", ContentData, "abcdef0123456789", false)
	require.Equal(t, "https://cdn.example.com/tpr/wow/data/ab/cd/abcdef0123456789", url)
}

// TestFailoverToSecondHost reproduces spec.md §8 scenario 6: the first
// host returns 500, the second returns 200, and the client's final
// result comes from the second host.
func TestFailoverToSecondHost(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer good.Close()

	hosts := NewHostList([]Host{
		{Name: strings.TrimPrefix(bad.URL, "http://"), Priority: 10},
		{Name: strings.TrimPrefix(good.URL, "http://"), Priority: 20},
	})
	opts := DefaultOptions("tpr/test")
	opts.MaxRetries = 1
	opts.BaseBackoff = time.Millisecond
	client := NewClient(hosts, opts)

	data, err := client.Get(context.Background(), ContentData, "deadbeef", 0, 0)
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	b := newCircuitBreaker(2, 50*time.Millisecond)
	require.True(t, b.allow())
	b.recordFailure()
	require.True(t, b.allow())
	b.recordFailure()
	require.False(t, b.allow())

	time.Sleep(60 * time.Millisecond)
	require.True(t, b.allow()) // half-open probe allowed through
}

func TestProgressiveFileLoadsOnlyTouchedChunks(t *testing.T) {
	const chunkSize = 16
	full := "AAAAAAAAAAAAAAAABBBBBBBBBBBBBBBBCCCCCCCCCCCCCCCCDDDDDDDDDDDDDDDD"
	var gets int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gets++
		http.ServeContent(w, r, "", time.Time{}, strings.NewReader(full))
	}))
	defer server.Close()

	hosts := NewHostList([]Host{{Name: strings.TrimPrefix(server.URL, "http://"), Priority: 1}})
	client := NewClient(hosts, DefaultOptions("tpr/test"))

	pf := client.OpenProgressive(ContentData, "deadbeef", SizeHint{Kind: SizeExact, Size: int64(len(full))}, 0)
	pf.chunkSize = chunkSize

	got, err := pf.Read(context.Background(), 0, chunkSize)
	require.NoError(t, err)
	require.Equal(t, full[:chunkSize], string(got))

	stats := pf.Stats()
	require.Equal(t, 1, stats.ResidentChunks)
	require.Equal(t, 4, stats.TotalChunks)
	require.Equal(t, 1, gets)
}

func TestSizeHintUseProgressive(t *testing.T) {
	require.False(t, (SizeHint{Kind: SizeUnknown}).UseProgressive())
	require.False(t, (SizeHint{Kind: SizeEstimated, Size: 10 * 1024 * 1024, Confidence: 0.2}).UseProgressive())
	require.True(t, (SizeHint{Kind: SizeEstimated, Size: 10 * 1024 * 1024, Confidence: 0.9}).UseProgressive())
	require.True(t, (SizeHint{Kind: SizeExact, Size: 2 * 1024 * 1024}).UseProgressive())
	require.False(t, (SizeHint{Kind: SizeMinimum, Size: 10}).UseProgressive())
}
