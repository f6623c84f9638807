// Package cdn implements the streaming NGDP CDN client: host failover,
// range coalescing, a progressive file view, and a per-host connection
// pool with a circuit breaker (spec.md §4.3 "Streaming CDN Client").
package cdn

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/rpcpool/ngdp-retrieval/ngdperr"
)

// ContentType selects which tenant-path subdirectory a hash is served
// from (spec.md §6 "CDN URL schema").
type ContentType string

const (
	ContentData  ContentType = "data"
	ContentConfig ContentType = "config"
	ContentPatch ContentType = "patch"
)

// Host is one candidate CDN server (spec.md §4.3 "Host selection").
type Host struct {
	Name          string
	SupportsHTTPS bool
	Priority      int
}

// HostList is an ordered, priority-sorted set of CDN hosts, with
// community fallback mirrors appended after the official list.
type HostList struct {
	hosts []Host
}

// NewHostList sorts hosts by ascending priority (lowest first), with
// HTTPS-capable hosts preferred among equal priorities.
func NewHostList(hosts []Host) HostList {
	sorted := append([]Host(nil), hosts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].SupportsHTTPS && !sorted[j].SupportsHTTPS
	})
	return HostList{hosts: sorted}
}

// WithFallbacks appends community mirror hosts after the official
// list, at lower priority than anything already present (spec.md
// SUPPLEMENTED FEATURES "CDN fallback mirror list": fallbacks are only
// ever tried after every official host has failed).
func (h HostList) WithFallbacks(fallbacks []Host) HostList {
	lowest := 0
	for _, host := range h.hosts {
		if host.Priority > lowest {
			lowest = host.Priority
		}
	}
	appended := append([]Host(nil), h.hosts...)
	for i, f := range fallbacks {
		f.Priority = lowest + 1 + i
		appended = append(appended, f)
	}
	return HostList{hosts: appended}
}

func (h HostList) scheme(host Host) string {
	if host.SupportsHTTPS {
		return "https"
	}
	return "http"
}

// Options configures a Client.
type Options struct {
	TenantPath       string
	MaxPerHost       int
	MaxTotal         int
	BaseBackoff      time.Duration
	MaxRetries       int
	ConnectTimeout   time.Duration
	ReadTimeout      time.Duration
	FailureThreshold int           // consecutive failures before a host's breaker opens
	CooldownWindow   time.Duration // how long an opened breaker stays open
	Coalesce         CoalesceOptions
}

// DefaultOptions matches spec.md §4.3's stated defaults.
func DefaultOptions(tenantPath string) Options {
	return Options{
		TenantPath:       tenantPath,
		MaxPerHost:       16,
		MaxTotal:         64,
		BaseBackoff:      1 * time.Second,
		MaxRetries:       5,
		ConnectTimeout:   10 * time.Second,
		ReadTimeout:      30 * time.Second,
		FailureThreshold: 5,
		CooldownWindow:   30 * time.Second,
		Coalesce:         DefaultCoalesceOptions(),
	}
}

// Client is the streaming CDN client: it resolves a content hash to
// bytes via failover across Hosts, coalescing range requests and
// caching results per resource.
type Client struct {
	hosts HostList
	opts  Options

	httpClient *http.Client

	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	caches   map[string]*rangeCache
}

// NewClient builds a Client over the given host list and per-host
// pooled transport (spec.md §4.3 "Connection pool": per-host pooled
// clients with a configurable max-per-host and max-total).
func NewClient(hosts HostList, opts Options) *Client {
	transport := &http.Transport{
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          opts.MaxTotal,
		MaxIdleConnsPerHost:   opts.MaxPerHost,
		MaxConnsPerHost:       opts.MaxPerHost,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{
		hosts: hosts,
		opts:  opts,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   opts.ConnectTimeout + opts.ReadTimeout,
		},
		breakers: make(map[string]*circuitBreaker),
		caches:   make(map[string]*rangeCache),
	}
}

func (c *Client) breaker(host string) *circuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[host]
	if !ok {
		b = newCircuitBreaker(c.opts.FailureThreshold, c.opts.CooldownWindow)
		c.breakers[host] = b
	}
	return b
}

func (c *Client) resourceKey(ct ContentType, hash string) string {
	return string(ct) + "/" + hash
}

// objectURL builds the sharded URL for a content hash (spec.md §6 "CDN
// URL schema"): {scheme}://{host}/{tenant_path}/{type}/{hash[0:2]}/
// {hash[2:4]}/{hash}[.index].
func objectURL(scheme, host, tenantPath string, ct ContentType, hash string, index bool) string {
	suffix := ""
	if index {
		suffix = ".index"
	}
	shard1, shard2 := hash, hash
	if len(hash) >= 4 {
		shard1, shard2 = hash[0:2], hash[2:4]
	}
	return fmt.Sprintf("%s://%s/%s/%s/%s/%s/%s%s", scheme, host, tenantPath, ct, shard1, shard2, hash, suffix)
}

// Get fetches the byte range [start, start+length) of one content
// object, trying each host in priority order until one succeeds
// (spec.md §4.3's `get` contract). length<=0 fetches the whole object.
func (c *Client) Get(ctx context.Context, ct ContentType, hash string, start, length int64) ([]byte, error) {
	cache := c.cacheFor(c.resourceKey(ct, hash), start+length)
	if cache != nil && length > 0 {
		return cache.fetchOrWait(ctx, start, length, func(ctx context.Context, s, l int64) ([]byte, error) {
			return c.fetchFromAnyHost(ctx, ct, hash, s, l, false)
		})
	}
	return c.fetchFromAnyHost(ctx, ct, hash, start, length, false)
}

// GetIndex fetches an archive's ".index" footer, which lives at a
// distinct URL from the archive's data (spec.md §4.2 "Archive index").
func (c *Client) GetIndex(ctx context.Context, ct ContentType, hash string) ([]byte, error) {
	return c.fetchFromAnyHost(ctx, ct, hash, 0, 0, true)
}

// GetRanges fetches a batch of byte ranges for one content object in
// as few HTTP requests as possible (spec.md §4.3 "Range coalescing"),
// returning one slice per input range in the same order regardless of
// how many underlying requests were actually issued.
func (c *Client) GetRanges(ctx context.Context, ct ContentType, hash string, ranges []Range) ([][]byte, error) {
	merged, err := Coalesce(ranges, c.opts.Coalesce)
	if err != nil {
		return nil, err
	}
	coalescedRangeCount.WithLabelValues(string(ct)).Observe(float64(len(merged)))

	fetched := make([]Range, len(merged))
	bodies := make([][]byte, len(merged))
	for i, r := range merged {
		data, err := c.Get(ctx, ct, hash, r.Start, r.length())
		if err != nil {
			return nil, err
		}
		fetched[i] = r
		bodies[i] = data
	}

	out := make([][]byte, len(ranges))
	for i, want := range ranges {
		for j, r := range fetched {
			if r.Start <= want.Start && r.End >= want.End {
				off := want.Start - r.Start
				out[i] = bodies[j][off : off+want.length()]
				break
			}
		}
	}
	return out, nil
}

func (c *Client) cacheFor(key string, sizeHint int64) *rangeCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	rc, ok := c.caches[key]
	if !ok {
		rc = newRangeCache(math.MaxInt64, key, 64*1024*1024)
		c.caches[key] = rc
	}
	if sizeHint > rc.size {
		rc.size = sizeHint
	}
	return rc
}

// fetchFromAnyHost tries every host in priority order, skipping any
// whose circuit breaker is open, wrapping each failure in
// ngdperr.CDNFailover before moving on (spec.md §4.3 "Host selection").
func (c *Client) fetchFromAnyHost(ctx context.Context, ct ContentType, hash string, start, length int64, index bool) ([]byte, error) {
	for _, host := range c.hosts.hosts {
		b := c.breaker(host.Name)
		isOpen := 0.0
		if !b.allow() {
			isOpen = 1.0
			circuitBreakerOpen.WithLabelValues(host.Name).Set(isOpen)
			continue
		}
		circuitBreakerOpen.WithLabelValues(host.Name).Set(isOpen)

		requestsByHost.WithLabelValues(host.Name).Inc()
		started := time.Now()
		data, err := c.fetchFromHost(ctx, host, ct, hash, start, length, index)
		requestLatencyHistogram.WithLabelValues(host.Name, string(ct)).Observe(time.Since(started).Seconds())
		if err == nil {
			b.recordSuccess()
			return data, nil
		}
		b.recordFailure()
		failoversByHost.WithLabelValues(host.Name).Inc()
		failover := ngdperr.CDNFailover{Host: host.Name, Inner: err}
		klog.V(4).Infof("%s", failover.Error())
	}
	return nil, ngdperr.AllCDNsFailed
}

// fetchFromHost performs one host attempt with retry/backoff for
// transient failures (spec.md §4.3 "Retry policy").
func (c *Client) fetchFromHost(ctx context.Context, host Host, ct ContentType, hash string, start, length int64, index bool) ([]byte, error) {
	url := objectURL(c.hosts.scheme(host), host.Name, c.opts.TenantPath, ct, hash, index)

	var lastErr error
	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(c.opts.BaseBackoff) * math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		data, err := c.doRequest(ctx, url, start, length)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) doRequest(ctx context.Context, url string, start, length int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	wantPartial := length > 0
	if wantPartial {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, start+length-1))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
		return io.ReadAll(resp.Body)
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return nil, &httpStatusError{code: resp.StatusCode, retryable: true}
	default:
		if resp.StatusCode >= 500 {
			return nil, &httpStatusError{code: resp.StatusCode, retryable: true}
		}
		return nil, &httpStatusError{code: resp.StatusCode, retryable: false}
	}
}

type httpStatusError struct {
	code      int
	retryable bool
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("cdn: unexpected status %d", e.code)
}

func isRetryable(err error) bool {
	if se, ok := err.(*httpStatusError); ok {
		return se.retryable
	}
	// Connection resets, timeouts, and other net errors surface as
	// generic errors from net/http; treat anything not explicitly
	// marked non-retryable as transient.
	return true
}
