package cdn

import (
	"context"
	"sync"
)

// DefaultChunkSize is the fixed chunk width progressive files are
// served in (spec.md §4.3 "Progressive file": "served lazily in
// fixed-size chunks (default 256 KiB)").
const DefaultChunkSize = 256 * 1024

// MinProgressiveSize is the minimum effective size at which progressive
// mode is used at all (spec.md §4.3).
const MinProgressiveSize = 1024 * 1024

// SizeHintKind distinguishes how confidently the caller knows a
// content object's total size before any bytes are fetched.
type SizeHintKind int

const (
	SizeUnknown SizeHintKind = iota
	SizeExact
	SizeEstimated
	SizeMinimum
)

// SizeHint is the caller's best knowledge of a content object's total
// size, used to decide whether progressive mode should engage at all.
type SizeHint struct {
	Kind       SizeHintKind
	Size       int64
	Confidence float64 // only meaningful when Kind == SizeEstimated
}

// UseProgressive reports whether SizeHint justifies progressive
// delivery (spec.md §4.3: "enabled when the effective size >=
// min_progressive_size ... and confidence >= 0.5 when estimated").
func (h SizeHint) UseProgressive() bool {
	switch h.Kind {
	case SizeUnknown:
		return false
	case SizeEstimated:
		return h.Confidence >= 0.5 && h.Size >= MinProgressiveSize
	default: // Exact, Minimum
		return h.Size >= MinProgressiveSize
	}
}

// ProgressiveStats reports a progressive file's residency and fetch
// activity, for diagnostics and metrics.
type ProgressiveStats struct {
	TotalChunks    int
	ResidentChunks int
	BytesFetched   int64
	ChunkLoads     int64
}

// ProgressiveFile is a lazily-populated view over one CDN content
// object's bytes: reads below the chunk boundary only fetch the
// chunks they actually touch, and prefetch may pull ahead of the
// read cursor (spec.md §4.3 "Progressive file").
type ProgressiveFile struct {
	client      *Client
	ct          ContentType
	hash        string
	size        int64
	chunkSize   int64
	maxPrefetch int

	mu       sync.Mutex
	chunks   map[int64][]byte
	inFlight map[int64]*sync.WaitGroup
	loads    int64
}

// OpenProgressive constructs a ProgressiveFile if hint justifies
// progressive mode; callers whose hint says no should instead issue a
// plain Get for the whole object.
func (c *Client) OpenProgressive(ct ContentType, hash string, hint SizeHint, maxPrefetchChunks int) *ProgressiveFile {
	return &ProgressiveFile{
		client:      c,
		ct:          ct,
		hash:        hash,
		size:        hint.Size,
		chunkSize:   DefaultChunkSize,
		maxPrefetch: maxPrefetchChunks,
		chunks:      make(map[int64][]byte),
		inFlight:    make(map[int64]*sync.WaitGroup),
	}
}

func (p *ProgressiveFile) chunkIndex(offset int64) int64 { return offset / p.chunkSize }

func (p *ProgressiveFile) chunkRange(idx int64) Range {
	start := idx * p.chunkSize
	end := start + p.chunkSize
	if p.size > 0 && end > p.size {
		end = p.size
	}
	return Range{Start: start, End: end}
}

// Read returns [offset, offset+length) of the underlying object,
// loading only the chunks that intersect the request and sharing one
// in-flight load per chunk across concurrent callers (spec.md §4.3:
// "Concurrent reads on the same chunk share one in-flight load").
func (p *ProgressiveFile) Read(ctx context.Context, offset, length int64) ([]byte, error) {
	firstChunk := p.chunkIndex(offset)
	lastChunk := p.chunkIndex(offset + length - 1)

	for idx := firstChunk; idx <= lastChunk; idx++ {
		if err := p.ensureChunk(ctx, idx); err != nil {
			return nil, err
		}
	}
	p.prefetch(ctx, lastChunk+1)

	out := make([]byte, 0, length)
	for idx := firstChunk; idx <= lastChunk; idx++ {
		p.mu.Lock()
		chunk := p.chunks[idx]
		p.mu.Unlock()

		r := p.chunkRange(idx)
		start := r.Start
		end := r.End
		lo := offset
		if lo < start {
			lo = start
		}
		hi := offset + length
		if hi > end {
			hi = end
		}
		if lo >= hi {
			continue
		}
		out = append(out, chunk[lo-start:hi-start]...)
	}
	return out, nil
}

func (p *ProgressiveFile) ensureChunk(ctx context.Context, idx int64) error {
	p.mu.Lock()
	if _, ok := p.chunks[idx]; ok {
		p.mu.Unlock()
		return nil
	}
	if wg, ok := p.inFlight[idx]; ok {
		p.mu.Unlock()
		wg.Wait()
		return nil
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	p.inFlight[idx] = wg
	p.mu.Unlock()

	r := p.chunkRange(idx)
	data, err := p.client.Get(ctx, p.ct, p.hash, r.Start, r.length())

	p.mu.Lock()
	if err == nil {
		p.chunks[idx] = data
		p.loads++
	}
	delete(p.inFlight, idx)
	p.mu.Unlock()
	wg.Done()

	return err
}

// prefetch speculatively loads up to maxPrefetch chunks ahead of the
// read cursor without blocking the caller.
func (p *ProgressiveFile) prefetch(ctx context.Context, from int64) {
	if p.maxPrefetch <= 0 {
		return
	}
	totalChunks := p.totalChunks()
	for i := 0; i < p.maxPrefetch; i++ {
		idx := from + int64(i)
		if totalChunks > 0 && idx >= totalChunks {
			break
		}
		p.mu.Lock()
		_, resident := p.chunks[idx]
		_, loading := p.inFlight[idx]
		p.mu.Unlock()
		if resident || loading {
			continue
		}
		go func(idx int64) {
			_ = p.ensureChunk(ctx, idx)
		}(idx)
	}
}

func (p *ProgressiveFile) totalChunks() int64 {
	if p.size <= 0 {
		return 0
	}
	return (p.size + p.chunkSize - 1) / p.chunkSize
}

// Stats reports current residency and fetch counters.
func (p *ProgressiveFile) Stats() ProgressiveStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var bytes int64
	for _, c := range p.chunks {
		bytes += int64(len(c))
	}
	return ProgressiveStats{
		TotalChunks:    int(p.totalChunks()),
		ResidentChunks: len(p.chunks),
		BytesFetched:   bytes,
		ChunkLoads:     p.loads,
	}
}
