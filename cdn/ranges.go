package cdn

import (
	"sort"

	"github.com/rpcpool/ngdp-retrieval/ngdperr"
)

// Range is a half-open byte interval [Start, End) within one CDN object.
type Range struct {
	Start int64
	End   int64
}

func (r Range) length() int64 { return r.End - r.Start }

func (r Range) intersects(o Range) bool { return r.Start < o.End && r.End > o.Start }

func (r Range) isAdjacentWithin(o Range, gap int64) bool {
	if r.Start <= o.Start {
		return o.Start-r.End <= gap
	}
	return r.Start-o.End <= gap
}

// CoalesceOptions bounds how aggressively Coalesce merges and splits ranges.
type CoalesceOptions struct {
	// CoalesceThreshold merges ranges separated by a gap no larger than
	// this many bytes, trading wasted transfer for fewer round-trips.
	CoalesceThreshold int64
	// MaxRangeSize splits any merged range longer than this back apart.
	MaxRangeSize int64
	// MaxRanges fails the coalesce if more than this many requests would
	// still be needed after merging and splitting.
	MaxRanges int
}

// DefaultCoalesceOptions matches spec.md §4.3's stated defaults: a 64 KiB
// coalescing gap and an 8 MiB maximum single-range size.
func DefaultCoalesceOptions() CoalesceOptions {
	return CoalesceOptions{
		CoalesceThreshold: 64 * 1024,
		MaxRangeSize:      8 * 1024 * 1024,
		MaxRanges:         64,
	}
}

// Coalesce reduces a multiset of desired ranges into an equivalent,
// smaller set of HTTP range requests (spec.md §4.3 "Range coalescing"):
// sort by start, merge overlapping or near-adjacent ranges, then split
// anything that grew past MaxRangeSize. Fails if the result still
// exceeds MaxRanges.
func Coalesce(ranges []Range, opts CoalesceOptions) ([]Range, error) {
	if len(ranges) == 0 {
		return nil, nil
	}
	sorted := append([]Range(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	merged := []Range{sorted[0]}
	for _, r := range sorted[1:] {
		last := &merged[len(merged)-1]
		if r.intersects(*last) || r.isAdjacentWithin(*last, opts.CoalesceThreshold) {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}

	var split []Range
	for _, r := range merged {
		if opts.MaxRangeSize <= 0 || r.length() <= opts.MaxRangeSize {
			split = append(split, r)
			continue
		}
		for start := r.Start; start < r.End; start += opts.MaxRangeSize {
			end := start + opts.MaxRangeSize
			if end > r.End {
				end = r.End
			}
			split = append(split, Range{Start: start, End: end})
		}
	}

	if opts.MaxRanges > 0 && len(split) > opts.MaxRanges {
		return nil, ngdperr.RangeCoalescingFailed{RangeCount: len(split), MaxRanges: opts.MaxRanges}
	}
	return split, nil
}
