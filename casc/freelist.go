package casc

import (
	"math/bits"
	"sort"
	"sync"
)

// freeBlock is one reclaimed span of bytes within a data file, available
// for reuse by a future write (spec.md §4.4 "Free-space table").
type freeBlock struct {
	fileIndex int
	offset    int64
	size      int64
}

// freeList buckets reclaimed spans by power-of-two size class for
// first-fit allocation, splitting the remainder of an oversized block
// back into the table (spec.md §4.4: "first-fit within the smallest
// power-of-two bucket that satisfies the request; remainder is split back
// into the table"). The bucketed design generalizes the teacher's
// FreeList, which only ever appends reclaimed (offset, size) pairs to one
// flat on-disk log without reuse-aware lookup.
type freeList struct {
	mu      sync.Mutex
	buckets map[int][]freeBlock // bucket index -> blocks of size in (2^(idx-1), 2^idx]
}

func newFreeList() *freeList {
	return &freeList{buckets: make(map[int][]freeBlock)}
}

func bucketFor(size int64) int {
	if size <= 1 {
		return 0
	}
	return bits.Len64(uint64(size - 1))
}

// put adds a reclaimed span back to the table.
func (f *freeList) put(b freeBlock) {
	if b.size <= 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := bucketFor(b.size)
	f.buckets[idx] = append(f.buckets[idx], b)
}

// get finds a first-fit block for the requested size within the smallest
// bucket that can satisfy it, splitting and returning any remainder to
// the table. Returns ok=false if no block is available.
func (f *freeList) get(size int64) (freeBlock, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	start := bucketFor(size)
	var keys []int
	for k := range f.buckets {
		if k >= start {
			keys = append(keys, k)
		}
	}
	sort.Ints(keys)

	for _, idx := range keys {
		blocks := f.buckets[idx]
		for i, b := range blocks {
			if b.size < size {
				continue
			}
			f.buckets[idx] = append(blocks[:i], blocks[i+1:]...)
			remainder := b.size - size
			if remainder > 0 {
				rem := freeBlock{fileIndex: b.fileIndex, offset: b.offset + size, size: remainder}
				f.buckets[bucketFor(remainder)] = append(f.buckets[bucketFor(remainder)], rem)
			}
			b.size = size
			return b, true
		}
	}
	return freeBlock{}, false
}

// len reports the total number of tracked free spans, for diagnostics.
func (f *freeList) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, blocks := range f.buckets {
		n += len(blocks)
	}
	return n
}
