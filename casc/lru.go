package casc

import (
	"container/list"
	"encoding/binary"
	"sync"

	"github.com/rpcpool/ngdp-retrieval/ckey"
	"github.com/rpcpool/ngdp-retrieval/ngdperr"
)

// lru tracks stored-blob access recency for eviction, as a doubly-linked
// list keyed by truncated EKey, grounded on the same container/list LRU
// shape used by the CDN range cache (range-cache/range-cache.go). Each
// touch stamps the entry with the next value of a 64-bit generation
// counter that never settles at zero, so a checkpoint file can always
// distinguish "touched at generation 0" from "never checkpointed".
type lru struct {
	mu         sync.Mutex
	list       *list.List
	elements   map[ckey.Truncated]*list.Element
	generation uint64
}

type lruNode struct {
	key        ckey.Truncated
	generation uint64
}

func newLRU() *lru {
	return &lru{
		list:     list.New(),
		elements: make(map[ckey.Truncated]*list.Element),
	}
}

func (l *lru) nextGeneration() uint64 {
	l.generation++
	if l.generation == 0 {
		l.generation = 1
	}
	return l.generation
}

// touch marks key as most-recently-used, inserting it if absent.
func (l *lru) touch(key ckey.Truncated) {
	l.mu.Lock()
	defer l.mu.Unlock()
	gen := l.nextGeneration()
	if e, ok := l.elements[key]; ok {
		e.Value.(*lruNode).generation = gen
		l.list.MoveToFront(e)
		return
	}
	e := l.list.PushFront(&lruNode{key: key, generation: gen})
	l.elements[key] = e
}

// remove drops key from LRU tracking entirely, e.g. after a manual evict.
func (l *lru) remove(key ckey.Truncated) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.elements[key]; ok {
		l.list.Remove(e)
		delete(l.elements, key)
	}
}

// evictTail pops the least-recently-used key, or ok=false if empty.
func (l *lru) evictTail() (ckey.Truncated, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.list.Back()
	if e == nil {
		return ckey.Truncated{}, false
	}
	node := e.Value.(*lruNode)
	l.list.Remove(e)
	delete(l.elements, node.key)
	return node.key, true
}

func (l *lru) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.list.Len()
}

const lruCheckpointRecordSize = ckey.TruncatedSize + 8

// checkpointToDisk serializes the LRU order (most-recently-used first)
// and each entry's generation stamp to bytes, for durability across
// restarts without replaying every access.
func (l *lru) checkpointToDisk() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf := make([]byte, 0, l.list.Len()*lruCheckpointRecordSize)
	for e := l.list.Front(); e != nil; e = e.Next() {
		node := e.Value.(*lruNode)
		rec := make([]byte, lruCheckpointRecordSize)
		copy(rec, node.key[:])
		binary.LittleEndian.PutUint64(rec[ckey.TruncatedSize:], node.generation)
		buf = append(buf, rec...)
	}
	return buf
}

// loadFromDisk restores LRU order from a checkpoint written by
// checkpointToDisk. Records are replayed from the last (least recently
// used) to the first, each pushed to the front, which reconstructs the
// original front-to-back ordering.
func (l *lru) loadFromDisk(data []byte) error {
	if len(data)%lruCheckpointRecordSize != 0 {
		return ngdperr.LRUCorrupt{Detail: "checkpoint length not a multiple of the record size"}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list.Init()
	l.elements = make(map[ckey.Truncated]*list.Element)

	n := len(data) / lruCheckpointRecordSize
	var maxGen uint64
	for i := n - 1; i >= 0; i-- {
		rec := data[i*lruCheckpointRecordSize : (i+1)*lruCheckpointRecordSize]
		var key ckey.Truncated
		copy(key[:], rec[:ckey.TruncatedSize])
		gen := binary.LittleEndian.Uint64(rec[ckey.TruncatedSize:])
		if gen > maxGen {
			maxGen = gen
		}
		e := l.list.PushFront(&lruNode{key: key, generation: gen})
		l.elements[key] = e
	}
	l.generation = maxGen
	return nil
}
