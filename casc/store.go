package casc

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rpcpool/ngdp-retrieval/ckey"
	"github.com/rpcpool/ngdp-retrieval/metrics"
	"github.com/rpcpool/ngdp-retrieval/ngdperr"
)

// Options configures a Store.
type Options struct {
	MaxDataFileSize int64
	ShmemVersion    ShmemVersion
	PIDTracking     bool
}

// DefaultOptions matches spec.md §4.4's stated defaults.
func DefaultOptions() Options {
	return Options{
		MaxDataFileSize: DefaultMaxDataFileSize,
		ShmemVersion:    ShmemV5,
		PIDTracking:     true,
	}
}

// Store is the durable, content-addressed local CASC cache keyed by
// 9-byte truncated EKey (spec.md §4.4). Mutable state (the free-space
// table, idx slots, and LRU) is guarded by a single writer lock; readers
// of an idx pointer take only the short lock needed to look it up before
// releasing it for the actual data read, per spec.md §5's concurrency
// model.
type Store struct {
	root string
	dir  string
	opts Options

	mu         sync.Mutex
	dataFiles  map[int]*dataFile
	currentIdx int

	idx   *index
	free  *freeList
	lru   *lru
	shmem *shmemControl
}

// Open opens or initializes a CASC store rooted at root, loading its
// index, free-space table, LRU checkpoint, and shmem control block.
func Open(root string, opts Options) (*Store, error) {
	dir := filepath.Join(root, "data")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ngdperr.IO{Op: "mkdir", Path: dir, Err: err}
	}

	s := &Store{
		root:      root,
		dir:       dir,
		opts:      opts,
		dataFiles: make(map[int]*dataFile),
		idx:       newIndex(dir),
		free:      newFreeList(),
		lru:       newLRU(),
	}

	if err := s.idx.load(); err != nil {
		return nil, err
	}
	if err := s.loadLRUCheckpoint(); err != nil {
		return nil, err
	}

	df, idx, err := s.openOrCreateCurrentDataFile()
	if err != nil {
		return nil, err
	}
	s.dataFiles[idx] = df
	s.currentIdx = idx

	shmemPath := filepath.Join(dir, "shmem")
	sc, err := openShmem(shmemPath, opts.ShmemVersion)
	if err != nil {
		if os.IsNotExist(unwrapIO(err)) {
			sc, err = createShmem(shmemPath, opts.ShmemVersion, opts.PIDTracking)
		}
		if err != nil {
			return nil, err
		}
	}
	s.shmem = sc
	if err := s.shmem.addProcess(uint32(os.Getpid()), false); err != nil {
		return nil, err
	}

	return s, nil
}

// DiskCollector returns a Prometheus collector reporting I/O rates for
// the block device backing this store's data directory, for callers
// that want store disk pressure alongside the other retrieval metrics.
// It returns an error if the device cannot be determined (e.g. the
// store lives on a filesystem gopsutil cannot map to a partition).
func (s *Store) DiskCollector() (prometheus.Collector, error) {
	device, err := metrics.GetDeviceForDirectory(s.dir)
	if err != nil {
		return nil, err
	}
	return metrics.NewDiskCollector([]string{device}), nil
}

func unwrapIO(err error) error {
	if io, ok := err.(ngdperr.IO); ok {
		return io.Err
	}
	return err
}

var dataFileRE = regexp.MustCompile(`^data\.(\d{3})$`)

// openOrCreateCurrentDataFile finds the highest-numbered existing
// data.NNN file (creating data.000 if the store is empty) and opens it
// as the append target for new writes.
func (s *Store) openOrCreateCurrentDataFile() (*dataFile, int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, 0, ngdperr.IO{Op: "readdir", Path: s.dir, Err: err}
	}
	highest := -1
	for _, e := range entries {
		m := dataFileRE.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		if n > highest {
			highest = n
		}
	}
	if highest < 0 {
		highest = 0
	}
	df, err := openDataFile(s.dir, highest)
	if err != nil {
		return nil, 0, err
	}
	return df, highest, nil
}

func (s *Store) currentDataFile() (*dataFile, error) {
	df, ok := s.dataFiles[s.currentIdx]
	if ok {
		return df, nil
	}
	df, err := openDataFile(s.dir, s.currentIdx)
	if err != nil {
		return nil, err
	}
	s.dataFiles[s.currentIdx] = df
	return df, nil
}

func (s *Store) dataFileAt(index int) (*dataFile, error) {
	if df, ok := s.dataFiles[index]; ok {
		return df, nil
	}
	df, err := openDataFile(s.dir, index)
	if err != nil {
		return nil, err
	}
	s.dataFiles[index] = df
	return df, nil
}

// rollIfFull opens the next data.NNN file once the current one exceeds
// MaxDataFileSize, so writes never grow one file unboundedly.
func (s *Store) rollIfFull() error {
	df, err := s.currentDataFile()
	if err != nil {
		return err
	}
	if df.currentSize() < s.opts.MaxDataFileSize {
		return nil
	}
	if err := df.flush(); err != nil {
		return err
	}
	next := s.currentIdx + 1
	nf, err := openDataFile(s.dir, next)
	if err != nil {
		return err
	}
	s.dataFiles[next] = nf
	s.currentIdx = next
	return nil
}

// Read looks up ekey via the idx, reads its object header and payload
// from the owning data.NNN file, verifies the stored (reversed) EKey
// prefix matches, and marks the entry as most-recently-used.
func (s *Store) Read(ekey ckey.Truncated) ([]byte, error) {
	s.mu.Lock()
	entry, ok := s.idx.lookup(ekey)
	s.mu.Unlock()
	if !ok {
		return nil, ngdperr.NotFound
	}

	s.mu.Lock()
	df, err := s.dataFileAt(int(entry.FileIndex))
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	// The record may still sit in df's buffered writer, which readAt
	// bypasses; flush it first.
	if err := df.flush(); err != nil {
		return nil, err
	}

	header, body, err := df.readAt(entry.Offset, int64(entry.Size))
	if err != nil {
		return nil, err
	}
	if header.EKey != ekey {
		return nil, ngdperr.StoreCorrupt{Detail: fmt.Sprintf("header EKey %x does not match index entry for %x", header.EKey, ekey)}
	}

	s.lru.touch(ekey)
	return body, nil
}

// Write allocates space for body (first from the free-space table, or by
// appending to the current data.NNN file), writes the object header and
// payload, updates the in-memory idx slot, and marks the entry as MRU.
func (s *Store) Write(ekey ckey.Truncated, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := ObjectHeader{EKey: ekey, Size: uint32(len(body))}
	needed := int64(HeaderSize + len(body))

	if block, ok := s.free.get(needed); ok {
		df, err := s.dataFileAt(block.fileIndex)
		if err != nil {
			return err
		}
		// The reused extent may still be sitting in df's buffered
		// writer rather than on disk; flush before writing it
		// directly via WriteAt so the two paths never race.
		if err := df.flush(); err != nil {
			return err
		}
		buf := append(h.Encode(), body...)
		if len(buf) < int(block.size) {
			buf = append(buf, make([]byte, int(block.size)-len(buf))...)
		}
		if _, err := df.file.WriteAt(buf, block.offset); err != nil {
			return ngdperr.IO{Op: "write", Path: df.file.Name(), Err: err}
		}
		s.idx.put(indexEntry{EKey: ekey, FileIndex: uint16(block.fileIndex), Offset: block.offset, Size: uint32(len(body))})
		s.lru.touch(ekey)
		return nil
	}

	if err := s.rollIfFull(); err != nil {
		return err
	}
	df, err := s.currentDataFile()
	if err != nil {
		return err
	}
	offset, err := df.append(h, body)
	if err != nil {
		return err
	}
	s.idx.put(indexEntry{EKey: ekey, FileIndex: uint16(s.currentIdx), Offset: offset, Size: uint32(len(body))})
	s.lru.touch(ekey)
	return nil
}

// Flush persists every modified idx slot as a new generation and syncs
// every open data file.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.idx.flush(); err != nil {
		return err
	}
	for _, df := range s.dataFiles {
		if err := df.flush(); err != nil {
			return err
		}
	}
	return nil
}

// CleanupLRU evicts entries from the LRU tail until at least
// targetBytes have been freed, returning the total bytes evicted and
// releasing the reclaimed extents to the free-space table.
func (s *Store) CleanupLRU(targetBytes int64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted uint64
	for int64(evicted) < targetBytes {
		key, ok := s.lru.evictTail()
		if !ok {
			break
		}
		entry, ok := s.idx.lookup(key)
		if !ok {
			continue
		}
		s.idx.remove(key)
		s.free.put(freeBlock{
			fileIndex: int(entry.FileIndex),
			offset:    entry.Offset,
			size:      int64(HeaderSize + int(entry.Size)),
		})
		evicted += uint64(HeaderSize + int(entry.Size))
	}
	return evicted, nil
}

func lruCheckpointName(generation uint64) string {
	return fmt.Sprintf("%016x.lru", generation)
}

var lruFileRE = regexp.MustCompile(`^([0-9a-f]{16})\.lru$`)

// loadLRUCheckpoint restores LRU order from the highest-generation .lru
// file present, if any.
func (s *Store) loadLRUCheckpoint() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ngdperr.IO{Op: "readdir", Path: s.dir, Err: err}
	}
	var generations []uint64
	names := make(map[uint64]string)
	for _, e := range entries {
		m := lruFileRE.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		gen, perr := strconv.ParseUint(m[1], 16, 64)
		if perr != nil {
			continue
		}
		generations = append(generations, gen)
		names[gen] = e.Name()
	}
	if len(generations) == 0 {
		return nil
	}
	sort.Slice(generations, func(i, j int) bool { return generations[i] > generations[j] })
	best := generations[0]
	data, err := os.ReadFile(filepath.Join(s.dir, names[best]))
	if err != nil {
		return ngdperr.IO{Op: "read", Path: names[best], Err: err}
	}
	return s.lru.loadFromDisk(data)
}

// checkpointLRU writes the current LRU order as the next generation,
// then unlinks the prior checkpoint file, mirroring the idx slot
// rotation protocol.
func (s *Store) checkpointLRU() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return ngdperr.IO{Op: "readdir", Path: s.dir, Err: err}
	}
	var prevGen uint64
	var prevName string
	for _, e := range entries {
		m := lruFileRE.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		gen, _ := strconv.ParseUint(m[1], 16, 64)
		if gen > prevGen {
			prevGen = gen
			prevName = e.Name()
		}
	}

	nextGen := prevGen + 1
	if nextGen == 0 {
		nextGen = 1
	}
	path := filepath.Join(s.dir, lruCheckpointName(nextGen))
	data := s.lru.checkpointToDisk()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return ngdperr.IO{Op: "write", Path: path, Err: err}
	}
	if prevName != "" {
		if err := os.Remove(filepath.Join(s.dir, prevName)); err != nil && !os.IsNotExist(err) {
			return ngdperr.IO{Op: "unlink", Path: prevName, Err: err}
		}
	}
	return nil
}

// Checkpoint persists idx slots and the LRU order without closing the
// store, so a caller can checkpoint on a size/time threshold mid-session
// (spec.md §4.5 "schedule a checkpoint") rather than only at Close.
func (s *Store) Checkpoint() error {
	if err := s.Flush(); err != nil {
		return err
	}
	return s.checkpointLRU()
}

// Close flushes all pending state, detaches this process from the shmem
// control block, and closes every open data file.
func (s *Store) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	if err := s.checkpointLRU(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shmem != nil {
		if err := s.shmem.removeProcess(uint32(os.Getpid())); err != nil {
			s.shmem.close()
			return err
		}
		if err := s.shmem.close(); err != nil {
			return err
		}
	}
	for _, df := range s.dataFiles {
		if err := df.close(); err != nil {
			return err
		}
	}
	return nil
}
