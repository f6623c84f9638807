package casc

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/rpcpool/ngdp-retrieval/ngdperr"
)

// idxSlot is one bucket of the on-disk index: a generation-rotated file
// named "NN-GGGGGGGGGGGGGG.idx", where NN is the bucket number and G is a
// 14-hex-digit generation counter (spec.md §4.4 "Index slots"). Rotation
// is atomic: a new generation is written in full, fsynced, and only then
// does the old generation's file get unlinked, so a reader mid-scan of
// the directory always finds at least one valid generation for a bucket.
//
// This is the teacher's FreeList.ToGC rename-and-reopen pattern
// generalized from one rotating file to many generation-numbered slot
// files addressed by bucket.
type idxSlot struct {
	dir    string
	bucket int
}

var idxFileRE = regexp.MustCompile(`^([0-9a-f]{2})-([0-9a-f]{14})\.idx$`)

func idxFileName(bucket int, generation uint64) string {
	return fmt.Sprintf("%02x-%014x.idx", bucket, generation)
}

// currentGeneration scans dir for this bucket's index files and returns
// the path and generation number of the highest generation present, so a
// reader tolerates both the pre- and post-rotation state.
func (s idxSlot) currentGeneration() (path string, generation uint64, ok bool, err error) {
	entries, rerr := os.ReadDir(s.dir)
	if rerr != nil {
		if os.IsNotExist(rerr) {
			return "", 0, false, nil
		}
		return "", 0, false, ngdperr.IO{Op: "readdir", Path: s.dir, Err: rerr}
	}

	type candidate struct {
		gen  uint64
		name string
	}
	var candidates []candidate
	for _, e := range entries {
		m := idxFileRE.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		bucket, perr := strconv.ParseInt(m[1], 16, 32)
		if perr != nil || int(bucket) != s.bucket {
			continue
		}
		gen, gerr := strconv.ParseUint(m[2], 16, 64)
		if gerr != nil {
			continue
		}
		candidates = append(candidates, candidate{gen: gen, name: e.Name()})
	}
	if len(candidates) == 0 {
		return "", 0, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].gen > candidates[j].gen })
	best := candidates[0]
	return filepath.Join(s.dir, best.name), best.gen, true, nil
}

// read loads the current generation's bytes, or ok=false if the slot has
// never been written.
func (s idxSlot) read() (data []byte, ok bool, err error) {
	path, _, found, err := s.currentGeneration()
	if err != nil || !found {
		return nil, false, err
	}
	data, rerr := os.ReadFile(path)
	if rerr != nil {
		return nil, false, ngdperr.IO{Op: "read", Path: path, Err: rerr}
	}
	return data, true, nil
}

// rotate writes data as the next generation after the slot's current
// generation, fsyncs it, then unlinks the prior generation's file. The
// next generation's number wraps the same way the on-disk LRU checkpoint
// generation does: it never settles back to zero.
func (s idxSlot) rotate(data []byte) error {
	_, prevGen, hadPrev, err := s.currentGeneration()
	if err != nil {
		return err
	}
	nextGen := prevGen + 1
	if nextGen == 0 {
		nextGen = 1
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return ngdperr.IO{Op: "mkdir", Path: s.dir, Err: err}
	}
	newPath := filepath.Join(s.dir, idxFileName(s.bucket, nextGen))
	f, err := os.OpenFile(newPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return ngdperr.IO{Op: "create", Path: newPath, Err: err}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return ngdperr.IO{Op: "write", Path: newPath, Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return ngdperr.IO{Op: "fsync", Path: newPath, Err: err}
	}
	if err := f.Close(); err != nil {
		return ngdperr.IO{Op: "close", Path: newPath, Err: err}
	}

	if hadPrev {
		oldPath := filepath.Join(s.dir, idxFileName(s.bucket, prevGen))
		if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
			return ngdperr.IO{Op: "unlink", Path: oldPath, Err: err}
		}
	}
	return nil
}
