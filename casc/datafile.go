package casc

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rpcpool/ngdp-retrieval/ngdperr"
)

// DefaultMaxDataFileSize is the default cap on one data.NNN file's size
// before a new one is opened (spec.md §4.4 "Blob files").
const DefaultMaxDataFileSize = 256 * 1024 * 1024

const dataFileBufferSize = 16 * 4096

// dataFile is one append-only data.NNN blob file: an ObjectHeader followed
// by the header's declared blob bytes, repeated, grounded on the
// teacher's FreeList buffered-append-then-Sync pattern.
type dataFile struct {
	index  int
	file   *os.File
	writer *bufio.Writer

	mu   sync.Mutex
	size int64
}

func dataFileName(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("data.%03d", index))
}

func openDataFile(dir string, index int) (*dataFile, error) {
	path := dataFileName(dir, index)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, ngdperr.IO{Op: "open", Path: path, Err: err}
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ngdperr.IO{Op: "stat", Path: path, Err: err}
	}
	return &dataFile{
		index:  index,
		file:   f,
		writer: bufio.NewWriterSize(f, dataFileBufferSize),
		size:   fi.Size(),
	}, nil
}

// append writes an object header plus the blob body, returning the byte
// offset the record was written at. It does not Sync; callers batch
// writes and call flush explicitly.
func (d *dataFile) append(h ObjectHeader, body []byte) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	offset := d.size
	if _, err := d.writer.Write(h.Encode()); err != nil {
		return 0, ngdperr.IO{Op: "write", Path: d.file.Name(), Err: err}
	}
	if _, err := d.writer.Write(body); err != nil {
		return 0, ngdperr.IO{Op: "write", Path: d.file.Name(), Err: err}
	}
	d.size += int64(HeaderSize + len(body))
	return offset, nil
}

// readAt reads one record's header and body from a known offset and
// length, bypassing the buffered writer (flush must have been called for
// the data to be visible via ReadAt).
func (d *dataFile) readAt(offset int64, length int64) (ObjectHeader, []byte, error) {
	buf := make([]byte, HeaderSize+length)
	if _, err := d.file.ReadAt(buf, offset); err != nil {
		return ObjectHeader{}, nil, ngdperr.IO{Op: "read", Path: d.file.Name(), Err: err}
	}
	h, err := DecodeObjectHeader(buf)
	if err != nil {
		return ObjectHeader{}, nil, err
	}
	return h, buf[HeaderSize:], nil
}

func (d *dataFile) flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writer.Flush(); err != nil {
		return ngdperr.IO{Op: "flush", Path: d.file.Name(), Err: err}
	}
	return d.file.Sync()
}

func (d *dataFile) currentSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

func (d *dataFile) close() error {
	if err := d.flush(); err != nil {
		d.file.Close()
		return err
	}
	return d.file.Close()
}
