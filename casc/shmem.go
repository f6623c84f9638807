package casc

import (
	"encoding/binary"
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/rpcpool/ngdp-retrieval/ngdperr"
)

// Shmem control block layout (spec.md §4.4 "Shared-memory control
// block"). Two on-disk versions exist; both are mapped read-write via
// mmap so every process attached to a store sees the same free-space
// table and process-tracking state without a coordinating daemon.
const (
	shmemV4HeaderSize   = 0x150
	shmemV4TableSize    = 0x2AB8
	shmemV5HeaderSize   = 0x154
	shmemV5PIDTableSize = 0x228

	offInit             = 0x02
	offFreeSpaceFormat  = 0x42
	offDataSizeSentinel = 0x43
	offExclusiveAccess  = 0x54

	// v5-only PID-tracking state, laid out in the gap between the
	// exclusive-access flag and the start of the free-space table
	// (spec.md §4.4 "PID tracking").
	offPIDState       = 0x58 // 1 byte: 1=idle, 2=modifying
	offPIDTotalCount  = 0x5C // 4 bytes LE: live process count
	offPIDWriterCount = 0x60 // 4 bytes LE: live writer-mode count
	offPIDGeneration  = 0x68 // 8 bytes LE: monotonic generation counter

	pidStateIdle      = 1
	pidStateModifying = 2

	freeSpaceFormatMagic = 0x2AB8
)

// ShmemVersion distinguishes the two on-disk control-block layouts.
type ShmemVersion int

const (
	ShmemV4 ShmemVersion = 4
	ShmemV5 ShmemVersion = 5
)

func align16(n int) int {
	return (n + 15) &^ 15
}

func alignPage(n int) int {
	const pageSize = 4096
	return (n + pageSize - 1) &^ (pageSize - 1)
}

// pidSlot is one {pid, mode} entry in a v5 control block's PID-tracking
// extension. mode 2 marks a read-only attachment; anything else is a
// writer.
type pidSlot struct {
	pid  uint32
	mode uint32
}

const pidSlotReadOnly = 2
const pidSlotSize = 8

// shmemControl wraps a memory-mapped control-block file. It owns the
// mapping and provides validate-for-bind plus process-tracking
// operations (spec.md §4.4 "PID tracking").
type shmemControl struct {
	version ShmemVersion
	file    *os.File
	mapping mmap.MMap
}

// totalSize returns the full file size for a control block of the given
// version, including the fixed-size free-space table and, for v5, the
// optional PID-tracking extension.
func totalSize(version ShmemVersion, withPIDTracking bool) int {
	switch version {
	case ShmemV4:
		return align16(shmemV4HeaderSize + shmemV4TableSize)
	case ShmemV5:
		size := shmemV5HeaderSize + shmemV4TableSize
		if withPIDTracking {
			size += shmemV5PIDTableSize
		}
		return alignPage(size)
	default:
		return 0
	}
}

// createShmem initializes a new control-block file on disk at path and
// maps it.
func createShmem(path string, version ShmemVersion, withPIDTracking bool) (*shmemControl, error) {
	size := totalSize(version, withPIDTracking)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, ngdperr.IO{Op: "create", Path: path, Err: err}
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, ngdperr.IO{Op: "truncate", Path: path, Err: err}
	}

	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, ngdperr.ShmemInvalid{Detail: err.Error()}
	}

	m[offInit] = 1
	// The data-size sentinel (4 bytes at 0x43) overlaps the last three
	// bytes of the free-space format field (4 bytes at 0x42). Writing the
	// sentinel first and the format second keeps the format intact; the
	// sentinel then reads back as 0x2A, which is nonzero.
	binary.LittleEndian.PutUint32(m[offDataSizeSentinel:], 1)
	binary.LittleEndian.PutUint32(m[offFreeSpaceFormat:], freeSpaceFormatMagic)
	if version == ShmemV5 {
		m[offExclusiveAccess] = 0
		if withPIDTracking {
			m[offPIDState] = pidStateIdle
			binary.LittleEndian.PutUint32(m[offPIDTotalCount:], 0)
			binary.LittleEndian.PutUint32(m[offPIDWriterCount:], 0)
			binary.LittleEndian.PutUint64(m[offPIDGeneration:], 0)
		}
	}

	return &shmemControl{version: version, file: f, mapping: m}, nil
}

// openShmem maps an existing control-block file and validates it
// before binding (spec.md §4.4: a reader must validate-for-bind before
// trusting a mapped control block).
func openShmem(path string, version ShmemVersion) (*shmemControl, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, ngdperr.IO{Op: "open", Path: path, Err: err}
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, ngdperr.ShmemInvalid{Detail: err.Error()}
	}
	sc := &shmemControl{version: version, file: f, mapping: m}
	if err := sc.validateForBind(); err != nil {
		sc.close()
		return nil, err
	}
	return sc, nil
}

// validateForBind checks the fixed-offset sentinels every control block
// must carry before a process trusts its contents.
func (s *shmemControl) validateForBind() error {
	if len(s.mapping) < offExclusiveAccess+1 {
		return ngdperr.ShmemInvalid{Detail: "control block too small"}
	}
	if s.mapping[offInit] == 0 {
		return ngdperr.ShmemInvalid{Detail: "control block not initialized"}
	}
	format := binary.LittleEndian.Uint32(s.mapping[offFreeSpaceFormat:])
	if format != freeSpaceFormatMagic {
		return ngdperr.ShmemInvalid{Detail: "unexpected free-space table format"}
	}
	sentinel := binary.LittleEndian.Uint32(s.mapping[offDataSizeSentinel:])
	if sentinel == 0 {
		return ngdperr.ShmemInvalid{Detail: "zero data-size sentinel"}
	}
	if s.version == ShmemV5 && s.exclusiveAccess() {
		return ngdperr.ShmemInvalid{Detail: "exclusive"}
	}
	return nil
}

// exclusiveAccess reports whether bit0 of the v5 exclusive-access flag is
// set; meaningless for v4.
func (s *shmemControl) exclusiveAccess() bool {
	if s.version != ShmemV5 {
		return false
	}
	return s.mapping[offExclusiveAccess]&1 != 0
}

func (s *shmemControl) pidTableOffset() int {
	return shmemV5HeaderSize + shmemV4TableSize
}

func (s *shmemControl) pidState() byte {
	return s.mapping[offPIDState]
}

func (s *shmemControl) setPIDState(state byte) {
	s.mapping[offPIDState] = state
}

func (s *shmemControl) bumpGeneration() {
	g := binary.LittleEndian.Uint64(s.mapping[offPIDGeneration:])
	binary.LittleEndian.PutUint64(s.mapping[offPIDGeneration:], g+1)
}

// generation returns the current v5 PID-tracking generation counter; 0 for
// v4 control blocks.
func (s *shmemControl) generation() uint64 {
	if s.version != ShmemV5 {
		return 0
	}
	return binary.LittleEndian.Uint64(s.mapping[offPIDGeneration:])
}

// addProcess records this process's attachment in the v5 PID-tracking
// extension, in the first free (pid==0) slot, following the add_process
// lifecycle of spec.md §4.4: recover via recount() if a prior writer
// crashed mid-update (state left at "modifying"), then gate the slot
// write and counter update behind the same state flag.
func (s *shmemControl) addProcess(pid uint32, readOnly bool) error {
	if s.version != ShmemV5 {
		return nil
	}
	base := s.pidTableOffset()
	if len(s.mapping) < base+shmemV5PIDTableSize {
		return ngdperr.ShmemInvalid{Detail: "control block missing PID-tracking extension"}
	}
	if s.pidState() == pidStateModifying {
		s.recount()
	}

	mode := uint32(1)
	if readOnly {
		mode = pidSlotReadOnly
	}

	s.setPIDState(pidStateModifying)

	slot := -1
	for off := base; off+pidSlotSize <= base+shmemV5PIDTableSize; off += pidSlotSize {
		if binary.LittleEndian.Uint32(s.mapping[off:]) == 0 {
			slot = off
			break
		}
	}
	if slot < 0 {
		s.setPIDState(pidStateIdle)
		return ngdperr.ShmemInvalid{Detail: "PID-tracking extension full"}
	}

	binary.LittleEndian.PutUint32(s.mapping[slot:], pid)
	binary.LittleEndian.PutUint32(s.mapping[slot+4:], mode)

	total := binary.LittleEndian.Uint32(s.mapping[offPIDTotalCount:])
	binary.LittleEndian.PutUint32(s.mapping[offPIDTotalCount:], total+1)
	if !readOnly {
		writers := binary.LittleEndian.Uint32(s.mapping[offPIDWriterCount:])
		binary.LittleEndian.PutUint32(s.mapping[offPIDWriterCount:], writers+1)
	}
	s.bumpGeneration()
	s.setPIDState(pidStateIdle)
	return nil
}

// removeProcess clears this process's slot, if present, symmetric with
// addProcess's state-machine gating (spec.md §4.4).
func (s *shmemControl) removeProcess(pid uint32) error {
	if s.version != ShmemV5 {
		return nil
	}
	base := s.pidTableOffset()
	if len(s.mapping) < base+shmemV5PIDTableSize {
		return ngdperr.ShmemInvalid{Detail: "control block missing PID-tracking extension"}
	}
	if s.pidState() == pidStateModifying {
		s.recount()
	}

	s.setPIDState(pidStateModifying)

	slot := -1
	var mode uint32
	for off := base; off+pidSlotSize <= base+shmemV5PIDTableSize; off += pidSlotSize {
		if binary.LittleEndian.Uint32(s.mapping[off:]) == pid {
			slot = off
			mode = binary.LittleEndian.Uint32(s.mapping[off+4:])
			break
		}
	}
	if slot < 0 {
		s.setPIDState(pidStateIdle)
		return nil
	}

	binary.LittleEndian.PutUint32(s.mapping[slot:], 0)
	binary.LittleEndian.PutUint32(s.mapping[slot+4:], 0)

	total := binary.LittleEndian.Uint32(s.mapping[offPIDTotalCount:])
	binary.LittleEndian.PutUint32(s.mapping[offPIDTotalCount:], total-1)
	if mode != pidSlotReadOnly {
		writers := binary.LittleEndian.Uint32(s.mapping[offPIDWriterCount:])
		binary.LittleEndian.PutUint32(s.mapping[offPIDWriterCount:], writers-1)
	}
	s.bumpGeneration()
	s.setPIDState(pidStateIdle)
	return nil
}

// recount clears the PID-tracking state, rescans every slot, and
// recomputes the total/writer counters from scratch, then leaves state
// idle. It is the crash-recovery path spec.md §4.4 requires a stuck
// "modifying" state to run before the next add/remove can proceed, and
// does not itself bump the generation counter.
func (s *shmemControl) recount() (slots []pidSlot, hasWriter bool) {
	if s.version != ShmemV5 {
		return nil, false
	}
	base := s.pidTableOffset()
	var total, writers uint32
	for off := base; off+pidSlotSize <= base+shmemV5PIDTableSize && off+pidSlotSize <= len(s.mapping); off += pidSlotSize {
		pid := binary.LittleEndian.Uint32(s.mapping[off:])
		if pid == 0 {
			continue
		}
		mode := binary.LittleEndian.Uint32(s.mapping[off+4:])
		slots = append(slots, pidSlot{pid: pid, mode: mode})
		total++
		if mode != pidSlotReadOnly {
			writers++
			hasWriter = true
		}
	}
	binary.LittleEndian.PutUint32(s.mapping[offPIDTotalCount:], total)
	binary.LittleEndian.PutUint32(s.mapping[offPIDWriterCount:], writers)
	s.setPIDState(pidStateIdle)
	return slots, hasWriter
}

func (s *shmemControl) close() error {
	if err := s.mapping.Flush(); err != nil {
		s.mapping.Unmap()
		s.file.Close()
		return ngdperr.ShmemInvalid{Detail: err.Error()}
	}
	if err := s.mapping.Unmap(); err != nil {
		s.file.Close()
		return ngdperr.ShmemInvalid{Detail: err.Error()}
	}
	return s.file.Close()
}
