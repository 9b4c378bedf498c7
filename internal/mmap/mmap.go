// Package mmap implements the per-address-space memory-map descriptor
// table of spec §4.5: install, unmap, and process-exit cleanup of file
// mappings, each page of which is backed by an SPT file-backed entry.
// Grounded on internal/storage/sm.go's segment bookkeeping (a table of
// open segments keyed by a monotonically increasing id) and on Pintos's
// sys_mmap/sys_munmap in original_source/src/userprog/syscall.c for exact
// sequencing (reopen before install, unmap-then-close). Install and Unmap
// hold internal/fsio's shared file-system lock for their own duration
// (spec §5), the same lock internal/uaccess brackets open/read/write/exec
// with, so an mmap can never interleave its file I/O with a concurrent
// syscall's.
package mmap

import (
	"log/slog"

	"github.com/tuannm99/vmkit/internal/addrspace"
	"github.com/tuannm99/vmkit/internal/fsio"
	"github.com/tuannm99/vmkit/internal/mem"
)

const logPrefix = "mmap: "

// Descriptor is the memory-map tuple of spec §3.
type Descriptor struct {
	Mid       int
	File      fsio.File
	BaseVPage uintptr
	SizeBytes int64
}

// Table is one address space's mmap descriptor table.
type Table struct {
	space    *addrspace.Space
	mappings map[int]*Descriptor
	nextMid  int
}

func New(space *addrspace.Space) *Table {
	return &Table{space: space, mappings: make(map[int]*Descriptor), nextMid: 1}
}

// Install implements spec §4.5's mmap(fd, base), taking an already-resolved
// file in place of an fd (fd→file resolution is internal/uaccess's job).
// It returns (mid, true) on success or (0, false) on any validation
// failure, releasing any partial state first.
//
// The whole call runs under the file-system lock (spec §5): every branch
// that reaches the file system — Length, Reopen — does so before the lock
// is released, and since that makes filesys_lock held before this table's
// later Unmap calls into frame_lock via the SPT, the acquisition order
// spec §5 requires (filesys_lock before frame_lock) falls out naturally
// rather than needing separate enforcement.
func (t *Table) Install(file fsio.File, base uintptr) (int, bool) {
	fsio.AcquireFS()
	defer fsio.ReleaseFS()

	if base == 0 || base%uintptr(mem.PageSize) != 0 {
		slog.Debug(logPrefix+"install rejected: base not page-aligned or null", "base", base)
		return 0, false
	}

	size, err := file.Length()
	if err != nil || size <= 0 {
		slog.Debug(logPrefix+"install rejected: empty or unreadable file", "err", err, "size", size)
		return 0, false
	}

	numPages := mem.RoundUpPages(int(size)) / mem.PageSize
	for i := 0; i < numPages; i++ {
		uvpage := base + uintptr(i*mem.PageSize)
		if t.space.SPT().HasEntry(uvpage) {
			slog.Debug(logPrefix+"install rejected: collides with existing mapping", "uvpage", uvpage)
			return 0, false
		}
	}

	reopened, err := file.Reopen()
	if err != nil {
		slog.Error(logPrefix+"install failed to reopen file", "err", err)
		return 0, false
	}

	for i := 0; i < numPages; i++ {
		uvpage := base + uintptr(i*mem.PageSize)
		offset := int64(i * mem.PageSize)
		remaining := size - offset
		readBytes := mem.PageSize
		if remaining < int64(mem.PageSize) {
			readBytes = int(remaining)
		}
		zeroBytes := mem.PageSize - readBytes
		t.space.SPT().InstallFile(uvpage, reopened, offset, readBytes, zeroBytes, true)
	}

	mid := t.nextMid
	t.nextMid++
	t.mappings[mid] = &Descriptor{Mid: mid, File: reopened, BaseVPage: base, SizeBytes: size}
	slog.Debug(logPrefix+"installed", "mid", mid, "base", base, "pages", numPages)
	return mid, true
}

// Unmap implements spec §4.5's munmap(mid): flush and remove every page in
// the mapping's range, then close its reopened file handle. Held under the
// file-system lock for the same reason as Install: the per-page write-back
// in SPT.Munmap reaches both the file system and frame_lock, and spec §5
// requires filesys_lock to already be held when that happens.
func (t *Table) Unmap(mid int) bool {
	fsio.AcquireFS()
	defer fsio.ReleaseFS()

	d, ok := t.mappings[mid]
	if !ok {
		return false
	}

	numPages := mem.RoundUpPages(int(d.SizeBytes)) / mem.PageSize
	for i := 0; i < numPages; i++ {
		uvpage := d.BaseVPage + uintptr(i*mem.PageSize)
		offset := int64(i * mem.PageSize)
		remaining := d.SizeBytes - offset
		bytes := mem.PageSize
		if remaining < int64(mem.PageSize) {
			bytes = int(remaining)
		}
		t.space.SPT().Munmap(t.space.Dir(), uvpage, d.File, offset, bytes)
	}

	if err := d.File.Close(); err != nil {
		slog.Error(logPrefix+"close reopened mapping file failed", "mid", mid, "err", err)
	}
	delete(t.mappings, mid)
	slog.Debug(logPrefix+"unmapped", "mid", mid)
	return true
}

// ExitCleanup unmaps every outstanding descriptor, per spec §4.5's
// process-exit semantics (SPT destruction is the caller's job, done after
// this returns).
func (t *Table) ExitCleanup() {
	for mid := range t.mappings {
		t.Unmap(mid)
	}
}
