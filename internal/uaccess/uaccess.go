// Package uaccess implements the syscall boundary of spec §4.6: user
// pointer validation, per-request pin-during-I/O, the file-descriptor
// table, and process exec/wait/exit bookkeeping. Grounded on
// original_source/src/userprog/syscall.c's check_user/memread_user,
// find_file_desc, and preload_and_pin_pages, re-expressed against this
// module's addrspace/frame/mmap collaborators instead of Pintos's raw
// struct thread.
package uaccess

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tuannm99/vmkit/internal/addrspace"
	"github.com/tuannm99/vmkit/internal/fsio"
	"github.com/tuannm99/vmkit/internal/frame"
	"github.com/tuannm99/vmkit/internal/mem"
	"github.com/tuannm99/vmkit/internal/mmap"
)

const logPrefix = "uaccess: "

// Reserved fd numbers, handled specially rather than stored in a process's
// file table (spec §4.6).
const (
	FDStdin  = 0
	FDStdout = 1
	FDStderr = 2

	firstAllocatableFD = 3
)

var (
	// ErrBadPointer is the user-attributable failure of spec §7 tier 1.
	ErrBadPointer = errors.New("uaccess: invalid user pointer")
	// ErrBadFD is returned by file-descriptor lookups for unknown or
	// reserved fds used where a real open file is required.
	ErrBadFD = errors.New("uaccess: bad file descriptor")
	// ErrNotAChild is returned by Wait for a pid that isn't a live or
	// already-reaped child of the waiting process.
	ErrNotAChild = errors.New("uaccess: pid is not a child of this process")
)

// OpenFile is one entry in a process's file-descriptor table.
type OpenFile struct {
	Fd   int
	Name string
	File fsio.File
}

// Process is the opaque per-thread container spec §1 says sits outside
// this subsystem's core, but whose exec/wait/exit bookkeeping spec §4.6
// and §6 place at this boundary.
type Process struct {
	Pid  int
	Name string

	Space *addrspace.Space
	Mmaps *mmap.Table

	mu       sync.Mutex
	fds      map[int]*OpenFile
	exited   bool
	exitCode int
	done     chan struct{}
	children map[int]*Process
}

// Boundary is the process-wide syscall boundary state: the file-system
// lock and the pid/process registry. Exactly one of these exists per
// running system, matching spec §5's "exactly two process-wide locks"
// (the other being frame_lock, owned by internal/frame). The file-system
// lock itself is internal/fsio's package-level fsLock, shared with
// internal/mmap and internal/spt so every file-system call in the
// subsystem — not just the ones reachable from a syscall — serializes
// against the same mutex; Boundary only adds the holder bookkeeping Exit
// needs to force a release out from under a killed process.
type Boundary struct {
	UserSplit uintptr // addresses >= this are kernel-only

	fsHeld   bool
	fsHolder int

	frames *frame.Table

	mu      sync.Mutex
	procs   map[int]*Process
	nextPid int
}

func NewBoundary(frames *frame.Table, userSplit uintptr) *Boundary {
	return &Boundary{
		UserSplit: userSplit,
		frames:    frames,
		procs:     make(map[int]*Process),
		nextPid:   1,
	}
}

// AcquireFS serializes every call that reaches the file system (spec §5's
// filesys_lock), recording the calling process so Exit can force a release
// on a mid-syscall kill.
func (b *Boundary) AcquireFS(pid int) {
	fsio.AcquireFS()
	b.fsHeld = true
	b.fsHolder = pid
}

func (b *Boundary) ReleaseFS(pid int) {
	if b.fsHeld && b.fsHolder == pid {
		b.fsHeld = false
		fsio.ReleaseFS()
	}
}

// NewProcess registers a fresh process over space, assigning the next pid.
func (b *Boundary) NewProcess(name string, space *addrspace.Space) *Process {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := &Process{
		Pid:      b.nextPid,
		Name:     name,
		Space:    space,
		Mmaps:    mmap.New(space),
		fds:      make(map[int]*OpenFile),
		done:     make(chan struct{}),
		children: make(map[int]*Process),
	}
	b.nextPid++
	b.procs[p.Pid] = p
	return p
}

// ValidatePointer implements spec §4.6's user-pointer validation for a
// range [addr, addr+n): below the user/kernel split, and — under VM — the
// SPT has an entry for every page the range touches (a page not yet
// materialized still counts as valid, since load_page will fault it in).
func (b *Boundary) ValidatePointer(p *Process, addr uintptr, n int) bool {
	if n < 0 {
		return false
	}
	if addr == 0 {
		return false
	}
	end := addr + uintptr(n)
	if end < addr { // overflow
		return false
	}
	if end > b.UserSplit {
		return false
	}
	for page := mem.PageAlign(addr); page < end; page += uintptr(mem.PageSize) {
		if !p.Space.SPT().HasEntry(page) {
			return false
		}
	}
	return true
}

// ValidateString validates and reads a NUL-terminated string starting at
// addr, byte by byte, per spec §4.6. Each page touched is pinned for the
// duration of its own byte reads, so eviction cannot take the page being
// read; the previous page is unpinned before the next one is faulted in.
func (b *Boundary) ValidateString(p *Process, addr uintptr, maxLen int) (string, bool) {
	var out []byte
	var pinnedPage uintptr
	var pinnedFrame mem.Pa_t
	havePinned := false

	release := func() {
		if havePinned {
			b.frames.Unpin(pinnedFrame)
			havePinned = false
		}
	}
	defer release()

	for i := 0; i < maxLen; i++ {
		cur := addr + uintptr(i)
		if !b.ValidatePointer(p, cur, 1) {
			return "", false
		}

		page := mem.PageAlign(cur)
		if !havePinned || page != pinnedPage {
			release()
			if !p.Space.LoadPage(page) {
				return "", false
			}
			e, ok := p.Space.SPT().Find(page)
			if !ok {
				return "", false
			}
			b.frames.Pin(e.Kframe)
			pinnedPage, pinnedFrame, havePinned = page, e.Kframe, true
		}

		ch := b.frames.Memory(pinnedFrame)[mem.PageOffsetOf(cur)]
		if ch == 0 {
			return string(out), true
		}
		out = append(out, ch)
	}
	return "", false
}

// PinRange pins every page in [addr, addr+n) after faulting it in,
// guaranteeing the clock algorithm cannot evict it during kernel I/O
// (spec §4.6's preload_and_pin_pages). It returns the pinned kframes so
// UnpinRange can release exactly them.
func (b *Boundary) PinRange(p *Process, addr uintptr, n int) ([]mem.Pa_t, bool) {
	if !b.ValidatePointer(p, addr, n) {
		return nil, false
	}
	end := addr + uintptr(n)
	var pinned []mem.Pa_t
	for page := mem.PageAlign(addr); page < end; page += uintptr(mem.PageSize) {
		if !p.Space.LoadPage(page) {
			b.UnpinRange(pinned)
			return nil, false
		}
		e, _ := p.Space.SPT().Find(page)
		b.frames.Pin(e.Kframe)
		pinned = append(pinned, e.Kframe)
	}
	return pinned, true
}

// UnpinRange releases frames previously returned by PinRange.
func (b *Boundary) UnpinRange(kframes []mem.Pa_t) {
	for _, k := range kframes {
		b.frames.Unpin(k)
	}
}

// Mmap is the syscall-boundary entry point for spec §4.5's mmap(fd, base),
// taking an already-resolved file in place of an fd. internal/mmap.Table
// itself acquires and releases the file-system lock around Install's file
// I/O, so this wrapper exists for symmetry with Open/Read/Write/Exec and
// to be the one call site process code is expected to use — not to lock
// again, which would deadlock against Install's own Acquire.
func (b *Boundary) Mmap(p *Process, file fsio.File, base uintptr) (int, bool) {
	return p.Mmaps.Install(file, base)
}

// Munmap is the syscall-boundary entry point for spec §4.5's munmap(mid).
// See Mmap's comment: internal/mmap.Table.Unmap holds the file-system lock
// for its own duration.
func (b *Boundary) Munmap(p *Process, mid int) bool {
	return p.Mmaps.Unmap(mid)
}

func (p *Process) nextFD() int {
	max := firstAllocatableFD - 1
	for fd := range p.fds {
		if fd > max {
			max = fd
		}
	}
	return max + 1
}

// Open assigns the next fd (≥3) to file, per spec §4.6.
func (b *Boundary) Open(p *Process, name string, file fsio.File) int {
	b.AcquireFS(p.Pid)
	defer b.ReleaseFS(p.Pid)

	p.mu.Lock()
	defer p.mu.Unlock()
	fd := p.nextFD()
	p.fds[fd] = &OpenFile{Fd: fd, Name: name, File: file}
	slog.Debug(logPrefix+"open", "pid", p.Pid, "fd", fd, "name", name)
	return fd
}

func (b *Boundary) findOpen(p *Process, fd int) (*OpenFile, error) {
	if fd < firstAllocatableFD {
		return nil, ErrBadFD
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	of, ok := p.fds[fd]
	if !ok {
		return nil, ErrBadFD
	}
	return of, nil
}

// Close closes and forgets fd.
func (b *Boundary) Close(p *Process, fd int) error {
	b.AcquireFS(p.Pid)
	defer b.ReleaseFS(p.Pid)

	of, err := b.findOpen(p, fd)
	if err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.fds, fd)
	p.mu.Unlock()
	return of.File.Close()
}

// Filesize reports fd's length.
func (b *Boundary) Filesize(p *Process, fd int) (int64, error) {
	b.AcquireFS(p.Pid)
	defer b.ReleaseFS(p.Pid)

	of, err := b.findOpen(p, fd)
	if err != nil {
		return 0, err
	}
	return of.File.Length()
}

// Read reads up to len(buf) bytes from fd at offset off into buf, under the
// file-system lock. buf is a Go slice, not a user address, so Read pins no
// user pages; PinRange and UnpinRange are separate calls that Read does not
// make.
func (b *Boundary) Read(p *Process, fd int, buf []byte, off int64) (int, error) {
	if fd == FDStdout || fd == FDStderr {
		return 0, ErrBadFD
	}
	of, err := b.findOpen(p, fd)
	if err != nil {
		return 0, err
	}
	b.AcquireFS(p.Pid)
	defer b.ReleaseFS(p.Pid)
	return of.File.ReadAt(buf, off)
}

// Write performs a write of buf to fd at offset off.
func (b *Boundary) Write(p *Process, fd int, buf []byte, off int64) (int, error) {
	if fd == FDStdin {
		return 0, ErrBadFD
	}
	of, err := b.findOpen(p, fd)
	if err != nil {
		return 0, err
	}
	b.AcquireFS(p.Pid)
	defer b.ReleaseFS(p.Pid)
	return of.File.WriteAt(buf, off)
}

// Exit records p's exit code, prints the canonical exit line (spec §7
// tier 1: "<name>: exit(<code>)"), unmaps every outstanding mapping,
// destroys the SPT, and force-releases the file-system lock if p holds it
// (spec §5's cancellation path).
func (b *Boundary) Exit(p *Process, code int) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.exitCode = code
	p.mu.Unlock()

	slog.Info(fmt.Sprintf("%s: exit(%d)", p.Name, code))

	p.Mmaps.ExitCleanup()
	p.Space.Destroy()

	b.ReleaseFS(p.Pid)
	close(p.done)
}

// Exec registers a child process bookkeeping entry for cmdline, holding
// the file-system lock across the whole call per original_source's
// sys_exec (noted in spec §9 as conservative-but-faithful). The actual
// program load is outside this subsystem's scope (§1 Out-of-scope); this
// returns the new pid, or -1 only if name is empty.
func (b *Boundary) Exec(parent *Process, childSpace *addrspace.Space, name string) int {
	if name == "" {
		return -1
	}
	b.AcquireFS(parent.Pid)
	defer b.ReleaseFS(parent.Pid)

	child := b.NewProcess(name, childSpace)
	parent.mu.Lock()
	parent.children[child.Pid] = child
	parent.mu.Unlock()
	return child.Pid
}

// Wait blocks until pid — which must be a child of p — exits, returning
// its exit code exactly once; a second Wait on the same pid, or a Wait on
// a pid that is not p's child, returns ErrNotAChild.
func (b *Boundary) Wait(p *Process, pid int) (int, error) {
	p.mu.Lock()
	child, ok := p.children[pid]
	if ok {
		delete(p.children, pid)
	}
	p.mu.Unlock()
	if !ok {
		return -1, ErrNotAChild
	}

	<-child.done
	child.mu.Lock()
	defer child.mu.Unlock()
	return child.exitCode, nil
}
