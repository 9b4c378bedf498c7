package fsio

import "sync"

// fsLock is the single, process-wide filesys_lock spec §5 requires around
// every call into the file system, shared by every subsystem that reaches
// this package directly: the mmap table's Install/Unmap, the SPT's
// file-backed fault and munmap write-back paths, and uaccess.Boundary's
// open/read/write/exec syscalls. Grounded on original_source's single
// global struct lock filesys_lock, acquired by exactly these call sites in
// syscall.c and vm/page.c.
var fsLock sync.Mutex

// AcquireFS and ReleaseFS bracket one call into the file system. Callers
// that need to force a release on process termination (uaccess.Boundary)
// track their own holder bookkeeping around these rather than replacing
// them, so every acquirer shares the same underlying mutex.
func AcquireFS() { fsLock.Lock() }

func ReleaseFS() { fsLock.Unlock() }
