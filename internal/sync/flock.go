package sync

import (
	"os"
	"syscall"
)

// Flock wraps an *os.File with advisory whole-file locking.  The lock
// is non-blocking: a second concurrent run fails immediately instead
// of queueing behind the first.
type Flock struct {
	*os.File
}

// Lock acquires an exclusive lock.
func (l Flock) Lock() error {
	return syscall.Flock(int(l.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
}

// Unlock releases the lock.
func (l Flock) Unlock() error {
	return syscall.Flock(int(l.Fd()), syscall.LOCK_UN)
}
