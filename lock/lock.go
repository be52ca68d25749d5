// Package lock provides advisory, non-blocking mutual exclusion over a
// named resource, backed by flock(2). The kernel releases the lock when
// the owning process exits, however it exits, so a crashed holder can
// never leave a stale lease behind.
package lock

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrBusy is returned when the lease is held by another process.
var ErrBusy = errors.New("lock busy")

// Lease is a held lock. Release it with Close; it is also released
// automatically when the process exits.
type Lease struct {
	name string
	file *os.File
}

// TryAcquire attempts to take the lease for name under dir. It never
// blocks: if another process holds the lock it returns ErrBusy
// immediately. The lock file is left in place between holders; only
// the flock matters.
func TryAcquire(dir, name string) (*Lease, error) {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, errors.Wrap(err, "creating lock dir")
	}
	path := filepath.Join(dir, name+".lock")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, errors.Wrap(err, "opening lock file")
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrBusy
		}
		return nil, errors.Wrapf(err, "flock %s", path)
	}
	// Record the holder for a human looking at the box. Never read
	// back programmatically.
	f.Truncate(0)
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Sync()
	return &Lease{name: name, file: f}, nil
}

// Name returns the resource name this lease covers.
func (l *Lease) Name() string { return l.name }

// Close releases the lease. Safe to call more than once.
func (l *Lease) Close() error {
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return f.Close()
}
