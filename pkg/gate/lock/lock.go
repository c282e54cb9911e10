package lock

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// FileLock is an advisory flock guarding the gate entry point. Two
// concurrent gate runs against the same cluster could race on iptables
// and IPVS state, so only one may hold the lock at a time.
type FileLock struct {
	path string
	file *os.File
}

// Acquire takes the lock without blocking. A second caller gets an
// error immediately rather than queueing behind a running gate.
func Acquire(path string) (*FileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("another gate run holds the lock at %s", path)
		}
		return nil, err
	}
	return &FileLock{path: path, file: f}, nil
}

func (l *FileLock) Release() error {
	if l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return err
	}
	return closeErr
}
