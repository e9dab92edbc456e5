//go:build unix

package runlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

// File is a lock shared by every process on this host using the same path.
// It is an flock on the file, the kernel drops it when the holder exits so a
// crashed run never leaves it behind.
type File struct {
	path string
}

func NewFile(path string) *File {
	return &File{path: path}
}

func (l *File) TryLock(ctx context.Context) (func(), error) {
	err := os.MkdirAll(filepath.Dir(l.path), 0o755)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", l.path, err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", l.path, err)
	}

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		f.Close()
		return nil, ErrRunAlreadyInProgress
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", l.path, err)
	}

	// the pid is only there for whoever finds the file
	if f.Truncate(0) == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
			f.Close()
		})
	}, nil
}
