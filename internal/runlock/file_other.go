//go:build !unix

package runlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// File is a lock shared by every process on this host using the same path.
// Without flock it is the existence of the file, a holder that crashes
// leaves it behind and it has to be removed by hand.
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
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, os.ErrExist) {
		return nil, ErrRunAlreadyInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", l.path, err)
	}
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	f.Close()

	var once sync.Once
	return func() {
		once.Do(func() { _ = os.Remove(l.path) })
	}, nil
}
