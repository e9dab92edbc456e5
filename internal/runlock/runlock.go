// Package runlock makes sure only one run executes at a time, within the
// process, across processes on the same host and optionally across hosts
// sharing a redis.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrRunAlreadyInProgress is returned by TryLock when another run holds the
// lock. Runs are never queued.
var ErrRunAlreadyInProgress = errors.New("a run is already in progress")

// Lock is a non-blocking mutual exclusion lock. Release functions may be
// called more than once.
type Lock interface {
	TryLock(ctx context.Context) (release func(), err error)
}

// Local is an in-process lock.
type Local struct {
	mutex sync.Mutex
}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) TryLock(ctx context.Context) (func(), error) {
	if !l.mutex.TryLock() {
		return nil, ErrRunAlreadyInProgress
	}
	var once sync.Once
	return func() { once.Do(l.mutex.Unlock) }, nil
}

// Chain acquires every lock in order, or none of them.
type Chain []Lock

func (c Chain) TryLock(ctx context.Context) (func(), error) {
	var releases []func()
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, lock := range c {
		release, err := lock.TryLock(ctx)
		if err != nil {
			releaseAll()
			if errors.Is(err, ErrRunAlreadyInProgress) {
				return nil, err
			}
			return nil, fmt.Errorf("acquire run lock: %w", err)
		}
		releases = append(releases, release)
	}

	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}
