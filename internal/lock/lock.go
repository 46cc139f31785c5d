// Package lock provides the run latch that keeps scans and dispatches of the
// same cohort from overlapping.
package lock

import (
	"context"
	"sync"

	"PulseCampaign/internal/apperr"
)

// Latch is a non-blocking, keyed mutual exclusion.
// TryAcquire returns an *apperr.ConflictError when the key is already held.
type Latch interface {
	TryAcquire(ctx context.Context, key string) (release func(), err error)
	Held(ctx context.Context, key string) (bool, error)
}

// Local is a process-wide latch.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

func (l *Local) TryAcquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, apperr.NewConflict(key)
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

func (l *Local) Held(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok, nil
}
