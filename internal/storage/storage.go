// Package storage keeps generated drafts outside the database. Queue items
// only carry the returned key.
package storage

import (
	"context"
	"sync"

	"PulseCampaign/internal/apperr"
)

type BlobStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Memory is a BlobStore for tests and single-process development.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Put(ctx context.Context, key string, body []byte, contentType string) error {
	b := make([]byte, len(body))
	copy(b, body)

	m.mu.Lock()
	m.blobs[key] = b
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.blobs[key]
	if !ok {
		return nil, apperr.NewNotFound("blob", key)
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}
