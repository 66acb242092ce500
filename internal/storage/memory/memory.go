// Package memory provides an in-process storage tier backed by a bounded
// LRU cache. It is the fastest tier but does not survive a process restart.
package memory

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/goodtune/timeflow/internal/storage"
)

// DefaultSize is used when a non-positive size is configured.
const DefaultSize = 128

// Tier implements storage.Tier in memory.
type Tier struct {
	cache *lru.Cache[string, []byte]
}

// New creates a memory tier holding at most size keys.
func New(size int) (*Tier, error) {
	if size <= 0 {
		size = DefaultSize
	}
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("create memory tier: %w", err)
	}
	return &Tier{cache: cache}, nil
}

// Get returns a copy of the value stored under key.
func (t *Tier) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	value, ok := t.cache.Get(key)
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

// Set stores a copy of value under key.
func (t *Tier) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.cache.Add(key, append([]byte(nil), value...))
	return nil
}

// Close drops all keys.
func (t *Tier) Close() error {
	t.cache.Purge()
	return nil
}
