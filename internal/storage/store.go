package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key is missing from a tier.
var ErrNotFound = errors.New("storage: record not found")

// Tier is a string-keyed blob store. Timer state is persisted to two tiers:
// a fast primary and a larger, slower secondary. Any backend that can get
// and set a value by key satisfies it.
type Tier interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// Tier type names accepted by configuration.
const (
	TypeMemory = "memory"
	TypeRedis  = "redis"
	TypeBolt   = "bolt"
	TypeSQLite = "sqlite"
	TypeNone   = "none"
)
