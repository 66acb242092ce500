package bolt

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/goodtune/timeflow/internal/storage"
	"go.etcd.io/bbolt"
)

const bucketTimerState = "timer_state"

// Tier implements storage.Tier using bbolt. It is the default secondary
// tier: durable across restarts and not size-bounded.
type Tier struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed tier.
func Open(path string) (*Tier, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	tier := &Tier{db: db}
	if err := tier.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return tier, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return storage.EnsureDir(dir)
}

func (t *Tier) ensureBuckets() error {
	return t.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketTimerState)); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketTimerState, err)
		}
		return nil
	})
}

// Get returns the value stored under key.
func (t *Tier) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := t.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketTimerState))
		if b == nil {
			return storage.ErrNotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return storage.ErrNotFound
		}
		// Values are only valid for the life of the transaction.
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Set stores value under key, replacing any previous value.
func (t *Tier) Set(ctx context.Context, key string, value []byte) error {
	return t.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketTimerState))
		if b == nil {
			return fmt.Errorf("bucket missing: %s", bucketTimerState)
		}
		return b.Put([]byte(key), value)
	})
}

// Close closes the underlying database.
func (t *Tier) Close() error {
	return t.db.Close()
}
