// Package tiers opens the storage backend selected by configuration.
package tiers

import (
	"fmt"

	"github.com/goodtune/timeflow/internal/config"
	"github.com/goodtune/timeflow/internal/storage"
	"github.com/goodtune/timeflow/internal/storage/bolt"
	"github.com/goodtune/timeflow/internal/storage/memory"
	"github.com/goodtune/timeflow/internal/storage/redis"
	"github.com/goodtune/timeflow/internal/storage/sqlite"
)

// Open returns the tier of the given type. It returns a nil tier and no
// error for storage.TypeNone.
func Open(kind string, cfg config.StorageConfig) (storage.Tier, error) {
	switch kind {
	case storage.TypeMemory:
		return memory.New(cfg.Memory.Size)
	case storage.TypeBolt:
		return bolt.Open(cfg.Bolt.Path)
	case storage.TypeSQLite:
		return sqlite.Open(cfg.SQLite.Path)
	case storage.TypeRedis:
		return redis.Open(cfg.Redis)
	case storage.TypeNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", kind)
	}
}

// OpenPair opens the primary and secondary tiers. If the secondary fails to
// open the primary is closed again.
func OpenPair(cfg config.StorageConfig) (primary, secondary storage.Tier, err error) {
	if cfg.Primary.Type == storage.TypeNone {
		return nil, nil, fmt.Errorf("primary storage tier is required")
	}

	primary, err = Open(cfg.Primary.Type, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open primary tier (%s): %w", cfg.Primary.Type, err)
	}

	secondary, err = Open(cfg.Secondary.Type, cfg)
	if err != nil {
		_ = primary.Close()
		return nil, nil, fmt.Errorf("open secondary tier (%s): %w", cfg.Secondary.Type, err)
	}

	return primary, secondary, nil
}
