package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/timeflow/internal/config"
	"github.com/goodtune/timeflow/internal/storage"
)

func setupTestTier(t *testing.T) (*Tier, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port", so Port stays 0
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		DB:           0,
		PoolSize:     4,
		MinIdleConns: 1,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}

	tier, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis tier: %v", err)
	}

	return tier, mr
}

func TestTier_SetGet(t *testing.T) {
	tier, mr := setupTestTier(t)
	defer func() { _ = tier.Close() }()

	ctx := context.Background()
	if err := tier.Set(ctx, "timeflow:timer:state", []byte(`{"state":{}}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	value, err := tier.Get(ctx, "timeflow:timer:state")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != `{"state":{}}` {
		t.Errorf("Expected stored blob, got %q", value)
	}

	if ttl := mr.TTL("timeflow:timer:state"); ttl != 0 {
		t.Errorf("Expected no expiry, got %v", ttl)
	}
}

func TestTier_GetMissing(t *testing.T) {
	tier, _ := setupTestTier(t)
	defer func() { _ = tier.Close() }()

	_, err := tier.Get(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestTier_ServerDown(t *testing.T) {
	tier, mr := setupTestTier(t)
	defer func() { _ = tier.Close() }()

	mr.Close()

	if err := tier.Set(context.Background(), "k", []byte("v")); err == nil {
		t.Fatal("Expected error when Redis is unavailable")
	}
	if _, err := tier.Get(context.Background(), "k"); err == nil || errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Expected connection error, got %v", err)
	}
}

func TestOpen_InvalidTimeout(t *testing.T) {
	mr := miniredis.RunT(t)

	_, err := Open(config.RedisConfig{
		Host:         mr.Addr(),
		DialTimeout:  "soon",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	})
	if err == nil {
		t.Fatal("Expected error for invalid dial_timeout")
	}
}
