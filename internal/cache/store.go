// Package cache persists resolved profile records across restarts.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"nostr-threadfeed/internal/types"
)

// Store is a keyed persistent store of ProfileRecords, one per pubkey.
// Put stamps FetchedAt from the store clock; the newest FetchedAt wins.
// Records are never returned with IsLoading set.
type Store interface {
	Get(ctx context.Context, pubkey string) (types.ProfileRecord, bool, error)
	Put(ctx context.Context, rec types.ProfileRecord) error
	ListAll(ctx context.Context) ([]types.ProfileRecord, error)
	DeleteExpired(ctx context.Context, maxAge time.Duration) (int, error)
	Close() error
}

// Open creates the backend named by cfg.Backend.
// An unreachable Redis falls back to the memory store.
func Open(cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		logger.Info("initializing in-memory profile store")
		return NewMemoryStore(cfg), nil

	case "redis":
		logger.Info("initializing Redis profile store")
		store, err := NewRedisStore(cfg)
		if err != nil {
			logger.Warn("Redis connection failed, using memory store", "error", err)
			return NewMemoryStore(cfg), nil
		}
		return store, nil

	case "sqlite":
		logger.Info("initializing SQLite profile store", "path", cfg.SQLitePath)
		return NewSQLiteStore(cfg)

	case "badger":
		logger.Info("initializing Badger profile store", "dir", cfg.BadgerDir)
		return NewBadgerStore(cfg)
	}
	return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
}

func encodeRecord(rec types.ProfileRecord) ([]byte, error) {
	rec.IsLoading = false
	return json.Marshal(rec)
}

func decodeRecord(data []byte) (types.ProfileRecord, error) {
	var rec types.ProfileRecord
	err := json.Unmarshal(data, &rec)
	return rec, err
}
