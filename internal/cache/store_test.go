package cache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-threadfeed/internal/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type storeFactory func(t *testing.T, cfg Config) Store

func backends(t *testing.T) map[string]storeFactory {
	factories := map[string]storeFactory{
		"memory": func(t *testing.T, cfg Config) Store {
			return NewMemoryStore(cfg)
		},
		"sqlite": func(t *testing.T, cfg Config) Store {
			cfg.SQLitePath = filepath.Join(t.TempDir(), "profiles.db")
			s, err := NewSQLiteStore(cfg)
			require.NoError(t, err)
			return s
		},
		"badger": func(t *testing.T, cfg Config) Store {
			cfg.BadgerDir = ""
			s, err := NewBadgerStore(cfg)
			require.NoError(t, err)
			return s
		},
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		factories["redis"] = func(t *testing.T, cfg Config) Store {
			cfg.RedisURL = url
			cfg.KeyPrefix = "threadfeed-test:" + t.Name() + ":"
			s, err := NewRedisStore(cfg)
			require.NoError(t, err)
			t.Cleanup(func() {
				s.DeleteExpired(context.Background(), -time.Hour)
			})
			return s
		}
	}
	return factories
}

func forEachBackend(t *testing.T, ttl time.Duration, fn func(t *testing.T, s Store, clock *fakeClock)) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			cfg := DefaultConfig()
			cfg.ProfileTTL = ttl
			cfg.Now = clock.Now
			s := factory(t, cfg)
			t.Cleanup(func() { s.Close() })
			fn(t, s, clock)
		})
	}
}

func TestStoreGetPut(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()

		_, ok, err := s.Get(ctx, "alice")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.Put(ctx, types.ProfileRecord{
			PubKey:         "alice",
			Name:           "alice",
			Picture:        "https://example.com/a.png",
			EventCreatedAt: 42,
			IsLoading:      true,
		}))

		rec, ok, err := s.Get(ctx, "alice")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "alice", rec.Name)
		assert.Equal(t, "https://example.com/a.png", rec.Picture)
		assert.Equal(t, int64(42), rec.EventCreatedAt)
		assert.False(t, rec.IsLoading)
		assert.True(t, rec.FetchedAt.Equal(clock.Now()), "FetchedAt comes from the store clock")
	})
}

func TestStoreUpsertLastWriteWins(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, types.ProfileRecord{PubKey: "bob", Name: "bob"}))
		clock.Advance(time.Minute)
		require.NoError(t, s.Put(ctx, types.ProfileRecord{PubKey: "bob", Name: "robert"}))

		rec, ok, err := s.Get(ctx, "bob")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "robert", rec.Name)

		all, err := s.ListAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestStoreListAll(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		for _, pk := range []string{"a", "b", "c"} {
			require.NoError(t, s.Put(ctx, types.ProfileRecord{PubKey: pk, Name: pk}))
		}

		all, err := s.ListAll(ctx)
		require.NoError(t, err)

		names := map[string]bool{}
		for _, rec := range all {
			names[rec.Name] = true
		}
		assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, names)
	})
}

func TestStoreDeleteExpired(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, types.ProfileRecord{PubKey: "old", Name: "old"}))
		clock.Advance(2 * time.Hour)
		require.NoError(t, s.Put(ctx, types.ProfileRecord{PubKey: "fresh", Name: "fresh"}))

		n, err := s.DeleteExpired(ctx, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, ok, err := s.Get(ctx, "old")
		require.NoError(t, err)
		assert.False(t, ok)
		_, ok, err = s.Get(ctx, "fresh")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestStoreHidesRecordsPastTTL(t *testing.T) {
	forEachBackend(t, time.Hour, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, types.ProfileRecord{PubKey: "carol", Name: "carol"}))

		clock.Advance(30 * time.Minute)
		_, ok, err := s.Get(ctx, "carol")
		require.NoError(t, err)
		assert.True(t, ok)

		clock.Advance(time.Hour)
		_, ok, err = s.Get(ctx, "carol")
		require.NoError(t, err)
		assert.False(t, ok)

		all, err := s.ListAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})
}

func TestMemoryStoreCleanupEnforcesMaxSize(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.MaxEntries = 2
	cfg.Now = clock.Now
	s := NewMemoryStore(cfg)
	defer s.Close()

	ctx := context.Background()
	for _, pk := range []string{"first", "second", "third"} {
		require.NoError(t, s.Put(ctx, types.ProfileRecord{PubKey: pk, Name: pk}))
		clock.Advance(time.Second)
	}

	s.cleanup()

	_, ok, _ := s.Get(ctx, "first")
	assert.False(t, ok, "oldest entry evicted")
	_, ok, _ = s.Get(ctx, "third")
	assert.True(t, ok)
}

func TestOpenSelectsBackend(t *testing.T) {
	cfg := DefaultConfig()
	s, err := Open(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
	s.Close()

	cfg.Backend = "sqlite"
	cfg.SQLitePath = filepath.Join(t.TempDir(), "open.db")
	s, err = Open(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	s.Close()

	cfg.Backend = "badger"
	s, err = Open(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &BadgerStore{}, s)
	s.Close()

	cfg.Backend = "tape"
	_, err = Open(cfg, nil)
	assert.Error(t, err)
}

func TestOpenFallsBackWhenRedisUnreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend = "redis"
	cfg.RedisURL = "redis://127.0.0.1:1/0"

	s, err := Open(cfg, nil)
	require.NoError(t, err)
	defer s.Close()
	assert.IsType(t, &MemoryStore{}, s)
}
