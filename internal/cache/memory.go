package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"nostr-threadfeed/internal/types"
)

// MemoryStore implements Store using sync.Map
type MemoryStore struct {
	ttlGuard
	data            sync.Map // pubkey -> types.ProfileRecord
	maxSize         int
	cleanupInterval time.Duration
	stopCh          chan struct{}
	closeOnce       sync.Once
}

// NewMemoryStore creates an in-memory store and starts its cleanup loop
func NewMemoryStore(cfg Config) *MemoryStore {
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	ms := &MemoryStore{
		ttlGuard:        newTTLGuard(cfg),
		maxSize:         cfg.MaxEntries,
		cleanupInterval: interval,
		stopCh:          make(chan struct{}),
	}
	go ms.cleanupLoop()
	return ms
}

func (m *MemoryStore) Get(ctx context.Context, pubkey string) (types.ProfileRecord, bool, error) {
	val, ok := m.data.Load(pubkey)
	if !ok {
		return types.ProfileRecord{}, false, nil
	}
	rec := val.(types.ProfileRecord)
	if m.expired(rec.FetchedAt) {
		m.data.Delete(pubkey)
		return types.ProfileRecord{}, false, nil
	}
	return rec, true, nil
}

func (m *MemoryStore) Put(ctx context.Context, rec types.ProfileRecord) error {
	rec.IsLoading = false
	rec.FetchedAt = m.now()
	m.data.Store(rec.PubKey, rec)
	return nil
}

func (m *MemoryStore) ListAll(ctx context.Context) ([]types.ProfileRecord, error) {
	var out []types.ProfileRecord
	m.data.Range(func(_, value interface{}) bool {
		rec := value.(types.ProfileRecord)
		if !m.expired(rec.FetchedAt) {
			out = append(out, rec)
		}
		return true
	})
	return out, nil
}

func (m *MemoryStore) DeleteExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	removed := 0
	m.data.Range(func(key, value interface{}) bool {
		rec := value.(types.ProfileRecord)
		if m.olderThan(rec.FetchedAt, maxAge) {
			m.data.Delete(key)
			removed++
		}
		return true
	})
	return removed, nil
}

func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopCh)
	})
	return nil
}

func (m *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *MemoryStore) cleanup() {
	type entry struct {
		key       string
		fetchedAt time.Time
	}
	var entries []entry

	// Remove expired entries and collect remaining
	m.data.Range(func(key, value interface{}) bool {
		k := key.(string)
		rec := value.(types.ProfileRecord)
		if m.expired(rec.FetchedAt) {
			m.data.Delete(k)
		} else {
			entries = append(entries, entry{k, rec.FetchedAt})
		}
		return true
	})

	// Enforce max size by removing oldest entries
	if m.maxSize > 0 && len(entries) > m.maxSize {
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].fetchedAt.Before(entries[j].fetchedAt)
		})
		for _, e := range entries[:len(entries)-m.maxSize] {
			m.data.Delete(e.key)
		}
	}
}
