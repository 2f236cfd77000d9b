package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"nostr-threadfeed/internal/types"
)

var badgerProfilePrefix = []byte("profile:")

// BadgerStore implements Store on an embedded Badger key-value store
type BadgerStore struct {
	ttlGuard
	db *badger.DB
}

// NewBadgerStore opens cfg.BadgerDir, or an in-memory database when it is empty
func NewBadgerStore(cfg Config) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.BadgerDir).WithLogger(nil)
	if cfg.BadgerDir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &BadgerStore{ttlGuard: newTTLGuard(cfg), db: db}, nil
}

func badgerKey(pubkey string) []byte {
	return append(append([]byte{}, badgerProfilePrefix...), pubkey...)
}

func (b *BadgerStore) Get(ctx context.Context, pubkey string) (types.ProfileRecord, bool, error) {
	var rec types.ProfileRecord
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(pubkey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec, err = decodeRecord(val)
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return types.ProfileRecord{}, false, nil
	}
	if err != nil {
		return types.ProfileRecord{}, false, err
	}
	if b.expired(rec.FetchedAt) {
		return types.ProfileRecord{}, false, nil
	}
	return rec, true, nil
}

func (b *BadgerStore) Put(ctx context.Context, rec types.ProfileRecord) error {
	rec.FetchedAt = b.now()
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(badgerKey(rec.PubKey), data)
		if b.ttl > 0 {
			entry = entry.WithTTL(b.ttl)
		}
		return txn.SetEntry(entry)
	})
}

// each iterates every stored profile
func (b *BadgerStore) each(fn func(key []byte, rec types.ProfileRecord)) error {
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: badgerProfilePrefix, PrefetchValues: true})
		defer it.Close()
		for it.Seek(badgerProfilePrefix); it.ValidForPrefix(badgerProfilePrefix); it.Next() {
			item := it.Item()
			var rec types.ProfileRecord
			err := item.Value(func(val []byte) error {
				var err error
				rec, err = decodeRecord(val)
				return err
			})
			if err != nil {
				continue
			}
			fn(item.KeyCopy(nil), rec)
		}
		return nil
	})
}

func (b *BadgerStore) ListAll(ctx context.Context) ([]types.ProfileRecord, error) {
	var out []types.ProfileRecord
	err := b.each(func(_ []byte, rec types.ProfileRecord) {
		if !b.expired(rec.FetchedAt) {
			out = append(out, rec)
		}
	})
	return out, err
}

func (b *BadgerStore) DeleteExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	var stale [][]byte
	err := b.each(func(key []byte, rec types.ProfileRecord) {
		if b.olderThan(rec.FetchedAt, maxAge) {
			stale = append(stale, key)
		}
	})
	if err != nil || len(stale) == 0 {
		return 0, err
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range stale {
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(stale), nil
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}
