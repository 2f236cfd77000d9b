package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"nostr-threadfeed/internal/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS profiles (
	pubkey           TEXT PRIMARY KEY,
	name             TEXT NOT NULL DEFAULT '',
	display_name     TEXT NOT NULL DEFAULT '',
	picture          TEXT NOT NULL DEFAULT '',
	about            TEXT NOT NULL DEFAULT '',
	nip05            TEXT NOT NULL DEFAULT '',
	fetched_at       INTEGER NOT NULL,
	event_created_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS profiles_fetched_at_idx ON profiles(fetched_at);
`

// Newer fetches win; an out-of-order write with an older stamp is ignored
const sqliteUpsert = `
INSERT INTO profiles (pubkey, name, display_name, picture, about, nip05, fetched_at, event_created_at)
VALUES (:pubkey, :name, :display_name, :picture, :about, :nip05, :fetched_at, :event_created_at)
ON CONFLICT(pubkey) DO UPDATE SET
	name = excluded.name,
	display_name = excluded.display_name,
	picture = excluded.picture,
	about = excluded.about,
	nip05 = excluded.nip05,
	fetched_at = excluded.fetched_at,
	event_created_at = excluded.event_created_at
WHERE excluded.fetched_at >= profiles.fetched_at`

type profileRow struct {
	PubKey         string `db:"pubkey"`
	Name           string `db:"name"`
	DisplayName    string `db:"display_name"`
	Picture        string `db:"picture"`
	About          string `db:"about"`
	Nip05          string `db:"nip05"`
	FetchedAt      int64  `db:"fetched_at"` // unix milliseconds
	EventCreatedAt int64  `db:"event_created_at"`
}

func rowFromRecord(rec types.ProfileRecord) profileRow {
	return profileRow{
		PubKey:         rec.PubKey,
		Name:           rec.Name,
		DisplayName:    rec.DisplayName,
		Picture:        rec.Picture,
		About:          rec.About,
		Nip05:          rec.Nip05,
		FetchedAt:      rec.FetchedAt.UnixMilli(),
		EventCreatedAt: rec.EventCreatedAt,
	}
}

func (r profileRow) record() types.ProfileRecord {
	return types.ProfileRecord{
		PubKey:         r.PubKey,
		Name:           r.Name,
		DisplayName:    r.DisplayName,
		Picture:        r.Picture,
		About:          r.About,
		Nip05:          r.Nip05,
		FetchedAt:      time.UnixMilli(r.FetchedAt),
		EventCreatedAt: r.EventCreatedAt,
	}
}

// SQLiteStore implements Store on a local SQLite database in WAL mode
type SQLiteStore struct {
	ttlGuard
	db *sqlx.DB
}

// NewSQLiteStore opens (creating if needed) the database at cfg.SQLitePath
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.SQLitePath == "" {
		return nil, errors.New("sqlite path not configured")
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", cfg.SQLitePath)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{ttlGuard: newTTLGuard(cfg), db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, pubkey string) (types.ProfileRecord, bool, error) {
	var row profileRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM profiles WHERE pubkey = ?`, pubkey)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ProfileRecord{}, false, nil
	}
	if err != nil {
		return types.ProfileRecord{}, false, err
	}
	rec := row.record()
	if s.expired(rec.FetchedAt) {
		return types.ProfileRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, rec types.ProfileRecord) error {
	rec.FetchedAt = s.now()
	_, err := s.db.NamedExecContext(ctx, sqliteUpsert, rowFromRecord(rec))
	return err
}

func (s *SQLiteStore) ListAll(ctx context.Context) ([]types.ProfileRecord, error) {
	var rows []profileRow
	query := `SELECT * FROM profiles ORDER BY fetched_at DESC`
	args := []interface{}{}
	if s.ttl > 0 {
		query = `SELECT * FROM profiles WHERE fetched_at >= ? ORDER BY fetched_at DESC`
		args = append(args, s.now().Add(-s.ttl).UnixMilli())
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	out := make([]types.ProfileRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.record())
	}
	return out, nil
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE fetched_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
