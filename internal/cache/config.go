package cache

import "time"

// Config selects and tunes the profile store backend
type Config struct {
	Backend         string        `mapstructure:"backend" validate:"required|in:memory,redis,sqlite,badger"`
	RedisURL        string        `mapstructure:"redis_url"`
	KeyPrefix       string        `mapstructure:"key_prefix"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	BadgerDir       string        `mapstructure:"badger_dir"` // empty runs badger in memory
	ProfileTTL      time.Duration `mapstructure:"profile_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	MaxEntries      int           `mapstructure:"max_entries"`

	// Now overrides the store clock; nil means time.Now
	Now func() time.Time `mapstructure:"-"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Backend:         "memory",
		KeyPrefix:       "threadfeed:",
		SQLitePath:      "threadfeed.db",
		ProfileTTL:      24 * time.Hour, // Profiles rarely change; passive updates refresh tracked authors
		CleanupInterval: 2 * time.Minute,
		MaxEntries:      10000,
	}
}

// ttlGuard stamps records with the store clock and hides expired ones
type ttlGuard struct {
	ttl time.Duration
	now func() time.Time
}

func newTTLGuard(cfg Config) ttlGuard {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return ttlGuard{ttl: cfg.ProfileTTL, now: now}
}

func (g ttlGuard) expired(fetchedAt time.Time) bool {
	return g.ttl > 0 && g.now().Sub(fetchedAt) > g.ttl
}

func (g ttlGuard) olderThan(fetchedAt time.Time, maxAge time.Duration) bool {
	return g.now().Sub(fetchedAt) > maxAge
}
