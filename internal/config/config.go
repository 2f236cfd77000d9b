// Package config loads engine configuration from an optional file, .env and
// THREADFEED_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gookit/validate"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"nostr-threadfeed/internal/cache"
	"nostr-threadfeed/internal/contacts"
	"nostr-threadfeed/internal/profile"
	"nostr-threadfeed/internal/thread"
	"nostr-threadfeed/internal/types"
)

// EnvPrefix prefixes every environment override, e.g. THREADFEED_RELAYS_URLS
const EnvPrefix = "THREADFEED"

type LoggerConfig struct {
	Level  string `mapstructure:"level" validate:"required|in:debug,info,warn,error"`
	Format string `mapstructure:"format" validate:"required|in:json,text"`
}

type RelayConfig struct {
	URLs         []string      `mapstructure:"urls" validate:"required"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	EventBuffer  int           `mapstructure:"event_buffer"`
	SkipVerify   bool          `mapstructure:"skip_verify"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the /metrics listener
}

type MaintenanceConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	ProfileMaxAge time.Duration `mapstructure:"profile_max_age"`
}

// Config is the full engine configuration
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger"`
	Relays      RelayConfig       `mapstructure:"relays"`
	Cache       cache.Config      `mapstructure:"cache"`
	Profiles    profile.Config    `mapstructure:"profiles"`
	Contacts    contacts.Config   `mapstructure:"contacts"`
	Thread      thread.Config     `mapstructure:"thread"`
	Kinds       types.Kinds       `mapstructure:"kinds"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`

	Path string `mapstructure:"-"`
}

// Default returns the configuration used when nothing overrides it
func Default() Config {
	conf := Config{
		Logger: LoggerConfig{Level: "info", Format: "json"},
		Relays: RelayConfig{
			URLs:         []string{"wss://relay.damus.io", "wss://nos.lol", "wss://relay.nostr.band"},
			DialTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  2 * time.Minute,
			FetchTimeout: 5 * time.Second,
			EventBuffer:  256,
		},
		Cache:    cache.DefaultConfig(),
		Profiles: profile.DefaultConfig(),
		Contacts: contacts.DefaultConfig(),
		Thread:   thread.DefaultConfig(),
		Kinds:    types.DefaultKinds(),
		Maintenance: MaintenanceConfig{
			Interval:      10 * time.Minute,
			ProfileMaxAge: 7 * 24 * time.Hour,
		},
	}
	conf.applyKinds()
	return conf
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("logger.level", d.Logger.Level)
	v.SetDefault("logger.format", d.Logger.Format)

	v.SetDefault("relays.urls", d.Relays.URLs)
	v.SetDefault("relays.dial_timeout", d.Relays.DialTimeout)
	v.SetDefault("relays.write_timeout", d.Relays.WriteTimeout)
	v.SetDefault("relays.idle_timeout", d.Relays.IdleTimeout)
	v.SetDefault("relays.fetch_timeout", d.Relays.FetchTimeout)
	v.SetDefault("relays.event_buffer", d.Relays.EventBuffer)
	v.SetDefault("relays.skip_verify", d.Relays.SkipVerify)

	v.SetDefault("cache.backend", d.Cache.Backend)
	v.SetDefault("cache.redis_url", d.Cache.RedisURL)
	v.SetDefault("cache.key_prefix", d.Cache.KeyPrefix)
	v.SetDefault("cache.sqlite_path", d.Cache.SQLitePath)
	v.SetDefault("cache.badger_dir", d.Cache.BadgerDir)
	v.SetDefault("cache.profile_ttl", d.Cache.ProfileTTL)
	v.SetDefault("cache.cleanup_interval", d.Cache.CleanupInterval)
	v.SetDefault("cache.max_entries", d.Cache.MaxEntries)

	v.SetDefault("profiles.fetch_timeout", d.Profiles.FetchTimeout)
	v.SetDefault("profiles.batch_window", d.Profiles.BatchWindow)

	v.SetDefault("contacts.timeout", d.Contacts.Timeout)
	v.SetDefault("contacts.max_contacts", d.Contacts.MaxContacts)

	v.SetDefault("thread.limit", d.Thread.Limit)

	v.SetDefault("kinds.metadata", d.Kinds.Metadata)
	v.SetDefault("kinds.text_note", d.Kinds.TextNote)
	v.SetDefault("kinds.contacts", d.Kinds.Contacts)

	v.SetDefault("metrics.addr", d.Metrics.Addr)

	v.SetDefault("maintenance.interval", d.Maintenance.Interval)
	v.SetDefault("maintenance.profile_max_age", d.Maintenance.ProfileMaxAge)
}

// Load reads .env (if present), then path (if non-empty), then environment overrides
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unprefixed names kept for compatibility with common deployments
	v.BindEnv("logger.level", EnvPrefix+"_LOGGER_LEVEL", "LOG_LEVEL")
	v.BindEnv("cache.redis_url", EnvPrefix+"_CACHE_REDIS_URL", "REDIS_URL")

	var conf Config
	if err := v.Unmarshal(&conf); err != nil {
		return nil, fmt.Errorf("unable to decode into config struct: %w", err)
	}
	conf.Path = path
	conf.applyKinds()

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

// applyKinds copies the configured kind numbers into the component configs
func (c *Config) applyKinds() {
	c.Profiles.MetadataKind = c.Kinds.Metadata
	c.Contacts.ContactsKind = c.Kinds.Contacts
	c.Thread.TextNoteKind = c.Kinds.TextNote
}

// Validate checks field rules and cross-field constraints
func (c *Config) Validate() error {
	v := validate.Struct(c)
	if !v.Validate() {
		return fmt.Errorf("invalid config: %s", v.Errors.One())
	}

	switch c.Cache.Backend {
	case "redis":
		if c.Cache.RedisURL == "" {
			return errors.New("invalid config: cache.redis_url is required for the redis backend")
		}
	case "sqlite":
		if c.Cache.SQLitePath == "" {
			return errors.New("invalid config: cache.sqlite_path is required for the sqlite backend")
		}
	}
	if c.Kinds.Metadata < 0 || c.Kinds.TextNote < 0 || c.Kinds.Contacts < 0 {
		return errors.New("invalid config: kinds must be non-negative")
	}
	return nil
}
