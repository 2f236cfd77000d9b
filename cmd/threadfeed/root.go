package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"nostr-threadfeed/internal/config"
	"nostr-threadfeed/internal/logging"
)

// rootOptions holds global flags for all commands
type rootOptions struct {
	ConfigPath   string
	LogLevel     string
	Relays       []string
	CacheBackend string
	Format       string // "text" | "json"

	conf   *config.Config
	logger *slog.Logger
}

var validFormats = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "threadfeed",
		Short:         "Follow Nostr threads and resolve author profiles",
		Long:          "threadfeed subscribes to replies of a Nostr note across relays, resolves author profiles through a shared cache and expands contact lists.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			return opts.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringSliceVarP(&opts.Relays, "relay", "r", nil, "relay URL, repeatable; replaces configured relays")
	cmd.PersistentFlags().StringVar(&opts.CacheBackend, "cache", "", "profile cache backend (memory|redis|sqlite|badger)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")

	cmd.AddCommand(newWatchCommand(opts))
	cmd.AddCommand(newContactsCommand(opts))
	cmd.AddCommand(newProfileCommand(opts))
	cmd.AddCommand(newPruneCommand(opts))
	cmd.AddCommand(newQRCommand(opts))

	return cmd
}

// load reads configuration and applies flag overrides on top of it
func (o *rootOptions) load(cmd *cobra.Command) error {
	conf, err := config.Load(o.ConfigPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		conf.Logger.Level = o.LogLevel
	}
	if flags.Changed("relay") {
		conf.Relays.URLs = o.Relays
	}
	if flags.Changed("cache") {
		conf.Cache.Backend = o.CacheBackend
	}
	if err := conf.Validate(); err != nil {
		return err
	}

	o.conf = conf
	o.logger = logging.InitLogger(conf.Logger.Level, conf.Logger.Format)
	return nil
}

func isValidFormat(format string) bool {
	for _, f := range validFormats {
		if f == format {
			return true
		}
	}
	return false
}
