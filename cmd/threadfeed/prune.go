package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"nostr-threadfeed/internal/logging"
)

func newPruneCommand(opts *rootOptions) *cobra.Command {
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete cached profiles older than a maximum age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("max-age") {
				maxAge = opts.conf.Maintenance.ProfileMaxAge
			}
			if maxAge <= 0 {
				return fmt.Errorf("max-age must be positive, got %s", maxAge)
			}

			ctx := cmd.Context()
			eng, err := newEngine(opts.conf, logging.FromContext(ctx))
			if err != nil {
				return err
			}
			defer eng.close()

			removed, err := eng.profiles.Maintain(ctx, maxAge)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d cached profiles older than %s\n", removed, maxAge)
			return nil
		},
	}

	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "maximum profile age (defaults to maintenance.profile_max_age)")
	return cmd
}
