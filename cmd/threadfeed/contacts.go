package main

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"nostr-threadfeed/internal/logging"
	"nostr-threadfeed/internal/types"
)

func newContactsCommand(opts *rootOptions) *cobra.Command {
	var (
		withProfiles bool
		parallel     int
	)

	cmd := &cobra.Command{
		Use:   "contacts <npub|nprofile|hex>",
		Short: "List an author followed by the accounts they follow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := logging.WithTraceID(cmd.Context(), logging.NewTraceID())
			logger := logging.FromContext(ctx)

			eng, err := newEngine(opts.conf, logger)
			if err != nil {
				return err
			}
			defer eng.close()

			pubkeys, err := eng.contacts.Resolve(ctx, args[0])
			if err != nil {
				return err
			}

			records := make([]types.ProfileRecord, len(pubkeys))
			for i, pk := range pubkeys {
				records[i] = types.ProfileRecord{PubKey: pk}
			}

			if withProfiles {
				g, gctx := errgroup.WithContext(ctx)
				g.SetLimit(parallel)
				for i, pk := range pubkeys {
					i, pk := i, pk
					g.Go(func() error {
						rec, err := eng.profiles.Resolve(gctx, pk)
						if err != nil {
							return err
						}
						records[i] = rec
						return nil
					})
				}
				if err := g.Wait(); err != nil {
					return err
				}
			}

			out := newPrinter(cmd.OutOrStdout(), opts.Format)
			for _, rec := range records {
				out.profile(rec)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&withProfiles, "profiles", false, "resolve the profile of every contact")
	cmd.Flags().IntVar(&parallel, "parallel", 8, "concurrent profile lookups")

	return cmd
}
