package main

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"nostr-threadfeed/internal/logging"
	"nostr-threadfeed/internal/nips"
	"nostr-threadfeed/internal/types"
	"nostr-threadfeed/internal/util"
)

func newProfileCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile <npub|nprofile|hex>...",
		Short: "Resolve author profiles through the cache and relays",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pubkeys := make([]string, len(args))
			for i, arg := range args {
				ref, err := nips.DecodeProfileRef(arg)
				if err != nil {
					return err
				}
				pubkeys[i] = ref.Pubkey
			}
			pubkeys = util.DedupeStrings(pubkeys)

			ctx := logging.WithTraceID(cmd.Context(), logging.NewTraceID())
			eng, err := newEngine(opts.conf, logging.FromContext(ctx))
			if err != nil {
				return err
			}
			defer eng.close()

			records := make([]types.ProfileRecord, len(pubkeys))
			g, gctx := errgroup.WithContext(ctx)
			for i, pk := range pubkeys {
				i, pk := i, pk
				g.Go(func() error {
					rec, err := eng.profiles.Resolve(gctx, pk)
					records[i] = rec
					return err
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			out := newPrinter(cmd.OutOrStdout(), opts.Format)
			for _, rec := range records {
				out.profile(rec)
			}
			return nil
		},
	}
	return cmd
}
