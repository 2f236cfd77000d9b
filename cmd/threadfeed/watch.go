package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"nostr-threadfeed/internal/logging"
	"nostr-threadfeed/internal/thread"
	"nostr-threadfeed/internal/types"
)

func newWatchCommand(opts *rootOptions) *cobra.Command {
	var (
		contactsOf   string
		once         bool
		showProfiles bool
	)

	cmd := &cobra.Command{
		Use:   "watch <note|nevent|hex>",
		Short: "Stream replies to a thread with resolved authors",
		Long:  "watch subscribes to every reply of the given root note and prints them in timestamp order as relays deliver them.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := logging.WithTraceID(cmd.Context(), logging.NewTraceID())
			logger := logging.FromContext(ctx)

			eng, err := newEngine(opts.conf, logger)
			if err != nil {
				return err
			}
			defer eng.close()

			eng.serveMetrics(ctx)
			eng.maintain(ctx)
			if n, err := eng.profiles.Warm(ctx); err != nil {
				logger.Warn("failed to warm profiles from store", "error", err)
			} else {
				logger.Debug("profiles warmed from store", "count", n)
			}

			if contactsOf != "" {
				pubkeys, err := eng.contacts.Resolve(ctx, contactsOf)
				if err != nil && pubkeys == nil {
					return err
				}
				eng.profiles.Track(pubkeys...)
				defer eng.profiles.Untrack(pubkeys...)
				logger.Info("tracking contact profiles", "count", len(pubkeys))
			}

			out := newPrinter(cmd.OutOrStdout(), opts.Format)
			if showProfiles {
				eng.profiles.OnChange(func(rec types.ProfileRecord) { out.profile(rec) })
			}

			feed := eng.newFeed()
			feed.OnMessage(out.message)
			if err := feed.SetRoot(ctx, args[0]); err != nil {
				return err
			}
			defer feed.Stop()

			if once {
				waitReady(ctx, feed)
			} else {
				<-ctx.Done()
			}
			out.status(feed.Status(), len(feed.Events()))
			return nil
		},
	}

	cmd.Flags().StringVar(&contactsOf, "contacts", "", "keep profiles of this author's contacts fresh (npub, nprofile or hex)")
	cmd.Flags().BoolVar(&once, "once", false, "exit once relays have sent their stored replies")
	cmd.Flags().BoolVar(&showProfiles, "profiles", false, "print profile updates as they arrive")

	return cmd
}

// waitReady blocks until every relay has sent its stored replies or ctx ends
func waitReady(ctx context.Context, feed *thread.Feed) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for !feed.Ready() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
