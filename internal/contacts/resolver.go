// Package contacts resolves the follow list (kind 3) of a root identity.
package contacts

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"nostr-threadfeed/internal/metrics"
	"nostr-threadfeed/internal/nips"
	"nostr-threadfeed/internal/nostr"
	"nostr-threadfeed/internal/relay"
	"nostr-threadfeed/internal/subscription"
	"nostr-threadfeed/internal/types"
	"nostr-threadfeed/internal/util"
)

// Config tunes contact list resolution
type Config struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxContacts  int           `mapstructure:"max_contacts"` // 0 = unbounded
	ContactsKind int           `mapstructure:"-"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Timeout:      15 * time.Second,
		MaxContacts:  5000,
		ContactsKind: types.KindContacts,
	}
}

// Resolver answers Resolve with the root plus its followed pubkeys.
// Resolution always completes: no list, EOSE, relay close, or timeout all
// yield the root alone.
type Resolver struct {
	cfg       Config
	transport relay.Transport
	group     singleflight.Group
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates a Resolver
func New(cfg Config, transport relay.Transport, m *metrics.Metrics, logger *slog.Logger) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		cfg:       cfg,
		transport: transport,
		metrics:   m,
		logger:    logger.With("component", "contacts"),
	}
}

// Resolve decodes root (npub, nprofile or hex) and returns the root followed by
// its contacts. Concurrent calls for the same root share one subscription.
// If ctx ends first the fallback {root} is returned along with ctx.Err().
func (r *Resolver) Resolve(ctx context.Context, root string) ([]string, error) {
	ref, err := nips.DecodeProfileRef(root)
	if err != nil {
		r.logger.Warn("unresolvable root identity", "error", err)
		return nil, err
	}
	pk := ref.Pubkey

	ch := r.group.DoChan(pk, func() (interface{}, error) {
		return r.fetch(pk), nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			r.logger.Debug("singleflight: shared contact list fetch", "pubkey", nostr.ShortID(pk))
		}
		return append([]string(nil), res.Val.([]string)...), nil
	case <-ctx.Done():
		r.metrics.ObserveContactResolution("canceled")
		return []string{pk}, ctx.Err()
	}
}

type outcome struct {
	contacts []string
	how      string
}

// race lets the first of several competing paths decide the outcome
type race struct {
	once   sync.Once
	result chan outcome
}

func newRace() *race {
	return &race{result: make(chan outcome, 1)}
}

func (rc *race) settle(contacts []string, how string) {
	rc.once.Do(func() {
		rc.result <- outcome{contacts: contacts, how: how}
	})
}

// wait returns the settled outcome. When expired fires first the timeout
// settles with fallback, unless another path has already settled.
func (rc *race) wait(expired <-chan time.Time, fallback []string) outcome {
	select {
	case out := <-rc.result:
		return out
	case <-expired:
		rc.settle(fallback, "timeout")
		return <-rc.result
	}
}

// fetch runs one race between event, EOSE, close and timeout. The first to fire
// settles the result; the rest are no-ops. The timeout clock starts before the
// subscribe call, so a slow transport cannot stretch resolution past it.
func (r *Resolver) fetch(root string) []string {
	logger := r.logger.With("pubkey", nostr.ShortID(root))

	first := newRace()
	settle := first.settle
	fallback := func() []string { return []string{root} }

	timer := time.NewTimer(r.cfg.Timeout)
	defer timer.Stop()
	subCtx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	defer cancel()

	lc := subscription.New("contacts", r.transport, r.metrics, r.logger)
	defer lc.Stop()

	go func() {
		_, err := lc.Start(subCtx, types.Filter{
			Kinds:   []int{r.cfg.ContactsKind},
			Authors: []string{root},
			Limit:   1,
		}, subscription.Handlers{
			OnEvent: func(gen uint64, evt types.Event) {
				if evt.Kind != r.cfg.ContactsKind || evt.PubKey != root {
					return
				}
				settle(r.contactsFromEvent(root, evt), "event")
			},
			OnEOSE: func(gen uint64) {
				settle(fallback(), "eose")
			},
			OnClosed: func(gen uint64) {
				if subCtx.Err() != nil {
					settle(fallback(), "timeout")
					return
				}
				settle(fallback(), "closed")
			},
		})
		switch {
		case err == nil:
		case subCtx.Err() != nil || errors.Is(err, subscription.ErrSuperseded):
			settle(fallback(), "timeout")
		default:
			logger.Warn("contact list subscribe failed, using root only", "error", err)
			settle(fallback(), "error")
		}
	}()

	out := first.wait(timer.C, fallback())

	r.metrics.ObserveContactResolution(out.how)
	logger.Debug("contact list resolved", "outcome", out.how, "contacts", len(out.contacts)-1)
	return out.contacts
}

// contactsFromEvent returns root followed by the event's p tags in order, deduplicated
func (r *Resolver) contactsFromEvent(root string, evt types.Event) []string {
	seen := map[string]bool{root: true}
	out := []string{root}
	for _, value := range util.GetTagValues(evt.Tags, "p") {
		pk := strings.ToLower(value)
		if !nips.IsHex32(pk) || seen[pk] {
			continue
		}
		seen[pk] = true
		out = append(out, pk)
		if r.cfg.MaxContacts > 0 && len(out)-1 >= r.cfg.MaxContacts {
			break
		}
	}
	return out
}

