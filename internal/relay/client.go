package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nostr-threadfeed/internal/nostr"
	"nostr-threadfeed/internal/types"
)

// Client fans a filter out to every configured relay and merges the results
// into one deduplicated subscription.
type Client struct {
	pool         *Pool
	relays       []string
	fetchTimeout time.Duration
	buffer       int
	logger       *slog.Logger
}

// NewClient creates a Client over pool. Relay URLs are normalized and deduplicated.
func NewClient(pool *Pool, relays []string, fetchTimeout time.Duration) *Client {
	if fetchTimeout <= 0 {
		fetchTimeout = 5 * time.Second
	}
	buffer := 256
	logger := slog.Default()
	if pool != nil {
		logger = pool.logger
		if pool.cfg.EventBuffer > buffer {
			buffer = pool.cfg.EventBuffer
		}
	}
	return &Client{
		pool:         pool,
		relays:       nostr.NormalizeRelayURLs(relays),
		fetchTimeout: fetchTimeout,
		buffer:       buffer,
		logger:       logger.With("component", "relay_client"),
	}
}

// Relays returns the normalized relay list
func (c *Client) Relays() []string {
	return append([]string(nil), c.relays...)
}

func newSubID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return "tf-" + hex.EncodeToString(b)
}

// Subscribe opens filter on every relay and returns as soon as one relay has
// accepted the REQ. Each relay is forwarded from the moment its subscription
// exists, so stored events are not left waiting on slower relays. EOSE is
// signalled once all relays have sent EOSE, closed, or failed. Done closes when
// Stop is called, ctx is cancelled, or every relay has closed the subscription.
func (c *Client) Subscribe(ctx context.Context, filter types.Filter) (*Subscription, error) {
	if len(c.relays) == 0 {
		return nil, ErrNoRelays
	}

	buffer := c.buffer
	if filter.Limit > buffer {
		buffer = filter.Limit
	}
	subID := newSubID()
	f := &fanout{
		client:  c,
		filter:  filter,
		buffer:  buffer,
		seen:    make(map[string]bool),
		pending: len(c.relays),
		opened:  make(chan struct{}),
	}
	f.merged = NewSubscription(subID, buffer, f.unsubscribeAll)

	req := filter.REQ()
	for _, relayURL := range c.relays {
		f.wg.Add(1)
		go f.run(ctx, relayURL, req)
	}
	finished := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(finished)
	}()

	select {
	case <-f.opened:
	case <-finished:
	}
	select {
	case <-f.opened:
	default:
		f.merged.Close()
		f.mu.Lock()
		defer f.mu.Unlock()
		return nil, errors.Join(f.errs...)
	}

	c.logger.Debug("subscription opened", "sub_id", subID, "relays", len(c.relays))
	go f.watch(ctx, finished)
	return f.merged, nil
}

// fanout merges the per-relay subscriptions of one Client.Subscribe call
type fanout struct {
	client *Client
	filter types.Filter
	buffer int
	merged *Subscription
	wg     sync.WaitGroup
	opened chan struct{}

	mu       sync.Mutex
	subs     map[string]*Subscription
	errs     []error
	seen     map[string]bool
	pending  int
	eoseSent bool
	stopped  bool
}

// register records a relay subscription unless the merged one already ended
func (f *fanout) register(relayURL string, sub *Subscription) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return false
	}
	if f.subs == nil {
		f.subs = make(map[string]*Subscription)
		close(f.opened)
	}
	f.subs[relayURL] = sub
	return true
}

func (f *fanout) unsubscribeAll() {
	f.mu.Lock()
	f.stopped = true
	subs := f.subs
	f.mu.Unlock()

	for relayURL, sub := range subs {
		f.client.pool.Unsubscribe(relayURL, sub)
	}
}

func (f *fanout) relayFinished() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending--
	if f.pending == 0 && !f.eoseSent {
		f.eoseSent = true
		f.merged.SignalEOSE()
	}
}

// forward passes a matching, first-seen event on, waiting for the consumer
func (f *fanout) forward(ctx context.Context, evt types.Event) {
	if !f.filter.Matches(evt) {
		return
	}
	f.mu.Lock()
	dup := f.seen[evt.ID]
	f.seen[evt.ID] = true
	f.mu.Unlock()
	if !dup {
		f.merged.Send(ctx, evt)
	}
}

func (f *fanout) run(ctx context.Context, relayURL string, req map[string]interface{}) {
	defer f.wg.Done()

	sub, err := f.client.pool.Subscribe(ctx, relayURL, f.merged.ID, req, f.buffer)
	if err != nil {
		f.client.logger.Warn("subscribe failed", "relay", relayURL, "error", err)
		f.mu.Lock()
		f.errs = append(f.errs, fmt.Errorf("%s: %w", relayURL, err))
		f.mu.Unlock()
		f.relayFinished()
		return
	}
	if !f.register(relayURL, sub) {
		f.client.pool.Unsubscribe(relayURL, sub)
		return
	}

	forward := func(evt types.Event) { f.forward(ctx, evt) }
	eose := false
	for {
		select {
		case evt := <-sub.Events:
			forward(evt)
		case <-sub.EOSE:
			// Events queued ahead of EOSE must be forwarded first
			drain(sub, forward)
			if !eose {
				eose = true
				f.relayFinished()
			}
		case <-sub.Done:
			drain(sub, forward)
			if !eose {
				f.relayFinished()
			}
			return
		case <-f.merged.Done:
			return
		}
	}
}

// watch stops the merged subscription when ctx ends or every relay is done
func (f *fanout) watch(ctx context.Context, finished <-chan struct{}) {
	select {
	case <-ctx.Done():
	case <-finished:
	case <-f.merged.Done:
	}
	f.merged.Stop()
}

// FetchLatest returns the newest event matching filter across all relays,
// or nil when no relay has one. It waits for EOSE, closure, or the fetch timeout.
func (c *Client) FetchLatest(ctx context.Context, filter types.Filter) (*types.Event, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()
	}

	sub, err := c.Subscribe(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer sub.Stop()

	return CollectLatest(ctx, sub), nil
}

// CollectLatest drains sub until EOSE, closure, or ctx expiry and returns the newest event
func CollectLatest(ctx context.Context, sub *Subscription) *types.Event {
	var latest *types.Event
	keep := func(evt types.Event) {
		if latest == nil || evt.CreatedAt > latest.CreatedAt {
			e := evt
			latest = &e
		}
	}

	for {
		select {
		case evt := <-sub.Events:
			keep(evt)
		case <-sub.EOSE:
			drain(sub, keep)
			return latest
		case <-sub.Done:
			drain(sub, keep)
			return latest
		case <-ctx.Done():
			return latest
		}
	}
}

func drain(sub *Subscription, fn func(types.Event)) {
	for {
		select {
		case evt := <-sub.Events:
			fn(evt)
		default:
			return
		}
	}
}
