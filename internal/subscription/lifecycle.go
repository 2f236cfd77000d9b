// Package subscription owns the start/stop lifecycle of a single relay subscription.
//
// Every Start bumps a generation counter. Handlers receive the generation they
// were started with, and owners reject late callbacks by checking Live(gen)
// while holding their own lock. Lock order is always owner, then Lifecycle.
package subscription

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"nostr-threadfeed/internal/metrics"
	"nostr-threadfeed/internal/relay"
	"nostr-threadfeed/internal/types"
)

// ErrSuperseded is returned by Start when Stop or another Start ran while subscribing
var ErrSuperseded = errors.New("subscription: superseded before it opened")

// Handlers receive one subscription's callbacks, all on the same goroutine
type Handlers struct {
	OnEvent  func(gen uint64, evt types.Event)
	OnEOSE   func(gen uint64)
	OnClosed func(gen uint64) // relay or context ended the subscription; not called after Stop
}

// Lifecycle holds at most one active subscription
type Lifecycle struct {
	name      string
	transport relay.Transport
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu     sync.Mutex
	gen    uint64
	active *relay.Subscription
}

// New creates a Lifecycle. name labels logs and the active-subscriptions gauge.
func New(name string, transport relay.Transport, m *metrics.Metrics, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		name:      name,
		transport: transport,
		metrics:   m,
		logger:    logger.With("subscription", name),
	}
}

// Start stops the current subscription, then opens filter and dispatches its
// callbacks. Events arrive in transport order and always before EOSE/closed.
func (l *Lifecycle) Start(ctx context.Context, filter types.Filter, h Handlers) (uint64, error) {
	l.mu.Lock()
	l.stopLocked()
	l.gen++
	gen := l.gen
	l.mu.Unlock()

	sub, err := l.transport.Subscribe(ctx, filter)
	if err != nil {
		l.logger.Warn("subscribe failed", "error", err)
		return gen, err
	}

	l.mu.Lock()
	if l.gen != gen {
		l.mu.Unlock()
		sub.Stop()
		return gen, ErrSuperseded
	}
	l.active = sub
	l.mu.Unlock()

	l.metrics.SubscriptionOpened(l.name)
	go l.dispatch(gen, sub, h)
	return gen, nil
}

// Stop ends the active subscription. Idempotent; does not wait for in-flight callbacks,
// which are rejected by Live.
func (l *Lifecycle) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen++
	l.stopLocked()
}

func (l *Lifecycle) stopLocked() {
	if l.active == nil {
		return
	}
	l.active.Stop()
	l.active = nil
}

// Live reports whether gen is the current generation
func (l *Lifecycle) Live(gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gen == gen
}

// Active reports whether a subscription is currently open
func (l *Lifecycle) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active != nil
}

func (l *Lifecycle) dispatch(gen uint64, sub *relay.Subscription, h Handlers) {
	defer l.metrics.SubscriptionClosed(l.name)

	deliver := func(evt types.Event) {
		if h.OnEvent != nil && l.Live(gen) {
			h.OnEvent(gen, evt)
		}
	}
	drain := func() {
		for {
			select {
			case evt := <-sub.Events:
				deliver(evt)
			default:
				return
			}
		}
	}

	for {
		select {
		case evt := <-sub.Events:
			deliver(evt)

		case <-sub.EOSE:
			drain()
			if h.OnEOSE != nil && l.Live(gen) {
				h.OnEOSE(gen)
			}

		case <-sub.Done:
			drain()
			l.mu.Lock()
			live := l.gen == gen
			if live && l.active == sub {
				l.active = nil
			}
			l.mu.Unlock()
			if !live {
				return
			}
			// Closed remotely: release relay-side state too
			sub.Stop()
			l.logger.Debug("subscription closed remotely")
			if h.OnClosed != nil {
				h.OnClosed(gen)
			}
			return
		}
	}
}
