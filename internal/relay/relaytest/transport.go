// Package relaytest provides an in-memory relay.Transport for tests.
package relaytest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"nostr-threadfeed/internal/relay"
	"nostr-threadfeed/internal/types"
)

// Sub is a subscription opened on the fake transport
type Sub struct {
	*relay.Subscription
	Filter types.Filter
	stops  atomic.Int32
}

// Send delivers evt, blocking until it is queued or the subscription ends
func (s *Sub) Send(evt types.Event) {
	select {
	case s.Events <- evt:
	case <-s.Done:
	}
}

// SendEOSE signals end of stored events
func (s *Sub) SendEOSE() {
	s.SignalEOSE()
}

// CloseFromRelay ends the subscription the way a relay CLOSED message would
func (s *Sub) CloseFromRelay() {
	s.Close()
}

// StopCount reports how many times the owner stopped this subscription
func (s *Sub) StopCount() int {
	return int(s.stops.Load())
}

// Transport records subscriptions and serves FetchLatest from Events
type Transport struct {
	mu     sync.Mutex
	subs   []*Sub
	events []types.Event

	// SubscribeErr, when set, fails every Subscribe call
	SubscribeErr error
	// FetchErr, when set, fails every FetchLatest call
	FetchErr error
	// FetchDelay is slept (respecting ctx) before FetchLatest answers
	FetchDelay time.Duration
	// SubscribeDelay is slept (respecting ctx) before Subscribe answers
	SubscribeDelay time.Duration

	fetches atomic.Int32
}

// New creates a Transport whose FetchLatest answers from events
func New(events ...types.Event) *Transport {
	return &Transport{events: events}
}

// AddEvents makes more events visible to FetchLatest
func (t *Transport) AddEvents(events ...types.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, events...)
}

// Subscribe implements relay.Transport
func (t *Transport) Subscribe(ctx context.Context, filter types.Filter) (*relay.Subscription, error) {
	if t.SubscribeDelay > 0 {
		select {
		case <-time.After(t.SubscribeDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if t.SubscribeErr != nil {
		return nil, t.SubscribeErr
	}

	s := &Sub{Filter: filter}
	s.Subscription = relay.NewSubscription("fake", 100, func() {
		s.stops.Add(1)
	})

	t.mu.Lock()
	t.subs = append(t.subs, s)
	t.mu.Unlock()
	return s.Subscription, nil
}

// FetchLatest implements relay.Transport
func (t *Transport) FetchLatest(ctx context.Context, filter types.Filter) (*types.Event, error) {
	t.fetches.Add(1)

	if t.FetchDelay > 0 {
		select {
		case <-time.After(t.FetchDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if t.FetchErr != nil {
		return nil, t.FetchErr
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	var latest *types.Event
	for _, evt := range t.events {
		if !filter.Matches(evt) {
			continue
		}
		if latest == nil || evt.CreatedAt > latest.CreatedAt {
			e := evt
			latest = &e
		}
	}
	return latest, nil
}

// FetchCount reports how many FetchLatest calls were made
func (t *Transport) FetchCount() int {
	return int(t.fetches.Load())
}

// Subs returns every subscription opened so far
func (t *Transport) Subs() []*Sub {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Sub(nil), t.subs...)
}

// Last returns the most recently opened subscription, or nil
func (t *Transport) Last() *Sub {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.subs) == 0 {
		return nil
	}
	return t.subs[len(t.subs)-1]
}

// Open returns subscriptions that have not been stopped or closed
func (t *Transport) Open() []*Sub {
	t.mu.Lock()
	defer t.mu.Unlock()
	var open []*Sub
	for _, s := range t.subs {
		if !s.Closed() {
			open = append(open, s)
		}
	}
	return open
}
