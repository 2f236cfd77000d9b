// Package relay speaks NIP-01 to Nostr relays over websockets.
package relay

import (
	"context"
	"errors"
	"sync"

	"nostr-threadfeed/internal/types"
)

// ErrNoRelays is returned when a subscription is requested with an empty relay list
var ErrNoRelays = errors.New("relay: no relays configured")

// Transport opens filtered subscriptions on a relay set.
// Implementations must deliver events with signatures already verified.
type Transport interface {
	Subscribe(ctx context.Context, filter types.Filter) (*Subscription, error)
	FetchLatest(ctx context.Context, filter types.Filter) (*types.Event, error)
}

// Subscription represents an active subscription.
// Events carries matching events, EOSE receives once stored events are exhausted,
// Done closes when the subscription ends (stopped locally or closed by relays).
type Subscription struct {
	ID     string
	Events chan types.Event
	EOSE   chan struct{}
	Done   chan struct{}

	closeOnce sync.Once
	stopOnce  sync.Once
	stop      func()
}

// NewSubscription creates a subscription whose Stop runs stop once before closing Done
func NewSubscription(id string, buffer int, stop func()) *Subscription {
	if buffer <= 0 {
		buffer = 100
	}
	return &Subscription{
		ID:     id,
		Events: make(chan types.Event, buffer),
		EOSE:   make(chan struct{}, 1),
		Done:   make(chan struct{}),
		stop:   stop,
	}
}

// Close safely closes the Done channel exactly once
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.Done)
	})
}

// Stop cancels the subscription on the relays and closes Done. Safe to call repeatedly.
func (s *Subscription) Stop() {
	s.stopOnce.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
	s.Close()
}

// Closed reports whether Done has been closed
func (s *Subscription) Closed() bool {
	select {
	case <-s.Done:
		return true
	default:
		return false
	}
}

// Deliver queues an event without blocking. Returns false if the event was dropped.
func (s *Subscription) Deliver(evt types.Event) bool {
	select {
	case <-s.Done:
		return false
	default:
	}
	select {
	case s.Events <- evt:
		return true
	case <-s.Done:
		return false
	default:
		return false
	}
}

// Send queues an event, waiting for room. Returns false if the subscription
// ended or ctx was cancelled first.
func (s *Subscription) Send(ctx context.Context, evt types.Event) bool {
	select {
	case <-s.Done:
		return false
	default:
	}
	select {
	case s.Events <- evt:
		return true
	case <-s.Done:
		return false
	case <-ctx.Done():
		return false
	}
}

// SignalEOSE marks end of stored events. Only the first signal is kept.
func (s *Subscription) SignalEOSE() {
	select {
	case s.EOSE <- struct{}{}:
	default:
	}
}
