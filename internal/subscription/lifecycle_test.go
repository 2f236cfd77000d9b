package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-threadfeed/internal/metrics"
	"nostr-threadfeed/internal/relay/relaytest"
	"nostr-threadfeed/internal/types"
)

type recorder struct {
	mu     sync.Mutex
	events []string
	eose   int
	closed int
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnEvent: func(gen uint64, evt types.Event) {
			r.mu.Lock()
			r.events = append(r.events, evt.ID)
			r.mu.Unlock()
		},
		OnEOSE: func(gen uint64) {
			r.mu.Lock()
			r.eose++
			r.mu.Unlock()
		},
		OnClosed: func(gen uint64) {
			r.mu.Lock()
			r.closed++
			r.mu.Unlock()
		},
	}
}

func (r *recorder) snapshot() ([]string, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...), r.eose, r.closed
}

func newLifecycle(ft *relaytest.Transport) *Lifecycle {
	return New("test", ft, metrics.New(prometheus.NewRegistry()), nil)
}

func TestStartDispatchesInOrder(t *testing.T) {
	ft := relaytest.New()
	l := newLifecycle(ft)
	rec := &recorder{}

	gen, err := l.Start(context.Background(), types.Filter{Kinds: []int{1}}, rec.handlers())
	require.NoError(t, err)
	assert.True(t, l.Live(gen))
	assert.True(t, l.Active())

	sub := ft.Last()
	sub.Send(types.Event{ID: "a"})
	sub.Send(types.Event{ID: "b"})
	sub.Send(types.Event{ID: "c"})
	sub.SendEOSE()

	assert.Eventually(t, func() bool {
		_, eose, _ := rec.snapshot()
		return eose == 1
	}, time.Second, 5*time.Millisecond)

	events, _, closed := rec.snapshot()
	assert.Equal(t, []string{"a", "b", "c"}, events)
	assert.Zero(t, closed)
}

func TestRestartStopsPreviousExactlyOnce(t *testing.T) {
	ft := relaytest.New()
	l := newLifecycle(ft)
	rec := &recorder{}

	gen1, err := l.Start(context.Background(), types.Filter{Kinds: []int{1}}, rec.handlers())
	require.NoError(t, err)
	gen2, err := l.Start(context.Background(), types.Filter{Kinds: []int{1}}, rec.handlers())
	require.NoError(t, err)

	subs := ft.Subs()
	require.Len(t, subs, 2)
	assert.Equal(t, 1, subs[0].StopCount())
	assert.Equal(t, 0, subs[1].StopCount())
	assert.False(t, l.Live(gen1))
	assert.True(t, l.Live(gen2))

	l.Stop()
	l.Stop()
	assert.Equal(t, 1, subs[0].StopCount())
	assert.Equal(t, 1, subs[1].StopCount())
	assert.False(t, l.Live(gen2))
	assert.False(t, l.Active())
}

func TestStopSuppressesLateCallbacks(t *testing.T) {
	ft := relaytest.New()
	l := newLifecycle(ft)
	rec := &recorder{}

	_, err := l.Start(context.Background(), types.Filter{}, rec.handlers())
	require.NoError(t, err)
	sub := ft.Last()

	l.Stop()
	// Sends after stop are dropped by the closed subscription
	sub.Send(types.Event{ID: "late"})
	sub.SendEOSE()

	time.Sleep(20 * time.Millisecond)
	events, eose, closed := rec.snapshot()
	assert.Empty(t, events)
	assert.Zero(t, eose)
	assert.Zero(t, closed, "local stop is not reported as a remote close")
}

func TestRemoteCloseReported(t *testing.T) {
	ft := relaytest.New()
	l := newLifecycle(ft)
	rec := &recorder{}

	gen, err := l.Start(context.Background(), types.Filter{}, rec.handlers())
	require.NoError(t, err)

	sub := ft.Last()
	sub.Send(types.Event{ID: "a"})
	sub.CloseFromRelay()

	assert.Eventually(t, func() bool {
		_, _, closed := rec.snapshot()
		return closed == 1
	}, time.Second, 5*time.Millisecond)

	events, _, _ := rec.snapshot()
	assert.Equal(t, []string{"a"}, events)
	assert.True(t, l.Live(gen))
	assert.False(t, l.Active())
}

func TestSubscribeFailure(t *testing.T) {
	ft := relaytest.New()
	ft.SubscribeErr = errors.New("dial failed")
	l := newLifecycle(ft)

	_, err := l.Start(context.Background(), types.Filter{}, Handlers{})
	assert.Error(t, err)
	assert.False(t, l.Active())
}

func TestHandlerMayStop(t *testing.T) {
	ft := relaytest.New()
	l := newLifecycle(ft)

	done := make(chan struct{})
	_, err := l.Start(context.Background(), types.Filter{}, Handlers{
		OnEvent: func(gen uint64, evt types.Event) {
			l.Stop()
			close(done)
		},
	})
	require.NoError(t, err)

	ft.Last().Send(types.Event{ID: "a"})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not run")
	}
	assert.False(t, l.Active())
}
