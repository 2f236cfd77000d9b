package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-threadfeed/internal/types"
)

// fakeRelay answers every REQ with its stored events followed by EOSE
// (or CLOSED when closeSubs is set) and records CLOSE messages.
type fakeRelay struct {
	server    *httptest.Server
	events    []map[string]interface{}
	closeSubs bool

	mu     sync.Mutex
	reqs   int
	closes []string
}

func newFakeRelay(t *testing.T, events ...map[string]interface{}) *fakeRelay {
	t.Helper()
	fr := &fakeRelay{events: events}
	upgrader := websocket.Upgrader{}
	fr.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg []interface{}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			subID, _ := msg[1].(string)
			switch msg[0] {
			case "REQ":
				fr.mu.Lock()
				fr.reqs++
				fr.mu.Unlock()
				for _, evt := range fr.events {
					conn.WriteJSON([]interface{}{"EVENT", subID, evt})
				}
				if fr.closeSubs {
					conn.WriteJSON([]interface{}{"CLOSED", subID, "blocked: test"})
				} else {
					conn.WriteJSON([]interface{}{"EOSE", subID})
				}
			case "CLOSE":
				fr.mu.Lock()
				fr.closes = append(fr.closes, subID)
				fr.mu.Unlock()
			}
		}
	}))
	t.Cleanup(fr.server.Close)
	return fr
}

func (fr *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(fr.server.URL, "http")
}

func (fr *fakeRelay) closeCount() int {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return len(fr.closes)
}

// hexOf turns a readable label into a 32-byte hex value so events pass shape checks
func hexOf(label string) string {
	sum := sha256.Sum256([]byte(label))
	return hex.EncodeToString(sum[:])
}

// wireEvent builds a wire event whose id and pubkey are hexOf the given labels
func wireEvent(id, pubkey string, kind int, createdAt int64) map[string]interface{} {
	return map[string]interface{}{
		"id":         hexOf(id),
		"pubkey":     hexOf(pubkey),
		"created_at": float64(createdAt),
		"kind":       float64(kind),
		"content":    "",
		"tags":       []interface{}{},
		"sig":        "",
	}
}

func newTestClient(t *testing.T, verify bool, relays ...string) *Client {
	t.Helper()
	pool := NewPool(PoolConfig{SkipVerify: !verify})
	t.Cleanup(pool.Close)
	return NewClient(pool, relays, 2*time.Second)
}

func TestSubscribeNoRelays(t *testing.T) {
	c := newTestClient(t, false)
	_, err := c.Subscribe(context.Background(), types.Filter{Kinds: []int{1}})
	assert.ErrorIs(t, err, ErrNoRelays)

	_, err = c.FetchLatest(context.Background(), types.Filter{Kinds: []int{1}})
	assert.ErrorIs(t, err, ErrNoRelays)
}

func TestSubscribeDedupesAcrossRelays(t *testing.T) {
	evtA := wireEvent("aaaa", "alice", 1, 100)
	evtB := wireEvent("bbbb", "bob", 1, 200)
	r1 := newFakeRelay(t, evtA, evtB)
	r2 := newFakeRelay(t, evtA)

	c := newTestClient(t, false, r1.url(), r2.url())
	sub, err := c.Subscribe(context.Background(), types.Filter{Kinds: []int{1}})
	require.NoError(t, err)
	defer sub.Stop()

	got := map[string]int{}
	timeout := time.After(2 * time.Second)
collect:
	for {
		select {
		case evt := <-sub.Events:
			got[evt.ID]++
		case <-sub.EOSE:
			drain(sub, func(evt types.Event) { got[evt.ID]++ })
			break collect
		case <-timeout:
			t.Fatal("timed out waiting for EOSE")
		}
	}

	assert.Equal(t, map[string]int{hexOf("aaaa"): 1, hexOf("bbbb"): 1}, got)
}

func TestSubscribeFiltersNonMatchingEvents(t *testing.T) {
	r := newFakeRelay(t, wireEvent("aaaa", "alice", 0, 100), wireEvent("bbbb", "bob", 0, 100))
	c := newTestClient(t, false, r.url())

	latest, err := c.FetchLatest(context.Background(), types.Filter{Kinds: []int{0}, Authors: []string{hexOf("bob")}})
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, hexOf("bbbb"), latest.ID)
}

func TestFetchLatestPicksNewest(t *testing.T) {
	r1 := newFakeRelay(t, wireEvent("old", "alice", 3, 100))
	r2 := newFakeRelay(t, wireEvent("new", "alice", 3, 300), wireEvent("mid", "alice", 3, 200))

	c := newTestClient(t, false, r1.url(), r2.url())
	latest, err := c.FetchLatest(context.Background(), types.Filter{Kinds: []int{3}, Authors: []string{hexOf("alice")}})
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, hexOf("new"), latest.ID)
	assert.Equal(t, int64(300), latest.CreatedAt)
}

func TestFetchLatestEmpty(t *testing.T) {
	r := newFakeRelay(t)
	c := newTestClient(t, false, r.url())

	latest, err := c.FetchLatest(context.Background(), types.Filter{Kinds: []int{0}, Authors: []string{hexOf("nobody")}})
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestUnsignedEventsRejectedWhenVerifying(t *testing.T) {
	r := newFakeRelay(t, wireEvent("aaaa", "alice", 1, 100))
	c := newTestClient(t, true, r.url())

	latest, err := c.FetchLatest(context.Background(), types.Filter{Kinds: []int{1}})
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestRelayClosedEndsSubscription(t *testing.T) {
	r := newFakeRelay(t)
	r.closeSubs = true
	c := newTestClient(t, false, r.url())

	sub, err := c.Subscribe(context.Background(), types.Filter{Kinds: []int{1}})
	require.NoError(t, err)

	select {
	case <-sub.Done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription was not closed")
	}
	// A closed relay counts as finished
	select {
	case <-sub.EOSE:
	default:
		t.Fatal("expected EOSE after all relays closed")
	}
}

func TestStopSendsClose(t *testing.T) {
	r := newFakeRelay(t)
	c := newTestClient(t, false, r.url())

	sub, err := c.Subscribe(context.Background(), types.Filter{Kinds: []int{1}})
	require.NoError(t, err)

	sub.Stop()
	sub.Stop()
	assert.True(t, sub.Closed())

	assert.Eventually(t, func() bool { return r.closeCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestContextCancelStopsSubscription(t *testing.T) {
	r := newFakeRelay(t)
	c := newTestClient(t, false, r.url())

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := c.Subscribe(ctx, types.Filter{Kinds: []int{1}})
	require.NoError(t, err)

	cancel()
	select {
	case <-sub.Done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription survived context cancellation")
	}
}

func TestPoolReusesConnection(t *testing.T) {
	r := newFakeRelay(t)
	pool := NewPool(PoolConfig{SkipVerify: true})
	defer pool.Close()

	ctx := context.Background()
	s1, err := pool.Subscribe(ctx, r.url(), "one", map[string]interface{}{"kinds": []int{1}}, 0)
	require.NoError(t, err)
	s2, err := pool.Subscribe(ctx, r.url(), "two", map[string]interface{}{"kinds": []int{1}}, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, pool.ConnectionCount())

	pool.Unsubscribe(r.url(), s1)
	pool.Unsubscribe(r.url(), s2)
	assert.True(t, s1.Closed())
	assert.True(t, s2.Closed())
}

func TestUnsafeRelayRejected(t *testing.T) {
	pool := NewPool(PoolConfig{})
	defer pool.Close()

	_, err := pool.Subscribe(context.Background(), "wss://relay.internal", "x", nil, 0)
	assert.Error(t, err)
	_, err = pool.Subscribe(context.Background(), "https://relay.example.com", "x", nil, 0)
	assert.Error(t, err)
}

func TestSubscriptionDeliverAfterClose(t *testing.T) {
	sub := NewSubscription("s", 1, nil)
	assert.True(t, sub.Deliver(types.Event{ID: "a"}))
	assert.False(t, sub.Deliver(types.Event{ID: "b"}), "buffer full")

	sub.Close()
	assert.False(t, sub.Deliver(types.Event{ID: "c"}))

	sub.SignalEOSE()
	sub.SignalEOSE()
	assert.Len(t, sub.EOSE, 1)
}

func TestSubscriptionSendWaitsForRoom(t *testing.T) {
	sub := NewSubscription("s", 1, nil)
	require.True(t, sub.Send(context.Background(), types.Event{ID: "a"}))

	sent := make(chan bool, 1)
	go func() { sent <- sub.Send(context.Background(), types.Event{ID: "b"}) }()

	select {
	case <-sent:
		t.Fatal("Send returned while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, "a", (<-sub.Events).ID)
	assert.True(t, <-sent)
	assert.Equal(t, "b", (<-sub.Events).ID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.True(t, sub.Send(context.Background(), types.Event{ID: "c"}))
	assert.False(t, sub.Send(ctx, types.Event{ID: "d"}), "cancelled ctx while full")

	sub.Close()
	assert.False(t, sub.Send(context.Background(), types.Event{ID: "e"}))
}

func storedEvents(n int) []map[string]interface{} {
	events := make([]map[string]interface{}, n)
	for i := range events {
		events[i] = wireEvent(fmt.Sprintf("stored-%d", i), "alice", 1, int64(1000+i))
	}
	return events
}

// collectUntilEOSE reads sub until EOSE and returns how often each id arrived
func collectUntilEOSE(t *testing.T, sub *Subscription) map[string]int {
	t.Helper()
	got := map[string]int{}
	timeout := time.After(5 * time.Second)
	for {
		select {
		case evt := <-sub.Events:
			got[evt.ID]++
		case <-sub.EOSE:
			drain(sub, func(evt types.Event) { got[evt.ID]++ })
			return got
		case <-timeout:
			t.Fatalf("timed out waiting for EOSE after %d events", len(got))
			return got
		}
	}
}

func TestSubscribeDeliversStoredEventsBeyondPoolBuffer(t *testing.T) {
	r := newFakeRelay(t, storedEvents(500)...)
	c := newTestClient(t, false, r.url())

	sub, err := c.Subscribe(context.Background(), types.Filter{Kinds: []int{1}})
	require.NoError(t, err)
	defer sub.Stop()

	assert.Len(t, collectUntilEOSE(t, sub), 500)
}

func TestSubscribeHoldsLimitForBusyConsumer(t *testing.T) {
	r := newFakeRelay(t, storedEvents(500)...)
	c := newTestClient(t, false, r.url())

	sub, err := c.Subscribe(context.Background(), types.Filter{Kinds: []int{1}, Limit: 500})
	require.NoError(t, err)
	defer sub.Stop()

	// everything the relay sends arrives while nobody is reading
	time.Sleep(150 * time.Millisecond)

	got := collectUntilEOSE(t, sub)
	assert.Len(t, got, 500)
	for id, n := range got {
		assert.Equal(t, 1, n, "event %s delivered more than once", id)
	}
}

func TestSubscribeSucceedsWhenOneRelayFails(t *testing.T) {
	r := newFakeRelay(t, wireEvent("aaaa", "alice", 1, 100))
	c := newTestClient(t, false, r.url(), "ws://127.0.0.1:1")

	sub, err := c.Subscribe(context.Background(), types.Filter{Kinds: []int{1}})
	require.NoError(t, err)
	defer sub.Stop()

	assert.Equal(t, map[string]int{hexOf("aaaa"): 1}, collectUntilEOSE(t, sub))
}

func TestSubscribeAllRelaysFail(t *testing.T) {
	c := newTestClient(t, false, "ws://127.0.0.1:1", "ws://127.0.0.1:2")
	require.Len(t, c.Relays(), 2)

	_, err := c.Subscribe(context.Background(), types.Filter{Kinds: []int{1}})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoRelays)
}
