// Package thread maintains a live, ordered, deduplicated reply feed for one root event.
package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"nostr-threadfeed/internal/metrics"
	"nostr-threadfeed/internal/nips"
	"nostr-threadfeed/internal/nostr"
	"nostr-threadfeed/internal/relay"
	"nostr-threadfeed/internal/subscription"
	"nostr-threadfeed/internal/types"
)

// ErrUnresolvable is returned when a root reference cannot be decoded
var ErrUnresolvable = errors.New("thread: unresolvable root reference")

// State of a Feed
type State int

const (
	Idle State = iota
	Subscribing
	Active
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Subscribing:
		return "subscribing"
	case Active:
		return "active"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Profiles is the part of the profile resolver a feed needs
type Profiles interface {
	Request(pubkey string)
	Track(pubkeys ...string)
	Untrack(pubkeys ...string)
	Get(pubkey string) (types.ProfileRecord, bool)
}

// Message is a feed event paired with its author's profile
type Message struct {
	Event  types.Event
	Author types.ProfileRecord
}

// Config tunes a feed
type Config struct {
	Limit        int `mapstructure:"limit"`
	TextNoteKind int `mapstructure:"-"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Limit:        500,
		TextNoteKind: types.KindTextNote,
	}
}

// Feed follows the replies of one root event at a time
type Feed struct {
	cfg      Config
	lc       *subscription.Lifecycle
	profiles Profiles
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// serializes SetRoot/Stop so subscription order matches state order
	setMu sync.Mutex
	// orders Track/Untrack calls made after mu is released; taken before mu is dropped
	interestMu sync.Mutex

	mu        sync.Mutex
	state     State
	root      string
	events    []types.Event
	seen      map[string]bool
	authors   map[string]bool
	ready     bool
	note      string
	err       error
	listeners []func(Message)
}

// New creates an idle Feed
func New(cfg Config, transport relay.Transport, profiles Profiles, m *metrics.Metrics, logger *slog.Logger) *Feed {
	if cfg.Limit <= 0 {
		cfg.Limit = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "thread_feed")
	return &Feed{
		cfg:      cfg,
		lc:       subscription.New("thread", transport, m, logger),
		profiles: profiles,
		metrics:  m,
		logger:   logger,
		seen:     make(map[string]bool),
		authors:  make(map[string]bool),
	}
}

// OnMessage registers fn to be called once per genuinely new event, in arrival order
func (f *Feed) OnMessage(fn func(Message)) {
	f.mu.Lock()
	f.listeners = append(f.listeners, fn)
	f.mu.Unlock()
}

// SetRoot switches the feed to the thread rooted at ref (note, nevent or hex).
// The previous subscription is stopped before the new one opens. An empty ref
// leaves the feed Idle; an undecodable ref leaves it Idle and returns ErrUnresolvable.
// The subscription lives until Stop, the next SetRoot, or ctx ends.
func (f *Feed) SetRoot(ctx context.Context, ref string) error {
	f.setMu.Lock()
	defer f.setMu.Unlock()

	ref = strings.TrimSpace(ref)
	var root string
	var decodeErr error
	if ref != "" {
		decoded, err := nips.DecodeEventRef(ref)
		if err != nil {
			decodeErr = fmt.Errorf("%w: %w", ErrUnresolvable, err)
		} else {
			root = decoded.EventID
		}
	}

	f.mu.Lock()
	if root != "" && root == f.root && f.state != Idle {
		f.mu.Unlock()
		return nil
	}
	released := f.resetLocked()
	if decodeErr != nil {
		f.err = decodeErr
		f.note = "Could not read thread reference"
	} else if root != "" {
		f.root = root
		f.state = Subscribing
	}
	f.untrackUnlock(released)

	if decodeErr != nil {
		f.logger.Warn("unresolvable thread root", "error", decodeErr)
		return decodeErr
	}
	if root == "" {
		return nil
	}

	logger := f.logger.With("root", nostr.ShortID(root))
	_, err := f.lc.Start(ctx, types.Filter{
		Kinds: []int{f.cfg.TextNoteKind},
		ETags: []string{root},
		Limit: f.cfg.Limit,
	}, subscription.Handlers{
		OnEvent:  f.onEvent,
		OnEOSE:   f.onEOSE,
		OnClosed: f.onClosed,
	})
	if err != nil {
		f.mu.Lock()
		f.state = Idle
		f.err = err
		f.note = "Could not subscribe to thread"
		f.mu.Unlock()
		logger.Warn("thread subscribe failed", "error", err)
		return err
	}

	logger.Info("thread subscription opened")
	return nil
}

// Stop closes the subscription and clears the feed
func (f *Feed) Stop() {
	f.setMu.Lock()
	defer f.setMu.Unlock()

	f.mu.Lock()
	f.untrackUnlock(f.resetLocked())
}

// untrackUnlock releases mu, then drops profile interest in authors
func (f *Feed) untrackUnlock(authors []string) {
	if len(authors) == 0 {
		f.mu.Unlock()
		return
	}
	f.interestMu.Lock()
	f.mu.Unlock()
	defer f.interestMu.Unlock()
	f.profiles.Untrack(authors...)
}

// resetLocked stops the subscription and clears state. It returns the authors
// whose profile interest the caller must release.
func (f *Feed) resetLocked() []string {
	f.lc.Stop()

	authors := make([]string, 0, len(f.authors))
	for pk := range f.authors {
		authors = append(authors, pk)
	}

	f.state = Idle
	f.root = ""
	f.events = nil
	f.seen = make(map[string]bool)
	f.authors = make(map[string]bool)
	f.ready = false
	f.note = ""
	f.err = nil
	return authors
}

func (f *Feed) onEvent(gen uint64, evt types.Event) {
	f.mu.Lock()
	if !f.lc.Live(gen) || evt.Kind != f.cfg.TextNoteKind {
		f.mu.Unlock()
		return
	}
	if f.state == Subscribing {
		f.state = Active
	}
	if f.seen[evt.ID] {
		f.mu.Unlock()
		f.metrics.ObserveThreadEvent("duplicate")
		return
	}
	f.seen[evt.ID] = true
	f.insertLocked(evt)

	newAuthor := !f.authors[evt.PubKey]
	f.authors[evt.PubKey] = true
	msg := Message{Event: evt, Author: f.authorLocked(evt.PubKey)}
	listeners := f.listeners
	if newAuthor {
		f.interestMu.Lock()
		f.mu.Unlock()
		f.profiles.Track(evt.PubKey)
		f.interestMu.Unlock()
		f.profiles.Request(evt.PubKey)
	} else {
		f.mu.Unlock()
	}

	f.metrics.ObserveThreadEvent("new")
	for _, fn := range listeners {
		fn(msg)
	}
}

// insertLocked keeps events ascending by CreatedAt; equal timestamps keep arrival order
func (f *Feed) insertLocked(evt types.Event) {
	i := sort.Search(len(f.events), func(i int) bool {
		return f.events[i].CreatedAt > evt.CreatedAt
	})
	f.events = append(f.events, types.Event{})
	copy(f.events[i+1:], f.events[i:])
	f.events[i] = evt
}

func (f *Feed) onEOSE(gen uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.lc.Live(gen) {
		return
	}
	f.ready = true
	if f.state == Subscribing {
		f.state = Active
	}
	f.logger.Debug("thread caught up", "root", nostr.ShortID(f.root), "events", len(f.events))
}

func (f *Feed) onClosed(gen uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.lc.Live(gen) {
		return
	}
	f.note = "Relays closed the thread subscription"
	f.logger.Info("thread subscription closed by relays", "root", nostr.ShortID(f.root))
}

// authorLocked returns the author's profile, or a loading placeholder
func (f *Feed) authorLocked(pubkey string) types.ProfileRecord {
	rec, ok := f.profiles.Get(pubkey)
	if !ok {
		return types.ProfileRecord{PubKey: pubkey, IsLoading: true}
	}
	return rec
}

// Messages returns the ordered feed paired with current author profiles
func (f *Feed) Messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, len(f.events))
	for i, evt := range f.events {
		out[i] = Message{Event: evt, Author: f.authorLocked(evt.PubKey)}
	}
	return out
}

// Events returns a copy of the ordered events
func (f *Feed) Events() []types.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Event(nil), f.events...)
}

func (f *Feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Root returns the hex ID of the current root event, or ""
func (f *Feed) Root() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.root
}

// Ready reports whether stored replies have all been delivered
func (f *Feed) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

// Err returns the last decode or subscribe error
func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Status returns a short human-readable description of the feed
func (f *Feed) Status() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.note != "" {
		return f.note
	}
	switch {
	case f.state == Idle:
		return "No thread selected"
	case !f.ready:
		return fmt.Sprintf("Loading replies (%d so far)", len(f.events))
	case len(f.events) == 1:
		return "1 reply"
	default:
		return fmt.Sprintf("%d replies", len(f.events))
	}
}
