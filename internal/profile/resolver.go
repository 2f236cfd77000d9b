// Package profile resolves author display metadata: cache first, one coalesced
// relay fetch per pubkey, and a passive subscription that keeps tracked authors fresh.
package profile

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"nostr-threadfeed/internal/cache"
	"nostr-threadfeed/internal/metrics"
	"nostr-threadfeed/internal/nostr"
	"nostr-threadfeed/internal/relay"
	"nostr-threadfeed/internal/subscription"
	"nostr-threadfeed/internal/types"
	"nostr-threadfeed/internal/util"
)

// Config tunes the resolver
type Config struct {
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	// BatchWindow collapses bursts of Track/Untrack into one passive subscription replacement.
	// Zero replaces synchronously.
	BatchWindow  time.Duration `mapstructure:"batch_window"`
	MetadataKind int           `mapstructure:"-"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		FetchTimeout: 5 * time.Second,
		BatchWindow:  250 * time.Millisecond,
		MetadataKind: types.KindMetadata,
	}
}

// Resolver owns the in-memory pubkey -> ProfileRecord mapping
type Resolver struct {
	cfg       Config
	store     cache.Store
	transport relay.Transport
	passive   *subscription.Lifecycle
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	records   map[string]types.ProfileRecord
	inflight  map[string]chan struct{}
	tracked   map[string]int
	batch     []string
	listeners []func(types.ProfileRecord)
	timerSet  bool
	timer     *time.Timer
	closed    bool

	// serializes passive subscription replacement
	refreshMu sync.Mutex
	// serializes store writes; taken before mu
	persistMu sync.Mutex
}

// New creates a Resolver. store is shared and owned by the caller.
func New(cfg Config, store cache.Store, transport relay.Transport, m *metrics.Metrics, logger *slog.Logger) *Resolver {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "profile_resolver")

	ctx, cancel := context.WithCancel(context.Background())
	return &Resolver{
		cfg:       cfg,
		store:     store,
		transport: transport,
		passive:   subscription.New("profile_passive", transport, m, logger),
		metrics:   m,
		logger:    logger,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		records:   make(map[string]types.ProfileRecord),
		inflight:  make(map[string]chan struct{}),
		tracked:   make(map[string]int),
	}
}

// OnChange registers fn to be called after any record changes
func (r *Resolver) OnChange(fn func(types.ProfileRecord)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Request starts resolving pubkey in the background.
// It is a no-op when the record is already resolved or a lookup is in flight.
func (r *Resolver) Request(pubkey string) {
	if pubkey == "" {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if rec, ok := r.records[pubkey]; ok && rec.Resolved() {
		r.mu.Unlock()
		return
	}
	if _, ok := r.inflight[pubkey]; ok {
		r.mu.Unlock()
		return
	}
	// Marked before the store read so a concurrent Request can't start a second lookup
	done := make(chan struct{})
	r.inflight[pubkey] = done
	r.wg.Add(1)
	r.mu.Unlock()

	go r.lookup(pubkey, done)
}

// Resolve requests pubkey and waits until the lookup finishes or ctx ends
func (r *Resolver) Resolve(ctx context.Context, pubkey string) (types.ProfileRecord, error) {
	r.Request(pubkey)

	r.mu.Lock()
	done := r.inflight[pubkey]
	r.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			rec, _ := r.Get(pubkey)
			return rec, ctx.Err()
		}
	}
	rec, _ := r.Get(pubkey)
	return rec, nil
}

// Get returns the in-memory record for pubkey
func (r *Resolver) Get(pubkey string) (types.ProfileRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[pubkey]
	if !ok {
		return types.ProfileRecord{PubKey: pubkey}, false
	}
	return rec, true
}

// Snapshot returns a copy of the whole mapping
func (r *Resolver) Snapshot() map[string]types.ProfileRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]types.ProfileRecord, len(r.records))
	for k, v := range r.records {
		out[k] = v
	}
	return out
}

// Warm loads every stored record into memory
func (r *Resolver) Warm(ctx context.Context) (int, error) {
	records, err := r.store.ListAll(ctx)
	if err != nil {
		r.logger.Warn("cache warm failed", "error", err)
		return 0, err
	}

	r.mu.Lock()
	for _, rec := range records {
		cur := r.records[rec.PubKey]
		cur.PubKey = rec.PubKey
		r.records[rec.PubKey] = cur.Merge(rec)
	}
	r.mu.Unlock()

	r.logger.Info("profile cache warmed", "records", len(records))
	return len(records), nil
}

// lookup runs the cache-then-relay resolution for one pubkey
func (r *Resolver) lookup(pubkey string, done chan struct{}) {
	defer func() {
		r.mu.Lock()
		delete(r.inflight, pubkey)
		r.mu.Unlock()
		close(done)
		r.wg.Done()
	}()

	logger := r.logger.With("pubkey", nostr.ShortID(pubkey))

	rec, ok, err := r.store.Get(r.ctx, pubkey)
	if err != nil {
		logger.Warn("cache read failed, treating as miss", "error", err)
	} else if ok && rec.Resolved() {
		r.metrics.IncrementCacheHit()
		r.mergeRecord(rec)
		return
	}
	r.metrics.IncrementCacheMiss()

	r.setLoading(pubkey, true)

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.FetchTimeout)
	evt, err := r.transport.FetchLatest(ctx, types.Filter{
		Kinds:   []int{r.cfg.MetadataKind},
		Authors: []string{pubkey},
		Limit:   1,
	})
	cancel()

	switch {
	case err != nil:
		r.metrics.ObserveProfileFetch("error")
		logger.Debug("profile fetch failed", "error", err)
	case evt == nil:
		r.metrics.ObserveProfileFetch("empty")
		logger.Debug("no profile found")
	default:
		r.metrics.ObserveProfileFetch("found")
		r.applyEvent(*evt, nil)
	}
	r.setLoading(pubkey, false)
}

// applyEvent merges a metadata event into memory and persists the result.
// live, when non-nil, is checked under the lock to reject late passive callbacks.
func (r *Resolver) applyEvent(evt types.Event, live func() bool) {
	if evt.Kind != r.cfg.MetadataKind || evt.PubKey == "" {
		return
	}
	logger := r.logger.With("pubkey", nostr.ShortID(evt.PubKey))

	update, err := parseMetadata(evt.Content)
	if err != nil {
		r.metrics.IncrementParseError()
		logger.Warn("unparseable profile metadata", "event_id", nostr.ShortID(evt.ID), "error", err)
		return
	}
	update.PubKey = evt.PubKey
	update.EventCreatedAt = evt.CreatedAt
	update.FetchedAt = r.now()

	r.mu.Lock()
	if r.closed || (live != nil && !live()) {
		r.mu.Unlock()
		return
	}
	cur := r.records[evt.PubKey]
	cur.PubKey = evt.PubKey
	if evt.CreatedAt < cur.EventCreatedAt {
		r.mu.Unlock()
		logger.Debug("ignoring stale profile event", "created_at", evt.CreatedAt)
		return
	}
	merged := cur.Merge(update)
	r.records[evt.PubKey] = merged
	listeners := r.listeners
	r.mu.Unlock()

	r.notify(listeners, merged)
	r.persist(logger, merged)
}

// persist writes the newest in-memory record for rec's pubkey. Writers queue
// on persistMu and re-read memory, so a slow Put never lands after a newer one.
func (r *Resolver) persist(logger *slog.Logger, rec types.ProfileRecord) {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.Lock()
	if latest, ok := r.records[rec.PubKey]; ok && latest.EventCreatedAt >= rec.EventCreatedAt {
		rec = latest
	}
	r.mu.Unlock()

	if err := r.store.Put(r.ctx, rec); err != nil {
		logger.Warn("cache write failed", "error", err)
	}
}

// mergeRecord merges a stored record into memory without persisting it again
func (r *Resolver) mergeRecord(rec types.ProfileRecord) {
	r.mu.Lock()
	cur := r.records[rec.PubKey]
	cur.PubKey = rec.PubKey
	merged := cur.Merge(rec)
	merged.IsLoading = false
	r.records[rec.PubKey] = merged
	listeners := r.listeners
	r.mu.Unlock()

	r.notify(listeners, merged)
}

func (r *Resolver) setLoading(pubkey string, loading bool) {
	r.mu.Lock()
	rec := r.records[pubkey]
	rec.PubKey = pubkey
	rec.IsLoading = loading
	r.records[pubkey] = rec
	listeners := r.listeners
	r.mu.Unlock()

	r.notify(listeners, rec)
}

func (r *Resolver) notify(listeners []func(types.ProfileRecord), rec types.ProfileRecord) {
	for _, fn := range listeners {
		fn(rec)
	}
}

// Track registers interest in pubkeys for passive updates. Calls are reference counted;
// each Track must be paired with an Untrack.
func (r *Resolver) Track(pubkeys ...string) {
	r.updateInterest(pubkeys, 1)
}

// Untrack releases interest registered with Track
func (r *Resolver) Untrack(pubkeys ...string) {
	r.updateInterest(pubkeys, -1)
}

func (r *Resolver) updateInterest(pubkeys []string, delta int) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	changed := false
	for _, pk := range pubkeys {
		if pk == "" {
			continue
		}
		before := r.tracked[pk]
		after := before + delta
		if after <= 0 {
			delete(r.tracked, pk)
			after = 0
		} else {
			r.tracked[pk] = after
		}
		if (before == 0) != (after == 0) {
			changed = true
		}
	}
	if !changed {
		r.mu.Unlock()
		return
	}

	if r.cfg.BatchWindow > 0 {
		if !r.timerSet {
			r.timerSet = true
			r.timer = time.AfterFunc(r.cfg.BatchWindow, r.refresh)
		}
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.refresh()
}

// Tracked returns the sorted set of pubkeys with passive interest
func (r *Resolver) Tracked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trackedLocked()
}

func (r *Resolver) trackedLocked() []string {
	out := make([]string, 0, len(r.tracked))
	for pk := range r.tracked {
		out = append(out, pk)
	}
	sort.Strings(out)
	return out
}

// refresh replaces the passive subscription when the tracked set differs from
// the batch it currently covers. The old subscription is always stopped first.
func (r *Resolver) refresh() {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	r.mu.Lock()
	r.timerSet = false
	if r.closed {
		r.mu.Unlock()
		return
	}
	batch := r.trackedLocked()
	if util.EqualStrings(batch, r.batch) {
		r.mu.Unlock()
		return
	}
	r.batch = batch
	r.mu.Unlock()

	if len(batch) == 0 {
		r.passive.Stop()
		r.logger.Debug("passive subscription stopped")
		return
	}

	_, err := r.passive.Start(r.ctx, types.Filter{
		Kinds:   []int{r.cfg.MetadataKind},
		Authors: batch,
	}, subscription.Handlers{
		OnEvent:  r.onPassiveEvent,
		OnClosed: r.onPassiveClosed,
	})
	if err != nil {
		r.logger.Warn("passive subscription failed", "authors", len(batch), "error", err)
		r.mu.Lock()
		r.batch = nil
		r.mu.Unlock()
		return
	}
	r.logger.Debug("passive subscription replaced", "authors", len(batch))
}

func (r *Resolver) onPassiveEvent(gen uint64, evt types.Event) {
	r.metrics.IncrementProfileUpdate()
	r.applyEvent(evt, func() bool { return r.passive.Live(gen) })
}

func (r *Resolver) onPassiveClosed(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.passive.Live(gen) {
		return
	}
	// Forget the batch so the next interest change reopens it
	r.batch = nil
	r.logger.Info("passive subscription closed by relays")
}

// Maintain deletes store records older than maxAge and evicts expired in-memory
// records that are neither in flight nor tracked. Returns the store deletion count.
func (r *Resolver) Maintain(ctx context.Context, maxAge time.Duration) (int, error) {
	removed, err := r.store.DeleteExpired(ctx, maxAge)
	if err != nil {
		r.logger.Warn("cache maintenance failed", "error", err)
	}

	cutoff := r.now().Add(-maxAge)
	r.mu.Lock()
	evicted := 0
	for pk, rec := range r.records {
		if _, busy := r.inflight[pk]; busy {
			continue
		}
		if r.tracked[pk] > 0 {
			continue
		}
		if rec.FetchedAt.Before(cutoff) {
			delete(r.records, pk)
			evicted++
		}
	}
	r.mu.Unlock()

	r.logger.Debug("profile maintenance", "store_removed", removed, "memory_evicted", evicted)
	return removed, err
}

// Close stops the passive subscription and waits for in-flight lookups
func (r *Resolver) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
	}
	r.mu.Unlock()

	r.passive.Stop()
	r.cancel()
	r.wg.Wait()
}
