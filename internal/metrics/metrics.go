// Package metrics exposes Prometheus collectors for the subscription/cache engine.
// A nil *Metrics is valid and records nothing, so components can run without a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's collectors
type Metrics struct {
	cacheHits           prometheus.Counter
	cacheMisses         prometheus.Counter
	profileFetches      *prometheus.CounterVec
	profileUpdates      prometheus.Counter
	parseErrors         prometheus.Counter
	subscriptionsActive *prometheus.GaugeVec
	threadEvents        *prometheus.CounterVec
	contactResolutions  *prometheus.CounterVec
	droppedEvents       prometheus.Counter
}

// New creates the collectors and registers them on reg (if non-nil)
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threadfeed_profile_cache_hits_total",
			Help: "Profile requests answered from the cache store",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threadfeed_profile_cache_misses_total",
			Help: "Profile requests that needed a relay fetch",
		}),
		profileFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadfeed_profile_fetches_total",
			Help: "On-demand profile fetches by result",
		}, []string{"result"}),
		profileUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threadfeed_profile_passive_updates_total",
			Help: "Profile updates applied from the passive metadata subscription",
		}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threadfeed_profile_parse_errors_total",
			Help: "Metadata events whose content could not be decoded",
		}),
		subscriptionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "threadfeed_subscriptions_active",
			Help: "Open subscriptions by owner",
		}, []string{"owner"}),
		threadEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadfeed_thread_events_total",
			Help: "Events received by thread feeds",
		}, []string{"result"}),
		contactResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadfeed_contact_list_resolutions_total",
			Help: "Contact list resolutions by the path that settled them",
		}, []string{"outcome"}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threadfeed_relay_events_dropped_total",
			Help: "Events dropped due to full subscription channels",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.cacheHits,
			m.cacheMisses,
			m.profileFetches,
			m.profileUpdates,
			m.parseErrors,
			m.subscriptionsActive,
			m.threadEvents,
			m.contactResolutions,
			m.droppedEvents,
		)
	}
	return m
}

// IncrementCacheHit increments the cache hit counter
func (m *Metrics) IncrementCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

// IncrementCacheMiss increments the cache miss counter
func (m *Metrics) IncrementCacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

// ObserveProfileFetch records the result of an on-demand fetch ("found", "empty", "error")
func (m *Metrics) ObserveProfileFetch(result string) {
	if m == nil {
		return
	}
	m.profileFetches.WithLabelValues(result).Inc()
}

func (m *Metrics) IncrementProfileUpdate() {
	if m == nil {
		return
	}
	m.profileUpdates.Inc()
}

func (m *Metrics) IncrementParseError() {
	if m == nil {
		return
	}
	m.parseErrors.Inc()
}

// SubscriptionOpened and SubscriptionClosed track open subscriptions per owner
func (m *Metrics) SubscriptionOpened(owner string) {
	if m == nil {
		return
	}
	m.subscriptionsActive.WithLabelValues(owner).Inc()
}

func (m *Metrics) SubscriptionClosed(owner string) {
	if m == nil {
		return
	}
	m.subscriptionsActive.WithLabelValues(owner).Dec()
}

// ObserveThreadEvent records a thread event as "new" or "duplicate"
func (m *Metrics) ObserveThreadEvent(result string) {
	if m == nil {
		return
	}
	m.threadEvents.WithLabelValues(result).Inc()
}

// ObserveContactResolution records which race settled a contact list resolution
func (m *Metrics) ObserveContactResolution(outcome string) {
	if m == nil {
		return
	}
	m.contactResolutions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrementDroppedEvent() {
	if m == nil {
		return
	}
	m.droppedEvents.Inc()
}
