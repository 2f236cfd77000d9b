package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.IncrementCacheHit()
	m.IncrementCacheHit()
	m.IncrementCacheMiss()
	m.ObserveProfileFetch("found")
	m.SubscriptionOpened("thread")
	m.SubscriptionOpened("thread")
	m.SubscriptionClosed("thread")
	m.ObserveContactResolution("timeout")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheMisses))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.profileFetches.WithLabelValues("found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.subscriptionsActive.WithLabelValues("thread")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.contactResolutions.WithLabelValues("timeout")))

	count, err := testutil.GatherAndCount(reg)
	assert.NoError(t, err)
	assert.Positive(t, count)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncrementCacheHit()
		m.IncrementCacheMiss()
		m.ObserveProfileFetch("error")
		m.IncrementProfileUpdate()
		m.IncrementParseError()
		m.SubscriptionOpened("x")
		m.SubscriptionClosed("x")
		m.ObserveThreadEvent("new")
		m.ObserveContactResolution("eose")
		m.IncrementDroppedEvent()
	})
}
