package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nostr-threadfeed/internal/cache"
	"nostr-threadfeed/internal/config"
	"nostr-threadfeed/internal/contacts"
	"nostr-threadfeed/internal/metrics"
	"nostr-threadfeed/internal/profile"
	"nostr-threadfeed/internal/relay"
	"nostr-threadfeed/internal/thread"
)

// engine owns the shared components every command is built from
type engine struct {
	conf     *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	pool     *relay.Pool
	client   *relay.Client
	store    cache.Store
	profiles *profile.Resolver
	contacts *contacts.Resolver
}

func newEngine(conf *config.Config, logger *slog.Logger) (*engine, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	store, err := cache.Open(conf.Cache, logger)
	if err != nil {
		return nil, err
	}

	pool := relay.NewPool(relay.PoolConfig{
		DialTimeout:  conf.Relays.DialTimeout,
		WriteTimeout: conf.Relays.WriteTimeout,
		IdleTimeout:  conf.Relays.IdleTimeout,
		EventBuffer:  conf.Relays.EventBuffer,
		SkipVerify:   conf.Relays.SkipVerify,
		Logger:       logger,
		Metrics:      m,
	})
	client := relay.NewClient(pool, conf.Relays.URLs, conf.Relays.FetchTimeout)

	return &engine{
		conf:     conf,
		logger:   logger,
		registry: registry,
		metrics:  m,
		pool:     pool,
		client:   client,
		store:    store,
		profiles: profile.New(conf.Profiles, store, client, m, logger),
		contacts: contacts.New(conf.Contacts, client, m, logger),
	}, nil
}

func (e *engine) newFeed() *thread.Feed {
	return thread.New(e.conf.Thread, e.client, e.profiles, e.metrics, e.logger)
}

// close tears components down in reverse dependency order
func (e *engine) close() {
	e.profiles.Close()
	e.pool.Close()
	if err := e.store.Close(); err != nil {
		e.logger.Warn("failed to close profile store", "error", err)
	}
}

// serveMetrics exposes /metrics until ctx ends. A blank address disables it.
func (e *engine) serveMetrics(ctx context.Context) {
	addr := e.conf.Metrics.Addr
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{Registry: e.registry}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		e.logger.Info("metrics listener started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("metrics listener failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}

// maintain prunes expired profiles every interval until ctx ends
func (e *engine) maintain(ctx context.Context) {
	interval := e.conf.Maintenance.Interval
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.profiles.Maintain(ctx, e.conf.Maintenance.ProfileMaxAge)
			}
		}
	}()
}
