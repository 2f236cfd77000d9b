package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"nostr-threadfeed/internal/metrics"
	"nostr-threadfeed/internal/nostr"
	"nostr-threadfeed/internal/util"
)

var errUnsafeRelay = errors.New("relay URL blocked: unsafe destination")

// isRelayURLSafe validates that a relay URL is safe to connect to.
// Loopback is allowed for development; other private ranges are blocked.
func isRelayURLSafe(relayURL string) bool {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return false
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return false
	}

	host := parsed.Hostname()
	if host == "" {
		return false
	}
	if util.IsLoopbackHost(host) {
		return true
	}
	if util.IsInternalHost(host) {
		return false
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// Unresolvable now; the dial will fail on its own if it stays that way
		return true
	}
	for _, ip := range ips {
		if !isRelayIPSafe(ip) {
			return false
		}
	}
	return true
}

func isRelayIPSafe(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	return !(ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		ip.IsMulticast())
}

// relayConn manages a single websocket connection with multiple subscriptions
type relayConn struct {
	conn          *websocket.Conn
	relayURL      string
	mu            sync.Mutex
	writeMu       sync.Mutex
	subscriptions map[string]*Subscription
	closed        bool
	lastActivity  time.Time
	verify        bool
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

// PoolConfig tunes connection handling
type PoolConfig struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	EventBuffer  int
	SkipVerify   bool // accept events without checking signatures
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// Pool manages one connection per relay URL shared by all subscriptions
type Pool struct {
	mu          sync.RWMutex
	connections map[string]*relayConn
	dials       singleflight.Group
	dialer      *websocket.Dialer
	cfg         PoolConfig
	logger      *slog.Logger
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewPool creates a connection pool and starts its idle cleanup loop
func NewPool(cfg PoolConfig) *Pool {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		connections: make(map[string]*relayConn),
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.DialTimeout,
		},
		cfg:    cfg,
		logger: logger.With("component", "relay_pool"),
		stopCh: make(chan struct{}),
	}
	go p.cleanupLoop()
	return p
}

// live returns the open connection for relayURL, if any
func (p *Pool) live(relayURL string) *relayConn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if rc := p.connections[relayURL]; rc != nil && !rc.isClosed() {
		return rc
	}
	return nil
}

// connect returns the shared connection for relayURL, dialing at most once
// per URL no matter how many subscriptions ask concurrently
func (p *Pool) connect(ctx context.Context, relayURL string) (*relayConn, error) {
	if !isRelayURLSafe(relayURL) {
		return nil, fmt.Errorf("%w: %s", errUnsafeRelay, relayURL)
	}
	if rc := p.live(relayURL); rc != nil {
		return rc, nil
	}

	v, err, shared := p.dials.Do(relayURL, func() (interface{}, error) {
		if rc := p.live(relayURL); rc != nil {
			return rc, nil
		}

		p.logger.Debug("dialing relay", "relay", relayURL)
		conn, _, err := p.dialer.DialContext(ctx, relayURL, nil)
		if err != nil {
			return nil, err
		}
		rc := &relayConn{
			conn:          conn,
			relayURL:      relayURL,
			subscriptions: make(map[string]*Subscription),
			lastActivity:  time.Now(),
			verify:        !p.cfg.SkipVerify,
			logger:        p.logger.With("relay", relayURL),
			metrics:       p.cfg.Metrics,
		}

		p.mu.Lock()
		p.connections[relayURL] = rc
		p.mu.Unlock()

		go rc.readLoop()
		return rc, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		p.logger.Debug("singleflight: shared relay dial", "relay", relayURL)
	}
	return v.(*relayConn), nil
}

// forget drops rc from the pool if it is still the registered connection
func (p *Pool) forget(relayURL string, rc *relayConn) {
	p.mu.Lock()
	if p.connections[relayURL] == rc {
		delete(p.connections, relayURL)
	}
	p.mu.Unlock()
}

// lockedConn returns an open connection with rc.mu held. A connection that
// closes between dial and lock is discarded and redialed.
func (p *Pool) lockedConn(ctx context.Context, relayURL string) (*relayConn, error) {
	const attempts = 3
	for i := 0; i < attempts; i++ {
		rc, err := p.connect(ctx, relayURL)
		if err != nil {
			return nil, err
		}
		rc.mu.Lock()
		if !rc.closed {
			return rc, nil
		}
		rc.mu.Unlock()
		p.forget(relayURL, rc)
	}
	return nil, fmt.Errorf("relay %s: connection closed while subscribing", relayURL)
}

// Subscribe sends a REQ for filter on relayURL under subID. The event queue holds
// at least buffer events; smaller values fall back to the pool's EventBuffer.
// The queue is registered before the REQ goes out, so stored events are only
// dropped (and counted) once it is full.
func (p *Pool) Subscribe(ctx context.Context, relayURL, subID string, filter map[string]interface{}, buffer int) (*Subscription, error) {
	rc, err := p.lockedConn(ctx, relayURL)
	if err != nil {
		return nil, err
	}
	if buffer < p.cfg.EventBuffer {
		buffer = p.cfg.EventBuffer
	}
	sub := NewSubscription(subID, buffer, nil)
	rc.subscriptions[subID] = sub
	rc.mu.Unlock()

	if err := rc.send(p.cfg.WriteTimeout, "REQ", subID, filter); err != nil {
		rc.mu.Lock()
		delete(rc.subscriptions, subID)
		rc.mu.Unlock()
		rc.markClosed()
		return nil, fmt.Errorf("relay %s: REQ failed: %w", relayURL, err)
	}

	rc.touch()
	return sub, nil
}

// Unsubscribe sends CLOSE for sub and closes its Done channel
func (p *Pool) Unsubscribe(relayURL string, sub *Subscription) {
	if sub == nil {
		return
	}

	p.mu.RLock()
	rc := p.connections[relayURL]
	p.mu.RUnlock()

	if rc != nil {
		rc.mu.Lock()
		_, exists := rc.subscriptions[sub.ID]
		shouldSendClose := !rc.closed && exists
		if exists {
			delete(rc.subscriptions, sub.ID)
		}
		rc.mu.Unlock()

		// Best effort, connection may already be gone
		if shouldSendClose {
			if err := rc.send(p.cfg.WriteTimeout, "CLOSE", sub.ID); err != nil {
				rc.logger.Debug("failed to send CLOSE", "sub_id", sub.ID, "error", err)
			}
		}
	}

	sub.Close()
}

// CloseRelay closes a specific relay connection
func (p *Pool) CloseRelay(relayURL string) {
	p.mu.Lock()
	rc := p.connections[relayURL]
	delete(p.connections, relayURL)
	p.mu.Unlock()

	if rc != nil {
		rc.markClosed()
	}
}

// Close shuts down every connection and stops the cleanup loop
func (p *Pool) Close() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})

	p.mu.Lock()
	conns := p.connections
	p.connections = make(map[string]*relayConn)
	p.mu.Unlock()

	for _, rc := range conns {
		rc.markClosed()
	}
}

// ConnectionCount returns the number of live relay connections
func (p *Pool) ConnectionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, rc := range p.connections {
		if !rc.isClosed() {
			n++
		}
	}
	return n
}

func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(p.cfg.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.cleanup()
		case <-p.stopCh:
			return
		}
	}
}

// cleanup removes connections that have been idle too long
func (p *Pool) cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for relayURL, rc := range p.connections {
		rc.mu.Lock()
		closed := rc.closed
		idle := len(rc.subscriptions) == 0 && now.Sub(rc.lastActivity) > p.cfg.IdleTimeout
		rc.mu.Unlock()

		if closed || idle {
			if !closed {
				p.logger.Debug("closing idle connection", "relay", relayURL)
				rc.markClosed()
			}
			delete(p.connections, relayURL)
		}
	}
}

func (rc *relayConn) isClosed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.closed
}

func (rc *relayConn) touch() {
	rc.mu.Lock()
	rc.lastActivity = time.Now()
	rc.mu.Unlock()
}

// send writes one protocol envelope, e.g. ["REQ", subID, filter]
func (rc *relayConn) send(timeout time.Duration, envelope ...interface{}) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	rc.conn.SetWriteDeadline(time.Now().Add(timeout))
	defer rc.conn.SetWriteDeadline(time.Time{})
	return rc.conn.WriteMessage(websocket.TextMessage, data)
}

func (rc *relayConn) subscription(subID string) *Subscription {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.subscriptions[subID]
}

// readLoop reads envelopes until the connection fails and routes them to subscriptions
func (rc *relayConn) readLoop() {
	defer rc.markClosed()

	for {
		_, data, err := rc.conn.ReadMessage()
		if err != nil {
			if !rc.isClosed() {
				rc.logger.Debug("read error", "error", err)
			}
			return
		}
		rc.touch()

		var envelope []json.RawMessage
		if err := json.Unmarshal(data, &envelope); err != nil || len(envelope) < 2 {
			continue
		}
		var label, subID string
		if json.Unmarshal(envelope[0], &label) != nil {
			continue
		}
		json.Unmarshal(envelope[1], &subID)

		switch label {
		case "EVENT":
			if len(envelope) < 3 {
				continue
			}
			rc.handleEvent(subID, envelope[2])

		case "EOSE":
			if sub := rc.subscription(subID); sub != nil {
				sub.SignalEOSE()
			}

		case "CLOSED":
			rc.mu.Lock()
			sub := rc.subscriptions[subID]
			delete(rc.subscriptions, subID)
			rc.mu.Unlock()
			if sub != nil {
				var reason string
				if len(envelope) >= 3 {
					json.Unmarshal(envelope[2], &reason)
				}
				rc.logger.Debug("subscription closed by relay", "sub_id", subID, "reason", reason)
				sub.Close()
			}

		case "NOTICE":
			// the second element of a NOTICE is the message, not a sub id
			rc.logger.Info("relay notice", "notice", subID)
		}
	}
}

func (rc *relayConn) handleEvent(subID string, raw json.RawMessage) {
	sub := rc.subscription(subID)
	if sub == nil {
		return
	}

	evt, err := nostr.DecodeEvent(raw)
	if err == nil && rc.verify {
		err = nostr.Verify(evt)
	}
	if err != nil {
		rc.logger.Debug("rejected event", "sub_id", subID, "error", err)
		return
	}
	evt.RelaysSeen = []string{rc.relayURL}

	if !sub.Deliver(evt) {
		rc.metrics.IncrementDroppedEvent()
	}
}

// markClosed marks the connection as closed and ends all its subscriptions
func (rc *relayConn) markClosed() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return
	}
	rc.closed = true
	rc.conn.Close()

	for _, sub := range rc.subscriptions {
		sub.Close()
	}
	rc.subscriptions = make(map[string]*Subscription)
}
