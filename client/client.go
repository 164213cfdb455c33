package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"taskpulse/pkg/logger"
	"taskpulse/pkg/wire"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State is the connection lifecycle of the realtime channel.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

const (
	DefaultBackoffBase          = time.Second
	DefaultBackoffCap           = 30 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultCheckInterval        = 15 * time.Second
)

var ErrNotConnected = errors.New("transport not connected")

// Transport is the single bidirectional channel to the gateway.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a Transport. Tests substitute a fake.
type Dialer func(ctx context.Context, url string, header http.Header) (Transport, error)

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// WebSocketDialer opens a gorilla/websocket connection.
func WebSocketDialer(ctx context.Context, url string, header http.Header) (Transport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return &wsTransport{conn: conn}, nil
}

// Session identifies the authenticated user the channel speaks for.
type Session struct {
	UserID   string
	Username string
	Token    string
}

// Options configures a PulseClient. Zero values get sensible defaults; only
// URL and Session are required for a live connection.
type Options struct {
	URL       string
	HealthURL string
	Session   Session

	Store      Store
	QueueKey   string
	FailureKey string

	Dialer Dialer
	Events Events

	BackoffBase          time.Duration
	BackoffCap           time.Duration
	MaxReconnectAttempts int
	MaxDeliveryAttempts  int
	AvailabilityWindow   time.Duration
	CheckInterval        time.Duration
}

// PulseClient owns the realtime channel for one session: it keeps the
// transport alive with bounded exponential backoff, queues outbound messages
// while offline, and fans inbound frames out to the UI's cache callbacks.
// Construct one per session at the composition root; there is no package
// level instance.
type PulseClient struct {
	url          string
	healthURL    string
	session      Session
	dialer       Dialer
	httpClient   *http.Client
	backoffBase  time.Duration
	backoffCap   time.Duration
	maxReconnect int
	checkEvery   time.Duration

	queue      *OutboundQueue
	monitor    *AvailabilityMonitor
	dispatcher *Dispatcher

	mu                sync.Mutex
	state             State
	transport         Transport
	gen               int
	reconnectAttempts int
	reconnectTimer    *time.Timer

	wmu sync.Mutex // serializes transport writes

	checkOnce sync.Once
	checkStop chan struct{}
}

func NewPulseClient(opts Options) *PulseClient {
	store := opts.Store
	if store == nil {
		store = NewMemoryStore()
	}
	monitor := NewAvailabilityMonitor(store, opts.FailureKey, opts.AvailabilityWindow)
	queue := NewOutboundQueue(store, opts.QueueKey, opts.MaxDeliveryAttempts)
	if opts.Events.OnDropped != nil {
		queue.OnDropped(opts.Events.OnDropped)
	}

	c := &PulseClient{
		url:          opts.URL,
		healthURL:    opts.HealthURL,
		session:      opts.Session,
		dialer:       opts.Dialer,
		httpClient:   &http.Client{Timeout: 5 * time.Second},
		backoffBase:  opts.BackoffBase,
		backoffCap:   opts.BackoffCap,
		maxReconnect: opts.MaxReconnectAttempts,
		checkEvery:   opts.CheckInterval,
		queue:        queue,
		monitor:      monitor,
		dispatcher:   NewDispatcher(opts.Events, monitor),
		checkStop:    make(chan struct{}),
	}
	if c.dialer == nil {
		c.dialer = WebSocketDialer
	}
	if c.backoffBase <= 0 {
		c.backoffBase = DefaultBackoffBase
	}
	if c.backoffCap <= 0 {
		c.backoffCap = DefaultBackoffCap
	}
	if c.maxReconnect <= 0 {
		c.maxReconnect = DefaultMaxReconnectAttempts
	}
	if c.checkEvery <= 0 {
		c.checkEvery = DefaultCheckInterval
	}
	return c
}

// State returns the current connection state.
func (c *PulseClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// QueueLen reports how many messages await delivery.
func (c *PulseClient) QueueLen() int {
	return c.queue.Len()
}

// StoreAvailable reports the availability monitor's current verdict.
func (c *PulseClient) StoreAvailable() bool {
	return c.monitor.IsAvailable()
}

// Connect opens the transport and authenticates. Idempotent: a no-op while
// already connecting or connected, and a no-op without a session. On success
// any queued messages are replayed if the store is available.
func (c *PulseClient) Connect(ctx context.Context) error {
	if c.session.UserID == "" {
		logger.Debug("connect skipped, no authenticated session")
		return nil
	}

	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	header := http.Header{}
	if c.session.Token != "" {
		header.Set("Authorization", "Bearer "+c.session.Token)
	}
	t, err := c.dialer(ctx, c.url, header)
	if err != nil {
		logger.Warn("transport dial failed", zap.Error(err))
		c.dialFailed(gen)
		return err
	}

	auth, _ := json.Marshal(wire.AuthFrame{
		Type:     wire.KindAuth,
		UserID:   c.session.UserID,
		Username: c.session.Username,
	})
	if err := t.WriteMessage(auth); err != nil {
		t.Close()
		logger.Warn("auth frame send failed", zap.Error(err))
		c.dialFailed(gen)
		return err
	}

	c.mu.Lock()
	if c.gen != gen {
		// Disconnect raced the dial; drop the fresh transport
		c.mu.Unlock()
		t.Close()
		return nil
	}
	c.transport = t
	c.state = StateConnected
	c.reconnectAttempts = 0
	c.mu.Unlock()

	logger.Info("realtime channel connected", zap.String("user", c.session.UserID))
	go c.readLoop(t, gen)
	c.ensureChecker()

	if c.monitor.IsAvailable() {
		c.Replay(false)
	}
	return nil
}

func (c *PulseClient) dialFailed(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	c.state = StateDisconnected
	c.scheduleReconnectLocked()
}

// Disconnect cancels any pending reconnect and closes the transport.
func (c *PulseClient) Disconnect() {
	c.mu.Lock()
	c.gen++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	t := c.transport
	c.transport = nil
	c.state = StateDisconnected
	c.mu.Unlock()
	if t != nil {
		t.Close()
	}
}

// Close tears the client down entirely, stopping the availability checker.
func (c *PulseClient) Close() {
	c.Disconnect()
	select {
	case <-c.checkStop:
	default:
		close(c.checkStop)
	}
}

// Send delivers a message live when connected and the store is available,
// otherwise queues it. Fire and forget: delivery failure is absorbed by the
// queue's retry bookkeeping, never surfaced to the caller. The only error
// returned is a malformed payload, which is a caller bug.
func (c *PulseClient) Send(kind wire.Kind, payload json.RawMessage) error {
	if kind == wire.KindChannelMessage || kind == wire.KindDirectMessage {
		stamped, err := wire.Stamp(payload, time.Now())
		if err != nil {
			return fmt.Errorf("stamp payload: %w", err)
		}
		payload = stamped
	}

	c.mu.Lock()
	t := c.transport
	connected := c.state == StateConnected
	c.mu.Unlock()

	if connected && t != nil && c.monitor.IsAvailable() {
		frame, err := wire.Encode(kind, payload)
		if err != nil {
			return fmt.Errorf("encode frame: %w", err)
		}
		if err := c.write(t, frame); err == nil {
			return nil
		}
		// write failed; fall through to the queue
	}

	c.queue.Enqueue(kind, payload)
	return nil
}

// write serializes transport writes. A failed write flips the state to error;
// the read loop observes the close that follows and drives reconnection.
func (c *PulseClient) write(t Transport, frame []byte) error {
	c.wmu.Lock()
	err := t.WriteMessage(frame)
	c.wmu.Unlock()
	if err != nil {
		c.mu.Lock()
		if c.state == StateConnected {
			c.state = StateError
		}
		c.mu.Unlock()
		logger.Warn("transport write failed", zap.Error(err))
	}
	return err
}

// Replay re-attempts delivery of all queued messages in enqueue order. When
// the store is flagged unavailable the pass is skipped unless forced; there
// is no point hammering a store known to be down.
func (c *PulseClient) Replay(force bool) (delivered, dropped int) {
	if !force && !c.monitor.IsAvailable() {
		logger.Debug("replay skipped, store unavailable")
		return 0, 0
	}
	delivered, dropped = c.queue.Replay(func(m QueuedMessage) error {
		c.mu.Lock()
		t := c.transport
		connected := c.state == StateConnected
		c.mu.Unlock()
		if !connected || t == nil {
			return ErrNotConnected
		}
		frame, err := wire.Encode(m.Kind, m.Payload)
		if err != nil {
			return err
		}
		return c.write(t, frame)
	})
	if delivered > 0 || dropped > 0 {
		logger.Info("queue replay finished",
			zap.Int("delivered", delivered),
			zap.Int("dropped", dropped),
			zap.Int("remaining", c.queue.Len()))
	}
	return delivered, dropped
}

// Sync is the manual resync trigger: reset backoff, reconnect immediately if
// not connected, and force a replay.
func (c *PulseClient) Sync(ctx context.Context) {
	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.reconnectAttempts = 0
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		if err := c.Connect(ctx); err != nil {
			logger.Warn("manual sync reconnect failed", zap.Error(err))
		}
	}
	c.Replay(true)
}

func (c *PulseClient) readLoop(t Transport, gen int) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		c.dispatcher.Dispatch(data)
	}
}

func (c *PulseClient) handleClose(gen int, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	if c.transport != nil {
		c.transport.Close()
		c.transport = nil
	}
	c.state = StateDisconnected
	c.scheduleReconnectLocked()
	c.mu.Unlock()
	logger.Warn("transport closed", zap.Error(err))
}

// ReconnectDelay computes the backoff before reconnect attempt number
// attempt (zero-based): min(base << attempt, maxDelay).
func ReconnectDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// scheduleReconnectLocked arms the reconnect timer. Caller holds c.mu. Gives
// up once the attempt budget is spent; after that only an explicit trigger
// (manual sync, a fresh Connect) restarts the cycle.
func (c *PulseClient) scheduleReconnectLocked() {
	if c.reconnectAttempts >= c.maxReconnect {
		logger.Warn("reconnect attempts exhausted, staying disconnected",
			zap.Int("attempts", c.reconnectAttempts))
		return
	}
	delay := ReconnectDelay(c.reconnectAttempts, c.backoffBase, c.backoffCap)
	c.reconnectAttempts++
	logger.Info("reconnect scheduled",
		zap.Duration("delay", delay),
		zap.Int("attempt", c.reconnectAttempts))
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		c.mu.Unlock()
		c.Connect(context.Background())
	})
}

// ensureChecker starts the periodic availability recheck once.
func (c *PulseClient) ensureChecker() {
	c.checkOnce.Do(func() {
		go c.checkLoop()
	})
}

// checkLoop re-derives the availability flag on a fixed cadence and, when a
// health probe fails outright, corroborates an offline verdict.
func (c *PulseClient) checkLoop() {
	ticker := time.NewTicker(c.checkEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.checkStop:
			return
		case <-ticker.C:
			c.checkHealth()
		}
	}
}

func (c *PulseClient) checkHealth() {
	if c.healthURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	dbUp, err := c.probeHealth(ctx)

	c.mu.Lock()
	if err != nil {
		// network-level failure: a transport problem, not a store failure
		if c.state == StateDisconnected {
			c.state = StateOffline
			logger.Warn("health probe unreachable, marking offline", zap.Error(err))
		}
		c.mu.Unlock()
		return
	}
	if c.state == StateOffline {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if !dbUp {
		c.monitor.RecordFailure()
	}
}

// probeHealth calls the gateway health endpoint and reports whether the data
// store behind it is up.
func (c *PulseClient) probeHealth(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.healthURL, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("health status %d", resp.StatusCode)
	}
	var body struct {
		Database string `json:"database"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}
	return body.Database == "up", nil
}
