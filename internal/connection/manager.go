package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/rickgao/arenalink/internal/bus"
	"github.com/rickgao/arenalink/internal/metrics"
	"github.com/rickgao/arenalink/internal/model"
)

// CredentialSource supplies the access token for each connect attempt.
type CredentialSource interface {
	Get() (model.Credential, bool)
}

// Manager owns one logical socket: it connects, keeps the connection alive
// with heartbeats, reconnects with capped exponential backoff and queues
// outbound frames while the socket is not open.
//
// Every connect attempt gets a generation number. Timers and goroutines
// created for an attempt carry its generation and do nothing once a newer
// attempt or a Disconnect has superseded it.
//
// Lifecycle events and inbound frames share one ordered delivery queue, so
// subscribers never run concurrently and a frame is never delivered before
// the connected event of its socket.
type Manager struct {
	cfg     Config
	bus     *bus.Bus[Event]
	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   clock.Clock
	creds   CredentialSource

	newClient func(ClientConfig, *slog.Logger) Client

	queue *Queue[[]byte]

	mu           sync.Mutex
	state        State
	gen          uint64
	attempts     int
	cred         model.Credential
	conn         Client
	cancelDial   context.CancelFunc
	connectTimer *clock.Timer
	retryTimer   *clock.Timer
	beatTimer    *clock.Timer
	lastInbound  time.Time
	outbox       []Event

	emitMu   sync.Mutex // guards pending and draining; may be taken under mu, never the reverse
	pending  []delivery
	draining bool

	framesIn      int64
	framesOut     int64
	framesDropped int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock that drives every manager timer.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) {
		m.clock = clk
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithCredentialSource reads the access token from src on every attempt,
// so reconnects pick up refreshed tokens.
func WithCredentialSource(src CredentialSource) Option {
	return func(m *Manager) {
		m.creds = src
	}
}

// WithClientFactory replaces the socket client constructor.
func WithClientFactory(fn func(ClientConfig, *slog.Logger) Client) Option {
	return func(m *Manager) {
		m.newClient = fn
	}
}

// NewManager creates a disconnected manager publishing on b. A nil bus
// gets a private one, reachable through Bus.
func NewManager(cfg Config, b *bus.Bus[Event], logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.TokenParam == "" {
		cfg.TokenParam = def.TokenParam
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}

	m := &Manager{
		cfg:       cfg,
		logger:    logger,
		clock:     clock.New(),
		newClient: NewClient,
		queue:     NewQueue[[]byte](16),
	}
	for _, opt := range opts {
		opt(m)
	}
	if b == nil {
		b = bus.New[Event](
			bus.WithLogger(logger),
			bus.WithPanicHook(func(string, any) { m.metrics.ObserveSubscriberPanic() }),
		)
	}
	m.bus = b
	m.metrics.SetConnectionState(StateDisconnected.String())
	return m
}

// On subscribes to an event or frame type.
func (m *Manager) On(event string, fn func(Event)) *bus.Subscription {
	return m.bus.On(event, fn)
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns a snapshot of manager state.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	qs := m.queue.Stats()
	return Stats{
		State:             m.state,
		ReconnectAttempts: m.attempts,
		Queued:            qs.Count,
		QueueCapacity:     qs.Capacity,
		FramesIn:          m.framesIn,
		FramesOut:         m.framesOut,
		FramesDropped:     m.framesDropped,
	}
}

// Connect opens the socket with cred. It returns immediately; the outcome
// is published as connected, or as error followed by reconnecting. It is a
// no-op while connecting or connected.
func (m *Manager) Connect(cred model.Credential) {
	m.mu.Lock()
	defer m.unlock()

	if m.state == StateConnecting || m.state == StateConnected {
		return
	}
	m.cred = cred
	m.attempts = 0
	m.startAttemptLocked(StateConnecting)
}

// Disconnect closes the socket with a normal closure, cancels every pending
// timer, resets the reconnect counter and drops queued frames. No
// reconnect follows.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.unlock()

	prev := m.state
	m.teardownLocked()
	m.attempts = 0
	if n := m.queue.Clear(); n > 0 {
		m.logger.Debug("dropped queued frames on disconnect", "count", n)
	}
	m.metrics.SetQueueDepth(0)
	m.setStateLocked(StateDisconnected)

	if prev != StateDisconnected {
		m.logger.Info("websocket disconnected")
		m.publishLocked(Event{Type: EventDisconnected, Code: websocket.CloseNormalClosure})
	}
}

// Close is Disconnect.
func (m *Manager) Close() error {
	m.Disconnect()
	return nil
}

// Send transmits {type, data, timestamp}. While the socket is not open the
// frame is queued and, when disconnected, a connect is started with the
// last known credential. Queued frames are delivered in order once open.
func (m *Manager) Send(typ string, payload any) error {
	env, err := model.NewEnvelope(typ, payload, m.clock.Now())
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", typ, err)
	}

	m.mu.Lock()
	defer m.unlock()

	m.queue.Push(data)
	if m.state == StateConnected {
		m.flushLocked()
	}
	m.metrics.SetQueueDepth(m.queue.Len())

	if m.state == StateDisconnected {
		m.attempts = 0
		m.startAttemptLocked(StateConnecting)
	}
	return nil
}

// startAttemptLocked supersedes any previous attempt and dials in the
// background under a new generation.
func (m *Manager) startAttemptLocked(state State) {
	m.teardownLocked()
	m.setStateLocked(state)

	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelDial = cancel
	m.connectTimer = m.clock.AfterFunc(m.cfg.ConnectTimeout, func() {
		m.onConnectTimeout(gen)
	})

	c := m.newClient(ClientConfig{
		URL:              m.socketURL(m.tokenLocked()),
		HandshakeTimeout: m.cfg.ConnectTimeout,
		WriteTimeout:     m.cfg.WriteTimeout,
		BufferSize:       m.cfg.BufferSize,
	}, m.logger)

	m.logger.Debug("websocket connecting", "attempt", m.attempts, "state", state)
	go m.dial(ctx, gen, c)
}

func (m *Manager) dial(ctx context.Context, gen uint64, c Client) {
	err := c.Connect(ctx)

	m.mu.Lock()
	defer m.unlock()

	if gen != m.gen {
		c.Close()
		return
	}
	if err != nil {
		m.logger.Warn("websocket connect failed", "error", err)
		m.publishLocked(Event{Type: EventError, Err: err})
		m.handleCloseLocked(websocket.CloseAbnormalClosure, err)
		return
	}

	m.onOpenLocked(gen, c)
}

func (m *Manager) onConnectTimeout(gen uint64) {
	m.mu.Lock()
	defer m.unlock()

	if gen != m.gen || m.state == StateConnected {
		return
	}
	m.logger.Warn("websocket connect timed out", "timeout", m.cfg.ConnectTimeout)
	m.publishLocked(Event{Type: EventError, Err: ErrConnectTimeout})
	m.handleCloseLocked(websocket.CloseAbnormalClosure, ErrConnectTimeout)
}

func (m *Manager) onOpenLocked(gen uint64, c Client) {
	m.stopTimer(&m.connectTimer)
	m.cancelDial = nil

	m.conn = c
	m.attempts = 0
	m.lastInbound = m.clock.Now()
	m.setStateLocked(StateConnected)
	m.beatTimer = m.clock.AfterFunc(m.cfg.HeartbeatInterval, func() {
		m.onHeartbeat(gen)
	})

	m.flushLocked()
	m.metrics.SetQueueDepth(m.queue.Len())

	m.logger.Info("websocket connected")
	m.publishLocked(Event{Type: EventConnected})

	go m.watch(gen, c)
}

// flushLocked writes queued frames in order, stopping at the first write
// failure so the rest stay queued for the next connection.
func (m *Manager) flushLocked() {
	for {
		data, ok := m.queue.Peek()
		if !ok {
			return
		}
		if err := m.conn.Send(data); err != nil {
			m.logger.Warn("websocket send failed, keeping frame queued", "error", err)
			return
		}
		m.queue.Pop()
		m.framesOut++
		m.metrics.ObserveFrame(metrics.DirectionOut)
	}
}

// watch dispatches inbound frames until the connection's read loop ends.
func (m *Manager) watch(gen uint64, c Client) {
	for msg := range c.Messages() {
		m.handleFrame(gen, msg.Data)
	}

	m.mu.Lock()
	defer m.unlock()

	if gen != m.gen {
		return
	}
	err := c.Err()
	code := CloseCode(err)
	m.logger.Info("websocket closed", "code", code, "error", err)
	m.handleCloseLocked(code, err)
}

func (m *Manager) handleFrame(gen uint64, raw []byte) {
	env, err := model.ParseEnvelope(raw)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.lastInbound = m.clock.Now()
	m.framesIn++
	if err != nil {
		m.framesDropped++
	} else if env.Type != model.HeartbeatType {
		ev := Event{Type: env.Type, Data: env.Data, Timestamp: env.Timestamp, Source: SourceFrame}
		m.enqueue(delivery{name: env.Type, ev: ev})
		if env.Type != EventMessage {
			m.enqueue(delivery{name: EventMessage, ev: ev})
		}
	}
	m.mu.Unlock()

	m.metrics.ObserveFrame(metrics.DirectionIn)
	if err != nil {
		m.metrics.ObserveDroppedFrame()
		m.logger.Warn("dropping malformed frame", "error", err, "size", len(raw))
		return
	}
	m.drain()
}

func (m *Manager) onHeartbeat(gen uint64) {
	m.mu.Lock()
	defer m.unlock()

	if gen != m.gen || m.state != StateConnected {
		return
	}

	now := m.clock.Now()
	if m.cfg.StaleTimeout > 0 && now.Sub(m.lastInbound) > m.cfg.StaleTimeout {
		m.logger.Warn("websocket stale, reconnecting",
			"last_inbound", m.lastInbound,
			"timeout", m.cfg.StaleTimeout,
		)
		m.publishLocked(Event{Type: EventError, Err: ErrStaleConnection})
		m.handleCloseLocked(websocket.CloseAbnormalClosure, ErrStaleConnection)
		return
	}

	env, err := model.NewEnvelope(model.HeartbeatType, nil, now)
	if err == nil {
		data, _ := json.Marshal(env)
		if err := m.conn.Send(data); err != nil {
			m.logger.Debug("heartbeat send failed", "error", err)
		} else {
			m.framesOut++
			m.metrics.ObserveFrame(metrics.DirectionOut)
		}
	}

	m.beatTimer = m.clock.AfterFunc(m.cfg.HeartbeatInterval, func() {
		m.onHeartbeat(gen)
	})
}

// handleCloseLocked applies the reconnect policy after the current attempt
// ended with code.
func (m *Manager) handleCloseLocked(code int, err error) {
	m.teardownLocked()

	if code == websocket.CloseNormalClosure {
		m.attempts = 0
		m.setStateLocked(StateDisconnected)
		m.publishLocked(Event{Type: EventDisconnected, Code: code, Err: err})
		return
	}

	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.setStateLocked(StateDisconnected)
		m.publishLocked(Event{Type: EventDisconnected, Code: code, Err: err})
		m.logger.Error("websocket reconnect attempts exhausted", "attempts", m.attempts)
		m.publishLocked(Event{Type: EventReconnectFailed, Attempt: m.attempts, Code: code, Err: err})
		return
	}

	m.attempts++
	delay := m.backoff(m.attempts)
	m.setStateLocked(StateReconnecting)
	m.publishLocked(Event{Type: EventDisconnected, Code: code, Err: err})

	gen := m.gen
	m.retryTimer = m.clock.AfterFunc(delay, func() {
		m.onRetry(gen)
	})
	m.metrics.ObserveReconnect()

	m.logger.Info("websocket reconnect scheduled",
		"attempt", m.attempts,
		"max_attempts", m.cfg.MaxReconnectAttempts,
		"delay", delay,
		"code", code,
	)
	m.publishLocked(Event{Type: EventReconnecting, Attempt: m.attempts, Delay: delay, Code: code})
}

func (m *Manager) onRetry(gen uint64) {
	m.mu.Lock()
	defer m.unlock()

	if gen != m.gen || m.state != StateReconnecting {
		return
	}
	m.startAttemptLocked(StateReconnecting)
}

// backoff returns min(base * 2^(attempt-1), max).
func (m *Manager) backoff(attempt int) time.Duration {
	d := m.cfg.ReconnectBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= m.cfg.ReconnectMaxDelay {
			return m.cfg.ReconnectMaxDelay
		}
	}
	if d > m.cfg.ReconnectMaxDelay {
		return m.cfg.ReconnectMaxDelay
	}
	return d
}

// teardownLocked invalidates the current generation: it stops every timer,
// aborts a pending dial and closes the open socket.
func (m *Manager) teardownLocked() {
	m.gen++
	m.stopTimer(&m.connectTimer)
	m.stopTimer(&m.retryTimer)
	m.stopTimer(&m.beatTimer)
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

func (m *Manager) stopTimer(t **clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.metrics.SetConnectionState(s.String())
}

// publishLocked queues ev for emission once the lock is released.
func (m *Manager) publishLocked(ev Event) {
	ev.State = m.state
	if ev.Timestamp == 0 {
		ev.Timestamp = m.clock.Now().UnixMilli()
	}
	m.outbox = append(m.outbox, ev)
}

// unlock queues the lifecycle events published under m.mu, releases it and
// delivers them. Queuing before the release keeps delivery order equal to
// the order in which state changed.
func (m *Manager) unlock() {
	for _, ev := range m.outbox {
		m.enqueue(delivery{name: ev.Type, ev: ev})
	}
	m.outbox = nil
	m.mu.Unlock()
	m.drain()
}

// delivery is one queued bus emission.
type delivery struct {
	name string
	ev   Event
}

// enqueue appends d to the delivery queue. m.mu must be held.
func (m *Manager) enqueue(d delivery) {
	m.emitMu.Lock()
	m.pending = append(m.pending, d)
	m.emitMu.Unlock()
}

// drain delivers queued events one at a time with no lock held. If another
// goroutine is already draining, the events are left for it, so a
// subscriber that calls back into the manager does not deliver recursively.
func (m *Manager) drain() {
	m.emitMu.Lock()
	if m.draining {
		m.emitMu.Unlock()
		return
	}
	m.draining = true
	for len(m.pending) > 0 {
		d := m.pending[0]
		m.pending[0] = delivery{}
		m.pending = m.pending[1:]
		m.emitMu.Unlock()

		m.bus.Emit(d.name, d.ev)

		m.emitMu.Lock()
	}
	m.draining = false
	m.emitMu.Unlock()
}

func (m *Manager) tokenLocked() string {
	if m.creds != nil {
		if c, ok := m.creds.Get(); ok {
			return c.AccessToken
		}
	}
	return m.cred.AccessToken
}

func (m *Manager) socketURL(token string) string {
	if token == "" {
		return m.cfg.URL
	}
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return m.cfg.URL
	}
	q := u.Query()
	q.Set(m.cfg.TokenParam, token)
	u.RawQuery = q.Encode()
	return u.String()
}
