// Package connection owns the push connection of one session. It drives the
// state machine Disconnected → Connecting → Connected → Reconnecting → Failed,
// reconnects with capped exponential backoff and republishes inbound messages
// as typed events on the bus.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"crmnotify/internal/eventbus"
	"crmnotify/internal/model"
	logx "crmnotify/pkg/logx"
)

var (
	ErrNoSession = errors.New("session id is required")
	ErrNoURL     = errors.New("connection url is required")
)

const (
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxAttempts = 5
)

type Config struct {
	URL                  string
	Token                string
	BaseReconnectDelay   time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int
	// PingInterval enables keepalive pings; the read deadline is twice the interval.
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseReconnectDelay <= 0 {
		c.BaseReconnectDelay = DefaultBaseDelay
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = DefaultMaxDelay
	}
	if c.MaxReconnectDelay < c.BaseReconnectDelay {
		c.MaxReconnectDelay = c.BaseReconnectDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxAttempts
	}
	return c
}

// Backoff returns base × 2^(n−1) for n ≥ 1, capped at max.
func Backoff(base, max time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Observer receives connection statistics.
type Observer interface {
	ConnectionState(s model.ConnectionState)
	ReconnectScheduled(attempt int)
	InboundMessage(kind string, accepted bool)
}

// StateFunc is called after every transition, outside the manager's lock.
type StateFunc func(from, to model.ConnectionState)

type Option func(*Manager)

func WithDialer(d Dialer) Option { return func(m *Manager) { m.dialer = d } }

func WithObserver(o Observer) Option { return func(m *Manager) { m.obs = o } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

type Manager struct {
	log    logx.Logger
	bus    eventbus.Bus
	dialer Dialer
	obs    Observer
	now    func() time.Time

	mu       sync.Mutex
	cfg      Config
	state    model.ConnectionState
	attempts int
	session  string
	gen      uint64
	cancel   context.CancelFunc
	loops    sync.WaitGroup
	conn     Conn

	lmu       sync.Mutex
	listeners map[uint64]StateFunc
	nextL     uint64
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger, opts ...Option) (*Manager, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrNoURL
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("connection url: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	m := &Manager{
		log:       log,
		bus:       bus,
		now:       time.Now,
		cfg:       cfg,
		state:     model.StateDisconnected,
		listeners: map[uint64]StateFunc{},
	}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
	if m.dialer == nil {
		readWait := time.Duration(0)
		if cfg.PingInterval > 0 {
			readWait = 2 * cfg.PingInterval
		}
		m.dialer = WSDialer{HandshakeTimeout: cfg.HandshakeTimeout, ReadWait: readWait}
	}
	return m, nil
}

func (m *Manager) State() model.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts is the reconnect counter of the current session.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Backoff returns the delay before reconnect attempt n.
func (m *Manager) Backoff(n int) time.Duration {
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()
	return Backoff(cfg.BaseReconnectDelay, cfg.MaxReconnectDelay, n)
}

// OnStateChange registers fn and returns an idempotent unsubscribe.
func (m *Manager) OnStateChange(fn StateFunc) func() {
	if fn == nil {
		return func() {}
	}
	m.lmu.Lock()
	id := m.nextL
	m.nextL++
	m.listeners[id] = fn
	m.lmu.Unlock()
	return func() {
		m.lmu.Lock()
		delete(m.listeners, id)
		m.lmu.Unlock()
	}
}

// Connect starts the connection loop for sessionID. It is a no-op while the
// same session is connecting, connected or reconnecting. Any other session is
// disconnected first. The attempt counter restarts at 0.
func (m *Manager) Connect(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ErrNoSession
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	active := m.state != model.StateDisconnected && m.state != model.StateFailed
	if active && m.session == sessionID {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	if active {
		m.Disconnect()
	}

	m.mu.Lock()
	m.gen++
	gen := m.gen
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.session = sessionID
	m.attempts = 0
	from := m.setStateLocked(model.StateConnecting)
	m.loops.Add(1)
	m.mu.Unlock()
	m.notify(from, model.StateConnecting)

	go func() {
		defer m.loops.Done()
		m.run(runCtx, gen)
	}()
	return nil
}

// Disconnect stops the loop and closes the connection. It does not wait for
// the loop goroutine, so it is safe to call from a StateFunc or a bus
// subscriber; use Wait to join.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel, conn := m.cancel, m.conn
	m.cancel, m.conn = nil, nil
	m.gen++
	if cancel != nil {
		cancel()
	}
	prev := m.state
	changed := prev != model.StateDisconnected
	if changed {
		m.setStateLocked(model.StateDisconnected)
	}
	session := m.session
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if changed {
		m.notify(prev, model.StateDisconnected)
		m.publish(model.KindDisconnected, map[string]any{"sessionId": session, "reason": "client disconnect"})
	}
}

// Wait blocks until every loop started by Connect has returned or ctx ends.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run(ctx context.Context, gen uint64) {
	defer m.abandoned(ctx, gen)
	for {
		conn, err := m.dial(ctx)
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err == nil {
			if !m.opened(gen, conn) {
				_ = conn.Close()
				return
			}
			err = m.serve(ctx, conn)
			_ = conn.Close()
			if ctx.Err() != nil {
				return
			}
			m.publish(model.KindDisconnected, map[string]any{"sessionId": m.SessionID(), "reason": errString(err)})
		} else {
			m.log.Warn("dial failed", logx.String("url", m.cfg.URL), logx.Err(err))
		}

		delay, attempt, ok := m.failed(gen)
		if !ok {
			return
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if !m.transition(gen, model.StateConnecting) {
			return
		}
		m.log.Debug("reconnecting", logx.Int("attempt", attempt))
	}
}

// abandoned moves a loop that ended because its caller's context was
// cancelled to Disconnected. Loops fenced by Disconnect or a newer Connect
// have a stale gen and leave the state alone.
func (m *Manager) abandoned(ctx context.Context, gen uint64) {
	if ctx.Err() == nil {
		return
	}
	m.mu.Lock()
	if gen != m.gen || m.state == model.StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.cancel, m.conn = nil, nil
	from := m.setStateLocked(model.StateDisconnected)
	session := m.session
	m.mu.Unlock()

	m.notify(from, model.StateDisconnected)
	m.log.Info("connection context ended", logx.String("session", session))
	m.publish(model.KindDisconnected, map[string]any{"sessionId": session, "reason": errString(ctx.Err())})
}

func (m *Manager) dial(ctx context.Context) (Conn, error) {
	m.mu.Lock()
	cfg, session := m.cfg, m.session
	m.mu.Unlock()

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("session", session)
	u.RawQuery = q.Encode()
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	if cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.HandshakeTimeout)
		defer cancel()
	}
	return m.dialer.Dial(ctx, u.String(), header)
}

// opened records a successful dial. It reports false when gen is stale.
func (m *Manager) opened(gen uint64, conn Conn) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	m.conn = conn
	m.attempts = 0
	from := m.setStateLocked(model.StateConnected)
	session := m.session
	m.mu.Unlock()

	m.notify(from, model.StateConnected)
	m.log.Info("connected", logx.String("session", session))
	m.publish(model.KindConnected, map[string]any{"sessionId": session})
	return true
}

// failed handles a close or dial failure. It returns the delay before the
// next attempt, or ok=false once the attempts are exhausted.
func (m *Manager) failed(gen uint64) (delay time.Duration, attempt int, ok bool) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return 0, 0, false
	}
	m.conn = nil
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		from := m.setStateLocked(model.StateFailed)
		attempts, session := m.attempts, m.session
		m.mu.Unlock()

		m.notify(from, model.StateFailed)
		m.log.Error("reconnect attempts exhausted", logx.String("session", session), logx.Int("attempts", attempts))
		m.publish(model.KindExhaustedRetries, map[string]any{"sessionId": session, "attempts": attempts})
		return 0, attempts, false
	}
	m.attempts++
	attempt = m.attempts
	delay = Backoff(m.cfg.BaseReconnectDelay, m.cfg.MaxReconnectDelay, attempt)
	from := m.setStateLocked(model.StateReconnecting)
	session := m.session
	m.mu.Unlock()

	m.notify(from, model.StateReconnecting)
	if m.obs != nil {
		m.obs.ReconnectScheduled(attempt)
	}
	m.publish(model.KindReconnecting, map[string]any{
		"sessionId": session,
		"attempt":   attempt,
		"delayMs":   delay.Milliseconds(),
	})
	return delay, attempt, true
}

func (m *Manager) transition(gen uint64, to model.ConnectionState) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	from := m.setStateLocked(to)
	m.mu.Unlock()
	m.notify(from, to)
	return true
}

func (m *Manager) setStateLocked(to model.ConnectionState) model.ConnectionState {
	from := m.state
	m.state = to
	return from
}

func (m *Manager) notify(from, to model.ConnectionState) {
	if m.obs != nil {
		m.obs.ConnectionState(to)
	}
	m.lmu.Lock()
	fns := make([]StateFunc, 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.lmu.Unlock()
	for _, fn := range fns {
		fn(from, to)
	}
}

func (m *Manager) serve(ctx context.Context, conn Conn) error {
	m.mu.Lock()
	ping := m.cfg.PingInterval
	m.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go m.keepalive(ctx, conn, ping, stop)

	for {
		b, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.handle(b)
	}
}

// keepalive pings conn every interval and closes it once ctx ends, which
// unblocks the reader. interval 0 disables pings.
func (m *Manager) keepalive(ctx context.Context, conn Conn, interval time.Duration, stop <-chan struct{}) {
	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-tick:
			if err := conn.Ping(time.Now().Add(interval)); err != nil {
				m.log.Debug("ping failed", logx.Err(err))
				_ = conn.Close()
				return
			}
		}
	}
}

type inbound struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Priority  string          `json:"priority"`
	Timestamp string          `json:"timestamp"`
}

// Parse decodes one inbound message into an event. ok is false for malformed
// JSON and for types that are not application event kinds.
func Parse(b []byte, now time.Time) (ev model.Event, ok bool, err error) {
	var msg inbound
	if err := json.Unmarshal(b, &msg); err != nil {
		return model.Event{}, false, fmt.Errorf("malformed message: %w", err)
	}
	kind, known := model.ParseEventKind(msg.Type)
	if !known {
		return model.Event{}, false, fmt.Errorf("unknown message type %q", msg.Type)
	}
	payload := map[string]any{}
	if len(msg.Payload) > 0 && string(msg.Payload) != "null" {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return model.Event{}, false, fmt.Errorf("payload of %s is not an object: %w", kind, err)
		}
	}
	prio := msg.Priority
	if prio == "" {
		if p, ok := payload["priority"].(string); ok {
			prio = p
		}
	}
	at := now.UTC()
	if msg.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339, msg.Timestamp); err == nil {
			at = t.UTC()
		}
	}
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	return model.Event{ID: id, Kind: kind, Payload: payload, OccurredAt: at, Priority: model.ParsePriority(prio)}, true, nil
}

func (m *Manager) handle(b []byte) {
	ev, ok, err := Parse(b, m.now())
	if m.obs != nil {
		kind := string(ev.Kind)
		if !ok {
			kind = "invalid"
		}
		m.obs.InboundMessage(kind, ok)
	}
	if !ok {
		m.log.Warn("inbound message dropped", logx.Err(err))
		return
	}
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}

func (m *Manager) publish(kind model.EventKind, payload map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(model.Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    payload,
		OccurredAt: m.now().UTC(),
		Priority:   model.PriorityLow,
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
