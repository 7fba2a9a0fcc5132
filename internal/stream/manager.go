package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Rajchodisetti/flowcore/internal/observ"
)

// Config holds connection manager settings. Zero values take the defaults
// the provider contract assumes.
type Config struct {
	URL                  string
	HandshakeTimeout     time.Duration // default 10s
	WriteTimeout         time.Duration // default 5s
	BackoffBase          time.Duration // default 1s
	BackoffMax           time.Duration // default 30s
	MaxReconnectAttempts int           // default 5
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
}

// wsConn is the slice of *websocket.Conn the manager uses; tests substitute
// their own transport.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Manager owns the single logical realtime connection, multiplexes named
// channels over it, and drives the reconnect state machine. Connection state
// is owned here exclusively.
type Manager struct {
	cfg    Config
	prober AccessProber
	log    *logrus.Entry

	// dial and sleep are injectable for deterministic tests.
	dial  func(ctx context.Context) (wsConn, error)
	sleep func(ctx context.Context, d time.Duration) bool

	// onPermanentFailure fires once when reconnection is abandoned; the
	// caller is expected to switch to the fallback poller.
	onPermanentFailure func()

	mu                sync.Mutex
	conn              wsConn
	subs              map[string]map[string]Callback // channel -> token -> cb
	phase             Phase
	reconnectAttempts int
	currentBackoff    time.Duration
	closed            bool
	availableChannels []string

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a connection manager around the given prober.
func NewManager(cfg Config, prober AccessProber, log *logrus.Logger) *Manager {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:            cfg,
		prober:         prober,
		log:            log.WithField("component", "stream"),
		subs:           make(map[string]map[string]Callback),
		phase:          PhaseDisconnected,
		currentBackoff: cfg.BackoffBase,
		runCtx:         ctx,
		cancel:         cancel,
	}
	m.dial = m.dialWebsocket
	m.sleep = func(ctx context.Context, d time.Duration) bool {
		select {
		case <-time.After(d):
			return true
		case <-ctx.Done():
			return false
		}
	}
	return m
}

// OnPermanentFailure registers the fallback hook. Must be called before
// Connect.
func (m *Manager) OnPermanentFailure(f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPermanentFailure = f
}

func (m *Manager) dialWebsocket(ctx context.Context) (wsConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Connect probes access and opens the realtime transport, retrying transient
// failures with exponential backoff. Access denial returns ErrAccessDenied
// immediately with no retries; exhausting the attempt budget returns
// ErrRetriesExhausted. On success the reconnect state resets to baseline.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.phase == PhaseConnected {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	for {
		err := m.attempt(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrAccessDenied) {
			m.log.WithField("reason", err.Error()).Warn("realtime access denied")
			return err
		}
		if errors.Is(err, ErrClosed) || ctx.Err() != nil {
			return ErrClosed
		}

		m.mu.Lock()
		m.reconnectAttempts++
		attempts := m.reconnectAttempts
		backoff := m.currentBackoff
		m.currentBackoff *= 2
		if m.currentBackoff > m.cfg.BackoffMax {
			m.currentBackoff = m.cfg.BackoffMax
		}
		m.mu.Unlock()

		observ.IncCounter("stream_connect_failures_total", nil)
		if attempts >= m.cfg.MaxReconnectAttempts {
			m.log.WithField("attempts", attempts).Error("abandoning realtime connection")
			return ErrRetriesExhausted
		}

		m.log.WithFields(logrus.Fields{
			"attempt": attempts,
			"backoff": backoff.String(),
			"error":   err.Error(),
		}).Warn("connect failed, backing off")

		if !m.sleep(ctx, backoff) {
			return ErrClosed
		}
	}
}

// attempt runs one probe+dial cycle. The probe is never cached: entitlement
// changes on the provider side must be visible to every attempt.
func (m *Manager) attempt(ctx context.Context) error {
	m.setPhase(PhaseConnecting)

	probe, err := m.prober.ProbeAccess(ctx)
	if err != nil {
		m.setPhase(PhaseDisconnected)
		return fmt.Errorf("probe: %w", err)
	}
	if !probe.Granted {
		m.setPhase(PhaseDisconnected)
		if probe.Reason != "" {
			return fmt.Errorf("%w: %s", ErrAccessDenied, probe.Reason)
		}
		return ErrAccessDenied
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	conn, err := m.dial(dialCtx)
	cancel()
	if err != nil {
		m.setPhase(PhaseDisconnected)
		return fmt.Errorf("dial: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	m.conn = conn
	m.phase = PhaseConnected
	m.reconnectAttempts = 0
	m.currentBackoff = m.cfg.BackoffBase
	m.availableChannels = probe.Channels
	channels := make([]string, 0, len(m.subs))
	for ch := range m.subs {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	observ.IncCounter("stream_connects_total", nil)
	m.log.WithField("channels", probe.Channels).Info("realtime connected")

	// Re-issue subscribe control frames for channels that already have
	// subscribers (reconnect case).
	for _, ch := range channels {
		if err := m.writeControl(controlFrame{Type: "subscribe", Channel: ch}); err != nil {
			m.log.WithField("channel", ch).WithError(err).Warn("resubscribe failed")
		}
	}

	m.wg.Add(1)
	go m.readLoop(conn)
	return nil
}

// Subscribe registers a callback for a channel; the first subscriber of a
// channel triggers a subscribe control frame when the transport is open.
func (m *Manager) Subscribe(channel string, cb Callback) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	token := uuid.NewString()
	first := len(m.subs[channel]) == 0
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[string]Callback)
	}
	m.subs[channel][token] = cb
	connected := m.phase == PhaseConnected
	m.mu.Unlock()

	if first && connected {
		if err := m.writeControl(controlFrame{Type: "subscribe", Channel: channel}); err != nil {
			return token, fmt.Errorf("subscribe %q: %w", channel, err)
		}
	}
	return token, nil
}

// Unsubscribe removes one subscriber by token, or all of them when token is
// empty. Removing the last subscriber sends an unsubscribe control frame.
func (m *Manager) Unsubscribe(channel, token string) error {
	m.mu.Lock()
	had := len(m.subs[channel]) > 0
	if token == "" {
		delete(m.subs, channel)
	} else {
		delete(m.subs[channel], token)
		if len(m.subs[channel]) == 0 {
			delete(m.subs, channel)
		}
	}
	last := had && len(m.subs[channel]) == 0
	connected := m.phase == PhaseConnected
	m.mu.Unlock()

	if last && connected {
		if err := m.writeControl(controlFrame{Type: "unsubscribe", Channel: channel}); err != nil {
			return fmt.Errorf("unsubscribe %q: %w", channel, err)
		}
	}
	return nil
}

func (m *Manager) writeControl(frame controlFrame) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrClosed
	}
	conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	return conn.WriteJSON(frame)
}

// readLoop consumes inbound frames until the connection drops. A non-clean
// drop triggers automatic reconnection; an explicit Disconnect does not.
func (m *Manager) readLoop(conn wsConn) {
	defer m.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			closed := m.closed
			if m.conn == conn {
				m.conn = nil
				m.phase = PhaseDisconnected
			}
			m.mu.Unlock()

			if closed || m.runCtx.Err() != nil {
				return
			}

			m.log.WithError(err).Warn("transport dropped, reconnecting")
			observ.IncCounter("stream_disconnects_total", nil)
			m.wg.Add(1)
			go m.reconnect()
			return
		}

		channel, payload, err := parseFrame(data)
		if err != nil {
			// Unparseable frame: drop it and keep the stream alive.
			observ.IncCounter("stream_frame_parse_errors_total", nil)
			m.log.WithError(err).Debug("dropping unparseable frame")
			continue
		}
		m.dispatch(channel, payload)
	}
}

// dispatch delivers a frame to every callback registered for its channel.
// Frames for channels with no subscribers are discarded without error.
func (m *Manager) dispatch(channel string, payload json.RawMessage) {
	m.mu.Lock()
	cbs := make([]Callback, 0, len(m.subs[channel]))
	for _, cb := range m.subs[channel] {
		cbs = append(cbs, cb)
	}
	m.mu.Unlock()

	for _, cb := range cbs {
		cb(channel, payload)
	}
	if len(cbs) > 0 {
		observ.IncCounter("stream_frames_dispatched_total", map[string]string{"channel": channel})
	}
}

func (m *Manager) reconnect() {
	defer m.wg.Done()
	err := m.Connect(m.runCtx)
	if err == nil {
		return
	}
	if errors.Is(err, ErrClosed) {
		return
	}

	// AccessDenied or exhausted retries: permanent for this process.
	m.mu.Lock()
	hook := m.onPermanentFailure
	m.mu.Unlock()
	m.log.WithError(err).Error("realtime permanently unavailable")
	if hook != nil {
		hook()
	}
}

// Disconnect closes the transport cleanly, clears all subscriptions, and
// resets reconnect state to baseline. No callbacks run afterwards and no
// reconnection is attempted.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn := m.conn
	m.conn = nil
	m.subs = make(map[string]map[string]Callback)
	m.phase = PhaseDisconnected
	m.reconnectAttempts = 0
	m.currentBackoff = m.cfg.BackoffBase
	m.mu.Unlock()

	m.cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	m.wg.Wait()
	m.log.Info("stream disconnected")
	return err
}

// State returns a snapshot of the connection state machine.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Phase:             m.phase,
		ReconnectAttempts: m.reconnectAttempts,
		CurrentBackoff:    m.currentBackoff,
	}
}

// AvailableChannels reports the channel list from the most recent successful
// probe.
func (m *Manager) AvailableChannels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.availableChannels...)
}

func (m *Manager) setPhase(p Phase) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
	observ.SetGauge("stream_connection_state", float64(p), nil)
}
