package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type fakeProber struct {
	mu     sync.Mutex
	result ProbeResult
	err    error
	calls  int
}

func (p *fakeProber) ProbeAccess(context.Context) (ProbeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls += 1
	return p.result, p.err
}

func (p *fakeProber) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func grantedProber() *fakeProber {
	return &fakeProber{result: ProbeResult{Granted: true, Channels: []string{"options_flow"}}}
}

// fakeConn is an in-memory wsConn: frames pushed via push() come out of
// ReadMessage, control writes are recorded.
type fakeConn struct {
	mu      sync.Mutex
	frames  chan []byte
	dropped chan struct{}
	once    sync.Once
	writes  []controlFrame
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), dropped: make(chan struct{})}
}

func (c *fakeConn) push(frame string) { c.frames <- []byte(frame) }

func (c *fakeConn) drop() { c.once.Do(func() { close(c.dropped) }) }

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.frames:
		return websocket.TextMessage, f, nil
	case <-c.dropped:
		return 0, nil, errors.New("connection reset")
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var frame controlFrame
	if err := json.Unmarshal(b, &frame); err != nil {
		return err
	}
	c.mu.Lock()
	c.writes = append(c.writes, frame)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) controlWrites() []controlFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]controlFrame(nil), c.writes...)
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.drop()
	return nil
}

// testManager wires a Manager to fake dial/sleep plumbing.
type testManager struct {
	*Manager
	sleeps    []time.Duration
	dialCount int
	mu        sync.Mutex
}

func newTestManager(t *testing.T, prober AccessProber, dial func(int) (wsConn, error)) *testManager {
	t.Helper()
	tm := &testManager{}
	tm.Manager = NewManager(Config{URL: "ws://test"}, prober, testLogger())
	tm.Manager.sleep = func(_ context.Context, d time.Duration) bool {
		tm.mu.Lock()
		tm.sleeps = append(tm.sleeps, d)
		tm.mu.Unlock()
		return true
	}
	tm.Manager.dial = func(context.Context) (wsConn, error) {
		tm.mu.Lock()
		tm.dialCount++
		n := tm.dialCount
		tm.mu.Unlock()
		return dial(n)
	}
	t.Cleanup(func() { tm.Disconnect() })
	return tm
}

func (tm *testManager) recordedSleeps() []time.Duration {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return append([]time.Duration(nil), tm.sleeps...)
}

func (tm *testManager) dials() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.dialCount
}

func TestConnectAccessDenied(t *testing.T) {
	prober := &fakeProber{result: ProbeResult{Granted: false, Reason: "plan does not include realtime"}}
	tm := newTestManager(t, prober, func(int) (wsConn, error) {
		t.Fatal("dial must not be attempted when access is denied")
		return nil, nil
	})

	err := tm.Connect(context.Background())
	require.ErrorIs(t, err, ErrAccessDenied)

	// Denial is permanent: no retries, no backoff consumed.
	assert.Empty(t, tm.recordedSleeps())
	assert.Equal(t, 1, prober.callCount())
	assert.Equal(t, PhaseDisconnected, tm.State().Phase)
}

func TestBackoffSequence(t *testing.T) {
	prober := grantedProber()
	conn := newFakeConn()
	tm := newTestManager(t, prober, func(attempt int) (wsConn, error) {
		if attempt <= 4 {
			return nil, errors.New("connection refused")
		}
		return conn, nil
	})

	require.NoError(t, tm.Connect(context.Background()))

	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
	}, tm.recordedSleeps())

	// Success resets the reconnect state to baseline.
	st := tm.State()
	assert.Equal(t, PhaseConnected, st.Phase)
	assert.Zero(t, st.ReconnectAttempts)
	assert.Equal(t, 1*time.Second, st.CurrentBackoff)

	// The probe runs before every attempt, never cached.
	assert.Equal(t, 5, prober.callCount())
}

func TestConnectRetriesExhausted(t *testing.T) {
	tm := newTestManager(t, grantedProber(), func(int) (wsConn, error) {
		return nil, errors.New("connection refused")
	})

	err := tm.Connect(context.Background())
	require.ErrorIs(t, err, ErrRetriesExhausted)

	// Five failed attempts, four backoff delays in between.
	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
	}, tm.recordedSleeps())
	assert.Equal(t, 5, tm.dials())
}

func TestBackoffCap(t *testing.T) {
	tm := &testManager{}
	tm.Manager = NewManager(Config{URL: "ws://test", MaxReconnectAttempts: 8}, grantedProber(), testLogger())
	tm.Manager.sleep = func(_ context.Context, d time.Duration) bool {
		tm.mu.Lock()
		tm.sleeps = append(tm.sleeps, d)
		tm.mu.Unlock()
		return true
	}
	tm.Manager.dial = func(context.Context) (wsConn, error) { return nil, errors.New("refused") }
	defer tm.Disconnect()

	err := tm.Connect(context.Background())
	require.ErrorIs(t, err, ErrRetriesExhausted)

	sleeps := tm.recordedSleeps()
	require.Len(t, sleeps, 7)
	assert.Equal(t, 30*time.Second, sleeps[5], "backoff caps at 30s")
	assert.Equal(t, 30*time.Second, sleeps[6])
}

func TestSubscribeControlFrames(t *testing.T) {
	conn := newFakeConn()
	tm := newTestManager(t, grantedProber(), func(int) (wsConn, error) { return conn, nil })
	require.NoError(t, tm.Connect(context.Background()))

	tok1, err := tm.Subscribe("options_flow", func(string, json.RawMessage) {})
	require.NoError(t, err)
	_, err = tm.Subscribe("options_flow", func(string, json.RawMessage) {})
	require.NoError(t, err)

	// Only the first subscriber of a channel emits a subscribe frame.
	writes := conn.controlWrites()
	require.Len(t, writes, 1)
	assert.Equal(t, controlFrame{Type: "subscribe", Channel: "options_flow"}, writes[0])

	// Removing one of two subscribers sends nothing; removing the last one
	// sends the unsubscribe frame.
	require.NoError(t, tm.Unsubscribe("options_flow", tok1))
	assert.Len(t, conn.controlWrites(), 1)

	require.NoError(t, tm.Unsubscribe("options_flow", ""))
	writes = conn.controlWrites()
	require.Len(t, writes, 2)
	assert.Equal(t, controlFrame{Type: "unsubscribe", Channel: "options_flow"}, writes[1])
}

func TestDispatchFrames(t *testing.T) {
	conn := newFakeConn()
	tm := newTestManager(t, grantedProber(), func(int) (wsConn, error) { return conn, nil })
	require.NoError(t, tm.Connect(context.Background()))

	type received struct {
		channel string
		payload string
	}
	got := make(chan received, 8)
	_, err := tm.Subscribe("options_flow", func(ch string, payload json.RawMessage) {
		got <- received{channel: ch, payload: string(payload)}
	})
	require.NoError(t, err)

	// Array frame shape.
	conn.push(`["options_flow", {"ticker":"TSLA"}]`)
	// Object wrapper carrying the same two fields.
	conn.push(`{"channel":"options_flow","payload":{"ticker":"AAPL"}}`)
	// Frame for a channel with no subscribers is discarded without error.
	conn.push(`["other_channel", {"ignored":true}]`)
	// Unparseable frame is dropped, stream continues.
	conn.push(`not json`)
	conn.push(`["options_flow", {"ticker":"NVDA"}]`)

	want := []string{`{"ticker":"TSLA"}`, `{"ticker":"AAPL"}`, `{"ticker":"NVDA"}`}
	for _, w := range want {
		select {
		case r := <-got:
			assert.Equal(t, "options_flow", r.channel)
			assert.JSONEq(t, w, r.payload)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for payload %s", w)
		}
	}
}

func TestAutoReconnectOnDrop(t *testing.T) {
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	tm := newTestManager(t, grantedProber(), func(attempt int) (wsConn, error) {
		if attempt == 1 {
			return conn1, nil
		}
		return conn2, nil
	})
	require.NoError(t, tm.Connect(context.Background()))

	got := make(chan string, 8)
	_, err := tm.Subscribe("options_flow", func(_ string, payload json.RawMessage) {
		got <- string(payload)
	})
	require.NoError(t, err)

	conn1.drop()

	// The manager reconnects and re-issues the subscribe frame on the new
	// transport, then frames flow again.
	require.Eventually(t, func() bool {
		for _, w := range conn2.controlWrites() {
			if w.Type == "subscribe" && w.Channel == "options_flow" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	conn2.push(`["options_flow", {"ticker":"SPY"}]`)
	select {
	case payload := <-got:
		assert.JSONEq(t, `{"ticker":"SPY"}`, payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered after reconnect")
	}
}

func TestPermanentFailureHook(t *testing.T) {
	conn1 := newFakeConn()
	tm := newTestManager(t, grantedProber(), func(attempt int) (wsConn, error) {
		if attempt == 1 {
			return conn1, nil
		}
		return nil, errors.New("connection refused")
	})

	failed := make(chan struct{})
	tm.OnPermanentFailure(func() { close(failed) })
	require.NoError(t, tm.Connect(context.Background()))

	conn1.drop()

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("permanent failure hook never fired")
	}
	assert.Equal(t, PhaseDisconnected, tm.State().Phase)
}

func TestDisconnectStopsEverything(t *testing.T) {
	conn := newFakeConn()
	tm := newTestManager(t, grantedProber(), func(int) (wsConn, error) { return conn, nil })
	require.NoError(t, tm.Connect(context.Background()))

	delivered := make(chan struct{}, 8)
	_, err := tm.Subscribe("options_flow", func(string, json.RawMessage) {
		delivered <- struct{}{}
	})
	require.NoError(t, err)

	require.NoError(t, tm.Disconnect())

	st := tm.State()
	assert.Equal(t, PhaseDisconnected, st.Phase)
	assert.Zero(t, st.ReconnectAttempts)
	assert.Equal(t, 1*time.Second, st.CurrentBackoff)

	// No reconnect after an explicit disconnect.
	assert.Equal(t, 1, tm.dials())

	// Subsequent operations refuse cleanly.
	_, err = tm.Subscribe("options_flow", func(string, json.RawMessage) {})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, tm.Connect(context.Background()), ErrClosed)

	select {
	case <-delivered:
		t.Fatal("callback fired after disconnect")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestParseFrame(t *testing.T) {
	channel, payload, err := parseFrame([]byte(`["flow", {"a":1}]`))
	require.NoError(t, err)
	assert.Equal(t, "flow", channel)
	assert.JSONEq(t, `{"a":1}`, string(payload))

	channel, payload, err = parseFrame([]byte(`{"channel":"flow","payload":{"b":2}}`))
	require.NoError(t, err)
	assert.Equal(t, "flow", channel)
	assert.JSONEq(t, `{"b":2}`, string(payload))

	for _, bad := range []string{`[]`, `["flow"]`, `["flow", {}, {}]`, `[1, {}]`, `{"payload":{}}`, `nope`} {
		_, _, err := parseFrame([]byte(bad))
		assert.Error(t, err, "frame %q should not parse", bad)
	}
}
