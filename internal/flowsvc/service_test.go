package flowsvc

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/flowcore/internal/filter"
	"github.com/Rajchodisetti/flowcore/internal/flow"
	"github.com/Rajchodisetti/flowcore/internal/sentiment"
	"github.com/Rajchodisetti/flowcore/internal/stream"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// rawSweep is a provider-shaped alert: AAPL 2024-10-18 415C, $600k at the ask.
const rawSweep = `{"contract_id":"AAPL241018C00415000","premium":600000,"size":150,"underlying_price":390,"execution_time":"2024-09-28T14:30:00Z","side":"ask"}`

type fakeStream struct {
	mu           sync.Mutex
	cb           stream.Callback
	connectErr   error
	hook         func()
	subscribed   bool
	unsubscribed bool
	disconnected bool
}

func (f *fakeStream) Connect(context.Context) error { return f.connectErr }

func (f *fakeStream) Subscribe(channel string, cb stream.Callback) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = cb
	f.subscribed = true
	return "tok", nil
}

func (f *fakeStream) Unsubscribe(channel, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = true
	return nil
}

func (f *fakeStream) OnPermanentFailure(h func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = h
}

func (f *fakeStream) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
	return nil
}

func (f *fakeStream) State() stream.State { return stream.State{} }

func (f *fakeStream) deliver(payload string) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb != nil {
		cb(FlowChannel, json.RawMessage(payload))
	}
}

func (f *fakeStream) firePermanentFailure() {
	f.mu.Lock()
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
}

type fakePoller struct {
	mu      sync.Mutex
	running bool
	starts  int
}

func (f *fakePoller) Start(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	f.starts++
}

func (f *fakePoller) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
}

func (f *fakePoller) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakePoller) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

type harness struct {
	svc    *Service
	stream *fakeStream
	poller *fakePoller
	agg    *sentiment.Aggregator
	engine *filter.Engine
}

func newHarness(t *testing.T, connectErr error, advisory AdvisoryFunc) *harness {
	t.Helper()
	log := testLogger()

	minPrem := 500_000.0
	engine, err := filter.NewEngine([]filter.Definition{{
		ID:       "big-money",
		Name:     "Big Money",
		Enabled:  true,
		Criteria: filter.Criteria{MinPremium: &minPrem},
	}}, log)
	require.NoError(t, err)

	h := &harness{
		stream: &fakeStream{connectErr: connectErr},
		poller: &fakePoller{},
		agg:    sentiment.NewAggregator(sentiment.Config{}, log),
		engine: engine,
	}
	h.svc = NewService(Deps{
		Stream:    h.stream,
		Poller:    h.poller,
		Filters:   h.engine,
		Sentiment: h.agg,
		Advisory:  advisory,
	}, log)
	t.Cleanup(func() {
		h.svc.StopMonitoring()
		h.agg.Close()
	})
	return h
}

func TestPipelineEndToEnd(t *testing.T) {
	h := newHarness(t, nil, nil)

	matched := make(chan flow.Alert, 4)
	_, err := h.svc.SubscribeFilter("big-money", func(a flow.Alert) { matched <- a })
	require.NoError(t, err)

	require.NoError(t, h.svc.StartMonitoring(context.Background()))
	h.stream.deliver(rawSweep)

	select {
	case a := <-matched:
		assert.Equal(t, "AAPL", a.Ticker)
		assert.Equal(t, 600_000.0, a.Premium)
		assert.Equal(t, flow.SentimentBullish, a.Sentiment)
		assert.NotEmpty(t, a.IngestID)
	case <-time.After(2 * time.Second):
		t.Fatal("filter subscriber never notified")
	}

	snap, ok := h.svc.GetFlowStatistics("AAPL")
	require.True(t, ok)
	assert.Equal(t, 1, snap.AlertCount)
	assert.False(t, h.svc.PollingActive())
}

func TestDedupAcrossSources(t *testing.T) {
	h := newHarness(t, nil, nil)
	require.NoError(t, h.svc.StartMonitoring(context.Background()))

	// Same execution seen on the stream and again from a poll page.
	h.stream.deliver(rawSweep)
	h.svc.HandlePolled(json.RawMessage(rawSweep))
	h.stream.deliver(rawSweep)

	assert.Len(t, h.svc.GetTickerFlow("AAPL"), 1)
}

func TestMalformedPayloadDropped(t *testing.T) {
	h := newHarness(t, nil, nil)
	require.NoError(t, h.svc.StartMonitoring(context.Background()))

	h.stream.deliver(`not json`)
	h.stream.deliver(`{"premium":100}`)

	assert.Empty(t, h.svc.GetFlowAnalysisForTickers([]string{"AAPL"}))
}

func TestAccessDeniedFallsBackToPolling(t *testing.T) {
	h := newHarness(t, stream.ErrAccessDenied, nil)
	require.NoError(t, h.svc.StartMonitoring(context.Background()))

	require.Eventually(t, h.svc.PollingActive, 2*time.Second, 5*time.Millisecond)

	// Polled alerts still flow through the same pipeline.
	h.svc.HandlePolled(json.RawMessage(rawSweep))
	assert.Len(t, h.svc.GetTickerFlow("AAPL"), 1)
}

func TestFallbackHappensOnce(t *testing.T) {
	h := newHarness(t, stream.ErrRetriesExhausted, nil)
	require.NoError(t, h.svc.StartMonitoring(context.Background()))

	require.Eventually(t, h.svc.PollingActive, 2*time.Second, 5*time.Millisecond)

	// A late permanent-failure signal must not start a second poller.
	h.stream.firePermanentFailure()
	h.stream.firePermanentFailure()
	assert.Equal(t, 1, h.poller.startCount())
}

func TestPermanentFailureAfterConnectFallsBack(t *testing.T) {
	h := newHarness(t, nil, nil)
	require.NoError(t, h.svc.StartMonitoring(context.Background()))

	assert.False(t, h.svc.PollingActive())
	h.stream.firePermanentFailure()
	assert.True(t, h.svc.PollingActive())
}

func TestStopMonitoring(t *testing.T) {
	h := newHarness(t, nil, nil)
	require.NoError(t, h.svc.StartMonitoring(context.Background()))
	h.stream.deliver(rawSweep)
	require.Len(t, h.svc.GetTickerFlow("AAPL"), 1)

	h.svc.StopMonitoring()

	assert.True(t, h.stream.unsubscribed)
	assert.True(t, h.stream.disconnected)
	assert.False(t, h.svc.PollingActive())

	// A frame that races the teardown is ignored.
	h.stream.deliver(`{"contract_id":"TSLA241018P00200000","premium":900000,"size":50,"execution_time":"2024-09-28T15:00:00Z"}`)
	assert.Empty(t, h.svc.GetTickerFlow("TSLA"))

	// Idempotent.
	h.svc.StopMonitoring()
}

func TestAdvisoryObservesAcceptedAlerts(t *testing.T) {
	seen := make(chan flow.Alert, 4)
	advisory := func(_ context.Context, a flow.Alert) (string, float64, error) {
		seen <- a
		return "bullish", 0.8, nil
	}
	h := newHarness(t, nil, advisory)
	require.NoError(t, h.svc.StartMonitoring(context.Background()))

	h.stream.deliver(rawSweep)

	select {
	case a := <-seen:
		assert.Equal(t, "AAPL", a.Ticker)
		assert.NotEmpty(t, a.IngestID)
	case <-time.After(2 * time.Second):
		t.Fatal("advisory never invoked")
	}
}

func TestStartMonitoringIdempotent(t *testing.T) {
	h := newHarness(t, nil, nil)
	require.NoError(t, h.svc.StartMonitoring(context.Background()))
	require.NoError(t, h.svc.StartMonitoring(context.Background()))

	h.stream.deliver(rawSweep)
	assert.Len(t, h.svc.GetTickerFlow("AAPL"), 1)
}
