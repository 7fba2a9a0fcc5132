// Package flowsvc composes the flow ingestion pipeline: realtime stream (or
// its poll fallback) feeding the normalizer, then the filter engine and the
// sentiment aggregator. It owns ingest dedup and the query surface.
package flowsvc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Rajchodisetti/flowcore/internal/filter"
	"github.com/Rajchodisetti/flowcore/internal/flow"
	"github.com/Rajchodisetti/flowcore/internal/observ"
	"github.com/Rajchodisetti/flowcore/internal/sentiment"
	"github.com/Rajchodisetti/flowcore/internal/stream"
)

// FlowChannel is the provider's realtime channel for options flow alerts.
const FlowChannel = "options_flow"

// dedupWindow bounds how many recent alert keys the service remembers.
// Provider replays and stream/poll overlap land well inside this horizon.
const dedupWindow = 4096

// AdvisoryFunc is an optional collaborator that labels an alert with a
// directional view and a confidence. The service only logs its output; it
// never influences ingestion.
type AdvisoryFunc func(ctx context.Context, a flow.Alert) (label string, confidence float64, err error)

// streamSource is the slice of *stream.Manager the service drives.
type streamSource interface {
	Connect(ctx context.Context) error
	Subscribe(channel string, cb stream.Callback) (string, error)
	Unsubscribe(channel, token string) error
	OnPermanentFailure(func())
	Disconnect() error
	State() stream.State
}

// pollSource is the slice of *poller.Poller the service drives.
type pollSource interface {
	Start(ctx context.Context)
	Stop()
	Running() bool
}

// Deps carries the service's collaborators. Stream, Poller, Filters and
// Sentiment are required; Advisory is optional.
type Deps struct {
	Stream    streamSource
	Poller    pollSource
	Filters   *filter.Engine
	Sentiment *sentiment.Aggregator
	Advisory  AdvisoryFunc
}

// Service is the flow monitoring composition root.
type Service struct {
	deps       Deps
	normalizer *flow.Normalizer
	log        *logrus.Entry

	mu          sync.Mutex
	running     bool
	fellBack    bool
	streamToken string
	cancel      context.CancelFunc
	runCtx      context.Context

	dedupSeen  map[string]struct{}
	dedupOrder []string

	wg sync.WaitGroup
}

// NewService wires the pipeline. It does not connect anything; call
// StartMonitoring for that.
func NewService(deps Deps, log *logrus.Logger) *Service {
	return &Service{
		deps:       deps,
		normalizer: flow.NewNormalizer(),
		log:        log.WithField("component", "flowsvc"),
		dedupSeen:  make(map[string]struct{}),
	}
}

// StartMonitoring subscribes to the flow channel and connects the realtime
// stream in the background. Access denial or permanent stream failure flips
// the service to the poll fallback, at most once per process lifetime.
func (s *Service) StartMonitoring(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.runCtx, s.cancel = context.WithCancel(ctx)
	runCtx := s.runCtx
	s.mu.Unlock()

	s.deps.Stream.OnPermanentFailure(s.fallBackToPolling)

	token, err := s.deps.Stream.Subscribe(FlowChannel, func(_ string, payload json.RawMessage) {
		s.ingest(payload, "stream")
	})
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}
	s.mu.Lock()
	s.streamToken = token
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.deps.Stream.Connect(runCtx)
		switch {
		case err == nil:
			return
		case errors.Is(err, stream.ErrClosed):
			return
		case errors.Is(err, stream.ErrAccessDenied), errors.Is(err, stream.ErrRetriesExhausted):
			s.fallBackToPolling()
		default:
			s.log.WithError(err).Error("stream connect failed")
			s.fallBackToPolling()
		}
	}()

	s.log.Info("flow monitoring started")
	return nil
}

// fallBackToPolling starts the poll fallback. It runs at most once: a process
// that fell back stays on polling and never re-probes realtime scope.
func (s *Service) fallBackToPolling() {
	s.mu.Lock()
	if s.fellBack || !s.running {
		s.mu.Unlock()
		return
	}
	s.fellBack = true
	runCtx := s.runCtx
	s.mu.Unlock()

	s.log.Warn("realtime unavailable, switching to poll fallback")
	observ.SetGauge("flow_poll_fallback_active", 1, nil)
	s.deps.Poller.Start(runCtx)
}

// HandlePolled ingests one raw alert fetched by the poll fallback. The
// poller is constructed with this as its handler.
func (s *Service) HandlePolled(payload json.RawMessage) {
	s.ingest(payload, "poll")
}

// StopMonitoring tears the pipeline down: unsubscribes from the stream,
// disconnects it, stops the poller, and cancels any pending backoff. No
// callbacks run after it returns.
func (s *Service) StopMonitoring() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	token := s.streamToken
	s.streamToken = ""
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	if err := s.deps.Stream.Unsubscribe(FlowChannel, token); err != nil {
		s.log.WithError(err).Debug("unsubscribe on stop")
	}
	if err := s.deps.Stream.Disconnect(); err != nil {
		s.log.WithError(err).Debug("disconnect on stop")
	}
	s.deps.Poller.Stop()
	s.wg.Wait()
	s.log.Info("flow monitoring stopped")
}

// ingest is the single entry point for raw alerts from either source.
func (s *Service) ingest(payload []byte, source string) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return
	}

	alert, err := s.normalizer.Normalize(payload)
	if err != nil {
		observ.IncCounter("flow_parse_errors_total", map[string]string{"source": source})
		s.log.WithError(err).Debug("dropping malformed alert")
		return
	}

	if !s.admit(alert.DedupKey()) {
		observ.IncCounter("flow_dedup_drops_total", map[string]string{"source": source})
		return
	}

	alert.IngestID = uuid.NewString()
	observ.IncCounter("flow_alerts_ingested_total", map[string]string{"source": source})
	s.log.WithFields(logrus.Fields{
		"ingest_id": alert.IngestID,
		"ticker":    alert.Ticker,
		"premium":   alert.Premium,
		"source":    source,
	}).Debug("alert accepted")

	s.deps.Sentiment.RecordAlert(alert)
	s.deps.Filters.Dispatch(alert)

	if s.deps.Advisory != nil {
		s.runAdvisory(alert)
	}
}

// admit records the key and reports whether it is new. The window is a FIFO
// of dedupWindow keys; older alerts can recur and will be re-admitted.
func (s *Service) admit(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.dedupSeen[key]; seen {
		return false
	}
	s.dedupSeen[key] = struct{}{}
	s.dedupOrder = append(s.dedupOrder, key)
	if len(s.dedupOrder) > dedupWindow {
		delete(s.dedupSeen, s.dedupOrder[0])
		s.dedupOrder = s.dedupOrder[1:]
	}
	return true
}

func (s *Service) runAdvisory(alert flow.Alert) {
	s.mu.Lock()
	runCtx := s.runCtx
	s.mu.Unlock()
	if runCtx == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		label, confidence, err := s.deps.Advisory(runCtx, alert)
		if err != nil {
			observ.IncCounter("advisory_errors_total", nil)
			s.log.WithError(err).Debug("advisory failed")
			return
		}
		observ.IncCounter("advisory_calls_total", nil)
		s.log.WithFields(logrus.Fields{
			"ingest_id":  alert.IngestID,
			"ticker":     alert.Ticker,
			"label":      label,
			"confidence": confidence,
		}).Info("advisory view")
	}()
}

// --- query surface -------------------------------------------------------

// StreamState reports the connection state machine snapshot.
func (s *Service) StreamState() stream.State { return s.deps.Stream.State() }

// PollingActive reports whether the poll fallback carries ingestion.
func (s *Service) PollingActive() bool { return s.deps.Poller.Running() }

// GetFlowStatistics returns the sentiment snapshot for one ticker.
func (s *Service) GetFlowStatistics(ticker string) (sentiment.Snapshot, bool) {
	return s.deps.Sentiment.GetFlowStatistics(ticker)
}

// GetTickerFlow returns the recent alert history for one ticker.
func (s *Service) GetTickerFlow(ticker string) []flow.Alert {
	return s.deps.Sentiment.GetTickerFlow(ticker)
}

// GetFlowAnalysisForTickers returns snapshots for the tickers that have flow.
func (s *Service) GetFlowAnalysisForTickers(tickers []string) map[string]sentiment.Snapshot {
	return s.deps.Sentiment.GetFlowAnalysisForTickers(tickers)
}

// ListFilters returns a snapshot of the filter registry.
func (s *Service) ListFilters() []filter.Definition { return s.deps.Filters.ListFilters() }

// SubscribeFilter registers a callback for one filter's matches.
func (s *Service) SubscribeFilter(filterID string, cb filter.Callback) (string, error) {
	return s.deps.Filters.Subscribe(filterID, cb)
}

// UnsubscribeFilter removes a filter subscription; empty token removes all.
func (s *Service) UnsubscribeFilter(filterID, token string) {
	s.deps.Filters.Unsubscribe(filterID, token)
}

// ToggleFilter enables or disables a filter.
func (s *Service) ToggleFilter(filterID string, enabled bool) error {
	return s.deps.Filters.ToggleFilter(filterID, enabled)
}

// UpdateFilterCriteria merges the given criteria patch into a filter.
func (s *Service) UpdateFilterCriteria(filterID string, patch filter.Criteria) error {
	return s.deps.Filters.UpdateCriteria(filterID, patch)
}
