package sentiment

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Rajchodisetti/flowcore/internal/flow"
	"github.com/Rajchodisetti/flowcore/internal/observ"
)

const (
	// historyCap bounds the per-ticker rolling window. Oldest entries are
	// evicted first.
	historyCap = 50

	// decayHorizon is the window over which an alert's age weight decays
	// linearly to zero.
	decayHorizon = 24 * time.Hour

	// sizeWeightCap bounds the premium multiplier at 5x (premium / $1M).
	sizeWeightCap = 5.0

	maxConfidence = 95.0
)

// Breakdown is the human-readable explanation of a ticker's classification.
type Breakdown struct {
	BullishSignals []string  `json:"bullish_signals"`
	BearishSignals []string  `json:"bearish_signals"`
	RiskFactors    []string  `json:"risk_factors"`
	KeyLevels      []float64 `json:"key_levels"`
}

// Snapshot is a read-only view of a ticker's sentiment state.
type Snapshot struct {
	Ticker           string         `json:"ticker"`
	OverallSentiment flow.Sentiment `json:"overall_sentiment"`
	ConfidenceScore  float64        `json:"confidence_score"` // 0..100
	BullishRatio     float64        `json:"bullish_ratio"`
	BearishRatio     float64        `json:"bearish_ratio"`
	AlertCount       int            `json:"alert_count"`
	Breakdown        Breakdown      `json:"breakdown"`
	LastUpdated      time.Time      `json:"last_updated"`
}

type tickerState struct {
	history     []flow.Alert
	snapshot    Snapshot
	lastUpdated time.Time
}

// Aggregator maintains per-ticker bounded history and a continuously
// recomputed sentiment estimate. It is the sole owner and writer of that
// state; concurrent RecordAlert calls for the same ticker are serialized.
type Aggregator struct {
	mu     sync.RWMutex
	states map[string]*tickerState

	now     func() time.Time
	idleTTL time.Duration
	log     *logrus.Entry

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Config for the aggregator. IdleTTL evicts tickers that have gone quiet;
// zero disables eviction.
type Config struct {
	IdleTTL time.Duration
}

func NewAggregator(cfg Config, log *logrus.Logger) *Aggregator {
	a := &Aggregator{
		states:  make(map[string]*tickerState),
		now:     time.Now,
		idleTTL: cfg.IdleTTL,
		log:     log.WithField("component", "sentiment"),
		stopCh:  make(chan struct{}),
	}
	if a.idleTTL > 0 {
		a.wg.Add(1)
		go a.janitor()
	}
	return a
}

// Close stops the idle-ticker janitor.
func (a *Aggregator) Close() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

// RecordAlert appends the alert to its ticker's history, evicting the oldest
// entry at capacity, and recomputes that ticker's sentiment before returning.
func (a *Aggregator) RecordAlert(alert flow.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.states[alert.Ticker]
	if !ok {
		st = &tickerState{}
		a.states[alert.Ticker] = st
		observ.SetGauge("sentiment_tickers_tracked", float64(len(a.states)), nil)
	}

	st.history = append(st.history, alert)
	if len(st.history) > historyCap {
		st.history = st.history[len(st.history)-historyCap:]
	}
	st.lastUpdated = a.now()
	st.snapshot = a.recompute(alert.Ticker, st)
	observ.IncCounter("sentiment_alerts_recorded_total", map[string]string{"ticker": alert.Ticker})
}

// GetTickerFlow returns a copy of the ticker's current history, oldest first.
func (a *Aggregator) GetTickerFlow(ticker string) []flow.Alert {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st, ok := a.states[ticker]
	if !ok {
		return nil
	}
	return append([]flow.Alert(nil), st.history...)
}

// GetFlowStatistics returns the ticker's sentiment snapshot, if any.
func (a *Aggregator) GetFlowStatistics(ticker string) (Snapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st, ok := a.states[ticker]
	if !ok {
		return Snapshot{}, false
	}
	return st.snapshot, true
}

// GetFlowAnalysisForTickers returns snapshots for every requested ticker that
// has state. Unknown tickers are simply absent from the result.
func (a *Aggregator) GetFlowAnalysisForTickers(tickers []string) map[string]Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]Snapshot, len(tickers))
	for _, t := range tickers {
		if st, ok := a.states[t]; ok {
			out[t] = st.snapshot
		}
	}
	return out
}

// alertWeight is ((ageDecay * sizeWeight) + 1) / 2: age decays linearly to
// zero over 24h, size scales with premium up to 5x at $5M.
func alertWeight(a flow.Alert, now time.Time) float64 {
	age := now.Sub(a.ExecutionTime)
	ageDecay := math.Max(0, 1-age.Hours()/decayHorizon.Hours())
	sizeWeight := math.Min(a.Premium/1_000_000, sizeWeightCap)
	return (ageDecay*sizeWeight + 1) / 2
}

func (a *Aggregator) recompute(ticker string, st *tickerState) Snapshot {
	now := a.now()

	var bullishScore, bearishScore, totalWeight float64
	var callCount, putCount int
	var totalSize int64
	strikeCounts := map[float64]int{}
	var strikeOrder []float64

	for _, alert := range st.history {
		w := alertWeight(alert, now)
		totalWeight += w
		switch alert.Sentiment {
		case flow.SentimentBullish:
			bullishScore += w
		case flow.SentimentBearish:
			bearishScore += w
		}
		if alert.OptionType == flow.OptionCall {
			callCount++
		} else if alert.OptionType == flow.OptionPut {
			putCount++
		}
		totalSize += alert.Size
		if _, seen := strikeCounts[alert.Strike]; !seen {
			strikeOrder = append(strikeOrder, alert.Strike)
		}
		strikeCounts[alert.Strike]++
	}

	snap := Snapshot{
		Ticker:           ticker,
		OverallSentiment: flow.SentimentNeutral,
		AlertCount:       len(st.history),
		LastUpdated:      st.lastUpdated,
	}
	if totalWeight > 0 {
		snap.BullishRatio = bullishScore / totalWeight
		snap.BearishRatio = bearishScore / totalWeight
	}
	if snap.BullishRatio > 0.6 {
		snap.OverallSentiment = flow.SentimentBullish
	} else if snap.BearishRatio > 0.6 {
		snap.OverallSentiment = flow.SentimentBearish
	}

	// Confidence grows with both history depth and how one-sided the flow is.
	depth := math.Min(1, float64(len(st.history))/20)
	lean := math.Max(snap.BullishRatio, snap.BearishRatio)
	snap.ConfidenceScore = math.Min(maxConfidence, math.Round(100*(0.35*depth+0.65*lean)))

	snap.Breakdown = a.buildBreakdown(st, snap, callCount, putCount, totalSize, strikeCounts, strikeOrder)
	return snap
}

func (a *Aggregator) buildBreakdown(st *tickerState, snap Snapshot, callCount, putCount int, totalSize int64, strikeCounts map[float64]int, strikeOrder []float64) Breakdown {
	b := Breakdown{
		BullishSignals: []string{},
		BearishSignals: []string{},
		RiskFactors:    []string{},
	}

	if callCount > putCount {
		b.BullishSignals = append(b.BullishSignals,
			fmt.Sprintf("call activity dominates (%d calls vs %d puts)", callCount, putCount))
	} else if putCount > callCount {
		b.BearishSignals = append(b.BearishSignals,
			fmt.Sprintf("put activity dominates (%d puts vs %d calls)", putCount, callCount))
	}

	if n := len(st.history); n > 0 {
		avgSize := totalSize / int64(n)
		if avgSize >= 250 {
			callout := fmt.Sprintf("large average trade size (%d contracts)", avgSize)
			if snap.OverallSentiment == flow.SentimentBearish {
				b.BearishSignals = append(b.BearishSignals, callout)
			} else {
				b.BullishSignals = append(b.BullishSignals, callout)
			}
		}
	}

	if len(st.history) < 3 {
		b.RiskFactors = append(b.RiskFactors, "limited activity: fewer than 3 alerts in window")
	}

	b.KeyLevels = topStrikes(strikeCounts, strikeOrder, 3)
	return b
}

// topStrikes returns the most frequently traded strikes, ties broken by
// first-seen order.
func topStrikes(counts map[float64]int, order []float64, n int) []float64 {
	firstSeen := make(map[float64]int, len(order))
	for i, s := range order {
		firstSeen[s] = i
	}
	sorted := append([]float64(nil), order...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if counts[sorted[i]] != counts[sorted[j]] {
			return counts[sorted[i]] > counts[sorted[j]]
		}
		return firstSeen[sorted[i]] < firstSeen[sorted[j]]
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func (a *Aggregator) janitor() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.idleTTL / 4)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			evicted := a.sweep(a.now())
			if evicted > 0 {
				a.log.WithField("evicted", evicted).Info("evicted idle tickers")
			}
		}
	}
}

// sweep drops tickers idle for longer than the TTL and reports how many.
func (a *Aggregator) sweep(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	evicted := 0
	for ticker, st := range a.states {
		if now.Sub(st.lastUpdated) > a.idleTTL {
			delete(a.states, ticker)
			evicted++
		}
	}
	if evicted > 0 {
		observ.SetGauge("sentiment_tickers_tracked", float64(len(a.states)), nil)
	}
	return evicted
}
