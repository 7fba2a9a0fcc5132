// Package poller is the degraded-mode alert source: when realtime scope is
// denied or the stream is permanently gone, the service pulls recent alerts
// over REST on a fixed cadence instead.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/flowcore/internal/observ"
)

// alertsPath returns recent flow alerts, newest last, with an opaque cursor
// for incremental fetches.
const alertsPath = "/api/v1/flow-alerts"

// Config holds poller settings. Zero values take defaults.
type Config struct {
	BaseURL        string
	Interval       time.Duration // default 30s
	RequestTimeout time.Duration // default 10s
	Burst          int           // rate limiter burst, default 2
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	// Burst 2 covers the immediate first fetch plus the first tick; steady
	// state is one request per interval.
	if c.Burst <= 0 {
		c.Burst = 2
	}
}

// Handler receives each raw alert payload exactly as the provider sent it.
// Duplicates across polls are possible; dedup is the caller's job.
type Handler func(payload json.RawMessage)

// Poller fetches recent alerts on a fixed tick. A failed poll is logged and
// skipped; the next tick proceeds normally.
type Poller struct {
	cfg     Config
	client  *resty.Client
	limiter *rate.Limiter
	handler Handler
	log     *logrus.Entry

	mu      sync.Mutex
	cursor  string
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPoller builds a poller; the handler must be non-nil.
func NewPoller(cfg Config, token string, handler Handler, log *logrus.Logger) *Poller {
	cfg.applyDefaults()
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetRetryCount(0)
	if token != "" {
		client.SetAuthToken(token)
	}
	return &Poller{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Every(cfg.Interval), cfg.Burst),
		handler: handler,
		log:     log.WithField("component", "poller"),
	}
}

// Start begins polling on the configured interval. Idempotent: a running
// poller stays running.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.loop(ctx)
	p.log.WithField("interval", p.cfg.Interval.String()).Info("poll fallback started")
}

// Stop halts polling and waits for any in-flight request to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.log.Info("poll fallback stopped")
}

// Running reports whether the poll loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// First fetch immediately, then on the tick.
	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	if !p.limiter.Allow() {
		observ.IncCounter("poll_rate_limited_total", nil)
		return
	}
	n, err := p.pollOnce(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		observ.IncCounter("poll_errors_total", nil)
		p.log.WithError(err).Warn("poll failed, will retry next tick")
		return
	}
	observ.IncCounter("poll_requests_total", nil)
	observ.IncCounterBy("poll_alerts_total", nil, float64(n))
}

// pollOnce fetches one page of recent alerts and hands each to the handler.
// Returns the number of alerts delivered.
func (p *Poller) pollOnce(ctx context.Context) (int, error) {
	var body struct {
		Alerts []json.RawMessage `json:"alerts"`
		Cursor string            `json:"cursor"`
	}

	p.mu.Lock()
	cursor := p.cursor
	p.mu.Unlock()

	req := p.client.R().SetContext(ctx).SetResult(&body)
	if cursor != "" {
		req.SetQueryParam("cursor", cursor)
	}
	resp, err := req.Get(alertsPath)
	if err != nil {
		return 0, fmt.Errorf("poll alerts: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("poll alerts: unexpected status %d", resp.StatusCode())
	}

	for _, raw := range body.Alerts {
		p.handler(raw)
	}

	if body.Cursor != "" {
		p.mu.Lock()
		p.cursor = body.Cursor
		p.mu.Unlock()
	}
	return len(body.Alerts), nil
}
