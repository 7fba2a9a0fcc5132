package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Rajchodisetti/flowcore/internal/config"
	"github.com/Rajchodisetti/flowcore/internal/filter"
	"github.com/Rajchodisetti/flowcore/internal/flowsvc"
	"github.com/Rajchodisetti/flowcore/internal/observ"
	"github.com/Rajchodisetti/flowcore/internal/poller"
	"github.com/Rajchodisetti/flowcore/internal/sentiment"
	"github.com/Rajchodisetti/flowcore/internal/stream"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	// .env is optional; deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	creds, err := config.LoadCredentials()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	log := observ.NewLogger(cfg.Logging.Level, cfg.Logging.File)

	engine, err := filter.NewEngine(cfg.Filters, log)
	if err != nil {
		log.WithError(err).Fatal("bad filter config")
	}

	agg := sentiment.NewAggregator(sentiment.Config{
		IdleTTL: time.Duration(cfg.Sentiment.IdleTTLHours) * time.Hour,
	}, log)

	prober := stream.NewProber(cfg.Poll.BaseURL, creds.APIToken,
		time.Duration(cfg.Poll.TimeoutMs)*time.Millisecond)
	mgr := stream.NewManager(stream.Config{
		URL:                  cfg.Stream.URL,
		HandshakeTimeout:     time.Duration(cfg.Stream.HandshakeTimeoutMs) * time.Millisecond,
		WriteTimeout:         time.Duration(cfg.Stream.WriteTimeoutMs) * time.Millisecond,
		BackoffBase:          time.Duration(cfg.Stream.BackoffBaseMs) * time.Millisecond,
		BackoffMax:           time.Duration(cfg.Stream.BackoffMaxMs) * time.Millisecond,
		MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
	}, prober, log)

	// The poller and the service reference each other; the closure resolves
	// the cycle.
	var svc *flowsvc.Service
	pol := poller.NewPoller(poller.Config{
		BaseURL:        cfg.Poll.BaseURL,
		Interval:       time.Duration(cfg.Poll.IntervalSeconds) * time.Second,
		RequestTimeout: time.Duration(cfg.Poll.TimeoutMs) * time.Millisecond,
		Burst:          cfg.Poll.Burst,
	}, creds.APIToken, func(payload json.RawMessage) { svc.HandlePolled(payload) }, log)

	svc = flowsvc.NewService(flowsvc.Deps{
		Stream:    mgr,
		Poller:    pol,
		Filters:   engine,
		Sentiment: agg,
	}, log)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observ.Handler())
		mux.Handle("/healthz", observ.Health())
		go func() {
			log.WithField("addr", cfg.MetricsAddr).Info("metrics listening")
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.StartMonitoring(ctx); err != nil {
		log.WithError(err).Fatal("start monitoring")
	}
	log.WithField("filters", len(engine.ListFilters())).Info("flowd up")

	<-ctx.Done()
	log.Info("signal received, shutting down")
	svc.StopMonitoring()
	agg.Close()
}
