package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tradeengine/internal/cfg"
	"tradeengine/internal/engine"
	"tradeengine/internal/instruments"
	"tradeengine/internal/journal"
	"tradeengine/internal/metrics"
	"tradeengine/internal/signalintake"
	"tradeengine/internal/supervisor"
	"tradeengine/internal/tradestate"
	"tradeengine/internal/xchg"
)

func main() {
	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	store, err := tradestate.Open(c.StateFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open state store")
	}

	j, err := journal.Open(c.JournalDir)
	if err != nil {
		log.Warn().Err(err).Msg("journal unavailable, continuing without idempotency journaling")
		j = nil
	} else {
		defer j.Close()
	}

	client := xchg.NewClient(c.APIKey, c.APISecret, c.BaseURL, c.RecvWindow, 15*time.Second)
	client.OnRetry = m.ExchangeRetries.Inc

	rules := instruments.New(client)

	eng := engine.New(c, client, rules, store, j).WithMetrics(m)

	feedReader, closeFeed := openSignalFeed(c.SignalFeedPath)
	if closeFeed != nil {
		defer closeFeed()
	}
	rawSignals := signalintake.ReadJSONLFeed(ctx, feedReader)
	intake := signalintake.NewFilteringSource(rawSignals, store, c.MaxConcurrentTrades, c.MaxTradesPerDay, time.Duration(c.MaxLagSec)*time.Second)
	go intake.Run(ctx)

	ws := xchg.NewWS(c.WsURL, c.APIKey, c.APISecret)
	ws.OnReconnect = m.WSReconnects.Inc

	sup := supervisor.New(eng, intake, ws, store, c.PollSeconds, c.PollJitterMax)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{
			Addr:    fmt.Sprintf(":%d", c.MetricsPort),
			Handler: mux,
		}
		go func() {
			<-ctx.Done()
			server.Shutdown(context.Background())
		}()
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case err := <-runDone:
		if err != nil {
			log.Error().Err(err).Msg("supervisor exited")
		}
		return
	}

	log.Info().Msg("shutting down gracefully...")
	cancel()

	select {
	case <-runDone:
		log.Info().Msg("supervisor stopped")
	case <-time.After(10 * time.Second):
		log.Warn().Msg("shutdown timeout, forcing exit")
	}
}

// openSignalFeed opens the configured signal feed file, or falls back to
// stdin when path is empty. The returned closer is nil for stdin.
func openSignalFeed(path string) (*os.File, func() error) {
	if path == "" {
		return os.Stdin, nil
	}
	f, err := os.Open(path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("failed to open signal feed")
	}
	return f, f.Close
}
