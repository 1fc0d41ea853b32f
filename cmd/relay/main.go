// Program relay is the webhook-relay process entrypoint.
//
// Boot sequence, generalized from the teacher's main.go
// (loadBotEnv -> loadConfigFromEnv -> wire broker -> serve /healthz +
// /metrics -> run -> graceful shutdown):
//
//  1. config.Load()        - read .env + environment into a validated Config
//  2. logging.New()        - build the structured logger every component shares
//  3. wire exchange.Client, exchange.ProductCache, the per-key queue,
//     and the chain coordinator
//  4. start the HTTP server (routes + /metrics) with graceful shutdown
//
// The process exits non-zero only on unrecoverable startup errors
// (missing required env); per-request errors are returned as HTTP.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/relaycore/tv-delta-relay/internal/cache"
	"github.com/relaycore/tv-delta-relay/internal/chain"
	"github.com/relaycore/tv-delta-relay/internal/config"
	"github.com/relaycore/tv-delta-relay/internal/exchange"
	"github.com/relaycore/tv-delta-relay/internal/logging"
	"github.com/relaycore/tv-delta-relay/internal/metrics"
	"github.com/relaycore/tv-delta-relay/internal/queue"
	"github.com/relaycore/tv-delta-relay/internal/relay"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.LogLevel)

	exClient := exchange.NewClient(exchange.ClientConfig{
		BaseURL:         cfg.ExchangeBaseURL,
		APIKey:          cfg.ExchangeAPIKey,
		APISecret:       cfg.ExchangeAPISecret,
		AuthMode:        exchange.AuthMode(cfg.AuthMode),
		HeaderAPIKey:    cfg.HeaderAPIKey,
		HeaderSignature: cfg.HeaderSignature,
		HeaderTimestamp: cfg.HeaderTimestamp,
	}, logger)

	products := exchange.NewProductCache(exClient, cfg.ProductsCacheTTL, logger)
	seen := cache.NewSeenSet(cfg.SeenTTL, cfg.SeenSoftCap, cfg.SeenEvictTo)
	queueMgr := queue.NewManager(logger)

	fx, err := decimal.NewFromString(cfg.FxQuoteToINR)
	if err != nil {
		log.Fatalf("config: FX_QUOTE_TO_INR: %v", err)
	}
	buffer, err := decimal.NewFromString(cfg.MarginBufferPct)
	if err != nil {
		log.Fatalf("config: MARGIN_BUFFER_PCT: %v", err)
	}

	chainMgr := chain.NewManager(chain.Config{
		StrictSequence:            cfg.StrictSequence,
		FastEnter:                 cfg.FastEnter,
		FastEnterWait:             cfg.FastEnterWait,
		FastEnterRetry:            cfg.FastEnterRetry,
		SignalChainWindow:         cfg.SignalChainWindow,
		ChainTTL:                  cfg.ChainTTL,
		AutoCancelOnEnter:         cfg.AutoCancelOnEnter,
		ForceCancelOrdersOnCancel: cfg.ForceCancelOrdersOnCancel,
		ForceCloseOnCancel:        cfg.ForceCloseOnCancel,
		DefaultLeverage:           int64(cfg.DefaultLeverage),
		FxQuoteToINR:              fx,
		MarginBufferPct:           buffer,
		MaxLotsPerOrder:           int64(cfg.MaxLotsPerOrder),
		FlatTimeout:               cfg.FlatTimeout,
		FlatPollEvery:             cfg.FlatPoll,
	}, exClient, products, seen, cfg.LastEntryTTL, logger)

	server := relay.NewServer(logger, queueMgr, chainMgr, seen, cfg.WebhookToken, cfg.StrictSequence)

	mux := server.Routes()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	go reportGaugesForever(queueMgr, chainMgr)

	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("serving webhook relay")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
	defer c()
	_ = srv.Shutdown(shutdownCtx)
}

// reportGaugesForever periodically samples queue depth and live chain
// count into the Prometheus gauges, since neither is naturally updated
// on every mutation.
func reportGaugesForever(q *queue.Manager, c *chain.Manager) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		keys, pending := q.Depth()
		metrics.QueueKeysLive.Set(float64(keys))
		metrics.QueuePendingTotal.Set(float64(pending))
		metrics.ChainsLive.Set(float64(len(c.Snapshot())))
	}
}
