// Package metrics carries over the teacher's Prometheus
// CounterVec/GaugeVec registration pattern from metrics.go, rescoped
// from trading-bot PnL/order counters to the relay's webhook, chain,
// and exchange-call surfaces.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_webhook_requests_total",
		Help: "Inbound /tv webhook deliveries by outcome (ok, queued, dedup, ignored, error, unauthorized).",
	}, []string{"outcome"})

	ChainStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_chain_steps_total",
		Help: "Signal-chain steps executed, by step name (CANCAL, ENTER, BATCH_TPS).",
	}, []string{"step"})

	ExchangeCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_exchange_calls_total",
		Help: "Outbound exchange calls by path and result (ok, retry, error).",
	}, []string{"path", "result"})

	QueueKeysLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_queue_keys_live",
		Help: "Number of queue keys with an active worker goroutine.",
	})

	QueuePendingTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_queue_pending_total",
		Help: "Total pending (queued-or-running) work items across all queue keys.",
	})

	ChainsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_chains_live",
		Help: "Number of signal chains currently buffered (not yet TTL-evicted).",
	})
)
