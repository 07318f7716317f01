// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tradeagent"

// CycleDuration is the wall time of one orchestrator cycle per bot.
var CycleDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of one bot cycle in seconds",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	},
	[]string{"bot"},
)

// CycleErrors counts cycles that ended in an error, by stage.
var CycleErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "cycle_errors_total",
		Help:      "Cycle errors by stage",
	},
	[]string{"bot", "stage"},
)

// Decisions counts oracle decisions by signal.
var Decisions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "decisions_total",
		Help:      "Oracle decisions by signal",
	},
	[]string{"bot", "oracle", "signal"},
)

// Rejections counts entry decisions refused by the risk calculator.
var Rejections = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "rejections_total",
		Help:      "Rejected entry decisions by reason code",
	},
	[]string{"bot", "code"},
)

// Trades counts executed legs.
var Trades = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "executor",
		Name:      "trades_total",
		Help:      "Executed trade legs",
	},
	[]string{"bot", "symbol", "leg"},
)

// Exits counts closed positions by reason.
var Exits = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "executor",
		Name:      "exits_total",
		Help:      "Closed positions by close reason",
	},
	[]string{"bot", "reason"},
)

// FillLatency is the time the exchange gateway took to fill an order.
var FillLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "executor",
		Name:      "fill_latency_seconds",
		Help:      "Exchange fill latency in seconds",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	},
	[]string{"leg"},
)

// StaleSkips counts positions skipped by the monitor for lack of a price.
var StaleSkips = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "stale_skips_total",
		Help:      "Positions skipped because no fresh price was available",
	},
	[]string{"bot", "symbol"},
)

// OpenPositions is the number of open positions per bot.
var OpenPositions = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "portfolio",
		Name:      "open_positions",
		Help:      "Open positions per bot",
	},
	[]string{"bot"},
)

// Equity is the latest equity per bot.
var Equity = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "portfolio",
		Name:      "equity",
		Help:      "Latest equity per bot",
	},
	[]string{"bot"},
)

// HTTPRequests counts API requests by route pattern and status code.
var HTTPRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "API requests by route and status",
	},
	[]string{"route", "status"},
)

// HTTPDuration is the API request latency by route pattern.
var HTTPDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "API request latency in seconds",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"route"},
)

// RateLimited counts requests refused by the API rate limiter.
var RateLimited = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "rate_limited_total",
		Help:      "Requests refused by the rate limiter",
	},
)

// WSClients is the number of connected WebSocket clients.
var WSClients = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "ws_clients",
		Help:      "Connected WebSocket clients",
	},
)
