package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ethnode"

// Metrics holds the node's Prometheus collectors, registered in a private
// registry so tests can create as many instances as they like.
type Metrics struct {
	registry *prometheus.Registry

	// Block production
	BlockHeight       prometheus.Gauge
	BlocksProduced    prometheus.Counter
	BlockBuildSeconds prometheus.Histogram
	BlockTxCount      prometheus.Histogram
	BuildFailures     prometheus.Counter
	TxIncluded        prometheus.Counter
	TxSkipped         prometheus.Counter

	// Gas / fees
	BaseFeeWei prometheus.Gauge
	GasUsed    prometheus.Gauge
	GasLimit   prometheus.Gauge

	// Pool
	TxPoolPending  prometheus.Gauge
	TxPoolSenders  prometheus.Gauge
	TxPoolReplaced prometheus.Counter
	TxPoolRejected *prometheus.CounterVec

	// RPC
	RPCRequests *prometheus.CounterVec
	RPCErrors   *prometheus.CounterVec

	logger log.Logger
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		BlockHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "chain", Name: "head_block",
			Help: "Number of the canonical head block.",
		}),
		BlocksProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "miner", Name: "blocks_produced_total",
			Help: "Blocks assembled and inserted by the local producer.",
		}),
		BlockBuildSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "miner", Name: "block_build_seconds",
			Help:    "Time spent assembling one block.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		BlockTxCount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "miner", Name: "block_transactions",
			Help:    "Transactions per produced block.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		BuildFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "miner", Name: "build_failures_total",
			Help: "Assembly attempts that returned an error.",
		}),
		TxIncluded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "miner", Name: "transactions_included_total",
			Help: "Transactions included in produced blocks.",
		}),
		TxSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "miner", Name: "transactions_skipped_total",
			Help: "Selected transactions the executor refused.",
		}),
		BaseFeeWei: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "chain", Name: "base_fee_wei",
			Help: "Base fee of the head block.",
		}),
		GasUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "chain", Name: "gas_used",
			Help: "Gas used by the head block.",
		}),
		GasLimit: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "chain", Name: "gas_limit",
			Help: "Gas limit of the head block.",
		}),
		TxPoolPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "txpool", Name: "pending",
			Help: "Pending transactions in the pool.",
		}),
		TxPoolSenders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "txpool", Name: "senders",
			Help: "Distinct senders with pooled transactions.",
		}),
		TxPoolReplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "txpool", Name: "replaced_total",
			Help: "Transactions replaced by a fee bump.",
		}),
		TxPoolRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "txpool", Name: "rejected_total",
			Help: "Rejected admissions by reason.",
		}, []string{"reason"}),
		RPCRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rpc", Name: "requests_total",
			Help: "JSON-RPC requests by method.",
		}, []string{"method"}),
		RPCErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rpc", Name: "errors_total",
			Help: "JSON-RPC error responses by method.",
		}, []string{"method"}),

		logger: log.New("module", "metrics"),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.BlockHeight, m.BlocksProduced, m.BlockBuildSeconds, m.BlockTxCount,
		m.BuildFailures, m.TxIncluded, m.TxSkipped,
		m.BaseFeeWei, m.GasUsed, m.GasLimit,
		m.TxPoolPending, m.TxPoolSenders, m.TxPoolReplaced, m.TxPoolRejected,
		m.RPCRequests, m.RPCErrors,
	)
	return m
}

// Registry returns the registry backing the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the mux serving /metrics and /health.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    "ok",
			"service":   "ethnode",
			"timestamp": time.Now().Unix(),
		})
	})
	return mux
}

// NewServer returns an HTTP server for the metrics endpoint. The caller owns
// its lifecycle.
func (m *Metrics) NewServer(addr string) *http.Server {
	m.logger.Info("Metrics server configured", "addr", addr)
	return &http.Server{
		Addr:         addr,
		Handler:      m.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}
