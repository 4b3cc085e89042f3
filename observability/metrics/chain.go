package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ChainMetrics tracks the ledger writer.
type ChainMetrics struct {
	blocksApplied  prometheus.Counter
	blocksReverted prometheus.Counter
	reorgs         *prometheus.CounterVec
	rejected       *prometheus.CounterVec
	applyLatency   prometheus.Histogram
	height         prometheus.Gauge
	halted         prometheus.Gauge
}

var (
	chainOnce     sync.Once
	chainRegistry *ChainMetrics
)

func Chain() *ChainMetrics {
	chainOnce.Do(func() {
		chainRegistry = &ChainMetrics{
			blocksApplied: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "purchain_blocks_applied_total",
				Help: "Count of blocks committed to the main chain.",
			}),
			blocksReverted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "purchain_blocks_reverted_total",
				Help: "Count of blocks rolled back off the main chain.",
			}),
			reorgs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "purchain_reorgs_total",
				Help: "Count of fork switches by outcome.",
			}, []string{"outcome"}),
			rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "purchain_rejected_total",
				Help: "Count of rejected blocks by validation code.",
			}, []string{"code"}),
			applyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "purchain_block_apply_seconds",
				Help:    "Time spent applying and committing a block.",
				Buckets: prometheus.DefBuckets,
			}),
			height: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "purchain_chain_height",
				Help: "Height of the current main chain tip.",
			}),
			halted: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "purchain_writer_halted",
				Help: "Set to 1 once the writer stopped after an invariant violation.",
			}),
		}
		prometheus.MustRegister(
			chainRegistry.blocksApplied,
			chainRegistry.blocksReverted,
			chainRegistry.reorgs,
			chainRegistry.rejected,
			chainRegistry.applyLatency,
			chainRegistry.height,
			chainRegistry.halted,
		)
	})
	return chainRegistry
}

func (m *ChainMetrics) ObserveApplied(height uint64, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.blocksApplied.Inc()
	m.applyLatency.Observe(elapsed.Seconds())
	m.height.Set(float64(height))
}

func (m *ChainMetrics) ObserveReverted(height uint64) {
	if m == nil {
		return
	}
	m.blocksReverted.Inc()
	m.height.Set(float64(height))
}

func (m *ChainMetrics) ObserveReorg(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.reorgs.WithLabelValues(outcome).Inc()
}

func (m *ChainMetrics) ObserveRejected(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.rejected.WithLabelValues(code).Inc()
}

func (m *ChainMetrics) SetHeight(height uint64) {
	if m == nil {
		return
	}
	m.height.Set(float64(height))
}

func (m *ChainMetrics) SetHalted() {
	if m == nil {
		return
	}
	m.halted.Set(1)
}
