package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "forkberry"
	metricsSubsystem = "engine"
)

// metrics holds the engine's prometheus collectors
type metrics struct {
	accepted  prometheus.Counter
	rejected  *prometheus.CounterVec
	rebuilds  prometheus.Counter
	finalized prometheus.Counter
	forks     prometheus.Gauge
	bestFork  prometheus.Gauge
}

func newMetrics() *metrics {
	return &metrics{
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "proposals_accepted_total",
			Help:      "Number of proposals admitted into a fork",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "proposals_rejected_total",
			Help:      "Number of proposals rejected, by reason",
		}, []string{"reason"}),
		rebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "fork_rebuilds_total",
			Help:      "Number of forks rebuilt from a mid-chain parent",
		}),
		finalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "finalized_blocks_total",
			Help:      "Number of blocks promoted to the canonical chain",
		}),
		forks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "forks",
			Help:      "Number of live forks",
		}),
		bestFork: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "best_fork_length",
			Help:      "Number of unfinalized proposals on the best fork",
		}),
	}
}

func (m *metrics) register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.accepted, m.rejected, m.rebuilds, m.finalized, m.forks,
		m.bestFork,
	} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Stats is a point-in-time summary of the engine
type Stats struct {
	Forks          int
	BestFork       int
	BestForkLength int
	Checkpoint     uint64
	CanonicalTip   uint64
	Pending        int
	Participating  bool
}

// GetStats returns current engine stats
func (e *Engine) GetStats() (*Stats, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tip, err := e.blockchain.LastBlock()
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		Forks:         len(e.forks),
		BestFork:      -1,
		Checkpoint:    e.checkpoint,
		CanonicalTip:  tip.Header.Height,
		Pending:       e.mempool.Size(),
		Participating: e.participating,
	}
	if idx, err := bestForkIndex(e.forks); err == nil {
		stats.BestFork = idx
		stats.BestForkLength = len(e.forks[idx].proposals)
	}
	return stats, nil
}

// updateForkGauges must be called with the engine lock held
func (e *Engine) updateForkGauges() {
	e.metrics.forks.Set(float64(len(e.forks)))

	idx, err := bestForkIndex(e.forks)
	if err != nil {
		e.metrics.bestFork.Set(0)
		return
	}
	e.metrics.bestFork.Set(float64(len(e.forks[idx].proposals)))
}
