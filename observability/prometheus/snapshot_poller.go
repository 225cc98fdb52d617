package prometheus

import (
	"context"
	"sync"
	"time"

	"github.com/Swind/go-worker-threads/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// LoopSnapshotProvider provides current event loop stats snapshots.
type LoopSnapshotProvider interface {
	Stats() core.LoopStats
}

// LoopStatsFunc adapts a function to LoopSnapshotProvider.
type LoopStatsFunc func() core.LoopStats

// Stats implements LoopSnapshotProvider.
func (f LoopStatsFunc) Stats() core.LoopStats { return f() }

// PoolSnapshotProvider provides current pool stats snapshots.
type PoolSnapshotProvider interface {
	Stats() core.PoolStats
}

// SnapshotPoller periodically exports loop/pool Stats() snapshots into Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	loopsMu sync.RWMutex
	loops   map[string]LoopSnapshotProvider

	poolsMu sync.RWMutex
	pools   map[string]PoolSnapshotProvider

	loopPending  *prom.GaugeVec
	loopExecuted *prom.GaugeVec
	loopPanics   *prom.GaugeVec
	loopClosed   *prom.GaugeVec

	poolQueued    *prom.GaugeVec
	poolActive    *prom.GaugeVec
	poolIdle      *prom.GaugeVec
	poolWorkers   *prom.GaugeVec
	poolRunning   *prom.GaugeVec
	poolCompleted *prom.GaugeVec
	poolFailed    *prom.GaugeVec
	poolCanceled  *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(namespace string, reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	gauge := func(name, help string, labels ...string) *prom.GaugeVec {
		return prom.NewGaugeVec(prom.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}

	p := &SnapshotPoller{
		interval: interval,
		loops:    make(map[string]LoopSnapshotProvider),
		pools:    make(map[string]PoolSnapshotProvider),

		loopPending:  gauge("loop_pending", "Pending closures per event loop.", "loop"),
		loopExecuted: gauge("loop_executed_total", "Event loop executed closure count snapshot.", "loop"),
		loopPanics:   gauge("loop_panics_total", "Event loop recovered panic count snapshot.", "loop"),
		loopClosed:   gauge("loop_closed", "Event loop closed state (1=closed, 0=open).", "loop"),

		poolQueued:    gauge("pool_queued", "Queued tasks per pool.", "pool"),
		poolActive:    gauge("pool_active", "Running tasks per pool.", "pool"),
		poolIdle:      gauge("pool_idle_workers", "Idle workers per pool.", "pool"),
		poolWorkers:   gauge("pool_workers", "Worker count per pool.", "pool"),
		poolRunning:   gauge("pool_running", "Pool running state (1=running, 0=terminated).", "pool"),
		poolCompleted: gauge("pool_completed_total", "Completed task count snapshot.", "pool"),
		poolFailed:    gauge("pool_failed_total", "Failed task count snapshot.", "pool"),
		poolCanceled:  gauge("pool_canceled_total", "Canceled task count snapshot.", "pool"),
	}

	for _, g := range []**prom.GaugeVec{
		&p.loopPending, &p.loopExecuted, &p.loopPanics, &p.loopClosed,
		&p.poolQueued, &p.poolActive, &p.poolIdle, &p.poolWorkers,
		&p.poolRunning, &p.poolCompleted, &p.poolFailed, &p.poolCanceled,
	} {
		registered, err := registerCollector(reg, *g)
		if err != nil {
			return nil, err
		}
		*g = registered
	}

	return p, nil
}

// AddLoop adds or replaces an event loop snapshot provider by name.
func (p *SnapshotPoller) AddLoop(name string, provider LoopSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "loop")
	p.loopsMu.Lock()
	p.loops[name] = provider
	p.loopsMu.Unlock()
}

// AddPool adds or replaces a pool snapshot provider by name.
func (p *SnapshotPoller) AddPool(name string, provider PoolSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "pool")
	p.poolsMu.Lock()
	p.pools[name] = provider
	p.poolsMu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx, p.done)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	cancel()
	<-done

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func (p *SnapshotPoller) collectOnce() {
	p.loopsMu.RLock()
	for name, provider := range p.loops {
		stats := provider.Stats()
		p.loopPending.WithLabelValues(name).Set(float64(stats.Pending))
		p.loopExecuted.WithLabelValues(name).Set(float64(stats.Executed))
		p.loopPanics.WithLabelValues(name).Set(float64(stats.Panics))
		p.loopClosed.WithLabelValues(name).Set(boolGauge(stats.Closed))
	}
	p.loopsMu.RUnlock()

	p.poolsMu.RLock()
	for name, provider := range p.pools {
		stats := provider.Stats()
		p.poolQueued.WithLabelValues(name).Set(float64(stats.Queued))
		p.poolActive.WithLabelValues(name).Set(float64(stats.Active))
		p.poolIdle.WithLabelValues(name).Set(float64(stats.Idle))
		p.poolWorkers.WithLabelValues(name).Set(float64(stats.Workers))
		p.poolRunning.WithLabelValues(name).Set(boolGauge(stats.Running))
		p.poolCompleted.WithLabelValues(name).Set(float64(stats.Completed))
		p.poolFailed.WithLabelValues(name).Set(float64(stats.Failed))
		p.poolCanceled.WithLabelValues(name).Set(float64(stats.Canceled))
	}
	p.poolsMu.RUnlock()
}
