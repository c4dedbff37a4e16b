package extract

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gateActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kgraph_extractions_active",
		Help: "Extractions currently holding a slot.",
	})
	gateQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kgraph_extractions_queued_total",
		Help: "Extractions that entered the gate queue.",
	})
	gateCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kgraph_extractions_completed_total",
		Help: "Extractions that finished successfully.",
	})
	gateFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kgraph_extractions_failed_total",
		Help: "Extractions that failed or were cancelled.",
	})
)

// Metrics is a consistent snapshot of the gate counters.
type Metrics struct {
	Active         int `json:"active_extractions"`
	Queued         int `json:"total_queued"`
	Completed      int `json:"total_completed"`
	Failed         int `json:"total_failed"`
	MaxConcurrent  int `json:"max_concurrent"`
	SlotsAvailable int `json:"slots_available"`
}

// Gate bounds the number of simultaneous in-flight LLM extractions. The
// inference server has finite concurrent-request capacity; unbounded fan-in
// causes head-of-line blocking for every caller. Waiting callers queue in
// FIFO order, they are never rejected.
type Gate struct {
	sem chan struct{}
	max int

	mu        sync.Mutex
	active    int
	queued    int
	completed int
	failed    int
}

// NewGate creates a gate with the given slot capacity. Non-positive
// capacity falls back to 4.
func NewGate(maxConcurrent int) *Gate {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Gate{
		sem: make(chan struct{}, maxConcurrent),
		max: maxConcurrent,
	}
}

// Acquire blocks until a slot is free or ctx is done. Every call counts as
// queued; a successful return counts as active.
func (g *Gate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	g.queued++
	g.mu.Unlock()
	gateQueued.Inc()

	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		g.mu.Lock()
		g.failed++
		g.mu.Unlock()
		gateFailed.Inc()
		return ctx.Err()
	}

	g.mu.Lock()
	g.active++
	g.mu.Unlock()
	gateActive.Inc()
	return nil
}

// Release returns the slot. failed selects which completion counter is
// bumped. Must be called exactly once per successful Acquire, on every exit
// path including cancellation.
func (g *Gate) Release(failed bool) {
	<-g.sem

	g.mu.Lock()
	g.active--
	if failed {
		g.failed++
	} else {
		g.completed++
	}
	g.mu.Unlock()

	gateActive.Dec()
	if failed {
		gateFailed.Inc()
	} else {
		gateCompleted.Inc()
	}
}

// Snapshot returns the current counters.
func (g *Gate) Snapshot() Metrics {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Metrics{
		Active:         g.active,
		Queued:         g.queued,
		Completed:      g.completed,
		Failed:         g.failed,
		MaxConcurrent:  g.max,
		SlotsAvailable: g.max - g.active,
	}
}
