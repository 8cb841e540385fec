package engine

import (
	"sync"
	"time"

	"github.com/eleven-am/weft/internal/domain"
)

// CostFunc estimates how long a node takes to run.
type CostFunc func(node domain.Node) time.Duration

func ConstantCost(d time.Duration) CostFunc {
	return func(domain.Node) time.Duration {
		return d
	}
}

type costStat struct {
	total time.Duration
	count int64
}

// HistoricalCosts keeps a running average of observed durations per
// operation. Operations never seen cost the default.
type HistoricalCosts struct {
	mu          sync.RWMutex
	defaultCost time.Duration
	stats       map[string]*costStat
}

func NewHistoricalCosts(defaultCost time.Duration) *HistoricalCosts {
	if defaultCost <= 0 {
		defaultCost = domain.DefaultEngineConfig().DefaultNodeCost
	}
	return &HistoricalCosts{
		defaultCost: defaultCost,
		stats:       make(map[string]*costStat),
	}
}

func (h *HistoricalCosts) Observe(operation string, d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	stat, ok := h.stats[operation]
	if !ok {
		stat = &costStat{}
		h.stats[operation] = stat
	}
	stat.total += d
	stat.count++
}

func (h *HistoricalCosts) Average(operation string) (time.Duration, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stat, ok := h.stats[operation]
	if !ok || stat.count == 0 {
		return 0, false
	}
	return stat.total / time.Duration(stat.count), true
}

func (h *HistoricalCosts) Cost(node domain.Node) time.Duration {
	if avg, ok := h.Average(node.Operation); ok && avg > 0 {
		return avg
	}
	return h.defaultCost
}
