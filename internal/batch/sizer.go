// Package batch maintains the adaptive line-insert batch size. One atomic
// integer is tuned from queue depth and CPU load on a timer tick and after
// batch commits; readers never take a lock.
package batch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// fastPersistThreshold: an average per-item persist time below this
// encourages the batch to grow even when queue depth alone would not.
const fastPersistThreshold = 10 * time.Millisecond

// QueueDepther reports the number of messages waiting across the inbound
// priority queues.
type QueueDepther interface {
	QueueDepth(ctx context.Context) (int, error)
}

// LoadSampler reports recent CPU utilization in [0,1].
type LoadSampler interface {
	Sample() (float64, error)
}

// Config bounds and paces the sizer.
type Config struct {
	Min            int
	Max            int
	Initial        int
	Step           int
	DepthThreshold int
	LoadThreshold  float64 // CPU above this forces shrinkage
	Interval       time.Duration
}

// Sizer owns the batch size. Safe for concurrent use.
type Sizer struct {
	cfg   Config
	depth QueueDepther
	load  LoadSampler

	size atomic.Int64

	persistNanos atomic.Int64
	persistItems atomic.Int64

	mu        sync.Mutex
	observers []func(size int)
}

// New builds a sizer at its initial size.
func New(cfg Config, depth QueueDepther, load LoadSampler) *Sizer {
	if cfg.Min < 1 {
		cfg.Min = 10
	}
	if cfg.Max < cfg.Min {
		cfg.Max = 1000
	}
	if cfg.Initial < cfg.Min || cfg.Initial > cfg.Max {
		cfg.Initial = clamp(100, cfg.Min, cfg.Max)
	}
	if cfg.Step < 1 {
		cfg.Step = 10
	}
	if cfg.DepthThreshold < 1 {
		cfg.DepthThreshold = 1000
	}
	if cfg.LoadThreshold <= 0 || cfg.LoadThreshold > 1 {
		cfg.LoadThreshold = 0.8
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	s := &Sizer{cfg: cfg, depth: depth, load: load}
	s.size.Store(int64(cfg.Initial))
	return s
}

// Current returns the batch size. Lock-free.
func (s *Sizer) Current() int { return int(s.size.Load()) }

// ObservePersist records one committed batch; the accumulated average
// per-item persist time feeds the next adjustment tick.
func (s *Sizer) ObservePersist(elapsed time.Duration, items int) {
	if items <= 0 {
		return
	}
	s.persistNanos.Add(int64(elapsed))
	s.persistItems.Add(int64(items))
}

// Subscribe registers an observer notified after every size change.
func (s *Sizer) Subscribe(fn func(size int)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Start runs the adjustment loop until ctx is cancelled.
func (s *Sizer) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Adjust(ctx)
		}
	}
}

// Adjust performs one evaluation against current queue depth and load.
func (s *Sizer) Adjust(ctx context.Context) {
	depth := 0
	if s.depth != nil {
		d, err := s.depth.QueueDepth(ctx)
		if err != nil {
			slog.Warn("queue depth unavailable, skipping batch adjustment", "error", err)
			return
		}
		depth = d
	}
	load := 0.0
	if s.load != nil {
		l, err := s.load.Sample()
		if err != nil {
			slog.Warn("load sample unavailable, skipping batch adjustment", "error", err)
			return
		}
		load = l
	}
	s.adjust(depth, load, s.takeAvgPersist())
}

// takeAvgPersist drains the accumulated persist observations.
func (s *Sizer) takeAvgPersist() time.Duration {
	items := s.persistItems.Swap(0)
	nanos := s.persistNanos.Swap(0)
	if items == 0 {
		return 0
	}
	return time.Duration(nanos / items)
}

// adjust applies the decision table and clamps to [min, max].
func (s *Sizer) adjust(depth int, load float64, avgPerItem time.Duration) {
	cur := s.Current()
	next := cur

	switch {
	case depth > s.cfg.DepthThreshold && load < 0.7:
		next = cur + s.cfg.Step
	case depth < s.cfg.DepthThreshold/2 || load > 0.8:
		next = cur - s.cfg.Step
	case avgPerItem > 0 && avgPerItem < fastPersistThreshold:
		next = cur + s.cfg.Step
	}

	// High CPU always wins: shrink no matter what the queue says.
	if load > s.cfg.LoadThreshold && next >= cur {
		next = cur - s.cfg.Step
	}

	next = clamp(next, s.cfg.Min, s.cfg.Max)
	if next == cur {
		return
	}
	s.size.Store(int64(next))
	slog.Info("batch size adjusted",
		"from", cur, "to", next, "queue_depth", depth, "load", load, "avg_persist", avgPerItem)
	s.mu.Lock()
	observers := make([]func(int), len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()
	for _, fn := range observers {
		fn(next)
	}
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
