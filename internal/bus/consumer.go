package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/integrahub/docflow/internal/model"
	"github.com/integrahub/docflow/internal/pipeline"
)

// Handler processes one decoded envelope and decides its disposition.
type Handler func(ctx context.Context, env model.Envelope) pipeline.Outcome

// ConsumerConfig sizes the worker pool and the prefetch window.
type ConsumerConfig struct {
	Workers       int // initial pool size
	MaxWorkers    int // elastic ceiling
	Prefetch      int // initial prefetch, clamped into [min, max]
	PrefetchMin   int
	PrefetchMax   int
	ShutdownGrace time.Duration
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.Workers < 1 {
		c.Workers = 4
	}
	if c.MaxWorkers < c.Workers {
		c.MaxWorkers = c.Workers
	}
	if c.PrefetchMin < 1 {
		c.PrefetchMin = 1
	}
	if c.PrefetchMax < c.PrefetchMin {
		c.PrefetchMax = c.PrefetchMin
	}
	c.Prefetch = clampPrefetch(c.Prefetch, c.PrefetchMin, c.PrefetchMax)
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	return c
}

// acker is the slice of amqp.Delivery the worker needs; split out so the
// ack path is testable without a broker.
type acker interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
	Reject(requeue bool) error
}

// Consumer pulls from the three priority queues and feeds a worker pool.
// The pool grows from Workers up to MaxWorkers while every worker is busy
// and backlog keeps arriving; it never shrinks below the initial size
// because idle goroutines parked on a channel cost nothing.
type Consumer struct {
	broker  *Broker
	handler Handler
	cfg     ConsumerConfig

	ch   *amqp.Channel
	work chan amqp.Delivery

	// workCtx is the lifecycle shared by every worker, initial and grown
	// alike; Run cancels it once the shutdown grace elapses.
	workCtx context.Context

	workers atomic.Int64
	busy    atomic.Int64
	wg      sync.WaitGroup

	prefetchMu sync.Mutex
	prefetch   int
}

// NewConsumer builds a consumer over broker, delivering to handler.
func NewConsumer(b *Broker, handler Handler, cfg ConsumerConfig) *Consumer {
	cfg = cfg.withDefaults()
	return &Consumer{
		broker:  b,
		handler: handler,
		cfg:     cfg,
		work:    make(chan amqp.Delivery),
	}
}

// SetPrefetch re-applies channel Qos, clamping n into the configured
// window. Wired to the batch sizer so prefetch follows the batch size.
func (c *Consumer) SetPrefetch(n int) {
	n = clampPrefetch(n, c.cfg.PrefetchMin, c.cfg.PrefetchMax)
	c.prefetchMu.Lock()
	defer c.prefetchMu.Unlock()
	if c.ch == nil || n == c.prefetch {
		return
	}
	if err := c.ch.Qos(n, 0, false); err != nil {
		slog.Warn("failed to re-apply prefetch", "prefetch", n, "error", err)
		return
	}
	c.prefetch = n
	slog.Info("consumer prefetch adjusted", "prefetch", n)
}

func clampPrefetch(n, min, max int) int {
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

// Run consumes until ctx is cancelled, then drains in-flight work for up
// to the shutdown grace before cancelling it.
func (c *Consumer) Run(ctx context.Context) error {
	ch, err := c.broker.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := DeclareTopology(ch); err != nil {
		return err
	}

	c.prefetchMu.Lock()
	c.ch = ch
	c.prefetch = c.cfg.Prefetch
	c.prefetchMu.Unlock()
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return err
	}

	queues := make([]<-chan amqp.Delivery, len(priorities))
	for i, p := range priorities {
		d, err := ch.Consume(QueueName(p), "docflow-"+RoutingKey(p), false, false, false, false, nil)
		if err != nil {
			return err
		}
		queues[i] = d
	}

	// In-flight work gets the grace window after shutdown begins, then the
	// pipeline sees cancellation and records Interrupted outcomes.
	workCtx, workCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer workCancel()
	c.workCtx = workCtx
	go func() {
		<-ctx.Done()
		timer := time.NewTimer(c.cfg.ShutdownGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
			workCancel()
		case <-workCtx.Done():
		}
	}()

	for i := 0; i < c.cfg.Workers; i++ {
		c.spawnWorker(workCtx)
	}

	slog.Info("consumer started",
		"workers", c.cfg.Workers, "max_workers", c.cfg.MaxWorkers, "prefetch", c.cfg.Prefetch)

	for {
		d, ok := nextDelivery(ctx, queues[0], queues[1], queues[2])
		if !ok {
			break
		}
		c.dispatch(ctx, d)
	}

	close(c.work)
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.cfg.ShutdownGrace + time.Second):
		slog.Error("workers did not drain within grace period")
	}
	workCancel()
	slog.Info("consumer stopped")
	return nil
}

// nextDelivery drains the highest non-empty priority first. The staged
// selects give high an exclusive chance, then high+normal, and only then
// all three; within one queue, channel order preserves broker order.
func nextDelivery(ctx context.Context, high, normal, low <-chan amqp.Delivery) (amqp.Delivery, bool) {
	select {
	case <-ctx.Done():
		return amqp.Delivery{}, false
	case d, ok := <-high:
		return d, ok
	default:
	}
	select {
	case <-ctx.Done():
		return amqp.Delivery{}, false
	case d, ok := <-high:
		return d, ok
	case d, ok := <-normal:
		return d, ok
	default:
	}
	select {
	case <-ctx.Done():
		return amqp.Delivery{}, false
	case d, ok := <-high:
		return d, ok
	case d, ok := <-normal:
		return d, ok
	case d, ok := <-low:
		return d, ok
	}
}

// dispatch hands d to an idle worker, growing the pool when everyone is
// busy and the ceiling allows.
func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery) {
	select {
	case c.work <- d:
		return
	default:
	}
	if c.busy.Load() >= c.workers.Load() && c.workers.Load() < int64(c.cfg.MaxWorkers) {
		c.spawnWorker(c.workCtx)
		slog.Info("worker pool grown", "workers", c.workers.Load())
	}
	select {
	case c.work <- d:
	case <-ctx.Done():
		if err := d.Nack(false, true); err != nil {
			slog.Warn("failed to requeue delivery during shutdown", "error", err)
		}
	}
}

func (c *Consumer) spawnWorker(ctx context.Context) {
	c.workers.Add(1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for d := range c.work {
			c.busy.Add(1)
			c.handleDelivery(ctx, d.Body, d)
			c.busy.Add(-1)
		}
	}()
}

// handleDelivery decodes, processes and settles one delivery. A body that
// is not a valid envelope is rejected without requeue; dead-lettering is
// broker configuration.
func (c *Consumer) handleDelivery(ctx context.Context, body []byte, ack acker) {
	var env model.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		slog.Error("rejecting malformed envelope", "error", err)
		if err := ack.Reject(false); err != nil {
			slog.Warn("reject failed", "error", err)
		}
		return
	}
	out := c.handler(ctx, env)
	var err error
	switch out.Disposition {
	case pipeline.Requeue:
		err = ack.Nack(false, true)
	case pipeline.Reject:
		err = ack.Reject(false)
	default:
		err = ack.Ack(false)
	}
	if err != nil {
		slog.Warn("failed to settle delivery", "file", env.FileName, "error", err)
	}
}
