package xtestbus

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

var _ HealthChecker = (*Bus)(nil)

// Bus routes published data to the processors of the consumers subscribed to
// its runtime type. Routing tables are built once by BusBuilder.Build and are
// read-only afterwards.
type Bus struct {
	cfg         Config
	clock       xclock.Clock
	logger      *xlog.Logger
	middlewares []Middleware

	// session lifetime; once cancelled Publish is a no-op
	ctx     context.Context
	baseCtx context.Context

	processors []*processor
	byConsumer map[string]*processor
	byType     map[DataType][]*processor
	// sinks built by the builder; closed on Disable
	owned     []io.Closer
	ownedOnce sync.Once

	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer

	metrics     busMetrics
	disabled    atomic.Bool
	disableOnce sync.Once
	disableErr  error
	disposeOnce sync.Once
}

// busMetrics uses lock-free atomics.
type busMetrics struct {
	published atomic.Uint64
	delivered atomic.Uint64
	consumed  atomic.Uint64
	faults    atomic.Uint64
	drains    atomic.Uint64
	consumeNs atomic.Int64
}

// Publish routes data to every processor subscribed to its runtime type.
// It never waits for consumers.
func (b *Bus) Publish(ctx context.Context, producer Producer, data Data) error {
	if b.disabled.Load() {
		return ErrBusDisabled
	}
	if producer == nil {
		return ErrNilProducer
	}
	if data == nil {
		return ErrNilData
	}

	dataType := typeOfData(data)
	if !slices.Contains(producer.DataTypesProduced(), dataType) {
		err := &UndeclaredTypeError{ProducerUID: producer.UID(), DataType: dataType.String()}
		b.logger.Error().Err(err).Msg("xtestbus: undeclared data type published")
		return err
	}

	if b.ctx.Err() != nil || ctx.Err() != nil {
		return nil
	}

	b.metrics.published.Add(1)
	for _, p := range b.byType[dataType] {
		if err := p.enqueue(producer, data); err != nil {
			if errors.Is(err, ErrProcessorCompleted) {
				return ErrBusDisabled
			}
			return err
		}
		b.metrics.delivered.Add(1)
	}

	b.notifyAsync(Event{Type: Published, ProducerUID: producer.UID(), DataType: dataType.String()})
	return nil
}

// Drain waits until everything published so far, including data published by
// consumers while draining, has been consumed. A pass in which no processor's
// received count grew ends the drain. Running out of attempts while counts keep
// growing means a producer/consumer cycle and returns *DrainLivelockError.
//
// A cancelled drain returns nil without asserting the fixed point.
func (b *Bus) Drain(ctx context.Context) error {
	start := b.clock.Now()
	b.metrics.drains.Add(1)
	b.notifyAsync(Event{Type: DrainStart})

	last := make([]uint64, len(b.processors))
	for attempt := 1; ; attempt++ {
		if b.cancelled(ctx) {
			return nil
		}
		if attempt > b.cfg.DrainAttempts {
			err := &DrainLivelockError{Attempts: b.cfg.DrainAttempts, Processors: b.Stats()}
			b.notifyAsync(Event{Type: DrainDone, Attempts: b.cfg.DrainAttempts, Duration: b.clock.Since(start), Err: err})
			return err
		}

		grew := false
		for i, p := range b.processors {
			received, err := p.drain(ctx)
			if err != nil {
				if b.cancelled(ctx) {
					return nil
				}
				b.notifyAsync(Event{Type: DrainDone, ConsumerUID: p.consumer.UID(), Attempts: attempt, Duration: b.clock.Since(start), Err: err})
				return err
			}
			if received != last[i] {
				last[i] = received
				grew = true
			}
		}

		if !grew {
			b.notifyAsync(Event{Type: DrainDone, Attempts: attempt, Duration: b.clock.Since(start)})
			return nil
		}
	}
}

func (b *Bus) cancelled(ctx context.Context) bool {
	return ctx.Err() != nil || b.ctx.Err() != nil
}

// Disable stops publishing and lets every processor finish its queued work.
// It returns the consumer faults captured along the way.
func (b *Bus) Disable(ctx context.Context) error {
	b.disableOnce.Do(func() {
		b.disabled.Store(true)

		var errs []error
		for _, p := range b.processors {
			if err := p.complete(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := b.closeOwned(); err != nil {
			b.logger.Warn().Err(err).Msg("xtestbus: sink close failed")
		}
		b.disableErr = errors.Join(errs...)
		b.notifyAsync(Event{Type: Disabled, Err: b.disableErr})

		if err := b.observerPool.Close(5 * time.Second); err != nil {
			b.logger.Warn().Err(err).Msg("xtestbus: observer pool shutdown timeout")
		}
	})
	return b.disableErr
}

// Dispose closes every processor queue immediately, dropping queued data.
// Use it only on abrupt shutdown; it doesn't wait for consume loops.
func (b *Bus) Dispose() {
	b.disposeOnce.Do(func() {
		b.disabled.Store(true)
		for _, p := range b.processors {
			p.dispose()
		}
		_ = b.closeOwned()
		_ = b.observerPool.Close(0)
	})
}

// closeOwned closes the sinks built from the registry, once.
func (b *Bus) closeOwned() (err error) {
	b.ownedOnce.Do(func() { err = closeAll(b.owned) })
	return err
}

// Stats returns the counters of every processor in registration order.
func (b *Bus) Stats() []ProcessorStats {
	out := make([]ProcessorStats, 0, len(b.processors))
	for _, p := range b.processors {
		out = append(out, p.stats())
	}
	return out
}

// Consumers returns the registered consumers in registration order.
func (b *Bus) Consumers() []Consumer {
	out := make([]Consumer, 0, len(b.processors))
	for _, p := range b.processors {
		out = append(out, p.consumer)
	}
	return out
}

// GetMetrics returns current bus metrics.
func (b *Bus) GetMetrics() Metrics {
	return Metrics{
		Published:        b.metrics.published.Load(),
		Delivered:        b.metrics.delivered.Load(),
		Consumed:         b.metrics.consumed.Load(),
		Faults:           b.metrics.faults.Load(),
		Drains:           b.metrics.drains.Load(),
		EventsDropped:    b.observerPool.Stats().Dropped,
		AvgConsumeTimeMs: float64(b.metrics.consumeNs.Load()) / 1e6,
	}
}

// Health reports "unhealthy" once disabled and "degraded" while any consumer is faulted.
func (b *Bus) Health(_ context.Context) HealthStatus {
	now := b.clock.Now()
	if b.disabled.Load() {
		return HealthStatus{Status: "unhealthy", Metrics: b.GetMetrics(), Timestamp: now, Message: "bus is disabled"}
	}
	for _, s := range b.Stats() {
		if s.Faulted {
			return HealthStatus{Status: "degraded", Metrics: b.GetMetrics(), Timestamp: now, Message: "consumer " + s.ConsumerUID + " faulted"}
		}
	}
	return HealthStatus{Status: "healthy", Metrics: b.GetMetrics(), Timestamp: now}
}

// AddObserver registers an observer (thread-safe).
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (b *Bus) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	for i, o := range b.observers {
		if o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			break
		}
	}
}

// notifyAsync dispatches events asynchronously (non-blocking).
func (b *Bus) notifyAsync(e Event) {
	if b.observerPool == nil {
		return
	}

	b.observersMu.RLock()
	if len(b.observers) == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	b.observerPool.Notify(e, observers)
}

// recordConsumeTime keeps an exponential moving average of consume durations.
func (b *Bus) recordConsumeTime(ns int64) {
	const alpha = 0.2
	for {
		current := b.metrics.consumeNs.Load()
		next := ns
		if current != 0 {
			next = int64(float64(ns)*alpha + float64(current)*(1-alpha))
		}
		if b.metrics.consumeNs.CompareAndSwap(current, next) {
			return
		}
	}
}
