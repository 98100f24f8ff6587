package xtestbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// envelope is one published item waiting in a processor queue.
type envelope struct {
	producer Producer
	data     Data
}

// queue is an unbounded multi-producer/single-consumer FIFO.
// push never blocks; pop blocks until an item arrives, the queue is closed, or ctx ends.
type queue struct {
	mu     sync.Mutex
	items  []envelope
	closed bool
	wake   chan struct{}
}

func newQueue() *queue {
	return &queue{wake: make(chan struct{}, 1)}
}

func (q *queue) push(e envelope) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, e)
	q.mu.Unlock()
	q.signal()
	return true
}

func (q *queue) pop(ctx context.Context) (envelope, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			e := q.items[0]
			q.items[0] = envelope{}
			q.items = q.items[1:]
			if len(q.items) == 0 {
				q.items = nil
			}
			q.mu.Unlock()
			return e, true
		}
		if q.closed {
			q.mu.Unlock()
			return envelope{}, false
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return envelope{}, false
		}
	}
}

// close stops accepting items; already queued items are still handed out.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// abort closes the queue and drops everything still queued.
func (q *queue) abort() int {
	q.mu.Lock()
	n := len(q.items)
	q.items = nil
	q.closed = true
	q.mu.Unlock()
	q.signal()
	return n
}

func (q *queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// processor owns the queue and consume loop of one (bus, consumer) pair.
type processor struct {
	bus      *Bus
	consumer Consumer
	consume  ConsumeFunc
	queue    *queue
	ctx      context.Context

	received  atomic.Uint64
	processed atomic.Uint64

	faultMu sync.Mutex
	fault   *ConsumerFault

	startOnce sync.Once
	done      chan struct{}
}

func newProcessor(b *Bus, c Consumer) *processor {
	base := Chain(c.Consume, RecoveryMiddleware())
	mws := make([]Middleware, 0, len(b.middlewares)+1)
	if b.cfg.ConsumeTimeout > 0 {
		mws = append(mws, TimeoutMiddleware(b.cfg.ConsumeTimeout))
	}
	mws = append(mws, b.middlewares...)

	return &processor{
		bus:      b,
		consumer: c,
		consume:  Chain(base, mws...),
		queue:    newQueue(),
		ctx:      injectConsumerUID(b.baseCtx, c.UID()),
		done:     make(chan struct{}),
	}
}

func (p *processor) start() {
	p.startOnce.Do(func() { go p.run() })
}

// enqueue never blocks the caller.
func (p *processor) enqueue(producer Producer, data Data) error {
	p.received.Add(1)
	if !p.queue.push(envelope{producer: producer, data: data}) {
		p.received.Add(^uint64(0))
		return ErrProcessorCompleted
	}
	return nil
}

func (p *processor) run() {
	defer close(p.done)
	for {
		e, ok := p.queue.pop(p.ctx)
		if !ok {
			return
		}
		p.handle(e)
	}
}

func (p *processor) handle(e envelope) {
	defer p.processed.Add(1)

	// A faulted pipeline stops delivering; the remaining items are only counted.
	if p.faultErr() != nil {
		return
	}
	// No self-delivery.
	if e.producer.UID() == p.consumer.UID() {
		return
	}

	b := p.bus
	dataType := typeOfData(e.data).String()
	b.notifyAsync(Event{Type: ConsumeStart, ProducerUID: e.producer.UID(), ConsumerUID: p.consumer.UID(), DataType: dataType})

	start := b.clock.Now()
	err := p.consume(p.ctx, e.producer, e.data)
	duration := b.clock.Since(start)
	b.recordConsumeTime(duration.Nanoseconds())
	b.metrics.consumed.Add(1)

	if err != nil {
		// The consumer observing session cancellation is not a fault.
		if p.ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return
		}
		fault := &ConsumerFault{ConsumerUID: p.consumer.UID(), DataType: dataType, Err: err}
		p.setFault(fault)
		b.metrics.faults.Add(1)
		b.notifyAsync(Event{
			Type:        FaultCaptured,
			ProducerUID: e.producer.UID(),
			ConsumerUID: p.consumer.UID(),
			DataType:    dataType,
			Duration:    duration,
			Err:         fault,
		})
		return
	}

	b.notifyAsync(Event{
		Type:        ConsumeDone,
		ProducerUID: e.producer.UID(),
		ConsumerUID: p.consumer.UID(),
		DataType:    dataType,
		Duration:    duration,
	})
}

func (p *processor) setFault(f *ConsumerFault) {
	p.faultMu.Lock()
	if p.fault == nil {
		p.fault = f
	}
	p.faultMu.Unlock()
}

func (p *processor) faultErr() error {
	p.faultMu.Lock()
	defer p.faultMu.Unlock()
	if p.fault == nil {
		return nil
	}
	return p.fault
}

// drain waits until everything received so far has been processed, polling
// with exponential backoff. It returns the received count it converged on.
func (p *processor) drain(ctx context.Context) (uint64, error) {
	delay := p.bus.cfg.DrainInitialBackoff
	for {
		if err := p.faultErr(); err != nil {
			return p.received.Load(), err
		}
		received := p.received.Load()
		if received == p.processed.Load() {
			return received, nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return received, ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > p.bus.cfg.DrainMaxBackoff {
			delay = p.bus.cfg.DrainMaxBackoff
		}
	}
}

// complete stops accepting data, waits for the queued items to be processed
// and returns the captured fault, if any.
func (p *processor) complete(ctx context.Context) error {
	p.queue.close()
	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.faultErr()
}

// dispose closes the queue without waiting for the loop.
func (p *processor) dispose() {
	p.queue.abort()
}

func (p *processor) stats() ProcessorStats {
	return ProcessorStats{
		ConsumerUID: p.consumer.UID(),
		Received:    p.received.Load(),
		Processed:   p.processed.Load(),
		Faulted:     p.faultErr() != nil,
	}
}
