package xtestbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"slices"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// BusBuilder constructs Bus instances (Builder pattern).
type BusBuilder struct {
	consumers   []Consumer
	sinks       []sinkSpec
	middlewares []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       xclock.Clock
	cfg         Config
}

// NewBusBuilder returns a new builder with defaults from the environment.
func NewBusBuilder() *BusBuilder {
	return &BusBuilder{cfg: ConfigFromEnv()}
}

// WithConsumer registers consumers. Registration order is the drain order.
func (bb *BusBuilder) WithConsumer(c ...Consumer) *BusBuilder {
	bb.consumers = append(bb.consumers, c...)
	return bb
}

type sinkSpec struct {
	name string
	cfg  map[string]any
}

// WithSink adds a consumer constructed by the sink registered under name.
// Sinks are built after the consumers passed to WithConsumer and are closed
// by Disable when they implement io.Closer.
func (bb *BusBuilder) WithSink(name string, cfg map[string]any) *BusBuilder {
	bb.sinks = append(bb.sinks, sinkSpec{name: name, cfg: cfg})
	return bb
}

func (bb *BusBuilder) WithMiddleware(mw ...Middleware) *BusBuilder {
	if len(mw) == 0 {
		return bb
	}
	bb.middlewares = append(bb.middlewares, mw...)
	return bb
}

func (bb *BusBuilder) WithObserver(obs ...Observer) *BusBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

func (bb *BusBuilder) WithLogger(l *xlog.Logger) *BusBuilder {
	bb.logger = l
	return bb
}

func (bb *BusBuilder) WithClock(c xclock.Clock) *BusBuilder {
	bb.clock = c
	return bb
}

func (bb *BusBuilder) WithConfig(cfg Config) *BusBuilder {
	bb.cfg = cfg
	return bb
}

func (bb *BusBuilder) WithDrainAttempts(n int) *BusBuilder {
	if n > 0 {
		bb.cfg.DrainAttempts = n
	}
	return bb
}

// WithConsumeTimeout bounds every Consume call; an expired call becomes a consumer fault.
func (bb *BusBuilder) WithConsumeTimeout(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.cfg.ConsumeTimeout = d
	}
	return bb
}

// Build validates every consumer and then starts one processor per consumer.
// ctx is the session lifetime: once it is cancelled Publish becomes a no-op,
// consume loops exit and Drain returns early.
// Nothing is started when validation fails.
func (bb *BusBuilder) Build(ctx context.Context) (*Bus, error) {
	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := bb.logger
	if lg == nil {
		lg = xlog.Default()
	}

	b := &Bus{
		cfg:         bb.cfg.normalized(),
		clock:       clk,
		logger:      lg,
		middlewares: bb.middlewares,
		ctx:         ctx,
		baseCtx:     InjectAll(ctx, lg, clk),
		byConsumer:  make(map[string]*processor),
		byType:      make(map[DataType][]*processor),
	}

	type pair struct {
		consumer string
		dataType DataType
	}
	seen := make(map[pair]struct{})

	consumers := slices.Clone(bb.consumers)
	for _, spec := range bb.sinks {
		c, err := NewSink(spec.name, spec.cfg)
		if err != nil {
			closeAll(b.owned)
			return nil, &ConfigurationError{ConsumerUID: spec.name, Err: err}
		}
		if cl, ok := c.(io.Closer); ok {
			b.owned = append(b.owned, cl)
		}
		consumers = append(consumers, c)
	}

	for _, c := range consumers {
		if c == nil {
			closeAll(b.owned)
			return nil, &ConfigurationError{Err: ErrNilConsumer}
		}
		uid := c.UID()

		if en, ok := c.(Enabler); ok {
			enabled, err := en.IsEnabled(ctx)
			if err != nil {
				closeAll(b.owned)
				return nil, &ConfigurationError{ConsumerUID: uid, Err: fmt.Errorf("%w: %w", ErrConsumerDisabled, err)}
			}
			if !enabled {
				closeAll(b.owned)
				return nil, &ConfigurationError{ConsumerUID: uid, Err: ErrConsumerDisabled}
			}
		}

		// One processor per consumer identity, reused across its types.
		p, ok := b.byConsumer[uid]
		if ok && !sameConsumer(p.consumer, c) {
			closeAll(b.owned)
			return nil, &ConfigurationError{ConsumerUID: uid, Err: ErrDuplicateConsumer}
		}
		if !ok {
			p = newProcessor(b, c)
			b.byConsumer[uid] = p
			b.processors = append(b.processors, p)
		}

		for _, t := range c.DataTypesConsumed() {
			k := pair{consumer: uid, dataType: t}
			if _, dup := seen[k]; dup {
				closeAll(b.owned)
				return nil, &ConfigurationError{ConsumerUID: uid, DataType: t.String(), Err: ErrDuplicateConsumer}
			}
			seen[k] = struct{}{}
			b.byType[t] = append(b.byType[t], p)
		}
	}

	b.observerPool = NewObserverPool(context.WithoutCancel(ctx), b.cfg.ObserverWorkers, b.cfg.ObserverBuffer)

	// Attach logging observer first unless one was supplied externally.
	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		b.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range bb.observers {
		b.AddObserver(o)
	}

	for _, p := range b.processors {
		p.start()
	}

	lg.Debug().
		Str("consumers", fmt.Sprint(len(b.processors))).
		Str("data_types", fmt.Sprint(len(b.byType))).
		Str("drain_attempts", fmt.Sprint(b.cfg.DrainAttempts)).
		Msg("xtestbus: bus built")
	return b, nil
}

// New constructs a Bus via Builder and returns a close func that disables it.
func New(ctx context.Context, init func(b *BusBuilder)) (*Bus, func() error, error) {
	bb := NewBusBuilder()
	if init != nil {
		init(bb)
	}
	bus, err := bb.Build(ctx)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return bus.Disable(context.WithoutCancel(ctx)) }
	return bus, closeFn, nil
}

// sameConsumer reports whether a and b are the same registered instance.
// Values of non-comparable types are never the same.
func sameConsumer(a, b Consumer) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

func closeAll(cs []io.Closer) error {
	var errs []error
	for _, c := range cs {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
