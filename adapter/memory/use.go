package memory

import (
	"context"
	"fmt"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xtestbus"
)

// Use builds a Bus with a Recorder attached and returns both.
//
// Example:
//
//	bus, rec := memory.Use(ctx, memory.Config{Capacity: 128},
//	    memory.WithConsumer(reporter),
//	    memory.WithLogger(logger),
//	)
//
// It panics when the bus cannot be built.
func Use(ctx context.Context, cfg Config, opts ...Option) (*xtestbus.Bus, *Recorder) {
	rec := NewRecorder(cfg)
	bb := xtestbus.NewBusBuilder().WithConsumer(rec)

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}

	bus, err := bb.Build(ctx)
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	return bus, rec
}

// toMap converts Config to the generic map expected by the sink factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"uid":      c.UID,
		"capacity": c.Capacity,
	}
}

// Option configures the xtestbus.Bus when calling Use.
type Option func(*xtestbus.BusBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xtestbus.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xtestbus.BusBuilder) { b.WithClock(c) }
}

// WithConsumer registers more consumers next to the recorder.
func WithConsumer(c ...xtestbus.Consumer) Option {
	return func(b *xtestbus.BusBuilder) { b.WithConsumer(c...) }
}

// WithMiddleware adds consume middlewares (timeout, recovery, etc).
func WithMiddleware(mw ...xtestbus.Middleware) Option {
	return func(b *xtestbus.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xtestbus.Observer) Option {
	return func(b *xtestbus.BusBuilder) { b.WithObserver(obs...) }
}

// WithDrainAttempts overrides the drain attempt budget.
func WithDrainAttempts(n int) Option {
	return func(b *xtestbus.BusBuilder) { b.WithDrainAttempts(n) }
}
