package redisstream

import (
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xtestbus"
)

// Option configures the xtestbus.Bus construction when calling Use.
type Option func(*xtestbus.BusBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xtestbus.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xtestbus.BusBuilder) { b.WithClock(c) }
}

// WithConsumer registers more consumers next to the mirror.
func WithConsumer(c ...xtestbus.Consumer) Option {
	return func(b *xtestbus.BusBuilder) { b.WithConsumer(c...) }
}

// WithMiddleware adds consume middlewares.
func WithMiddleware(mw ...xtestbus.Middleware) Option {
	return func(b *xtestbus.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xtestbus.Observer) Option {
	return func(b *xtestbus.BusBuilder) { b.WithObserver(obs...) }
}
