package xtestbus

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ctxKey is the base for all context keys in xtestbus (prevents collisions).
type ctxKey string

const (
	loggerCtxKey   ctxKey = "xtestbus:logger"
	clockCtxKey    ctxKey = "xtestbus:clock"
	consumerCtxKey ctxKey = "xtestbus:consumer"
)

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

// LoggerFromContext returns the bus logger handed to a consumer.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if v := ctx.Value(loggerCtxKey); v != nil {
		if l, ok := v.(*xlog.Logger); ok && l != nil {
			return l, true
		}
	}
	return nil, false
}

func injectClock(ctx context.Context, c xclock.Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

// ClockFromContext returns the bus clock handed to a consumer.
func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	if v := ctx.Value(clockCtxKey); v != nil {
		if c, ok := v.(xclock.Clock); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

func injectConsumerUID(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, consumerCtxKey, uid)
}

// ConsumerUIDFromContext returns the UID of the consumer whose Consume is running.
func ConsumerUIDFromContext(ctx context.Context) (string, bool) {
	uid, ok := ctx.Value(consumerCtxKey).(string)
	return uid, ok && uid != ""
}

// InjectAll is a convenience helper to inject all standard dependencies.
func InjectAll(ctx context.Context, logger *xlog.Logger, clock xclock.Clock) context.Context {
	ctx = injectLogger(ctx, logger)
	ctx = injectClock(ctx, clock)
	return ctx
}
