package redisstream

import (
	"context"
	"fmt"

	"github.com/trickstertwo/xtestbus"
)

// Use builds a Bus that mirrors into Redis Streams through the sink registry
// and returns it. The mirror is closed by Bus.Disable.
// It panics when Redis is unreachable or the bus cannot be built.
func Use(ctx context.Context, cfg Config, opts ...Option) *xtestbus.Bus {
	bb := xtestbus.NewBusBuilder().
		WithSink(SinkName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}
	bus, err := bb.Build(ctx)
	if err != nil {
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}
	return bus
}
