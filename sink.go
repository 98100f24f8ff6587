package xtestbus

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// SinkFactory constructs a consumer from a config blob. Adapters register
// factories in init so hosts can wire consumers by name from configuration.
type SinkFactory func(cfg map[string]any) (Consumer, error)

// ErrUnknownSink is returned when no sink is registered under a name.
type ErrUnknownSink struct{ name string }

func (e ErrUnknownSink) Error() string { return fmt.Sprintf("xtestbus: unknown sink: %s", e.name) }

var (
	sinkRegistryMu sync.RWMutex
	sinkRegistry   = map[string]SinkFactory{}
)

// RegisterSink registers a sink factory by name.
func RegisterSink(name string, factory SinkFactory) error {
	if name == "" {
		return errors.New("sink name must not be empty")
	}
	if factory == nil {
		return errors.New("sink factory must not be nil")
	}
	sinkRegistryMu.Lock()
	sinkRegistry[name] = factory
	sinkRegistryMu.Unlock()
	return nil
}

// NewSink constructs a sink by name with config.
func NewSink(name string, cfg map[string]any) (Consumer, error) {
	sinkRegistryMu.RLock()
	f, ok := sinkRegistry[name]
	sinkRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownSink{name: name}
	}
	return f(cfg)
}

// Sinks lists the registered sink names, sorted.
func Sinks() []string {
	sinkRegistryMu.RLock()
	defer sinkRegistryMu.RUnlock()
	names := make([]string, 0, len(sinkRegistry))
	for n := range sinkRegistry {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
