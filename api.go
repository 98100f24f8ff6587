package xtestbus

import (
	"context"
	"reflect"
)

// Data is an immutable payload traveling the bus.
type Data interface {
	DisplayName() string
	Description() string
}

// DataType identifies the concrete runtime type of a Data value.
type DataType = reflect.Type

// TypeOf returns the DataType for T.
func TypeOf[T Data]() DataType {
	return reflect.TypeFor[T]()
}

// typeOfData returns the runtime DataType of d.
func typeOfData(d Data) DataType {
	return reflect.TypeOf(d)
}

// Producer publishes data. DataTypesProduced is the closed set of types it may ever publish.
type Producer interface {
	UID() string
	DataTypesProduced() []DataType
}

// Consumer receives data of the types it declares.
type Consumer interface {
	UID() string
	DataTypesConsumed() []DataType
	Consume(ctx context.Context, producer Producer, data Data) error
}

// Enabler is implemented by consumers that can be switched off. Consumers that
// don't implement it are always enabled.
type Enabler interface {
	IsEnabled(ctx context.Context) (bool, error)
}

// Extension is an optional identity used in diagnostics.
type Extension interface {
	DisplayName() string
	Version() string
}

// Observer receives bus lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// HealthChecker provides health status for monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API represents the complete bus surface.
type API interface {
	Publish(ctx context.Context, producer Producer, data Data) error
	Drain(ctx context.Context) error
	Disable(ctx context.Context) error
	Dispose()
	Stats() []ProcessorStats
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

var _ API = (*Bus)(nil)
