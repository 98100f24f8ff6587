package xtestbus

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrBusDisabled         = errors.New("xtestbus: bus is disabled")
	ErrUndeclaredDataType  = errors.New("xtestbus: producer published an undeclared data type")
	ErrNilData             = errors.New("xtestbus: nil data")
	ErrNilProducer         = errors.New("xtestbus: nil producer")
	ErrNilConsumer         = errors.New("xtestbus: nil consumer")
	ErrConsumerDisabled    = errors.New("xtestbus: consumer is disabled")
	ErrDuplicateConsumer   = errors.New("xtestbus: consumer registered twice for data type")
	ErrDrainLivelock       = errors.New("xtestbus: publisher/consumer loop detected during drain")
	ErrProcessorCompleted  = errors.New("xtestbus: processor already completed")
	ErrHandlerPanic        = errors.New("xtestbus: consumer panic")
	ErrObserverPoolTimeout = errors.New("xtestbus: observer pool shutdown timeout")
)

// ErrUnknownCodec is returned when no codec is registered under a name.
type ErrUnknownCodec struct{ name string }

func (e ErrUnknownCodec) Error() string { return fmt.Sprintf("xtestbus: unknown codec: %s", e.name) }

// ConfigurationError reports a bus wiring mistake detected while building the bus.
type ConfigurationError struct {
	ConsumerUID string
	DataType    string
	Err         error
}

func (e *ConfigurationError) Error() string {
	if e.DataType != "" {
		return fmt.Sprintf("%v: consumer %q, data type %s", e.Err, e.ConsumerUID, e.DataType)
	}
	return fmt.Sprintf("%v: consumer %q", e.Err, e.ConsumerUID)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// UndeclaredTypeError is a programming error: a producer published a type it
// never declared in DataTypesProduced.
type UndeclaredTypeError struct {
	ProducerUID string
	DataType    string
}

func (e *UndeclaredTypeError) Error() string {
	return fmt.Sprintf("%v: producer %q, data type %s", ErrUndeclaredDataType, e.ProducerUID, e.DataType)
}

func (e *UndeclaredTypeError) Unwrap() error { return ErrUndeclaredDataType }

// ConsumerFault is an error returned by (or a panic raised in) a consumer's
// Consume. It is isolated to that consumer's processor and surfaces on the
// next drain or completion.
type ConsumerFault struct {
	ConsumerUID string
	DataType    string
	Err         error
}

func (e *ConsumerFault) Error() string {
	return fmt.Sprintf("xtestbus: consumer %q failed on %s: %v", e.ConsumerUID, e.DataType, e.Err)
}

func (e *ConsumerFault) Unwrap() error { return e.Err }

// DrainLivelockError is returned when the drain attempt budget runs out while
// consumers keep receiving new data.
type DrainLivelockError struct {
	Attempts   int
	Processors []ProcessorStats
}

func (e *DrainLivelockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v after %d attempts", ErrDrainLivelock, e.Attempts)
	for _, s := range e.Processors {
		fmt.Fprintf(&b, "\n  consumer %q: received %d, processed %d", s.ConsumerUID, s.Received, s.Processed)
	}
	return b.String()
}

func (e *DrainLivelockError) Unwrap() error { return ErrDrainLivelock }
