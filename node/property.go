package node

import "time"

// Property is any value carried by a PropertyBag.
type Property any

// Wire execution states.
const (
	StateDiscovered = "discovered"
	StateInProgress = "in-progress"
	StatePassed     = "passed"
	StateSkipped    = "skipped"
	StateFailed     = "failed"
	StateError      = "error"
	StateTimedOut   = "timed-out"
	StateCancelled  = "cancelled"
)

// StateProperty is the exclusive node-state property: a bag holds at most one.
type StateProperty interface {
	ExecutionState() string
}

// FailureState is a StateProperty describing an unsuccessful outcome.
type FailureState interface {
	StateProperty
	Failure() (message, stackTrace string)
}

type DiscoveredState struct{}

func (DiscoveredState) ExecutionState() string { return StateDiscovered }

type InProgressState struct{}

func (InProgressState) ExecutionState() string { return StateInProgress }

type PassedState struct{}

func (PassedState) ExecutionState() string { return StatePassed }

type SkippedState struct {
	Reason string
}

func (SkippedState) ExecutionState() string { return StateSkipped }

// FailedState reports an assertion failure.
type FailedState struct {
	Explanation string
	Err         error
	StackTrace  string
}

func (FailedState) ExecutionState() string { return StateFailed }
func (s FailedState) Failure() (string, string) {
	return failureMessage(s.Explanation, s.Err), s.StackTrace
}

// ErrorState reports an unexpected error raised by the test itself.
type ErrorState struct {
	Explanation string
	Err         error
	StackTrace  string
}

func (ErrorState) ExecutionState() string { return StateError }
func (s ErrorState) Failure() (string, string) {
	return failureMessage(s.Explanation, s.Err), s.StackTrace
}

type TimeoutState struct {
	Explanation string
	Err         error
	StackTrace  string
}

func (TimeoutState) ExecutionState() string { return StateTimedOut }
func (s TimeoutState) Failure() (string, string) {
	return failureMessage(s.Explanation, s.Err), s.StackTrace
}

type CancelledState struct {
	Explanation string
	Err         error
	StackTrace  string
}

func (CancelledState) ExecutionState() string { return StateCancelled }
func (s CancelledState) Failure() (string, string) {
	return failureMessage(s.Explanation, s.Err), s.StackTrace
}

func failureMessage(explanation string, err error) string {
	switch {
	case explanation != "":
		return explanation
	case err != nil:
		return err.Error()
	default:
		return ""
	}
}

// TimingProperty records when a test ran.
type TimingProperty struct {
	Start    time.Time
	End      time.Time
	Duration time.Duration
}

// FileLocationProperty points at the test source.
type FileLocationProperty struct {
	FilePath  string
	LineStart int
	LineEnd   int
}

// MethodIdentifierProperty identifies the test method.
type MethodIdentifierProperty struct {
	Namespace  string
	TypeName   string
	MethodName string
}

// MetadataProperty is a trait.
type MetadataProperty struct {
	Key   string
	Value string
}

// SerializableKeyValueProperty carries free-form data that is not put on the wire.
type SerializableKeyValueProperty struct {
	Key   string
	Value string
}
