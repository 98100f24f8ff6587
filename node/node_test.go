package node

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPropertyBag_SecondStateFails(t *testing.T) {
	var bag PropertyBag
	require.NoError(t, bag.Add(DiscoveredState{}))

	err := bag.Add(PassedState{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateState)
	assert.Equal(t, 1, bag.Len())
	assert.Equal(t, StateDiscovered, bag.State().ExecutionState())
}

func TestPropertyBag_SameInstanceTwiceFails(t *testing.T) {
	var bag PropertyBag
	loc := &FileLocationProperty{FilePath: "a_test.go", LineStart: 3, LineEnd: 9}
	require.NoError(t, bag.Add(loc))
	assert.ErrorIs(t, bag.Add(loc), ErrDuplicateProperty)

	trait := MetadataProperty{Key: "category", Value: "unit"}
	require.NoError(t, bag.Add(trait))
	assert.ErrorIs(t, bag.Add(trait), ErrDuplicateProperty)

	assert.Equal(t, 2, bag.Len())
}

func TestPropertyBag_DistinctPropertiesKeepOrder(t *testing.T) {
	props := []Property{
		MetadataProperty{Key: "k1", Value: "v"},
		MetadataProperty{Key: "k2", Value: "v"},
		FileLocationProperty{FilePath: "x.go", LineStart: 1, LineEnd: 2},
		MethodIdentifierProperty{Namespace: "pkg", TypeName: "Suite", MethodName: "TestA"},
		SerializableKeyValueProperty{Key: "extra", Value: "1"},
		MetadataProperty{Key: "k3", Value: "v"},
	}
	bag, err := NewPropertyBag(props...)
	require.NoError(t, err)

	assert.Equal(t, props, slices.Collect(bag.All()))
	assert.Equal(t, len(props), bag.Len())
	assert.Nil(t, bag.State())
}

func TestPropertyBag_Nil(t *testing.T) {
	var bag PropertyBag
	assert.ErrorIs(t, bag.Add(nil), ErrNilProperty)
}

func TestPropertyBag_FailureStatesWithIncomparableErrors(t *testing.T) {
	var bag PropertyBag
	joined := errors.Join(errors.New("a"), errors.New("b"))
	require.NoError(t, bag.Add(FailedState{Err: joined}))
	assert.ErrorIs(t, bag.Add(ErrorState{Err: joined}), ErrDuplicateState)
}

func TestPropertyBag_TypedQueries(t *testing.T) {
	bag, err := NewPropertyBag(
		MetadataProperty{Key: "a", Value: "1"},
		TimingProperty{Start: time.Unix(10, 0), End: time.Unix(12, 0), Duration: 2 * time.Second},
		MetadataProperty{Key: "b", Value: "2"},
		PassedState{},
	)
	require.NoError(t, err)

	traits := OfType[MetadataProperty](bag)
	require.Len(t, traits, 2)
	assert.Equal(t, "a", traits[0].Key)
	assert.Equal(t, "b", traits[1].Key)

	timing, err := SingleOrDefault[TimingProperty](bag)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, timing.Duration)

	loc, err := SingleOrDefault[FileLocationProperty](bag)
	require.NoError(t, err)
	assert.Zero(t, loc)

	_, err = SingleOrDefault[MetadataProperty](bag)
	assert.ErrorIs(t, err, ErrMultipleProperties)

	assert.True(t, Any[StateProperty](bag))
	assert.False(t, Any[FailureState](bag))
	assert.False(t, Any[MethodIdentifierProperty](bag))
}

func TestFailureStates(t *testing.T) {
	tests := []struct {
		name    string
		state   FailureState
		wire    string
		message string
	}{
		{name: "failed with explanation", state: FailedState{Explanation: "expected 1", Err: errors.New("ignored"), StackTrace: "at x"}, wire: StateFailed, message: "expected 1"},
		{name: "error falls back to err", state: ErrorState{Err: errors.New("nil deref")}, wire: StateError, message: "nil deref"},
		{name: "timeout", state: TimeoutState{Explanation: "took too long"}, wire: StateTimedOut, message: "took too long"},
		{name: "cancelled empty", state: CancelledState{}, wire: StateCancelled, message: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wire, tt.state.ExecutionState())
			msg, _ := tt.state.Failure()
			assert.Equal(t, tt.message, msg)
		})
	}
}

func TestNewTestNode(t *testing.T) {
	n, err := NewTestNode("uid-1", "TestA", InProgressState{})
	require.NoError(t, err)
	assert.Equal(t, TypeAction, n.Type())

	group, err := NewTestNode("uid-2", "Suite")
	require.NoError(t, err)
	assert.Equal(t, TypeGroup, group.Type())

	_, err = NewTestNode("", "nameless")
	assert.ErrorIs(t, err, ErrEmptyUID)

	_, err = NewTestNode("uid-3", "bad", PassedState{}, SkippedState{Reason: "x"})
	assert.ErrorIs(t, err, ErrDuplicateState)
}

func TestTestNodeUpdateMessage_Snapshot(t *testing.T) {
	n, err := NewTestNode("uid-1", "TestA", DiscoveredState{})
	require.NoError(t, err)

	msg := NewTestNodeUpdateMessage("session", n, "parent")
	require.NoError(t, n.Properties.Add(MetadataProperty{Key: "late", Value: "x"}))

	assert.Equal(t, "session", msg.SessionUID())
	assert.Equal(t, "parent", msg.ParentUID())
	assert.Equal(t, "TestA", msg.DisplayName())
	assert.Equal(t, "uid-1: discovered", msg.Description())
	assert.Equal(t, 1, msg.Node().Properties.Len())
	assert.Equal(t, 2, n.Properties.Len())
}

func TestFileArtifact(t *testing.T) {
	a := NewFileArtifact("session", "/tmp/out.log", "out.log", "captured output", nil)
	assert.Equal(t, "session", a.SessionUID())
	assert.Equal(t, "/tmp/out.log", a.Path())
	assert.Equal(t, "out.log", a.DisplayName())
	assert.Equal(t, "captured output", a.Description())
	assert.Nil(t, a.Node())
	assert.Equal(t, "FileArtifact", FileArtifactType.Name())
	assert.Equal(t, "TestNodeUpdateMessage", UpdateMessageType.Name())
}
