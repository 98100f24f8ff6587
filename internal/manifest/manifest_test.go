package manifest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xtestbus"
	"github.com/trickstertwo/xtestbus/node"
)

const sample = `
tests:
  - name: TestAdd
    namespace: calc
    type: Math
    method: TestAdd
    file: calc/add_test.go
    line: 12
    duration: 15ms
    traits:
      category: unit
  - name: TestDivide
    namespace: calc
    method: TestDivide
    outcome: failed
    message: division by zero
    stack: calc/div_test.go:30
    artifact: out/divide.log
  - uid: fixed-uid
    name: TestSlow
    outcome: skipped
    message: too slow
`

// publishLog records published data.
type publishLog struct {
	mu   sync.Mutex
	data []xtestbus.Data
}

func (p *publishLog) Publish(_ context.Context, _ xtestbus.Producer, d xtestbus.Data) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data = append(p.data, d)
	return nil
}

// TestParse tests defaults and derived uids.
func TestParse(t *testing.T) {
	m, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.Len(t, m.Tests, 3)

	add := m.Tests[0]
	assert.Equal(t, OutcomePassed, add.Outcome)
	assert.Equal(t, 15*time.Millisecond, add.Duration)
	assert.Len(t, add.UID, 36)

	again, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, add.UID, again.Tests[0].UID, "uids are stable")

	assert.Equal(t, "fixed-uid", m.Tests[2].UID)
	assert.Equal(t, "TestSlow", m.Tests[2].Method)
}

// TestParse_Invalid tests rejected manifests.
func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: "tests: []"},
		{name: "not yaml", input: "tests: [\n"},
		{name: "unnamed", input: "tests:\n  - outcome: passed"},
		{name: "bad outcome", input: "tests:\n  - name: a\n    outcome: exploded"},
		{name: "duplicate uid", input: "tests:\n  - {uid: x, name: a}\n  - {uid: x, name: b}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input))
			assert.Error(t, err)
		})
	}
}

// TestLoad tests reading from disk.
func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tests.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	m, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, m.Tests, 3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

// TestFramework_Discover tests discovered updates and filtering.
func TestFramework_Discover(t *testing.T) {
	m, err := Parse([]byte(sample))
	require.NoError(t, err)
	pub := &publishLog{}
	f := NewFramework(m, pub, "s1", nil, nil)

	nodes, err := f.Discover(context.Background(), nil, "divide")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "TestDivide", nodes[0].DisplayName)
	assert.Equal(t, node.StateDiscovered, nodes[0].Properties.State().ExecutionState())

	nodes, err = f.Discover(context.Background(), []string{"fixed-uid"}, "")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "fixed-uid", nodes[0].UID)
	assert.Len(t, pub.data, 2)
}

// TestFramework_Run tests the in-progress then outcome sequence per test.
func TestFramework_Run(t *testing.T) {
	m, err := Parse([]byte(sample))
	require.NoError(t, err)
	pub := &publishLog{}
	f := NewFramework(m, pub, "s1", nil, nil)

	require.NoError(t, f.Run(context.Background(), nil, ""))

	var states []string
	var artifacts []node.FileArtifact
	for _, d := range pub.data {
		switch v := d.(type) {
		case node.TestNodeUpdateMessage:
			states = append(states, v.Node().Properties.State().ExecutionState())
			assert.Equal(t, "s1", v.SessionUID())
		case node.FileArtifact:
			artifacts = append(artifacts, v)
		}
	}
	assert.Equal(t, []string{
		node.StateInProgress, node.StatePassed,
		node.StateInProgress, node.StateFailed,
		node.StateInProgress, node.StateSkipped,
	}, states)

	require.Len(t, artifacts, 1)
	assert.Equal(t, "out/divide.log", artifacts[0].Path())
	assert.Equal(t, node.StateFailed, artifacts[0].Node().Properties.State().ExecutionState())

	passed := pub.data[1].(node.TestNodeUpdateMessage).Node()
	timing, err := node.SingleOrDefault[node.TimingProperty](passed.Properties)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Millisecond, timing.Duration)
	traits := node.OfType[node.MetadataProperty](passed.Properties)
	assert.Equal(t, []node.MetadataProperty{{Key: "category", Value: "unit"}}, traits)
}

// TestFramework_RunCancelled tests that a cancelled run reports the current test cancelled.
func TestFramework_RunCancelled(t *testing.T) {
	m, err := Parse([]byte(sample))
	require.NoError(t, err)
	pub := &publishLog{}
	f := NewFramework(m, pub, "s1", nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.Run(ctx, nil, ""), context.Canceled)

	require.Len(t, pub.data, 1)
	msg := pub.data[0].(node.TestNodeUpdateMessage)
	assert.Equal(t, node.StateCancelled, msg.Node().Properties.State().ExecutionState())
}

// TestFramework_OnBus tests the framework publishing through a real bus.
func TestFramework_OnBus(t *testing.T) {
	m, err := Parse([]byte(sample))
	require.NoError(t, err)

	ctx := context.Background()
	rec := &collector{}
	bus, err := xtestbus.NewBusBuilder().WithConsumer(rec).Build(ctx)
	require.NoError(t, err)
	defer bus.Dispose()

	f := NewFramework(m, bus, "s1", nil, nil)
	require.NoError(t, f.Run(ctx, nil, "TestAdd"))
	require.NoError(t, bus.Drain(ctx))
	assert.Equal(t, 2, rec.count())
}

type collector struct {
	mu sync.Mutex
	n  int
}

func (c *collector) UID() string { return "collector" }
func (c *collector) DataTypesConsumed() []xtestbus.DataType {
	return []xtestbus.DataType{node.UpdateMessageType, node.FileArtifactType}
}
func (c *collector) Consume(context.Context, xtestbus.Producer, xtestbus.Data) error {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	return nil
}
func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
