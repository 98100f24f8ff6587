package manifest

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xtestbus"
	"github.com/trickstertwo/xtestbus/node"
)

// FrameworkUID identifies the manifest framework as a producer.
const FrameworkUID = "manifest-framework"

// Publisher is the part of the bus the framework needs.
type Publisher interface {
	Publish(ctx context.Context, producer xtestbus.Producer, data xtestbus.Data) error
}

// Framework replays a manifest: discovery publishes one discovered update per
// selected test, a run publishes in-progress followed by the recorded outcome.
type Framework struct {
	manifest   *Manifest
	bus        Publisher
	sessionUID string
	clock      xclock.Clock
	logger     *xlog.Logger
}

var (
	_ xtestbus.Producer  = (*Framework)(nil)
	_ xtestbus.Extension = (*Framework)(nil)
)

// NewFramework binds m to bus. clock and logger may be nil.
func NewFramework(m *Manifest, bus Publisher, sessionUID string, clock xclock.Clock, logger *xlog.Logger) *Framework {
	if clock == nil {
		clock = xclock.Default()
	}
	if logger == nil {
		logger = xlog.Default()
	}
	return &Framework{manifest: m, bus: bus, sessionUID: sessionUID, clock: clock, logger: logger}
}

func (f *Framework) UID() string         { return FrameworkUID }
func (f *Framework) DisplayName() string { return "Manifest framework" }
func (f *Framework) Version() string     { return "1.0.0" }

func (f *Framework) DataTypesProduced() []xtestbus.DataType {
	return []xtestbus.DataType{node.UpdateMessageType, node.FileArtifactType}
}

// selectTests returns the tests picked by uids (when given) and filter, in manifest order.
func (f *Framework) selectTests(uids []string, filter string) []Test {
	var want map[string]bool
	if len(uids) > 0 {
		want = make(map[string]bool, len(uids))
		for _, u := range uids {
			want[u] = true
		}
	}
	var out []Test
	for _, t := range f.manifest.Tests {
		if want != nil && !want[t.UID] {
			continue
		}
		if t.Matches(filter) {
			out = append(out, t)
		}
	}
	return out
}

// Discover publishes a discovered update per selected test and returns the nodes.
func (f *Framework) Discover(ctx context.Context, uids []string, filter string) ([]*node.TestNode, error) {
	tests := f.selectTests(uids, filter)
	nodes := make([]*node.TestNode, 0, len(tests))
	for _, t := range tests {
		n, err := f.publish(ctx, t, node.DiscoveredState{})
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	f.logger.Debug().Str("tests", fmt.Sprint(len(nodes))).Str("filter", filter).Msg("manifest: discovered")
	return nodes, nil
}

// Run replays the selected tests. When ctx ends mid-run the current test is
// reported cancelled and ctx.Err() is returned.
func (f *Framework) Run(ctx context.Context, uids []string, filter string) error {
	tests := f.selectTests(uids, filter)
	for _, t := range tests {
		if err := ctx.Err(); err != nil {
			cctx := context.WithoutCancel(ctx)
			if _, perr := f.publish(cctx, t, node.CancelledState{Explanation: "run cancelled", Err: err}); perr != nil {
				return perr
			}
			return err
		}

		if _, err := f.publish(ctx, t, node.InProgressState{}); err != nil {
			return err
		}

		start := f.clock.Now()
		timing := node.TimingProperty{Start: start, End: start.Add(t.Duration), Duration: t.Duration}
		n, err := f.publish(ctx, t, t.outcomeState(), timing)
		if err != nil {
			return err
		}

		if t.Artifact != "" {
			art := node.NewFileArtifact(f.sessionUID, t.Artifact, t.Name+" output", "", n)
			if err := f.bus.Publish(ctx, f, art); err != nil {
				return err
			}
		}
	}
	f.logger.Debug().Str("tests", fmt.Sprint(len(tests))).Str("filter", filter).Msg("manifest: run finished")
	return nil
}

func (f *Framework) publish(ctx context.Context, t Test, state node.StateProperty, extra ...node.Property) (*node.TestNode, error) {
	props := append([]node.Property{state}, t.identity()...)
	props = append(props, extra...)
	n, err := node.NewTestNode(t.UID, t.Name, props...)
	if err != nil {
		return nil, err
	}
	if err := f.bus.Publish(ctx, f, node.NewTestNodeUpdateMessage(f.sessionUID, n, "")); err != nil {
		return nil, fmt.Errorf("manifest: publish %s: %w", t.UID, err)
	}
	return n, nil
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}
