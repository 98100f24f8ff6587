package rpc

import (
	"context"
	"net/url"
	"path/filepath"
	"sync"

	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xtestbus"
	"github.com/trickstertwo/xtestbus/node"
)

// BridgeUID identifies the TestUpdatesBridge consumer on the bus.
const BridgeUID = "rpc-test-updates"

// TestUpdatesBridge forwards test node updates and file artifacts from the bus
// to the client of a session, tagged with the active run id.
type TestUpdatesBridge struct {
	session *Session
	logger  *xlog.Logger

	mu    sync.RWMutex
	runID string
}

var (
	_ xtestbus.Consumer = (*TestUpdatesBridge)(nil)
	_ xtestbus.Enabler  = (*TestUpdatesBridge)(nil)
)

func NewTestUpdatesBridge(s *Session) *TestUpdatesBridge {
	return &TestUpdatesBridge{session: s, logger: xlog.Default()}
}

func (b *TestUpdatesBridge) UID() string { return BridgeUID }

func (b *TestUpdatesBridge) DataTypesConsumed() []xtestbus.DataType {
	return []xtestbus.DataType{node.UpdateMessageType, node.FileArtifactType}
}

// IsEnabled reports false without a session to forward to.
func (b *TestUpdatesBridge) IsEnabled(context.Context) (bool, error) {
	return b.session != nil, nil
}

// BeginRun sets the run id attached to forwarded updates.
func (b *TestUpdatesBridge) BeginRun(runID string) {
	b.mu.Lock()
	b.runID = runID
	b.mu.Unlock()
}

// EndRun clears the active run. Updates arriving afterwards are dropped.
func (b *TestUpdatesBridge) EndRun() { b.BeginRun("") }

func (b *TestUpdatesBridge) RunID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.runID
}

func (b *TestUpdatesBridge) Consume(ctx context.Context, producer xtestbus.Producer, data xtestbus.Data) error {
	runID := b.RunID()
	if runID == "" {
		lg, ok := xtestbus.LoggerFromContext(ctx)
		if !ok {
			lg = b.logger
		}
		lg.Debug().Str("data", data.DisplayName()).Msg("rpc: no active run, update dropped")
		return nil
	}

	switch d := data.(type) {
	case node.TestNodeUpdateMessage:
		return b.session.PublishTestUpdates(ctx, runID, NodeChange{Node: d.Node(), ParentUID: d.ParentUID()})
	case node.FileArtifact:
		return b.session.PublishAttachments(ctx, Attachment{
			URI:         fileURI(d.Path()),
			Producer:    producer.UID(),
			Type:        "file",
			DisplayName: d.DisplayName(),
			Description: d.Description(),
		})
	}
	return nil
}

func fileURI(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}
