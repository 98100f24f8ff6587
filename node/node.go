// Package node holds the test identity and state model reported across the
// bus and over RPC.
package node

import (
	"errors"
	"fmt"

	"github.com/trickstertwo/xtestbus"
)

var ErrEmptyUID = errors.New("node: empty uid")

// Node types on the wire.
const (
	TypeAction = "action"
	TypeGroup  = "group"
)

// TestNode is the unit of test identity and state. Parent/child relations are
// not stored here; updates carry the parent uid.
type TestNode struct {
	UID         string
	DisplayName string
	Properties  *PropertyBag
}

// NewTestNode builds a node whose bag holds props in order.
func NewTestNode(uid, displayName string, props ...Property) (*TestNode, error) {
	if uid == "" {
		return nil, ErrEmptyUID
	}
	bag, err := NewPropertyBag(props...)
	if err != nil {
		return nil, fmt.Errorf("node %q: %w", uid, err)
	}
	return &TestNode{UID: uid, DisplayName: displayName, Properties: bag}, nil
}

// Type is "action" for nodes carrying an execution state, "group" otherwise.
func (n *TestNode) Type() string {
	if n.Properties.State() != nil {
		return TypeAction
	}
	return TypeGroup
}

// Clone returns a copy with its own property slice.
func (n *TestNode) Clone() *TestNode {
	if n == nil {
		return nil
	}
	return &TestNode{UID: n.UID, DisplayName: n.DisplayName, Properties: n.Properties.clone()}
}

var (
	// UpdateMessageType is the bus data type of TestNodeUpdateMessage.
	UpdateMessageType = xtestbus.TypeOf[TestNodeUpdateMessage]()
	// FileArtifactType is the bus data type of FileArtifact.
	FileArtifactType = xtestbus.TypeOf[FileArtifact]()
)

// TestNodeUpdateMessage is a point-in-time snapshot of one node's state
// transition. It is never mutated after construction.
type TestNodeUpdateMessage struct {
	sessionUID string
	node       *TestNode
	parentUID  string
}

var _ xtestbus.Data = TestNodeUpdateMessage{}

// NewTestNodeUpdateMessage snapshots n. parentUID may be empty.
func NewTestNodeUpdateMessage(sessionUID string, n *TestNode, parentUID string) TestNodeUpdateMessage {
	return TestNodeUpdateMessage{sessionUID: sessionUID, node: n.Clone(), parentUID: parentUID}
}

func (m TestNodeUpdateMessage) SessionUID() string { return m.sessionUID }

// Node returns the snapshot. Callers must not modify it.
func (m TestNodeUpdateMessage) Node() *TestNode { return m.node }

func (m TestNodeUpdateMessage) ParentUID() string { return m.parentUID }

func (m TestNodeUpdateMessage) DisplayName() string {
	if m.node == nil {
		return ""
	}
	return m.node.DisplayName
}

func (m TestNodeUpdateMessage) Description() string {
	if m.node == nil {
		return ""
	}
	if s := m.node.Properties.State(); s != nil {
		return m.node.UID + ": " + s.ExecutionState()
	}
	return m.node.UID
}

// FileArtifact is a file produced during a session, optionally attached to a node.
type FileArtifact struct {
	sessionUID  string
	node        *TestNode
	path        string
	displayName string
	description string
}

var _ xtestbus.Data = FileArtifact{}

func NewFileArtifact(sessionUID, path, displayName, description string, n *TestNode) FileArtifact {
	return FileArtifact{
		sessionUID:  sessionUID,
		node:        n.Clone(),
		path:        path,
		displayName: displayName,
		description: description,
	}
}

func (a FileArtifact) SessionUID() string  { return a.sessionUID }
func (a FileArtifact) Node() *TestNode     { return a.node }
func (a FileArtifact) Path() string        { return a.path }
func (a FileArtifact) DisplayName() string { return a.displayName }
func (a FileArtifact) Description() string { return a.description }
