package rpc

import "github.com/trickstertwo/xtestbus/node"

// Tag identifies a payload type in the serialization registry.
type Tag string

const (
	TagEmpty            Tag = "empty"
	TagRaw              Tag = "raw"
	TagInitializeParams Tag = "initialize-params"
	TagInitializeResult Tag = "initialize-result"
	TagDiscoverArgs     Tag = "discover-args"
	TagRunArgs          Tag = "run-args"
	TagTestUpdates      Tag = "test-updates"
	TagAttachments      Tag = "attachments"
	TagLog              Tag = "log"
	TagTelemetry        Tag = "telemetry"
	TagCancel           Tag = "cancel"
	TagLaunchDebugger   Tag = "launch-debugger"
	TagAttachDebugger   Tag = "attach-debugger"
	TagDebuggerResult   Tag = "debugger-result"
)

// Payload is a params or result value known to the registry.
type Payload interface {
	PayloadTag() Tag
}

// Empty is a payload with no fields; "exit" params and discover/run results.
type Empty struct{}

// RawParams holds the params of a method the registry doesn't know.
type RawParams struct {
	Values map[string]any
}

type ClientInfo struct {
	Name    string
	Version string
}

type ClientCapabilities struct {
	DebuggerProvider bool
}

// InitializeParams is sent by the client as the first message.
type InitializeParams struct {
	ProcessID    int64
	ClientInfo   ClientInfo
	Capabilities ClientCapabilities
}

type ServerInfo struct {
	Name    string
	Version string
}

// ServerCapabilities is the fixed capability set announced in the handshake.
type ServerCapabilities struct {
	SupportsDiscovery       bool
	MultiRequestSupport     bool
	VSTestProvider          bool
	AttachmentsSupport      bool
	MultiConnectionProvider bool
}

// PassiveCapabilities is the capability set of the passive handshake: the
// client drives discovery and runs one request at a time.
func PassiveCapabilities() ServerCapabilities {
	return ServerCapabilities{AttachmentsSupport: true}
}

type InitializeResult struct {
	ProcessID    int64
	ServerInfo   ServerInfo
	Capabilities ServerCapabilities
}

// DiscoverArgs are the params of testing/discoverTests.
type DiscoverArgs struct {
	RunID  string
	Tests  []*node.TestNode
	Filter string
}

// RunArgs are the params of testing/runTests.
type RunArgs struct {
	RunID  string
	Tests  []*node.TestNode
	Filter string
}

// NodeChange is one entry of a test update push.
type NodeChange struct {
	Node      *node.TestNode
	ParentUID string
}

// TestUpdatesParams are the params of testing/testUpdates/tests.
type TestUpdatesParams struct {
	RunID   string
	Changes []NodeChange
}

type Attachment struct {
	URI         string
	Producer    string
	Type        string
	DisplayName string
	Description string
}

// AttachmentsParams are the params of testing/testUpdates/attachments.
type AttachmentsParams struct {
	Attachments []Attachment
}

// LogParams are the params of client/log.
type LogParams struct {
	Level   string
	Message string
}

// TelemetryParams are the params of telemetry/update.
type TelemetryParams struct {
	EventName string
	Metrics   map[string]any
}

// CancelParams are the params of $/cancelRequest.
type CancelParams struct {
	ID int64
}

type LaunchDebuggerParams struct {
	Program          string
	Args             string
	WorkingDirectory string
	Environment      map[string]string
}

type AttachDebuggerParams struct {
	ProcessID int64
}

type DebuggerResult struct {
	Success bool
}

func (Empty) PayloadTag() Tag                { return TagEmpty }
func (RawParams) PayloadTag() Tag            { return TagRaw }
func (InitializeParams) PayloadTag() Tag     { return TagInitializeParams }
func (InitializeResult) PayloadTag() Tag     { return TagInitializeResult }
func (DiscoverArgs) PayloadTag() Tag         { return TagDiscoverArgs }
func (RunArgs) PayloadTag() Tag              { return TagRunArgs }
func (TestUpdatesParams) PayloadTag() Tag    { return TagTestUpdates }
func (AttachmentsParams) PayloadTag() Tag    { return TagAttachments }
func (LogParams) PayloadTag() Tag            { return TagLog }
func (TelemetryParams) PayloadTag() Tag      { return TagTelemetry }
func (CancelParams) PayloadTag() Tag         { return TagCancel }
func (LaunchDebuggerParams) PayloadTag() Tag { return TagLaunchDebugger }
func (AttachDebuggerParams) PayloadTag() Tag { return TagAttachDebugger }
func (DebuggerResult) PayloadTag() Tag       { return TagDebuggerResult }
