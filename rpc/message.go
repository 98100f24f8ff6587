// Package rpc implements the JSON-RPC 2.0 protocol that exposes bus events to
// an external client over a header-framed byte stream.
package rpc

// Version is the only accepted "jsonrpc" envelope value.
const Version = "2.0"

// Methods.
const (
	MethodInitialize     = "initialize"
	MethodDiscoverTests  = "testing/discoverTests"
	MethodRunTests       = "testing/runTests"
	MethodTestUpdates    = "testing/testUpdates/tests"
	MethodAttachments    = "testing/testUpdates/attachments"
	MethodTelemetry      = "telemetry/update"
	MethodLaunchDebugger = "client/launchDebugger"
	MethodAttachDebugger = "client/attachDebugger"
	MethodLog            = "client/log"
	MethodExit           = "exit"
	MethodCancelRequest  = "$/cancelRequest"
)

// JSON-RPC 2.0 standard error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Message is one of *Request, *Notification, *Response or *ErrorMessage.
// The variant is chosen by which envelope fields are present.
type Message interface {
	message()
}

// Request expects a Response or ErrorMessage with the same ID.
type Request struct {
	ID     int64
	Method string
	Params Payload
}

// Notification expects no reply.
type Notification struct {
	Method string
	Params Payload
}

// Response carries a successful result. Decoded results are left generic
// (map[string]any, []any or scalars); outbound results may be a Payload.
type Response struct {
	ID     int64
	Result any
}

// ErrorMessage is a failed reply.
type ErrorMessage struct {
	ID      int64
	Code    int
	Message string
	Data    any
}

func (*Request) message()      {}
func (*Notification) message() {}
func (*Response) message()     {}
func (*ErrorMessage) message() {}

// MethodOf returns the method of a request or notification, or "".
func MethodOf(m Message) string {
	switch v := m.(type) {
	case *Request:
		return v.Method
	case *Notification:
		return v.Method
	}
	return ""
}
