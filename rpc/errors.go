package rpc

import (
	"errors"
	"fmt"
)

var (
	ErrHandshakeViolation = errors.New("rpc: first message was not an initialize request")
	ErrSessionClosed      = errors.New("rpc: session closed")
	ErrNotStreaming       = errors.New("rpc: session is not streaming")
	ErrFrameTooLarge      = errors.New("rpc: frame exceeds maximum size")
)

// ErrUnknownTransport is returned when no transport is registered under a name.
type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("rpc: unknown transport: %s", e.name) }

// ErrUnknownFormatter is returned when no formatter is registered under a name.
type ErrUnknownFormatter struct{ name string }

func (e ErrUnknownFormatter) Error() string { return fmt.Sprintf("rpc: unknown formatter: %s", e.name) }

// ProtocolError is a malformed envelope, bad "jsonrpc" version, unparseable id
// or broken frame header. It terminates the connection.
type ProtocolError struct {
	Code int
	Msg  string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rpc: protocol error (%d): %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("rpc: protocol error (%d): %s", e.Code, e.Msg)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protocolErrorf(code int, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// RPCError is a structured error returned to (or received from) the peer.
// Request handlers return it to pick the error code.
type RPCError struct {
	Code    int
	Message string
	Data    any
}

func (e *RPCError) Error() string { return fmt.Sprintf("rpc: error %d: %s", e.Code, e.Message) }

// NewRPCError builds an *RPCError.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{Code: code, Message: message}
}

// errorReply converts a handler error into the wire error for request id.
func errorReply(id int64, err error) *ErrorMessage {
	var re *RPCError
	if errors.As(err, &re) {
		return &ErrorMessage{ID: id, Code: re.Code, Message: re.Message, Data: re.Data}
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return &ErrorMessage{ID: id, Code: pe.Code, Message: pe.Error()}
	}
	return &ErrorMessage{ID: id, Code: CodeInternalError, Message: err.Error()}
}
