package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// CodeRequestCancelled answers a request cancelled through $/cancelRequest.
const CodeRequestCancelled = -32800

// State of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateInitialized
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateInitialized:
		return "initialized"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// RequestHandler serves one inbound request. ctx is cancelled by
// $/cancelRequest or when the session ends. Returning an *RPCError picks the
// error code; other errors are reported as internal errors.
type RequestHandler func(ctx context.Context, req *Request) (Payload, error)

// Option configures a Session.
type Option func(*Session)

func WithFormatter(f Formatter) Option {
	return func(s *Session) {
		if f != nil {
			s.formatter = f
		}
	}
}

func WithLogger(l *xlog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(c xclock.Clock) Option {
	return func(s *Session) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithServerInfo(name, version string) Option {
	return func(s *Session) { s.serverInfo = ServerInfo{Name: name, Version: version} }
}

// WithCapabilities overrides PassiveCapabilities.
func WithCapabilities(c ServerCapabilities) Option {
	return func(s *Session) { s.capabilities = c }
}

func WithProcessID(pid int64) Option {
	return func(s *Session) { s.processID = pid }
}

// WithHandler serves requests for method.
func WithHandler(method string, h RequestHandler) Option {
	return func(s *Session) {
		if h != nil {
			s.handlers[method] = h
		}
	}
}

// Session is one connection to the client. It dials out, answers the
// initialize handshake, then streams: inbound requests are dispatched by
// method while outbound notifications are written by any goroutine.
type Session struct {
	uid          string
	transport    Transport
	formatter    Formatter
	logger       *xlog.Logger
	clock        xclock.Clock
	serverInfo   ServerInfo
	capabilities ServerCapabilities
	processID    int64
	handlers     map[string]RequestHandler

	state  atomic.Int32
	conn   net.Conn
	reader *MessageReader
	writer *MessageWriter
	// writeSem is a ctx-aware mutex around writer.
	writeSem chan struct{}

	client InitializeParams

	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan Message

	inflightMu sync.Mutex
	inflight   map[int64]context.CancelFunc
	handlersWG sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession returns a disconnected session dialing through t.
func NewSession(t Transport, opts ...Option) *Session {
	s := &Session{
		uid:          uuid.NewString(),
		transport:    t,
		formatter:    JSONFormatter{},
		logger:       xlog.Default(),
		clock:        xclock.Default(),
		serverInfo:   ServerInfo{Name: "xtestbus", Version: "dev"},
		capabilities: PassiveCapabilities(),
		processID:    int64(os.Getpid()),
		handlers:     make(map[string]RequestHandler),
		writeSem:     make(chan struct{}, 1),
		pending:      make(map[int64]chan Message),
		inflight:     make(map[int64]context.CancelFunc),
		closed:       make(chan struct{}),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	s.logger = s.logger.With(xlog.Str("session", s.uid))
	return s
}

func (s *Session) UID() string { return s.uid }

func (s *Session) State() State { return State(s.state.Load()) }

// Client returns the initialize params sent by the client.
func (s *Session) Client() InitializeParams { return s.client }

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// Connect dials the client and performs the handshake. The first inbound
// message must be an initialize request; anything else closes the connection
// without a reply and returns ErrHandshakeViolation.
func (s *Session) Connect(ctx context.Context) error {
	if s.State() != StateDisconnected {
		return fmt.Errorf("rpc: connect in state %s", s.State())
	}

	conn, err := s.transport.Dial(ctx)
	if err != nil {
		return fmt.Errorf("rpc: dial %s: %w", s.transport.Name(), err)
	}
	s.conn = conn
	s.reader = NewMessageReader(conn, s.formatter)
	s.writer = NewMessageWriter(conn, s.formatter)
	if !s.transition(StateDisconnected, StateConnected) {
		_ = conn.Close()
		return ErrSessionClosed
	}
	s.logger.Debug().Str("transport", s.transport.Name()).Msg("rpc: connected")

	// Unblock the read if ctx ends mid-handshake.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	msg, err := s.reader.ReadMessage(ctx)
	stop()
	if err != nil {
		_ = s.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("rpc: connection closed before initialize: %w", err)
		}
		return fmt.Errorf("rpc: handshake: %w", err)
	}

	req, ok := msg.(*Request)
	if !ok || req.Method != MethodInitialize {
		_ = s.Close()
		s.logger.Warn().Str("method", MethodOf(msg)).Msg("rpc: handshake violation")
		return fmt.Errorf("%w: got %T %q", ErrHandshakeViolation, msg, MethodOf(msg))
	}
	s.client, _ = req.Params.(InitializeParams)

	result := InitializeResult{ProcessID: s.processID, ServerInfo: s.serverInfo, Capabilities: s.capabilities}
	if err := s.send(ctx, &Response{ID: req.ID, Result: result}); err != nil {
		_ = s.Close()
		return fmt.Errorf("rpc: initialize reply: %w", err)
	}
	s.transition(StateConnected, StateInitialized)

	s.logger.Info().
		Str("client", s.client.ClientInfo.Name).
		Str("client_version", s.client.ClientInfo.Version).
		Msg("rpc: initialized")
	return nil
}

// Serve reads and dispatches inbound messages until the client exits, the
// stream ends or ctx is cancelled. A clean end of stream returns nil; protocol
// errors close the connection and are returned.
func (s *Session) Serve(ctx context.Context) error {
	if !s.transition(StateInitialized, StateStreaming) {
		return fmt.Errorf("%w: serve in state %s", ErrNotStreaming, s.State())
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	defer func() {
		s.cancelInflight()
		s.handlersWG.Wait()
		_ = s.Close()
	}()

	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
			}
			if errors.Is(err, io.EOF) {
				s.logger.Debug().Msg("rpc: client closed the stream")
				return nil
			}
			var pe *ProtocolError
			if errors.As(err, &pe) {
				s.logger.Error().Err(err).Msg("rpc: protocol error, closing connection")
			}
			return err
		}

		if done := s.dispatch(ctx, msg); done {
			return nil
		}
	}
}

// dispatch handles one inbound message; it reports true when the session should end.
func (s *Session) dispatch(ctx context.Context, msg Message) bool {
	switch m := msg.(type) {
	case *Request:
		s.serveRequest(ctx, m)
	case *Notification:
		switch m.Method {
		case MethodExit:
			s.logger.Debug().Msg("rpc: exit received")
			return true
		case MethodCancelRequest:
			if p, ok := m.Params.(CancelParams); ok {
				s.cancelRequest(p.ID)
			}
		default:
			s.logger.Debug().Str("method", m.Method).Msg("rpc: notification ignored")
		}
	case *Response:
		s.complete(m.ID, m)
	case *ErrorMessage:
		s.complete(m.ID, m)
	}
	return false
}

func (s *Session) serveRequest(ctx context.Context, req *Request) {
	if req.Method == MethodInitialize {
		s.reply(ctx, &ErrorMessage{ID: req.ID, Code: CodeInvalidRequest, Message: "already initialized"})
		return
	}
	h, ok := s.handlers[req.Method]
	if !ok {
		s.logger.Warn().Str("method", req.Method).Msg("rpc: method not found")
		s.reply(ctx, &ErrorMessage{ID: req.ID, Code: CodeMethodNotFound, Message: "method not found: " + req.Method})
		return
	}

	rctx, cancel := context.WithCancel(ctx)
	s.inflightMu.Lock()
	s.inflight[req.ID] = cancel
	s.inflightMu.Unlock()

	s.handlersWG.Add(1)
	go func() {
		defer s.handlersWG.Done()
		defer func() {
			s.inflightMu.Lock()
			delete(s.inflight, req.ID)
			s.inflightMu.Unlock()
			cancel()
		}()

		start := s.clock.Now()
		result, err := s.runHandler(rctx, h, req)
		lg := s.logger.With(xlog.Str("method", req.Method), xlog.Dur("duration", s.clock.Since(start)))

		switch {
		case err != nil && rctx.Err() != nil && ctx.Err() == nil:
			lg.Debug().Msg("rpc: request cancelled")
			s.reply(ctx, &ErrorMessage{ID: req.ID, Code: CodeRequestCancelled, Message: "request cancelled"})
		case err != nil:
			lg.Warn().Err(err).Msg("rpc: request failed")
			s.reply(ctx, errorReply(req.ID, err))
		default:
			lg.Debug().Msg("rpc: request served")
			s.reply(ctx, &Response{ID: req.ID, Result: result})
		}
	}()
}

func (s *Session) runHandler(ctx context.Context, h RequestHandler, req *Request) (result Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rpc: handler for %s panicked: %v", req.Method, r)
		}
	}()
	return h(ctx, req)
}

func (s *Session) reply(ctx context.Context, m Message) {
	if err := s.send(ctx, m); err != nil && !errors.Is(err, ErrSessionClosed) {
		s.logger.Warn().Err(err).Msg("rpc: reply failed")
	}
}

func (s *Session) cancelRequest(id int64) {
	s.inflightMu.Lock()
	cancel, ok := s.inflight[id]
	s.inflightMu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Session) cancelInflight() {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	for _, cancel := range s.inflight {
		cancel()
	}
}

func (s *Session) complete(id int64, m Message) {
	s.pendingMu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.pendingMu.Unlock()
	if !ok {
		s.logger.Debug().Str("id", fmt.Sprint(id)).Msg("rpc: reply without pending call")
		return
	}
	ch <- m
}

// send writes one message. Writers are serialized so concurrent producers
// never interleave partial frames.
func (s *Session) send(ctx context.Context, m Message) error {
	select {
	case s.writeSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return ErrSessionClosed
	}
	defer func() { <-s.writeSem }()

	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	return s.writer.WriteMessage(ctx, m)
}

func (s *Session) ready() error {
	switch s.State() {
	case StateInitialized, StateStreaming:
		return nil
	case StateClosed:
		return ErrSessionClosed
	default:
		return ErrNotStreaming
	}
}

// Notify sends a notification.
func (s *Session) Notify(ctx context.Context, method string, params Payload) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.send(ctx, &Notification{Method: method, Params: params})
}

// Call sends a request and waits for its reply. An error reply is returned as *RPCError.
func (s *Session) Call(ctx context.Context, method string, params Payload) (*Response, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	id := s.nextID.Add(1)
	ch := make(chan Message, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	if err := s.send(ctx, &Request{ID: id, Method: method, Params: params}); err != nil {
		return nil, err
	}

	select {
	case m := <-ch:
		switch r := m.(type) {
		case *Response:
			return r, nil
		case *ErrorMessage:
			return nil, &RPCError{Code: r.Code, Message: r.Message, Data: r.Data}
		}
		return nil, fmt.Errorf("rpc: unexpected reply %T", m)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, ErrSessionClosed
	}
}

// PublishTestUpdates pushes node changes of a run.
func (s *Session) PublishTestUpdates(ctx context.Context, runID string, changes ...NodeChange) error {
	return s.Notify(ctx, MethodTestUpdates, TestUpdatesParams{RunID: runID, Changes: changes})
}

// PublishAttachments pushes file attachments.
func (s *Session) PublishAttachments(ctx context.Context, attachments ...Attachment) error {
	return s.Notify(ctx, MethodAttachments, AttachmentsParams{Attachments: attachments})
}

// Log forwards a log line to the client.
func (s *Session) Log(ctx context.Context, level, message string) error {
	return s.Notify(ctx, MethodLog, LogParams{Level: level, Message: message})
}

// Telemetry forwards a telemetry event to the client.
func (s *Session) Telemetry(ctx context.Context, eventName string, metrics map[string]any) error {
	return s.Notify(ctx, MethodTelemetry, TelemetryParams{EventName: eventName, Metrics: metrics})
}

// LaunchDebugger asks the client to start the test process under a debugger.
func (s *Session) LaunchDebugger(ctx context.Context, p LaunchDebuggerParams) (DebuggerResult, error) {
	resp, err := s.Call(ctx, MethodLaunchDebugger, p)
	if err != nil {
		return DebuggerResult{}, err
	}
	return DecodeResult[DebuggerResult](resp, TagDebuggerResult)
}

// AttachDebugger asks the client to attach a debugger to pid.
func (s *Session) AttachDebugger(ctx context.Context, pid int64) (DebuggerResult, error) {
	resp, err := s.Call(ctx, MethodAttachDebugger, AttachDebuggerParams{ProcessID: pid})
	if err != nil {
		return DebuggerResult{}, err
	}
	return DecodeResult[DebuggerResult](resp, TagDebuggerResult)
}

// Close closes the connection. It is idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		prev := State(s.state.Swap(int32(StateClosed)))
		close(s.closed)
		if s.conn != nil {
			err = s.conn.Close()
		}
		s.logger.Debug().Str("from", prev.String()).Msg("rpc: session closed")
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
