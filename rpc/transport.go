package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// Transport is the Strategy that opens the byte stream to the client. The
// process is the connecting side: the client listens, we dial.
type Transport interface {
	Name() string
	Dial(ctx context.Context) (net.Conn, error)
}

// TransportFactory constructs transports from a config blob.
type TransportFactory func(cfg map[string]any) (Transport, error)

const (
	TransportTCP  = "tcp"
	TransportPipe = "pipe"

	defaultDialTimeout = 10 * time.Second
)

var (
	transportRegistryMu sync.RWMutex
	transportRegistry   = map[string]TransportFactory{}
)

func init() {
	for name, f := range map[string]TransportFactory{
		TransportTCP: func(cfg map[string]any) (Transport, error) {
			t := TCPTransportFromMap(cfg)
			return t, t.Validate()
		},
		TransportPipe: func(cfg map[string]any) (Transport, error) {
			t := PipeTransportFromMap(cfg)
			return t, t.Validate()
		},
	} {
		if err := RegisterTransport(name, f); err != nil {
			panic(fmt.Errorf("rpc: failed to register transport %q: %w", name, err))
		}
	}
}

// RegisterTransport registers a transport factory by name.
func RegisterTransport(name string, factory TransportFactory) error {
	if name == "" {
		return errors.New("transport name must not be empty")
	}
	if factory == nil {
		return errors.New("transport factory must not be nil")
	}
	transportRegistryMu.Lock()
	transportRegistry[name] = factory
	transportRegistryMu.Unlock()
	return nil
}

// NewTransport constructs a transport by name with config.
func NewTransport(name string, cfg map[string]any) (Transport, error) {
	transportRegistryMu.RLock()
	f, ok := transportRegistry[name]
	transportRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownTransport{name: name}
	}
	return f(cfg)
}

// TCPTransport dials the client's listening host/port.
type TCPTransport struct {
	Host        string
	Port        int
	DialTimeout time.Duration
}

func (TCPTransport) Name() string { return TransportTCP }

func (t TCPTransport) Validate() error {
	if t.Port <= 0 || t.Port > 65535 {
		return fmt.Errorf("rpc: tcp transport: invalid port %d", t.Port)
	}
	return nil
}

func (t TCPTransport) Dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: t.DialTimeout}
	return d.DialContext(ctx, "tcp", net.JoinHostPort(t.Host, strconv.Itoa(t.Port)))
}

// TCPTransportFromMap reads "host", "port" and "dial_timeout".
func TCPTransportFromMap(cfg map[string]any) TCPTransport {
	t := TCPTransport{Host: "localhost", DialTimeout: defaultDialTimeout}
	if v, ok := cfg["host"].(string); ok && v != "" {
		t.Host = v
	}
	if v, ok := cfg["port"]; ok {
		if n, err := toInt64(v); err == nil {
			t.Port = int(n)
		}
	}
	t.DialTimeout = durationFromMap(cfg, "dial_timeout", t.DialTimeout)
	return t
}

// PipeTransport dials a unix domain socket (or named pipe path).
type PipeTransport struct {
	Path        string
	DialTimeout time.Duration
}

func (PipeTransport) Name() string { return TransportPipe }

func (t PipeTransport) Validate() error {
	if t.Path == "" {
		return errors.New("rpc: pipe transport: path required")
	}
	return nil
}

func (t PipeTransport) Dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: t.DialTimeout}
	return d.DialContext(ctx, "unix", t.Path)
}

// PipeTransportFromMap reads "path" and "dial_timeout".
func PipeTransportFromMap(cfg map[string]any) PipeTransport {
	t := PipeTransport{DialTimeout: defaultDialTimeout}
	if v, ok := cfg["path"].(string); ok {
		t.Path = v
	}
	t.DialTimeout = durationFromMap(cfg, "dial_timeout", t.DialTimeout)
	return t
}

// ConnTransport hands out an already established connection once.
type ConnTransport struct {
	once sync.Once
	conn net.Conn
}

func NewConnTransport(c net.Conn) *ConnTransport { return &ConnTransport{conn: c} }

func (*ConnTransport) Name() string { return "conn" }

func (t *ConnTransport) Dial(context.Context) (net.Conn, error) {
	var c net.Conn
	t.once.Do(func() { c = t.conn })
	if c == nil {
		return nil, errors.New("rpc: connection already used")
	}
	return c, nil
}

func durationFromMap(cfg map[string]any, k string, d time.Duration) time.Duration {
	switch v := cfg[k].(type) {
	case time.Duration:
		return v
	case string:
		if p, err := time.ParseDuration(v); err == nil {
			return p
		}
	}
	return d
}
