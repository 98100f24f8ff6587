package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xtestbus"
	"github.com/trickstertwo/xtestbus/node"
)

const SinkName = "redis-streams"

func init() {
	if err := xtestbus.RegisterSink(SinkName, func(cfg map[string]any) (xtestbus.Consumer, error) {
		return NewMirror(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xtestbus: failed to register sink %q: %w", SinkName, err))
	}
}

// Mirror is a consumer that appends every test node update and file artifact
// to a Redis Stream with XADD.
type Mirror struct {
	cfg    Config
	client *redis.Client
	codec  xtestbus.Codec

	closeOnce sync.Once
	closed    atomic.Bool

	metrics *mirrorMetrics
}

type mirrorMetrics struct {
	appended     atomic.Uint64
	appendErrors atomic.Uint64
}

var (
	_ xtestbus.Consumer = (*Mirror)(nil)
	_ xtestbus.Enabler  = (*Mirror)(nil)
)

// NewMirror connects to Redis and verifies the connection with PING.
func NewMirror(cfg Config) (*Mirror, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	codec, err := xtestbus.NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}

	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     4,
		MinIdleConns: 1,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &Mirror{cfg: cfg, client: client, codec: codec, metrics: &mirrorMetrics{}}, nil
}

func (m *Mirror) UID() string { return m.cfg.UID }

func (m *Mirror) DataTypesConsumed() []xtestbus.DataType {
	return []xtestbus.DataType{node.UpdateMessageType, node.FileArtifactType}
}

// IsEnabled reports false once the mirror is closed.
func (m *Mirror) IsEnabled(context.Context) (bool, error) {
	return !m.closed.Load(), nil
}

// Consume appends data to the stream. A failed write is returned and becomes
// a consumer fault on the bus.
func (m *Mirror) Consume(ctx context.Context, producer xtestbus.Producer, data xtestbus.Data) error {
	if m.closed.Load() {
		return errors.New("redis mirror is closed")
	}

	payload, err := m.codec.Marshal(data)
	if err != nil {
		m.metrics.appendErrors.Add(1)
		return fmt.Errorf("redis mirror: encode %T: %w", data, err)
	}

	now := time.Now()
	if c, ok := xtestbus.ClockFromContext(ctx); ok {
		now = c.Now()
	}

	vals := map[string]any{
		fieldName:       data.DisplayName(),
		fieldType:       fmt.Sprintf("%T", data),
		fieldProducer:   producer.UID(),
		fieldCodec:      m.codec.Name(),
		fieldPayload:    payload,
		fieldProducedAt: now.UnixNano(),
	}
	if s, ok := data.(interface{ SessionUID() string }); ok {
		vals[fieldSession] = s.SessionUID()
	}

	args := &redis.XAddArgs{
		Stream: m.cfg.Stream,
		ID:     "*",
		Values: vals,
	}
	if m.cfg.MaxLenApprox > 0 {
		args.MaxLen = m.cfg.MaxLenApprox
		args.Approx = true
	}

	wctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	if err := m.client.XAdd(wctx, args).Err(); err != nil {
		m.metrics.appendErrors.Add(1)
		return fmt.Errorf("redis mirror: xadd %s: %w", m.cfg.Stream, err)
	}
	m.metrics.appended.Add(1)
	return nil
}

// Entry is one mirrored stream entry.
type Entry struct {
	ID         string
	Name       string
	Type       string
	Producer   string
	Session    string
	ProducedAt time.Time
	// Payload is decoded with the mirror's codec.
	Payload map[string]any
}

// Read returns up to count entries starting at id start ("-" for the
// beginning). A count of zero or less reads to the end.
func (m *Mirror) Read(ctx context.Context, start string, count int64) ([]Entry, error) {
	if start == "" {
		start = "-"
	}
	var cmd *redis.XMessageSliceCmd
	if count > 0 {
		cmd = m.client.XRangeN(ctx, m.cfg.Stream, start, "+", count)
	} else {
		cmd = m.client.XRange(ctx, m.cfg.Stream, start, "+")
	}
	msgs, err := cmd.Result()
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		e := Entry{
			ID:       msg.ID,
			Name:     str(msg.Values[fieldName]),
			Type:     str(msg.Values[fieldType]),
			Producer: str(msg.Values[fieldProducer]),
			Session:  str(msg.Values[fieldSession]),
		}
		if ns, err := strconv.ParseInt(str(msg.Values[fieldProducedAt]), 10, 64); err == nil {
			e.ProducedAt = time.Unix(0, ns)
		}
		if raw := str(msg.Values[fieldPayload]); raw != "" {
			if err := m.codec.Unmarshal([]byte(raw), &e.Payload); err != nil {
				return nil, fmt.Errorf("redis mirror: decode entry %s: %w", msg.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, nil
}

// Stats returns mirror telemetry.
type Stats struct {
	Appended     uint64
	AppendErrors uint64
}

func (m *Mirror) Stats() Stats {
	return Stats{Appended: m.metrics.appended.Load(), AppendErrors: m.metrics.appendErrors.Load()}
}

// Close releases the Redis client. It is idempotent.
func (m *Mirror) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		err = m.client.Close()
	})
	return err
}

func str(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}

	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}

	return nil
}
