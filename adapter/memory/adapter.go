package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xtestbus"
	"github.com/trickstertwo/xtestbus/node"
)

const SinkName = "memory"

func init() {
	if err := xtestbus.RegisterSink(SinkName, func(cfg map[string]any) (xtestbus.Consumer, error) {
		return NewRecorder(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xtestbus/memory: failed to register sink: %w", err))
	}
}

// Config controls the recorder.
type Config struct {
	// UID is the consumer identity (default: "memory").
	UID string
	// Capacity bounds retained records; the oldest are evicted first (default: 4096).
	Capacity int
	// Types are the data types recorded (default: test node updates and file artifacts).
	Types []xtestbus.DataType
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}
	getStr := func(k, d string) string {
		if v, ok := cfg[k].(string); ok && v != "" {
			return v
		}
		return d
	}

	return Config{
		UID:      getStr("uid", SinkName),
		Capacity: maxInt(1, getInt("capacity", 4096)),
	}
}

// Record is one delivered datum.
type Record struct {
	Seq      uint64
	Producer string
	Data     xtestbus.Data
	At       time.Time
}

// Recorder is an in-memory consumer that keeps the data it receives, for
// assertions in tests and for local inspection. Not meant for production
// volumes: records beyond Capacity are evicted.
type Recorder struct {
	cfg   Config
	clock xclock.Clock

	mu      sync.Mutex
	records []Record
	// changed is closed and replaced on every append
	changed chan struct{}

	seq     atomic.Uint64
	evicted atomic.Uint64
}

var _ xtestbus.Consumer = (*Recorder)(nil)

// NewRecorder creates a recorder.
func NewRecorder(cfg Config) *Recorder {
	if cfg.UID == "" {
		cfg.UID = SinkName
	}
	if cfg.Capacity < 1 {
		cfg.Capacity = 4096
	}
	if len(cfg.Types) == 0 {
		cfg.Types = []xtestbus.DataType{node.UpdateMessageType, node.FileArtifactType}
	}
	return &Recorder{cfg: cfg, clock: xclock.Default(), changed: make(chan struct{})}
}

func (r *Recorder) UID() string { return r.cfg.UID }

func (r *Recorder) DataTypesConsumed() []xtestbus.DataType { return r.cfg.Types }

// Consume appends data. The bus clock is used when one is in ctx.
func (r *Recorder) Consume(ctx context.Context, producer xtestbus.Producer, data xtestbus.Data) error {
	clk := r.clock
	if c, ok := xtestbus.ClockFromContext(ctx); ok {
		clk = c
	}
	rec := Record{Seq: r.seq.Add(1), Producer: producer.UID(), Data: data, At: clk.Now()}

	r.mu.Lock()
	if len(r.records) >= r.cfg.Capacity {
		r.records = r.records[1:]
		r.evicted.Add(1)
	}
	r.records = append(r.records, rec)
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()
	return nil
}

// Records returns a copy of the retained records in delivery order.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// Updates returns the retained test node updates in delivery order.
func (r *Recorder) Updates() []node.TestNodeUpdateMessage {
	var out []node.TestNodeUpdateMessage
	for _, rec := range r.Records() {
		if m, ok := rec.Data.(node.TestNodeUpdateMessage); ok {
			out = append(out, m)
		}
	}
	return out
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Reset drops every retained record. Sequence numbers keep growing.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.records = nil
	r.mu.Unlock()
}

// WaitFor blocks until at least n records have been received in total
// (evicted ones included) or ctx ends.
func (r *Recorder) WaitFor(ctx context.Context, n uint64) error {
	for {
		r.mu.Lock()
		ch := r.changed
		r.mu.Unlock()
		if r.seq.Load() >= n {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stats returns recorder telemetry.
type Stats struct {
	Received uint64
	Retained int
	Evicted  uint64
}

func (r *Recorder) Stats() Stats {
	return Stats{Received: r.seq.Load(), Retained: r.Len(), Evicted: r.evicted.Load()}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
