package xtestbus

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type textData struct{ Text string }

func (d textData) DisplayName() string { return d.Text }
func (textData) Description() string   { return "" }

type numberData struct{ N int }

func (d numberData) DisplayName() string { return strconv.Itoa(d.N) }
func (numberData) Description() string   { return "" }

type stubProducer struct {
	uid   string
	types []DataType
}

func (p stubProducer) UID() string                   { return p.uid }
func (p stubProducer) DataTypesProduced() []DataType { return p.types }

// recordingConsumer records every delivery and optionally delegates to fn.
type recordingConsumer struct {
	uid      string
	types    []DataType
	produces []DataType
	fn       func(ctx context.Context, producer Producer, data Data) error

	mu        sync.Mutex
	got       []Data
	producers []string
	calls     atomic.Int64
}

func (c *recordingConsumer) UID() string                   { return c.uid }
func (c *recordingConsumer) DataTypesConsumed() []DataType { return c.types }
func (c *recordingConsumer) DataTypesProduced() []DataType { return c.produces }

func (c *recordingConsumer) Consume(ctx context.Context, producer Producer, data Data) error {
	c.calls.Add(1)
	c.mu.Lock()
	c.got = append(c.got, data)
	c.producers = append(c.producers, producer.UID())
	c.mu.Unlock()
	if c.fn != nil {
		return c.fn(ctx, producer, data)
	}
	return nil
}

func (c *recordingConsumer) received() []Data {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Data, len(c.got))
	copy(out, c.got)
	return out
}

type toggledConsumer struct {
	recordingConsumer
	enabled bool
	err     error
}

func (c *toggledConsumer) IsEnabled(context.Context) (bool, error) { return c.enabled, c.err }

func textConsumer(uid string) *recordingConsumer {
	return &recordingConsumer{uid: uid, types: []DataType{TypeOf[textData]()}}
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.DrainInitialBackoff = time.Millisecond
	cfg.DrainMaxBackoff = 5 * time.Millisecond
	return cfg
}

func buildBus(t *testing.T, ctx context.Context, consumers ...Consumer) *Bus {
	t.Helper()
	bus, err := NewBusBuilder().
		WithConfig(fastConfig()).
		WithConsumer(consumers...).
		Build(ctx)
	require.NoError(t, err)
	return bus
}

var textProducer = stubProducer{uid: "producer", types: []DataType{TypeOf[textData]()}}

// TestPublish_ExactlyOnceAfterDrain tests that every subscriber sees each item once.
func TestPublish_ExactlyOnceAfterDrain(t *testing.T) {
	ctx := context.Background()
	a, b := textConsumer("a"), textConsumer("b")
	bus := buildBus(t, ctx, a, b)
	defer bus.Dispose()

	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, bus.Publish(ctx, textProducer, textData{Text: strconv.Itoa(i)}))
	}
	require.NoError(t, bus.Drain(ctx))

	for _, c := range []*recordingConsumer{a, b} {
		assert.Len(t, c.received(), n)
		assert.Equal(t, int64(n), c.calls.Load())
		for _, uid := range c.producers {
			assert.Equal(t, "producer", uid)
		}
	}

	for _, s := range bus.Stats() {
		assert.Equal(t, uint64(n), s.Received)
		assert.Equal(t, uint64(n), s.Processed)
		assert.Zero(t, s.Pending())
	}
}

// TestPublish_NoSelfDelivery tests that a consumer never receives its own data.
func TestPublish_NoSelfDelivery(t *testing.T) {
	ctx := context.Background()
	self := textConsumer("same")
	self.produces = []DataType{TypeOf[textData]()}
	other := textConsumer("other")
	bus := buildBus(t, ctx, self, other)
	defer bus.Dispose()

	require.NoError(t, bus.Publish(ctx, self, textData{Text: "mine"}))
	require.NoError(t, bus.Drain(ctx))

	assert.Empty(t, self.received())
	assert.Len(t, other.received(), 1)

	// Skipped items still count as processed so drain converges.
	stats := bus.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, uint64(1), stats[0].Received)
	assert.Equal(t, uint64(1), stats[0].Processed)
}

// TestPublish_PreservesOrderPerConsumer tests FIFO delivery for one consumer.
func TestPublish_PreservesOrderPerConsumer(t *testing.T) {
	ctx := context.Background()
	c := &recordingConsumer{uid: "numbers", types: []DataType{TypeOf[numberData]()}}
	bus := buildBus(t, ctx, c)
	defer bus.Dispose()

	p := stubProducer{uid: "p", types: []DataType{TypeOf[numberData]()}}
	const n = 500
	for i := 0; i < n; i++ {
		require.NoError(t, bus.Publish(ctx, p, numberData{N: i}))
	}
	require.NoError(t, bus.Drain(ctx))

	got := c.received()
	require.Len(t, got, n)
	for i, d := range got {
		assert.Equal(t, i, d.(numberData).N)
	}
}

// TestPublish_ConcurrentProducers tests that concurrent publishers never lose items.
func TestPublish_ConcurrentProducers(t *testing.T) {
	ctx := context.Background()
	c := textConsumer("sink")
	bus := buildBus(t, ctx, c)
	defer bus.Dispose()

	const producers, perProducer = 8, 200
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := stubProducer{uid: "p" + strconv.Itoa(i), types: []DataType{TypeOf[textData]()}}
			for j := 0; j < perProducer; j++ {
				assert.NoError(t, bus.Publish(ctx, p, textData{Text: strconv.Itoa(j)}))
			}
		}(i)
	}
	wg.Wait()
	require.NoError(t, bus.Drain(ctx))
	assert.Len(t, c.received(), producers*perProducer)
}

// TestPublish_UndeclaredType tests that publishing an undeclared type is rejected.
func TestPublish_UndeclaredType(t *testing.T) {
	ctx := context.Background()
	c := textConsumer("c")
	bus := buildBus(t, ctx, c)
	defer bus.Dispose()

	err := bus.Publish(ctx, textProducer, numberData{N: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUndeclaredDataType)

	var ute *UndeclaredTypeError
	require.ErrorAs(t, err, &ute)
	assert.Equal(t, "producer", ute.ProducerUID)
	assert.Contains(t, ute.DataType, "numberData")
}

// TestPublish_InvalidArguments tests nil producer and data.
func TestPublish_InvalidArguments(t *testing.T) {
	ctx := context.Background()
	bus := buildBus(t, ctx, textConsumer("c"))
	defer bus.Dispose()

	assert.ErrorIs(t, bus.Publish(ctx, nil, textData{}), ErrNilProducer)
	assert.ErrorIs(t, bus.Publish(ctx, textProducer, nil), ErrNilData)
}

// TestPublish_NoSubscribers tests that data nobody consumes is accepted.
func TestPublish_NoSubscribers(t *testing.T) {
	ctx := context.Background()
	bus := buildBus(t, ctx)
	defer bus.Dispose()

	require.NoError(t, bus.Publish(ctx, textProducer, textData{Text: "x"}))
	require.NoError(t, bus.Drain(ctx))
	assert.Equal(t, uint64(1), bus.GetMetrics().Published)
	assert.Zero(t, bus.GetMetrics().Delivered)
}

// TestPublish_AfterDisable tests that a disabled bus refuses data.
func TestPublish_AfterDisable(t *testing.T) {
	ctx := context.Background()
	c := textConsumer("c")
	bus := buildBus(t, ctx, c)

	require.NoError(t, bus.Publish(ctx, textProducer, textData{Text: "before"}))
	require.NoError(t, bus.Disable(ctx))

	// queued work was finished before Disable returned
	assert.Len(t, c.received(), 1)
	assert.ErrorIs(t, bus.Publish(ctx, textProducer, textData{Text: "after"}), ErrBusDisabled)

	// idempotent
	require.NoError(t, bus.Disable(ctx))
}

// TestPublish_CancelledSessionIsNoop tests that a cancelled session silently drops publishes.
func TestPublish_CancelledSessionIsNoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := textConsumer("c")
	bus := buildBus(t, ctx, c)
	defer bus.Dispose()

	cancel()
	require.NoError(t, bus.Publish(context.Background(), textProducer, textData{Text: "late"}))
	assert.Zero(t, bus.Stats()[0].Received)
	assert.NoError(t, bus.Drain(context.Background()))
}

// TestDrain_CancelledReturnsEarly tests that a cancelled drain returns nil without waiting.
func TestDrain_CancelledReturnsEarly(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	c := textConsumer("slow")
	c.fn = func(ctx context.Context, _ Producer, _ Data) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}
	bus := buildBus(t, ctx, c)
	defer func() {
		close(release)
		bus.Dispose()
	}()

	require.NoError(t, bus.Publish(ctx, textProducer, textData{Text: "blocked"}))

	dctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, bus.Drain(dctx))
	assert.Equal(t, uint64(1), bus.Stats()[0].Pending())
}

// TestDrain_SecondaryPublishesConverge tests that data published from consumers is drained too.
func TestDrain_SecondaryPublishesConverge(t *testing.T) {
	ctx := context.Background()
	var bus *Bus

	relay := textConsumer("relay")
	relay.produces = []DataType{TypeOf[numberData]()}
	relay.fn = func(ctx context.Context, _ Producer, data Data) error {
		n, _ := strconv.Atoi(data.DisplayName())
		return bus.Publish(ctx, relay, numberData{N: n})
	}
	sink := &recordingConsumer{uid: "sink", types: []DataType{TypeOf[numberData]()}}

	bus = buildBus(t, ctx, relay, sink)
	defer bus.Dispose()

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, bus.Publish(ctx, textProducer, textData{Text: strconv.Itoa(i)}))
	}
	require.NoError(t, bus.Drain(ctx))
	assert.Len(t, sink.received(), n)
}

// TestDrain_DetectsLivelock tests the two-node cycle fixture: each node re-publishes
// what the other consumes, so received counts grow on every pass.
func TestDrain_DetectsLivelock(t *testing.T) {
	ctx := context.Background()
	var bus *Bus

	ping := &recordingConsumer{uid: "ping", types: []DataType{TypeOf[textData]()}, produces: []DataType{TypeOf[numberData]()}}
	pong := &recordingConsumer{uid: "pong", types: []DataType{TypeOf[numberData]()}, produces: []DataType{TypeOf[textData]()}}
	ping.fn = func(ctx context.Context, _ Producer, _ Data) error {
		return bus.Publish(ctx, ping, numberData{N: 1})
	}
	pong.fn = func(ctx context.Context, _ Producer, _ Data) error {
		return bus.Publish(ctx, pong, textData{Text: "again"})
	}

	var err error
	bus, err = NewBusBuilder().
		WithConfig(fastConfig()).
		WithDrainAttempts(3).
		WithConsumer(ping, pong).
		Build(ctx)
	require.NoError(t, err)
	defer bus.Dispose()

	require.NoError(t, bus.Publish(ctx, textProducer, textData{Text: "start"}))

	err = bus.Drain(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDrainLivelock)

	var le *DrainLivelockError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, 3, le.Attempts)
	require.Len(t, le.Processors, 2)
	assert.Equal(t, "ping", le.Processors[0].ConsumerUID)
	assert.Equal(t, "pong", le.Processors[1].ConsumerUID)
	assert.Contains(t, err.Error(), `consumer "ping": received`)
}

// TestDrain_DrainAttemptsFromEnv tests the environment override of the attempt budget.
func TestDrain_DrainAttemptsFromEnv(t *testing.T) {
	t.Setenv(DrainAttemptsEnv, "2")
	bus, err := NewBusBuilder().Build(context.Background())
	require.NoError(t, err)
	defer bus.Dispose()
	assert.Equal(t, 2, bus.cfg.DrainAttempts)
}

// TestConsumerFault_IsolatedAndReraised tests that one failing consumer doesn't
// affect its siblings and that its fault surfaces from Drain and Disable.
func TestConsumerFault_IsolatedAndReraised(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	failing := textConsumer("failing")
	failing.fn = func(_ context.Context, _ Producer, data Data) error {
		if data.DisplayName() == "2" {
			return boom
		}
		return nil
	}
	healthy := textConsumer("healthy")
	bus := buildBus(t, ctx, failing, healthy)

	const n = 10
	for i := 1; i <= n; i++ {
		require.NoError(t, bus.Publish(ctx, textProducer, textData{Text: strconv.Itoa(i)}))
	}

	err := bus.Drain(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var fault *ConsumerFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "failing", fault.ConsumerUID)

	assert.Equal(t, "degraded", bus.Health(ctx).Status)

	err = bus.Disable(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	assert.Len(t, healthy.received(), n)
	// delivery stops after the fault
	assert.Equal(t, int64(2), failing.calls.Load())

	stats := bus.Stats()
	assert.True(t, stats[0].Faulted)
	assert.Equal(t, uint64(n), stats[0].Processed)
	assert.False(t, stats[1].Faulted)
	assert.Equal(t, uint64(1), bus.GetMetrics().Faults)
	assert.Equal(t, "unhealthy", bus.Health(ctx).Status)
}

// TestConsumerFault_Panic tests that a consumer panic becomes a fault.
func TestConsumerFault_Panic(t *testing.T) {
	ctx := context.Background()
	c := textConsumer("panicky")
	c.fn = func(context.Context, Producer, Data) error { panic("kaboom") }
	bus := buildBus(t, ctx, c)
	defer bus.Dispose()

	require.NoError(t, bus.Publish(ctx, textProducer, textData{Text: "x"}))
	err := bus.Drain(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandlerPanic)
	assert.Contains(t, err.Error(), "kaboom")
}

// TestConsumerFault_Timeout tests that an expired consume call becomes a fault.
func TestConsumerFault_Timeout(t *testing.T) {
	ctx := context.Background()
	c := textConsumer("stuck")
	c.fn = func(ctx context.Context, _ Producer, _ Data) error {
		<-ctx.Done()
		return ctx.Err()
	}
	bus, err := NewBusBuilder().
		WithConfig(fastConfig()).
		WithConsumeTimeout(20 * time.Millisecond).
		WithConsumer(c).
		Build(ctx)
	require.NoError(t, err)
	defer bus.Dispose()

	require.NoError(t, bus.Publish(ctx, textProducer, textData{Text: "x"}))
	err = bus.Drain(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestConsumer_ContextCarriesDependencies tests logger, clock and consumer uid injection.
func TestConsumer_ContextCarriesDependencies(t *testing.T) {
	ctx := context.Background()
	var (
		hasLogger, hasClock bool
		uid                 string
	)
	c := textConsumer("ctx")
	c.fn = func(ctx context.Context, _ Producer, _ Data) error {
		_, hasLogger = LoggerFromContext(ctx)
		_, hasClock = ClockFromContext(ctx)
		uid, _ = ConsumerUIDFromContext(ctx)
		return nil
	}
	bus := buildBus(t, ctx, c)
	defer bus.Dispose()

	require.NoError(t, bus.Publish(ctx, textProducer, textData{Text: "x"}))
	require.NoError(t, bus.Drain(ctx))

	assert.True(t, hasLogger)
	assert.True(t, hasClock)
	assert.Equal(t, "ctx", uid)
}

// TestBuild_ConfigurationErrors tests the eager validation done by Build.
func TestBuild_ConfigurationErrors(t *testing.T) {
	textType := TypeOf[textData]()

	tests := []struct {
		name      string
		consumers []Consumer
		want      error
		uid       string
	}{
		{
			name:      "nil consumer",
			consumers: []Consumer{nil},
			want:      ErrNilConsumer,
		},
		{
			name:      "disabled consumer",
			consumers: []Consumer{&toggledConsumer{recordingConsumer: recordingConsumer{uid: "off", types: []DataType{textType}}}},
			want:      ErrConsumerDisabled,
			uid:       "off",
		},
		{
			name:      "enabled check fails",
			consumers: []Consumer{&toggledConsumer{recordingConsumer: recordingConsumer{uid: "broken"}, err: errors.New("probe failed")}},
			want:      ErrConsumerDisabled,
			uid:       "broken",
		},
		{
			name:      "type declared twice",
			consumers: []Consumer{&recordingConsumer{uid: "twice", types: []DataType{textType, textType}}},
			want:      ErrDuplicateConsumer,
			uid:       "twice",
		},
		{
			name: "same consumer registered twice",
			consumers: func() []Consumer {
				c := textConsumer("dup")
				return []Consumer{c, c}
			}(),
			want: ErrDuplicateConsumer,
			uid:  "dup",
		},
		{
			name: "distinct consumers share a uid",
			consumers: []Consumer{
				&recordingConsumer{uid: "shared", types: []DataType{textType}},
				&recordingConsumer{uid: "shared", types: []DataType{TypeOf[numberData]()}},
			},
			want: ErrDuplicateConsumer,
			uid:  "shared",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus, err := NewBusBuilder().WithConsumer(tt.consumers...).Build(context.Background())
			require.Error(t, err)
			assert.Nil(t, bus)
			assert.ErrorIs(t, err, tt.want)

			var ce *ConfigurationError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.uid, ce.ConsumerUID)
		})
	}
}

// TestBuild_EnabledConsumer tests that an enabled Enabler consumer is accepted.
func TestBuild_EnabledConsumer(t *testing.T) {
	c := &toggledConsumer{recordingConsumer: recordingConsumer{uid: "on", types: []DataType{TypeOf[textData]()}}, enabled: true}
	bus, err := NewBusBuilder().WithConsumer(c).Build(context.Background())
	require.NoError(t, err)
	defer bus.Dispose()

	require.Len(t, bus.Consumers(), 1)
	assert.Equal(t, "on", bus.Consumers()[0].UID())
}

// TestNew_CloseDisables tests the convenience constructor.
func TestNew_CloseDisables(t *testing.T) {
	c := textConsumer("c")
	bus, closeFn, err := New(context.Background(), func(b *BusBuilder) {
		b.WithConfig(fastConfig()).WithConsumer(c)
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), textProducer, textData{Text: "x"}))
	require.NoError(t, closeFn())
	assert.Len(t, c.received(), 1)
	assert.Equal(t, "unhealthy", bus.Health(context.Background()).Status)
}

// TestObserver_ReceivesLifecycleEvents tests asynchronous observer dispatch.
func TestObserver_ReceivesLifecycleEvents(t *testing.T) {
	ctx := context.Background()
	var (
		mu    sync.Mutex
		types = map[EventType]int{}
	)
	obs := ObserverFunc(func(e Event) {
		mu.Lock()
		types[e.Type]++
		mu.Unlock()
	})

	c := textConsumer("c")
	bus, err := NewBusBuilder().WithConfig(fastConfig()).WithConsumer(c).WithObserver(obs).Build(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, textProducer, textData{Text: "x"}))
	require.NoError(t, bus.Drain(ctx))
	require.NoError(t, bus.Disable(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, types[Published])
	assert.Equal(t, 1, types[ConsumeStart])
	assert.Equal(t, 1, types[ConsumeDone])
	assert.Equal(t, 1, types[DrainStart])
	assert.Equal(t, 1, types[DrainDone])
	assert.Equal(t, 1, types[Disabled])
}

// TestObserver_Remove tests that a removed observer stops receiving events.
func TestObserver_Remove(t *testing.T) {
	ctx := context.Background()
	var count atomic.Int64
	obs := &countingObserver{n: &count}

	bus := buildBus(t, ctx, textConsumer("c"))
	bus.AddObserver(obs)
	bus.RemoveObserver(obs)

	require.NoError(t, bus.Publish(ctx, textProducer, textData{Text: "x"}))
	require.NoError(t, bus.Disable(ctx))
	assert.Zero(t, count.Load())
}

type countingObserver struct{ n *atomic.Int64 }

func (o *countingObserver) OnEvent(Event) { o.n.Add(1) }

// TestHealth_Healthy tests the health of a fresh bus.
func TestHealth_Healthy(t *testing.T) {
	bus := buildBus(t, context.Background(), textConsumer("c"))
	defer bus.Dispose()

	h := bus.Health(context.Background())
	assert.Equal(t, "healthy", h.Status)
	assert.False(t, h.Timestamp.IsZero())
}

// TestRecordConsumeTime tests the moving average, sequentially and under concurrent updates.
func TestRecordConsumeTime(t *testing.T) {
	bus := buildBus(t, context.Background())
	defer bus.Dispose()

	bus.recordConsumeTime(1000)
	assert.Equal(t, int64(1000), bus.metrics.consumeNs.Load())
	bus.recordConsumeTime(2000)
	assert.InDelta(t, 1200, bus.metrics.consumeNs.Load(), 1)

	// Every update folds in 5000, so the average converges on it; integer
	// truncation stalls it a few nanoseconds short.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.recordConsumeTime(5000)
			}
		}()
	}
	wg.Wait()
	got := bus.metrics.consumeNs.Load()
	assert.InDelta(t, 5000, got, 5)
	assert.InDelta(t, float64(got)/1e6, bus.GetMetrics().AvgConsumeTimeMs, 1e-9)
}
