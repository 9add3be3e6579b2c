package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"go.uber.org/zap"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(HubConfig{
		BufferSize:      8,
		MaxBatchRecords: 2,
		MaxBatchWait:    time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	rec := sampleRecord(StageEvent)
	hub.Emit(rec)
	hub.Emit(rec)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(HubConfig{
		BufferSize:      4,
		MaxBatchRecords: 10,
		MaxBatchWait:    25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleRecord(StageSessionStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWithoutConsumers asserts Emit never blocks callers, even without sinks.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		records: make(chan Record),
		logger:  zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleRecord(StageEvent))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

// TestHubFlushOnClose ensures Close drains any buffered records before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(HubConfig{
		BufferSize:      4,
		MaxBatchRecords: 100,
		MaxBatchWait:    time.Minute,
	}, sink)

	hub.Emit(sampleRecord(StageSessionDone))

	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.Closed())
}

// TestHubDropsInvalidRecords keeps malformed records away from sinks.
func TestHubDropsInvalidRecords(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(HubConfig{MaxBatchRecords: 1}, sink)

	hub.Emit(Record{Stage: StageEvent, Kind: KindFetched, TS: time.Now()})
	hub.Emit(Record{SessionID: uuid.New(), Stage: StageSessionStart, TS: time.Now()})

	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Record
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Record{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Record(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubSink) Batches() [][]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Record, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Record(nil), b...)
	}
	return out
}

func sampleRecord(stage Stage) Record {
	return Record{
		SessionID: uuid.New(),
		TS:        time.Now(),
		Stage:     stage,
		UserEmail: "ops@example.com",
		Kind:      KindFetched,
		Phase:     PhaseFetching,
	}
}
