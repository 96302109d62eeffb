package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quaylabs/rangekeeper/internal/metrics"
)

// captureTransport records delivered batches and can be told to fail the
// first N writes.
type captureTransport struct {
	mu        sync.Mutex
	failFirst int
	writes    int
	delivered map[string][]Record
}

func newCaptureTransport(failFirst int) *captureTransport {
	return &captureTransport{failFirst: failFirst, delivered: make(map[string][]Record)}
}

func (t *captureTransport) Write(_ context.Context, stream string, records []Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes++
	if t.writes <= t.failFirst {
		return fmt.Errorf("transport down (write %d)", t.writes)
	}
	t.delivered[stream] = append(t.delivered[stream], records...)
	return nil
}

func (t *captureTransport) stream(name string) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, len(t.delivered[name]))
	copy(out, t.delivered[name])
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FlushInterval = 20 * time.Millisecond
	return cfg
}

func mustRecord(t *testing.T, stream string, seq int) Record {
	t.Helper()
	rec, ok := NewRecord(stream, time.UnixMilli(int64(seq)), map[string]int{"seq": seq})
	require.True(t, ok)
	return rec
}

func TestThresholdFlush(t *testing.T) {
	tr := newCaptureTransport(0)
	cfg := testConfig()
	cfg.FlushInterval = time.Hour // threshold only
	s := NewSink(cfg, tr)

	for i := 0; i < cfg.FlushThreshold; i++ {
		s.Ingest(mustRecord(t, "epochs", i))
	}

	assert.Eventually(t, func() bool {
		return len(tr.stream("epochs")) == cfg.FlushThreshold
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Shutdown(context.Background()))
}

func TestTimerFlushBelowThreshold(t *testing.T) {
	tr := newCaptureTransport(0)
	s := NewSink(testConfig(), tr)

	s.Ingest(mustRecord(t, "epochs", 1))
	s.Ingest(mustRecord(t, "epochs", 2))

	assert.Eventually(t, func() bool {
		return len(tr.stream("epochs")) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Shutdown(context.Background()))
}

func TestFailedFlushReplaysInOrder(t *testing.T) {
	// The transport rejects the first three writes; every record must still
	// arrive exactly once and in ingest order.
	tr := newCaptureTransport(3)
	s := NewSink(testConfig(), tr)

	const total = 250
	for i := 0; i < total; i++ {
		s.Ingest(mustRecord(t, "epochs", i))
	}

	assert.Eventually(t, func() bool {
		return len(tr.stream("epochs")) == total
	}, 3*time.Second, 10*time.Millisecond)

	got := tr.stream("epochs")
	for i, rec := range got {
		var payload struct {
			Seq int `json:"seq"`
		}
		require.NoError(t, json.Unmarshal(rec.Payload, &payload))
		assert.Equal(t, i, payload.Seq, "record %d out of order", i)
	}

	require.NoError(t, s.Shutdown(context.Background()))
}

func TestStreamsAreIndependent(t *testing.T) {
	tr := newCaptureTransport(0)
	s := NewSink(testConfig(), tr)

	s.Ingest(mustRecord(t, "epochs", 1))
	s.Ingest(mustRecord(t, "txlog", 2))

	assert.Eventually(t, func() bool {
		return len(tr.stream("epochs")) == 1 && len(tr.stream("txlog")) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Shutdown(context.Background()))
}

func TestCapDropsOldest(t *testing.T) {
	tr := newCaptureTransport(0)
	cfg := testConfig()
	cfg.FlushInterval = time.Hour
	cfg.FlushThreshold = 1 << 30 // never flush on threshold
	cfg.MaxBuffered = 10
	s := NewSink(cfg, tr)

	for i := 0; i < 15; i++ {
		s.Ingest(mustRecord(t, "epochs", i))
	}
	assert.Equal(t, uint64(5), s.Dropped())

	require.NoError(t, s.Shutdown(context.Background()))

	got := tr.stream("epochs")
	require.Len(t, got, 10)
	var first struct {
		Seq int `json:"seq"`
	}
	require.NoError(t, json.Unmarshal(got[0].Payload, &first))
	assert.Equal(t, 5, first.Seq, "the five oldest records were dropped")
}

func TestShutdownDrains(t *testing.T) {
	tr := newCaptureTransport(0)
	cfg := testConfig()
	cfg.FlushInterval = time.Hour
	s := NewSink(cfg, tr)

	for i := 0; i < 7; i++ {
		s.Ingest(mustRecord(t, "epochs", i))
	}
	require.NoError(t, s.Shutdown(context.Background()))
	assert.Len(t, tr.stream("epochs"), 7)

	// Ingest after shutdown is a silent no-op.
	s.Ingest(mustRecord(t, "epochs", 99))
	assert.Len(t, tr.stream("epochs"), 7)
}

func TestFlushOutcomesCounted(t *testing.T) {
	// Unique stream name keeps the global counter readings deterministic.
	const stream = "flush_outcomes"
	tr := newCaptureTransport(1)
	s := NewSink(testConfig(), tr)

	s.Ingest(mustRecord(t, stream, 1))

	assert.Eventually(t, func() bool {
		return len(tr.stream(stream)) == 1
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Shutdown(context.Background()))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.FlushTotal.WithLabelValues(stream, "error")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.FlushTotal.WithLabelValues(stream, "ok")), 1.0)
}

func TestShutdownDeadline(t *testing.T) {
	tr := newCaptureTransport(1 << 30) // transport never recovers
	cfg := testConfig()
	cfg.WriteTimeout = 10 * time.Millisecond
	s := NewSink(cfg, tr)

	s.Ingest(mustRecord(t, "epochs", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := s.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
