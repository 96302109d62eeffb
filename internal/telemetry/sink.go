// Package telemetry buffers time-series records in memory and flushes them to
// a pluggable transport in batches. Ingestion never blocks the control loop;
// delivery failures keep records buffered for the next attempt.
package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quaylabs/rangekeeper/internal/metrics"
)

// Record is one telemetry point on a named stream.
type Record struct {
	Stream  string          `json:"stream"`
	Ts      int64           `json:"ts"` // unix ms
	Payload json.RawMessage `json:"payload"`
}

// NewRecord marshals v as the payload. Marshal failures return a zero Record
// and false; callers drop the point.
func NewRecord(stream string, ts time.Time, v any) (Record, bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Warn().Err(err).Str("stream", stream).Msg("telemetry payload not serializable, dropping")
		return Record{}, false
	}
	return Record{Stream: stream, Ts: ts.UnixMilli(), Payload: payload}, true
}

// Transport delivers a batch of records for a single stream. A batch is
// either fully delivered (nil) or fully retried (error); partial writes are
// the transport's problem to make idempotent.
type Transport interface {
	Write(ctx context.Context, stream string, records []Record) error
}

// Config controls sink batching.
type Config struct {
	FlushInterval  time.Duration `yaml:"flush_interval"`
	FlushThreshold int           `yaml:"flush_threshold"`
	MaxBuffered    int           `yaml:"max_buffered"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns the standard batching profile.
func DefaultConfig() Config {
	return Config{
		FlushInterval:  5 * time.Second,
		FlushThreshold: 100,
		MaxBuffered:    10_000,
		WriteTimeout:   10 * time.Second,
	}
}

// Sink accumulates records per stream and flushes when a stream reaches the
// threshold or the interval elapses. At most one flush is in flight per
// stream; failed batches are prepended so replay preserves order.
type Sink struct {
	cfg       Config
	transport Transport
	logger    zerolog.Logger

	mu       sync.Mutex
	buffers  map[string][]Record
	inFlight map[string]bool
	dropped  uint64

	wg     sync.WaitGroup
	closed bool
	stop   chan struct{}
}

// NewSink starts the flush loop.
func NewSink(cfg Config, transport Transport) *Sink {
	s := &Sink{
		cfg:       cfg,
		transport: transport,
		logger:    log.With().Str("component", "telemetry").Logger(),
		buffers:   make(map[string][]Record),
		inFlight:  make(map[string]bool),
		stop:      make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// Ingest buffers one record. Never blocks: when the stream buffer is at
// capacity the oldest record is discarded to make room.
func (s *Sink) Ingest(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	buf := s.buffers[rec.Stream]
	if len(buf) >= s.cfg.MaxBuffered {
		buf = buf[1:]
		s.dropped++
		if s.dropped%1000 == 1 {
			s.logger.Warn().Str("stream", rec.Stream).Uint64("dropped_total", s.dropped).
				Msg("telemetry buffer full, dropping oldest")
		}
	}
	s.buffers[rec.Stream] = append(buf, rec)

	if len(s.buffers[rec.Stream]) >= s.cfg.FlushThreshold {
		s.flushStreamLocked(rec.Stream)
	}
}

// Dropped reports how many records were discarded to buffer pressure.
func (s *Sink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Sink) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flushAll()
		case <-s.stop:
			return
		}
	}
}

func (s *Sink) flushAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for stream := range s.buffers {
		s.flushStreamLocked(stream)
	}
}

// flushStreamLocked takes the whole buffer for the stream and delivers it on
// a goroutine. No-op when a flush for the stream is already running; the
// in-flight flush's completion re-checks the buffer.
func (s *Sink) flushStreamLocked(stream string) {
	if s.inFlight[stream] || len(s.buffers[stream]) == 0 {
		return
	}
	batch := s.buffers[stream]
	s.buffers[stream] = nil
	s.inFlight[stream] = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliver(stream, batch)
	}()
}

func (s *Sink) deliver(stream string, batch []Record) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	err := s.transport.Write(ctx, stream, batch)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight[stream] = false

	if err != nil {
		metrics.FlushTotal.WithLabelValues(stream, "error").Inc()
		s.logger.Warn().Err(err).Str("stream", stream).Int("batch", len(batch)).
			Msg("telemetry flush failed, re-buffering")
		// Failed batch goes back in front so ordering survives the retry.
		s.buffers[stream] = append(batch, s.buffers[stream]...)
		if over := len(s.buffers[stream]) - s.cfg.MaxBuffered; over > 0 {
			s.buffers[stream] = s.buffers[stream][over:]
			s.dropped += uint64(over)
		}
		return
	}

	metrics.FlushTotal.WithLabelValues(stream, "ok").Inc()

	// Records that arrived during the flush may already be over threshold.
	if len(s.buffers[stream]) >= s.cfg.FlushThreshold {
		s.flushStreamLocked(stream)
	}
}

// Shutdown stops the timer and drains every buffer, retrying until ctx
// expires. Records still buffered at deadline are lost.
func (s *Sink) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.stop)

	for {
		s.flushAll()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}

		s.mu.Lock()
		remaining := 0
		for _, buf := range s.buffers {
			remaining += len(buf)
		}
		s.mu.Unlock()
		if remaining == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			s.logger.Error().Int("remaining", remaining).Msg("telemetry shutdown deadline, records lost")
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
