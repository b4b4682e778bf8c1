package analytics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type captureSink struct {
	mu     sync.Mutex
	events []QueryEvent
	closed bool
}

func (s *captureSink) WriteBatch(_ context.Context, events []QueryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *captureSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestPipeline_FlushesOnStop(t *testing.T) {
	sink := &captureSink{}
	p := NewPipeline(zerolog.Nop(), sink, PipelineConfig{
		BufferSize:    16,
		BatchSize:     8,
		FlushInterval: time.Hour, // force the stop-drain path
		MaxRetries:    0,
		RetryDelay:    time.Millisecond,
	})
	p.Start(context.Background())

	for i := 0; i < 5; i++ {
		p.Track(QueryEvent{RequestID: "r", Outcome: "cached"})
	}
	p.Stop()

	if got := sink.count(); got != 5 {
		t.Errorf("sink received %d events, want 5", got)
	}
	if !sink.closed {
		t.Error("sink not closed on Stop")
	}
}

func TestPipeline_FlushesOnBatchSize(t *testing.T) {
	sink := &captureSink{}
	p := NewPipeline(zerolog.Nop(), sink, PipelineConfig{
		BufferSize:    64,
		BatchSize:     3,
		FlushInterval: time.Hour,
		RetryDelay:    time.Millisecond,
	})
	p.Start(context.Background())
	defer p.Stop()

	for i := 0; i < 3; i++ {
		p.Track(QueryEvent{RequestID: "r"})
	}

	deadline := time.After(2 * time.Second)
	for sink.count() < 3 {
		select {
		case <-deadline:
			t.Fatalf("batch never flushed; sink has %d events", sink.count())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPipeline_DropsWhenBufferFull(t *testing.T) {
	sink := &captureSink{}
	p := NewPipeline(zerolog.Nop(), sink, PipelineConfig{
		BufferSize:    1,
		BatchSize:     10,
		FlushInterval: time.Hour,
		RetryDelay:    time.Millisecond,
	})
	// Not started: nothing drains the channel, so the second Track drops.
	p.Track(QueryEvent{RequestID: "kept"})
	p.Track(QueryEvent{RequestID: "dropped"})

	if p.dropped != 1 {
		t.Errorf("dropped = %d, want 1", p.dropped)
	}
}

func TestTrack_StampsCreatedAt(t *testing.T) {
	p := NewPipeline(zerolog.Nop(), &captureSink{})
	p.Track(QueryEvent{RequestID: "r"})
	ev := <-p.events
	if ev.CreatedAt.IsZero() {
		t.Error("CreatedAt not stamped")
	}
}
