package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Sink is the destination for query events.
type Sink interface {
	WriteBatch(ctx context.Context, events []QueryEvent) error
	Close() error
}

// PipelineConfig controls batching and backpressure behavior.
type PipelineConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		BufferSize:    10000,
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    500 * time.Millisecond,
	}
}

// Pipeline is the async ingestion engine: a bounded channel drained by a
// single worker that flushes on batch size or interval, whichever first.
type Pipeline struct {
	logger zerolog.Logger
	config PipelineConfig
	sink   Sink

	events chan QueryEvent
	wg     sync.WaitGroup
	cancel context.CancelFunc

	received int64
	written  int64
	dropped  int64
}

func NewPipeline(logger zerolog.Logger, sink Sink, config ...PipelineConfig) *Pipeline {
	cfg := DefaultPipelineConfig()
	if len(config) > 0 {
		cfg = config[0]
	}
	return &Pipeline{
		logger: logger.With().Str("component", "analytics").Logger(),
		config: cfg,
		sink:   sink,
		events: make(chan QueryEvent, cfg.BufferSize),
	}
}

func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.worker(ctx)
	p.logger.Info().
		Int("buffer_size", p.config.BufferSize).
		Int("batch_size", p.config.BatchSize).
		Dur("flush_interval", p.config.FlushInterval).
		Msg("analytics pipeline started")
}

// Stop drains remaining buffered events before closing the sink.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.drain()
	if p.sink != nil {
		_ = p.sink.Close()
	}
	p.logger.Info().
		Int64("received", atomic.LoadInt64(&p.received)).
		Int64("written", atomic.LoadInt64(&p.written)).
		Int64("dropped", atomic.LoadInt64(&p.dropped)).
		Msg("analytics pipeline stopped")
}

// Track submits an event. Non-blocking: drops when the buffer is full.
func (p *Pipeline) Track(event QueryEvent) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	select {
	case p.events <- event:
		atomic.AddInt64(&p.received, 1)
	default:
		atomic.AddInt64(&p.dropped, 1)
		p.logger.Warn().Str("request_id", event.RequestID).Msg("query event dropped, buffer full")
	}
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]QueryEvent, 0, p.config.BatchSize)
	for {
		select {
		case <-ctx.Done():
			p.flush(batch)
			return
		case ev := <-p.events:
			batch = append(batch, ev)
			if len(batch) >= p.config.BatchSize {
				p.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				p.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (p *Pipeline) drain() {
	batch := make([]QueryEvent, 0, p.config.BatchSize)
	for {
		select {
		case ev := <-p.events:
			batch = append(batch, ev)
			if len(batch) >= p.config.BatchSize {
				p.flush(batch)
				batch = batch[:0]
			}
		default:
			p.flush(batch)
			return
		}
	}
}

func (p *Pipeline) flush(batch []QueryEvent) {
	if len(batch) == 0 || p.sink == nil {
		return
	}
	copied := make([]QueryEvent, len(batch))
	copy(copied, batch)

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := p.sink.WriteBatch(ctx, copied)
		cancel()
		if err == nil {
			atomic.AddInt64(&p.written, int64(len(copied)))
			return
		}
		p.logger.Warn().Err(err).Int("attempt", attempt+1).Int("batch", len(copied)).Msg("analytics flush failed")
		time.Sleep(p.config.RetryDelay * time.Duration(1<<attempt))
	}
	atomic.AddInt64(&p.dropped, int64(len(copied)))
}

// LogSink writes batches to the structured log, the default when no
// ingest endpoint is configured.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "analytics.log-sink").Logger()}
}

func (s *LogSink) WriteBatch(_ context.Context, events []QueryEvent) error {
	for _, ev := range events {
		s.logger.Info().
			Str("request_id", ev.RequestID).
			Str("outcome", ev.Outcome).
			Str("from_cache", ev.FromCache).
			Int("input_tokens", ev.InputTokens).
			Int("output_tokens", ev.OutputTokens).
			Float64("cost_usd", ev.CostUSD).
			Int("latency_ms", ev.LatencyMs).
			Msg("query event")
	}
	return nil
}

func (s *LogSink) Close() error { return nil }

// HTTPSink posts batches as JSON arrays to an ingest endpoint.
type HTTPSink struct {
	url    string
	client *http.Client
}

func NewHTTPSink(url string, timeout time.Duration) *HTTPSink {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSink{url: url, client: &http.Client{Timeout: timeout}}
}

func (s *HTTPSink) WriteBatch(ctx context.Context, events []QueryEvent) error {
	body, err := json.Marshal(events)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("analytics: ingest endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (s *HTTPSink) Close() error { return nil }
