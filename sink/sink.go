// Package sink batches enriched readings for a columnar store and
// republishes each to an output MQTT broker.
package sink

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/wesense-earth/wesense-ingester-meshtastic/record"
)

// FlushSize and FlushAge are the two flush triggers: whichever fires
// first empties the buffer.
const (
	FlushSize = 100
	FlushAge  = 10 * time.Second
)

// RetryBase and RetryCap bound the flush-failure retry backoff; after
// RetryMaxAttempts the batch is dropped rather than retried forever.
const (
	RetryBase        = 1 * time.Second
	RetryCap         = 60 * time.Second
	RetryMaxAttempts = 5
)

// Writer persists a batch of enriched readings to the columnar store.
// Implemented by ClickHouseWriter; abstracted so tests don't need a live
// ClickHouse instance.
type Writer interface {
	WriteBatch(ctx context.Context, rows []record.Enriched) error
}

// Sink owns the outgoing batch buffer; spec.md gives it a single
// goroutine so the buffer needs no locking beyond what's necessary to
// accept records from other goroutines.
type Sink struct {
	mu     sync.Mutex
	buffer []record.Enriched

	writer      Writer
	republisher mqtt.Client
	topicBase   string

	flushNow chan struct{}

	flushed  atomic.Uint64
	dropped  atomic.Uint64
	failures atomic.Uint64

	logger *log.Logger
}

// New builds a Sink. republisher may be nil to disable MQTT republishing
// (e.g. in tests).
func New(writer Writer, republisher mqtt.Client, topicBase string, logger *log.Logger) *Sink {
	return &Sink{
		writer:      writer,
		republisher: republisher,
		topicBase:   topicBase,
		flushNow:    make(chan struct{}, 1),
		logger:      logger,
	}
}

// Add appends a record to the buffer and republishes it immediately (the
// columnar batch and the live MQTT feed are independent per spec.md:
// republish never waits for a batch flush). Once the buffer reaches
// FlushSize it nudges Run to flush without waiting for FlushAge.
func (s *Sink) Add(r record.Enriched) {
	s.republish(r)

	s.mu.Lock()
	s.buffer = append(s.buffer, r)
	full := len(s.buffer) >= FlushSize
	s.mu.Unlock()

	if full {
		select {
		case s.flushNow <- struct{}{}:
		default:
		}
	}
}

func (s *Sink) republish(r record.Enriched) {
	if s.republisher == nil {
		return
	}
	payload, err := json.Marshal(struct {
		Value      float64 `json:"value"`
		Timestamp  int64   `json:"timestamp"`
		DeviceID   string  `json:"device_id"`
		Latitude   float64 `json:"latitude"`
		Longitude  float64 `json:"longitude"`
		Country    string  `json:"country"`
		Subdivision string `json:"subdivision"`
		Unit        string `json:"unit"`
		DataSource  string `json:"data_source"`
		BoardModel  string `json:"board_model"`
		ReadingType string `json:"reading_type"`
	}{
		Value:       r.Value,
		Timestamp:   r.Timestamp.Unix(),
		DeviceID:    r.DeviceID,
		Latitude:    r.Latitude,
		Longitude:   r.Longitude,
		Country:     r.Country,
		Subdivision: r.Subdivision,
		Unit:        r.Unit,
		DataSource:  r.DataSource,
		BoardModel:  r.BoardModel,
		ReadingType: r.ReadingType,
	})
	if err != nil {
		if s.logger != nil {
			s.logger.Printf("sink: marshal republish payload: %v", err)
		}
		return
	}
	s.republisher.Publish(s.topicBase+"/"+r.Country+"/"+r.Subdivision+"/"+r.DeviceID+"/"+r.ReadingType, 0, false, payload)
}

// Flush drains the buffer and writes it, retrying with exponential
// backoff on failure. After RetryMaxAttempts the batch is dropped and the
// failure counter is incremented, never blocking the pipeline or growing
// the buffer without bound.
func (s *Sink) Flush(ctx context.Context) {
	s.mu.Lock()
	batch := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	var err error
	for attempt := 0; attempt < RetryMaxAttempts; attempt++ {
		err = s.writer.WriteBatch(ctx, batch)
		if err == nil {
			s.flushed.Add(uint64(len(batch)))
			return
		}
		if s.logger != nil {
			s.logger.Printf("sink: flush attempt %d failed: %v", attempt+1, err)
		}
		delay := retryDelay(attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			s.dropped.Add(uint64(len(batch)))
			s.failures.Add(1)
			return
		}
	}
	s.dropped.Add(uint64(len(batch)))
	s.failures.Add(1)
	if s.logger != nil {
		s.logger.Printf("sink: dropping batch of %d rows after %d attempts: %v", len(batch), RetryMaxAttempts, err)
	}
}

func retryDelay(attempt int) time.Duration {
	d := RetryBase * time.Duration(1<<uint(attempt))
	if d > RetryCap || d <= 0 {
		d = RetryCap
	}
	return d
}

// Run drives periodic age-based flushing until ctx is cancelled.
func (s *Sink) Run(ctx context.Context) {
	ticker := time.NewTicker(FlushAge)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Flush(context.Background())
			return
		case <-ticker.C:
			s.Flush(ctx)
		case <-s.flushNow:
			s.Flush(ctx)
		}
	}
}

// Stats is a snapshot of sink counters for diagnostics.
type Stats struct {
	Buffered uint64 `json:"buffered"`
	Flushed  uint64 `json:"flushed"`
	Dropped  uint64 `json:"dropped"`
	Failures uint64 `json:"failures"`
}

// StatsSnapshot returns the current counters.
func (s *Sink) StatsSnapshot() Stats {
	s.mu.Lock()
	buffered := len(s.buffer)
	s.mu.Unlock()
	return Stats{
		Buffered: uint64(buffered),
		Flushed:  s.flushed.Load(),
		Dropped:  s.dropped.Load(),
		Failures: s.failures.Load(),
	}
}
