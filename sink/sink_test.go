package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wesense-earth/wesense-ingester-meshtastic/record"
)

type fakeWriter struct {
	mu        sync.Mutex
	batches   [][]record.Enriched
	failTimes int
}

func (f *fakeWriter) WriteBatch(_ context.Context, rows []record.Enriched) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTimes > 0 {
		f.failTimes--
		return errors.New("simulated failure")
	}
	cp := make([]record.Enriched, len(rows))
	copy(cp, rows)
	f.batches = append(f.batches, cp)
	return nil
}

func makeReading(id string) record.Enriched {
	return record.Enriched{
		Reading: record.Reading{DeviceID: id, ReadingType: "temperature", Value: 1, Timestamp: time.Now()},
		Country: "unknown", Subdivision: "unknown",
	}
}

func TestFlushesAtExactBatchSize(t *testing.T) {
	w := &fakeWriter{}
	s := New(w, nil, "wesense/v1", nil)

	for i := 0; i < FlushSize; i++ {
		s.Add(makeReading("d"))
	}
	select {
	case <-s.flushNow:
	default:
		t.Fatalf("expected flush trigger at exactly FlushSize records")
	}
	s.Flush(context.Background())

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.batches) != 1 || len(w.batches[0]) != FlushSize {
		t.Fatalf("expected a single batch of %d rows, got %v", FlushSize, w.batches)
	}
}

func TestFlushRetriesThenSucceeds(t *testing.T) {
	w := &fakeWriter{failTimes: 2}
	s := New(w, nil, "wesense/v1", nil)
	s.Add(makeReading("d"))

	done := make(chan struct{})
	go func() {
		s.Flush(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("flush with retries did not complete in time")
	}

	stats := s.StatsSnapshot()
	if stats.Flushed != 1 {
		t.Fatalf("expected the batch to eventually succeed, stats=%+v", stats)
	}
}

// The context ends during the backoff after the first failed attempt,
// which drops the batch the same way exhausting RetryMaxAttempts does.
func TestFlushDropsBatchWhenContextEndsDuringRetry(t *testing.T) {
	w := &fakeWriter{failTimes: RetryMaxAttempts + 10}
	s := New(w, nil, "wesense/v1", nil)
	s.Add(makeReading("d"))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	s.Flush(ctx)

	stats := s.StatsSnapshot()
	if stats.Dropped == 0 || stats.Failures == 0 {
		t.Fatalf("expected batch to be dropped with a recorded failure, stats=%+v", stats)
	}
}

func TestEmptyBufferFlushIsNoop(t *testing.T) {
	w := &fakeWriter{}
	s := New(w, nil, "wesense/v1", nil)
	s.Flush(context.Background())
	if len(w.batches) != 0 {
		t.Fatalf("flushing an empty buffer should not write anything")
	}
}

func TestTopicFormat(t *testing.T) {
	r := record.Enriched{
		Reading: record.Reading{DeviceID: "meshtastic_abc123", ReadingType: "temperature"},
		Country: "nz", Subdivision: "auk",
	}
	want := "wesense/v1/nz/auk/meshtastic_abc123/temperature"
	if r.Topic() != want {
		t.Fatalf("topic = %s, want %s", r.Topic(), want)
	}
}
