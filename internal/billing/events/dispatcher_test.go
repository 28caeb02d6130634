package events

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"nutrioBack/internal/models"
)

type captureSink struct {
	mu     sync.Mutex
	events []models.AnalyticsEvent
	closed bool
}

func (s *captureSink) Emit(ctx context.Context, e models.AnalyticsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *captureSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type blockingSink struct {
	captureSink
	started chan struct{}
	release chan struct{}
}

func (s *blockingSink) Emit(ctx context.Context, e models.AnalyticsEvent) error {
	s.started <- struct{}{}
	<-s.release
	return s.captureSink.Emit(ctx, e)
}

type nopLogger struct{}

func (nopLogger) Infof(format string, args ...interface{})  {}
func (nopLogger) Errorf(format string, args ...interface{}) {}

func TestDispatcherDeliversInOrder(t *testing.T) {
	sink := &captureSink{}
	d := NewDispatcher(sink, nopLogger{}, 8)

	for i := 0; i < 5; i++ {
		d.Emit(context.Background(), models.AnalyticsEvent{Name: "e" + strconv.Itoa(i), DistinctID: "42"})
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if len(sink.events) != 5 {
		t.Fatalf("expected 5 delivered events, got %d", len(sink.events))
	}
	for i, e := range sink.events {
		if want := "e" + strconv.Itoa(i); e.Name != want {
			t.Fatalf("event %d: expected %s, got %s", i, want, e.Name)
		}
	}
	if !sink.closed {
		t.Fatal("expected sink closed")
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	sink := &blockingSink{
		started: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
	d := NewDispatcher(sink, nopLogger{}, 1)

	// Worker takes the first event and blocks inside the sink.
	d.Emit(context.Background(), models.AnalyticsEvent{Name: "a"})
	<-sink.started

	// Buffer holds one; the third emit has nowhere to go and is dropped.
	d.Emit(context.Background(), models.AnalyticsEvent{Name: "b"})
	d.Emit(context.Background(), models.AnalyticsEvent{Name: "c"})

	close(sink.release)
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if len(sink.events) != 2 {
		t.Fatalf("expected 2 delivered events, got %d", len(sink.events))
	}
	if sink.events[0].Name != "a" || sink.events[1].Name != "b" {
		t.Fatalf("unexpected delivery order: %s, %s", sink.events[0].Name, sink.events[1].Name)
	}
}

func TestDispatcherEmitAfterClose(t *testing.T) {
	sink := &captureSink{}
	d := NewDispatcher(sink, nopLogger{}, 4)
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Must not panic and must not deliver.
	d.Emit(context.Background(), models.AnalyticsEvent{Name: "late"})
	if len(sink.events) != 0 {
		t.Fatalf("expected no deliveries after close, got %d", len(sink.events))
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
