package events

import (
	"context"
	"sync"
	"time"

	"nutrioBack/internal/models"
)

type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

const defaultBuffer = 256

// Dispatcher decouples producers from sink latency. Emit enqueues and
// returns immediately; a single worker drains the buffer in order. A full
// buffer drops the event rather than stalling a purchase attempt.
type Dispatcher struct {
	sink   Sink
	logger Logger
	buf    chan models.AnalyticsEvent
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(sink Sink, logger Logger, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	d := &Dispatcher{
		sink:   sink,
		logger: logger,
		buf:    make(chan models.AnalyticsEvent, buffer),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for event := range d.buf {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.sink.Emit(ctx, event); err != nil {
			d.logger.Errorf("events: emit %s: %v", event.Name, err)
		}
		cancel()
	}
}

// Emit never blocks and never fails the caller.
func (d *Dispatcher) Emit(ctx context.Context, event models.AnalyticsEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.buf <- event:
	default:
		d.logger.Errorf("events: buffer full, dropping %s", event.Name)
	}
}

// Close stops intake, drains the buffer, and closes the sink.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.buf)
	d.mu.Unlock()

	<-d.done
	return d.sink.Close()
}
