package events

import (
	"context"

	"nutrioBack/internal/models"
)

// Sink delivers one analytics event to its destination. Delivery failures
// are the sink's problem to report; callers never branch on them.
type Sink interface {
	Emit(ctx context.Context, event models.AnalyticsEvent) error
	Close() error
}

// NopSink swallows events. Used when analytics is unconfigured and in tests.
type NopSink struct{}

func (NopSink) Emit(ctx context.Context, event models.AnalyticsEvent) error { return nil }

func (NopSink) Close() error { return nil }
