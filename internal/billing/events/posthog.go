package events

import (
	"context"
	"errors"
	"time"

	"github.com/posthog/posthog-go"

	"nutrioBack/internal/models"
)

const defaultPostHogEndpoint = "https://app.posthog.com"

// PostHogSink delivers events to PostHog. The underlying client batches
// internally; Close flushes the batch.
type PostHogSink struct {
	client posthog.Client
}

func NewPostHogSink(apiKey, endpoint string) (*PostHogSink, error) {
	if apiKey == "" {
		return nil, errors.New("posthog api key is required")
	}
	if endpoint == "" {
		endpoint = defaultPostHogEndpoint
	}
	client, err := posthog.NewWithConfig(apiKey, posthog.Config{Endpoint: endpoint})
	if err != nil {
		return nil, err
	}
	return &PostHogSink{client: client}, nil
}

func (s *PostHogSink) Emit(ctx context.Context, event models.AnalyticsEvent) error {
	distinctID := event.DistinctID
	if distinctID == "" {
		distinctID = "anonymous"
	}
	props := posthog.NewProperties()
	for key, value := range event.Properties {
		props = props.Set(key, value)
	}
	return s.client.Enqueue(posthog.Capture{
		DistinctId: distinctID,
		Event:      event.Name,
		Properties: props,
		Timestamp:  time.Now(),
	})
}

func (s *PostHogSink) Close() error {
	return s.client.Close()
}
