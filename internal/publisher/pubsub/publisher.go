// Package pubsub publishes import completion notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"google.golang.org/api/option"

	"github.com/JakeFAU/dataimport/internal/importer"
)

// Publisher wraps a Pub/Sub topic handle.
type Publisher struct {
	topic  *pubsub.Topic
	client *pubsub.Client
}

var _ importer.Publisher = (*Publisher)(nil)

// New creates a Publisher for an existing topic handle. The caller owns the client.
func New(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Open connects to projectID and verifies that topicID exists. Close releases the
// client.
func Open(ctx context.Context, projectID, topicID string, opts ...option.ClientOption) (*Publisher, error) {
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("check pubsub topic %q: %w", topicID, err), client.Close())
	}
	if !exists {
		return nil, errors.Join(
			fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID),
			client.Close(),
		)
	}
	return &Publisher{topic: topic, client: client}, nil
}

// Publish marshals the payload to JSON and waits for the server to assign an id. The
// topic argument is informational; messages always go to the configured topic.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.topic == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	attrs := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, attrs)
	if topic != "" {
		attrs["topic"] = topic
	}

	result := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes pending messages and closes the client when Open created it.
func (p *Publisher) Close() error {
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
