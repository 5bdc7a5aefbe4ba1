// Package pubsub publishes job notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

type publishFunc func(ctx context.Context, topic string, msg *pubsub.Message) (string, error)

// Publisher implements crawler.Publisher. Topic publishers are created on
// first use and stopped by Close.
type Publisher struct {
	client  *pubsub.Client
	publish publishFunc
	logger  *zap.Logger

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

// New wraps client.
func New(client *pubsub.Client, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{
		client:     client,
		logger:     logger.Named("pubsub_publisher"),
		publishers: make(map[string]*pubsub.Publisher),
	}
	p.publish = p.send
	return p
}

// Publish marshals payload to JSON and waits for the server ack. The trace
// context travels in the message attributes.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", errors.New("publish: topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	attrs := propagation.MapCarrier{"content_type": "application/json"}
	otel.GetTextMapPropagator().Inject(ctx, attrs)

	id, err := p.publish(ctx, topic, &pubsub.Message{Data: data, Attributes: attrs})
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.logger.Debug("notification published", zap.String("topic", topic), zap.String("message_id", id))
	return id, nil
}

func (p *Publisher) send(ctx context.Context, topic string, msg *pubsub.Message) (string, error) {
	if p.client == nil {
		return "", errors.New("pubsub client is not configured")
	}
	p.mu.Lock()
	pub, ok := p.publishers[topic]
	if !ok {
		pub = p.client.Publisher(topic)
		p.publishers[topic] = pub
	}
	p.mu.Unlock()
	return pub.Publish(ctx, msg).Get(ctx)
}

// Close flushes and stops every topic publisher.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for topic, pub := range p.publishers {
		pub.Stop()
		delete(p.publishers, topic)
	}
}
