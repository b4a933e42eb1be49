// Package pubsub hands ready requests to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/crawlgate/internal/dispatcher"
)

// Publisher wraps a Pub/Sub topic.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// New connects to projectID and publishes to topicID. PUBSUB_EMULATOR_HOST is
// honored by the client library.
func New(ctx context.Context, projectID, topicID string) (*Publisher, error) {
	if projectID == "" || topicID == "" {
		return nil, errors.New("pubsub handoff requires project and topic")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	return &Publisher{client: client, topic: client.Topic(topicID)}, nil
}

// NewWithTopic wraps an existing topic; Close stops it but leaves the client open.
func NewWithTopic(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Publish marshals ready to JSON and waits for the server-assigned ID. The
// dispatch trace context travels as message attributes as well.
func (p *Publisher) Publish(ctx context.Context, ready dispatcher.Ready) (string, error) {
	if p.topic == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(ready)
	if err != nil {
		return "", fmt.Errorf("marshal ready request: %w", err)
	}

	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"dispatch_id": ready.ID,
			"host":        ready.Host,
			"scheme":      ready.Scheme,
			"port":        strconv.Itoa(ready.Port),
		},
	}
	for k, v := range ready.Trace {
		if _, taken := msg.Attributes[k]; !taken {
			msg.Attributes[k] = v
		}
	}
	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes pending messages and releases the client.
func (p *Publisher) Close() error {
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client != nil {
		if err := p.client.Close(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
	}
	return nil
}
