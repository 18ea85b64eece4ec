package messaging

import (
	"context"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/rotisserie/eris"
)

// PubSub publishes to Google Cloud Pub/Sub topics with message ordering enabled.
type PubSub struct {
	client *pubsub.Client

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewPubSub creates a Pub/Sub client for projectID.
func NewPubSub(ctx context.Context, projectID string) (*PubSub, error) {
	if projectID == "" {
		return nil, eris.New("messaging: projectID must be provided to create a pubsub client")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, eris.Wrap(err, "messaging: create pubsub client")
	}
	return &PubSub{client: client, topics: map[string]*pubsub.Topic{}}, nil
}

func (p *PubSub) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		t.EnableMessageOrdering = true
		p.topics[name] = t
	}
	return t
}

func (p *PubSub) Publish(ctx context.Context, topic string, data []byte, orderingKey string) error {
	t := p.topic(topic)
	res := t.Publish(ctx, &pubsub.Message{Data: data, OrderingKey: orderingKey})
	if _, err := res.Get(ctx); err != nil {
		if orderingKey != "" {
			// Publishing for a key pauses after an error until resumed.
			t.ResumePublish(orderingKey)
		}
		return eris.Wrapf(err, "messaging: publish to %s", topic)
	}
	return nil
}

// Close flushes pending messages and closes the client.
func (p *PubSub) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.mu.Unlock()
	return p.client.Close()
}
