// Package messaging publishes pipeline notifications, such as recovery
// requests, to a topic-based broker.
package messaging

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
)

// Publisher is the messaging port. Messages sharing an ordering key are
// delivered in publish order where the broker supports it.
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte, orderingKey string) error
}

// Message is a published message.
type Message struct {
	Topic       string
	Data        []byte
	OrderingKey string
}

// Subscriber consumes messages delivered by Memory.
type Subscriber func(ctx context.Context, msg Message) error

// Memory records messages and delivers them synchronously to subscribers.
type Memory struct {
	mu          sync.Mutex
	messages    []Message
	subscribers map[string][]Subscriber
}

// NewMemory returns an empty Memory broker.
func NewMemory() *Memory {
	return &Memory{subscribers: map[string][]Subscriber{}}
}

// Subscribe registers fn for topic.
func (m *Memory) Subscribe(topic string, fn Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers[topic] = append(m.subscribers[topic], fn)
}

func (m *Memory) Publish(ctx context.Context, topic string, data []byte, orderingKey string) error {
	msg := Message{Topic: topic, Data: append([]byte(nil), data...), OrderingKey: orderingKey}
	m.mu.Lock()
	m.messages = append(m.messages, msg)
	subs := append([]Subscriber(nil), m.subscribers[topic]...)
	m.mu.Unlock()

	for _, fn := range subs {
		if err := fn(ctx, msg); err != nil {
			return eris.Wrapf(err, "messaging: deliver to %s", topic)
		}
	}
	return nil
}

// Messages returns everything published to topic.
func (m *Memory) Messages(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.messages {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}
