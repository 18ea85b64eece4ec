package messaging

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Kafka publishes to Kafka topics. The ordering key becomes the message key,
// so messages of one key land on one partition.
type Kafka struct {
	writer *kafka.Writer
}

// NewKafka returns a publisher for brokers.
func NewKafka(brokers []string) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, eris.New("messaging: at least one kafka broker is required")
	}
	return &Kafka{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}}, nil
}

func (k *Kafka) Publish(ctx context.Context, topic string, data []byte, orderingKey string) error {
	msg := kafka.Message{Topic: topic, Value: data}
	if orderingKey != "" {
		msg.Key = []byte(orderingKey)
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return eris.Wrapf(err, "messaging: write to kafka topic %s", topic)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

// ConsumerConfig configures Consume.
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Consume reads messages from a consumer group and hands each to fn until ctx
// is cancelled. Offsets are committed after fn returns, whether or not it
// failed: a failing message is logged and skipped, never redelivered.
func Consume(ctx context.Context, cfg ConsumerConfig, fn Subscriber) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	defer reader.Close()

	log := zap.L().With(zap.String("topic", cfg.Topic), zap.String("groupId", cfg.GroupID))
	log.Info("messaging: kafka consumer started")
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
				log.Info("messaging: kafka consumer stopped")
				return nil
			}
			return eris.Wrap(err, "messaging: fetch kafka message")
		}
		msg := Message{Topic: m.Topic, Data: m.Value, OrderingKey: string(m.Key)}
		if err := fn(ctx, msg); err != nil {
			log.Error("messaging: message handler failed",
				zap.String("key", string(m.Key)),
				zap.Int64("offset", m.Offset),
				zap.Error(err),
			)
		}
		if err := reader.CommitMessages(ctx, m); err != nil {
			return eris.Wrap(err, "messaging: commit kafka offset")
		}
	}
}
