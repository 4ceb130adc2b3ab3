package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	pkglog "github.com/atalii/ac-mon/pkg/log"
)

const queueFullRetry = 50 * time.Millisecond

// producer is the part of *kafka.Producer the publisher drives.
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
}

// KafkaPublisher produces change events to a Kafka topic keyed by room id,
// so each room's events stay ordered within a partition. Publish waits for
// the broker's delivery report or the caller's deadline.
type KafkaPublisher struct {
	producer producer
	topic    string
	doneCh   chan struct{}
}

// NewKafkaPublisher creates a producer for cfg.Topic.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	logger := pkglog.L()

	partitions := cfg.Partitions
	if partitions <= 0 {
		partitions = 4
	}
	if err := ensureTopic(cfg.Brokers, cfg.Topic, partitions); err != nil {
		logger.Warn().Err(err).Str("topic", cfg.Topic).Msg("failed to ensure kafka topic (may already exist)")
	}

	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"acks":              "1",
		"linger.ms":         5,
		"compression.type":  "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return newKafkaPublisher(p, cfg.Topic), nil
}

func newKafkaPublisher(p producer, topic string) *KafkaPublisher {
	kp := &KafkaPublisher{
		producer: p,
		topic:    topic,
		doneCh:   make(chan struct{}),
	}
	go kp.watchEvents()
	return kp
}

func ensureTopic(brokers, topic string, partitions int) error {
	admin, err := kafka.NewAdminClient(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
	})
	if err != nil {
		return fmt.Errorf("failed to create admin client: %w", err)
	}
	defer admin.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{
		{
			Topic:             topic,
			NumPartitions:     partitions,
			ReplicationFactor: 1,
		},
	})
	if err != nil {
		return err
	}

	for _, result := range results {
		if result.Error.Code() != kafka.ErrNoError && result.Error.Code() != kafka.ErrTopicAlreadyExists {
			return fmt.Errorf("failed to create topic %s: %v", result.Topic, result.Error)
		}
	}
	return nil
}

// watchEvents logs producer-level errors. Delivery reports go to the
// per-message channel passed to Produce.
func (kp *KafkaPublisher) watchEvents() {
	logger := pkglog.L()
	for e := range kp.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				logger.Error().Err(ev.TopicPartition.Error).Str(pkglog.FieldRoomID, string(ev.Key)).Msg("kafka delivery failed")
			}
		case kafka.Error:
			logger.Error().Err(ev).Bool("fatal", ev.IsFatal()).Msg("kafka producer error")
		}
	}
	close(kp.doneCh)
}

// Publish produces event and waits for its delivery report. A full local
// queue is retried until ctx expires.
func (kp *KafkaPublisher) Publish(ctx context.Context, event *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &kp.topic,
			Partition: kafka.PartitionAny,
		},
		Key:       []byte(event.RoomID),
		Value:     value,
		Timestamp: event.Timestamp,
		Headers:   []kafka.Header{{Key: "event_type", Value: []byte(event.Type)}},
	}

	delivery := make(chan kafka.Event, 1)
	for {
		err := kp.producer.Produce(msg, delivery)
		if err == nil {
			break
		}
		var kerr kafka.Error
		if !errors.As(err, &kerr) || kerr.Code() != kafka.ErrQueueFull {
			return fmt.Errorf("failed to produce message: %w", err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("kafka queue full: %w", ctx.Err())
		case <-time.After(queueFullRetry):
		}
	}

	select {
	case e := <-delivery:
		if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			return fmt.Errorf("kafka delivery failed: %w", m.TopicPartition.Error)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("kafka delivery not confirmed: %w", ctx.Err())
	}
}

// Close flushes pending messages and closes the producer.
func (kp *KafkaPublisher) Close() error {
	kp.producer.Flush(5000)
	kp.producer.Close()
	<-kp.doneCh
	return nil
}
