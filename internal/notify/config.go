package notify

import (
	"fmt"
	"time"

	"github.com/atalii/ac-mon/internal/domain"
)

// Config holds the configuration for the change notifier.
type Config struct {
	Driver    string // "none", "redis", "kafka"
	QueueSize int
	Redis     RedisConfig
	Kafka     KafkaConfig
}

// RedisConfig holds Redis-specific configuration.
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	Channel      string
	KeyPrefix    string
	PoolSize     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig holds Kafka-specific configuration.
type KafkaConfig struct {
	Brokers    string
	Topic      string
	Partitions int
}

// NewPublisher creates the publisher selected by cfg.Driver.
func NewPublisher(cfg Config) (Publisher, error) {
	switch cfg.Driver {
	case "", "none":
		return NopPublisher{}, nil
	case "redis":
		return NewRedisPublisher(cfg.Redis)
	case "kafka":
		return NewKafkaPublisher(cfg.Kafka)
	default:
		return nil, fmt.Errorf("%w: unknown notify driver %q", domain.ErrConfiguration, cfg.Driver)
	}
}
