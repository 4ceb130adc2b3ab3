package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes change events on a Redis channel and mirrors
// each room's latest status into a hash.
type RedisPublisher struct {
	client    *redis.Client
	channel   string
	keyPrefix string
}

// NewRedisPublisher connects to Redis and returns a publisher.
func NewRedisPublisher(cfg RedisConfig) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newRedisPublisher(client, cfg), nil
}

func newRedisPublisher(client *redis.Client, cfg RedisConfig) *RedisPublisher {
	channel := cfg.Channel
	if channel == "" {
		channel = "monitor:room_updates"
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "monitor"
	}
	return &RedisPublisher{client: client, channel: channel, keyPrefix: prefix}
}

// StatusKey returns the hash key holding roomID's latest status.
func (r *RedisPublisher) StatusKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s:status", r.keyPrefix, roomID)
}

// Publish writes the status hash and publishes the event in one transaction.
func (r *RedisPublisher) Publish(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	st := event.Status
	fields := map[string]interface{}{
		"connection_state": string(st.State),
		"occupancy":        st.Occupancy,
		"host_present":     st.HostPresent,
		"stream_active":    st.StreamActive,
		"access":           string(st.Access),
		"failures":         st.Failures,
		"last_error":       st.LastError,
		"state_changed_at": st.StateChangedAt.UnixMilli(),
	}
	if !st.LastUpdated.IsZero() {
		fields["last_updated"] = st.LastUpdated.UnixMilli()
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.StatusKey(event.RoomID), fields)
	pipe.Publish(ctx, r.channel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish room status: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (r *RedisPublisher) Close() error {
	return r.client.Close()
}
