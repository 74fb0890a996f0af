package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xilidan/minutes/services/minutes/entity"
	"github.com/xilidan/minutes/topics"
)

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisPublisher forwards status events to a Redis pub/sub channel.
type RedisPublisher struct {
	client redisPublisher
	topic  topics.Topic
	log    *slog.Logger
}

func NewRedisPublisher(client redisPublisher, topic topics.Topic, log *slog.Logger) *RedisPublisher {
	return &RedisPublisher{
		client: client,
		topic:  topic,
		log:    log.With(slog.String("component", "event_publisher")),
	}
}

// DialRedis connects to addr and checks the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, ev entity.StatusEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	channel := p.topic.Name()
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		p.log.Error("failed to publish event",
			slog.String("channel", channel),
			slog.String("meeting_id", ev.MeetingID),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}

	p.log.Debug("event published",
		slog.String("channel", channel),
		slog.String("meeting_id", ev.MeetingID),
		slog.String("status", ev.Status))
	return nil
}
