// Package feed delivers authoritative record updates pushed by the server.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"trialsync/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisFeed reads record updates from a Redis Pub/Sub channel.
type RedisFeed struct {
	client  *redis.Client
	channel string
	logger  *zerolog.Logger
}

func NewRedisFeed(client *redis.Client, channel string, logger *zerolog.Logger) *RedisFeed {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &RedisFeed{client: client, channel: channel, logger: logger}
}

// Updates subscribes and returns a channel closed when ctx is done.
// Malformed messages are logged and skipped.
func (f *RedisFeed) Updates(ctx context.Context) (<-chan models.RecordUpdate, error) {
	if f.client == nil {
		return nil, errors.New("redis client is nil")
	}
	if f.channel == "" {
		return nil, errors.New("feed channel is required")
	}

	sub := f.client.Subscribe(ctx, f.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", f.channel, err)
	}

	out := make(chan models.RecordUpdate)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var update models.RecordUpdate
				if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil || update.RecordID == "" {
					f.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("skip malformed record update")
					continue
				}
				select {
				case <-ctx.Done():
					return
				case out <- update:
				}
			}
		}
	}()

	f.logger.Info().Str("channel", f.channel).Msg("record update feed subscribed")
	return out, nil
}

// Publish announces an update on the feed channel.
func (f *RedisFeed) Publish(ctx context.Context, update models.RecordUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("encode record update: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel, data).Err(); err != nil {
		return fmt.Errorf("publish record update: %w", err)
	}
	return nil
}
