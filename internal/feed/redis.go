package feed

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "chatverse:"

// Redis fans notifications out across server instances over pub/sub.
type Redis struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedis(client *redis.Client, log *zap.Logger) *Redis {
	return &Redis{client: client, log: log}
}

func (r *Redis) Publish(ctx context.Context, topic string) error {
	if err := r.client.Publish(ctx, channelPrefix+topic, "changed").Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	pubsub := r.client.Subscribe(ctx, channelPrefix+topic)
	// Wait for confirmation that subscription is created before publishing anything.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	out := make(chan Event, 1)
	out <- Event{Resync: true}

	// go-redis re-subscribes after a dropped connection and reports it as
	// a new *redis.Subscription on this channel.
	in := pubsub.ChannelWithSubscriptions()
	go func() {
		defer close(out)
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				switch m := msg.(type) {
				case *redis.Subscription:
					if m.Kind == "subscribe" {
						r.log.Debug("feed resubscribed", zap.String("topic", topic))
						notify(out, Event{Resync: true})
					}
				case *redis.Message:
					notify(out, Event{})
				}
			}
		}
	}()
	return out, nil
}
