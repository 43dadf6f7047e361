package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"github.com/kevinxiao27/canvas-sync/transport"
)

// Backplane carries stored operations between relay instances.
type Backplane interface {
	Publish(ctx context.Context, msg transport.Message) error
	// Subscribe delivers messages published by any instance until ctx is done.
	Subscribe(ctx context.Context, handle func(transport.Message)) error
}

const backplaneChannel = "canvas:relay"

type RedisBackplane struct {
	rdb *redis.Client
}

func NewRedisBackplane(rdb *redis.Client) *RedisBackplane {
	return &RedisBackplane{rdb: rdb}
}

func (b *RedisBackplane) Publish(ctx context.Context, msg transport.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, backplaneChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.ProjectID, err)
	}
	return nil
}

func (b *RedisBackplane) Subscribe(ctx context.Context, handle func(transport.Message)) error {
	pubsub := b.rdb.Subscribe(ctx, backplaneChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg transport.Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				glog.Infof("[relay]backplane bad message: %s\n", err)
				continue
			}
			handle(msg)
		}
	}
}
