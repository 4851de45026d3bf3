package epoch

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	counterKey     = "veridian:graph_epoch"
	counterChannel = "veridian:graph_epoch:bumps"
)

// redisCounter shares one counter across control-plane processes via a
// Redis INCR, with pub/sub fan-out of bump notifications.
type redisCounter struct {
	client redis.UniversalClient
}

// NewRedis dials Redis and returns a shared Counter.
func NewRedis(ctx context.Context, addr, password string, db int) (Counter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &redisCounter{client: client}, nil
}

func (c *redisCounter) Current(ctx context.Context) (uint64, error) {
	v, err := c.client.Get(ctx, counterKey).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

func (c *redisCounter) Bump(ctx context.Context) (uint64, error) {
	n, err := c.client.Incr(ctx, counterKey).Result()
	if err != nil {
		return 0, err
	}
	if err := c.client.Publish(ctx, counterChannel, n).Err(); err != nil {
		log.Warn().Err(err).Msg("epoch_bump_publish_failed")
	}
	return uint64(n), nil
}

func (c *redisCounter) Watch(ctx context.Context) (<-chan uint64, func()) {
	ch := make(chan uint64, 1)
	sub := c.client.Subscribe(ctx, counterChannel)
	go func() {
		for msg := range sub.Channel() {
			n, err := strconv.ParseUint(msg.Payload, 10, 64)
			if err != nil {
				log.Warn().Err(err).Str("payload", msg.Payload).Msg("epoch_bump_decode_failed")
				continue
			}
			select {
			case ch <- n:
			default:
			}
		}
	}()
	cancel := func() {
		_ = sub.Close()
		close(ch)
	}
	return ch, cancel
}
