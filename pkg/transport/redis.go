package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTransport implements Transport over Redis lists: LPush to send,
// BRPop to receive (FIFO: a consumer always pops from the opposite end a
// producer pushes to), EXPIRE/DEL for response-queue lifecycle.
type RedisTransport struct {
	client *redis.Client
}

// NewRedisTransport dials addr and verifies connectivity with PING before
// returning, so a misconfigured broker fails fast at startup rather than on
// the first Push/Receive.
func NewRedisTransport(addr, password string, db int) (*RedisTransport, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("transport: connect to redis at %s: %w", addr, err)
	}

	return &RedisTransport{client: client}, nil
}

// NewRedisTransportFromClient wraps an already-constructed *redis.Client,
// letting a service share one connection between its Transport and its
// contextstore.RedisStore.
func NewRedisTransportFromClient(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

// Client returns the underlying go-redis client, for collaborators (such as
// contextstore.RedisStore) that need to share the connection rather than
// open a second one.
func (t *RedisTransport) Client() *redis.Client {
	return t.client
}

func (t *RedisTransport) Push(ctx context.Context, queueName string, body []byte) error {
	if err := t.client.LPush(ctx, queueName, body).Err(); err != nil {
		return fmt.Errorf("transport: push to %s: %w", queueName, err)
	}
	return nil
}

func (t *RedisTransport) Receive(ctx context.Context, queueName string, timeout time.Duration) (Message, error) {
	result, err := t.client.BRPop(ctx, timeout, queueName).Result()
	if errors.Is(err, redis.Nil) {
		return Message{}, ErrTimeout
	}
	if err != nil {
		return Message{}, fmt.Errorf("transport: receive from %s: %w", queueName, err)
	}
	// BRPop returns [key, value]; we only ever wait on one key.
	if len(result) != 2 {
		return Message{}, fmt.Errorf("transport: unexpected BRPOP reply shape for %s", queueName)
	}
	return Message{Body: []byte(result[1])}, nil
}

func (t *RedisTransport) Expire(ctx context.Context, queueName string, ttl time.Duration) error {
	if err := t.client.Expire(ctx, queueName, ttl).Err(); err != nil {
		return fmt.Errorf("transport: expire %s: %w", queueName, err)
	}
	return nil
}

func (t *RedisTransport) Delete(ctx context.Context, queueName string) error {
	if err := t.client.Del(ctx, queueName).Err(); err != nil {
		return fmt.Errorf("transport: delete %s: %w", queueName, err)
	}
	return nil
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}
