// Package transport defines the queue substrate the bus runs on: atomic
// push, blocking pop with a per-call timeout, and per-key TTL. Cross-broker
// portability is out of scope, so Transport has exactly one production
// implementation, RedisTransport.
package transport

import (
	"context"
	"time"
)

// Message is an envelope popped off a queue.
type Message struct {
	Body []byte
}

// ErrTimeout is returned by Receive when no message arrived before the
// caller-supplied timeout elapsed. It is not a transport failure.
var ErrTimeout = errTimeout{}

type errTimeout struct{}

func (errTimeout) Error() string { return "transport: receive timed out" }

// Transport is the interface pkg/client and pkg/worker depend on. Any
// broker providing atomic push, blocking pop, and TTL is a valid substrate.
type Transport interface {
	// Push pushes body onto queueName for a consumer to blocking-pop, per
	// the broker's left-push convention.
	Push(ctx context.Context, queueName string, body []byte) error

	// Receive blocks up to timeout waiting for a message on queueName. It
	// returns ErrTimeout (not an error wrapping it) if none arrived in time.
	Receive(ctx context.Context, queueName string, timeout time.Duration) (Message, error)

	// Expire sets a TTL on queueName, the safety net against orphaned
	// response queues.
	Expire(ctx context.Context, queueName string, ttl time.Duration) error

	// Delete removes queueName and any messages on it.
	Delete(ctx context.Context, queueName string) error

	// Close releases the underlying broker connection.
	Close() error
}
