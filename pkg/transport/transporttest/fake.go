// Package transporttest provides an in-memory transport.Transport for unit
// tests that exercise pkg/client and pkg/worker without a live Redis. It
// implements blocking-pop semantics so it satisfies the
// Receive(ctx, queue, timeout) contract exactly. Expire only records the
// TTL deadline (see ExpiryOf); queues never actually expire.
package transporttest

import (
	"context"
	"sync"
	"time"

	"github.com/kkvrivishvili/nooble4-bus/pkg/transport"
)

// FakeTransport is a goroutine-safe, in-memory stand-in for
// transport.Transport.
type FakeTransport struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queues  map[string][][]byte
	expiry  map[string]time.Time
	closed  bool
	pushLog []PushRecord
}

// PushRecord captures one Push call, for assertions about how many pushes
// landed on a queue in aggregate.
type PushRecord struct {
	Queue string
	Body  []byte
}

// NewFakeTransport constructs an empty FakeTransport.
func NewFakeTransport() *FakeTransport {
	f := &FakeTransport{
		queues: make(map[string][][]byte),
		expiry: make(map[string]time.Time),
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *FakeTransport) Push(_ context.Context, queueName string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), body...)
	f.queues[queueName] = append(f.queues[queueName], cp)
	f.pushLog = append(f.pushLog, PushRecord{Queue: queueName, Body: cp})
	f.cond.Broadcast()
	return nil
}

// Receive blocks until a message is available, the timeout elapses
// (returning transport.ErrTimeout), or ctx is cancelled.
func (f *FakeTransport) Receive(ctx context.Context, queueName string, timeout time.Duration) (transport.Message, error) {
	deadline := time.Now().Add(timeout)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			f.mu.Lock()
			f.cond.Broadcast()
			f.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	f.mu.Lock()
	defer f.mu.Unlock()

	for {
		if msgs, ok := f.queues[queueName]; ok && len(msgs) > 0 {
			msg := msgs[0]
			f.queues[queueName] = msgs[1:]
			return transport.Message{Body: msg}, nil
		}
		if ctx.Err() != nil {
			return transport.Message{}, ctx.Err()
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return transport.Message{}, transport.ErrTimeout
		}

		waitDone := make(chan struct{})
		timer := time.AfterFunc(remaining, func() {
			f.mu.Lock()
			f.cond.Broadcast()
			f.mu.Unlock()
			close(waitDone)
		})
		f.cond.Wait()
		timer.Stop()
		select {
		case <-waitDone:
		default:
		}
	}
}

func (f *FakeTransport) Expire(_ context.Context, queueName string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expiry[queueName] = time.Now().Add(ttl)
	return nil
}

func (f *FakeTransport) Delete(_ context.Context, queueName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.queues, queueName)
	delete(f.expiry, queueName)
	return nil
}

func (f *FakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// QueueLength returns the number of pending messages on queueName, for test
// assertions.
func (f *FakeTransport) QueueLength(queueName string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queues[queueName])
}

// ExpiryOf returns the TTL deadline set on queueName by Expire, if any.
func (f *FakeTransport) ExpiryOf(queueName string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.expiry[queueName]
	return t, ok
}

// Pushes returns a copy of every Push call observed so far, in order.
func (f *FakeTransport) Pushes() []PushRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PushRecord, len(f.pushLog))
	copy(out, f.pushLog)
	return out
}
