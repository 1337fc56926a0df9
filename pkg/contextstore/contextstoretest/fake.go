// Package contextstoretest provides an in-memory contextstore.Store for
// unit tests.
package contextstoretest

import (
	"context"
	"sync"
	"time"

	"github.com/kkvrivishvili/nooble4-bus/pkg/contextstore"
)

// FakeStore is a goroutine-safe, in-memory stand-in for contextstore.Store.
// It does not honor TTL expiry; tests that care about expiry should assert
// against ExpiryOf instead.
type FakeStore struct {
	mu     sync.Mutex
	values map[string][]byte
	expiry map[string]time.Time
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		values: make(map[string][]byte),
		expiry: make(map[string]time.Time),
	}
}

func (f *FakeStore) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return nil, contextstore.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (f *FakeStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = append([]byte(nil), value...)
	if ttl > 0 {
		f.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(f.expiry, key)
	}
	return nil
}

func (f *FakeStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, key)
	delete(f.expiry, key)
	return nil
}

// ExpiryOf returns the TTL deadline set on key by Set, if any.
func (f *FakeStore) ExpiryOf(key string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.expiry[key]
	return t, ok
}

// Has reports whether key currently has a stored value.
func (f *FakeStore) Has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.values[key]
	return ok
}
