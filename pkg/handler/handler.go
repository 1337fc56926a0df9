// Package handler provides three composable handler shapes: stateless,
// callback-emitting, and context-bearing. They are orthogonal wrappers
// producing a worker.Handler, not a class hierarchy, so a handler can
// compose whichever of these traits it actually needs.
package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kkvrivishvili/nooble4-bus/pkg/client"
	"github.com/kkvrivishvili/nooble4-bus/pkg/contextstore"
	"github.com/kkvrivishvili/nooble4-bus/pkg/envelope"
	"github.com/kkvrivishvili/nooble4-bus/pkg/worker"
)

// Handler is worker.Handler under another name, so callers composing
// handlers in this package don't need to import pkg/worker directly.
type Handler = worker.Handler

// Stateless wraps fn as a Handler with no additional behavior. It exists
// so a handler registry reads uniformly regardless of which shape backs
// each entry.
func Stateless(fn Handler) Handler {
	return fn
}

// Emit originates a further fire-and-forget action as a side effect of
// handling the current one. This is distinct from the worker's own
// automatic callback emission based on envelope fields.
type Emit func(ctx context.Context, action *envelope.Action) error

// WithCallbacks wraps fn, injecting an Emit closure bound to c.SendAsync so
// one incoming action can fan out to many outbound ones.
func WithCallbacks(c *client.Client, fn func(ctx context.Context, action *envelope.Action, ec *worker.ExecutionContext, emit Emit) (any, error)) Handler {
	return func(ctx context.Context, action *envelope.Action, ec *worker.ExecutionContext) (any, error) {
		emit := func(ctx context.Context, a *envelope.Action) error {
			return c.SendAsync(ctx, a)
		}
		return fn(ctx, action, ec, emit)
	}
}

// ContextFunc is the user logic invoked by WithContext: it receives the
// previously stored context (nil on first invocation) and the action's
// data exactly as received, and returns the updated context to persist
// (nil to delete it) plus the response to return. WithContext does not
// validate the data against any schema; decoding and checking it is left
// to the ContextFunc.
type ContextFunc func(ctx context.Context, stored json.RawMessage, data json.RawMessage) (updated json.RawMessage, response any, err error)

// WithContext wraps fn in a read-modify-write cycle: compute a key from
// the action, fetch the stored context (absence is the initial-state
// sentinel), invoke fn, then persist or delete the result.
func WithContext(store contextstore.Store, keyFn func(*envelope.Action) string, fn ContextFunc) Handler {
	return func(ctx context.Context, action *envelope.Action, ec *worker.ExecutionContext) (any, error) {
		key := keyFn(action)

		stored, err := store.Get(ctx, key)
		if err != nil && err != contextstore.ErrNotFound {
			return nil, envelope.NewHandlerError(envelope.ErrorTypeTransport, "", fmt.Errorf("load context %s: %w", key, err))
		}
		var storedRaw json.RawMessage
		if err == nil {
			storedRaw = stored
		}

		updated, response, err := fn(ctx, storedRaw, action.Data)
		if err != nil {
			return nil, err
		}

		if updated == nil {
			if err := store.Delete(ctx, key); err != nil {
				return nil, envelope.NewHandlerError(envelope.ErrorTypeTransport, "", fmt.Errorf("delete context %s: %w", key, err))
			}
		} else {
			if err := store.Set(ctx, key, updated, 0); err != nil {
				return nil, envelope.NewHandlerError(envelope.ErrorTypeTransport, "", fmt.Errorf("persist context %s: %w", key, err))
			}
		}

		return response, nil
	}
}
