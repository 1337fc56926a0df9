package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkvrivishvili/nooble4-bus/pkg/client"
	"github.com/kkvrivishvili/nooble4-bus/pkg/envelope"
	"github.com/kkvrivishvili/nooble4-bus/pkg/queuename"
	"github.com/kkvrivishvili/nooble4-bus/pkg/transport/transporttest"
)

func newHarness(t *testing.T) (*transporttest.FakeTransport, *queuename.Authority) {
	t.Helper()
	ft := transporttest.NewFakeTransport()
	authority, err := queuename.New("nooble", "dev")
	require.NoError(t, err)
	return ft, authority
}

func TestPseudoSync_Success(t *testing.T) {
	ft, authority := newHarness(t)

	b, err := NewBuilder(ft, authority, "mgmt").
		Register("mgmt.agent.get_config", func(ctx context.Context, action *envelope.Action, ec *ExecutionContext) (any, error) {
			return map[string]string{"name": "bot", "model": "m"}, nil
		}).Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()
	defer b.Stop(time.Second)

	c, err := client.New(ft, authority, "orchestrator")
	require.NoError(t, err)

	action, err := envelope.New("mgmt.agent.get_config", map[string]string{"agent_id": "a1", "tenant_id": "t1"})
	require.NoError(t, err)

	resp, err := c.SendPseudoSync(context.Background(), action, 5*time.Second)
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, action.CorrelationID, resp.CorrelationID)
	assert.Equal(t, action.TraceID, resp.TraceID)

	var data map[string]string
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, "bot", data["name"])
	assert.Equal(t, "m", data["model"])
}

// No worker is running, so the call must time out.
func TestPseudoSync_Timeout(t *testing.T) {
	ft, authority := newHarness(t)
	c, err := client.New(ft, authority, "orchestrator")
	require.NoError(t, err)

	action, err := envelope.New("mgmt.agent.get_config", map[string]string{"agent_id": "a1"})
	require.NoError(t, err)

	start := time.Now()
	resp, err := c.SendPseudoSync(context.Background(), action, 150*time.Millisecond)
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, envelope.ErrorTypeTimeout, resp.Error.ErrorType)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
}

func TestPseudoSync_HandlerErrorClassifiedOnResponse(t *testing.T) {
	ft, authority := newHarness(t)

	b, err := NewBuilder(ft, authority, "mgmt").
		Register("mgmt.agent.get_config", func(ctx context.Context, action *envelope.Action, ec *ExecutionContext) (any, error) {
			return nil, envelope.NewHandlerError(envelope.ErrorTypeNotFound, "AGENT_NOT_FOUND", fmt.Errorf("agent a2 not found"))
		}).Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()
	defer b.Stop(time.Second)

	c, err := client.New(ft, authority, "orchestrator")
	require.NoError(t, err)

	action, err := envelope.New("mgmt.agent.get_config", map[string]string{"agent_id": "a2"})
	require.NoError(t, err)

	resp, err := c.SendPseudoSync(context.Background(), action, 5*time.Second)
	require.NoError(t, err)

	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, envelope.ErrorTypeNotFound, resp.Error.ErrorType)
	assert.Equal(t, "AGENT_NOT_FOUND", resp.Error.ErrorCode)
}

func TestAsyncCallback_Success(t *testing.T) {
	ft, authority := newHarness(t)

	b, err := NewBuilder(ft, authority, "embed").
		Register("embed.generate", func(ctx context.Context, action *envelope.Action, ec *ExecutionContext) (any, error) {
			return map[string]any{"embeddings": []float64{0.1, 0.2}}, nil
		}).Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()
	defer b.Stop(time.Second)

	c, err := client.New(ft, authority, "orchestrator")
	require.NoError(t, err)

	action, err := envelope.New("embed.generate", map[string]any{"texts": []string{"hi"}})
	require.NoError(t, err)

	require.NoError(t, c.SendAsyncWithCallback(context.Background(), action, "embed_done", "ingest.embeddings_ready", "task-7"))

	callbackQueue := "nooble:dev:orchestrator:callbacks:embed_done:task-7"
	var body []byte
	require.Eventually(t, func() bool {
		if ft.QueueLength(callbackQueue) == 0 {
			return false
		}
		msg, err := ft.Receive(context.Background(), callbackQueue, 10*time.Millisecond)
		if err != nil {
			return false
		}
		body = msg.Body
		return true
	}, 2*time.Second, 10*time.Millisecond)

	var callback envelope.Action
	require.NoError(t, json.Unmarshal(body, &callback))
	assert.Equal(t, "ingest.embeddings_ready", callback.ActionType)
	assert.Equal(t, action.CorrelationID, callback.CorrelationID)
	assert.Equal(t, action.TraceID, callback.TraceID)
}

func TestAsyncCallback_FailureEmitsErrorSuffixedAction(t *testing.T) {
	ft, authority := newHarness(t)

	b, err := NewBuilder(ft, authority, "embed").
		Register("embed.generate", func(ctx context.Context, action *envelope.Action, ec *ExecutionContext) (any, error) {
			return nil, envelope.NewHandlerError(envelope.ErrorTypeExternalService, "", fmt.Errorf("embedding provider unreachable"))
		}).Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()
	defer b.Stop(time.Second)

	c, err := client.New(ft, authority, "orchestrator")
	require.NoError(t, err)

	action, err := envelope.New("embed.generate", map[string]any{"texts": []string{"hi"}})
	require.NoError(t, err)

	require.NoError(t, c.SendAsyncWithCallback(context.Background(), action, "embed_done", "ingest.embeddings_ready", "task-7"))

	callbackQueue := "nooble:dev:orchestrator:callbacks:embed_done:task-7"
	var body []byte
	require.Eventually(t, func() bool {
		if ft.QueueLength(callbackQueue) == 0 {
			return false
		}
		msg, err := ft.Receive(context.Background(), callbackQueue, 10*time.Millisecond)
		if err != nil {
			return false
		}
		body = msg.Body
		return true
	}, 2*time.Second, 10*time.Millisecond)

	var callback envelope.Action
	require.NoError(t, json.Unmarshal(body, &callback))
	assert.Equal(t, "ingest.embeddings_ready.error", callback.ActionType)

	var data struct {
		Error            envelope.ErrorDetail `json:"error"`
		OriginalActionID string               `json:"original_action_id"`
	}
	require.NoError(t, json.Unmarshal(callback.Data, &data))
	assert.Equal(t, envelope.ErrorTypeExternalService, data.Error.ErrorType)
	assert.Equal(t, action.ActionID, data.OriginalActionID)
}

// The .error suffix composes with a canonical three-segment
// callback_action_type as well, producing a four-segment variant.
func TestAsyncCallback_FailureWithThreeSegmentCallbackActionType(t *testing.T) {
	ft, authority := newHarness(t)

	b, err := NewBuilder(ft, authority, "embed").
		Register("embed.generate", func(ctx context.Context, action *envelope.Action, ec *ExecutionContext) (any, error) {
			return nil, envelope.NewHandlerError(envelope.ErrorTypeExternalService, "", fmt.Errorf("embedding provider unreachable"))
		}).Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()
	defer b.Stop(time.Second)

	c, err := client.New(ft, authority, "orchestrator")
	require.NoError(t, err)

	action, err := envelope.New("embed.generate", map[string]any{"texts": []string{"hi"}})
	require.NoError(t, err)

	require.NoError(t, c.SendAsyncWithCallback(context.Background(), action, "embed_done", "ingest.embeddings.ready", "task-8"))

	callbackQueue := "nooble:dev:orchestrator:callbacks:embed_done:task-8"
	var body []byte
	require.Eventually(t, func() bool {
		msg, err := ft.Receive(context.Background(), callbackQueue, 10*time.Millisecond)
		if err != nil {
			return false
		}
		body = msg.Body
		return true
	}, 2*time.Second, 10*time.Millisecond)

	var callback envelope.Action
	require.NoError(t, json.Unmarshal(body, &callback))
	assert.Equal(t, "ingest.embeddings.ready.error", callback.ActionType)

	var data struct {
		Error            envelope.ErrorDetail `json:"error"`
		OriginalActionID string               `json:"original_action_id"`
	}
	require.NoError(t, json.Unmarshal(callback.Data, &data))
	assert.Equal(t, envelope.ErrorTypeExternalService, data.Error.ErrorType)
	assert.Equal(t, action.ActionID, data.OriginalActionID)
}

// The responder sets a TTL on the response queue when pushing, so an
// orphaned queue (waiter already timed out) is reclaimed by the broker.
func TestPseudoSync_ResponseQueueTTLSet(t *testing.T) {
	ft, authority := newHarness(t)

	b, err := NewBuilder(ft, authority, "mgmt").
		Register("mgmt.agent.get_config", func(ctx context.Context, action *envelope.Action, ec *ExecutionContext) (any, error) {
			return map[string]string{"ok": "true"}, nil
		}).Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()
	defer b.Stop(time.Second)

	c, err := client.New(ft, authority, "orchestrator")
	require.NoError(t, err)
	action, err := envelope.New("mgmt.agent.get_config", nil)
	require.NoError(t, err)

	resp, err := c.SendPseudoSync(context.Background(), action, 2*time.Second)
	require.NoError(t, err)
	require.True(t, resp.Success)

	responseQueue, err := authority.ResponseQueue("orchestrator", action.ActionType, action.CorrelationID)
	require.NoError(t, err)
	// The responder sets the TTL right after pushing; the waiter may pop
	// before that happens, so poll rather than assert immediately.
	require.Eventually(t, func() bool {
		_, ok := ft.ExpiryOf(responseQueue)
		return ok
	}, time.Second, 5*time.Millisecond, "response queue should have a TTL set by the responder")
}

// A panicking handler is converted into an Internal error response; the
// panic message never reaches the wire and the loop keeps running.
func TestHandlerPanic_RecoveredAsInternalError(t *testing.T) {
	ft, authority := newHarness(t)

	b, err := NewBuilder(ft, authority, "mgmt").
		Register("mgmt.agent.get_config", func(ctx context.Context, action *envelope.Action, ec *ExecutionContext) (any, error) {
			panic("secret internal state")
		}).Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()
	defer b.Stop(time.Second)

	c, err := client.New(ft, authority, "orchestrator")
	require.NoError(t, err)
	action, err := envelope.New("mgmt.agent.get_config", nil)
	require.NoError(t, err)

	resp, err := c.SendPseudoSync(context.Background(), action, 2*time.Second)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, envelope.ErrorTypeInternal, resp.Error.ErrorType)
	assert.NotContains(t, resp.Error.Message, "secret internal state")
}

// A malformed push is discarded, and the next valid envelope is still
// processed normally.
func TestMalformedEnvelope_DiscardedWithoutDisruptingTheLoop(t *testing.T) {
	ft, authority := newHarness(t)

	var invocations int
	var mu sync.Mutex
	b, err := NewBuilder(ft, authority, "mgmt").
		Register("mgmt.agent.get_config", func(ctx context.Context, action *envelope.Action, ec *ExecutionContext) (any, error) {
			mu.Lock()
			invocations++
			mu.Unlock()
			return map[string]string{"ok": "true"}, nil
		}).Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()
	defer b.Stop(time.Second)

	queue := authority.ActionQueue("mgmt")
	require.NoError(t, ft.Push(context.Background(), queue, []byte("not json at all")))

	c, err := client.New(ft, authority, "orchestrator")
	require.NoError(t, err)
	action, err := envelope.New("mgmt.agent.get_config", nil)
	require.NoError(t, err)

	resp, err := c.SendPseudoSync(context.Background(), action, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, resp.Success)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, invocations)
}

// An action type with no registered handler responds with an Unsupported
// classification rather than hanging or panicking.
func TestUnsupportedActionType(t *testing.T) {
	ft, authority := newHarness(t)

	b, err := NewBuilder(ft, authority, "mgmt").Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()
	defer b.Stop(time.Second)

	c, err := client.New(ft, authority, "orchestrator")
	require.NoError(t, err)
	action, err := envelope.New("mgmt.agent.get_config", nil)
	require.NoError(t, err)

	resp, err := c.SendPseudoSync(context.Background(), action, 2*time.Second)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, envelope.ErrorTypeUnsupported, resp.Error.ErrorType)
}

// A fire-and-forget send has no callback queue to check a response landed
// on, so this asserts only that the handler ran.
func TestFireAndForget_HandlerInvokedNoReplyExpected(t *testing.T) {
	ft, authority := newHarness(t)

	invoked := make(chan struct{}, 1)
	b, err := NewBuilder(ft, authority, "mgmt").
		Register("mgmt.agent.touch", func(ctx context.Context, action *envelope.Action, ec *ExecutionContext) (any, error) {
			invoked <- struct{}{}
			return nil, nil
		}).Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()
	defer b.Stop(time.Second)

	c, err := client.New(ft, authority, "orchestrator")
	require.NoError(t, err)
	action, err := envelope.New("mgmt.agent.touch", nil)
	require.NoError(t, err)

	require.NoError(t, c.SendAsync(context.Background(), action))

	select {
	case <-invoked:
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}
}

// N workers sharing an action queue and M pushes should produce exactly M
// handler invocations in aggregate, never more and never fewer.
func TestCompetingConsumers(t *testing.T) {
	ft, authority := newHarness(t)

	var mu sync.Mutex
	var invocations int
	makeWorker := func() *Worker {
		b, err := NewBuilder(ft, authority, "management").
			Register("mgmt.agent.touch", func(ctx context.Context, action *envelope.Action, ec *ExecutionContext) (any, error) {
				mu.Lock()
				invocations++
				mu.Unlock()
				return nil, nil
			}).Build()
		require.NoError(t, err)
		return b
	}

	const numWorkers = 3
	const numMessages = 20

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workers := make([]*Worker, numWorkers)
	for i := range workers {
		workers[i] = makeWorker()
		go func(w *Worker) { _ = w.Run(ctx) }(workers[i])
	}
	defer func() {
		for _, w := range workers {
			w.Stop(time.Second)
		}
	}()

	queue := authority.ActionQueue("management")
	for i := 0; i < numMessages; i++ {
		action, err := envelope.New("mgmt.agent.touch", nil)
		require.NoError(t, err)
		body, err := action.Marshal()
		require.NoError(t, err)
		require.NoError(t, ft.Push(context.Background(), queue, body))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return invocations == numMessages
	}, 3*time.Second, 10*time.Millisecond)
}

// The tenant_tier business-context annotation rides in Metadata (Action
// has no dedicated field for it) and is surfaced to the handler on
// ExecutionContext.TenantTier.
func TestExecutionContext_TenantTierFromMetadata(t *testing.T) {
	ft, authority := newHarness(t)

	var gotTier string
	b, err := NewBuilder(ft, authority, "mgmt").
		Register("mgmt.agent.get_config", func(ctx context.Context, action *envelope.Action, ec *ExecutionContext) (any, error) {
			gotTier = ec.TenantTier
			return map[string]string{"ok": "true"}, nil
		}).Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()
	defer b.Stop(time.Second)

	c, err := client.New(ft, authority, "orchestrator")
	require.NoError(t, err)

	action, err := envelope.New("mgmt.agent.get_config", nil,
		envelope.WithMetadata(map[string]any{"tenant_tier": "enterprise"}))
	require.NoError(t, err)

	resp, err := c.SendPseudoSync(context.Background(), action, 2*time.Second)
	require.NoError(t, err)
	require.True(t, resp.Success)
	assert.Equal(t, "enterprise", gotTier)
}

// Absence of the tenant_tier metadata key leaves ExecutionContext.TenantTier
// at its zero value rather than erroring.
func TestExecutionContext_TenantTierAbsentWhenNoMetadata(t *testing.T) {
	ft, authority := newHarness(t)

	var gotTier string
	tierSeen := false
	b, err := NewBuilder(ft, authority, "mgmt").
		Register("mgmt.agent.get_config", func(ctx context.Context, action *envelope.Action, ec *ExecutionContext) (any, error) {
			gotTier = ec.TenantTier
			tierSeen = true
			return map[string]string{"ok": "true"}, nil
		}).Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()
	defer b.Stop(time.Second)

	c, err := client.New(ft, authority, "orchestrator")
	require.NoError(t, err)

	action, err := envelope.New("mgmt.agent.get_config", nil)
	require.NoError(t, err)

	resp, err := c.SendPseudoSync(context.Background(), action, 2*time.Second)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.True(t, tierSeen)
	assert.Empty(t, gotTier)
}

// Across a two-hop async-callback chain, trace_id stays identical
// throughout and correlation_id is preserved into the callback.
func TestIDPropagation_AcrossAsyncCallback(t *testing.T) {
	ft, authority := newHarness(t)

	b, err := NewBuilder(ft, authority, "embed").
		Register("embed.generate", func(ctx context.Context, action *envelope.Action, ec *ExecutionContext) (any, error) {
			assert.Equal(t, ec.TraceID, action.TraceID)
			return map[string]string{"ok": "true"}, nil
		}).Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()
	defer b.Stop(time.Second)

	c, err := client.New(ft, authority, "orchestrator")
	require.NoError(t, err)
	action, err := envelope.New("embed.generate", nil, envelope.WithTraceID("trace-xyz"))
	require.NoError(t, err)

	require.NoError(t, c.SendAsyncWithCallback(context.Background(), action, "embed_done", "ingest.embeddings_ready", "task-9"))

	callbackQueue := "nooble:dev:orchestrator:callbacks:embed_done:task-9"
	var body []byte
	require.Eventually(t, func() bool {
		msg, err := ft.Receive(context.Background(), callbackQueue, 10*time.Millisecond)
		if err != nil {
			return false
		}
		body = msg.Body
		return true
	}, 2*time.Second, 10*time.Millisecond)

	var callback envelope.Action
	require.NoError(t, json.Unmarshal(body, &callback))
	assert.Equal(t, "trace-xyz", callback.TraceID)
	assert.Equal(t, action.CorrelationID, callback.CorrelationID)
}
