// Package worker implements the Consumer Worker: a single-threaded
// cooperative receive loop that blocking-pops envelopes from one action
// queue, dispatches them to a registered handler, and emits a response or
// callback based on envelope intent.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kkvrivishvili/nooble4-bus/pkg/client"
	"github.com/kkvrivishvili/nooble4-bus/pkg/envelope"
	"github.com/kkvrivishvili/nooble4-bus/pkg/queuename"
	"github.com/kkvrivishvili/nooble4-bus/pkg/transport"
)

// receiveTimeout bounds each blocking pop so a stop signal is observed
// promptly.
const receiveTimeout = time.Second

// transportBackoff is the bounded sleep after a transport error before the
// loop retries.
const transportBackoff = 5 * time.Second

// responseQueueTTL is set on a pseudo-sync response queue after the worker
// pushes to it. Callback queues get no TTL.
const responseQueueTTL = 300 * time.Second

// ExecutionContext is the read-only companion handed to a handler
// alongside the Action it is dispatched for. It never crosses the wire.
type ExecutionContext struct {
	TenantID   string
	SessionID  string
	TenantTier string
	TraceID    string
	ActionID   string
}

// Handler is the user-provided callable invoked per action type. It
// returns a result to be marshaled as the response/callback payload, or
// an error — ideally a *envelope.HandlerError carrying a precise wire
// classification.
type Handler func(ctx context.Context, action *envelope.Action, ec *ExecutionContext) (any, error)

// Metrics is the narrow instrumentation surface the worker drives; see
// internal/metrics for the concrete Prometheus-backed implementation. A
// nil Metrics is valid; Worker nil-checks every call.
type Metrics interface {
	RecordMessageReceived(queue, transportName string)
	RecordMessageProcessed(queue, status string)
	RecordMessageSent(destQueue, msgType string)
	RecordMessageFailed(queue, reason string)
	RecordProcessingDuration(actionType string, d time.Duration)
	RecordRuntimeError(queue, errorType string)
}

// Builder constructs a Worker with an explicit handler registry: each
// action type must be registered by name, and an unregistered type is
// rejected at dispatch time rather than resolved by naming convention.
type Builder struct {
	transport   transport.Transport
	authority   *queuename.Authority
	serviceName string
	producer    *client.Client
	metrics     Metrics
	handlers    map[string]Handler
}

// NewBuilder starts a Worker build for serviceName, consuming from its one
// action queue.
func NewBuilder(t transport.Transport, authority *queuename.Authority, serviceName string) *Builder {
	return &Builder{
		transport:   t,
		authority:   authority,
		serviceName: serviceName,
		handlers:    make(map[string]Handler),
	}
}

// WithProducer attaches a Producer Client so handlers can originate
// outbound actions of their own.
func (b *Builder) WithProducer(c *client.Client) *Builder {
	b.producer = c
	return b
}

// WithMetrics attaches a Metrics recorder. Omit it for a metrics-less
// worker.
func (b *Builder) WithMetrics(m Metrics) *Builder {
	b.metrics = m
	return b
}

// Register binds actionType to handler. Registering the same action type
// twice overwrites the prior binding.
func (b *Builder) Register(actionType string, h Handler) *Builder {
	b.handlers[actionType] = h
	return b
}

// Build validates the builder state and produces a Worker.
func (b *Builder) Build() (*Worker, error) {
	if b.transport == nil {
		return nil, fmt.Errorf("worker: transport is required")
	}
	if b.authority == nil {
		return nil, fmt.Errorf("worker: authority is required")
	}
	if b.serviceName == "" {
		return nil, fmt.Errorf("worker: serviceName is required")
	}
	handlers := make(map[string]Handler, len(b.handlers))
	for k, v := range b.handlers {
		handlers[k] = v
	}
	return &Worker{
		transport:   b.transport,
		authority:   b.authority,
		serviceName: b.serviceName,
		producer:    b.producer,
		metrics:     b.metrics,
		handlers:    handlers,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

// Worker drives the receive loop for one service instance. Multiple
// Worker instances, in the same or different processes, may run
// against the same action queue; the broker's atomic blocking pop provides
// competing-consumer semantics across them.
type Worker struct {
	transport   transport.Transport
	authority   *queuename.Authority
	serviceName string
	producer    *client.Client
	metrics     Metrics
	handlers    map[string]Handler

	initOnce sync.Once

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// initialise is the one-shot initialisation step, run under a sync.Once
// guard. In this core its body is empty and it is not exposed for
// overriding: services that need service-scoped resources acquire them
// themselves before calling Run.
func (w *Worker) initialise() {
	w.initOnce.Do(func() {})
}

// Run enters the receive loop and blocks until Stop is called or ctx is
// cancelled. It calls initialise() exactly once first.
func (w *Worker) Run(ctx context.Context) error {
	w.initialise()
	defer close(w.done)

	queue := w.authority.ActionQueue(w.serviceName)

	for {
		select {
		case <-w.stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := w.transport.Receive(ctx, queue, receiveTimeout)
		if err != nil {
			if err == transport.ErrTimeout {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("worker: transport error receiving action", "queue", queue, "error", err)
			w.recordFailed(queue, "transport_error")
			select {
			case <-time.After(transportBackoff):
			case <-w.stop:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		w.recordReceived(queue)

		action, err := envelope.UnmarshalAction(msg.Body)
		if err != nil {
			slog.Error("worker: discarding malformed action", "queue", queue, "error", err)
			w.recordFailed(queue, "malformed_envelope")
			continue
		}

		w.dispatch(ctx, action)
	}
}

// Stop signals the receive loop to exit, waiting up to gracePeriod for an
// in-flight action to finish. If the loop hasn't exited by then, Stop
// returns anyway — the loop's own select on ctx.Done()/w.stop will still
// observe the signal on its next iteration.
func (w *Worker) Stop(gracePeriod time.Duration) {
	w.stopOnce.Do(func() { close(w.stop) })

	select {
	case <-w.done:
	case <-time.After(gracePeriod):
	}
}

func (w *Worker) dispatch(ctx context.Context, action *envelope.Action) {
	intent := action.Intent()
	ec := &ExecutionContext{
		TenantID:   action.TenantID,
		SessionID:  action.SessionID,
		TenantTier: tenantTier(action),
		TraceID:    action.TraceID,
		ActionID:   action.ActionID,
	}

	handler, ok := w.handlers[action.ActionType]
	var (
		result any
		hErr   error
	)
	if !ok {
		hErr = envelope.NewHandlerError(envelope.ErrorTypeUnsupported, "", fmt.Errorf("no handler registered for action_type %q", action.ActionType))
	} else {
		start := time.Now()
		result, hErr = w.invoke(ctx, handler, action, ec)
		w.recordDuration(action.ActionType, time.Since(start))
	}

	if hErr != nil {
		slog.Error("worker: handler failed", "action_id", action.ActionID, "action_type", action.ActionType, "error", hErr)
		w.recordRuntimeError(w.authority.ActionQueue(w.serviceName), string(classify(hErr).ErrorType))
	}

	w.emit(ctx, intent, action, result, hErr)
}

// tenantTierMetadataKey is the conventional Metadata entry carrying the
// tenant tier; Action has no dedicated field for it.
const tenantTierMetadataKey = "tenant_tier"

// tenantTier reads the conventional tenant_tier metadata annotation, if
// the producer set one. Absence is not an error: not every flow carries a
// tier, and ExecutionContext.TenantTier is simply empty in that case.
func tenantTier(action *envelope.Action) string {
	if action.Metadata == nil {
		return ""
	}
	tier, _ := action.Metadata[tenantTierMetadataKey].(string)
	return tier
}

// invoke recovers a handler panic into an Internal error, so one
// misbehaving handler never takes down the worker loop. The panic value is
// logged keyed by action_id; the wire message stays generic.
func (w *Worker) invoke(ctx context.Context, h Handler, action *envelope.Action, ec *ExecutionContext) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker: handler panicked", "action_id", action.ActionID, "action_type", action.ActionType, "panic", r)
			err = envelope.NewHandlerError(envelope.ErrorTypeInternal, "", fmt.Errorf("internal error"))
		}
	}()
	return h(ctx, action, ec)
}

func (w *Worker) emit(ctx context.Context, intent envelope.Intent, action *envelope.Action, result any, hErr error) {
	switch intent {
	case envelope.IntentFireAndForget:
		w.recordProcessed(action, hErr)
		return

	case envelope.IntentPseudoSync:
		w.emitResponse(ctx, action, result, hErr)
		w.recordProcessed(action, hErr)

	case envelope.IntentAsyncCallback:
		w.emitCallback(ctx, action, result, hErr)
		w.recordProcessed(action, hErr)
	}
}

func (w *Worker) emitResponse(ctx context.Context, action *envelope.Action, result any, hErr error) {
	var (
		resp *envelope.ActionResponse
		err  error
	)
	if hErr != nil {
		resp, err = envelope.NewErrorResponse(action, classify(hErr))
	} else {
		resp, err = envelope.NewSuccessResponse(action, result)
	}
	if err != nil {
		slog.Error("worker: failed to construct response envelope", "action_id", action.ActionID, "error", err)
		return
	}

	body, err := resp.Marshal()
	if err != nil {
		slog.Error("worker: failed to marshal response", "action_id", action.ActionID, "error", err)
		return
	}

	if err := w.transport.Push(ctx, action.CallbackQueueName, body); err != nil {
		slog.Error("worker: failed to push response", "queue", action.CallbackQueueName, "error", err)
		w.recordFailed(action.CallbackQueueName, "push_response")
		return
	}
	if err := w.transport.Expire(ctx, action.CallbackQueueName, responseQueueTTL); err != nil {
		slog.Error("worker: failed to set response queue TTL", "queue", action.CallbackQueueName, "error", err)
	}
	w.recordSent(action.CallbackQueueName, "response")
}

func (w *Worker) emitCallback(ctx context.Context, action *envelope.Action, result any, hErr error) {
	var (
		callback *envelope.Action
		err      error
	)
	if hErr != nil {
		callback, err = envelope.New(action.CallbackActionType+".error", map[string]any{
			"error":              classify(hErr),
			"original_action_id": action.ActionID,
		}, envelope.WithCorrelationID(action.CorrelationID), envelope.WithTraceID(action.TraceID))
	} else {
		callback, err = envelope.New(action.CallbackActionType, result,
			envelope.WithCorrelationID(action.CorrelationID), envelope.WithTraceID(action.TraceID))
	}
	if err != nil {
		slog.Error("worker: failed to construct callback envelope", "action_id", action.ActionID, "error", err)
		return
	}
	callback.OriginService = w.serviceName
	callback.TenantID = action.TenantID
	callback.UserID = action.UserID
	callback.SessionID = action.SessionID

	body, err := callback.Marshal()
	if err != nil {
		slog.Error("worker: failed to marshal callback", "action_id", action.ActionID, "error", err)
		return
	}

	if err := w.transport.Push(ctx, action.CallbackQueueName, body); err != nil {
		slog.Error("worker: failed to push callback", "queue", action.CallbackQueueName, "error", err)
		w.recordFailed(action.CallbackQueueName, "push_callback")
		return
	}
	w.recordSent(action.CallbackQueueName, "callback")
}

// classify turns a handler-returned error into a wire ErrorDetail: a
// *envelope.HandlerError's classification is used verbatim; anything else
// is wrapped as Internal with the original error kept out of the wire
// message.
func classify(err error) envelope.ErrorDetail {
	if hErr, ok := err.(*envelope.HandlerError); ok {
		return envelope.ErrorDetail{
			ErrorType: hErr.Type,
			ErrorCode: hErr.Code,
			Message:   hErr.Error(),
			Details:   hErr.Details,
		}
	}
	return envelope.ErrorDetail{
		ErrorType: envelope.ErrorTypeInternal,
		Message:   "internal error",
	}
}

func (w *Worker) recordReceived(queue string) {
	if w.metrics != nil {
		w.metrics.RecordMessageReceived(queue, "redis")
	}
}

func (w *Worker) recordFailed(queue, reason string) {
	if w.metrics != nil {
		w.metrics.RecordMessageFailed(queue, reason)
	}
}

func (w *Worker) recordSent(queue, msgType string) {
	if w.metrics != nil {
		w.metrics.RecordMessageSent(queue, msgType)
	}
}

func (w *Worker) recordDuration(actionType string, d time.Duration) {
	if w.metrics != nil {
		w.metrics.RecordProcessingDuration(actionType, d)
	}
}

func (w *Worker) recordRuntimeError(queue, errorType string) {
	if w.metrics != nil {
		w.metrics.RecordRuntimeError(queue, errorType)
	}
}

func (w *Worker) recordProcessed(action *envelope.Action, hErr error) {
	if w.metrics == nil {
		return
	}
	status := "success"
	if hErr != nil {
		status = "error"
	}
	w.metrics.RecordMessageProcessed(w.authority.ActionQueue(w.serviceName), status)
}
