// Package client implements the Producer Client: the three send patterns a
// service uses to talk to another service over the bus. A Client is
// constructed from an injected transport rather than a package-level pool
// and is safe to share across goroutines.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kkvrivishvili/nooble4-bus/pkg/envelope"
	"github.com/kkvrivishvili/nooble4-bus/pkg/queuename"
	"github.com/kkvrivishvili/nooble4-bus/pkg/transport"
)

// Client sends Actions under the three bus patterns. It retains no
// per-call state; a single Client is safe for concurrent use across
// goroutines, since transport.Transport implementations are expected to
// be goroutine-safe.
type Client struct {
	transport      transport.Transport
	authority      *queuename.Authority
	serviceName    string
	defaultTimeout time.Duration
}

// Option configures optional Client behavior at construction time.
type Option func(*Client)

// WithDefaultTimeout sets the timeout SendPseudoSync falls back to when a
// caller passes a zero timeout, typically internal/config.Config's
// DefaultTimeout threaded through from the service's environment.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

// New constructs a Client bound to transport, the naming authority, and
// the producing service's own name (stamped onto every outbound Action as
// origin_service).
func New(t transport.Transport, authority *queuename.Authority, serviceName string, opts ...Option) (*Client, error) {
	if t == nil {
		return nil, fmt.Errorf("client: transport is required")
	}
	if authority == nil {
		return nil, fmt.Errorf("client: authority is required")
	}
	if serviceName == "" {
		return nil, fmt.Errorf("client: serviceName is required")
	}
	c := &Client{transport: t, authority: authority, serviceName: serviceName}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SendAsync implements the fire-and-forget pattern: stamp origin_service,
// resolve the destination queue from the action type's leading segment,
// and non-blocking push.
func (c *Client) SendAsync(ctx context.Context, action *envelope.Action) error {
	action.OriginService = c.serviceName

	body, err := action.Marshal()
	if err != nil {
		return fmt.Errorf("client: marshal action: %w", err)
	}

	queue := c.authority.ActionQueue(action.TargetService())
	if err := c.transport.Push(ctx, queue, body); err != nil {
		return fmt.Errorf("client: send_async push to %s: %w", queue, err)
	}
	return nil
}

// SendPseudoSync implements the request/response pattern. Once the action
// is built, it returns an *envelope.ActionResponse — transport failures,
// timeouts, malformed replies and correlation_id mismatches are
// synthesised into one rather than returned as plain errors, so a caller
// has a uniform success/error envelope to branch on. A plain error is
// returned only before anything is sent: no positive timeout and no
// configured default, a non-canonical correlation_id, or a marshal
// failure.
func (c *Client) SendPseudoSync(ctx context.Context, action *envelope.Action, timeout time.Duration) (*envelope.ActionResponse, error) {
	if timeout <= 0 {
		if c.defaultTimeout <= 0 {
			return nil, fmt.Errorf("client: timeout must be positive (no default_timeout configured via WithDefaultTimeout)")
		}
		timeout = c.defaultTimeout
	}

	action.OriginService = c.serviceName
	if action.CorrelationID == "" {
		action.CorrelationID = uuid.New().String()
	}

	responseQueue, err := c.authority.ResponseQueue(c.serviceName, action.ActionType, action.CorrelationID)
	if err != nil {
		return nil, fmt.Errorf("client: compute response queue: %w", err)
	}
	action.CallbackQueueName = responseQueue
	action.CallbackActionType = ""

	body, err := action.Marshal()
	if err != nil {
		return nil, fmt.Errorf("client: marshal action: %w", err)
	}

	queue := c.authority.ActionQueue(action.TargetService())
	if err := c.transport.Push(ctx, queue, body); err != nil {
		return syntheticResponse(action, envelope.ErrorTypeTransport, fmt.Sprintf("push action: %v", err)), nil
	}

	msg, err := c.transport.Receive(ctx, responseQueue, timeout)
	if err != nil {
		if err == transport.ErrTimeout {
			return syntheticResponse(action, envelope.ErrorTypeTimeout, "pseudo-sync call timed out waiting for response"), nil
		}
		return syntheticResponse(action, envelope.ErrorTypeTransport, fmt.Sprintf("receive response: %v", err)), nil
	}

	resp, err := envelope.UnmarshalActionResponse(msg.Body)
	if err != nil {
		return syntheticResponse(action, envelope.ErrorTypeTransport, fmt.Sprintf("malformed response: %v", err)), nil
	}
	if resp.CorrelationID != action.CorrelationID {
		return syntheticResponse(action, envelope.ErrorTypeValidation, "correlation_id mismatch on response"), nil
	}
	return resp, nil
}

// syntheticResponse builds a locally-synthesised failure ActionResponse
// for cases where no genuine response was ever received.
func syntheticResponse(req *envelope.Action, errType envelope.ErrorType, message string) *envelope.ActionResponse {
	resp, err := envelope.NewErrorResponse(req, envelope.ErrorDetail{
		ErrorType: errType,
		Message:   message,
	})
	if err != nil {
		// NewErrorResponse only fails if req itself is malformed, which
		// SendPseudoSync has already validated via Marshal above.
		panic(fmt.Sprintf("client: synthesize response: %v", err))
	}
	return resp
}

// SendAsyncWithCallback implements the async-with-callback pattern: push
// the action with both callback_queue_name and callback_action_type set,
// the wire signal the responder must emit a new Action rather than an
// ActionResponse.
func (c *Client) SendAsyncWithCallback(ctx context.Context, action *envelope.Action, callbackEventName, callbackActionType, callbackContext string) error {
	action.OriginService = c.serviceName
	action.CallbackQueueName = c.authority.CallbackQueue(c.serviceName, callbackEventName, callbackContext)
	action.CallbackActionType = callbackActionType

	body, err := action.Marshal()
	if err != nil {
		return fmt.Errorf("client: marshal action: %w", err)
	}

	queue := c.authority.ActionQueue(action.TargetService())
	if err := c.transport.Push(ctx, queue, body); err != nil {
		return fmt.Errorf("client: send_async_with_callback push to %s: %w", queue, err)
	}
	return nil
}
