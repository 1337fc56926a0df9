// Package envelope defines the on-the-wire message shapes shared by every
// service on the bus: the request envelope (Action), the pseudo-synchronous
// reply (ActionResponse), and the error taxonomy carried on failure.
//
// The transport layer never inspects action.Data; it is an opaque payload
// whose schema is owned by action_type and validated by the receiving
// handler.
package envelope

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrorType is the coarse error category carried on the wire. It never
// contains secrets or PII; it exists to let a pseudo-sync caller branch on
// failure kind without parsing message strings.
type ErrorType string

const (
	ErrorTypeNotFound        ErrorType = "NotFound"
	ErrorTypeValidation      ErrorType = "Validation"
	ErrorTypeTimeout         ErrorType = "Timeout"
	ErrorTypeTransport       ErrorType = "Transport"
	ErrorTypeExternalService ErrorType = "ExternalService"
	ErrorTypeInternal        ErrorType = "Internal"
	ErrorTypeUnsupported     ErrorType = "Unsupported"
)

// Two or more dotted segments: the canonical <domain>.<entity>.<verb>
// shape, shorter two-segment types, and derived forms like the
// ".error"-suffixed callback variant.
var actionTypePattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)+$`)

// ErrorDetail is the developer-facing error payload of a failed
// ActionResponse.
type ErrorDetail struct {
	ErrorType ErrorType      `json:"error_type"`
	ErrorCode string         `json:"error_code,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// HandlerError lets a handler attach a precise wire classification to a
// failure instead of falling back to the worker's generic Internal wrap.
type HandlerError struct {
	Type    ErrorType
	Code    string
	Details map[string]any
	Err     error
}

func (e *HandlerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Type, e.Err)
	}
	return string(e.Type)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// NewHandlerError constructs a HandlerError wrapping err with a wire error
// type, e.g. NewHandlerError(ErrorTypeNotFound, "AGENT_NOT_FOUND", err).
func NewHandlerError(t ErrorType, code string, err error) *HandlerError {
	return &HandlerError{Type: t, Code: code, Err: err}
}

// Action is the request envelope carried on the wire.
type Action struct {
	ActionID           string          `json:"action_id"`
	ActionType         string          `json:"action_type"`
	Timestamp          time.Time       `json:"timestamp"`
	TenantID           string          `json:"tenant_id,omitempty"`
	UserID             string          `json:"user_id,omitempty"`
	SessionID          string          `json:"session_id,omitempty"`
	OriginService      string          `json:"origin_service,omitempty"`
	CorrelationID      string          `json:"correlation_id,omitempty"`
	TraceID            string          `json:"trace_id,omitempty"`
	CallbackQueueName  string          `json:"callback_queue_name,omitempty"`
	CallbackActionType string          `json:"callback_action_type,omitempty"`
	Data               json.RawMessage `json:"data"`
	Metadata           map[string]any  `json:"metadata,omitempty"`
}

// Option mutates an Action at construction time, after action_id and
// timestamp are stamped and before trace_id is defaulted and the result
// validated.
type Option func(*Action)

func WithTenant(tenantID string) Option { return func(a *Action) { a.TenantID = tenantID } }
func WithUser(userID string) Option { return func(a *Action) { a.UserID = userID } }
func WithSession(sessionID string) Option { return func(a *Action) { a.SessionID = sessionID } }
func WithTraceID(traceID string) Option { return func(a *Action) { a.TraceID = traceID } }
func WithCorrelationID(id string) Option { return func(a *Action) { a.CorrelationID = id } }
func WithMetadata(md map[string]any) Option {
	return func(a *Action) { a.Metadata = md }
}

// New constructs an Action with a freshly generated action_id, a trace_id if
// one wasn't supplied via WithTraceID, and the construction timestamp. data
// is marshaled to its wire representation; callers that already hold
// json.RawMessage may pass it directly.
func New(actionType string, data any, opts ...Option) (*Action, error) {
	if !actionTypePattern.MatchString(actionType) {
		return nil, fmt.Errorf("envelope: action_type %q must be lowercase dotted segments like <domain>.<entity>.<verb>", actionType)
	}

	raw, err := marshalData(data)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal data: %w", err)
	}

	a := &Action{
		ActionID:   uuid.New().String(),
		ActionType: actionType,
		Timestamp:  time.Now().UTC(),
		Data:       raw,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.TraceID == "" {
		a.TraceID = uuid.New().String()
	}

	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

// Validate enforces the invariants on an Action: a well-formed
// action_type, a non-empty action_id, and a non-zero timestamp. It does
// not (and must not) inspect Data — that is the handler's job.
func (a *Action) Validate() error {
	if a.ActionID == "" {
		return fmt.Errorf("envelope: action_id is required")
	}
	if !actionTypePattern.MatchString(a.ActionType) {
		return fmt.Errorf("envelope: action_type %q must be lowercase dotted segments like <domain>.<entity>.<verb>", a.ActionType)
	}
	if a.Timestamp.IsZero() {
		return fmt.Errorf("envelope: timestamp is required")
	}
	return nil
}

// TargetService returns the leading dotted segment of ActionType, the
// service a producer routes this action to.
func (a *Action) TargetService() string {
	idx := strings.IndexByte(a.ActionType, '.')
	if idx < 0 {
		return a.ActionType
	}
	return a.ActionType[:idx]
}

// Intent describes how the worker should interpret an inbound Action's
// callback fields.
type Intent int

const (
	IntentFireAndForget Intent = iota
	IntentPseudoSync
	IntentAsyncCallback
)

// Intent classifies the envelope purely from its callback fields.
func (a *Action) Intent() Intent {
	switch {
	case a.CallbackQueueName != "" && a.CallbackActionType != "":
		return IntentAsyncCallback
	case a.CallbackQueueName != "":
		return IntentPseudoSync
	default:
		return IntentFireAndForget
	}
}

// Clone returns a deep copy of the Action, so a worker deriving a callback
// or response envelope from an inbound one never mutates the original.
func (a *Action) Clone() *Action {
	clone := *a
	if a.Data != nil {
		clone.Data = append(json.RawMessage(nil), a.Data...)
	}
	if a.Metadata != nil {
		clone.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// Marshal produces the self-describing wire representation of the Action.
func (a *Action) Marshal() ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(a)
}

// UnmarshalAction deserialises bytes into an Action, rejecting malformed or
// incomplete envelopes. Unknown fields are ignored for forward
// compatibility.
//
// correlation_id lives at the envelope root only. Older producers also
// duplicated it inside data; a copy that agrees with the root is ignored
// (root is authoritative), a copy that disagrees is rejected.
func UnmarshalAction(data []byte) (*Action, error) {
	var a Action
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("envelope: unmarshal action: %w", err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if err := checkCorrelationCopy(&a); err != nil {
		return nil, err
	}
	return &a, nil
}

func checkCorrelationCopy(a *Action) error {
	if len(a.Data) == 0 {
		return nil
	}
	var payload struct {
		CorrelationID string `json:"correlation_id"`
	}
	// Non-object payloads can't carry a copy; a decode failure here is fine.
	if err := json.Unmarshal(a.Data, &payload); err != nil {
		return nil
	}
	if payload.CorrelationID != "" && payload.CorrelationID != a.CorrelationID {
		return fmt.Errorf("envelope: correlation_id copy in data %q disagrees with root %q", payload.CorrelationID, a.CorrelationID)
	}
	return nil
}

// ActionResponse is the reply envelope in the pseudo-synchronous pattern.
type ActionResponse struct {
	ActionID      string          `json:"action_id"`
	CorrelationID string          `json:"correlation_id"`
	TraceID       string          `json:"trace_id"`
	Success       bool            `json:"success"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         *ErrorDetail    `json:"error,omitempty"`
}

// NewSuccessResponse builds a successful ActionResponse echoing the request
// envelope's correlating fields.
func NewSuccessResponse(req *Action, data any) (*ActionResponse, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal response data: %w", err)
	}
	resp := &ActionResponse{
		ActionID:      req.ActionID,
		CorrelationID: req.CorrelationID,
		TraceID:       req.TraceID,
		Success:       true,
		Timestamp:     time.Now().UTC(),
		Data:          raw,
	}
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	return resp, nil
}

// NewErrorResponse builds a failed ActionResponse echoing the request
// envelope's correlating fields.
func NewErrorResponse(req *Action, detail ErrorDetail) (*ActionResponse, error) {
	resp := &ActionResponse{
		ActionID:      req.ActionID,
		CorrelationID: req.CorrelationID,
		TraceID:       req.TraceID,
		Success:       false,
		Timestamp:     time.Now().UTC(),
		Error:         &detail,
	}
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	return resp, nil
}

// Validate enforces the root invariant: success=true iff error is absent.
func (r *ActionResponse) Validate() error {
	if r.ActionID == "" {
		return fmt.Errorf("envelope: action_id is required")
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("envelope: timestamp is required")
	}
	if r.Success && r.Error != nil {
		return fmt.Errorf("envelope: success=true response must not carry an error")
	}
	if !r.Success && r.Error == nil {
		return fmt.Errorf("envelope: success=false response must carry an error")
	}
	return nil
}

// Marshal produces the self-describing wire representation of the response.
func (r *ActionResponse) Marshal() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

// UnmarshalActionResponse deserialises bytes into an ActionResponse,
// rejecting malformed or invariant-violating envelopes.
func UnmarshalActionResponse(data []byte) (*ActionResponse, error) {
	var r ActionResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("envelope: unmarshal response: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}
