// Package queuename is the single source of truth for queue name
// construction across the bus. No other package concatenates queue name
// strings: pkg/client and pkg/worker both route through an Authority
// built from this package.
package queuename

import (
	"fmt"
	"regexp"
	"strings"
)

var correlationIDPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// Authority produces canonical queue names from {env, service, kind,
// context} tuples:
//
//	action queue:   {prefix}:{env}:{service}:actions:main
//	response queue: {prefix}:{env}:{client_service}:responses:{action_type}:{correlation_id}
//	callback queue: {prefix}:{env}:{client_service}:callbacks:{event_name}:{context}
type Authority struct {
	prefix string
	env    string
}

// New constructs an Authority for the given platform prefix and deployment
// environment (e.g. New("nooble", "prod")).
func New(prefix, env string) (*Authority, error) {
	if prefix == "" {
		return nil, fmt.Errorf("queuename: prefix must not be empty")
	}
	if env == "" {
		return nil, fmt.Errorf("queuename: env must not be empty")
	}
	return &Authority{prefix: prefix, env: env}, nil
}

// Sanitize replaces dots with underscores, the deterministic rule an
// action_type must follow inside a response queue name. It is exported so
// producers and consumers that need to reason about the sanitised form
// outside this package (e.g. for logging) never hand-roll the replacement.
func Sanitize(actionType string) string {
	return strings.ReplaceAll(actionType, ".", "_")
}

// ActionQueue returns the single action queue for a service.
func (a *Authority) ActionQueue(service string) string {
	return fmt.Sprintf("%s:%s:%s:actions:main", a.prefix, a.env, service)
}

// ResponseQueue returns the ephemeral response queue for one pseudo-sync
// exchange. correlationID must already be in canonical lowercase form.
func (a *Authority) ResponseQueue(clientService, actionType, correlationID string) (string, error) {
	if !correlationIDPattern.MatchString(correlationID) {
		return "", fmt.Errorf("queuename: correlation_id %q must be canonical lowercase", correlationID)
	}
	return fmt.Sprintf("%s:%s:%s:responses:%s:%s", a.prefix, a.env, clientService, Sanitize(actionType), correlationID), nil
}

// CallbackQueue returns the queue a responder pushes a follow-up Action to
// under the async-with-callback pattern.
func (a *Authority) CallbackQueue(clientService, eventName, context string) string {
	return fmt.Sprintf("%s:%s:%s:callbacks:%s:%s", a.prefix, a.env, clientService, eventName, context)
}
