// Package modules defines the contract every capability module obeys and the
// host that exposes a module over the provider wire protocol.
package modules

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Complexity tiers, matching the LLM adapter's model indices.
const (
	ComplexityLow    = 0
	ComplexityMedium = 1
	ComplexityHigh   = 2
)

// ToolSpec describes one named tool with its JSON-schema parameter spec.
// Names are unique process-wide.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	Strict      bool
}

// Module is a cohesive group of tools with a shared description, system
// context, and complexity tier.
//
// Invoke dispatches a tool by name with raw JSON arguments; the host has
// already validated them against the tool's schema. Invalid input discovered
// inside the tool is reported with ErrorResult, not an error return: an error
// return means the provider itself failed.
type Module interface {
	Name() string
	Describe() string
	Complexity() int
	SystemContext() string
	Tools() []ToolSpec
	Invoke(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error)
}

// Notifier is implemented by modules that surface a user-visible status
// string. An empty status means "nothing worth surfacing".
type Notifier interface {
	Notification() (status string, at time.Time)
}

// Consigner is implemented by modules that append a JSON snippet to the
// execute-phase system prompt (e.g. todo's live list names).
type Consigner interface {
	PromptConsign() (string, bool)
}

// Refresher is implemented by modules that pull upstream data on a timer.
// RefreshInterval is consulted before every cycle so modules may randomize it.
type Refresher interface {
	Refresh(ctx context.Context) error
	RefreshInterval() time.Duration
}

// Personal is implemented by modules whose data is per-user.
type Personal interface {
	IsPersonal() bool
}

// Status is a small helper modules embed to publish their notification
// surface. The zero value is usable.
type Status struct {
	mu sync.Mutex
	at time.Time
	s  string
}

// Set publishes a new status string, stamping it with the current time.
// Setting the same string again still bumps the timestamp.
func (s *Status) Set(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s = status
	s.at = time.Now()
}

// Clear resets the status to "nothing worth surfacing".
func (s *Status) Clear() {
	s.Set("")
}

// Notification returns the current status and its timestamp.
func (s *Status) Notification() (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.s, s.at
}

// ErrorResult builds the uniform tool failure payload. The model sees it and
// can self-correct on the next turn.
func ErrorResult(message string) json.RawMessage {
	payload, _ := json.Marshal(map[string]string{"status": "error", "message": message})
	return payload
}

// SuccessResult builds the uniform tool success payload for mutations.
func SuccessResult(message string) json.RawMessage {
	out := map[string]string{"status": "success"}
	if message != "" {
		out["message"] = message
	}
	payload, _ := json.Marshal(out)
	return payload
}

// Marshal serializes a tool return value, falling back to an error payload
// when the value cannot be encoded.
func Marshal(v any) json.RawMessage {
	payload, err := json.Marshal(v)
	if err != nil {
		return ErrorResult("unserializable tool result: " + err.Error())
	}
	return payload
}
