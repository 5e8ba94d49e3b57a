// Package conversation holds the per-user message log driven by the
// assistant backend.
//
// The log is append-only with one exception: slot 0 (the clock preamble) and
// slot 1 (the base assistant context) are rewritten in place at the start of
// every turn. Everything after slot 1 is immutable once appended.
package conversation

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Role values for conversation messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one entry in the conversation log.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// Conversation is a per-user message log. It is safe for concurrent reads;
// writers are expected to hold the per-user turn lock, but internal state is
// still guarded so a misbehaving caller cannot tear the log.
type Conversation struct {
	mu       sync.RWMutex
	messages []Message
}

// New creates a conversation seeded with the clock preamble and base context.
func New(clockPreamble, baseContext string) *Conversation {
	return &Conversation{
		messages: []Message{
			{Role: RoleSystem, Content: clockPreamble},
			{Role: RoleSystem, Content: baseContext},
		},
	}
}

// SetClock rewrites slot 0 in place with a fresh clock preamble.
func (c *Conversation) SetClock(preamble string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages[0].Content = preamble
}

// SetBaseContext rewrites slot 1 in place with the rebuilt system prompt
// (assistant charter + personal context + behavior addendum).
func (c *Conversation) SetBaseContext(content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages[1].Content = content
}

// Append adds messages to the end of the log.
func (c *Conversation) Append(msgs ...Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msgs...)
}

// AppendUser appends a user message.
func (c *Conversation) AppendUser(content string) {
	c.Append(Message{Role: RoleUser, Content: content})
}

// Clear resets the log to just the two system slots.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = c.messages[:2]
}

// Len returns the number of messages, including the two system slots.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// Snapshot returns a copy of the current log.
func (c *Conversation) Snapshot() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// CheckToolPairing verifies the tool-call invariant: every role=tool message
// references a tool-call id declared by an earlier assistant message, and
// every declared id is answered exactly once before the next assistant
// message. Used by tests and by the orchestrator's torn-state guard.
func CheckToolPairing(msgs []Message) error {
	pending := map[string]bool{}
	for i, msg := range msgs {
		switch msg.Role {
		case RoleAssistant:
			for id := range pending {
				return fmt.Errorf("message %d: tool call %s never answered before next assistant message", i, id)
			}
			for _, call := range msg.ToolCalls {
				pending[call.ID] = true
			}
		case RoleTool:
			if !pending[msg.ToolCallID] {
				return fmt.Errorf("message %d: tool result %q has no pending tool call", i, msg.ToolCallID)
			}
			delete(pending, msg.ToolCallID)
		}
	}
	for id := range pending {
		return fmt.Errorf("tool call %s never answered", id)
	}
	return nil
}
