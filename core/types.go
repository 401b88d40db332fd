// Package core provides the uniform request/response models shared by every
// Relay component, the error taxonomy, and the logger port.
package core

import "encoding/json"

// Role represents a message participant role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool" // For tool result messages
)

// FinishReason describes why a chat response terminated.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
	FinishStreamEnd     FinishReason = "stream_end"
)

// Message represents a single message in a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set only on assistant messages that request tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a RoleTool message to the call it answers.
	// Required when Role is RoleTool.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall represents a tool invocation requested by the model.
// Arguments is the raw JSON argument string, preserved without reformatting.
type ToolCall struct {
	ID        string `json:"id"`
	Type      string `json:"type,omitempty"` // typically "function"
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a tool the model may call.
// Parameters is a JSON-schema-shaped document passed through verbatim.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatRequest represents a uniform chat-completion request.
type ChatRequest struct {
	Messages []Message        `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`

	// ForceJSON asks the provider for a JSON-only response when the
	// provider's template declares a JSON mode.
	ForceJSON bool `json:"force_json,omitempty"`

	// Stream requests incremental delivery.
	Stream bool `json:"stream,omitempty"`

	// ConversationID is an opaque caller tag used only for logging and
	// cache scoping. It never reaches the provider.
	ConversationID string `json:"conversation_id,omitempty"`
}

// Validate checks the structural invariants of the request.
func (r *ChatRequest) Validate() error {
	if len(r.Messages) == 0 {
		return ErrNoMessages
	}
	for _, m := range r.Messages {
		if m.Role == RoleTool && m.ToolCallID == "" {
			return ErrToolCallIDRequired
		}
	}
	return nil
}

// ChatResponse represents a uniform chat-completion response.
// Message.Role is always RoleAssistant.
type ChatResponse struct {
	FinishReason FinishReason `json:"finish_reason"`
	Message      Message      `json:"message"`
}

// HasToolCalls reports whether the response contains any tool calls.
func (r *ChatResponse) HasToolCalls() bool {
	return len(r.Message.ToolCalls) > 0
}

// ChatChunk represents one incremental unit of a streaming response.
// The terminal chunk of a stream carries a non-empty FinishReason; every
// other chunk leaves it empty.
type ChatChunk struct {
	ContentDelta string       `json:"content_delta,omitempty"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
}

// Terminal reports whether the chunk closes its stream.
func (c ChatChunk) Terminal() bool {
	return c.FinishReason != ""
}

// ChatStream represents a streaming chat response.
//
// Channel rules:
//   - Producers MUST close Ch, Err, and Final when finished
//   - On context cancellation, producers MUST terminate promptly and close channels
//   - Err emits at most one error
//   - Final emits exactly once on success (or zero times on setup failure)
//   - The last chunk delivered on Ch is the terminal chunk
type ChatStream struct {
	// Ch emits chunks in provider order. Closed when the stream ends.
	Ch <-chan ChatChunk

	// Err emits at most one error. Closed when the stream ends.
	Err <-chan error

	// Final receives the aggregated response after the stream completes.
	Final <-chan *ChatResponse
}
