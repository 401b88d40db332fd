// Package template loads and validates provider templates and per-provider
// user configs, and produces the merged configurations the translators
// consume. A template is a declarative JSON description of a provider's wire
// format; the gateway carries no per-provider Go code.
package template

import "encoding/json"

// HTTPConfig describes how to authenticate and decorate provider requests.
type HTTPConfig struct {
	// AuthHeader is the header carrying the credential, e.g. "Authorization"
	// or "x-api-key". Empty disables the auth header entirely.
	AuthHeader string `json:"auth_header,omitempty"`

	// AuthScheme prefixes the credential, e.g. "Bearer". Empty means the
	// header value is the bare key.
	AuthScheme string `json:"auth_scheme,omitempty"`

	// Headers are additional static headers sent with every request.
	Headers map[string]string `json:"headers,omitempty"`
}

// ChatRequestPaths locates the uniform request fields inside the provider's
// request body. An empty path omits the field rather than defaulting it.
type ChatRequestPaths struct {
	Model       string `json:"model"`
	Messages    string `json:"messages"`
	Temperature string `json:"temperature,omitempty"`
	TopP        string `json:"top_p,omitempty"`
	TypicalP    string `json:"typical_p,omitempty"`
	MaxTokens   string `json:"max_tokens,omitempty"`
	Stream      string `json:"stream,omitempty"`
	Tools       string `json:"tools,omitempty"`
	ToolChoice  string `json:"tool_choice,omitempty"`
}

// ChatResponsePaths locates the uniform response fields inside the provider's
// response body. Choices selects the choice list from the document root; the
// remaining paths resolve relative to the first choice, falling back to the
// document root for providers that keep fields top-level.
type ChatResponsePaths struct {
	Choices      string `json:"choices"`
	Content      string `json:"content"`
	ToolCalls    string `json:"tool_calls,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// ToolCallPaths locates the fields of one tool-call element. Zero values
// fall back to the OpenAI function-call shape.
type ToolCallPaths struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// JSONMode describes how to ask the provider for JSON-only output.
type JSONMode struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

// ChatAPI is the chat-completion section of a provider template.
type ChatAPI struct {
	Endpoint          string            `json:"endpoint"`
	DefaultModel      string            `json:"default_model,omitempty"`
	DefaultParameters json.RawMessage   `json:"default_parameters,omitempty"`
	RequestPaths      ChatRequestPaths  `json:"request_paths"`
	ResponsePaths     ChatResponsePaths `json:"response_paths"`
	ToolPaths         ToolCallPaths     `json:"tool_paths,omitempty"`
	JSONMode          *JSONMode         `json:"json_mode,omitempty"`
}

// ChatTemplate declares a chat provider's wire format.
type ChatTemplate struct {
	Provider         string          `json:"provider"`
	HTTP             HTTPConfig      `json:"http"`
	Chat             ChatAPI         `json:"chat_api"`
	StaticParameters json.RawMessage `json:"static_parameters,omitempty"`
}

// EmbeddingRequestPaths locates the uniform embedding request fields.
type EmbeddingRequestPaths struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// EmbeddingResponsePaths locates the embedding results. DataList selects the
// result array from the root; Embedding and Index resolve relative to each
// element. An empty Index falls back to positional order.
type EmbeddingResponsePaths struct {
	DataList  string `json:"data_list"`
	Embedding string `json:"embedding"`
	Index     string `json:"index,omitempty"`
}

// EmbeddingAPI is the embedding section of a provider template.
type EmbeddingAPI struct {
	Endpoint      string                 `json:"endpoint"`
	DefaultModel  string                 `json:"default_model,omitempty"`
	MaxBatchSize  int                    `json:"max_batch_size,omitempty"`
	RequestPaths  EmbeddingRequestPaths  `json:"request_paths"`
	ResponsePaths EmbeddingResponsePaths `json:"response_paths"`
}

// EmbeddingTemplate declares an embedding provider's wire format.
type EmbeddingTemplate struct {
	Provider         string          `json:"provider"`
	HTTP             HTTPConfig      `json:"http"`
	Embedding        EmbeddingAPI    `json:"embedding_api"`
	StaticParameters json.RawMessage `json:"static_parameters,omitempty"`
}

// UserConfig holds per-provider, host-local credentials and preferences.
// Every field overrides the corresponding template value when present.
type UserConfig struct {
	APIKey           string            `json:"api_key"`
	Model            string            `json:"model,omitempty"`
	Endpoint         string            `json:"endpoint,omitempty"`
	Temperature      *float64          `json:"temperature,omitempty"`
	TopP             *float64          `json:"top_p,omitempty"`
	TypicalP         *float64          `json:"typical_p,omitempty"`
	MaxTokens        *int              `json:"max_tokens,omitempty"`
	ConcurrencyLimit *int              `json:"concurrency_limit,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	StaticParameters json.RawMessage   `json:"static_parameters,omitempty"`
}
