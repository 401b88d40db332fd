package translate

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/petal-labs/relay/core"
	"github.com/petal-labs/relay/template"
)

// apiKeyPlaceholder is substituted into endpoints that carry the key in the
// URL (e.g. Gemini-style "?key={apiKey}").
const apiKeyPlaceholder = "{apiKey}"

// BuildChatRequest translates a uniform chat request into a fully formed
// provider HTTP request according to the merged template.
func BuildChatRequest(m *template.MergedChat, req *core.ChatRequest) (*http.Request, error) {
	paths := m.Template.Chat.RequestPaths
	provider := m.Template.Provider

	body, err := json.Marshal(m.StaticParameters())
	if err != nil {
		return nil, core.NewError(core.ErrTranslation, provider, "static parameters: %v", err)
	}

	if body, err = setPath(body, paths.Model, m.Model()); err != nil {
		return nil, core.NewError(core.ErrTranslation, provider, "setting model: %v", err)
	}

	// Dynamic parameters: user → template defaults → unset. A nil path
	// omits the field regardless of any resolved value.
	if paths.Temperature != "" {
		if v, ok := m.Temperature(); ok {
			if body, err = setPath(body, paths.Temperature, v); err != nil {
				return nil, core.NewError(core.ErrTranslation, provider, "setting temperature: %v", err)
			}
		}
	}
	if paths.TopP != "" {
		if v, ok := m.TopP(); ok {
			if body, err = setPath(body, paths.TopP, v); err != nil {
				return nil, core.NewError(core.ErrTranslation, provider, "setting top_p: %v", err)
			}
		}
	}
	if paths.TypicalP != "" {
		if v, ok := m.TypicalP(); ok {
			if body, err = setPath(body, paths.TypicalP, v); err != nil {
				return nil, core.NewError(core.ErrTranslation, provider, "setting typical_p: %v", err)
			}
		}
	}
	if paths.MaxTokens != "" {
		if body, err = setPath(body, paths.MaxTokens, m.MaxTokens()); err != nil {
			return nil, core.NewError(core.ErrTranslation, provider, "setting max_tokens: %v", err)
		}
	}

	if body, err = setPath(body, paths.Messages, wireMessages(req.Messages)); err != nil {
		return nil, core.NewError(core.ErrTranslation, provider, "setting messages: %v", err)
	}

	if req.Stream && paths.Stream != "" {
		if body, err = setPath(body, paths.Stream, true); err != nil {
			return nil, core.NewError(core.ErrTranslation, provider, "setting stream: %v", err)
		}
	}

	if len(req.Tools) > 0 && paths.Tools != "" {
		if body, err = setPath(body, paths.Tools, wireTools(req.Tools)); err != nil {
			return nil, core.NewError(core.ErrTranslation, provider, "setting tools: %v", err)
		}
		if paths.ToolChoice != "" {
			if body, err = setPath(body, paths.ToolChoice, "auto"); err != nil {
				return nil, core.NewError(core.ErrTranslation, provider, "setting tool_choice: %v", err)
			}
		}
	}

	if req.ForceJSON && m.Template.Chat.JSONMode != nil {
		jm := m.Template.Chat.JSONMode
		if body, err = setRawPath(body, jm.Path, jm.Value); err != nil {
			return nil, core.NewError(core.ErrTranslation, provider, "setting json mode: %v", err)
		}
	}

	return newJSONRequest(m.Endpoint(), m.APIKey(), m.Headers(), m.Template.HTTP, body, provider)
}

// BuildEmbeddingRequest translates one embedding batch into a provider HTTP
// request according to the merged template.
func BuildEmbeddingRequest(m *template.MergedEmbedding, inputs []string) (*http.Request, error) {
	paths := m.Template.Embedding.RequestPaths
	provider := m.Template.Provider

	body, err := json.Marshal(m.StaticParameters())
	if err != nil {
		return nil, core.NewError(core.ErrTranslation, provider, "static parameters: %v", err)
	}
	if body, err = setPath(body, paths.Model, m.Model()); err != nil {
		return nil, core.NewError(core.ErrTranslation, provider, "setting model: %v", err)
	}
	if body, err = setPath(body, paths.Input, inputs); err != nil {
		return nil, core.NewError(core.ErrTranslation, provider, "setting input: %v", err)
	}

	return newJSONRequest(m.Endpoint(), m.APIKey(), m.Headers(), m.Template.HTTP, body, provider)
}

// wireMessages maps uniform messages onto the provider messages array.
// Tool calls ride in the OpenAI function shape, the de-facto interchange
// form; providers with a different shape override via static parameters.
func wireMessages(msgs []core.Message) []map[string]any {
	out := make([]map[string]any, len(msgs))
	for i, msg := range msgs {
		m := map[string]any{
			"role":    string(msg.Role),
			"content": msg.Content,
		}
		if msg.Role == core.RoleAssistant && len(msg.ToolCalls) > 0 {
			m["tool_calls"] = wireToolCalls(msg.ToolCalls)
		}
		if msg.Role == core.RoleTool {
			m["tool_call_id"] = msg.ToolCallID
		}
		out[i] = m
	}
	return out
}

func wireToolCalls(calls []core.ToolCall) []map[string]any {
	out := make([]map[string]any, len(calls))
	for i, c := range calls {
		typ := c.Type
		if typ == "" {
			typ = "function"
		}
		out[i] = map[string]any{
			"id":   c.ID,
			"type": typ,
			"function": map[string]any{
				"name":      c.Name,
				"arguments": c.Arguments,
			},
		}
	}
	return out
}

func wireTools(tools []core.ToolDefinition) []map[string]any {
	out := make([]map[string]any, len(tools))
	for i, t := range tools {
		fn := map[string]any{"name": t.Name}
		if t.Description != "" {
			fn["description"] = t.Description
		}
		if len(t.Parameters) > 0 {
			fn["parameters"] = json.RawMessage(t.Parameters)
		}
		out[i] = map[string]any{"type": "function", "function": fn}
	}
	return out
}

// newJSONRequest assembles the POST with composed headers. The endpoint may
// carry an {apiKey} placeholder; the auth header is added only when a key is
// configured.
func newJSONRequest(endpoint, apiKey string, headers map[string]string, httpCfg template.HTTPConfig, body []byte, provider string) (*http.Request, error) {
	url := strings.ReplaceAll(endpoint, apiKeyPlaceholder, apiKey)

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, core.NewError(core.ErrTranslation, provider, "building request: %v", err)
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" && httpCfg.AuthHeader != "" {
		value := apiKey
		if httpCfg.AuthScheme != "" {
			value = httpCfg.AuthScheme + " " + apiKey
		}
		req.Header.Set(httpCfg.AuthHeader, value)
	}
	return req, nil
}
