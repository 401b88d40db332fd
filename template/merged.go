package template

import (
	"encoding/json"

	"dario.cat/mergo"

	"github.com/petal-labs/relay/core"
)

// Documented merge defaults.
const (
	DefaultChatConcurrency      = 5
	DefaultEmbeddingConcurrency = 4
	DefaultMaxTokens            = 300
	DefaultMaxBatchSize         = 1
)

// MergedChat pairs one chat template with one user config. It is immutable
// for the duration of a call; derived values apply user-over-template
// precedence with the documented defaults.
type MergedChat struct {
	Template *ChatTemplate
	User     *UserConfig

	defaultParams map[string]any
	static        map[string]any
}

// NewMergedChat builds a merged chat config. A nil user config behaves as an
// empty one.
func NewMergedChat(t *ChatTemplate, u *UserConfig) (*MergedChat, error) {
	if u == nil {
		u = &UserConfig{}
	}
	params, err := decodeBlob(t.Chat.DefaultParameters)
	if err != nil {
		return nil, core.NewError(core.ErrInvalidTemplate, t.Provider, "default_parameters: %v", err)
	}
	static, err := mergeStatic(t.StaticParameters, u.StaticParameters, t.Provider)
	if err != nil {
		return nil, err
	}
	return &MergedChat{Template: t, User: u, defaultParams: params, static: static}, nil
}

// APIKey returns the credential. Keys live only in user configs.
func (m *MergedChat) APIKey() string { return m.User.APIKey }

// Endpoint returns the user override or the template endpoint.
func (m *MergedChat) Endpoint() string {
	if m.User.Endpoint != "" {
		return m.User.Endpoint
	}
	return m.Template.Chat.Endpoint
}

// Model returns the user override or the template default model.
func (m *MergedChat) Model() string {
	if m.User.Model != "" {
		return m.User.Model
	}
	return m.Template.Chat.DefaultModel
}

// ConcurrencyLimit returns the admission limit for this provider.
func (m *MergedChat) ConcurrencyLimit() int {
	if m.User.ConcurrencyLimit != nil && *m.User.ConcurrencyLimit > 0 {
		return *m.User.ConcurrencyLimit
	}
	return DefaultChatConcurrency
}

// Temperature resolves user → template default parameters → unset.
func (m *MergedChat) Temperature() (float64, bool) {
	return m.resolveFloat(m.User.Temperature, "temperature")
}

// TopP resolves user → template default parameters → unset.
func (m *MergedChat) TopP() (float64, bool) {
	return m.resolveFloat(m.User.TopP, "top_p")
}

// TypicalP resolves user → template default parameters → unset.
func (m *MergedChat) TypicalP() (float64, bool) {
	return m.resolveFloat(m.User.TypicalP, "typical_p")
}

// MaxTokens resolves user → template default parameters → DefaultMaxTokens.
func (m *MergedChat) MaxTokens() int {
	if m.User.MaxTokens != nil && *m.User.MaxTokens > 0 {
		return *m.User.MaxTokens
	}
	if v, ok := m.defaultParams["max_tokens"]; ok {
		if f, ok := v.(float64); ok && f > 0 {
			return int(f)
		}
	}
	return DefaultMaxTokens
}

// Headers composes template headers with user headers; user wins per key.
func (m *MergedChat) Headers() map[string]string {
	return mergeHeaders(m.Template.HTTP.Headers, m.User.Headers)
}

// StaticParameters returns the deep-merged static body parameters.
// The returned map is shared; callers must not mutate it.
func (m *MergedChat) StaticParameters() map[string]any { return m.static }

// DefaultParameters returns the decoded template default parameters.
func (m *MergedChat) DefaultParameters() map[string]any { return m.defaultParams }

func (m *MergedChat) resolveFloat(user *float64, key string) (float64, bool) {
	if user != nil {
		return *user, true
	}
	if v, ok := m.defaultParams[key]; ok {
		if f, ok := v.(float64); ok {
			return f, true
		}
	}
	return 0, false
}

// MergedEmbedding pairs one embedding template with one user config.
type MergedEmbedding struct {
	Template *EmbeddingTemplate
	User     *UserConfig

	static map[string]any
}

// NewMergedEmbedding builds a merged embedding config.
func NewMergedEmbedding(t *EmbeddingTemplate, u *UserConfig) (*MergedEmbedding, error) {
	if u == nil {
		u = &UserConfig{}
	}
	static, err := mergeStatic(t.StaticParameters, u.StaticParameters, t.Provider)
	if err != nil {
		return nil, err
	}
	return &MergedEmbedding{Template: t, User: u, static: static}, nil
}

// APIKey returns the credential. Keys live only in user configs.
func (m *MergedEmbedding) APIKey() string { return m.User.APIKey }

// Endpoint returns the user override or the template endpoint.
func (m *MergedEmbedding) Endpoint() string {
	if m.User.Endpoint != "" {
		return m.User.Endpoint
	}
	return m.Template.Embedding.Endpoint
}

// Model returns the user override or the template default model.
func (m *MergedEmbedding) Model() string {
	if m.User.Model != "" {
		return m.User.Model
	}
	return m.Template.Embedding.DefaultModel
}

// ConcurrencyLimit returns the admission limit for this provider.
func (m *MergedEmbedding) ConcurrencyLimit() int {
	if m.User.ConcurrencyLimit != nil && *m.User.ConcurrencyLimit > 0 {
		return *m.User.ConcurrencyLimit
	}
	return DefaultEmbeddingConcurrency
}

// MaxBatchSize returns the template batch size, defaulting to 1.
func (m *MergedEmbedding) MaxBatchSize() int {
	if m.Template.Embedding.MaxBatchSize > 0 {
		return m.Template.Embedding.MaxBatchSize
	}
	return DefaultMaxBatchSize
}

// Headers composes template headers with user headers; user wins per key.
func (m *MergedEmbedding) Headers() map[string]string {
	return mergeHeaders(m.Template.HTTP.Headers, m.User.Headers)
}

// StaticParameters returns the deep-merged static body parameters.
func (m *MergedEmbedding) StaticParameters() map[string]any { return m.static }

// decodeBlob parses an opaque JSON object blob into a map.
func decodeBlob(blob json.RawMessage) (map[string]any, error) {
	if len(blob) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(blob, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// mergeStatic deep-merges user static parameters over template ones.
// Nested objects merge key-by-key; arrays are replaced, not concatenated.
func mergeStatic(tmpl, user json.RawMessage, provider string) (map[string]any, error) {
	base, err := decodeBlob(tmpl)
	if err != nil {
		return nil, core.NewError(core.ErrInvalidTemplate, provider, "static_parameters: %v", err)
	}
	over, err := decodeBlob(user)
	if err != nil {
		return nil, core.NewError(core.ErrTranslation, provider, "user static_parameters: %v", err)
	}
	if len(over) == 0 {
		return base, nil
	}
	if err := mergo.Merge(&base, over, mergo.WithOverride); err != nil {
		return nil, core.NewError(core.ErrTranslation, provider, "merging static_parameters: %v", err)
	}
	return base, nil
}

func mergeHeaders(tmpl, user map[string]string) map[string]string {
	out := make(map[string]string, len(tmpl)+len(user))
	for k, v := range tmpl {
		out[k] = v
	}
	for k, v := range user {
		out[k] = v
	}
	return out
}
