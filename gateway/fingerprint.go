package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/petal-labs/relay/core"
	"github.com/petal-labs/relay/template"
)

// Cache key prefixes. Keys are "<kind>:<provider>:<model>:<hash>", so a
// provider's whole footprint can be invalidated by prefix.
const (
	chatKeyPrefix  = "chat"
	embedKeyPrefix = "embed"
)

// chatFingerprint derives the cache and coalescing key for one chat request
// against one merged configuration. Everything that can change the provider
// answer participates; the stream flag does not, so streaming and
// non-streaming callers share entries and in-flight work.
func chatFingerprint(m *template.MergedChat, req *core.ChatRequest) string {
	payload := map[string]any{
		"messages": req.Messages,
		"static":   m.StaticParameters(),
		// The endpoint participates so an override (proxy, local server)
		// never serves entries from the old destination. The key placeholder
		// is normalized: two users of the same keyed endpoint share entries.
		"endpoint": strings.ReplaceAll(m.Endpoint(), "{apiKey}", "{key}"),
	}
	if len(req.Tools) > 0 {
		payload["tools"] = req.Tools
	}
	if req.ForceJSON {
		payload["force_json"] = true
	}
	if req.ConversationID != "" {
		payload["conversation"] = req.ConversationID
	}
	if v, ok := m.Temperature(); ok {
		payload["temperature"] = v
	}
	if v, ok := m.TopP(); ok {
		payload["top_p"] = v
	}
	if v, ok := m.TypicalP(); ok {
		payload["typical_p"] = v
	}
	payload["max_tokens"] = m.MaxTokens()

	return fmt.Sprintf("%s:%s:%s:%s",
		chatKeyPrefix, m.Template.Provider, m.Model(), canonicalHash(payload))
}

// embedFingerprint derives the per-input cache key. Embeddings cache one
// vector per input string, so batches can be served partially from cache.
func embedFingerprint(m *template.MergedEmbedding, input string) string {
	sum := sha256.Sum256([]byte(input))
	return fmt.Sprintf("%s:%s:%s:%s",
		embedKeyPrefix, m.Template.Provider, m.Model(), hex.EncodeToString(sum[:]))
}

// providerPrefix is the invalidation prefix for one provider's entries.
func providerPrefix(kind, provider string) string {
	return kind + ":" + provider + ":"
}

// canonicalHash hashes a payload as canonical JSON. encoding/json writes map
// keys in sorted order, so two payloads that differ only in map iteration or
// construction order hash identically. Nulls and empty containers are pruned
// first, so an absent field and an explicit zero field agree.
func canonicalHash(payload map[string]any) string {
	// Round-trip through generic values so struct fields become maps and
	// pruning sees everything uniformly.
	blob, err := json.Marshal(payload)
	if err != nil {
		// Uniform models are always marshalable; keep a deterministic key
		// anyway rather than panicking in a cache path.
		sum := sha256.Sum256([]byte(fmt.Sprintf("%+v", payload)))
		return hex.EncodeToString(sum[:])
	}
	var generic any
	if err := json.Unmarshal(blob, &generic); err != nil {
		sum := sha256.Sum256(blob)
		return hex.EncodeToString(sum[:])
	}
	pruned := prune(generic)
	canonical, err := json.Marshal(pruned)
	if err != nil {
		canonical = blob
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// prune removes JSON nulls, empty strings, empty objects and empty arrays
// recursively. The result is nil when nothing remains.
func prune(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if p := prune(val); p != nil {
				out[k] = p
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, val := range t {
			if p := prune(val); p != nil {
				out = append(out, p)
			} else {
				// Positions inside arrays are significant; keep a stable
				// placeholder so [a, null, b] and [a, b] stay distinct.
				out = append(out, map[string]any{})
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return t
	case nil:
		return nil
	default:
		return v
	}
}
