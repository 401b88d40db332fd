package gateway

import (
	"encoding/json"
	"testing"

	"github.com/petal-labs/relay/core"
	"github.com/petal-labs/relay/template"
)

func mergedForFingerprint(t *testing.T, static string) *template.MergedChat {
	t.Helper()
	tmpl := &template.ChatTemplate{
		Provider: "acme",
		Chat: template.ChatAPI{
			Endpoint:     "https://api.acme.dev/v1/chat",
			DefaultModel: "acme-large",
			RequestPaths: template.ChatRequestPaths{Model: "model", Messages: "messages"},
			ResponsePaths: template.ChatResponsePaths{
				Choices: "choices", Content: "message.content",
			},
		},
	}
	var user *template.UserConfig
	if static != "" {
		user = &template.UserConfig{StaticParameters: json.RawMessage(static)}
	}
	m, err := template.NewMergedChat(tmpl, user)
	if err != nil {
		t.Fatalf("NewMergedChat() error = %v", err)
	}
	return m
}

func TestChatFingerprintDeterministic(t *testing.T) {
	// The same parameters in a different serialization order must agree.
	a := mergedForFingerprint(t, `{"seed":7,"options":{"a":1,"b":2}}`)
	b := mergedForFingerprint(t, `{"options":{"b":2,"a":1},"seed":7}`)
	req := &core.ChatRequest{Messages: []core.Message{{Role: core.RoleUser, Content: "hi"}}}

	ka := chatFingerprint(a, req)
	kb := chatFingerprint(b, req)
	if ka != kb {
		t.Errorf("fingerprints differ for equivalent configs:\n%s\n%s", ka, kb)
	}
}

func TestChatFingerprintIgnoresStreamFlag(t *testing.T) {
	m := mergedForFingerprint(t, "")
	base := &core.ChatRequest{Messages: []core.Message{{Role: core.RoleUser, Content: "hi"}}}
	streaming := &core.ChatRequest{Messages: base.Messages, Stream: true}

	if chatFingerprint(m, base) != chatFingerprint(m, streaming) {
		t.Error("stream flag changed the fingerprint; stream and non-stream must share entries")
	}
}

func TestChatFingerprintSensitivity(t *testing.T) {
	m := mergedForFingerprint(t, "")
	base := &core.ChatRequest{Messages: []core.Message{{Role: core.RoleUser, Content: "hi"}}}
	baseKey := chatFingerprint(m, base)

	variants := []*core.ChatRequest{
		{Messages: []core.Message{{Role: core.RoleUser, Content: "hi!"}}},
		{Messages: base.Messages, ForceJSON: true},
		{Messages: base.Messages, ConversationID: "conv-1"},
		{Messages: base.Messages, Tools: []core.ToolDefinition{{Name: "f"}}},
	}
	for i, v := range variants {
		if chatFingerprint(m, v) == baseKey {
			t.Errorf("variant %d did not change the fingerprint", i)
		}
	}

	other := mergedForFingerprint(t, `{"seed":1}`)
	if chatFingerprint(other, base) == baseKey {
		t.Error("static parameters did not change the fingerprint")
	}

	// Same provider and model behind a different endpoint is a different
	// destination; a proxy override must not serve the old entries.
	proxied := mergedForFingerprint(t, "")
	proxied.User.Endpoint = "http://localhost:8080/v1/chat"
	if chatFingerprint(proxied, base) == baseKey {
		t.Error("endpoint override did not change the fingerprint")
	}
}

func TestChatFingerprintKeyShape(t *testing.T) {
	m := mergedForFingerprint(t, "")
	req := &core.ChatRequest{Messages: []core.Message{{Role: core.RoleUser, Content: "hi"}}}
	key := chatFingerprint(m, req)

	wantPrefix := "chat:acme:acme-large:"
	if len(key) != len(wantPrefix)+64 || key[:len(wantPrefix)] != wantPrefix {
		t.Errorf("key = %q, want prefix %q plus 64 hex digits", key, wantPrefix)
	}
}

func TestEmbedFingerprintPerInput(t *testing.T) {
	tmpl := &template.EmbeddingTemplate{
		Provider: "acme",
		Embedding: template.EmbeddingAPI{
			Endpoint:      "https://api.acme.dev/v1/embed",
			DefaultModel:  "acme-embed",
			RequestPaths:  template.EmbeddingRequestPaths{Model: "model", Input: "input"},
			ResponsePaths: template.EmbeddingResponsePaths{DataList: "data", Embedding: "embedding"},
		},
	}
	m, err := template.NewMergedEmbedding(tmpl, nil)
	if err != nil {
		t.Fatalf("NewMergedEmbedding() error = %v", err)
	}

	if embedFingerprint(m, "a") == embedFingerprint(m, "b") {
		t.Error("different inputs produced the same key")
	}
	if embedFingerprint(m, "a") != embedFingerprint(m, "a") {
		t.Error("same input produced different keys")
	}
}

func TestPrune(t *testing.T) {
	in := map[string]any{
		"keep":  "v",
		"null":  nil,
		"empty": "",
		"map":   map[string]any{"inner": nil},
		"list":  []any{"a", nil, "b"},
	}
	out, ok := prune(in).(map[string]any)
	if !ok {
		t.Fatalf("prune() = %T, want map", prune(in))
	}
	if _, present := out["null"]; present {
		t.Error("null survived pruning")
	}
	if _, present := out["empty"]; present {
		t.Error("empty string survived pruning")
	}
	if _, present := out["map"]; present {
		t.Error("empty-after-pruning map survived")
	}
	if list, _ := out["list"].([]any); len(list) != 3 {
		t.Errorf("list = %v, want positions preserved", out["list"])
	}
}
