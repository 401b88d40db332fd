package translate

import (
	"sort"

	"github.com/tidwall/gjson"

	"github.com/petal-labs/relay/core"
	"github.com/petal-labs/relay/template"
)

// ParseChatResponse translates a provider's non-streaming JSON body into a
// uniform response. Protocol trouble never errors: provider error payloads
// and unparseable bodies come back as FinishError responses carrying a
// diagnostic, so partial information still reaches the caller.
func ParseChatResponse(m *template.MergedChat, body []byte) *core.ChatResponse {
	if !gjson.ValidBytes(body) {
		return errorResponse("unparseable provider response: " + core.Truncate(string(body), 128))
	}
	root := gjson.ParseBytes(body)

	// Provider-level error payloads surface as error responses.
	if msg := root.Get("error.message"); msg.Exists() {
		return errorResponse(msg.String())
	}

	paths := m.Template.Chat.ResponsePaths
	choice := firstChoice(root, paths.Choices)

	content := lookup(choice, root, paths.Content)
	toolCalls := extractToolCalls(lookup(choice, root, paths.ToolCalls), m.Template.Chat.ToolPaths)
	finish := mapFinishReason(lookup(choice, root, paths.FinishReason).String(), toolCalls)

	if !content.Exists() && len(toolCalls) == 0 {
		return errorResponse("provider response missing content at configured path")
	}

	return &core.ChatResponse{
		FinishReason: finish,
		Message: core.Message{
			Role:      core.RoleAssistant,
			Content:   content.String(),
			ToolCalls: toolCalls,
		},
	}
}

// ParseEmbeddingResponse translates a provider embedding body into results
// restored to input order. wantCount guards the batch contract.
func ParseEmbeddingResponse(m *template.MergedEmbedding, body []byte, wantCount int) ([]core.EmbeddingResult, error) {
	provider := m.Template.Provider
	if !gjson.ValidBytes(body) {
		return nil, core.NewError(core.ErrProtocolMismatch, provider, "unparseable embedding response")
	}
	root := gjson.ParseBytes(body)
	if msg := root.Get("error.message"); msg.Exists() {
		return nil, core.NewError(core.ErrProtocolMismatch, provider, "provider error: %s", msg.String())
	}

	paths := m.Template.Embedding.ResponsePaths
	list := getPath(root, paths.DataList)
	if !list.IsArray() {
		return nil, core.NewError(core.ErrProtocolMismatch, provider, "embedding list missing at %q", paths.DataList)
	}

	items := list.Array()
	if len(items) != wantCount {
		return nil, core.NewError(core.ErrProtocolMismatch, provider,
			"embedding count mismatch: got %d, want %d", len(items), wantCount)
	}

	results := make([]core.EmbeddingResult, 0, len(items))
	for pos, item := range items {
		vecNode := getPath(item, paths.Embedding)
		if !vecNode.IsArray() {
			return nil, core.NewError(core.ErrProtocolMismatch, provider, "embedding vector missing at %q", paths.Embedding)
		}
		raw := vecNode.Array()
		vec := make([]float32, len(raw))
		for i, f := range raw {
			vec[i] = float32(f.Float())
		}

		index := pos
		if paths.Index != "" {
			if idxNode := getPath(item, paths.Index); idxNode.Exists() {
				index = int(idxNode.Int())
			}
		}
		results = append(results, core.EmbeddingResult{Index: index, Vector: vec})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Index < results[j].Index })

	// Indices must form a permutation of [0, N).
	for i, r := range results {
		if r.Index != i {
			return nil, core.NewError(core.ErrProtocolMismatch, provider,
				"embedding indices are not a permutation: saw %d at position %d", r.Index, i)
		}
	}
	return results, nil
}

// firstChoice selects the first element of the choice list, or the document
// root when the template declares no choice list.
func firstChoice(root gjson.Result, choicesPath string) gjson.Result {
	if choicesPath == "" {
		return root
	}
	list := getPath(root, choicesPath)
	if !list.Exists() {
		return gjson.Result{}
	}
	if list.IsArray() {
		return list.Get("0")
	}
	return list
}

// lookup resolves a path against the selected choice first, falling back to
// the document root for providers that keep fields top-level.
func lookup(choice, root gjson.Result, path string) gjson.Result {
	if path == "" {
		return gjson.Result{}
	}
	if choice.Exists() {
		if v := getPath(choice, path); v.Exists() {
			return v
		}
	}
	return getPath(root, path)
}

// extractToolCalls pulls tool calls from a provider array using the
// template's tool paths, defaulting to the OpenAI function-call shape.
func extractToolCalls(node gjson.Result, paths template.ToolCallPaths) []core.ToolCall {
	if !node.IsArray() {
		return nil
	}
	idPath := orDefault(paths.ID, "id")
	typePath := orDefault(paths.Type, "type")
	namePath := orDefault(paths.Name, "function.name")
	argsPath := orDefault(paths.Arguments, "function.arguments")

	items := node.Array()
	calls := make([]core.ToolCall, 0, len(items))
	for _, item := range items {
		call := core.ToolCall{
			ID:        getPath(item, idPath).String(),
			Type:      getPath(item, typePath).String(),
			Name:      getPath(item, namePath).String(),
			Arguments: getPath(item, argsPath).String(),
		}
		if call.Name == "" && call.ID == "" {
			continue
		}
		if call.Arguments == "" {
			call.Arguments = "{}"
		}
		calls = append(calls, call)
	}
	if len(calls) == 0 {
		return nil
	}
	return calls
}

// mapFinishReason normalizes provider finish vocabulary onto the uniform
// one, keeping the tool-call invariant: non-empty tool calls always yield
// tool_calls or stop.
func mapFinishReason(raw string, toolCalls []core.ToolCall) core.FinishReason {
	var reason core.FinishReason
	switch raw {
	case "stop", "end_turn", "complete", "done":
		reason = core.FinishStop
	case "length", "max_tokens", "model_length":
		reason = core.FinishLength
	case "tool_calls", "tool_use", "function_call":
		reason = core.FinishToolCalls
	case "content_filter", "safety":
		reason = core.FinishContentFilter
	case "":
		reason = core.FinishStop
	default:
		reason = core.FinishStop
	}

	if len(toolCalls) > 0 && reason != core.FinishToolCalls && reason != core.FinishStop {
		reason = core.FinishToolCalls
	}
	if len(toolCalls) > 0 && reason == core.FinishStop && raw == "" {
		reason = core.FinishToolCalls
	}
	return reason
}

func errorResponse(diagnostic string) *core.ChatResponse {
	return &core.ChatResponse{
		FinishReason: core.FinishError,
		Message: core.Message{
			Role:    core.RoleAssistant,
			Content: diagnostic,
		},
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
