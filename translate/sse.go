package translate

import (
	"bufio"
	"context"
	"io"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/petal-labs/relay/core"
	"github.com/petal-labs/relay/template"
)

const doneSentinel = "[DONE]"

// DecodeStream reads a provider SSE body and emits uniform chunks on the
// returned channel. The channel is closed after exactly one terminal chunk
// (non-empty FinishReason), which carries any tool calls assembled from
// streamed fragments. Malformed events are skipped with a warning; they
// never abort the stream.
//
// The caller owns body and closes it after the channel is drained.
func DecodeStream(ctx context.Context, m *template.MergedChat, body io.Reader, logger core.Logger) <-chan core.ChatChunk {
	if logger == nil {
		logger = core.NopLogger{}
	}
	ch := make(chan core.ChatChunk)
	go func() {
		defer close(ch)
		decodeEvents(ctx, m, body, logger, ch)
	}()
	return ch
}

func decodeEvents(ctx context.Context, m *template.MergedChat, body io.Reader, logger core.Logger, ch chan<- core.ChatChunk) {
	paths := m.Template.Chat.ResponsePaths
	asm := newToolCallAssembler(m.Template.Chat.ToolPaths)
	finish := core.FinishReason("")

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data []string
	flush := func() bool {
		if len(data) == 0 {
			return true
		}
		payload := strings.Join(data, "\n")
		data = data[:0]
		if payload == doneSentinel {
			return false
		}

		if !gjson.Valid(payload) {
			logger.Warn("skipping malformed stream event from %s: %s",
				m.Template.Provider, core.Truncate(payload, 120))
			return true
		}
		root := gjson.Parse(payload)
		choice := firstChoice(root, paths.Choices)

		if delta := streamContent(choice, root, paths.Content); delta != "" {
			if !send(ctx, ch, core.ChatChunk{ContentDelta: delta}) {
				return false
			}
		}
		asm.add(streamToolCalls(choice, root, paths.ToolCalls))

		if raw := lookup(choice, root, paths.FinishReason); raw.Exists() && raw.String() != "" {
			finish = mapFinishReason(raw.String(), nil)
		}
		return true
	}

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimRight(scanner.Text(), "\r")
		switch {
		case line == "":
			if !flush() {
				sendTerminal(ctx, ch, asm, finish, core.FinishStop)
				return
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// Other SSE fields (event:, id:, comments) carry nothing we need.
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("stream from %s ended abnormally: %v", m.Template.Provider, err)
	}
	if !flush() {
		sendTerminal(ctx, ch, asm, finish, core.FinishStop)
		return
	}
	// EOF without [DONE]: some providers just close the connection.
	sendTerminal(ctx, ch, asm, finish, core.FinishStreamEnd)
}

// streamContent resolves the content delta. Templates share one content path
// between the non-streaming body and the stream; OpenAI-style streams move it
// under "delta", so that shape is the fallback.
func streamContent(choice, root gjson.Result, path string) string {
	if v := lookup(choice, root, path); v.Exists() {
		return v.String()
	}
	if choice.Exists() {
		if v := choice.Get("delta.content"); v.Exists() {
			return v.String()
		}
	}
	return ""
}

func streamToolCalls(choice, root gjson.Result, path string) gjson.Result {
	if v := lookup(choice, root, path); v.IsArray() {
		return v
	}
	if choice.Exists() {
		if v := choice.Get("delta.tool_calls"); v.IsArray() {
			return v
		}
	}
	return gjson.Result{}
}

func send(ctx context.Context, ch chan<- core.ChatChunk, chunk core.ChatChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// sendTerminal emits the single terminal chunk. When no event carried a
// finish reason, fallback applies: stop for an explicit [DONE], stream_end
// for a connection that just closed.
func sendTerminal(ctx context.Context, ch chan<- core.ChatChunk, asm *toolCallAssembler, finish, fallback core.FinishReason) {
	calls := asm.calls()
	if finish == "" {
		finish = fallback
	}
	if len(calls) > 0 && finish != core.FinishToolCalls && finish != core.FinishStop {
		finish = core.FinishToolCalls
	}
	send(ctx, ch, core.ChatChunk{ToolCalls: calls, FinishReason: finish})
}

// toolCallAssembler reassembles tool calls from streamed fragments. Providers
// send an id and name once, then argument text in pieces, correlated by an
// element index.
type toolCallAssembler struct {
	idPath   string
	typePath string
	namePath string
	argsPath string

	order     []int
	fragments map[int]*toolCallFragment
}

type toolCallFragment struct {
	id   string
	typ  string
	name string
	args strings.Builder
}

func newToolCallAssembler(paths template.ToolCallPaths) *toolCallAssembler {
	return &toolCallAssembler{
		idPath:    orDefault(paths.ID, "id"),
		typePath:  orDefault(paths.Type, "type"),
		namePath:  orDefault(paths.Name, "function.name"),
		argsPath:  orDefault(paths.Arguments, "function.arguments"),
		fragments: make(map[int]*toolCallFragment),
	}
}

func (a *toolCallAssembler) add(node gjson.Result) {
	if !node.IsArray() {
		return
	}
	for pos, item := range node.Array() {
		index := pos
		if idx := item.Get("index"); idx.Exists() {
			index = int(idx.Int())
		}
		frag, ok := a.fragments[index]
		if !ok {
			frag = &toolCallFragment{}
			a.fragments[index] = frag
			a.order = append(a.order, index)
		}
		if v := getPath(item, a.idPath); v.Exists() && v.String() != "" {
			frag.id = v.String()
		}
		if v := getPath(item, a.typePath); v.Exists() && v.String() != "" {
			frag.typ = v.String()
		}
		if v := getPath(item, a.namePath); v.Exists() && v.String() != "" {
			frag.name = v.String()
		}
		if v := getPath(item, a.argsPath); v.Exists() {
			frag.args.WriteString(v.String())
		}
	}
}

func (a *toolCallAssembler) calls() []core.ToolCall {
	if len(a.fragments) == 0 {
		return nil
	}
	sort.Ints(a.order)
	calls := make([]core.ToolCall, 0, len(a.order))
	for _, index := range a.order {
		frag := a.fragments[index]
		if frag.name == "" && frag.id == "" {
			continue
		}
		args := frag.args.String()
		if args == "" {
			args = "{}"
		}
		typ := frag.typ
		if typ == "" {
			typ = "function"
		}
		calls = append(calls, core.ToolCall{
			ID:        frag.id,
			Type:      typ,
			Name:      frag.name,
			Arguments: args,
		})
	}
	if len(calls) == 0 {
		return nil
	}
	return calls
}

// Aggregator folds a chunk stream back into a complete response, so a
// streamed exchange can populate the same cache entry a non-streaming call
// would.
type Aggregator struct {
	content   strings.Builder
	toolCalls []core.ToolCall
	finish    core.FinishReason
}

// Add folds one chunk into the aggregate.
func (a *Aggregator) Add(chunk core.ChatChunk) {
	a.content.WriteString(chunk.ContentDelta)
	if len(chunk.ToolCalls) > 0 {
		a.toolCalls = chunk.ToolCalls
	}
	if chunk.FinishReason != "" {
		a.finish = chunk.FinishReason
	}
}

// Response returns the aggregated response. Stream-end finish collapses to
// stop so aggregated and non-streaming responses compare equal.
func (a *Aggregator) Response() *core.ChatResponse {
	finish := a.finish
	if finish == "" || finish == core.FinishStreamEnd {
		finish = core.FinishStop
	}
	if len(a.toolCalls) > 0 && finish == core.FinishStop {
		finish = core.FinishToolCalls
	}
	return &core.ChatResponse{
		FinishReason: finish,
		Message: core.Message{
			Role:      core.RoleAssistant,
			Content:   a.content.String(),
			ToolCalls: a.toolCalls,
		},
	}
}
