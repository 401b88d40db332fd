package gateway

import (
	"context"
	"io"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/petal-labs/relay/core"
	"github.com/petal-labs/relay/template"
	"github.com/petal-labs/relay/translate"
)

// maxResponseBytes bounds provider response bodies read into memory.
const maxResponseBytes = 16 << 20

// GetCompletion executes one uniform chat request against a provider.
// Identical requests are served from cache when fresh, and concurrent
// identical requests share a single provider call.
func (g *Gateway) GetCompletion(ctx context.Context, provider string, req *core.ChatRequest) (*core.ChatResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	provider, err := g.resolveChatProvider(provider)
	if err != nil {
		return nil, err
	}
	m, err := g.store.MergedChat(provider)
	if err != nil {
		return nil, err
	}
	if m.APIKey() == "" && requiresKey(m.Template.HTTP, m.Endpoint()) {
		return nil, core.NewError(core.ErrNotConfigured, provider, "no api key configured")
	}

	cid := callID()
	key := chatFingerprint(m, req)
	if resp, ok := g.cache.getChat(key); ok {
		g.logger.Debug("[%s] chat %s served from cache", cid, provider)
		return resp, nil
	}

	resp, ran, err := g.flight.do(ctx, key, func(fctx context.Context) (*core.ChatResponse, error) {
		resp, err := g.completionExchange(fctx, cid, m, req)
		if err == nil {
			// Published before the flight entry clears, so an identical
			// request arriving as this one completes hits the cache.
			g.cache.setChat(key, resp)
		}
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	if !ran {
		g.logger.Debug("[%s] chat %s joined an identical in-flight request", cid, provider)
	}

	// The flight result is shared between joiners; hand each caller its own.
	cp := *resp
	return &cp, nil
}

// BatchResult is one slot of a batch completion: either a response or the
// error that produced no response, never both.
type BatchResult struct {
	Response *core.ChatResponse
	Err      error
}

// GetCompletions executes a batch of chat requests with bounded concurrency,
// returning one result per request in request order. Per-request failures
// land in their own slot so one bad request cannot sink its siblings; only
// configuration problems fail the batch as a whole.
func (g *Gateway) GetCompletions(ctx context.Context, provider string, reqs []*core.ChatRequest) ([]BatchResult, error) {
	for _, req := range reqs {
		if err := req.Validate(); err != nil {
			return nil, err
		}
	}
	provider, err := g.resolveChatProvider(provider)
	if err != nil {
		return nil, err
	}
	m, err := g.store.MergedChat(provider)
	if err != nil {
		return nil, err
	}
	if m.APIKey() == "" && requiresKey(m.Template.HTTP, m.Endpoint()) {
		return nil, core.NewError(core.ErrNotConfigured, provider, "no api key configured")
	}

	results := make([]BatchResult, len(reqs))
	var eg errgroup.Group
	eg.SetLimit(m.ConcurrencyLimit())
	for i, req := range reqs {
		eg.Go(func() error {
			resp, err := g.GetCompletion(ctx, provider, req)
			results[i] = BatchResult{Response: resp, Err: err}
			return nil
		})
	}
	_ = eg.Wait()
	return results, nil
}

// GetCompletionStream executes one chat request with incremental delivery.
// A fresh cached response, or an identical request already in flight, is
// replayed as a short synthetic stream; otherwise provider deltas are
// forwarded live. The aggregated response lands on Final and in the cache,
// so a streamed answer serves later non-streaming callers.
func (g *Gateway) GetCompletionStream(ctx context.Context, provider string, req *core.ChatRequest) (*core.ChatStream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	provider, err := g.resolveChatProvider(provider)
	if err != nil {
		return nil, err
	}
	m, err := g.store.MergedChat(provider)
	if err != nil {
		return nil, err
	}
	if m.APIKey() == "" && requiresKey(m.Template.HTTP, m.Endpoint()) {
		return nil, core.NewError(core.ErrNotConfigured, provider, "no api key configured")
	}

	cid := callID()
	key := chatFingerprint(m, req)

	out := make(chan core.ChatChunk)
	errCh := make(chan error, 1)
	finalCh := make(chan *core.ChatResponse, 1)
	stream := &core.ChatStream{Ch: out, Err: errCh, Final: finalCh}

	if resp, ok := g.cache.getChat(key); ok {
		g.logger.Debug("[%s] chat stream %s served from cache", cid, provider)
		go func() {
			defer close(out)
			defer close(errCh)
			defer close(finalCh)
			replayStream(ctx, out, resp)
			finalCh <- resp
		}()
		return stream, nil
	}

	go func() {
		defer close(out)
		defer close(errCh)
		defer close(finalCh)

		resp, ran, err := g.flight.do(ctx, key, func(fctx context.Context) (*core.ChatResponse, error) {
			resp, err := g.streamExchange(fctx, ctx, cid, m, req, out)
			if err == nil {
				g.cache.setChat(key, resp)
			}
			return resp, err
		})
		if err != nil {
			errCh <- err
			return
		}
		if !ran {
			g.logger.Debug("[%s] chat stream %s replayed from an in-flight request", cid, provider)
			replayStream(ctx, out, resp)
		}
		finalCh <- resp
	}()
	return stream, nil
}

// completionExchange performs the provider round trip for one non-streaming
// request. It runs on the flight context, detached from any single caller.
func (g *Gateway) completionExchange(ctx context.Context, cid string, m *template.MergedChat, req *core.ChatRequest) (*core.ChatResponse, error) {
	provider := m.Template.Provider
	release, err := g.admit.acquire(ctx, provider, m.ConcurrencyLimit())
	if err != nil {
		return nil, err
	}
	defer release()

	wire := *req
	wire.Stream = false
	httpReq, err := translate.BuildChatRequest(m, &wire)
	if err != nil {
		return nil, err
	}

	g.logger.Debug("[%s] chat %s -> %s", cid, provider, core.Redact(httpReq.URL.Redacted()))
	resp, err := g.exec.Do(ctx, httpReq, g.retry, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, core.NewError(core.ErrTransport, provider, "reading response: %v", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, core.NewHTTPError(provider, resp.StatusCode, body)
	}
	return translate.ParseChatResponse(m, body), nil
}

// streamExchange performs the provider round trip for one streaming request,
// forwarding deltas to out while aggregating the complete response for the
// cache and for coalesced joiners. callerCtx governs only the forwarding:
// when the initiating caller leaves, deltas stop flowing but the exchange
// finishes for whoever else is waiting on it.
func (g *Gateway) streamExchange(ctx, callerCtx context.Context, cid string, m *template.MergedChat, req *core.ChatRequest, out chan<- core.ChatChunk) (*core.ChatResponse, error) {
	provider := m.Template.Provider
	release, err := g.admit.acquire(ctx, provider, m.ConcurrencyLimit())
	if err != nil {
		return nil, err
	}
	defer release()

	wire := *req
	wire.Stream = true
	httpReq, err := translate.BuildChatRequest(m, &wire)
	if err != nil {
		return nil, err
	}

	g.logger.Debug("[%s] chat stream %s -> %s", cid, provider, core.Redact(httpReq.URL.Redacted()))
	resp, err := g.exec.Do(ctx, httpReq, g.retry, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		return nil, core.NewHTTPError(provider, resp.StatusCode, body)
	}

	var agg translate.Aggregator
	forwarding := true
	for chunk := range translate.DecodeStream(ctx, m, resp.Body, g.logger) {
		agg.Add(chunk)
		if forwarding {
			select {
			case out <- chunk:
			case <-callerCtx.Done():
				forwarding = false
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, core.NewError(core.ErrCancelled, provider, "stream cancelled")
	}
	return agg.Response(), nil
}

// replayStream delivers a completed response as a synthetic two-chunk stream.
func replayStream(ctx context.Context, out chan<- core.ChatChunk, resp *core.ChatResponse) {
	if resp.Message.Content != "" {
		select {
		case out <- core.ChatChunk{ContentDelta: resp.Message.Content}:
		case <-ctx.Done():
			return
		}
	}
	select {
	case out <- core.ChatChunk{ToolCalls: resp.Message.ToolCalls, FinishReason: resp.FinishReason}:
	case <-ctx.Done():
	}
}
