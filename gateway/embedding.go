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

// GetEmbeddings embeds every input, in input order. Vectors are cached per
// input string, so repeated inputs hit the provider only for the misses;
// misses are sent in template-sized batches with bounded concurrency.
func (g *Gateway) GetEmbeddings(ctx context.Context, provider string, req *core.EmbeddingRequest) (*core.EmbeddingResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	provider, err := g.resolveEmbeddingProvider(provider)
	if err != nil {
		return nil, err
	}
	m, err := g.store.MergedEmbedding(provider)
	if err != nil {
		return nil, err
	}
	m, err = g.withKeyFallback(provider, m)
	if err != nil {
		return nil, err
	}

	cid := callID()
	vectors := make([][]float32, len(req.Inputs))
	var missing []int
	for i, input := range req.Inputs {
		if vec, ok := g.cache.getVector(embedFingerprint(m, input)); ok {
			vectors[i] = vec
			continue
		}
		missing = append(missing, i)
	}
	if n := len(req.Inputs) - len(missing); n > 0 {
		g.logger.Debug("[%s] embed %s: %d of %d inputs served from cache", cid, provider, n, len(req.Inputs))
	}

	if len(missing) > 0 {
		eg, ectx := errgroup.WithContext(ctx)
		eg.SetLimit(m.ConcurrencyLimit())
		for _, batch := range batchBy(missing, m.MaxBatchSize()) {
			eg.Go(func() error {
				return g.embedBatch(ectx, cid, m, req.Inputs, batch, vectors)
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}
	}

	results := make([]core.EmbeddingResult, len(vectors))
	for i, vec := range vectors {
		results[i] = core.EmbeddingResult{Index: i, Vector: vec}
	}
	return &core.EmbeddingResponse{Results: results}, nil
}

// embedBatch embeds the inputs at the given positions and writes each vector
// into its position in vectors. Positions within a batch never overlap
// across batches, so the writes need no lock.
func (g *Gateway) embedBatch(ctx context.Context, cid string, m *template.MergedEmbedding, inputs []string, positions []int, vectors [][]float32) error {
	provider := m.Template.Provider
	release, err := g.admit.acquire(ctx, provider, m.ConcurrencyLimit())
	if err != nil {
		return err
	}
	defer release()

	batch := make([]string, len(positions))
	for i, pos := range positions {
		batch[i] = inputs[pos]
	}

	httpReq, err := translate.BuildEmbeddingRequest(m, batch)
	if err != nil {
		return err
	}
	g.logger.Debug("[%s] embed %s: batch of %d -> %s", cid, provider, len(batch), core.Redact(httpReq.URL.Redacted()))

	resp, err := g.exec.Do(ctx, httpReq, g.retry, false)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return core.NewError(core.ErrTransport, provider, "reading response: %v", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return core.NewHTTPError(provider, resp.StatusCode, body)
	}

	results, err := translate.ParseEmbeddingResponse(m, body, len(batch))
	if err != nil {
		return err
	}
	for i, r := range results {
		vectors[positions[i]] = r.Vector
		g.cache.setVector(embedFingerprint(m, batch[i]), r.Vector)
	}
	return nil
}

// withKeyFallback substitutes the provider's chat credential when the
// embedding config has none. Hosts typically configure one key per provider;
// requiring it twice would be a footgun.
func (g *Gateway) withKeyFallback(provider string, m *template.MergedEmbedding) (*template.MergedEmbedding, error) {
	if m.APIKey() != "" || !requiresKey(m.Template.HTTP, m.Endpoint()) {
		return m, nil
	}
	if cfg := g.store.ChatUserConfig(provider); cfg != nil && cfg.APIKey != "" {
		user := *m.User
		user.APIKey = cfg.APIKey
		return template.NewMergedEmbedding(m.Template, &user)
	}
	return nil, core.NewError(core.ErrNotConfigured, provider, "no api key configured")
}

// batchBy splits positions into consecutive slices of at most size.
func batchBy(positions []int, size int) [][]int {
	if size <= 0 {
		size = 1
	}
	var out [][]int
	for len(positions) > size {
		out = append(out, positions[:size])
		positions = positions[size:]
	}
	if len(positions) > 0 {
		out = append(out, positions)
	}
	return out
}
