// Package gateway is the Relay facade: uniform chat and embedding calls go
// in, template-translated provider exchanges happen behind a response cache,
// request coalescing and per-provider admission control.
package gateway

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/relay/core"
	"github.com/petal-labs/relay/httpx"
	"github.com/petal-labs/relay/template"
)

// Settings is the host-configuration port. The CLI implements it from its
// YAML config; embedders can implement it from anything else. Facade calls
// with an empty provider id resolve the active provider through this port.
type Settings interface {
	// ActiveChatProviderID is the provider used when a chat call names none.
	ActiveChatProviderID() string
	// ActiveEmbeddingProviderID is the provider used when an embedding call
	// names none. Consulted only while EmbeddingEnabled is true.
	ActiveEmbeddingProviderID() string
	// EmbeddingEnabled gates the embedding provider; when false, embedding
	// calls fall back to the active chat provider.
	EmbeddingEnabled() bool
	// RequestTimeoutSeconds is the provider request timeout; 0 uses the default.
	RequestTimeoutSeconds() int
	// CacheEnabled turns the response cache off entirely when false.
	CacheEnabled() bool
	// CacheTTLSeconds is the response cache TTL; 0 uses the default.
	CacheTTLSeconds() int
	// CacheSize is the response cache entry cap; 0 uses the default.
	CacheSize() int
	// MaxRetries is the retry cap per request; negative uses the default.
	MaxRetries() int
}

// Gateway routes uniform requests to providers described by templates.
// Gateway is safe for concurrent use.
type Gateway struct {
	store    *template.Store
	settings Settings
	exec     *httpx.Executor
	cache    *responseCache
	flight   *flightGroup[*core.ChatResponse]
	admit    *admission
	retry    httpx.RetryPolicy
	logger   core.Logger

	cacheSize int
	cacheTTL  time.Duration
	noCache   bool
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger for the gateway and its executor.
func WithLogger(l core.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithTimeout sets the provider request timeout.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.exec.SetTimeout(d) }
}

// WithRetryPolicy replaces the retry policy.
func WithRetryPolicy(p httpx.RetryPolicy) Option {
	return func(g *Gateway) { g.retry = p }
}

// WithCacheTTL sets the response cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(g *Gateway) {
		if ttl > 0 {
			g.cacheTTL = ttl
		}
	}
}

// WithCacheSize caps the number of cached responses.
func WithCacheSize(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.cacheSize = n
		}
	}
}

// WithoutCache disables the response cache entirely. Coalescing of in-flight
// identical requests remains active.
func WithoutCache() Option {
	return func(g *Gateway) { g.noCache = true }
}

// WithExecutor replaces the HTTP executor. Intended for tests.
func WithExecutor(e *httpx.Executor) Option {
	return func(g *Gateway) {
		if e != nil {
			g.exec = e
		}
	}
}

// FromSettings translates a Settings implementation into options. The port
// itself is retained for active-provider resolution.
func FromSettings(s Settings) []Option {
	if s == nil {
		return nil
	}
	opts := []Option{
		func(g *Gateway) { g.settings = s },
		WithTimeout(httpx.ClampTimeout(s.RequestTimeoutSeconds())),
	}
	if !s.CacheEnabled() {
		opts = append(opts, WithoutCache())
	}
	if ttl := s.CacheTTLSeconds(); ttl > 0 {
		opts = append(opts, WithCacheTTL(time.Duration(ttl)*time.Second))
	}
	if n := s.CacheSize(); n > 0 {
		opts = append(opts, WithCacheSize(n))
	}
	if r := s.MaxRetries(); r >= 0 {
		policy := httpx.DefaultRetryPolicy()
		policy.MaxRetries = r
		opts = append(opts, WithRetryPolicy(policy))
	}
	return opts
}

// New creates a Gateway over a template store.
func New(store *template.Store, opts ...Option) *Gateway {
	g := &Gateway{
		store:     store,
		exec:      httpx.NewExecutor(),
		flight:    newFlightGroup[*core.ChatResponse](),
		admit:     newAdmission(),
		retry:     httpx.DefaultRetryPolicy(),
		logger:    core.NopLogger{},
		cacheSize: DefaultCacheSize,
		cacheTTL:  DefaultCacheTTL,
	}
	for _, opt := range opts {
		opt(g)
	}
	if !g.noCache {
		g.cache = newResponseCache(g.cacheSize, g.cacheTTL)
	}
	return g
}

// Store exposes the template store for hosts that manage configuration.
func (g *Gateway) Store() *template.Store { return g.store }

// ChatProviders lists known chat provider ids.
func (g *Gateway) ChatProviders() []string { return g.store.ChatProviderIDs() }

// EmbeddingProviders lists known embedding provider ids.
func (g *Gateway) EmbeddingProviders() []string { return g.store.EmbeddingProviderIDs() }

// InvalidateProvider drops every cached response for one provider. Hosts
// call this after changing a provider's configuration.
func (g *Gateway) InvalidateProvider(provider string) int {
	n := g.cache.invalidatePrefix(providerPrefix(chatKeyPrefix, provider))
	n += g.cache.invalidatePrefix(providerPrefix(embedKeyPrefix, provider))
	if n > 0 {
		g.logger.Debug("invalidated %d cached responses for %s", n, provider)
	}
	return n
}

// PurgeCache drops every cached response.
func (g *Gateway) PurgeCache() { g.cache.purge() }

// resolveChatProvider returns the explicit id, or the settings port's active
// chat provider when none is named.
func (g *Gateway) resolveChatProvider(provider string) (string, error) {
	if provider != "" {
		return provider, nil
	}
	if g.settings != nil {
		if id := g.settings.ActiveChatProviderID(); id != "" {
			return id, nil
		}
	}
	return "", core.NewError(core.ErrNotConfigured, "",
		"no provider: name one or configure an active chat provider")
}

// resolveEmbeddingProvider returns the explicit id, or the active embedding
// provider. With embedding disabled (or no embedding provider configured)
// the active chat provider serves embeddings too.
func (g *Gateway) resolveEmbeddingProvider(provider string) (string, error) {
	if provider != "" {
		return provider, nil
	}
	if g.settings != nil {
		if g.settings.EmbeddingEnabled() {
			if id := g.settings.ActiveEmbeddingProviderID(); id != "" {
				return id, nil
			}
		}
		if id := g.settings.ActiveChatProviderID(); id != "" {
			return id, nil
		}
	}
	return "", core.NewError(core.ErrNotConfigured, "",
		"no provider: name one or configure an active embedding provider")
}

// requiresKey reports whether a provider configuration needs a credential:
// either an auth header is declared or the endpoint embeds the key. Keyless
// endpoints (local inference servers) pass without one.
func requiresKey(http template.HTTPConfig, endpoint string) bool {
	return http.AuthHeader != "" || strings.Contains(endpoint, "{apiKey}")
}

// callID tags one gateway call's log lines.
func callID() string {
	return uuid.NewString()[:8]
}
