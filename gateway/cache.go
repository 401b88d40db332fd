package gateway

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/petal-labs/relay/core"
)

// Cache defaults.
const (
	DefaultCacheTTL  = 10 * time.Minute
	DefaultCacheSize = 200
)

// responseCache is a TTL+LRU cache over completed responses and embedding
// vectors. Only successes are stored; failures always retry at the provider.
type responseCache struct {
	lru *expirable.LRU[string, any]
}

func newResponseCache(size int, ttl time.Duration) *responseCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &responseCache{lru: expirable.NewLRU[string, any](size, nil, ttl)}
}

// getChat returns a cached chat response. The stored value is shared; callers
// receive a shallow copy so response mutation cannot poison the cache.
func (c *responseCache) getChat(key string) (*core.ChatResponse, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	resp, ok := v.(*core.ChatResponse)
	if !ok {
		return nil, false
	}
	cp := *resp
	return &cp, true
}

func (c *responseCache) setChat(key string, resp *core.ChatResponse) {
	if c == nil || resp == nil || resp.FinishReason == core.FinishError {
		return
	}
	cp := *resp
	c.lru.Add(key, &cp)
}

// getVector returns a cached embedding vector for one input.
func (c *responseCache) getVector(key string) ([]float32, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	vec, ok := v.([]float32)
	return vec, ok
}

func (c *responseCache) setVector(key string, vec []float32) {
	if c == nil || vec == nil {
		return
	}
	c.lru.Add(key, vec)
}

// invalidatePrefix drops every entry whose key starts with prefix.
func (c *responseCache) invalidatePrefix(prefix string) int {
	if c == nil {
		return 0
	}
	n := 0
	for _, k := range c.lru.Keys() {
		if strings.HasPrefix(k, prefix) {
			if c.lru.Remove(k) {
				n++
			}
		}
	}
	return n
}

// purge drops everything.
func (c *responseCache) purge() {
	if c != nil {
		c.lru.Purge()
	}
}
