package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/petal-labs/relay/core"
	"github.com/petal-labs/relay/httpx"
	"github.com/petal-labs/relay/template"
)

func writeTestFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
}

// newChatGateway builds a gateway over one chat provider pointed at endpoint.
func newChatGateway(t *testing.T, endpoint, userConfig string, opts ...Option) *Gateway {
	t.Helper()
	dir := t.TempDir()
	writeTestFile(t, dir, "provider_template_chat_acme.json", fmt.Sprintf(`{
	  "provider": "acme",
	  "http": {"auth_header": "Authorization", "auth_scheme": "Bearer"},
	  "chat_api": {
	    "endpoint": %q,
	    "default_model": "acme-large",
	    "request_paths": {"model": "model", "messages": "messages", "stream": "stream"},
	    "response_paths": {
	      "choices": "choices",
	      "content": "message.content",
	      "finish_reason": "finish_reason"
	    }
	  }
	}`, endpoint))
	if userConfig == "" {
		userConfig = `{"api_key":"sk-test"}`
	}
	writeTestFile(t, dir, "chat_config_acme.json", userConfig)

	store, err := template.NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return New(store, opts...)
}

func chatJSON(content, finish string) string {
	return fmt.Sprintf(`{"choices":[{"message":{"content":%q},"finish_reason":%q}]}`, content, finish)
}

func userReq(content string) *core.ChatRequest {
	return &core.ChatRequest{Messages: []core.Message{{Role: core.RoleUser, Content: content}}}
}

func readBody(t *testing.T, r *http.Request) []byte {
	t.Helper()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		t.Errorf("reading request body: %v", err)
	}
	return body
}

func TestGetCompletionAndCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		fmt.Fprint(w, chatJSON("four", "stop"))
	}))
	defer srv.Close()

	g := newChatGateway(t, srv.URL, "")
	resp, err := g.GetCompletion(context.Background(), "acme", userReq("2+2?"))
	if err != nil {
		t.Fatalf("GetCompletion() error = %v", err)
	}
	if resp.Message.Content != "four" || resp.FinishReason != core.FinishStop {
		t.Errorf("response = %+v", resp)
	}

	// The identical request is served from cache.
	if _, err := g.GetCompletion(context.Background(), "acme", userReq("2+2?")); err != nil {
		t.Fatalf("second GetCompletion() error = %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("provider hits = %d, want 1 (second call cached)", got)
	}

	// A different request misses.
	if _, err := g.GetCompletion(context.Background(), "acme", userReq("3+3?")); err != nil {
		t.Fatalf("third GetCompletion() error = %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("provider hits = %d, want 2", got)
	}
}

func TestGetCompletionCoalescesConcurrentCalls(t *testing.T) {
	var hits atomic.Int32
	gate := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-gate
		fmt.Fprint(w, chatJSON("shared", "stop"))
	}))
	defer srv.Close()

	g := newChatGateway(t, srv.URL, "", WithoutCache())

	const callers = 10
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := g.GetCompletion(context.Background(), "acme", userReq("same"))
			if err != nil {
				t.Errorf("GetCompletion() error = %v", err)
				return
			}
			if resp.Message.Content != "shared" {
				t.Errorf("Content = %q", resp.Message.Content)
			}
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := hits.Load(); got != 1 {
		t.Errorf("provider hits = %d, want 1 for 10 concurrent identical calls", got)
	}
}

func TestGetCompletionsOrderAndConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		content := gjson.GetBytes(readBody(t, r), "messages.0.content").String()
		inFlight.Add(-1)
		fmt.Fprint(w, chatJSON("echo:"+content, "stop"))
	}))
	defer srv.Close()

	g := newChatGateway(t, srv.URL, `{"api_key":"sk-test","concurrency_limit":2}`)

	reqs := make([]*core.ChatRequest, 6)
	for i := range reqs {
		reqs[i] = userReq(fmt.Sprintf("q%d", i))
	}
	results, err := g.GetCompletions(context.Background(), "acme", reqs)
	if err != nil {
		t.Fatalf("GetCompletions() error = %v", err)
	}
	for i, res := range results {
		if res.Err != nil {
			t.Fatalf("results[%d].Err = %v", i, res.Err)
		}
		want := fmt.Sprintf("echo:q%d", i)
		if res.Response.Message.Content != want {
			t.Errorf("results[%d] = %q, want %q", i, res.Response.Message.Content, want)
		}
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestGetCompletionsIsolatesFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gjson.GetBytes(readBody(t, r), "messages.0.content").String() == "bad" {
			http.Error(w, `{"error":{"message":"boom"}}`, http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, chatJSON("ok", "stop"))
	}))
	defer srv.Close()

	g := newChatGateway(t, srv.URL, "")
	results, err := g.GetCompletions(context.Background(), "acme",
		[]*core.ChatRequest{userReq("good"), userReq("bad"), userReq("also good")})
	if err != nil {
		t.Fatalf("GetCompletions() error = %v", err)
	}
	if results[0].Err != nil || results[0].Response.Message.Content != "ok" {
		t.Errorf("results[0] = %+v, want ok", results[0])
	}
	if results[2].Err != nil || results[2].Response.Message.Content != "ok" {
		t.Errorf("results[2] = %+v, want ok", results[2])
	}
	if results[1].Err == nil || results[1].Response != nil {
		t.Errorf("results[1] = %+v, want an error slot", results[1])
	}
	if !strings.Contains(results[1].Err.Error(), "boom") {
		t.Errorf("results[1].Err = %v, want the provider message", results[1].Err)
	}
}

func TestCompletionCachedBeforeFlightClears(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-gate
		fmt.Fprint(w, chatJSON("late", "stop"))
	}))
	defer srv.Close()

	g := newChatGateway(t, srv.URL, "")
	req := userReq("window")
	m, err := g.store.MergedChat("acme")
	if err != nil {
		t.Fatalf("MergedChat() error = %v", err)
	}
	key := chatFingerprint(m, req)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := g.GetCompletion(context.Background(), "acme", req); err != nil {
			t.Errorf("GetCompletion() error = %v", err)
		}
	}()
	<-started
	close(gate)

	// The moment the in-flight entry clears, the response must already be
	// cached; otherwise a request landing in that window re-fetches.
	deadline := time.Now().Add(2 * time.Second)
	for {
		g.flight.mu.Lock()
		_, inFlight := g.flight.calls[key]
		g.flight.mu.Unlock()
		if !inFlight {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("in-flight entry never cleared")
		}
		time.Sleep(time.Millisecond)
	}
	if _, ok := g.cache.getChat(key); !ok {
		t.Error("response missing from cache after the in-flight entry cleared")
	}
	<-done
}

func TestGetCompletionRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, chatJSON("finally", "stop"))
	}))
	defer srv.Close()

	policy := httpx.RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond, Exponential: true}
	g := newChatGateway(t, srv.URL, "", WithRetryPolicy(policy))

	resp, err := g.GetCompletion(context.Background(), "acme", userReq("hi"))
	if err != nil {
		t.Fatalf("GetCompletion() error = %v", err)
	}
	if resp.Message.Content != "finally" {
		t.Errorf("Content = %q", resp.Message.Content)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("provider hits = %d, want 3", got)
	}
}

func TestGetCompletionFailuresNotCached(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, chatJSON("recovered", "stop"))
	}))
	defer srv.Close()

	g := newChatGateway(t, srv.URL, "", WithRetryPolicy(httpx.RetryPolicy{MaxRetries: 0}))

	_, err := g.GetCompletion(context.Background(), "acme", userReq("hi"))
	if !errors.Is(err, core.ErrProviderHTTP) {
		t.Fatalf("error = %v, want ErrProviderHTTP", err)
	}

	failing.Store(false)
	resp, err := g.GetCompletion(context.Background(), "acme", userReq("hi"))
	if err != nil {
		t.Fatalf("GetCompletion() after recovery error = %v", err)
	}
	if resp.Message.Content != "recovered" {
		t.Errorf("Content = %q; the failure must not have been cached", resp.Message.Content)
	}
}

func TestGetCompletionNotConfigured(t *testing.T) {
	g := newChatGateway(t, "https://api.acme.dev/v1/chat", `{"api_key":""}`)
	_, err := g.GetCompletion(context.Background(), "acme", userReq("hi"))
	if !errors.Is(err, core.ErrNotConfigured) {
		t.Errorf("error = %v, want ErrNotConfigured", err)
	}
}

func TestGetCompletionUnknownProvider(t *testing.T) {
	g := newChatGateway(t, "https://api.acme.dev/v1/chat", "")
	_, err := g.GetCompletion(context.Background(), "ghost", userReq("hi"))
	if !errors.Is(err, core.ErrTemplateNotFound) {
		t.Errorf("error = %v, want ErrTemplateNotFound", err)
	}
}

func TestInvalidateProvider(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, chatJSON("v", "stop"))
	}))
	defer srv.Close()

	g := newChatGateway(t, srv.URL, "")
	ctx := context.Background()
	if _, err := g.GetCompletion(ctx, "acme", userReq("hi")); err != nil {
		t.Fatalf("GetCompletion() error = %v", err)
	}
	if n := g.InvalidateProvider("acme"); n != 1 {
		t.Errorf("InvalidateProvider() = %d, want 1", n)
	}
	if _, err := g.GetCompletion(ctx, "acme", userReq("hi")); err != nil {
		t.Fatalf("GetCompletion() error = %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("provider hits = %d, want 2 after invalidation", got)
	}
}
