package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/lifecycle"
	"github.com/any-hub/shellcache/internal/network"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/shell"
)

type proxyEnv struct {
	app      *fiber.App
	origin   *httptest.Server
	hits     atomic.Int64
	lastBody atomic.Value
	storage  cache.Storage
	worker   *shell.Worker
	runtime  *lifecycle.Runtime
}

func newProxyEnv(t *testing.T, offlineStatus int) *proxyEnv {
	t.Helper()
	env := &proxyEnv{storage: cache.NewMemoryStorage()}
	env.origin = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		env.lastBody.Store(string(body))
		switch r.URL.Path {
		case "/app/missing":
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte("not found"))
		default:
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte(r.Method + " " + r.URL.RequestURI()))
		}
	}))
	t.Cleanup(env.origin.Close)

	origin, _ := url.Parse(env.origin.URL + "/app/")
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	env.runtime = lifecycle.New(lifecycle.Options{Logger: logger})
	worker, err := shell.New(shell.Options{
		Config: shell.Config{
			Version:          "1.0.0",
			CachePrefix:      "anki-converter-cache-",
			Assets:           []string{"./", "./index.html"},
			FallbackDocument: "./index.html",
			Origin:           origin,
			OfflineStatus:    offlineStatus,
		},
		Storage: env.storage,
		Network: network.NewClient(env.origin.Client()),
		Host:    env.runtime,
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	env.worker = worker
	t.Cleanup(worker.Wait)

	handler := NewHandler(env.origin.Client(), logger, origin, worker, nil)
	forwarder := NewForwarder(handler, handler.Passthrough(), env.runtime, logger)
	app, err := server.NewApp(server.AppOptions{Logger: logger, Proxy: forwarder, ListenPort: 5000})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	env.app = app
	return env
}

func (env *proxyEnv) activate(t *testing.T) {
	t.Helper()
	err := env.runtime.Start(context.Background(), lifecycle.Handlers{
		Install:  env.worker.Install,
		Activate: env.worker.Activate,
	})
	if err != nil {
		t.Fatalf("activation failed: %v", err)
	}
}

func (env *proxyEnv) do(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()
	resp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestPassthroughBeforeActivation(t *testing.T) {
	env := newProxyEnv(t, http.StatusGatewayTimeout)

	resp, body := env.do(t, httptest.NewRequest("GET", "/index.html?v=1", nil))
	if resp.StatusCode != http.StatusOK || body != "GET /app/index.html?v=1" {
		t.Fatalf("unexpected passthrough response: %d %s", resp.StatusCode, body)
	}
	if got := resp.Header.Get(HeaderShellCache); got != "bypass" {
		t.Fatalf("expected bypass, got %s", got)
	}
	if names, _ := env.storage.Keys(context.Background()); len(names) != 0 {
		t.Fatalf("passthrough must not touch storage, got %v", names)
	}
}

func TestHitAndMissAfterActivation(t *testing.T) {
	env := newProxyEnv(t, http.StatusGatewayTimeout)
	env.activate(t)
	installHits := env.hits.Load()

	resp, body := env.do(t, httptest.NewRequest("GET", "/index.html", nil))
	if got := resp.Header.Get(HeaderShellCache); got != "hit" {
		t.Fatalf("precached asset should hit, got %s", got)
	}
	if body != "GET /app/index.html" {
		t.Fatalf("unexpected cached body: %s", body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header")
	}
	if env.hits.Load() != installHits {
		t.Fatalf("cache hit must not reach origin")
	}

	resp, body = env.do(t, httptest.NewRequest("GET", "/decks/1", nil))
	if got := resp.Header.Get(HeaderShellCache); got != "miss" || body != "GET /app/decks/1" {
		t.Fatalf("expected miss from origin, got %s %s", got, body)
	}
	env.worker.Wait()

	resp, _ = env.do(t, httptest.NewRequest("GET", "/decks/1", nil))
	if got := resp.Header.Get(HeaderShellCache); got != "hit" {
		t.Fatalf("second request should hit cache, got %s", got)
	}

	resp, body = env.do(t, httptest.NewRequest("GET", "/missing", nil))
	if resp.StatusCode != http.StatusNotFound || body != "not found" {
		t.Fatalf("origin status should pass through, got %d %s", resp.StatusCode, body)
	}
}

func TestNonGETForwardedAfterActivation(t *testing.T) {
	env := newProxyEnv(t, http.StatusGatewayTimeout)
	env.activate(t)

	req := httptest.NewRequest("POST", "/convert", strings.NewReader("deck-data"))
	resp, body := env.do(t, req)
	if resp.Header.Get(HeaderShellCache) != "bypass" || body != "POST /app/convert" {
		t.Fatalf("POST should be forwarded, got %s %s", resp.Header.Get(HeaderShellCache), body)
	}
	if got, _ := env.lastBody.Load().(string); got != "deck-data" {
		t.Fatalf("request body should be forwarded, got %q", got)
	}
}

func TestOfflineResponses(t *testing.T) {
	env := newProxyEnv(t, http.StatusGatewayTimeout)
	env.activate(t)
	env.origin.Close()

	nav := httptest.NewRequest("GET", "/decks/2", nil)
	nav.Header.Set("Sec-Fetch-Mode", "navigate")
	resp, body := env.do(t, nav)
	if resp.Header.Get(HeaderShellCache) != "fallback" || body != "GET /app/index.html" {
		t.Fatalf("navigation should fall back to root document, got %s %s", resp.Header.Get(HeaderShellCache), body)
	}

	resp, _ = env.do(t, httptest.NewRequest("GET", "/img/card.png", nil))
	if resp.StatusCode != http.StatusGatewayTimeout || resp.Header.Get(HeaderShellCache) != "offline" {
		t.Fatalf("subresource should get offline response, got %d %s", resp.StatusCode, resp.Header.Get(HeaderShellCache))
	}
}

func TestOfflineWithoutSynthesizedResponse(t *testing.T) {
	env := newProxyEnv(t, 0)
	env.activate(t)
	env.origin.Close()

	resp, body := env.do(t, httptest.NewRequest("GET", "/img/card.png", nil))
	if resp.StatusCode != http.StatusBadGateway || !strings.Contains(body, "network_failed") {
		t.Fatalf("expected 502 network_failed, got %d %s", resp.StatusCode, body)
	}
}

func TestIsNavigation(t *testing.T) {
	testCases := []struct {
		name   string
		method string
		header map[string]string
		want   bool
	}{
		{name: "sec-fetch navigate", method: "GET", header: map[string]string{"Sec-Fetch-Mode": "navigate"}, want: true},
		{name: "sec-fetch cors", method: "GET", header: map[string]string{"Sec-Fetch-Mode": "cors", "Accept": "text/html"}, want: false},
		{name: "accept html", method: "GET", header: map[string]string{"Accept": "text/html,application/xhtml+xml"}, want: true},
		{name: "accept image", method: "GET", header: map[string]string{"Accept": "image/png"}, want: false},
		{name: "post html", method: "POST", header: map[string]string{"Accept": "text/html"}, want: false},
	}

	app := fiber.New()
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fctx := new(fasthttp.RequestCtx)
			fctx.Request.Header.SetMethod(tc.method)
			for k, v := range tc.header {
				fctx.Request.Header.Set(k, v)
			}
			ctx := app.AcquireCtx(fctx)
			defer app.ReleaseCtx(ctx)
			if got := isNavigation(ctx); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestNormalizeRequestPath(t *testing.T) {
	testCases := map[string]string{
		"":             "/",
		"/":            "/",
		"/a/../b":      "/b",
		"/decks/":      "/decks/",
		"//index.html": "/index.html",
	}
	for raw, want := range testCases {
		if got := normalizeRequestPath(raw); got != want {
			t.Fatalf("normalize %q: expected %s, got %s", raw, want, got)
		}
	}
}
