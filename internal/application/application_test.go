package application

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/eugenenazirov/grc/internal/config"
	"github.com/eugenenazirov/grc/internal/views"
	"github.com/eugenenazirov/grc/pkg/backend"
	"github.com/eugenenazirov/grc/pkg/backend/memory"
	"github.com/eugenenazirov/grc/pkg/grc"
)

func TestNewInitializesDependencies(t *testing.T) {
	cfg := baseTestConfig(":8085")
	logger := zaptest.NewLogger(t)

	app, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(func() { _ = app.Stop(context.Background()) })

	if app.server == nil || app.router == nil || app.handler == nil || app.storage == nil || app.metrics == nil {
		t.Fatalf("expected server, router, handler, storage and metrics to be initialized")
	}
	if app.Server() != app.server {
		t.Fatalf("Server accessor did not return underlying instance")
	}
	if app.client.Provider().Type() != backend.Memory {
		t.Fatalf("expected memory provider, got %s", app.client.Provider().Type())
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	cfg := baseTestConfig(":0")
	cfg.Provider.Type = "consul"

	_, err := New(cfg, zaptest.NewLogger(t))
	if !errors.Is(err, backend.ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestNewServerAppliesConfig(t *testing.T) {
	cfg := baseTestConfig("9090")
	handler := http.NewServeMux()

	server := NewServer(cfg, handler)
	if server.Addr != ":9090" {
		t.Fatalf("expected address :9090, got %s", server.Addr)
	}
	if server.Handler != handler {
		t.Fatalf("expected handler to be applied")
	}
	if server.ReadHeaderTimeout != cfg.ReadHeaderTimeout ||
		server.WriteTimeout != cfg.WriteTimeout ||
		server.IdleTimeout != cfg.IdleTimeout {
		t.Fatalf("server timeouts do not match configuration")
	}
}

func TestStartServesAndRegistersNode(t *testing.T) {
	cfg := baseTestConfig("127.0.0.1:0")
	app, err := New(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := app.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	resp, err := http.Get("http://" + app.Addr() + "/api/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(app.client.GetService(ServiceName)) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected dashboard node to be discoverable")
		}
		time.Sleep(10 * time.Millisecond)
	}

	metricsResp, err := http.Get("http://" + app.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	body, _ := io.ReadAll(metricsResp.Body)
	_ = metricsResp.Body.Close()
	if !strings.Contains(string(body), "grc_dashboard_http_requests_total") {
		t.Fatalf("expected request counter in metrics output")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := app.Stop(ctx); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := app.Stop(ctx); err != nil {
		t.Fatalf("second Stop must be a no-op, got %v", err)
	}
}

type noCounterProvider struct {
	backend.Provider
}

func (noCounterProvider) Incr(context.Context, string) (int64, error) {
	return 0, errors.New("counter unavailable")
}

func TestRegisterNodeLogsNodeIDFailure(t *testing.T) {
	client, err := grc.New(grc.WithProvider(noCounterProvider{Provider: memory.NewProvider()}))
	if err != nil {
		t.Fatalf("grc.New returned error: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	core, logs := observer.New(zapcore.WarnLevel)
	app := &App{client: client, logger: zap.New(core)}
	app.registerNode("127.0.0.1:12345")

	entries := logs.FilterMessage("dashboard node id allocation failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one allocation warning, got %d", len(entries))
	}
}

func TestBuildRootHandler(t *testing.T) {
	dist := t.TempDir()
	writeFile(t, filepath.Join(dist, "index.html"), "<html>grc</html>")
	writeFile(t, filepath.Join(dist, "js", "app.js"), "console.log('grc')")

	apiInvoked := false
	apiHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			t.Fatalf("unexpected path passed to API handler: %s", r.URL.Path)
		}
		apiInvoked = true
		w.WriteHeader(http.StatusNoContent)
	})
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	handler, err := BuildRootHandler(apiHandler, metricsHandler, dist)
	if err != nil {
		t.Fatalf("BuildRootHandler returned error: %v", err)
	}

	serve := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	t.Run("serves index", func(t *testing.T) {
		rec := serve("/")
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "grc") {
			t.Fatalf("expected index page, got %d", rec.Code)
		}
		if rec.Header().Get("Content-Type") == "" {
			t.Fatalf("expected Content-Type header for index page")
		}
	})

	t.Run("serves assets", func(t *testing.T) {
		rec := serve("/js/app.js")
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "console.log") {
			t.Fatalf("expected asset, got %d", rec.Code)
		}
	})

	t.Run("falls back to index for client routes", func(t *testing.T) {
		rec := serve("/services/Order")
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "<html>") {
			t.Fatalf("expected index fallback, got %d", rec.Code)
		}
	})

	t.Run("returns not found for missing assets", func(t *testing.T) {
		if rec := serve("/js/missing.js"); rec.Code != http.StatusNotFound {
			t.Fatalf("expected status 404, got %d", rec.Code)
		}
	})

	t.Run("forwards api traffic", func(t *testing.T) {
		rec := serve("/api/health")
		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected status 204, got %d", rec.Code)
		}
		if !apiInvoked {
			t.Fatalf("expected API handler to be invoked")
		}
	})

	t.Run("serves metrics", func(t *testing.T) {
		if rec := serve("/metrics"); rec.Code != http.StatusAccepted {
			t.Fatalf("expected metrics handler, got %d", rec.Code)
		}
	})
}

func TestBuildRootHandlerWithoutViews(t *testing.T) {
	handler, err := BuildRootHandler(http.NotFoundHandler(), nil, "")
	if err != nil {
		t.Fatalf("BuildRootHandler returned error: %v", err)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}

	if _, err := BuildRootHandler(http.NotFoundHandler(), nil, t.TempDir()); err == nil {
		t.Fatalf("expected error for dist directory without index.html")
	}
}

func TestCheckViewsProxy(t *testing.T) {
	if err := CheckViewsProxy(views.Default(), ":12345"); err != nil {
		t.Fatalf("default settings must match default address: %v", err)
	}
	if err := CheckViewsProxy(views.Default(), "127.0.0.1:8080"); !errors.Is(err, ErrProxyPortMismatch) {
		t.Fatalf("expected ErrProxyPortMismatch, got %v", err)
	}
	if err := CheckViewsProxy(views.Settings{}, ":12345"); !errors.Is(err, ErrNoAPIProxy) {
		t.Fatalf("expected ErrNoAPIProxy, got %v", err)
	}

	https := views.Settings{DevServer: views.DevServer{Proxy: map[string]views.ProxyRule{
		"/": {Target: "https://dashboard.internal"},
	}}}
	if err := CheckViewsProxy(https, ":443"); err != nil {
		t.Fatalf("expected default https port to match: %v", err)
	}
}

func TestResolveProjectPathFindsGoMod(t *testing.T) {
	path, err := resolveProjectPath("go.mod")
	if err != nil {
		t.Fatalf("resolveProjectPath returned error: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected go.mod to exist at %s: %v", path, err)
	}
}

func TestResolveProjectPathUnknownTarget(t *testing.T) {
	if _, err := resolveProjectPath("definitely-not-a-real-file"); err == nil {
		t.Fatalf("expected error for missing resource")
	}
	if _, ok := resolveViewsDir("definitely-not-a-real-dir"); ok {
		t.Fatalf("expected missing views dir to be reported")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func baseTestConfig(address string) config.Config {
	return config.Config{
		Address: address,
		Provider: config.Provider{
			Type:     backend.Memory,
			BasePath: "/grc",
		},
		SyncInterval:         time.Minute,
		ShutdownGracePeriod:  50 * time.Millisecond,
		ReadHeaderTimeout:    20 * time.Millisecond,
		WriteTimeout:         time.Second,
		IdleTimeout:          40 * time.Millisecond,
		EnableRequestLogging: false,
		RateLimitRPS:         0,
		RateLimitBurst:       0,
		LogLevel:             "info",
		Views:                views.Default(),
	}
}
