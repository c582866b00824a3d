package application

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/eugenenazirov/grc/internal/api"
	"github.com/eugenenazirov/grc/internal/config"
	"github.com/eugenenazirov/grc/internal/metrics"
	"github.com/eugenenazirov/grc/internal/storage"
	"github.com/eugenenazirov/grc/internal/views"
	"github.com/eugenenazirov/grc/pkg/backend"
	"github.com/eugenenazirov/grc/pkg/backend/etcd"
	"github.com/eugenenazirov/grc/pkg/backend/memory"
	"github.com/eugenenazirov/grc/pkg/grc"
)

// ServiceName is the name the dashboard registers itself under for discovery.
const ServiceName = "GRC_DASHBOARD"

var (
	// ErrNoAPIProxy means no views proxy rule forwards the API prefix.
	ErrNoAPIProxy = errors.New("no views proxy rule covers " + views.DefaultAPIPrefix)
	// ErrProxyPortMismatch means the API proxy target port differs from the listen port.
	ErrProxyPortMismatch = errors.New("views proxy target port differs from the dashboard listen port")
)

// App encapsulates the application dependencies and HTTP server.
type App struct {
	cfg      config.Config
	client   *grc.RemoteConfig
	storage  *storage.Registry
	metrics  *metrics.Metrics
	handler  *api.Handler
	router   http.Handler
	logger   *zap.Logger
	server   *http.Server
	listener net.Listener

	stopOnce sync.Once
	stopErr  error
}

// New initializes the application with all dependencies from the provided configuration.
func New(cfg config.Config, logger *zap.Logger) (*App, error) {
	provider, err := NewProvider(cfg.Provider, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s provider: %w", cfg.Provider.Type, err)
	}

	client, err := grc.New(
		grc.WithProvider(provider),
		grc.WithBasePath(cfg.Provider.BasePath),
		grc.WithLogger(logger),
	)
	if err != nil {
		_ = provider.Close()
		return nil, fmt.Errorf("failed to create config client: %w", err)
	}

	m := metrics.New()
	store := storage.NewRegistry(provider, cfg.Provider.BasePath,
		storage.WithLogger(logger),
		storage.WithSyncObserver(m),
	)

	handler := api.NewHandler(store, api.WithViews(cfg.Views))
	apiRouter := api.NewRouter(handler, logger,
		api.WithLogging(cfg.EnableRequestLogging),
		api.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		api.WithAdminPassword(cfg.AdminPassword),
		api.WithObserver(m),
	)

	distDir, ok := resolveViewsDir(cfg.ViewsDist)
	if !ok {
		logger.Warn("views dist directory not found, UI disabled", zap.String("dir", cfg.ViewsDist))
	}
	rootHandler, err := BuildRootHandler(apiRouter, m.Handler(), distDir)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to build HTTP handler: %w", err)
	}

	if err := CheckViewsProxy(cfg.Views, cfg.Address); err != nil {
		logger.Warn("views proxy does not reach the dashboard", zap.Error(err))
	}

	return &App{
		cfg:     cfg,
		client:  client,
		storage: store,
		metrics: m,
		handler: handler,
		router:  apiRouter,
		logger:  logger,
		server:  NewServer(cfg, rootHandler),
	}, nil
}

// NewProvider creates the key/value backend selected by cfg.
func NewProvider(cfg config.Provider, logger *zap.Logger) (backend.Provider, error) {
	switch cfg.Type {
	case backend.Memory:
		return memory.NewProvider(), nil
	case backend.Etcd:
		return etcd.NewProvider(cfg.Endpoints, cfg.Username, cfg.Password, etcd.WithLogger(logger))
	default:
		return nil, fmt.Errorf("%w: %q", backend.ErrUnknownProvider, cfg.Type)
	}
}

// BuildRootHandler constructs the root HTTP handler that routes API and metrics
// requests and serves the built views from distDir. An empty distDir disables the UI.
func BuildRootHandler(apiHandler, metricsHandler http.Handler, distDir string) (http.Handler, error) {
	mux := http.NewServeMux()
	mux.Handle("/api/", apiHandler)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	if distDir == "" {
		mux.Handle("/", http.NotFoundHandler())
		return mux, nil
	}

	info, err := os.Stat(distDir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", distDir)
	}
	if _, err := os.Stat(filepath.Join(distDir, "index.html")); err != nil {
		return nil, fmt.Errorf("views index: %w", err)
	}
	mux.Handle("/", spaHandler(distDir))

	return mux, nil
}

// spaHandler serves files from dir and falls back to index.html for client
// side routes. Requests for missing assets still get a 404.
func spaHandler(dir string) http.Handler {
	files := http.FileServer(http.Dir(dir))
	index := filepath.Join(dir, "index.html")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clean := path.Clean("/" + r.URL.Path)
		if clean != "/" {
			info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(clean)))
			if err == nil && !info.IsDir() {
				files.ServeHTTP(w, r)
				return
			}
			if path.Ext(clean) != "" {
				http.NotFound(w, r)
				return
			}
		}
		http.ServeFile(w, r, index)
	})
}

// CheckViewsProxy reports whether the API proxy rule of s targets the port
// the dashboard listens on.
func CheckViewsProxy(s views.Settings, address string) error {
	_, rule, ok := s.Match(views.DefaultAPIPrefix)
	if !ok {
		return ErrNoAPIProxy
	}
	target, err := rule.TargetURL()
	if err != nil {
		return err
	}
	_, listenPort, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("listen address %q: %w", address, err)
	}

	targetPort := target.Port()
	if targetPort == "" {
		targetPort = "80"
		if target.Scheme == "https" {
			targetPort = "443"
		}
	}
	if listenPort != targetPort {
		return fmt.Errorf("%w: target %s, listen %s", ErrProxyPortMismatch, targetPort, listenPort)
	}
	return nil
}

// NewServer creates and configures an HTTP server from the provided configuration.
func NewServer(cfg config.Config, handler http.Handler) *http.Server {
	addr := cfg.Address
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}

	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}

// Start binds the listen address, starts the periodic service sync, serves
// HTTP in a goroutine and registers the dashboard node.
func (a *App) Start() error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.server.Addr, err)
	}
	a.listener = ln

	if err := a.storage.StartSync(a.cfg.SyncInterval); err != nil {
		_ = ln.Close()
		return err
	}

	go func() {
		a.logger.Info("server listening", zap.String("addr", ln.Addr().String()))
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Fatal("server error", zap.Error(err))
		}
	}()

	a.registerNode(ln.Addr().String())
	return nil
}

// registerNode announces the dashboard for discovery. Failures are logged,
// the dashboard keeps serving without a node entry.
func (a *App) registerNode(addr string) {
	if err := a.client.RegisterNode(ServiceName, addr); err != nil {
		a.logger.Warn("dashboard node registration failed", zap.Error(err))
		return
	}
	id, err := a.client.AllocateNodeID(ServiceName)
	if err != nil {
		a.logger.Warn("dashboard node id allocation failed", zap.Error(err))
		return
	}
	a.logger.Info("dashboard node registered", zap.Int64("node_id", id))
}

// Addr returns the bound listen address, or the configured one before Start.
func (a *App) Addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.server.Addr
}

// Server returns the HTTP server instance.
func (a *App) Server() *http.Server {
	return a.server
}

// Stop shuts the server down gracefully, forcing it closed when ctx ends
// first, then stops the sync job and closes the backend.
func (a *App) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() {
		var errs []error
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("graceful shutdown failed", zap.Error(err))
			if closeErr := a.server.Close(); closeErr != nil {
				errs = append(errs, fmt.Errorf("forced close: %w", closeErr))
			}
		}
		if err := a.storage.StopSync(); err != nil {
			errs = append(errs, fmt.Errorf("stop sync: %w", err))
		}
		if err := a.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close backend: %w", err))
		}
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}

// resolveViewsDir returns dir when it exists, otherwise looks for it relative
// to the project root.
func resolveViewsDir(dir string) (string, bool) {
	if dir == "" {
		return "", false
	}
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return dir, true
	}
	if filepath.IsAbs(dir) {
		return "", false
	}
	resolved, err := resolveProjectPath(dir)
	if err != nil {
		return "", false
	}
	return resolved, true
}

// resolveProjectPath locates a file or directory relative to the project root by walking up the directory tree.
func resolveProjectPath(relative string) (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		candidate := filepath.Join(dir, relative)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("unable to locate %s", relative)
}
