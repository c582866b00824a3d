package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"go.uber.org/zap"

	"github.com/eugenenazirov/grc/internal/application"
	"github.com/eugenenazirov/grc/internal/config"
	"github.com/eugenenazirov/grc/internal/logging"
)

var signalNotify = signal.Notify

type stopper interface {
	Stop(ctx context.Context) error
}

func main() {
	kingpinApp := kingpin.New("grc-dashboard", "Remote configuration center dashboard - browse and edit service config stored in etcd")
	configFile := kingpinApp.Flag("config", "Path to YAML configuration file").Short('c').String()

	serveCmd := kingpinApp.Command("serve", "Run the dashboard HTTP server").Default()
	address := serveCmd.Flag("address", "HTTP listen address").String()
	provider := serveCmd.Flag("provider", "Key/value backend (memory or etcd)").Enum("memory", "etcd")
	endpoints := serveCmd.Flag("endpoints", "Comma-separated etcd endpoints").String()
	basePath := serveCmd.Flag("base-path", "Key prefix shared with the config clients").String()
	logLevel := serveCmd.Flag("log-level", "Log level (debug, info, warn, error)").String()
	rateLimitRPSFlag := serveCmd.Flag("rate-limit-rps", "Requests per second allowed (set 0 to disable)").Default("-1").Float64()
	rateLimitBurstFlag := serveCmd.Flag("rate-limit-burst", "Burst capacity for rate limiter (set 0 to disable)").Default("-1").Int()

	viewsCmd := kingpinApp.Command("views", "Print the views build settings")
	format := viewsCmd.Flag("format", "Output format").Default("json").Enum("json", "yaml")

	command := kingpin.MustParse(kingpinApp.Parse(os.Args[1:]))

	overrides := &config.CLIOverrides{
		ConfigFile: *configFile,
	}

	if *address != "" {
		overrides.Address = address
	}

	if *provider != "" {
		overrides.Provider = provider
	}

	if *endpoints != "" {
		overrides.Endpoints = endpoints
	}

	if *basePath != "" {
		overrides.BasePath = basePath
	}

	if *logLevel != "" {
		overrides.LogLevel = logLevel
	}

	if *rateLimitRPSFlag >= 0 {
		overrides.RateLimitRPS = rateLimitRPSFlag
	}

	if *rateLimitBurstFlag >= 0 {
		overrides.RateLimitBurst = rateLimitBurstFlag
	}

	cfg, err := config.Load(overrides)
	if err != nil {
		kingpinApp.Fatalf("failed to load configuration: %v", err)
	}

	if command == viewsCmd.FullCommand() {
		if err := printViews(os.Stdout, cfg, *format); err != nil {
			kingpinApp.Fatalf("%v", err)
		}
		return
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() {
		_ = logger.Sync()
	}()

	app, err := application.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize application", zap.Error(err))
	}

	if err := app.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	shutdown(app, cfg.ShutdownGracePeriod, logger)
}

// printViews writes the views settings in the requested format.
func printViews(w io.Writer, cfg config.Config, format string) error {
	var (
		data []byte
		err  error
	)
	switch format {
	case "yaml":
		data, err = cfg.Views.EncodeYAML()
	default:
		data, err = cfg.Views.Encode()
	}
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func shutdown(app stopper, timeout time.Duration, logger *zap.Logger) {
	quit := make(chan os.Signal, 1)
	signalNotify(quit, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := app.Stop(ctx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}
}
