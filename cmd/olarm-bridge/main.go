package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"olarm-bridge/internal/bridge"
	"olarm-bridge/internal/olarm"
	"olarm-bridge/internal/state"
	"olarm-bridge/internal/store"
	"olarm-bridge/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Olarm struct {
		Email    string `yaml:"email"`
		Password string `yaml:"password"`
		APIKey   string `yaml:"api_key"`
		DeviceID string `yaml:"device_id"`
	} `yaml:"olarm"`
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	Web                 struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.Olarm.Email == "" || c.Olarm.Password == "" {
		return fmt.Errorf("olarm.email and olarm.password are required")
	}
	if c.PollIntervalSeconds < 0 {
		return fmt.Errorf("poll_interval_seconds must not be negative")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("olarm-bridge starting", "version", version)

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	client := olarm.New(olarm.Config{
		Email:    cfg.Olarm.Email,
		Password: cfg.Olarm.Password,
		APIKey:   cfg.Olarm.APIKey,
	}, db, logger)

	bus := state.NewEventBus(logger)
	sync := state.NewSynchronizer(bus, logger)

	// Authenticate and resolve the panel. Auth failure is not fatal:
	// the bridge degrades to polling with the API key.
	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	device := olarm.Device{ID: cfg.Olarm.DeviceID}
	authOK := false
	if err := client.Initialize(initCtx); err != nil {
		logger.Error("authentication failed, continuing with polling only", "err", err)
	} else {
		authOK = true
		dev, err := client.Resolve(initCtx, cfg.Olarm.DeviceID)
		if err != nil {
			logger.Error("resolve device", "err", err)
		} else {
			device = *dev
			logger.Info("device resolved", "id", device.ID, "imei", device.IMEI,
				"name", device.Name, "firmware", device.Firmware)
		}
	}
	initCancel()

	if device.ID == "" {
		logger.Error("no device to bridge: set olarm.device_id or fix credentials")
		os.Exit(1)
	}

	poller := bridge.NewPoller(func(ctx context.Context) (*state.Snapshot, error) {
		return client.FetchState(ctx, device.ID)
	}, sync, time.Duration(cfg.PollIntervalSeconds)*time.Second, logger)

	stream := bridge.NewStream(device, sync, bus, poller, logger)
	if authOK && device.IMEI != "" {
		if err := stream.Connect(client.AccessToken()); err != nil {
			logger.Warn("stream connect failed, falling back to polling", "err", err)
			poller.Activate()
		}
	} else {
		poller.Activate()
	}

	router := bridge.NewRouter(stream, client, device.ID, logger)

	// Start automation engine (no-op when built with no_automation tag).
	auto := initAutomation(bus, router, cfg, logger)

	// Start status server
	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))

	webServer := web.NewServer(sync, bus, stream, router, device, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("status server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	stream.Close()
	poller.Deactivate()

	logger.Info("goodbye")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.PollIntervalSeconds == 0 {
		cfg.PollIntervalSeconds = 300
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "olarm-bridge.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
