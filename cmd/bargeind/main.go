// Command bargeind runs one barge-in session and serves its host API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/bargein/internal/config"
	"github.com/MrWong99/bargein/internal/health"
	"github.com/MrWong99/bargein/internal/hostapi"
	"github.com/MrWong99/bargein/internal/observe"
	"github.com/MrWong99/bargein/internal/session"
	"github.com/MrWong99/bargein/pkg/audio"
	"github.com/MrWong99/bargein/pkg/audio/wscapture"
	"github.com/MrWong99/bargein/pkg/provider/vad"
	"github.com/MrWong99/bargein/pkg/provider/vad/energy"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── Environment and flags ─────────────────────────────────────────────────
	// A missing .env is normal; the environment may already be populated.
	_ = godotenv.Load()

	configPath := flag.String("config", envOr("BARGEIN_CONFIG", "config.yaml"), "path to the YAML configuration file")
	listenAddr := flag.String("listen", os.Getenv("BARGEIN_LISTEN_ADDR"), "override server.listen_addr")
	flag.Parse()

	// ── Configuration ─────────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "bargeind: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "bargeind: %v\n", err)
		}
		return 1
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(level))

	slog.Info("bargeind starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"vad", cfg.Providers.VAD.Name,
		"capture", cfg.Providers.Capture.Name,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelProvider, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	engine, err := reg.CreateVAD(cfg.Providers.VAD)
	if err != nil {
		slog.Error("failed to create vad engine", "err", err, "available", reg.Names("vad"))
		return 1
	}
	capture, err := reg.CreateCapture(cfg.Providers.Capture, cfg.VAD)
	if err != nil {
		slog.Error("failed to create capture", "err", err, "available", reg.Names("capture"))
		return 1
	}

	// ── Session ───────────────────────────────────────────────────────────────
	sess, err := session.New(cfg, engine, capture, session.WithMetrics(metrics))
	if err != nil {
		slog.Error("failed to create session", "err", err)
		_ = capture.Close()
		return 1
	}
	if err := sess.Start(ctx); err != nil {
		slog.Error("failed to start session", "err", err, "tier", sess.Mode().Tier)
		_ = sess.Stop(context.Background())
		return 1
	}
	slog.Info("session started", "session_id", sess.ID(), "tier", sess.Mode().Tier)

	hubCtx, stopHub := context.WithCancel(context.Background())
	hub := hostapi.NewHub(sess.Events(), cfg.Session.QueueSize)
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		_ = hub.Run(hubCtx)
	}()

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(sess, level, old, new)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	}

	// ── HTTP ──────────────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	health.New(health.SessionCheck(sess)).Register(mux)
	hostapi.New(sess, hub, hostapi.WithLogLevelHook(func(l config.LogLevel) {
		level.Set(slogLevel(l))
	})).Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler(otelProvider.Registry))

	handler := observe.Middleware(metrics,
		observe.WithRoutes(mux),
		observe.WithQuietPaths("/healthz", "/readyz", "/metrics"),
	)(mux)
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	slog.Info("server ready, press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)

	exit := 0
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping")
	case err := <-serveErr:
		if err != nil {
			slog.Error("http server failed", "err", err)
			exit = 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if watcher != nil {
		watcher.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := sess.Stop(shutdownCtx); err != nil {
		slog.Error("session stop error", "err", err)
		exit = 1
	}
	stopHub()
	<-hubDone

	slog.Info("goodbye", "restarts", sess.Restarts())
	return exit
}

// applyReload pushes the live parts of a reloaded config into the session.
// Provider, listener and TLS changes only take effect after a restart.
func applyReload(sess *session.Session, level *slog.LevelVar, old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.RestartRequired {
		slog.Warn("config change needs a restart to take effect", "reasons", d.RestartReasons)
	}
	if len(d.Sections) == 0 {
		return
	}
	err := sess.Update(func(c *config.Config) {
		c.Server.LogLevel = new.Server.LogLevel
		c.VAD = new.VAD
		c.BargeIn = new.BargeIn
		c.Interrupt = new.Interrupt
		c.Fallback = new.Fallback
		c.Monitor = new.Monitor
		c.Session = new.Session
	})
	if err != nil {
		slog.Error("config reload rejected", "err", err)
		return
	}
	slog.Info("config reloaded", "sections", d.Sections)
}

// ── Provider wiring ───────────────────────────────────────────────────────────

func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	// websocket reads frames from a relay that owns the microphone.
	reg.RegisterCapture("websocket", func(entry config.ProviderEntry, v config.VADConfig) (audio.Capture, error) {
		if entry.URL == "" {
			return nil, errors.New("websocket capture: url is required")
		}
		opts := entry.Options
		var hdr http.Header
		if token := config.OptString(opts, "token", os.Getenv("BARGEIN_CAPTURE_TOKEN")); token != "" {
			hdr = http.Header{"Authorization": {"Bearer " + token}}
		}
		wsOpts := []wscapture.Option{
			wscapture.WithFormat(v.SampleRate, config.OptInt(opts, "channels", 1)),
			wscapture.WithCodec(wscapture.Codec(config.OptString(opts, "codec", string(wscapture.CodecPCM16)))),
			wscapture.WithQueueSize(config.OptInt(opts, "queue_size", 0)),
		}
		if hdr != nil {
			wsOpts = append(wsOpts, wscapture.WithHeader(hdr))
		}
		return wscapture.New(entry.URL, wsOpts...), nil
	})
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
