package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ayush68824/Qonv-back/internal/config"
	"github.com/ayush68824/Qonv-back/internal/httpserver"
	"github.com/ayush68824/Qonv-back/internal/mediastore"
	"github.com/ayush68824/Qonv-back/internal/metrics"
	"github.com/ayush68824/Qonv-back/internal/pairing"
	"github.com/ayush68824/Qonv-back/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	// A missing .env file is fine; real deployments set the environment.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	trustedMediaOrigin, ok := cfg.TrustedMediaOrigin()
	if !ok {
		logger.Error("public base url does not normalize to an origin", "public_base_url", cfg.PublicBaseURL)
		os.Exit(2)
	}

	logger.Info("starting qonv-server",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"max_participants", cfg.MaxParticipants,
		"ws_idle_timeout", cfg.WSIdleTimeout,
		"max_event_bytes", cfg.MaxEventBytes,
		"max_events_per_second", cfg.MaxEventsPerSecond,
		"media_dir", cfg.MediaDir,
	)

	if len(cfg.AllowedOrigins) == 0 {
		logger.Warn("ALLOWED_ORIGINS not set; browser origins are restricted to the request host")
	}

	m := metrics.New()

	hub := pairing.NewHub(pairing.Config{
		Logger:             logger,
		Metrics:            m,
		TrustedMediaOrigin: trustedMediaOrigin,
		MaxParticipants:    cfg.MaxParticipants,
		SendBuffer:         cfg.SendBuffer,
	})
	go hub.Run()
	defer hub.Stop()

	store, err := mediastore.New(cfg.MediaDir, cfg.MaxUploadBytes)
	if err != nil {
		logger.Error("failed to open media store", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, m, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt})

	ws := signaling.NewServer(signaling.Config{
		Logger:          logger,
		Metrics:         m,
		Hub:             hub,
		AllowedOrigins:  cfg.AllowedOrigins,
		IdleTimeout:     cfg.WSIdleTimeout,
		PingInterval:    cfg.WSPingInterval,
		MaxEventBytes:   cfg.MaxEventBytes,
		EventsPerSecond: int64(cfg.MaxEventsPerSecond),
	})
	ws.RegisterRoutes(srv.Mux())

	media := mediastore.NewHandler(logger, m, store, cfg.PublicBaseURL)
	media.RegisterRoutes(srv.Mux())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	hub.Stop()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
