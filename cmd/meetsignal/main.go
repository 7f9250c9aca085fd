package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/avatarmeet/meetsignal/internal/avatar"
	"github.com/avatarmeet/meetsignal/internal/config"
	"github.com/avatarmeet/meetsignal/internal/httpserver"
	"github.com/avatarmeet/meetsignal/internal/metrics"
	"github.com/avatarmeet/meetsignal/internal/registry"
	"github.com/avatarmeet/meetsignal/internal/room"
	"github.com/avatarmeet/meetsignal/internal/signaling"
	"github.com/avatarmeet/meetsignal/internal/timeline"
	"github.com/avatarmeet/meetsignal/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
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

	logger.Info("starting meetsignal",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"room_capacity", cfg.RoomCapacity,
		"timeline_max_events", cfg.TimelineMaxEvents,
		"timeline_retention", cfg.TimelineRetention,
		"ws_idle_timeout", cfg.WSIdleTimeout,
		"ws_ping_interval", cfg.WSPingInterval,
		"max_message_bytes", cfg.MaxMessageBytes,
		"upload_max_bytes", cfg.UploadMaxBytes,
	)

	if len(cfg.AllowedOrigins) == 0 {
		logger.Warn("no allowed origins configured, cross-origin browsers are limited to same-host")
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})

	m := metrics.New()
	names := registry.New(cfg.DefaultUsernamePrefix)
	rooms := room.NewDirectory(cfg.RoomCapacity, names)
	tl := timeline.NewLog(cfg.TimelineMaxEvents, cfg.TimelineRetention)

	ws := signaling.NewWSServer(cfg, m, logger)
	ws.SetHandler(signaling.NewDispatcher(rooms, names, tl, ws, m))
	srv.Mux().Handle("GET /ws", ws)

	uploads := avatar.NewHandler(cfg.UploadMaxBytes, m, logger)
	srv.HandleWithOrigin("POST /upload-avatar", uploads.ServeHTTP)

	srv.RegisterMeetRoutes(httpserver.MeetDeps{
		Rooms:     rooms,
		ConnCount: ws.ConnCount,
		Started:   time.Now(),
	})

	var turnGen *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		turnGen, err = turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			logger.Error("invalid TURN REST configuration", "err", err)
			os.Exit(2)
		}
		logger.Info("TURN REST credentials enabled", "ttl_seconds", cfg.TURNREST.TTLSeconds)
	}
	srv.RegisterICEConfigRoute(turnGen)

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	sweeper := timeline.NewSweeper(tl)
	go sweeper.Run(sweepCtx, m)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		stopSweep()
		ws.Close()
		if err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	stopSweep()
	ws.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, built string) (string, string) {
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
				if built == "" {
					built = s.Value
				}
			}
		}
	}

	return commit, built
}
