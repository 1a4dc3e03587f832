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
	"time"

	"github.com/wimz/cloud-relay/internal/auth"
	"github.com/wimz/cloud-relay/internal/config"
	"github.com/wimz/cloud-relay/internal/httpserver"
	"github.com/wimz/cloud-relay/internal/metrics"
	"github.com/wimz/cloud-relay/internal/relay"
	"github.com/wimz/cloud-relay/internal/store"
	"github.com/wimz/cloud-relay/internal/turnclient"
	"github.com/wimz/cloud-relay/internal/ws"
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

	logger.Info("starting wimz-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"ws_ping_interval", cfg.WSPingInterval,
		"app_frame_soft_cap_bytes", cfg.AppFrameSoftCap,
		"stale_command_threshold", cfg.StaleCommandThreshold,
		"rate_limit_max_commands", cfg.RateLimitMax,
		"rate_limit_window", cfg.RateLimitWindow,
		"app_grace_period", cfg.GracePeriod,
		"turn_provider_configured", cfg.TURN.Enabled(),
		"static_ice_servers", len(cfg.ICEServers),
		"redis_url_set", cfg.RedisURL != "",
	)
	if !cfg.TURN.Enabled() && len(cfg.ICEServers) == 0 {
		logger.Warn("no TURN provider and no static ICE servers configured, webrtc requests will fail")
	}

	st, closeStore, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "err", err)
		os.Exit(2)
	}
	defer closeStore()

	manager := relay.NewManager(cfg, logger, metrics.New(), relay.RealClock{})
	defer manager.Shutdown()

	pairings, err := st.GetAllDevicePairings(context.Background())
	if err != nil {
		logger.Error("failed to load device pairings", "err", err)
		os.Exit(2)
	}
	manager.SeedOwners(pairings)
	logger.Info("ownership table loaded", "pairings", len(pairings))

	turn := turnclient.New(cfg.TURN, cfg.ICEServers, logger)
	devices := auth.NewDeviceVerifier(cfg.DeviceSecret, cfg.AuthLegacyLayouts)
	tokens, err := auth.NewTokens(cfg.JWTSecret, cfg.JWTAlgorithm, cfg.JWTExpire)
	if err != nil {
		logger.Error("failed to configure token signing", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, manager, st, turn, devices, tokens,
		httpserver.BuildInfo{Commit: commit, BuildTime: built})

	wsServer := ws.NewServer(cfg, logger, manager, st, turn, devices, tokens)
	wsServer.Register(srv.Mux())

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

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// openStore selects the Redis store when a URL is configured and the
// in-memory store otherwise.
func openStore(cfg config.Config, logger *slog.Logger) (store.Store, func(), error) {
	if cfg.RedisURL == "" {
		logger.Warn("no redis url configured, using the in-memory store; state is lost on restart")
		return store.NewMemory(), func() {}, nil
	}
	rs, err := store.NewRedis(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rs.Ping(pingCtx); err != nil {
		_ = rs.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("redis store connected")
	return rs, func() {
		if err := rs.Close(); err != nil {
			logger.Warn("redis close failed", "err", err)
		}
	}, nil
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
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
