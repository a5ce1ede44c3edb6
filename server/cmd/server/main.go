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
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/obsidianstack/vigil/server/internal/annotate"
	"github.com/obsidianstack/vigil/server/internal/api"
	"github.com/obsidianstack/vigil/server/internal/auth"
	"github.com/obsidianstack/vigil/server/internal/config"
	"github.com/obsidianstack/vigil/server/internal/deadletter"
	"github.com/obsidianstack/vigil/server/internal/logging"
	"github.com/obsidianstack/vigil/server/internal/metrics"
	"github.com/obsidianstack/vigil/server/internal/pipeline"
	"github.com/obsidianstack/vigil/server/internal/source"
	"github.com/obsidianstack/vigil/server/internal/store"
	"github.com/obsidianstack/vigil/server/internal/ws"
)

// hubInterval is how often websocket clients get a full incident snapshot.
const hubInterval = 5 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	replay := flag.Bool("replay-deadletter", false, "print the dead-letter log as JSON lines and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}

	if *replay {
		n, err := deadletter.Dump(cfg.DeadLetter.Dir, os.Stdout)
		if err != nil {
			slog.Error("dead-letter replay failed", "dir", cfg.DeadLetter.Dir, "err", err)
			os.Exit(1)
		}
		slog.Info("dead-letter replay done", "dir", cfg.DeadLetter.Dir, "entries", n)
		return
	}

	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.Logging.Level))
	slog.SetDefault(logging.New(os.Stdout, level, cfg.Logging.JSON))

	slog.Info("vigil starting",
		"config", *configPath,
		"http_port", cfg.Server.HTTPPort,
		"grpc_port", cfg.Server.GRPCPort,
		"auth_mode", cfg.Server.Auth.Mode,
		"detectors", len(cfg.Detectors),
		"channels", len(cfg.Channels),
		"sources", len(cfg.Sources),
	)

	if err := run(*configPath, cfg, level); err != nil {
		slog.Error("vigil stopped with error", "err", err)
		os.Exit(1)
	}
	slog.Info("vigil stopped")
}

func run(configPath string, cfg *config.Config, level *slog.LevelVar) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	holder := config.NewHolder(cfg)
	st := store.New(cfg.Incidents.TTL)

	dl, err := deadletter.Open(cfg.DeadLetter.Dir)
	if err != nil {
		return err
	}
	defer dl.Close() //nolint:errcheck

	var annotator *annotate.Annotator
	if cfg.Annotations.Enabled {
		client := annotate.NewGrafanaClient(cfg.Annotations.URL(), cfg.Annotations.Token(), cfg.Annotations.Timeout)
		annotator = annotate.New(client, cfg.Annotations.Mappings)
		slog.Info("annotations enabled", "mappings", len(cfg.Annotations.Mappings))
	}

	hub := ws.New(st, hubInterval)

	p, err := pipeline.New(holder.Load(), pipeline.Deps{
		Store:      st,
		Annotator:  annotator,
		DeadLetter: dl,
		Publish:    hub.Publish,
	})
	if err != nil {
		return err
	}

	sources := make([]source.Source, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		src, err := source.New(sc)
		if err != nil {
			return err
		}
		sources = append(sources, src)
	}

	// HTTP: API, metrics and websocket stream on one port.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/ws/events", hub)
	mux.Handle("/", api.New(p, st))

	authCfg := cfg.Server.Auth
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           auth.Middleware(authCfg.Mode, authCfg.EffectiveHeader(), authCfg.Key(), mux, "/health", "/metrics"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// gRPC: standard health service behind the API-key interceptor.
	var grpcSrv *grpc.Server
	var healthSrv *health.Server
	var grpcLis net.Listener
	if cfg.Server.GRPCPort > 0 {
		grpcLis, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
		if err != nil {
			return fmt.Errorf("listen grpc :%d: %w", cfg.Server.GRPCPort, err)
		}
		grpcSrv = grpc.NewServer(grpc.UnaryInterceptor(
			auth.APIKeyInterceptor(authCfg.Mode, authCfg.EffectiveHeader(), authCfg.Key()),
		))
		healthSrv = health.NewServer()
		healthpb.RegisterHealthServer(grpcSrv, healthSrv)
		healthSrv.SetServingStatus("vigil", healthpb.HealthCheckResponse_SERVING)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if grpcSrv != nil {
		g.Go(func() error {
			slog.Info("gRPC health service listening", "port", cfg.Server.GRPCPort)
			if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error { st.Run(gctx); return nil })
	g.Go(func() error { hub.Run(gctx); return nil })
	g.Go(func() error { p.Run(gctx); return nil })

	for _, src := range sources {
		g.Go(func() error {
			// A broken feed must not take the server down.
			if err := src.Run(gctx, p.Submit); err != nil {
				slog.Error("source stopped", "source", src.ID(), "err", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		err := config.Watch(gctx, configPath, func(next *config.Config) {
			snap, err := holder.Apply(next, p.Reload)
			if err != nil {
				metrics.ObserveConfigReload(false)
				slog.Error("config reload rejected, keeping previous config",
					"generation", holder.Load().Generation, "err", err)
				return
			}
			level.Set(logging.ParseLevel(next.Logging.Level))
			metrics.ObserveConfigReload(true)
			slog.Info("config applied", "generation", snap.Generation)
		})
		if err != nil {
			// Hot reload is optional; keep serving the startup config.
			slog.Error("config watch unavailable", "path", configPath, "err", err)
		}
		return nil
	})

	// Shutdown: stop accepting, then drain the pipeline.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
		defer cancel()

		if healthSrv != nil {
			healthSrv.Shutdown()
		}
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown", "err", err)
		}
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
		if err := p.Shutdown(shutdownCtx); err != nil {
			slog.Warn("pipeline drain incomplete", "err", err, "dead_lettered", dl.Count())
		}
		return nil
	})

	return g.Wait()
}
