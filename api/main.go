package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"deploywatch/api/config"
	"deploywatch/api/handler"
	"deploywatch/api/health"
	"deploywatch/api/hub"
	"deploywatch/api/session"
	"deploywatch/api/telemetry"
	"deploywatch/backend"
	"deploywatch/logger"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

// run returns instead of exiting so its deferred cleanups always run.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if err := logger.Init(cfg.Environment, cfg.LogLevel); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()
	lg := logger.Get()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, lg); err != nil {
		lg.Error("server", zap.Error(err))
		return err
	}
	return nil
}

// serve runs the relay until ctx is cancelled or the listener fails.
func serve(ctx context.Context, cfg *config.Config, lg *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := telemetry.New(reg)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	client := backend.New(cfg.BackendURL)
	stream := backend.NewStream(cfg.PushURL(), backend.WithStreamLogger(lg.Named("push")))
	defer stream.Close()

	ws := hub.New(cfg.AllowedOrigins, lg.Named("hub"))
	sessions := session.NewManager(client, stream, ws, metrics,
		session.WithLogger(lg.Named("session")),
		session.WithPollInterval(cfg.PollInterval),
	)
	poller := &health.Poller{Backend: client, Push: stream, Log: lg.Named("health")}

	h := handler.New(client, sessions, ws, poller, Version, lg)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	h.Routes(r)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	// Serve UI static files in production
	if cfg.UIDir != "" {
		fileServer(r, cfg.UIDir)
	}

	srv := &http.Server{
		Addr:    cfg.BindAddr + ":" + cfg.Port,
		Handler: r,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ws.Run(ctx)
		return nil
	})
	g.Go(func() error {
		poller.Run(ctx)
		return nil
	})
	g.Go(func() error {
		lg.Info("deploywatch relay listening",
			zap.String("version", Version),
			zap.String("addr", srv.Addr),
			zap.String("backend", cfg.BackendURL),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		lg.Info("shutting down")
		sessions.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func fileServer(r chi.Router, dir string) {
	fs := http.FileServer(http.Dir(dir))
	r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
		if _, err := os.Stat(dir + r.URL.Path); os.IsNotExist(err) {
			http.ServeFile(w, r, dir+"/index.html")
			return
		}
		fs.ServeHTTP(w, r)
	})
}
