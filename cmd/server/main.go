// Package main is the entrypoint for the partypix API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kiranshivaraju/partypix/internal/api"
	"github.com/kiranshivaraju/partypix/internal/api/handler"
	mw "github.com/kiranshivaraju/partypix/internal/api/middleware"
	"github.com/kiranshivaraju/partypix/internal/api/response"
	"github.com/kiranshivaraju/partypix/internal/blob"
	"github.com/kiranshivaraju/partypix/internal/cache"
	"github.com/kiranshivaraju/partypix/internal/config"
	"github.com/kiranshivaraju/partypix/internal/credentials"
	"github.com/kiranshivaraju/partypix/internal/dispatch"
	"github.com/kiranshivaraju/partypix/internal/imagegen"
	"github.com/kiranshivaraju/partypix/internal/images"
	"github.com/kiranshivaraju/partypix/internal/party"
	"github.com/kiranshivaraju/partypix/internal/queue"
	"github.com/kiranshivaraju/partypix/internal/realtime"
	"github.com/kiranshivaraju/partypix/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"dispatch_mode", cfg.Dispatch.Mode,
		"dispatch_in_process", cfg.Dispatch.InProcess,
		"default_provider", cfg.Generation.DefaultProvider,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Services
	pgStore := store.NewPostgresStore(pool)

	cipher, err := credentials.NewCipher(cfg.Credentials.Key)
	if err != nil {
		return fmt.Errorf("create credential cipher: %w", err)
	}
	resolver := credentials.NewResolver(pgStore, cipher)

	blobs, err := blob.NewFSStore(cfg.Storage.Dir, cfg.Storage.Bucket)
	if err != nil {
		return fmt.Errorf("open image storage: %w", err)
	}
	gallery := images.NewService(pgStore, blobs, cfg.Server.PublicBaseURL, cfg.Storage.Bucket)

	providerClient := &http.Client{Timeout: cfg.Generation.Timeout + 10*time.Second}
	registry := imagegen.NewRegistry(cfg.Generation, providerClient)
	generator := imagegen.NewService(pgStore, resolver, gallery, registry,
		imagegen.NewDownloader(providerClient, imagegen.DefaultMaxImageBytes),
		imagegen.Config{
			DefaultProvider: cfg.Generation.DefaultProvider,
			Width:           cfg.Generation.Width,
			Height:          cfg.Generation.Height,
			Timeout:         cfg.Generation.Timeout,
		})
	slog.Info("image providers registered", "providers", registry.Names())

	partySvc := party.NewService(pgStore, resolver, gallery, cfg.Server.PublicBaseURL)

	// 6. Background workers: change listener, queue consumer, in-process dispatch
	var workers sync.WaitGroup
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer func() {
		cancelWorkers()
		workers.Wait()
	}()

	bus := realtime.NewPGBus(pool, realtime.DefaultNotifyChannel)
	goWorker(&workers, "change listener", func() error { return bus.Run(workerCtx) })

	if cfg.Dispatch.Mode == config.DispatchQueue {
		worker := dispatch.NewDirectDispatcher(generator, imagegen.GenerateOptions{})
		consumer, err := queue.NewConsumer(cfg.Queue.URL, cfg.Queue.Name, cfg.Queue.Concurrency, worker.Dispatch)
		if err != nil {
			return fmt.Errorf("create queue consumer: %w", err)
		}
		defer consumer.Close()
		goWorker(&workers, "queue consumer", func() error { return consumer.Run(workerCtx) })
	}

	if cfg.Dispatch.InProcess {
		dispatcher, closeDispatcher, err := newDispatcher(cfg, generator)
		if err != nil {
			return err
		}
		defer closeDispatcher()

		supervisor := dispatch.NewSupervisor(dispatch.SupervisorConfig{
			Sessions: pgStore,
			Bus:      bus,
			Template: dispatch.TriggerConfig{
				Store:              pgStore,
				Bus:                bus,
				Dispatcher:         dispatcher,
				Guard:              dispatch.NewCacheGuard(redisCache, cfg.Dispatch.ClaimTTL),
				MinRefetchInterval: cfg.Dispatch.MinRefetchInterval,
				Timeout:            cfg.Dispatch.Timeout,
			},
			MinRefetchInterval: cfg.Dispatch.MinRefetchInterval,
		})
		goWorker(&workers, "dispatch supervisor", func() error { return supervisor.Run(workerCtx) })
	}

	// 7. Build router with dependencies
	sessions := handler.NewSessionHandler(partySvc)
	keys := handler.NewKeyHandler(resolver)

	deps := api.Dependencies{
		GuestRateLimit: mw.NewRateLimit(redisCache, "prompts", cfg.Server.GuestRateLimit),
		TrustProxy:     cfg.Server.TrustProxy,

		HealthHandler: healthHandler(pgStore, redisCache),
		MediaHandler:  handler.NewMediaHandler(blobs, cfg.Storage.Bucket),

		SubmitPrompt:  handler.NewSubmitPromptHandler(partySvc),
		GenerateImage: handler.NewGenerateImageHandler(generator),

		CreateSession: sessions.Create,
		ListSessions:  sessions.List,
		GetSession:    sessions.Get,
		UpdateSession: sessions.Update,
		DeleteSession: sessions.Delete,
		EndSession:    sessions.End,
		ShareSession:  sessions.Share,
		ListPrompts:   sessions.Prompts,
		ListImages:    sessions.Images,
		DeleteImage:   sessions.DeleteImage,

		ListKeys:  keys.List,
		PutKey:    keys.Put,
		DeleteKey: keys.Delete,
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Generation.Timeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// Stop dispatch before the queue and dispatcher connections close.
	cancelWorkers()
	workers.Wait()

	slog.Info("server stopped gracefully")
	return nil
}

// newDispatcher builds the outbound dispatcher for the configured mode. The
// returned func releases whatever the dispatcher holds open.
func newDispatcher(cfg *config.Config, gen *imagegen.Service) (dispatch.Dispatcher, func(), error) {
	switch cfg.Dispatch.Mode {
	case config.DispatchDirect:
		return dispatch.NewDirectDispatcher(gen, imagegen.GenerateOptions{}), func() {}, nil
	case config.DispatchQueue:
		pub, err := queue.NewPublisher(cfg.Queue.URL, cfg.Queue.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("create queue publisher: %w", err)
		}
		return pub, func() { _ = pub.Close() }, nil
	default:
		client := &http.Client{Timeout: cfg.Dispatch.Timeout}
		return dispatch.NewHTTPDispatcher(cfg.Dispatch.GenerateURL, client), func() {}, nil
	}
}

func goWorker(wg *sync.WaitGroup, name string, fn func() error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := fn(); err != nil {
			slog.Error("worker stopped", "worker", name, "error", err)
			return
		}
		slog.Info("worker stopped", "worker", name)
	}()
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
