// Package main is the party screen: it follows one session's prompts and
// images as they change and dispatches pending prompts for generation.
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

	"github.com/google/uuid"
	"github.com/kiranshivaraju/partypix/internal/cache"
	"github.com/kiranshivaraju/partypix/internal/config"
	"github.com/kiranshivaraju/partypix/internal/dispatch"
	"github.com/kiranshivaraju/partypix/internal/queue"
	"github.com/kiranshivaraju/partypix/internal/realtime"
	"github.com/kiranshivaraju/partypix/internal/store"
	"github.com/spf13/cobra"
)

var errSessionEnded = errors.New("session is not active")

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("party screen failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "partyscreen --session <id>",
		Short: "Show a party session live and dispatch its prompts",
		Long: `Follow one party session: prompt counts by status and stored images are
logged as they change. Unless --no-dispatch is set, every pending prompt is
handed to the image generator over HTTP or RabbitMQ (DISPATCH_MODE).

Examples:
  partyscreen --session 6f1c...
  DISPATCH_MODE=queue RABBIT_URL=amqp://... partyscreen --session 6f1c...
  partyscreen --session 6f1c... --no-dispatch`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, _ := cmd.Flags().GetString("session")
			sessionID, err := uuid.Parse(raw)
			if err != nil {
				return fmt.Errorf("invalid --session %q: %w", raw, err)
			}
			noDispatch, _ := cmd.Flags().GetBool("no-dispatch")

			cfg, err := config.LoadViewer()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return run(cmd.Context(), cfg, sessionID, !noDispatch)
		},
	}
	cmd.Flags().String("session", "", "party session id")
	cmd.Flags().Bool("no-dispatch", false, "only watch; leave dispatch to another process")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, sessionID uuid.UUID, withDispatch bool) error {
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	pgStore := store.NewPostgresStore(pool)

	session, err := pgStore.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if !session.IsActive {
		return fmt.Errorf("%w: %s", errSessionEnded, sessionID)
	}

	var workers sync.WaitGroup
	defer workers.Wait()
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	bus := realtime.NewPGBus(pool, realtime.DefaultNotifyChannel)
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := bus.Run(workerCtx); err != nil {
			slog.Error("change listener stopped", "error", err)
		}
	}()

	scr, err := openScreen(workerCtx, bus, pgStore, sessionID, cfg.Dispatch.MinRefetchInterval)
	if err != nil {
		return err
	}
	defer scr.Close()
	slog.Info("party screen started", "session_id", sessionID, "dispatch", withDispatch)

	if !withDispatch {
		<-ctx.Done()
		return nil
	}

	dispatcher, closeDispatcher, err := newDispatcher(cfg)
	if err != nil {
		return err
	}
	defer closeDispatcher()

	guard, closeGuard := newGuard(ctx, cfg)
	defer closeGuard()

	trigger, err := dispatch.NewTrigger(dispatch.TriggerConfig{
		SessionID:          sessionID,
		Store:              pgStore,
		Bus:                bus,
		Dispatcher:         dispatcher,
		Guard:              guard,
		MinRefetchInterval: cfg.Dispatch.MinRefetchInterval,
		Timeout:            cfg.Dispatch.Timeout,
	})
	if err != nil {
		return fmt.Errorf("create trigger: %w", err)
	}

	// Run returns after in-flight dispatches finish.
	if err := trigger.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("dispatch trigger: %w", err)
	}
	slog.Info("party screen stopped", "session_id", sessionID)
	return nil
}

// newDispatcher builds the dispatcher for http or queue mode.
func newDispatcher(cfg *config.Config) (dispatch.Dispatcher, func(), error) {
	switch cfg.Dispatch.Mode {
	case config.DispatchQueue:
		pub, err := queue.NewPublisher(cfg.Queue.URL, cfg.Queue.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("create queue publisher: %w", err)
		}
		return pub, func() { _ = pub.Close() }, nil
	case config.DispatchHTTP:
		client := &http.Client{Timeout: cfg.Dispatch.Timeout}
		return dispatch.NewHTTPDispatcher(cfg.Dispatch.GenerateURL, client), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("dispatch mode %q is not available to the party screen", cfg.Dispatch.Mode)
	}
}

// newGuard shares dispatch claims through Redis when it is configured and
// reachable, so several screens on one session dispatch each prompt once.
func newGuard(ctx context.Context, cfg *config.Config) (dispatch.Guard, func()) {
	local := dispatch.NewLocalGuard(cfg.Dispatch.ClaimTTL)
	if cfg.Redis.URL == "" {
		return local, func() {}
	}

	rc, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		slog.Warn("redis unavailable, claims stay local", "error", err)
		return local, func() {}
	}
	if err := rc.Ping(ctx); err != nil {
		slog.Warn("redis unreachable, claims stay local", "error", err)
		_ = rc.Close()
		return local, func() {}
	}
	return dispatch.NewCacheGuard(rc, cfg.Dispatch.ClaimTTL), func() { _ = rc.Close() }
}
