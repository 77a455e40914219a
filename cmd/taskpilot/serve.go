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

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"taskpilot/internal/auth"
	"taskpilot/internal/config"
	"taskpilot/internal/db"
	"taskpilot/internal/events"
	httpx "taskpilot/internal/http"
	"taskpilot/internal/intake"
	"taskpilot/internal/jobs"
	"taskpilot/internal/quota"
	"taskpilot/internal/submit"
	"taskpilot/internal/worker"
	"taskpilot/internal/workspace"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server, queue and worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := newLogger(cfg)
			slog.SetDefault(log)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	started := time.Now()

	gdb, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if err := db.AutoMigrateAndIndexes(gdb); err != nil {
		return err
	}
	dialect, _ := db.DialectOf(cfg.DatabaseURL)

	// The hub needs the queue for snapshots and the queue needs the hub to
	// publish, so the snapshot is bound once the queue exists.
	var queue *jobs.Queue
	hub := events.NewHub(events.HubOptions{
		StatsInterval: cfg.StatsInterval,
		Snapshot: func(ctx context.Context) (events.Event, error) {
			return queue.StatsEvent(ctx)
		},
		Logger: log,
	})

	qopts := jobs.Options{
		Logger:        log,
		Events:        hub,
		Limiter:       jobs.NewLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
		MaxAttempts:   cfg.RetryAttempts,
		Backoff:       cfg.RetryBackoff,
		KeepCompleted: cfg.HistoryCompleted,
		KeepFailed:    cfg.HistoryFailed,
		StallTimeout:  cfg.StallTimeout,
		OrphanTimeout: cfg.ExecTimeout + 5*time.Minute,
	}
	if dialect == db.Postgres {
		qopts.Notify = db.Notifier(gdb, db.JobsChannel, log)
	}
	repo := &jobs.Repo{DB: gdb}
	queue = jobs.NewQueue(repo, qopts)

	guard := quota.NewGuard(queue, repo, quota.Options{
		QueueName: queue.Name(),
		Cooldown:  cfg.QuotaCooldown,
		Logger:    log,
		Events:    hub,
	})
	if err := guard.Restore(ctx); err != nil {
		return fmt.Errorf("restore queue state: %w", err)
	}

	renderer, err := submit.LoadRenderer(cfg.TaskTemplateFile)
	if err != nil {
		return err
	}
	workspaces := &workspace.Manager{Root: cfg.WorkspaceRoot}
	submitter, err := submit.New(queue, workspaces, submit.Options{
		TriggerPhrase: cfg.TriggerPhrase,
		Renderer:      renderer,
		Logger:        log,
	})
	if err != nil {
		return err
	}
	webhook := intake.NewHandler(submitter, intake.Options{
		Secret:        cfg.WebhookSecret,
		TriggerPhrase: cfg.TriggerPhrase,
		Dedup:         intake.NewDedup(nil, cfg.DedupWindow),
		Logger:        log,
	})
	if cfg.WebhookSecret == "" {
		log.Warn("WEBHOOK_SECRET is empty; webhook signatures are not verified")
	}

	host, _ := os.Hostname()
	pool := worker.NewPool(queue, &worker.Runner{
		Command: cfg.AgentCommand,
		Args:    cfg.AgentArgs,
		Timeout: cfg.ExecTimeout,
	}, guard, worker.Options{
		Size:      cfg.WorkerConcurrency,
		ID:        fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		TailLines: cfg.OutputTailLines,
		Logger:    log,
		Events:    hub,
	})

	var jwtSvc *auth.JWT
	if cfg.JWTSecret != "" {
		jwtSvc = auth.NewJWT(cfg.JWTSecret, auth.DefaultTokenTTL)
	}

	r := httpx.NewRouter(httpx.Deps{
		Config:     cfg,
		Webhook:    webhook,
		Jobs:       queue,
		Queue:      queue,
		Workspaces: workspaces,
		Quota:      guard,
		Broker:     hub,
		Dropped:    hub.Dropped,
		JWT:        jwtSvc,
		Started:    started,
		Logger:     log,
	})

	// Background work outlives the HTTP server so in-flight jobs can be
	// released after intake stops.
	bgCtx, cancelBg := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBg()

	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(bgCtx)
		}()
	}
	run(hub.Run)
	run(queue.Run)
	run(pool.Run)
	if dialect == db.Postgres {
		run(func(ctx context.Context) {
			if err := db.Listen(ctx, cfg.DatabaseURL, db.JobsChannel, log, queue.Wake); err != nil && ctx.Err() == nil {
				log.Error("listen failed; falling back to polling", "error", err)
			}
		})
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.HTTPAddr, "workers", cfg.WorkerConcurrency, "queue", queue.Name())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errCh:
		log.Error("server failed", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	cancelBg()
	wg.Wait()

	if sqlDB, dbErr := gdb.DB(); dbErr == nil {
		_ = sqlDB.Close()
	}
	return err
}
