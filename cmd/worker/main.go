package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/haven-realty/haven-authz/internal/access"
	"github.com/haven-realty/haven-authz/internal/app"
	"github.com/haven-realty/haven-authz/internal/directory"
	"github.com/haven-realty/haven-authz/internal/grants"
	"github.com/haven-realty/haven-authz/internal/identity"
	"github.com/haven-realty/haven-authz/internal/platform/cache"
	"github.com/haven-realty/haven-authz/internal/platform/db"
	"github.com/haven-realty/haven-authz/internal/reconcile"
	"github.com/haven-realty/haven-authz/internal/shared"
	"github.com/haven-realty/haven-authz/internal/verify"
	"github.com/haven-realty/haven-authz/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(pool)
	identityClient := identity.NewClient(cfg.IdentityAPIURL, cfg.IdentityAPISecret)

	// The worker keeps no local cache; invalidations are broadcast so the
	// API instances drop their entries.
	permCache := access.NewPermissionCache(access.CacheOptions{
		TTL:        cfg.CacheTTL,
		MaxEntries: cfg.CacheMaxEntries,
	})
	broadcaster := access.NewBroadcaster(redisClient, permCache, logger)
	accessService := access.NewService(identityClient, permCache, broadcaster, logger)

	grantRepo := grants.NewRepository(pool)
	directoryRepo := directory.NewRepository(pool)

	profileSweeper := reconcile.NewProfileSweeper(identityClient, accessService, auditLogger, logger, cfg.ReconcileBatchSize)
	grantSweeper := reconcile.NewGrantSweeper(grantRepo, accessService, auditLogger, logger, cfg.ReconcileBatchSize)
	profileJob := reconcile.NewExpireProfileGrantsJob(profileSweeper, logger)
	grantJob := reconcile.NewExpireResourceGrantsJob(grantSweeper, logger)

	verifyService := verify.NewService(identityClient, directoryRepo, accessService, auditLogger, logger)
	verifyJob := verify.NewVerifyRolesJob(verifyService, logger)

	profileTask, err := jobs.NewExpireProfileGrantsTask(jobs.ExpireProfileGrantsPayload{BatchSize: cfg.ReconcileBatchSize})
	if err != nil {
		logger.Error("build profile sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	grantTask, err := jobs.NewExpireResourceGrantsTask(jobs.ExpireResourceGrantsPayload{BatchSize: cfg.ReconcileBatchSize})
	if err != nil {
		logger.Error("build grant sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	verifyTask, err := jobs.NewVerifyRolesTask(jobs.VerifyRolesPayload{})
	if err != nil {
		logger.Error("build verify task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskExpireProfileGrants, Handler: profileJob.Handle},
			{Type: jobs.TaskExpireResourceGrants, Handler: grantJob.Handle},
			{Type: jobs.TaskVerifyRoles, Handler: verifyJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "*/30 * * * *", Task: profileTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "*/30 * * * *", Task: grantTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 3 * * *", Task: verifyTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
