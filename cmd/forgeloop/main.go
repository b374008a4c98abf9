// Command forgeloop runs the request lifecycle engine behind a thin
// reference HTTP surface: task intake, SSE progress streaming, final
// payload assembly, zip downloads, manual feedback and workspace memory.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arvindsha/forgeloop"
	"github.com/arvindsha/forgeloop/bandit"
	"github.com/arvindsha/forgeloop/final"
	"github.com/arvindsha/forgeloop/internal/config"
	"github.com/arvindsha/forgeloop/memory"
	"github.com/arvindsha/forgeloop/provider/ollama"
	"github.com/arvindsha/forgeloop/queue"
	"github.com/arvindsha/forgeloop/registry"
	"github.com/arvindsha/forgeloop/sandbox"
	"github.com/arvindsha/forgeloop/sse"
	"github.com/arvindsha/forgeloop/status"
	"github.com/arvindsha/forgeloop/store/postgres"
	"github.com/arvindsha/forgeloop/store/sqlite"
	"github.com/arvindsha/forgeloop/zipper"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	cfg := config.Load(os.Getenv("FORGELOOP_CONFIG"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialization order: normalizer, fs sandbox, registry, reward
	// store, task store, hub, queue, worker loop.
	norm := status.New(status.GuardMode(cfg.StatusGuard), func(msg string) {
		logger.Warn(msg)
	})

	if err := os.MkdirAll(cfg.Workspace.Root, 0o755); err != nil {
		logger.Error("workspace root", "error", err)
		os.Exit(1)
	}
	fs, err := sandbox.NewFS(cfg.Workspace.Root)
	if err != nil {
		logger.Error("fs sandbox", "error", err)
		os.Exit(1)
	}

	client := forgeloop.WithRetry(ollama.New(cfg.Ollama.Host,
		ollama.WithAutopull(cfg.Ollama.Autopull),
		ollama.WithTagCacheTTL(cfg.TagCacheTTL()),
		ollama.WithLogger(logger)))

	regPath := os.Getenv("MODEL_REGISTRY_PATH")
	if regPath == "" {
		regPath = "./config/models.yaml"
	}
	reg := registry.New(regPath, client, registry.WithLogger(logger))
	if err := reg.Load(); err != nil {
		logger.Warn("registry load", "error", err)
	}
	go func() {
		if err := reg.Watch(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("registry watch ended", "error", err)
		}
	}()

	// Reward store: JSONL always, Postgres event log when a DSN is set.
	var events bandit.Recorder = bandit.NewEventLog(cfg.Bandit.StorePath)
	var pgPool *pgxpool.Pool
	banditDSN := os.Getenv("BANDIT_PG_DSN")
	if banditDSN == "" {
		banditDSN = cfg.Bandit.PostgresDSN
	}
	if dsn := banditDSN; dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			logger.Warn("bandit postgres pool", "error", err)
		} else {
			pgPool = pool
			pgLog := bandit.NewPGEventLog(pool)
			if err := pgLog.Init(ctx); err != nil {
				logger.Warn("bandit postgres init", "error", err)
			} else {
				events = pgLog
			}
		}
	}
	if pgPool != nil {
		defer pgPool.Close()
	}

	// Task store: Postgres when configured, SQLite file otherwise. Both
	// carry the bandit aggregate and workspace memories.
	var (
		taskStore forgeloop.TaskStore
		agg       forgeloop.BanditAggregator
		memStore  forgeloop.MemoryStore
	)
	if dsn := firstEnv("DATABASE_URL", "DB_DSN"); dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			logger.Error("postgres pool", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		pg := postgres.New(pool, postgres.WithNormalizer(norm))
		if err := pg.Init(ctx); err != nil {
			logger.Error("postgres init", "error", err)
			os.Exit(1)
		}
		taskStore, agg, memStore = pg, pg, pg
	} else {
		sq := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger), sqlite.WithNormalizer(norm))
		defer sq.Close()
		if err := sq.Init(ctx); err != nil {
			logger.Error("sqlite init", "error", err)
			os.Exit(1)
		}
		taskStore, agg, memStore = sq, sq, sq
	}

	hub := sse.NewHub()
	mem := memory.New(memStore, fs, true, logger)
	zipAsm := zipper.New(cfg.Workspace.ZipDir, cfg.Zip.MaxFiles, cfg.Zip.MaxBytes,
		cfg.Zip.MaxFileBytes, cfg.Zip.SkipSegments, cfg.Zip.SkipSuffixes)

	q := queue.New(queue.Deps{
		Hub:      hub,
		Store:    taskStore,
		Agg:      agg,
		Events:   events,
		Policy:   bandit.NewPolicy(agg, cfg.Bandit.Epsilon),
		Registry: reg,
		Client:   client,
		FS:       fs,
		Zipper:   zipAsm,
		Memory:   mem,
		Config:   cfg,
		Logger:   logger,
	})
	if path := os.Getenv("DUEL_CONFIG_PATH"); path != "" {
		q.SetDuelConfigPath(path)
	}
	q.Start(ctx)

	assembler := &final.Assembler{
		Store:        taskStore,
		ArtifactsDir: cfg.Workspace.ArtifactsDir,
		Normalizer:   norm,
		WaitBudget:   cfg.FinalWait(),
		WaitInterval: cfg.DBPollInterval(),
	}
	pipeline := &sse.Pipeline{
		Hub:          hub,
		Normalizer:   norm,
		ArtifactsDir: cfg.Workspace.ArtifactsDir,
		Store:        taskStore,
		Assembler:    assembler,
		Heartbeat:    cfg.Heartbeat(),
		DBPollEvery:  cfg.DBPollInterval(),
	}

	srv := &server{
		cfg:       cfg,
		logger:    logger,
		store:     taskStore,
		agg:       agg,
		events:    events,
		queue:     q,
		pipeline:  pipeline,
		assembler: assembler,
		memory:    mem,
		norm:      norm,
		limiter:   forgeloop.NewTokenBucket(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		apiKey:    os.Getenv("API_KEY"),
	}

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	httpSrv := &http.Server{Addr: addr, Handler: srv.routes()}
	go func() {
		<-ctx.Done()
		_ = httpSrv.Shutdown(context.Background())
	}()
	logger.Info("forgeloop listening", "addr", addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server", "error", err)
		os.Exit(1)
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
