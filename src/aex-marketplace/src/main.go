package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/agents"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/agentworker"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/bids"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/config"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/coordinator"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/decider"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/httpapi"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/jobs"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/ledger"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/metrics"
	"github.com/parlakisik/agent-exchange/src/aex-marketplace/internal/store"
	"github.com/parlakisik/agent-exchange/src/internal/events"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	logLevel := slog.LevelInfo
	if cfg.Environment == "development" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting aex-marketplace",
		"environment", cfg.Environment,
		"port", cfg.Port,
		"store", cfg.StoreType,
		"job_store", cfg.JobStoreType,
		"decider", cfg.Decider,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Persistence
	var mongoClient *mongo.Client
	if cfg.StoreType == "mongo" || cfg.JobStoreType == "mongo" {
		mongoClient, err = mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			slog.Error("failed to connect to mongodb", "error", err)
			os.Exit(1)
		}
		if err := mongoClient.Ping(ctx, nil); err != nil {
			slog.Error("failed to ping mongodb", "error", err)
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mongoClient.Disconnect(ctx); err != nil {
				slog.Error("failed to disconnect mongodb", "error", err)
			}
		}()
		slog.Info("using mongodb store", "uri", cfg.MongoURI, "db", cfg.MongoDB)
	}

	var st store.Store
	var mongoStore *store.MongoStore
	if mongoClient != nil {
		mongoStore = store.NewMongoStore(mongoClient, cfg.MongoDB)
		if err := mongoStore.EnsureIndexes(ctx); err != nil {
			slog.Warn("failed to create indexes", "error", err)
		}
	}
	memStore := store.NewMemoryStore()
	if cfg.StoreType == "mongo" {
		st = mongoStore
	} else {
		st = memStore
	}

	var jobStore store.JobStore
	switch cfg.JobStoreType {
	case "firestore":
		fs, err := store.NewFirestoreJobStore(ctx, cfg.FirestoreProjectID, cfg.FirestoreJobs)
		if err != nil {
			slog.Error("failed to create firestore job store", "error", err)
			os.Exit(1)
		}
		defer fs.Close()
		jobStore = fs
		slog.Info("using firestore job store", "project", cfg.FirestoreProjectID, "collection", cfg.FirestoreJobs)
	case "mongo":
		jobStore = mongoStore
	default:
		jobStore = memStore
	}

	// Events
	pub := events.NewPublisher("aex-marketplace")
	if cfg.WebhookURL != "" {
		for _, eventType := range cfg.EventsWebhook {
			pub.RegisterEndpoint(eventType, cfg.WebhookURL)
		}
		slog.Info("webhook delivery enabled", "url", cfg.WebhookURL, "events", cfg.EventsWebhook)
	}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		pub.AddSink(events.NewRedisSink(rdb, cfg.RedisPrefix))
		slog.Info("redis event fan-out enabled", "prefix", cfg.RedisPrefix)
	}

	m := metrics.New()

	// Ledger and agents. The ledger resolves creators through the registry,
	// which itself needs the ledger for wallets.
	var reg *agents.Registry
	ledgerOpts := []ledger.Option{
		ledger.WithEvents(pub),
		ledger.WithMetrics(m),
		ledger.WithFees(cfg.PlatformFeeRate, cfg.CreatorShareRate),
		ledger.WithCreatorResolver(func(ctx context.Context, agentID string) string {
			return reg.CreatorOf(ctx, agentID)
		}),
	}
	if cfg.TransferVerifierURL != "" {
		ledgerOpts = append(ledgerOpts, ledger.WithTransferVerifier(ledger.NewHTTPTransferVerifier(cfg.TransferVerifierURL)))
	}
	l := ledger.New(st, ledgerOpts...)
	reg = agents.New(st, l, pub)

	if _, err := l.OpenWallet(ctx, cfg.CoordinatorWallet, cfg.CoordinatorInitialBalance); err != nil && !errors.Is(err, ledger.ErrWalletExists) {
		slog.Error("failed to open coordinator wallet", "error", err)
		os.Exit(1)
	}
	if cfg.SeedAgents {
		if err := reg.Seed(ctx, agents.DemoAgents()); err != nil {
			slog.Error("failed to seed agents", "error", err)
			os.Exit(1)
		}
	}

	// Decider
	rules := decider.NewRuleBased(decider.Weights{
		Price:      cfg.PriceWeight,
		Confidence: cfg.ConfidenceWeight,
		ETA:        cfg.ETAWeight,
	})
	var (
		dec       decider.Decider      = rules
		executor  agentworker.Executor = agentworker.DeterministicExecutor{}
		completer decider.Completer
	)
	switch cfg.Decider {
	case "anthropic":
		completer = decider.NewAnthropicCompleter(decider.CompleterConfig{
			APIKey: cfg.AnthropicAPIKey, Model: cfg.AnthropicModel, Timeout: cfg.LLMTimeout, RateLimit: cfg.LLMRateLimit,
		})
	case "openrouter":
		completer = decider.NewOpenRouterCompleter(decider.CompleterConfig{
			APIKey: cfg.OpenRouterAPIKey, Model: cfg.OpenRouterModel, Timeout: cfg.LLMTimeout, RateLimit: cfg.LLMRateLimit,
		})
	}
	if completer != nil {
		dec = decider.NewLLM(completer, rules, cfg.LLMMaxAttempts, m)
		executor = agentworker.CompletionExecutor{Completer: completer, MaxAttempts: cfg.LLMMaxAttempts}
	}

	// Marketplace services
	js := jobs.New(jobStore, cfg.BidWindow,
		jobs.WithEvents(pub),
		jobs.WithMetrics(m),
		jobs.WithDefaultPoster(cfg.CoordinatorWallet),
		jobs.WithWallets(l),
	)
	bc := bids.New(st, js, reg, pub, m)
	coord := coordinator.New(js, bc, l, reg, dec, pub, m, coordinator.Config{
		Interval:         cfg.CoordinatorInterval,
		BidWindow:        cfg.BidWindow,
		ExecutionTimeout: cfg.ExecutionTimeout,
		MaxWindowReopens: cfg.MaxWindowReopens,
	})

	market := agentworker.Local{JobService: js, Collector: bc, Coordinator: coord}
	roster, err := reg.List(ctx)
	if err != nil {
		slog.Error("failed to list agents", "error", err)
		os.Exit(1)
	}
	workerCfg := agentworker.Config{Interval: cfg.WorkerInterval, ExecutionTimeout: cfg.ExecutionTimeout}
	workers := make([]*agentworker.Worker, 0, len(roster))
	for _, a := range roster {
		workers = append(workers, agentworker.NewWorker(a.ID, market, reg, dec, executor, pub, m, workerCfg))
	}
	pool := agentworker.NewPool(market, reg, workers...)

	// Background loops
	runCtx, stopLoops := context.WithCancel(context.Background())
	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		coord.Run(runCtx)
	}()
	go func() {
		defer loops.Done()
		pool.Run(runCtx)
	}()

	// Setup HTTP router
	router := httpapi.NewRouter(httpapi.NewHandlers(js, bc, coord, l, reg, pool, m))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	stopLoops()
	loops.Wait()

	slog.Info("server stopped")
}
