package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"goa.design/clue/log"

	"github.com/cronicorn/cronicorn/features/model/anthropic"
	"github.com/cronicorn/cronicorn/features/model/middleware"
	"github.com/cronicorn/cronicorn/features/model/openai"
	"github.com/cronicorn/cronicorn/features/store/postgres"
	"github.com/cronicorn/cronicorn/runtime/config"
	"github.com/cronicorn/cronicorn/runtime/model"
	"github.com/cronicorn/cronicorn/runtime/planner"
	"github.com/cronicorn/cronicorn/runtime/quota"
	"github.com/cronicorn/cronicorn/runtime/secrets"
	"github.com/cronicorn/cronicorn/runtime/telemetry"
)

// Models used when AI_MODEL is unset.
const (
	defaultAnthropicModel = "claude-sonnet-4-5"
	defaultOpenAIModel    = "gpt-4o-mini"
)

func main() {
	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if os.Getenv("LOG_LEVEL") == "debug" {
		ctx = log.Context(ctx, log.WithDebug())
	}

	cfg, err := config.Load()
	if err != nil {
		log.Errorf(ctx, err, "load configuration")
		os.Exit(1)
	}
	if !cfg.HasAIProvider() {
		log.Print(ctx, log.KV{K: "msg", V: "no AI provider configured, planner disabled"})
		return
	}

	cipher, err := secrets.New(cfg.EncryptionSecret)
	if err != nil {
		log.Errorf(ctx, err, "initialize header cipher")
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Errorf(ctx, err, "connect to database")
		os.Exit(1)
	}
	defer pool.Close()

	db, err := postgres.New(postgres.Options{Pool: pool, Cipher: cipher})
	if err != nil {
		log.Errorf(ctx, err, "initialize store")
		os.Exit(1)
	}
	if err := db.Ping(ctx); err != nil {
		log.Errorf(ctx, err, "ping database")
		os.Exit(1)
	}

	client, err := buildModelClient(cfg)
	if err != nil {
		log.Errorf(ctx, err, "initialize model client")
		os.Exit(1)
	}
	limiter := middleware.NewAdaptiveRateLimiter(cfg.RateLimitInitTPM, cfg.RateLimitMaxTPM)
	client = limiter.Middleware()(client)

	stores := db.Stores()
	analyzer, err := planner.NewAnalyzer(planner.AnalyzerOptions{
		Stores:      stores,
		Quota:       quota.NewGuard(stores.Users, stores.Jobs, nil),
		Client:      client,
		Metrics:     telemetry.NewOTELMetrics(),
		Model:       cfg.AIModel,
		MaxTokens:   cfg.AIMaxTokens,
		Temperature: cfg.AITemperature,
	})
	if err != nil {
		log.Errorf(ctx, err, "initialize analyzer")
		os.Exit(1)
	}

	worker, err := planner.NewWorker(planner.WorkerOptions{
		Analyzer:         analyzer,
		Stores:           stores,
		AnalysisInterval: cfg.AnalysisInterval,
		Lookback:         cfg.Lookback,
	})
	if err != nil {
		log.Errorf(ctx, err, "initialize planner worker")
		os.Exit(1)
	}

	// Channel used by the signal handler and the worker goroutine to notify
	// the main goroutine when to stop.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		errc <- worker.Run(ctx)
	}()

	reason := <-errc
	log.Print(ctx, log.KV{K: "msg", V: "exiting"}, log.KV{K: "reason", V: reason})
	cancel()

	select {
	case <-time.After(cfg.ShutdownTimeout):
		log.Print(ctx, log.KV{K: "msg", V: "shutdown timed out"})
		os.Exit(1)
	case err := <-errc:
		if err != nil {
			log.Errorf(ctx, err, "planner worker")
			os.Exit(1)
		}
	}
	log.Print(ctx, log.KV{K: "msg", V: "exited"})
}

// buildModelClient picks a provider from the configured credentials. Anthropic
// wins when both keys are set.
func buildModelClient(cfg *config.Config) (model.Client, error) {
	if cfg.AnthropicAPIKey != "" {
		modelID := cfg.AIModel
		if modelID == "" {
			modelID = defaultAnthropicModel
		}
		return anthropic.NewFromAPIKey(cfg.AnthropicAPIKey, modelID)
	}
	modelID := cfg.AIModel
	if modelID == "" {
		modelID = defaultOpenAIModel
	}
	return openai.NewFromAPIKey(cfg.OpenAIAPIKey, modelID)
}
