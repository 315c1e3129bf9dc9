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

	"github.com/cronicorn/cronicorn/features/store/postgres"
	"github.com/cronicorn/cronicorn/runtime/config"
	"github.com/cronicorn/cronicorn/runtime/dispatcher"
	"github.com/cronicorn/cronicorn/runtime/scheduler"
	"github.com/cronicorn/cronicorn/runtime/secrets"
	"github.com/cronicorn/cronicorn/runtime/telemetry"
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

	worker, err := scheduler.New(scheduler.Options{
		Stores:          db.Stores(),
		Tx:              db,
		Dispatcher:      dispatcher.New(dispatcher.Options{}),
		Metrics:         telemetry.NewOTELMetrics(),
		BatchSize:       cfg.BatchSize,
		PollInterval:    cfg.PollInterval,
		ClaimHorizon:    cfg.ClaimHorizon,
		CleanupInterval: cfg.CleanupInterval,
		ZombieThreshold: cfg.ZombieThreshold,
	})
	if err != nil {
		log.Errorf(ctx, err, "initialize scheduler worker")
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
			log.Errorf(ctx, err, "scheduler worker")
			os.Exit(1)
		}
	}
	log.Print(ctx, log.KV{K: "msg", V: "exited"})
}
