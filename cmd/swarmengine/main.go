package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"swarmengine/internal/api"
	"swarmengine/internal/config"
	"swarmengine/internal/engine"
	"swarmengine/internal/k8s"
	"swarmengine/internal/scheduler"
	"swarmengine/internal/store"
	"swarmengine/internal/webhook"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	log.Info().
		Dur("poll_interval", cfg.PollInterval).
		Dur("job_timeout", cfg.JobTimeout).
		Int("max_parallel", cfg.MaxParallelJobs).
		Str("namespace", cfg.JobNamespace).
		Msg("spawning engine starting")

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	st := store.NewSQLiteStore(db)

	// Singleton: refuse to run alongside a live holder.
	lock := engine.NewLock(st, cfg.LockTimeout, cfg.HeartbeatInterval)
	acquired, err := lock.Acquire(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("lock acquisition")
	}
	if !acquired {
		log.Error().Msg("failed to acquire lock, another instance is running")
		os.Exit(1)
	}

	clientset, err := k8s.NewClientset()
	if err != nil {
		_ = lock.Release(context.Background())
		log.Fatal().Err(err).Msg("kubernetes client")
	}
	runtime := k8s.NewRuntime(clientset, cfg)

	var notifier engine.Notifier
	if cfg.SlackWebhookURL != "" {
		notifier = webhook.NewSlack(cfg.SlackWebhookURL)
	}

	spawner := engine.NewSpawner(st, runtime, cfg)
	reaper := engine.NewReaper(st, runtime, cfg, notifier)
	eng := engine.New(spawner, reaper, cfg.PollInterval)

	ctx, cancel := context.WithCancel(context.Background())
	go eng.Run(ctx)

	sched := scheduler.NewService(st, time.Minute)
	go sched.Start(ctx)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: api.NewServer(st, lock)}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()

	// Let an in-flight iteration finish before giving up the lock.
	time.Sleep(2 * time.Second)

	shutdownCtx, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = lock.Release(shutdownCtx)
	_ = srv.Shutdown(shutdownCtx)
	log.Info().Msg("shutdown complete")
}
