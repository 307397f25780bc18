package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"pubflow/internal/api"
	"pubflow/internal/planner"
	"pubflow/internal/policy"
	"pubflow/internal/scheduler"
	"pubflow/internal/store"
	"pubflow/internal/uploaders/command"
	"pubflow/internal/uploaders/webhook"
	"pubflow/internal/worker"
)

func main() {
	_ = godotenv.Load() // optional .env

	var (
		addr       = flag.String("addr", envOr("PUBFLOW_ADDR", ":8080"), "HTTP bind address")
		dbPath     = flag.String("db", envOr("PUBFLOW_DB", "pubflow.db"), "SQLite DB path")
		policyFile = flag.String("policy", os.Getenv("PUBFLOW_POLICY"), "platform policy YAML (empty = built-in defaults)")
		strict     = flag.Bool("strict", false, "enforce min-interval and daily-cap constraints")
		workers    = flag.Int("workers", 4, "number of upload worker goroutines (0 disables uploads)")
		poll       = flag.Duration("poll", time.Second, "poll interval for due tasks")
		planPoll   = flag.Duration("plan-poll", 30*time.Second, "poll interval for due plans")
		uploadTO   = flag.Duration("upload-timeout", 10*time.Minute, "per-upload timeout")
		uploadCmd  = flag.String("upload-cmd", os.Getenv("PUBFLOW_UPLOAD_CMD"), "external publish command")
		uploadURL  = flag.String("upload-url", os.Getenv("PUBFLOW_UPLOAD_URL"), "external publish webhook URL")
		debug      = flag.Bool("debug", false, "enable pprof endpoints")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	table := policy.Default()
	if *policyFile != "" {
		var err error
		table, err = policy.LoadFile(*policyFile)
		if err != nil {
			log.Fatal().Err(err).Str("path", *policyFile).Msg("load policy")
		}
	}
	log.Info().Int("platforms", len(table)).Bool("strict", *strict).Msg("policy table loaded")

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	repo := store.NewSQLiteRepo(db)
	if n, err := repo.RecoverStale(context.Background(), *uploadTO); err == nil && n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale in-progress tasks")
	}

	sched := scheduler.New(repo, table, scheduler.Options{Enforce: *strict})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Upload workers
	uploaders := buildUploaders(table, *uploadCmd, *uploadURL)
	if *workers > 0 && len(uploaders) > 0 {
		pool := worker.NewPool(repo, uploaders, *workers, *poll, *uploadTO)
		go pool.Run(ctx)
	} else {
		log.Info().Msg("upload workers disabled; scheduling only")
	}

	// Recurring plans
	plans := planner.NewService(repo, sched, *planPoll)
	go plans.Start(ctx)

	srv := &http.Server{Addr: *addr, Handler: api.NewServerWithDebug(repo, sched, *debug)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

// buildUploaders wires one uploader per configured platform. The command
// uploader wins when both are set.
func buildUploaders(table policy.Table, cmd, url string) map[string]worker.Uploader {
	out := make(map[string]worker.Uploader, len(table))
	for name := range table {
		switch {
		case cmd != "":
			out[name] = command.Uploader{Command: cmd}
		case url != "":
			out[name] = webhook.Uploader{URL: url}
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
