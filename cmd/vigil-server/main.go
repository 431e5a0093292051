// Command vigil-server runs the Vigil observability backend: span ingestion,
// trace querying, drift detection, trace replay, notifications and the
// websocket live-update hub behind a single HTTP listener.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/linnemanlabs/vigil/internal/auth"
	"github.com/linnemanlabs/vigil/internal/config"
	"github.com/linnemanlabs/vigil/internal/drift"
	"github.com/linnemanlabs/vigil/internal/httpapi"
	"github.com/linnemanlabs/vigil/internal/hub"
	"github.com/linnemanlabs/vigil/internal/llm"
	"github.com/linnemanlabs/vigil/internal/notify"
	"github.com/linnemanlabs/vigil/internal/project"
	"github.com/linnemanlabs/vigil/internal/replay"
	"github.com/linnemanlabs/vigil/internal/secrets"
	"github.com/linnemanlabs/vigil/internal/store"
	"github.com/linnemanlabs/vigil/internal/store/memory"
	"github.com/linnemanlabs/vigil/internal/store/postgres"
	"github.com/linnemanlabs/vigil/internal/trace"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}
	if cfg.LogLevel == "debug" {
		ctx = log.Context(ctx, log.WithDebug())
	}
	if err := cfg.Validate(ctx); err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}

	// Postgres when configured, in-memory otherwise. The in-memory store
	// serves development and single-node runs; nothing survives a restart.
	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf(ctx, err, "connect postgres")
		}
		defer pg.Close()
		st = pg
		log.Print(ctx, log.KV{K: "msg", V: "using postgres store"})
	} else {
		st = memory.New()
		log.Print(ctx, log.KV{K: "msg", V: "no database configured, using in-memory store"})
	}

	var box *secrets.Box
	if cfg.EncryptionKey != "" {
		if box, err = secrets.NewBox(cfg.EncryptionKey); err != nil {
			log.Fatalf(ctx, err, "initialize encryption")
		}
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf(ctx, err, "parse redis URL")
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()
		log.Print(ctx, log.KV{K: "msg", V: "redis broadcast bridge enabled"})
	}

	h := hub.New(rdb)
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go func() {
		if err := h.Run(hubCtx); err != nil {
			log.Errorf(ctx, err, "hub bridge stopped")
		}
	}()

	authSvc, err := auth.New(st, auth.Options{
		DevAPIKey: cfg.APIKey,
		JWTSecret: cfg.JWTSecret,
		JWTExpiry: time.Duration(cfg.JWTExpireMinutes) * time.Minute,
	})
	if err != nil {
		log.Fatalf(ctx, err, "initialize auth service")
	}
	traceSvc, err := trace.NewService(st)
	if err != nil {
		log.Fatalf(ctx, err, "initialize trace service")
	}
	projectSvc, err := project.NewService(st, box)
	if err != nil {
		log.Fatalf(ctx, err, "initialize project service")
	}
	notifier, err := notify.NewService(st)
	if err != nil {
		log.Fatalf(ctx, err, "initialize notification service")
	}
	detector, err := drift.NewDetector(st, drift.DetectorOptions{})
	if err != nil {
		log.Fatalf(ctx, err, "initialize drift detector")
	}
	engine, err := replay.NewEngine(st, llm.NewExecutor(llm.ExecutorOptions{}),
		projectSvc.ProviderKey, notifier, h)
	if err != nil {
		log.Fatalf(ctx, err, "initialize replay engine")
	}
	scheduler, err := drift.NewScheduler(st, detector, notifier, h)
	if err != nil {
		log.Fatalf(ctx, err, "initialize drift scheduler")
	}

	// Runs left mid-flight by a previous process are failed before the
	// scheduler starts.
	if err := engine.RecoverStuckRuns(ctx); err != nil {
		log.Fatalf(ctx, err, "recover replay runs")
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	server, err := httpapi.NewServer(authSvc, traceSvc, projectSvc, detector, engine, notifier, h, st)
	if err != nil {
		log.Fatalf(ctx, err, "initialize http server")
	}
	httpServer := &http.Server{
		Addr: cfg.Addr(),
		Handler: server.Handler(ctx, httpapi.RouterOptions{
			CORSOrigins:            cfg.CORSOrigins,
			RateLimitRequests:      cfg.RateLimitRequests,
			RateLimitWindowSeconds: cfg.RateLimitWindowSeconds,
		}),
	}

	errc := make(chan error, 1)
	go func() {
		log.Print(ctx, log.KV{K: "msg", V: "listening"}, log.KV{K: "addr", V: cfg.Addr()}, log.KV{K: "env", V: cfg.Env})
		errc <- httpServer.ListenAndServe()
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case <-sigCtx.Done():
		log.Print(ctx, log.KV{K: "msg", V: "shutdown signal received"})
	case err := <-errc:
		log.Errorf(ctx, err, "server stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "shutdown http server")
	}
	scheduler.Stop()
	engine.Wait()
	log.Print(ctx, log.KV{K: "msg", V: "exited"})
}
