package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatcall/internal/audit"
	"chatcall/internal/auth"
	"chatcall/internal/calllog"
	"chatcall/internal/calls"
	"chatcall/internal/config"
	"chatcall/internal/httpapi"
	"chatcall/internal/media"
	"chatcall/internal/signaling"
	"chatcall/pkg/logger"
	"chatcall/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Call log and audit trail live in Postgres when configured.
	var (
		logRepo   calllog.Repository = calllog.NewMemoryRepo()
		auditRepo audit.Repository   = audit.NewMemoryRepo()
		db        *sql.DB
	)
	if cfg.HasDB() {
		db, err = utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			log.Error("postgres init failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()

		if logRepo, err = calllog.NewPostgresRepo(rootCtx, db); err != nil {
			log.Error("call log schema failed", "err", err)
			os.Exit(1)
		}
		if auditRepo, err = audit.NewPostgresRepo(rootCtx, db); err != nil {
			log.Error("audit schema failed", "err", err)
			os.Exit(1)
		}
	} else {
		log.Warn("DB_HOST not set; call log and audit kept in memory")
	}

	audio, err := media.ParseDeviceState(cfg.Media.Audio)
	if err != nil {
		log.Error("media config invalid", "err", err)
		os.Exit(1)
	}
	video, err := media.ParseDeviceState(cfg.Media.Video)
	if err != nil {
		log.Error("media config invalid", "err", err)
		os.Exit(1)
	}
	factory, err := media.NewFactory(media.FactoryConfig{STUNURLs: cfg.Media.STUNURLs}, log)
	if err != nil {
		log.Error("webrtc init failed", "err", err)
		os.Exit(1)
	}

	callLog := calllog.NewService(logRepo, log)
	auditSvc := audit.NewService(auditRepo)
	manager := calls.NewManager(
		signaling.NewRedisChannel(rdb, cfg.Redis.KeyPrefix, log),
		factory,
		&media.Source{Audio: audio, Video: video, Log: log},
		calls.Options{
			ConnectTimeout:  cfg.Calls.ConnectTimeout,
			RingTimeout:     cfg.Calls.RingTimeout,
			TeardownTimeout: cfg.Calls.TeardownTimeout,
			Logger:          log,
		},
		calllog.Recorder{Log: callLog},
		audit.Recorder{Audit: auditSvc, Log: log},
	)

	h := httpapi.Handlers{
		Auth:       authManager,
		Calls:      manager,
		Hub:        httpapi.NewHub(log),
		CallLog:    callLog,
		Audit:      auditSvc,
		AllowLogin: !cfg.IsProduction(),
		EndWait:    cfg.Calls.TeardownTimeout,
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	ready := func(ctx context.Context) error {
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		if db != nil {
			return utils.HealthCheck(ctx, db, 2*time.Second)
		}
		return nil
	}
	registerRoutes(r, h, auth.RequireAccessToken(authManager), ready)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: call event streams are long-lived websockets.
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Live calls end before the listener stops.
	if err := manager.Close(shutdownCtx); err != nil {
		log.Error("call shutdown failed", "err", err, "active", manager.Active())
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
