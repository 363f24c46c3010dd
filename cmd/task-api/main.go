package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"task-sync/api"
	"task-sync/broadcast"
	"task-sync/config"
	"task-sync/notify"
	"task-sync/service"
	"task-sync/storage"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := newLogger(cfg.Debug, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rc *redis.Client
	if cfg.Redis.ConnectionString != "" {
		redisOpts, err := config.RedisOptions(cfg.Redis.ConnectionString)
		if err != nil {
			logger.Fatalf("redis: %v", err)
		}
		rc = redis.NewClient(redisOpts)
		defer rc.Close()
	}

	store, err := newStore(cfg, rc, logger)
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}

	var target notify.Notifier = notify.LogNotifier{Logger: logger}
	if cfg.Storage.ConnectionString != "" && cfg.Storage.NotificationQueue != "" {
		qn, err := notify.NewQueueNotifier(cfg.Storage.ConnectionString, cfg.Storage.NotificationQueue)
		if err != nil {
			logger.Fatalf("notification queue: %v", err)
		}
		target = qn
	}
	dispatcher := notify.NewDispatcher(target, logger, notify.DispatcherConfig{
		Workers:        cfg.Notify.Workers,
		Buffer:         cfg.Notify.Buffer,
		SendTimeout:    cfg.Notify.SendTimeout,
		HandoffTimeout: notify.DefaultDispatcherConfig().HandoffTimeout,
	})
	defer dispatcher.Close()

	hub := broadcast.NewHub(broadcast.Config{
		QueueSize:     cfg.Realtime.QueueSize,
		PingInterval:  cfg.Realtime.PingInterval,
		PingTimeout:   cfg.Realtime.PingTimeout,
		SweepInterval: cfg.Realtime.SweepInterval,
	}, broadcast.NewRegistry(), logger)
	go hub.Run(ctx)

	var events service.Publisher = hub
	if rc != nil {
		relay := broadcast.NewRelay(rc, cfg.Redis.EventsChannel, hub, logger)
		go relay.Run(ctx)
		events = relay
	}
	svc := service.New(store, dispatcher, events, logger)

	opts := api.Options{
		Tasks:          svc,
		Hub:            hub,
		Logger:         logger,
		PollWait:       cfg.Realtime.PollWait,
		AllowedOrigins: cfg.Realtime.AllowedOrigins,
	}
	if cfg.Auth.Enabled() {
		auth, err := newAuth(cfg.Auth)
		if err != nil {
			logger.Fatalf("auth: %v", err)
		}
		opts.Auth = auth
	}
	if rc != nil {
		opts.Deduper = api.NewRedisDeduper(rc, cfg.Redis.DeduperTTL)
	}

	e := newServer(opts, hub)

	go func() {
		logger.WithFields(log.Fields{
			"addr":    cfg.ListenAddr,
			"storage": storageKind(cfg),
			"relay":   rc != nil,
			"auth":    cfg.Auth.Enabled(),
		}).Info("task api starting")
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("server shutdown")
	}
}

// newServer builds the HTTP server. Realtime sessions are ended from the
// server's own shutdown, after the listeners are closed and before it waits
// for in-flight requests, so streaming handlers return and the drain
// completes.
func newServer(opts api.Options, hub *broadcast.Hub) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, api.HeaderIdempotencyKey},
	}))
	e.Use(middleware.Decompress())
	api.Register(e, opts)
	e.Server.RegisterOnShutdown(hub.Shutdown)
	return e
}

func newLogger(debug bool, format string) *log.Logger {
	logger := log.New()
	if debug {
		logger.SetLevel(log.DebugLevel)
		log.SetLevel(log.DebugLevel)
	}
	if format == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
		log.SetFormatter(&log.JSONFormatter{})
	}
	return logger
}

func newStore(cfg config.Server, rc *redis.Client, logger *log.Logger) (service.TaskStore, error) {
	if cfg.Storage.ConnectionString == "" {
		return storage.NewMemory(), nil
	}
	tables, err := storage.New(cfg.Storage.ConnectionString, cfg.Storage.TasksTable)
	if err != nil {
		return nil, err
	}
	if rc == nil {
		return tables, nil
	}
	return storage.NewCache(tables, rc, cfg.Redis.CacheTTL, logger), nil
}

func storageKind(cfg config.Server) string {
	if cfg.Storage.ConnectionString == "" {
		return "memory"
	}
	return "table"
}

func newAuth(cfg config.Auth) (*api.Auth, error) {
	if cfg.SharedSecret != "" {
		return api.NewAuth(nil, api.AuthConfig{Audience: cfg.Audience, SharedSecret: cfg.SharedSecret})
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshUnknownKID: true,
	})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(jwks, api.AuthConfig{
		Audience:    cfg.Audience,
		Issuer:      "https://" + cfg.Domain + "/",
		KeyCacheTTL: cfg.JWKSCacheTTL,
	})
}
