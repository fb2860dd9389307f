package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/stitts-dev/links-live/internal/api"
	"github.com/stitts-dev/links-live/internal/api/ws"
	"github.com/stitts-dev/links-live/internal/live"
	"github.com/stitts-dev/links-live/internal/services"
	"github.com/stitts-dev/links-live/internal/store"
	"github.com/stitts-dev/links-live/internal/store/fsstore"
	"github.com/stitts-dev/links-live/internal/store/memstore"
	"github.com/stitts-dev/links-live/internal/store/pgstore"
	"github.com/stitts-dev/links-live/pkg/config"
	"github.com/stitts-dev/links-live/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	log := logger.Init(cfg.LogLevel, cfg.Environment)
	log.WithFields(logrus.Fields{
		"environment":  cfg.Environment,
		"port":         cfg.Port,
		"store_driver": cfg.StoreDriver,
	}).Info("Starting links live service")

	// Connect to Redis when configured; the service runs without it
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to parse Redis URL: %v", err)
		}
		redisClient = redis.NewClient(opt)
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.WithError(err).Warn("Redis unreachable, continuing without cache")
			redisClient.Close()
			redisClient = nil
		}
		cancel()
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Open the document store
	st, closeStore, err := openStore(cfg, redisClient, log)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer closeStore()

	cacheService := services.NewCacheService(redisClient, cfg.CacheTTL, log)

	// Engine tuning shared by the websocket registry and the read API
	retry := live.RetryConfig{
		MaxAttempts: cfg.FeedRetryMax,
		BaseDelay:   cfg.FeedRetryBase,
		MaxDelay:    cfg.FeedRetryCap,
	}
	engCfg := ws.EngineConfig{
		Feed: live.FeedConfig{Retry: retry, StallTimeout: cfg.FeedStallTimeout},
		Tracker: live.TrackerConfig{
			WindowSize: cfg.LiveWindowSize,
			Retry:      retry,
		},
		Chat: live.ChatConfig{
			HistoryLimit:  cfg.ChatHistoryLimit,
			RatePerMinute: cfg.ChatRatePerMin,
			Burst:         cfg.ChatBurst,
			Retry:         retry,
		},
	}

	hub := ws.NewHub(log)
	registry := ws.NewRegistry(st, log, engCfg, hub.BroadcastToTopic)
	hub.SetRegistry(registry)

	hubCtx, stopHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	// Background jobs: live window refresh plus limiter cleanup
	refresher := services.NewRefresher(st, cacheService, cfg.RefreshSchedule, cfg.LiveWindowSize, log)
	refresher.AddPruner(func() int {
		return registry.PruneChatLimiters(30 * time.Minute)
	})
	if err := refresher.Start(); err != nil {
		log.Fatalf("Failed to start background jobs: %v", err)
	}

	handler := api.NewHandler(st, cacheService, refresher, hub, registry, engCfg, log)
	router := api.NewRouter(cfg, handler, log)

	// Create HTTP server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		log.WithField("port", cfg.Port).Info("Links live service started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down links live service...")

	refresher.Stop()

	// The server has 5 seconds to finish the request it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("Forced to shutdown: %v", err)
	}

	stopHub()
	registry.Close()

	log.Info("Links live service exited")
}

// openStore builds the configured store implementation and its cleanup
func openStore(cfg *config.Config, redisClient *redis.Client, log *logrus.Logger) (store.Store, func(), error) {
	switch cfg.StoreDriver {
	case "firestore":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		fs, err := fsstore.Open(ctx, fsstore.Config{
			ProjectID:       cfg.FirestoreProjectID,
			CredentialsFile: cfg.FirestoreCredentials,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() { fs.Close() }, nil

	case "postgres":
		pgCfg := pgstore.Config{
			Driver:      "postgres",
			DatabaseURL: cfg.DatabaseURL,
			LogQueries:  cfg.LogQueries,
		}
		var (
			pg  *pgstore.Store
			err error
		)
		if redisClient != nil {
			pg, err = pgstore.Open(pgCfg, pgstore.NewRedisNotifier(redisClient, log), log)
		} else {
			pg, err = pgstore.OpenWithPQNotifier(pgCfg, log)
		}
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg, func() { pg.Close() }, nil

	case "sqlite":
		pg, err := pgstore.Open(pgstore.Config{
			Driver:     "sqlite",
			SQLitePath: cfg.SQLitePath,
			LogQueries: cfg.LogQueries,
		}, pgstore.NewLocalNotifier(), log)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg, func() { pg.Close() }, nil

	case "memory":
		return memstore.New(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
