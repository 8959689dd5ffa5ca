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

	"github.com/fjod/go_cart/cartsync/internal/config"
	carthttp "github.com/fjod/go_cart/cartsync/internal/http"
	"github.com/fjod/go_cart/cartsync/internal/poller"
	"github.com/fjod/go_cart/cartsync/internal/repository"
	"github.com/fjod/go_cart/cartsync/internal/service"
	"github.com/fjod/go_cart/cartsync/pkg/logger"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()
	blobs, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatalf("Failed to open %s cart store: %v", cfg.StoreBackend, err)
	}
	defer closeStore()

	registry := service.NewRegistry(blobs, cfg.CartKeyPrefix, log)

	var checkout *poller.Poller
	pollCtx, stopPolling := context.WithCancel(ctx)
	defer stopPolling()
	if len(cfg.KafkaBrokers) > 0 {
		checkout = poller.NewPoller(registry, poller.Config{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroupID,
		}, log)
		go checkout.Run(pollCtx)
		log.Infof("Consuming checkout events from %s", cfg.KafkaTopic)
	}

	router := carthttp.NewRouter(carthttp.RouterConfig{RequestTimeout: cfg.RequestTimeout}, registry, log)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Infof("Cart sync service listening on port %s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to serve: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down cart sync service...")
	stopPolling()
	if checkout != nil {
		checkout.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}
	log.Info("Cart sync service stopped")
}

func openStore(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (repository.BlobStore, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		client, err := repository.ConnectRedis(ctx, &redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, 5)
		if err != nil {
			return nil, nil, err
		}
		if err := redisotel.InstrumentTracing(client); err != nil {
			log.WithError(err).Warn("Failed to instrument redis tracing")
		}
		log.Infof("Connected to Redis at %s", cfg.RedisAddr)
		closer := func() { _ = client.Close() }
		return withBreaker(cfg, "redis", repository.NewRedisStore(client, cfg.RedisTTL), log), closer, nil

	case config.BackendMongo:
		db, err := repository.ConnectMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName)
		if err != nil {
			return nil, nil, err
		}
		store := repository.NewMongoStore(db)
		if err := store.CreateIndexes(ctx); err != nil {
			log.WithError(err).Warn("Failed to create cart indexes")
		}
		log.Infof("Connected to MongoDB at %s", cfg.MongoURI)
		closer := func() { _ = db.Client().Disconnect(context.Background()) }
		return withBreaker(cfg, "mongo", store, log), closer, nil

	case config.BackendSQLite:
		store, err := repository.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		log.Infof("Opened SQLite cart store at %s", cfg.SQLitePath)
		closer := func() { _ = store.Close() }
		return store, closer, nil

	default:
		log.Info("Using in-memory cart store")
		return repository.NewMemoryStore(), func() {}, nil
	}
}

func withBreaker(cfg config.Config, name string, store repository.BlobStore, log logrus.FieldLogger) repository.BlobStore {
	if !cfg.BreakerEnabled {
		return store
	}
	return repository.NewBreakerStore(name, store, log)
}
