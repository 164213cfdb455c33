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

	"taskpulse/internal/api"
	"taskpulse/internal/config"
	"taskpulse/internal/metrics"
	"taskpulse/internal/model"
	"taskpulse/internal/repository"
	"taskpulse/internal/service"
	"taskpulse/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

const registryLeaseTTL = 15 * time.Second

func main() {
	// 1. Load Configuration
	cfg := config.Load()

	// Initialize logger
	logger.InitLogger(cfg.Server.Environment)
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Error("gateway startup failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	// 2. Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Initialize Infrastructure
	rdb, err := initRedis(cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	etcdCli, err := initEtcd(cfg.Etcd)
	if err != nil {
		return err
	}
	defer etcdCli.Close()

	db, err := initDB(cfg.MySQL)
	if err != nil {
		return err
	}

	// 4. Initialize Repositories
	messageRepo := repository.NewMessageRepository(db)
	pendingRepo := repository.NewPendingRepository(db)
	registry := repository.NewGatewayRegistry(etcdCli)

	// 5. Initialize Services
	observer := metrics.NewPrometheusObserver()
	hub := service.NewHub(observer)
	sessions := service.NewSessionChecker(rdb)

	// 6. Initialize & Start Workers (Background Tasks)
	flusher := service.NewFlusher(hub, pendingRepo, observer,
		cfg.Workers.FlusherInterval, cfg.Workers.FlusherBatchSize)
	go func() {
		logger.Info("starting pending delivery flusher")
		flusher.Run(ctx)
	}()

	// 7. Announce this instance for discovery
	instanceID := uuid.New().String()
	advertise := cfg.Gateway.AdvertiseAddr
	if advertise == "" {
		advertise = cfg.Server.Port
	}
	if err := registry.Register(ctx, instanceID, advertise, registryLeaseTTL); err != nil {
		return err
	}

	// 8. Setup HTTP Server
	sessionCfg := service.SessionConfig{
		Heartbeat:       cfg.Gateway.HeartbeatInterval,
		AuthTimeout:     cfg.Gateway.AuthTimeout,
		SendBufferSize:  cfg.Gateway.SendBufferSize,
		FramesPerSecond: cfg.Gateway.FramesPerSecond,
		FrameBurst:      cfg.Gateway.FrameBurst,
	}
	r := api.RegisterRoutes(
		api.NewWSHandler(hub, messageRepo, pendingRepo, sessions, observer, sessionCfg),
		api.NewHealthHandler(messageRepo, rdb),
		api.NewPublishHandler(hub, pendingRepo),
		rdb,
		cfg.RateLimit.RequestsPerSecond,
		cfg.Server.Environment,
		cfg.Server.AllowedOrigins,
	)

	srv := &http.Server{
		Addr:    cfg.Server.Port,
		Handler: r,
	}

	// 9. Start Server
	go func() {
		logger.Info("gateway starting",
			zap.String("addr", cfg.Server.Port),
			zap.String("instance", instanceID),
			zap.String("env", cfg.Server.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server listen failed", zap.Error(err))
		}
	}()

	// 10. Graceful Shutdown Signal Wait
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down gateway...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Leave the fleet before dropping connections so new clients route away
	if err := registry.Deregister(shutdownCtx); err != nil {
		logger.Warn("gateway deregister failed", zap.Error(err))
	}

	// Signal all workers to stop
	cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("gateway exited properly")
	return nil
}

// -- Infrastructure Initializers --

func initRedis(cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

func initEtcd(cfg config.EtcdConfig) (*clientv3.Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return client, nil
}

func initDB(cfg config.MySQLConfig) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mysql: %w", err)
	}

	// Simple auto-migrate for dev convenience
	err = db.AutoMigrate(
		&model.ChannelMessage{},
		&model.DirectMessage{},
		&model.PendingDelivery{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}
