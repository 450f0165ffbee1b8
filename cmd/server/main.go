package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"alumni_chat/internal/broadcast"
	"alumni_chat/internal/config"
	"alumni_chat/internal/handler"
	"alumni_chat/internal/middleware"
	"alumni_chat/internal/notify"
	"alumni_chat/internal/realtime"
	"alumni_chat/internal/repository"
	"alumni_chat/internal/service"
	"alumni_chat/internal/storage"
	"alumni_chat/pkg/logger"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Инициализация логгера
	appLogger := logger.New(cfg.Log.Level)
	defer appLogger.Sync() //nolint:errcheck

	// Подключение к PostgreSQL
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN)
	if err != nil {
		appLogger.Fatal("Invalid database DSN", "error", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConnections)
	poolCfg.MaxConnIdleTime = cfg.Database.MaxIdleTime
	poolCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime

	dbPool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		appLogger.Fatal("Failed to connect to database", "error", err)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(context.Background()); err != nil {
		appLogger.Fatal("Failed to ping database", "error", err)
	}
	appLogger.Info("Database connection established")

	// Подключение к Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		appLogger.Fatal("Failed to connect to Redis", "error", err)
	}
	appLogger.Info("Redis connection established")

	// Канал рассылки событий между инстансами
	channel, closeBackend := newBroadcast(cfg, rdb, appLogger)
	defer closeBackend()

	// Хранилище вложений
	var files storage.FileStore
	if cfg.Storage.Enabled() {
		store, err := storage.NewMinioStore(context.Background(), cfg.Storage)
		if err != nil {
			appLogger.Fatal("Failed to init object storage", "error", err)
		}
		files = store
		appLogger.Info("Object storage initialized", "bucket", cfg.Storage.Bucket)
	} else {
		appLogger.Warn("Object storage disabled, attachments will be rejected")
	}

	// Очередь писем
	var notifier notify.Notifier = notify.NopNotifier{}
	if len(cfg.Notify.Brokers) > 0 {
		notifier = notify.NewKafkaNotifier(cfg.Notify.Brokers, cfg.Notify.Topic, appLogger)
		appLogger.Info("Email notifications enabled", "topic", cfg.Notify.Topic)
	}
	defer notifier.Close()

	// Инициализация репозиториев
	repos := repository.NewRepositories(dbPool, rdb, appLogger)

	// Справочник пользователей: сервис аккаунтов по HTTP или общая БД
	var directory service.Directory = repos.Directory
	if cfg.Directory.URL != "" {
		directory = service.NewDirectoryClient(cfg.Directory.URL, cfg.Directory.Timeout, appLogger)
		appLogger.Info("Using remote directory", "url", cfg.Directory.URL)
	}

	// Инициализация сервисов
	services := service.NewServices(repos, service.Infra{
		Directory: directory,
		Broadcast: channel,
		Files:     files,
		Notifier:  notifier,
	}, cfg, appLogger)

	// Инициализация middleware
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.AccessSecret, cfg.JWT.Issuer, appLogger)
	rateLimitMiddleware := middleware.NewRateLimitMiddleware(services.RateLimit, cfg.RateLimit.Requests, cfg.RateLimit.Window, appLogger)

	// Инициализация handlers
	deps := realtime.Deps{
		Access:    services.Access,
		Messages:  services.Message,
		Receipts:  services.Receipt,
		Presence:  services.Presence,
		Broadcast: channel,
	}
	checks := map[string]handler.HealthCheck{
		"postgres": dbPool.Ping,
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}
	handlers := handler.NewHandlers(services, deps, authMiddleware, checks, cfg, appLogger)

	// Настройка роутера
	router := handler.NewRouter(handlers, authMiddleware, rateLimitMiddleware, cfg, appLogger)

	// WriteTimeout не задается: он бы обрывал живые соединения.
	srv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: 60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		appLogger.Info("Starting server", "port", cfg.Server.Port, "broadcast", cfg.Broadcast.Backend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("Failed to start server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Закрытие канала завершает подписки, и живые соединения закрываются сами.
	if err := channel.Close(); err != nil {
		appLogger.Warn("Failed to close broadcast channel", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown", "error", err)
	}

	appLogger.Info("Server exited")
}

func newBroadcast(cfg *config.Config, rdb *redis.Client, log logger.Logger) (broadcast.Channel, func()) {
	switch cfg.Broadcast.Backend {
	case "nats":
		nc, err := nats.Connect(cfg.Broadcast.NATSURL,
			nats.Name("alumni-chat"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info("NATS reconnected", "url", nc.ConnectedUrl())
			}),
		)
		if err != nil {
			log.Fatal("Failed to connect to NATS", "error", err)
		}
		log.Info("NATS connection established", "url", cfg.Broadcast.NATSURL)
		return broadcast.NewNATSChannel(nc, cfg.Broadcast.BufferSize, log), nc.Close
	case "memory":
		log.Warn("In-process broadcast: events will not reach other instances")
		return broadcast.NewMemoryChannel(broadcast.NewMemoryBus(), cfg.Broadcast.BufferSize, log), func() {}
	default:
		return broadcast.NewRedisChannel(rdb, cfg.Broadcast.BufferSize, log), func() {}
	}
}
