// Package containers поднимает одноразовые Postgres и Redis для интеграционных тестов.
package containers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// Postgres - одноразовая база в контейнере с примененными миграциями.
type Postgres struct {
	Pool      *pgxpool.Pool
	container *postgres.PostgresContainer
}

// StartPostgres поднимает postgres:16-alpine и применяет migrations/*.sql.
// Ошибка означает, что Docker недоступен или контейнер не поднялся.
func StartPostgres(ctx context.Context) (*Postgres, error) {
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("alumni_chat"),
		postgres.WithUsername("chat"),
		postgres.WithPassword("chat"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}
	pg := &Postgres{container: container}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		pg.Terminate(ctx)
		return nil, fmt.Errorf("postgres connection string: %w", err)
	}
	pg.Pool, err = pgxpool.New(ctx, dsn)
	if err != nil {
		pg.Terminate(ctx)
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pg.Pool.Ping(ctx); err != nil {
		pg.Terminate(ctx)
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := applyMigrations(ctx, pg.Pool); err != nil {
		pg.Terminate(ctx)
		return nil, err
	}
	return pg, nil
}

// Truncate очищает все таблицы чата и справочника между тестами.
func (p *Postgres) Truncate(ctx context.Context) error {
	_, err := p.Pool.Exec(ctx, `
		TRUNCATE reports, read_receipts, delivery_receipts, message_attachments, attachments,
			messages, conversation_deletions, conversation_participants, conversations,
			connections, profiles, users
		RESTART IDENTITY CASCADE
	`)
	return err
}

func (p *Postgres) Terminate(ctx context.Context) {
	if p.Pool != nil {
		p.Pool.Close()
	}
	if p.container != nil {
		_ = p.container.Terminate(ctx)
	}
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir(), "*.sql"))
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no migrations found in %s", migrationsDir())
	}
	sort.Strings(files)
	for _, f := range files {
		sql, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", filepath.Base(f), err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply migration %s: %w", filepath.Base(f), err)
		}
	}
	return nil
}

func migrationsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "..", "migrations")
}

// Redis - одноразовый Redis в контейнере.
type Redis struct {
	Client    *redis.Client
	container *tcredis.RedisContainer
}

func StartRedis(ctx context.Context) (*Redis, error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return nil, fmt.Errorf("start redis container: %w", err)
	}
	r := &Redis{container: container}

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		r.Terminate(ctx)
		return nil, fmt.Errorf("redis connection string: %w", err)
	}
	opts, err := redis.ParseURL(uri)
	if err != nil {
		r.Terminate(ctx)
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	r.Client = redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := r.Client.Ping(pingCtx).Err(); err != nil {
		r.Terminate(ctx)
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return r, nil
}

// NewClient открывает еще одно соединение к тому же Redis, как у другого инстанса.
func (r *Redis) NewClient() *redis.Client {
	opts := *r.Client.Options()
	return redis.NewClient(&opts)
}

func (r *Redis) Terminate(ctx context.Context) {
	if r.Client != nil {
		_ = r.Client.Close()
	}
	if r.container != nil {
		_ = r.container.Terminate(ctx)
	}
}
