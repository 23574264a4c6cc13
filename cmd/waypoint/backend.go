package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/waypoint/internal/config"
	"github.com/petrijr/waypoint/internal/persistence"
	"github.com/petrijr/waypoint/internal/taskqueue"
	"github.com/petrijr/waypoint/internal/timer"
)

// backend holds the stores selected by the config and the connections
// that must be closed on shutdown.
type backend struct {
	persistence persistence.Persistence
	queue       taskqueue.Queue
	due         timer.DueQueue

	closers []func(context.Context) error
}

func (b *backend) Close(ctx context.Context) error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i](ctx))
	}
	return errors.Join(errs...)
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	b := &backend{}
	var (
		sqlite *sql.DB
		rdb    *redis.Client
		err    error
	)

	if cfg.Storage == config.StorageRedis || cfg.Queue == config.StorageRedis {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		b.closers = append(b.closers, func(context.Context) error { return rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = b.Close(ctx)
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
	}

	switch cfg.Storage {
	case config.StorageMemory:
		b.persistence = persistence.NewInMemory()

	case config.StorageSQLite:
		sqlite, err = sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		// modernc sqlite serialises writers; one connection avoids SQLITE_BUSY.
		sqlite.SetMaxOpenConns(1)
		b.closers = append(b.closers, func(context.Context) error { return sqlite.Close() })
		b.persistence, err = persistence.NewSQLite(sqlite)

	case config.StoragePostgres:
		db, openErr := sql.Open("pgx", cfg.PostgresDSN)
		if openErr != nil {
			return nil, openErr
		}
		b.closers = append(b.closers, func(context.Context) error { return db.Close() })
		b.persistence, err = persistence.NewPostgres(db)

	case config.StorageRedis:
		b.persistence = persistence.Persistence{
			History: persistence.NewRedisHistoryStore(rdb, cfg.RedisPrefix),
			Hooks:   persistence.NewRedisHookIndex(rdb, cfg.RedisPrefix),
		}
		b.due = timer.NewRedisDueQueue(rdb, cfg.RedisPrefix)

	case config.StorageMongo:
		client, connErr := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if connErr != nil {
			return nil, connErr
		}
		b.closers = append(b.closers, client.Disconnect)
		history, histErr := persistence.NewMongoHistoryStore(ctx, client, cfg.MongoDatabase)
		if histErr != nil {
			_ = b.Close(ctx)
			return nil, histErr
		}
		b.persistence = persistence.Persistence{
			History: history,
			Hooks:   persistence.NewMongoHookIndex(client, cfg.MongoDatabase),
		}

	default:
		return nil, fmt.Errorf("unknown storage %q", cfg.Storage)
	}
	if err != nil {
		_ = b.Close(ctx)
		return nil, err
	}

	switch cfg.Queue {
	case config.StorageMemory:
		b.queue = taskqueue.NewInMemoryQueue()
	case config.StorageSQLite:
		b.queue, err = taskqueue.NewSQLiteQueue(sqlite)
	case config.StorageRedis:
		b.queue = taskqueue.NewRedisQueue(rdb, cfg.RedisPrefix)
	}
	if err != nil {
		_ = b.Close(ctx)
		return nil, err
	}
	return b, nil
}
