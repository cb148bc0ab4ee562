package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aretw0/tendril/internal/config"
	"github.com/aretw0/tendril/pkg/adapters/file"
	"github.com/aretw0/tendril/pkg/adapters/memory"
	redisAdapter "github.com/aretw0/tendril/pkg/adapters/redis"
	wsAdapter "github.com/aretw0/tendril/pkg/adapters/websocket"
	"github.com/aretw0/tendril/pkg/persistence/middleware"
	"github.com/aretw0/tendril/pkg/ports"
	"github.com/redis/go-redis/v9"
)

func redisClient(c config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	})
}

// buildTransport connects node id to the configured network. The returned
// cleanup releases what the transport does not own.
func buildTransport(ctx context.Context, cfg *config.Config, id string, logger *slog.Logger) (ports.Transport, func(), error) {
	switch cfg.Transport.Kind {
	case config.TransportRedis:
		client := redisClient(cfg.Transport.Redis)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Transport.Redis.Addr, err)
		}
		t := redisAdapter.NewTransport(client, id,
			redisAdapter.WithChannelPrefix(cfg.Transport.Prefix),
			redisAdapter.WithHeartbeat(cfg.Transport.Heartbeat),
			redisAdapter.WithTransportLogger(logger),
		)
		return t, func() { _ = client.Close() }, nil
	case config.TransportWebsocket:
		t, err := wsAdapter.Dial(ctx, cfg.Transport.URL, id, wsAdapter.WithTransportLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return t, func() {}, nil
	default:
		return memory.NewNetwork().Endpoint(id), func() {}, nil
	}
}

// buildSnapshotStore returns nil when persistence is disabled.
func buildSnapshotStore(cfg *config.Config) (ports.SnapshotStore, func(), error) {
	var (
		store   ports.SnapshotStore
		cleanup = func() {}
	)
	switch cfg.Store.Kind {
	case config.StoreNone:
		return nil, cleanup, nil
	case config.StoreMemory:
		store = memory.NewStore()
	case config.StoreFile:
		store = file.New(cfg.Store.Path)
	case config.StoreRedis:
		opts := []redisAdapter.Option{
			redisAdapter.WithPrefix(cfg.Store.Prefix),
			redisAdapter.WithTTL(cfg.Store.TTL),
		}
		if cfg.Store.Merge {
			opts = append(opts, redisAdapter.WithMerge(redisAdapter.DefaultLockTTL))
		}
		rs := redisAdapter.NewFromClient(redisClient(cfg.Store.Redis), opts...)
		store = rs
		cleanup = func() { _ = rs.Close() }
	default:
		return nil, nil, fmt.Errorf("unknown store kind %q", cfg.Store.Kind)
	}

	var mws []middleware.Middleware
	active, fallback, err := cfg.Store.Keys()
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if active != nil {
		mws = append(mws, middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{
			ActiveKey:    active,
			FallbackKeys: fallback,
		}))
	}
	if len(cfg.Store.Exclude) > 0 {
		mws = append(mws, middleware.NewExcludeMiddleware(cfg.Store.Exclude))
	}
	return middleware.Chain(store, mws...), cleanup, nil
}
