package database

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/keyxmakerx/gatekeeper/internal/config"
)

// NewRedis connects the client shared by the session, nonce and rate-limit
// stores. A cluster client is returned when seed nodes are configured,
// otherwise a single-node client parsed from the URL. Either way the stores
// see a redis.UniversalClient.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) {
	var client redis.UniversalClient
	if len(cfg.ClusterAddrs) > 0 {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    cfg.ClusterAddrs,
			Password: cfg.Password,
		})
	} else {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis URL: %w", err)
		}
		client = redis.NewClient(opts)
	}

	err := waitReady(ctx, "redis", cfg.ConnectAttempts, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
