package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const connectTimeout = 5 * time.Second

// Options selects the Redis server that holds the presence mirror and
// carries the cluster event channel.
type Options struct {
	Address  string
	Password string
	DB       int
	PoolSize int
}

// Connect dials Redis, pings it and brings the key layout up to date.
// The returned client is closed again on any failure.
func Connect(ctx context.Context, opts Options, logger *zap.SugaredLogger) (*redis.Client, error) {
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     poolSize,
		MinIdleConns: 1,
		DialTimeout:  connectTimeout,
		// presence writes sit on the connect path of every endpoint
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", opts.Address, err)
	}
	from, to, err := upgradeLayout(ctx, client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis key layout: %w", err)
	}

	if logger != nil {
		logger.Infow("connected to Redis",
			"address", opts.Address,
			"db", opts.DB,
			"layout_from", from,
			"layout_to", to,
		)
	}
	return client, nil
}

// Close closes client; a nil client is a no-op.
func Close(client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}
