package repositories

import (
	"context"
	"time"

	"mediarelay/internal/core/ports"
	"mediarelay/internal/infrastructure/repositories/memory"
	redisrepo "mediarelay/internal/infrastructure/repositories/redis"
	"mediarelay/pkg/circuitbreaker"
	"mediarelay/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory builds the registry and its presence mirror. When Redis
// is disabled or cannot be reached at startup the relay runs on memory
// presence alone; a relay never refuses to start over the mirror.
type RepositoryFactory struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.SugaredLogger
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	f := &RepositoryFactory{ttl: cfg.Redis.PresenceTTL, logger: logger}
	if !cfg.Redis.Enabled {
		logger.Info("redis disabled, presence kept in memory")
		return f, nil
	}

	client, err := redisrepo.Connect(context.Background(), redisrepo.Options{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}, logger)
	if err != nil {
		logger.Warnw("redis unavailable, presence kept in memory", "error", err)
		return f, nil
	}
	f.client = client
	return f, nil
}

// CreatePresenceRepository returns the Redis mirror behind a circuit
// breaker when connected, and the memory repository otherwise.
func (f *RepositoryFactory) CreatePresenceRepository() ports.PresenceRepository {
	if f.client == nil {
		return memory.NewPresenceRepository()
	}
	mirror := redisrepo.NewRedisPresenceRepository(f.client, f.ttl)
	return NewGuardedPresence(mirror, circuitbreaker.DefaultConfig(), f.logger)
}

func (f *RepositoryFactory) CreateRegistry(metrics ports.MetricsRecorder) *memory.ConnectionRegistry {
	return memory.NewConnectionRegistry(f.CreatePresenceRepository(), metrics, f.logger)
}

// RedisClient is nil when running on memory presence.
func (f *RepositoryFactory) RedisClient() *redis.Client { return f.client }

func (f *RepositoryFactory) Close() error { return redisrepo.Close(f.client) }

// HealthCheck pings Redis; it always passes on memory presence.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.client == nil {
		return nil
	}
	return f.client.Ping(ctx).Err()
}
