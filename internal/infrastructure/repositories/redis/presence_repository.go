package redis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"mediarelay/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "mediarelay:"

// presenceKey is mediarelay:<role>:<id>; it holds the connection handle and
// expires unless refreshed by heartbeats.
func presenceKey(role, id string) string {
	return keyPrefix + role + ":" + id
}

// indexKey is the set of ids that may be online for a role.
func indexKey(role string) string {
	return keyPrefix + role + "s"
}

// RedisPresenceRepository mirrors endpoint liveness so that several relay
// instances can see who is connected where.
type RedisPresenceRepository struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisPresenceRepository(client *redis.Client, ttl time.Duration) *RedisPresenceRepository {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &RedisPresenceRepository{client: client, ttl: ttl}
}

func (r *RedisPresenceRepository) MarkOnline(ctx context.Context, role domain.ConnectionRole, id string, handle domain.ConnectionHandle) error {
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, presenceKey(string(role), id), string(handle), r.ttl)
	pipe.SAdd(ctx, indexKey(string(role)), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark %s %s online: %w", role, id, err)
	}
	return nil
}

// Refresh extends the presence TTL. A key that already expired is not
// recreated; the next MarkOnline does that.
func (r *RedisPresenceRepository) Refresh(ctx context.Context, role domain.ConnectionRole, id string) error {
	if err := r.client.Expire(ctx, presenceKey(string(role), id), r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to refresh %s %s: %w", role, id, err)
	}
	return nil
}

func (r *RedisPresenceRepository) MarkOffline(ctx context.Context, role domain.ConnectionRole, id string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, presenceKey(string(role), id))
	pipe.SRem(ctx, indexKey(string(role)), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark %s %s offline: %w", role, id, err)
	}
	return nil
}

func (r *RedisPresenceRepository) IsOnline(ctx context.Context, role domain.ConnectionRole, id string) (bool, error) {
	n, err := r.client.Exists(ctx, presenceKey(string(role), id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check %s %s: %w", role, id, err)
	}
	return n > 0, nil
}

// ListOnline returns live ids and removes expired ones from the index.
func (r *RedisPresenceRepository) ListOnline(ctx context.Context, role domain.ConnectionRole) ([]string, error) {
	ids, err := pruneIndex(ctx, r.client, string(role))
	if err != nil {
		return nil, fmt.Errorf("failed to list online %ss: %w", role, err)
	}
	return ids, nil
}

func pruneIndex(ctx context.Context, client *redis.Client, role string) ([]string, error) {
	members, err := client.SMembers(ctx, indexKey(role)).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := client.Pipeline()
	checks := make([]*redis.IntCmd, len(members))
	for i, id := range members {
		checks[i] = pipe.Exists(ctx, presenceKey(role, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	live := make([]string, 0, len(members))
	var expired []interface{}
	for i, id := range members {
		if checks[i].Val() > 0 {
			live = append(live, id)
		} else {
			expired = append(expired, id)
		}
	}
	if len(expired) > 0 {
		if err := client.SRem(ctx, indexKey(role), expired...).Err(); err != nil {
			return nil, err
		}
	}
	sort.Strings(live)
	return live, nil
}
