package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const layoutVersionKey = keyPrefix + "layout"

// layoutSteps rewrite keys written by older relays. Step i moves the layout
// from version i to i+1 and must be safe to repeat.
var layoutSteps = []func(ctx context.Context, client *redis.Client) error{
	resetForeignIndexes,
	pruneExpiredMembers,
}

// resetForeignIndexes deletes index keys that hold anything but a set.
func resetForeignIndexes(ctx context.Context, client *redis.Client) error {
	for _, role := range []string{"agent", "viewer"} {
		key := indexKey(role)
		kind, err := client.Type(ctx, key).Result()
		if err != nil {
			return err
		}
		if kind == "none" || kind == "set" {
			continue
		}
		if err := client.Del(ctx, key).Err(); err != nil {
			return err
		}
	}
	return nil
}

// pruneExpiredMembers drops ids whose presence key has already expired.
func pruneExpiredMembers(ctx context.Context, client *redis.Client) error {
	for _, role := range []string{"agent", "viewer"} {
		if _, err := pruneIndex(ctx, client, role); err != nil {
			return err
		}
	}
	return nil
}

// upgradeLayout runs the steps past the stored version and returns the
// versions before and after.
func upgradeLayout(ctx context.Context, client *redis.Client) (int, int, error) {
	from, err := client.Get(ctx, layoutVersionKey).Int()
	switch {
	case err == redis.Nil:
		from = 0
	case err != nil:
		return 0, 0, fmt.Errorf("read layout version: %w", err)
	}

	v := from
	for ; v < len(layoutSteps); v++ {
		if err := layoutSteps[v](ctx, client); err != nil {
			return from, v, fmt.Errorf("layout step %d: %w", v+1, err)
		}
		if err := client.Set(ctx, layoutVersionKey, v+1, 0).Err(); err != nil {
			return from, v, fmt.Errorf("store layout version %d: %w", v+1, err)
		}
	}
	return from, v, nil
}
