package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/astromechza/statesync/pkg/tree"
)

type Redis struct {
	client *redis.Client
	key    string
}

// OpenRedis connects to the server at url and keeps the store under one key.
func OpenRedis(ctx context.Context, url string, storeID string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Redis{client: client, key: "statesync:stores:" + storeID}, nil
}

func (r *Redis) Save(ctx context.Context, root *tree.Object) error {
	content, err := encode(root)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key, content, 0).Err(); err != nil {
		return fmt.Errorf("failed to save to redis: %w", err)
	}
	return nil
}

func (r *Redis) Load(ctx context.Context) (*tree.Object, error) {
	content, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to load from redis: %w", err)
	}
	return decode(content)
}

func (r *Redis) Close() error {
	return r.client.Close()
}
