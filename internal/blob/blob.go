package blob

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrBlobNotFound is returned when a key is absent from the store.
var ErrBlobNotFound = errors.New("blob not found")

// Store fetches raw input data by key from an external content-addressable
// blob store.
type Store interface {
	Retrieve(ctx context.Context, namespace, key string) ([]byte, error)
}

type RedisStore struct {
	client *redis.Client
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("blob store ping: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Retrieve(ctx context.Context, namespace, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, namespace+"/"+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s/%s", ErrBlobNotFound, namespace, key)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
