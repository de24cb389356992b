package seen

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore claims message ids with SETNX and lets Redis expire them.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// RedisOpts holds parameters for creating a RedisStore.
type RedisOpts struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Prefix   string // defaults to "shopkeep:seen"
	Client   *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(opts RedisOpts) (*RedisStore, error) {
	client := opts.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("seen: connect to redis %s: %w", opts.Addr, err)
		}
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "shopkeep:seen"
	}
	return &RedisStore{client: client, ttl: opts.TTL, prefix: prefix}, nil
}

func (s *RedisStore) key(credentialID, messageID string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, credentialID, messageID)
}

// Claim implements Store.
func (s *RedisStore) Claim(ctx context.Context, credentialID, messageID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(credentialID, messageID), time.Now().Unix(), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("seen: claim %s/%s: %w", credentialID, messageID, err)
	}
	return ok, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
