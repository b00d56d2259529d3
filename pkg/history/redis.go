package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKey = "turbowatch:history"

// ErrClosed is returned by RedisStore methods called after Close.
var ErrClosed = errors.New("history store closed")

// RedisStore keeps the rolling window in a Redis list so history survives
// restarts and can be shared by several diagnoser replicas.
type RedisStore struct {
	client   *redis.Client
	key      string
	capacity int
	mu       sync.RWMutex
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
// Empty Key uses "turbowatch:history"; non-positive Capacity uses DefaultCapacity.
func NewRedisStore(opts Options) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if opts.DB < 0 {
		return nil, errors.New("redis database number must be >= 0")
	}
	if opts.Key == "" {
		opts.Key = defaultKey
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		MaxRetries:   3,
		DialTimeout:  opts.Timeout,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	return &RedisStore{
		client:   client,
		key:      opts.Key,
		capacity: opts.Capacity,
	}, nil
}

// Push appends e and trims the list to the newest capacity entries in one
// MULTI/EXEC transaction.
func (r *RedisStore) Push(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}

	client, err := r.conn()
	if err != nil {
		return err
	}

	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, r.key, data)
		pipe.LTrim(ctx, r.key, int64(-r.capacity), -1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push history entry to redis: %w", err)
	}
	return nil
}

// Snapshot returns the retained entries oldest-first.
func (r *RedisStore) Snapshot(ctx context.Context) ([]Entry, error) {
	client, err := r.conn()
	if err != nil {
		return nil, err
	}

	items, err := client.LRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history from redis: %w", err)
	}

	out := make([]Entry, 0, len(items))
	for _, item := range items {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Len returns the list length.
func (r *RedisStore) Len(ctx context.Context) (int, error) {
	client, err := r.conn()
	if err != nil {
		return 0, err
	}

	n, err := client.LLen(ctx, r.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read history length from redis: %w", err)
	}
	return int(n), nil
}

// Clear removes all retained entries.
func (r *RedisStore) Clear(ctx context.Context) error {
	client, err := r.conn()
	if err != nil {
		return err
	}
	return client.Del(ctx, r.key).Err()
}

// Ping checks the Redis connection health.
func (r *RedisStore) Ping(ctx context.Context) error {
	client, err := r.conn()
	if err != nil {
		return err
	}
	return client.Ping(ctx).Err()
}

// conn returns the live client, or ErrClosed once Close has run. A call racing
// Close may still reach the client and get redis.ErrClosed back.
func (r *RedisStore) conn() (*redis.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.client == nil {
		return nil, ErrClosed
	}
	return r.client, nil
}

// Close closes the Redis client connection. It is safe to call multiple times.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		return nil
	}

	err := r.client.Close()
	r.client = nil
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
