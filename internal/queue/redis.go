package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const defaultListKey = "astroinsight:tasks"

// RedisQueue is a Redis-list-backed Queue for deployments where submitters
// and workers run in separate processes. LPUSH/BRPOP gives FIFO ordering
// per list.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// RedisOptions configures a RedisQueue.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Key is the list key; defaults to "astroinsight:tasks".
	Key string
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, opts RedisOptions) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", opts.Addr, err)
	}
	key := opts.Key
	if key == "" {
		key = defaultListKey
	}
	return &RedisQueue{client: client, key: key}, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.key, taskID).Err(); err != nil {
		return fmt.Errorf("enqueueing task %s: %w", taskID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (string, error) {
	// Short BRPOP timeouts keep the loop responsive to ctx cancellation;
	// BRPOP itself does not abort on context when blocked server-side.
	for {
		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err == redis.Nil {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			default:
				continue
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("dequeueing: %w", err)
		}
		// BRPOP returns [key, value].
		return res[1], nil
	}
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
