package dispatch

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ManualQueue : commandes sans livreur, à attribuer par un admin.
type ManualQueue interface {
	Push(ctx context.Context, orderID string) error
	Remove(ctx context.Context, orderID string) error
	List(ctx context.Context) ([]string, error)
}

const manualQueueKey = "dispatch:manual_queue"

// RedisQueue garde la file dans une liste Redis, la plus ancienne en tête.
type RedisQueue struct {
	client redis.UniversalClient
}

func NewRedisQueue(client redis.UniversalClient) *RedisQueue {
	return &RedisQueue{client: client}
}

func (q *RedisQueue) Push(ctx context.Context, orderID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, manualQueueKey, 0, orderID)
	pipe.RPush(ctx, manualQueueKey, orderID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Remove(ctx context.Context, orderID string) error {
	return q.client.LRem(ctx, manualQueueKey, 0, orderID).Err()
}

func (q *RedisQueue) List(ctx context.Context) ([]string, error) {
	return q.client.LRange(ctx, manualQueueKey, 0, -1).Result()
}

type MemoryQueue struct {
	mu  sync.Mutex
	ids []string
}

func NewMemoryQueue() *MemoryQueue { return &MemoryQueue{} }

func (q *MemoryQueue) Push(_ context.Context, orderID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(remove(q.ids, orderID), orderID)
	return nil
}

func (q *MemoryQueue) Remove(_ context.Context, orderID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = remove(q.ids, orderID)
	return nil
}

func (q *MemoryQueue) List(_ context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...), nil
}

func remove(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
