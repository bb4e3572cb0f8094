package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const renderQueueKey = "countersign:render-jobs"

// RedisDispatcher pushes job IDs onto a Redis list and runs workers that
// block-pop from it. Queued jobs survive a process restart because the
// list, like the job rows, outlives the process.
type RedisDispatcher struct {
	client  *redis.Client
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// NewRedisDispatcher connects to Redis and starts workerCount consumers.
func NewRedisDispatcher(redisURL string, executor Executor, workerCount int) (*RedisDispatcher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	if workerCount <= 0 {
		workerCount = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &RedisDispatcher{client: client, cancel: cancel}
	for i := 0; i < workerCount; i++ {
		d.workers.Add(1)
		go d.consume(ctx, executor)
	}
	return d, nil
}

func (d *RedisDispatcher) consume(ctx context.Context, executor Executor) {
	defer d.workers.Done()
	for {
		result, err := d.client.BRPop(ctx, 2*time.Second, renderQueueKey).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			log.Printf("render queue pop: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// BRPop returns [key, value].
		if len(result) != 2 {
			continue
		}
		jobID := result[1]
		if err := executor.ExecuteRenderJob(ctx, jobID); err != nil {
			log.Printf("render job %s: %v", jobID, err)
		}
	}
}

func (d *RedisDispatcher) Enqueue(ctx context.Context, jobID string) error {
	if err := d.client.LPush(ctx, renderQueueKey, jobID).Err(); err != nil {
		return fmt.Errorf("enqueue render job: %w", err)
	}
	return nil
}

func (d *RedisDispatcher) Close() error {
	d.cancel()
	d.workers.Wait()
	return d.client.Close()
}
