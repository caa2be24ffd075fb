package async

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is the durable queue driver: tasks live in a Redis list and
// survive process restarts. Delivery is at least once.
type RedisQueue struct {
	client  *redis.Client
	key     string
	handler Handler
	logger  *slog.Logger
	workers int
	timeout time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RedisQueueConfig configures NewRedisQueue.
type RedisQueueConfig struct {
	Addr        string
	Key         string
	Workers     int
	TaskTimeout time.Duration
}

// NewRedisQueue connects, starts the consumer loops and returns the queue.
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig, handler Handler, logger *slog.Logger) (*RedisQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	q := &RedisQueue{
		client:  client,
		key:     cfg.Key,
		handler: handler,
		logger:  logger,
		workers: cfg.Workers,
		timeout: cfg.TaskTimeout,
	}
	if q.workers <= 0 {
		q.workers = 4
	}
	if q.timeout <= 0 {
		q.timeout = 3 * time.Minute
	}

	runCtx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.consumeLoop(runCtx, i+1)
	}
	return q, nil
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, payload).Err()
}

func (q *RedisQueue) consumeLoop(ctx context.Context, workerID int) {
	defer q.wg.Done()
	q.logger.Debug("redis worker started", "worker_id", workerID)

	for {
		res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
		if err != nil {
			if ctx.Err() != nil {
				q.logger.Debug("redis worker stopped", "worker_id", workerID)
				return
			}
			if !errors.Is(err, redis.Nil) {
				q.logger.Warn("redis pop failed, backing off", "worker_id", workerID, "error", err)
				time.Sleep(time.Second)
			}
			continue
		}

		var task Task
		if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
			q.logger.Error("discarding malformed task payload", "worker_id", workerID, "error", err)
			continue
		}

		taskCtx, cancel := context.WithTimeout(ctx, q.timeout)
		err = q.handler(taskCtx, task)
		cancel()
		if err != nil {
			q.logger.Error("task handling failed",
				"worker_id", workerID, "job_id", task.JobID, "document_id", task.DocumentID, "error", err)
		}
	}
}

// Shutdown implements Queue: stop consuming and wait for in-flight tasks.
// Undelivered tasks stay in the list for the next process.
func (q *RedisQueue) Shutdown(ctx context.Context) {
	q.cancel()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("shutdown interrupted by context")
	case <-done:
		q.logger.Info("redis queue shutdown complete")
	}

	if err := q.client.Close(); err != nil {
		q.logger.Warn("closing redis client", "error", err)
	}
}
