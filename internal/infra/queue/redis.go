package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-summary-bot/internal/domain"
	"tg-summary-bot/internal/infra/metrics"
)

// RedisCycleQueue очередь задач на Redis lists. Полученная задача переносится
// в список обработки и удаляется оттуда при подтверждении.
type RedisCycleQueue struct {
	client     redis.Cmdable
	key        string
	processing string
}

var _ domain.CycleQueue = (*RedisCycleQueue)(nil)

// NewRedisCycleQueue создаёт очередь по указанному ключу.
func NewRedisCycleQueue(client redis.Cmdable, key string) *RedisCycleQueue {
	return &RedisCycleQueue{client: client, key: key, processing: key + ":processing"}
}

// Enqueue публикует задачу в очередь.
func (q *RedisCycleQueue) Enqueue(ctx context.Context, job domain.CycleJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("сериализация задачи: %w", err)
	}
	start := time.Now()
	err = q.client.LPush(ctx, q.key, payload).Err()
	metrics.ObserveNetworkRequest("redis", "lpush", q.key, start, err)
	if err != nil {
		return fmt.Errorf("публикация задачи: %w", err)
	}
	return nil
}

// Recover возвращает в очередь задачи, оставшиеся в обработке после падения процесса.
func (q *RedisCycleQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.key, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("возврат задач в очередь: %w", err)
		}
		moved++
	}
}

// Receive блокирующе читает задачу. Подтверждение с success=false возвращает её в очередь.
func (q *RedisCycleQueue) Receive(ctx context.Context) (domain.CycleJob, domain.AckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.CycleJob{}, nil, err
		}
		payload, err := q.client.BLMove(ctx, q.key, q.processing, "RIGHT", "LEFT", time.Second).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.CycleJob{}, nil, ctx.Err()
				}
				continue
			}
			return domain.CycleJob{}, nil, fmt.Errorf("чтение задачи: %w", err)
		}
		ack := q.ackFunc(payload)
		var job domain.CycleJob
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			// Битую задачу повторять бессмысленно.
			_ = ack(true)
			return domain.CycleJob{}, nil, fmt.Errorf("разбор задачи: %w", err)
		}
		return job, ack, nil
	}
}

func (q *RedisCycleQueue) ackFunc(payload string) domain.AckFunc {
	return func(success bool) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.processing, 1, payload)
		if !success {
			pipe.RPush(ctx, q.key, payload)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("подтверждение задачи: %w", err)
		}
		return nil
	}
}
