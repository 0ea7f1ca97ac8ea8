package queue

import (
	"context"

	"tg-summary-bot/internal/domain"
)

// MemoryCycleQueue очередь внутри процесса. Используется, когда планировщик
// запущен вместе с ботом.
type MemoryCycleQueue struct {
	jobs chan domain.CycleJob
}

var _ domain.CycleQueue = (*MemoryCycleQueue)(nil)

// NewMemoryCycleQueue создаёт очередь заданной ёмкости.
func NewMemoryCycleQueue(capacity int) *MemoryCycleQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &MemoryCycleQueue{jobs: make(chan domain.CycleJob, capacity)}
}

// Enqueue кладёт задачу в очередь или ждёт освобождения места.
func (q *MemoryCycleQueue) Enqueue(ctx context.Context, job domain.CycleJob) error {
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive ждёт задачу. Неуспешное подтверждение возвращает задачу в очередь.
func (q *MemoryCycleQueue) Receive(ctx context.Context) (domain.CycleJob, domain.AckFunc, error) {
	select {
	case job := <-q.jobs:
		return job, func(success bool) error {
			if success {
				return nil
			}
			select {
			case q.jobs <- job:
				return nil
			default:
				return context.DeadlineExceeded
			}
		}, nil
	case <-ctx.Done():
		return domain.CycleJob{}, nil, ctx.Err()
	}
}
