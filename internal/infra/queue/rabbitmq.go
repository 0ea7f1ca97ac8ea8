package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"tg-summary-bot/internal/domain"
	"tg-summary-bot/internal/infra/metrics"
)

// RabbitCycleQueue очередь задач поверх durable-очереди RabbitMQ.
type RabbitCycleQueue struct {
	conn     *amqp.Connection
	queue    string
	prefetch int

	mu         sync.Mutex
	publish    *amqp.Channel
	consume    *amqp.Channel
	deliveries <-chan amqp.Delivery
}

var _ domain.CycleQueue = (*RabbitCycleQueue)(nil)

// NewRabbitCycleQueue подключается к брокеру и объявляет очередь. prefetch ограничивает
// число неподтверждённых задач у одного потребителя.
func NewRabbitCycleQueue(amqpURL, queue string, prefetch int) (*RabbitCycleQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("не задан AMQP_URL")
	}
	if queue == "" {
		return nil, errors.New("не задано имя очереди")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("подключение к RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("открытие канала: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("объявление очереди %s: %w", queue, err)
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	return &RabbitCycleQueue{conn: conn, queue: queue, prefetch: prefetch, publish: ch}, nil
}

// Enqueue публикует задачу как persistent-сообщение.
func (q *RabbitCycleQueue) Enqueue(ctx context.Context, job domain.CycleJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("сериализация задачи: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	start := time.Now()
	err = q.publish.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    job.RequestedAt,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("публикация задачи: %w", err)
	}
	return nil
}

// Receive ждёт следующую задачу. success=false возвращает сообщение в очередь.
func (q *RabbitCycleQueue) Receive(ctx context.Context) (domain.CycleJob, domain.AckFunc, error) {
	deliveries, err := q.ensureConsumer()
	if err != nil {
		return domain.CycleJob{}, nil, err
	}
	select {
	case <-ctx.Done():
		return domain.CycleJob{}, nil, ctx.Err()
	case d, ok := <-deliveries:
		if !ok {
			q.resetConsumer()
			return domain.CycleJob{}, nil, errors.New("канал доставки RabbitMQ закрыт")
		}
		var job domain.CycleJob
		if err := json.Unmarshal(d.Body, &job); err != nil {
			_ = d.Nack(false, false)
			return domain.CycleJob{}, nil, fmt.Errorf("разбор задачи: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return d.Ack(false)
			}
			return d.Nack(false, true)
		}
		return job, ack, nil
	}
}

func (q *RabbitCycleQueue) ensureConsumer() (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deliveries != nil {
		return q.deliveries, nil
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("открытие канала: %w", err)
	}
	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("настройка prefetch: %w", err)
	}
	deliveries, err := ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("подписка на очередь %s: %w", q.queue, err)
	}
	q.consume, q.deliveries = ch, deliveries
	return deliveries, nil
}

func (q *RabbitCycleQueue) resetConsumer() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.consume != nil {
		_ = q.consume.Close()
	}
	q.consume, q.deliveries = nil, nil
}

// Close закрывает соединение с брокером.
func (q *RabbitCycleQueue) Close() error {
	return q.conn.Close()
}
