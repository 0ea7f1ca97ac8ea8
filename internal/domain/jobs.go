package domain

import (
	"context"
	"time"
)

// CycleCause описывает источник запуска цикла.
type CycleCause string

const (
	// CycleCauseScheduled цикл запущен по расписанию.
	CycleCauseScheduled CycleCause = "scheduled"
	// CycleCauseManual оператор запросил сводку вручную.
	CycleCauseManual CycleCause = "manual"
)

// CycleJob задача на построение сводки одного канала.
type CycleJob struct {
	ID          string     `json:"job_id,omitempty"`
	ChannelKey  string     `json:"channel_key"`
	Cause       CycleCause `json:"cause"`
	RequestedAt time.Time  `json:"requested_at"`
	// RequestedBy и ReplyChatID заполняются для ручного запуска.
	RequestedBy int64 `json:"requested_by,omitempty"`
	ReplyChatID int64 `json:"reply_chat_id,omitempty"`
}

// CycleQueue очередь задач между планировщиком и ботом.
type CycleQueue interface {
	Enqueue(ctx context.Context, job CycleJob) error
	Receive(ctx context.Context) (CycleJob, AckFunc, error)
}

// AckFunc подтверждает обработку задачи или возвращает её в очередь.
type AckFunc func(success bool) error
