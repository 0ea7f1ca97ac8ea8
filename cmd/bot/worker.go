package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tg-summary-bot/internal/domain"
	"tg-summary-bot/internal/usecase/cycle"
)

type cycleRunner interface {
	Run(ctx context.Context, job domain.CycleJob) (cycle.Result, error)
}

type replier interface {
	SendText(ctx context.Context, chatID int64, text string, replyTo int) (int, error)
}

// jobWorker читает задачи из очереди и выполняет циклы с ограниченным параллелизмом.
type jobWorker struct {
	log         zerolog.Logger
	queue       domain.CycleQueue
	cycles      cycleRunner
	replies     replier
	concurrency int
	retryDelay  time.Duration
}

func (w *jobWorker) Run(ctx context.Context) error {
	concurrency := w.concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for {
		job, ack, err := w.queue.Receive(gctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || gctx.Err() != nil {
				break
			}
			w.log.Error().Err(err).Msg("worker: ошибка чтения очереди")
			if !sleepCtx(gctx, w.retryDelay) {
				break
			}
			continue
		}
		g.Go(func() error {
			w.handle(gctx, job, ack)
			return nil
		})
	}
	return g.Wait()
}

func (w *jobWorker) handle(ctx context.Context, job domain.CycleJob, ack domain.AckFunc) {
	jobLog := w.log.With().
		Str("job_id", job.ID).
		Str("channel", job.ChannelKey).
		Str("cause", string(job.Cause)).
		Logger()

	res, err := w.cycles.Run(ctx, job)
	if err != nil && ctx.Err() != nil {
		// Остановка процесса: задача вернётся в очередь и выполнится после рестарта.
		jobLog.Warn().Err(err).Msg("worker: цикл прерван остановкой")
		if ackErr := ack(false); ackErr != nil {
			jobLog.Error().Err(ackErr).Msg("worker: не удалось вернуть задачу в очередь")
		}
		return
	}
	if err != nil {
		jobLog.Error().Err(err).Msg("worker: цикл завершился ошибкой")
	} else {
		jobLog.Info().Str("outcome", string(res.Outcome)).Int("messages", res.Messages).Msg("worker: цикл завершён")
	}
	if ackErr := ack(true); ackErr != nil {
		jobLog.Error().Err(ackErr).Msg("worker: не удалось подтвердить задачу")
	}
	if job.Cause == domain.CycleCauseManual && job.ReplyChatID != 0 {
		if _, sendErr := w.replies.SendText(ctx, job.ReplyChatID, manualReply(job, res, err), 0); sendErr != nil {
			jobLog.Error().Err(sendErr).Msg("worker: не удалось сообщить оператору итог")
		}
	}
}

func manualReply(job domain.CycleJob, res cycle.Result, err error) string {
	if err != nil {
		return fmt.Sprintf("❌ Сводка по @%s не отправлена: %v", job.ChannelKey, err)
	}
	switch res.Outcome {
	case cycle.OutcomeSent:
		return fmt.Sprintf("✅ Сводка по @%s отправлена: %d публикаций, %d сообщений", job.ChannelKey, res.Messages, len(res.SummaryMessageIDs))
	case cycle.OutcomeEmpty:
		return fmt.Sprintf("ℹ️ В @%s нет новых публикаций с прошлой сводки", job.ChannelKey)
	case cycle.OutcomeSkipped:
		return fmt.Sprintf("⏳ Сводка по @%s уже формируется", job.ChannelKey)
	default:
		return fmt.Sprintf("Сводка по @%s: %s", job.ChannelKey, res.Outcome)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
