package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-summary-bot/internal/domain"
	"tg-summary-bot/internal/infra/queue"
	"tg-summary-bot/internal/usecase/cycle"
)

type fakeRunner struct {
	mu   sync.Mutex
	jobs []string
	res  cycle.Result
	err  error
	done chan struct{}
}

func (f *fakeRunner) Run(_ context.Context, job domain.CycleJob) (cycle.Result, error) {
	f.mu.Lock()
	f.jobs = append(f.jobs, job.ChannelKey)
	f.mu.Unlock()
	defer func() { f.done <- struct{}{} }()
	return f.res, f.err
}

type fakeReplies struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeReplies) SendText(_ context.Context, _ int64, text string, _ int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return 1, nil
}

func (f *fakeReplies) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func runWorker(t *testing.T, runner *fakeRunner, replies *fakeReplies, jobs ...domain.CycleJob) {
	t.Helper()
	q := queue.NewMemoryCycleQueue(len(jobs))
	for _, job := range jobs {
		if err := q.Enqueue(context.Background(), job); err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
	}
	w := &jobWorker{log: zerolog.Nop(), queue: q, cycles: runner, replies: replies, concurrency: 2}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()
	for range jobs {
		select {
		case <-runner.done:
		case <-time.After(time.Second):
			t.Fatal("цикл не был запущен")
		}
	}
	// Даём воркеру отправить ответ оператору.
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("воркер завершился с ошибкой: %v", err)
	}
}

func TestWorkerRunsJobsAndRepliesToOperator(t *testing.T) {
	runner := &fakeRunner{res: cycle.Result{Outcome: cycle.OutcomeSent, Messages: 3, SummaryMessageIDs: []int{1}}, done: make(chan struct{}, 2)}
	replies := &fakeReplies{}
	runWorker(t, runner, replies,
		domain.CycleJob{ID: "1", ChannelKey: "news", Cause: domain.CycleCauseScheduled},
		domain.CycleJob{ID: "2", ChannelKey: "tech", Cause: domain.CycleCauseManual, ReplyChatID: 42},
	)
	if len(runner.jobs) != 2 {
		t.Fatalf("ожидали два цикла, получили %v", runner.jobs)
	}
	texts := replies.all()
	if len(texts) != 1 || !strings.Contains(texts[0], "@tech") || !strings.HasPrefix(texts[0], "✅") {
		t.Fatalf("ответ получает только ручной запуск: %q", texts)
	}
}

func TestWorkerReportsFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("нет доступа"), done: make(chan struct{}, 1)}
	replies := &fakeReplies{}
	runWorker(t, runner, replies, domain.CycleJob{ID: "1", ChannelKey: "news", Cause: domain.CycleCauseManual, ReplyChatID: 42})
	texts := replies.all()
	if len(texts) != 1 || !strings.Contains(texts[0], "нет доступа") {
		t.Fatalf("ожидали сообщение об ошибке, получили %q", texts)
	}
}

func TestManualReplyOutcomes(t *testing.T) {
	job := domain.CycleJob{ChannelKey: "news"}
	if got := manualReply(job, cycle.Result{Outcome: cycle.OutcomeEmpty}, nil); !strings.Contains(got, "нет новых") {
		t.Fatalf("неожиданный ответ: %q", got)
	}
	if got := manualReply(job, cycle.Result{Outcome: cycle.OutcomeSkipped}, nil); !strings.Contains(got, "уже формируется") {
		t.Fatalf("неожиданный ответ: %q", got)
	}
}
