package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-summary-bot/internal/domain"
)

func newCheckpoints(t *testing.T) (*FileCheckpoints, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "checkpoints.json")
	s, err := NewFileCheckpoints(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	return s, path
}

func TestCheckpointsLoadAbsent(t *testing.T) {
	s, _ := newCheckpoints(t)
	_, found, err := s.Load(context.Background(), "news")
	if err != nil || found {
		t.Fatalf("ожидали отсутствие записи, получили found=%v err=%v", found, err)
	}
}

func TestCheckpointsSaveAndLoad(t *testing.T) {
	s, _ := newCheckpoints(t)
	ctx := context.Background()
	wm := time.Date(2025, 1, 8, 10, 0, 0, 0, time.UTC)
	if err := s.Save(ctx, "news", domain.NewCheckpoint(wm, []int{501}, []int{502}, nil)); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	cp, found, err := s.Load(ctx, "news")
	if err != nil || !found {
		t.Fatalf("ожидали запись, получили found=%v err=%v", found, err)
	}
	if !cp.Watermark.Equal(wm) || cp.SchemaVersion != domain.CheckpointSchemaVersion {
		t.Fatalf("неожиданная контрольная точка: %+v", cp)
	}
	if got := cp.ProducedIDs(); len(got) != 2 || got[0] != 501 || got[1] != 502 {
		t.Fatalf("неожиданные исключения: %v", got)
	}
}

func TestCheckpointsWatermarkNeverMovesBack(t *testing.T) {
	s, _ := newCheckpoints(t)
	ctx := context.Background()
	later := time.Date(2025, 1, 8, 10, 0, 0, 0, time.UTC)
	_ = s.Save(ctx, "news", domain.NewCheckpoint(later, []int{1}, nil, nil))
	if err := s.Save(ctx, "news", domain.NewCheckpoint(later.Add(-time.Hour), []int{2}, nil, nil)); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	cp, _, _ := s.Load(ctx, "news")
	if !cp.Watermark.Equal(later) {
		t.Fatalf("водяной знак сдвинулся назад: %v", cp.Watermark)
	}
	if len(cp.SummaryMessageIDs) != 1 || cp.SummaryMessageIDs[0] != 2 {
		t.Fatalf("списки должны заменяться целиком: %v", cp.SummaryMessageIDs)
	}
}

func TestCheckpointsConcurrentChannelsKeepEachOther(t *testing.T) {
	s, _ := newCheckpoints(t)
	ctx := context.Background()
	wm := time.Date(2025, 1, 8, 10, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.Save(ctx, fmt.Sprintf("ch%d", i), domain.NewCheckpoint(wm, []int{i + 1}, nil, nil))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
	}
	for i := 0; i < 20; i++ {
		if _, found, _ := s.Load(ctx, fmt.Sprintf("ch%d", i)); !found {
			t.Fatalf("потеряна контрольная точка ch%d", i)
		}
	}
}

func TestCheckpointsReset(t *testing.T) {
	s, _ := newCheckpoints(t)
	ctx := context.Background()
	_ = s.Save(ctx, "news", domain.NewCheckpoint(time.Now(), nil, nil, nil))
	_ = s.Save(ctx, "tech", domain.NewCheckpoint(time.Now(), nil, nil, nil))
	if err := s.Reset(ctx, "news"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if _, found, _ := s.Load(ctx, "news"); found {
		t.Fatalf("контрольная точка должна быть удалена")
	}
	if _, found, _ := s.Load(ctx, "tech"); !found {
		t.Fatalf("сброс не должен затрагивать другие каналы")
	}
	if err := s.Reset(ctx, "missing"); err != nil {
		t.Fatalf("сброс отсутствующего канала не должен падать: %v", err)
	}
}

func TestCheckpointsReplacePollIDs(t *testing.T) {
	s, _ := newCheckpoints(t)
	ctx := context.Background()
	wm := time.Date(2025, 1, 8, 10, 0, 0, 0, time.UTC)
	_ = s.Save(ctx, "news", domain.NewCheckpoint(wm, []int{10, 11}, []int{12}, []int{13}))

	ok, err := s.ReplacePollIDs(ctx, "news", 99, 20, 21)
	if err != nil || ok {
		t.Fatalf("чужая сводка не должна менять запись: ok=%v err=%v", ok, err)
	}
	ok, err = s.ReplacePollIDs(ctx, "news", 10, 20, 0)
	if err != nil || !ok {
		t.Fatalf("ожидали замену: ok=%v err=%v", ok, err)
	}
	cp, _, _ := s.Load(ctx, "news")
	if !cp.Watermark.Equal(wm) {
		t.Fatalf("водяной знак не должен меняться")
	}
	if len(cp.PollMessageIDs) != 1 || cp.PollMessageIDs[0] != 20 || len(cp.ControlMessageIDs) != 0 {
		t.Fatalf("неожиданные идентификаторы: %+v", cp)
	}
}

func TestCheckpointsMigratesLegacyShape(t *testing.T) {
	s, path := newCheckpoints(t)
	legacy := `{
  "news": {"time": "2025-01-08T00:00:00Z", "report_message_ids": [501, "502"], "poll_message_ids": {"ids": [503]}},
  "tech": {"watermark": 1736294400, "summary_message_ids": 7, "control_message_ids": "oops"},
  "bad": [1, 2, 3]
}`
	if err := os.WriteFile(path, []byte(legacy), 0o644); err != nil {
		t.Fatalf("не удалось записать файл: %v", err)
	}
	ctx := context.Background()

	cp, found, err := s.Load(ctx, "news")
	if err != nil || !found {
		t.Fatalf("ожидали запись, получили found=%v err=%v", found, err)
	}
	if !cp.Watermark.Equal(time.Date(2025, 1, 8, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("неверно перенесён водяной знак: %v", cp.Watermark)
	}
	if got := cp.ProducedIDs(); len(got) != 3 || got[0] != 501 || got[2] != 503 {
		t.Fatalf("неверно перенесены идентификаторы: %v", got)
	}

	tech, _, _ := s.Load(ctx, "tech")
	if !tech.Watermark.Equal(time.Unix(1736294400, 0).UTC()) {
		t.Fatalf("неверно разобран числовой водяной знак: %v", tech.Watermark)
	}
	if len(tech.SummaryMessageIDs) != 1 || tech.SummaryMessageIDs[0] != 7 || len(tech.ControlMessageIDs) != 0 {
		t.Fatalf("неверно приведены списки: %+v", tech)
	}

	bad, found, err := s.Load(ctx, "bad")
	if err != nil || !found || !bad.Watermark.IsZero() || len(bad.ProducedIDs()) != 0 {
		t.Fatalf("повреждённая запись должна приводиться к пустой: %+v, %v", bad, err)
	}
}
