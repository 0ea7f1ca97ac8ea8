package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"tg-summary-bot/internal/domain"
)

const (
	// DefaultDailySpec ежедневная сводка в 09:00.
	DefaultDailySpec = "0 0 9 * * *"
	// DefaultWeeklySpec еженедельная сводка по понедельникам в 09:00.
	DefaultWeeklySpec = "0 0 9 * * MON"
)

type entry struct {
	id   cron.EntryID
	spec string
}

// Service ставит циклы каналов в очередь по их расписаниям.
type Service struct {
	cron  *cron.Cron
	jobs  domain.CycleQueue
	log   zerolog.Logger
	now   func() time.Time
	ctx   context.Context
	mu    sync.Mutex
	byKey map[string]entry
}

// NewService создаёт планировщик. Выражения cron содержат поле секунд.
func NewService(jobs domain.CycleQueue, loc *time.Location, log zerolog.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		cron:  cron.New(cron.WithSeconds(), cron.WithLocation(loc), cron.WithChain(cron.Recover(cron.DefaultLogger))),
		jobs:  jobs,
		log:   log.With().Str("component", "schedule").Logger(),
		now:   time.Now,
		ctx:   context.Background(),
		byKey: make(map[string]entry),
	}
}

// Start запускает cron и останавливает его при отмене ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
	}()
}

// Sync приводит записи cron к настройкам: новые каналы добавляются, удалённые
// и изменившие расписание пересоздаются. Возвращает число активных расписаний.
func (s *Service) Sync(settings domain.Settings) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	wanted := make(map[string]string, len(settings.Channels))
	for _, key := range settings.ChannelKeys() {
		ch, _ := settings.Channel(key)
		wanted[key] = SpecFor(ch)
	}
	for key, e := range s.byKey {
		if spec, ok := wanted[key]; !ok || spec != e.spec {
			s.cron.Remove(e.id)
			delete(s.byKey, key)
		}
	}
	for key, spec := range wanted {
		if _, ok := s.byKey[key]; ok {
			continue
		}
		channel := key
		id, err := s.cron.AddFunc(spec, func() { s.enqueue(channel) })
		if err != nil {
			s.log.Error().Err(err).Str("channel", key).Str("spec", spec).Msg("schedule: некорректное расписание")
			if firstErr == nil {
				firstErr = fmt.Errorf("канал %s: расписание %q: %w", key, spec, err)
			}
			continue
		}
		s.byKey[key] = entry{id: id, spec: spec}
		s.log.Info().Str("channel", key).Str("spec", spec).Msg("schedule: расписание зарегистрировано")
	}
	return len(s.byKey), firstErr
}

// AddFunc регистрирует служебную задачу, не связанную с каналами.
func (s *Service) AddFunc(spec string, fn func()) error {
	if _, err := s.cron.AddFunc(spec, fn); err != nil {
		return fmt.Errorf("расписание %q: %w", spec, err)
	}
	return nil
}

// Next возвращает время следующего запуска канала.
func (s *Service) Next(channel string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byKey[channel]
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(e.id).Next, true
}

func (s *Service) enqueue(channel string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	job := domain.CycleJob{
		ID:          uuid.NewString(),
		ChannelKey:  channel,
		Cause:       domain.CycleCauseScheduled,
		RequestedAt: s.now().UTC(),
	}
	if err := s.jobs.Enqueue(ctx, job); err != nil {
		s.log.Error().Err(err).Str("channel", channel).Msg("schedule: не удалось поставить цикл в очередь")
		return
	}
	s.log.Info().Str("channel", channel).Str("job_id", job.ID).Msg("schedule: цикл поставлен в очередь")
}

// SpecFor возвращает расписание канала или расписание по умолчанию для его периодичности.
func SpecFor(ch domain.ChannelSettings) string {
	if ch.Schedule != "" {
		return ch.Schedule
	}
	if ch.Frequency == domain.FrequencyWeekly {
		return DefaultWeeklySpec
	}
	return DefaultDailySpec
}
