package cycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tg-summary-bot/internal/domain"
	"tg-summary-bot/internal/infra/metrics"
	"tg-summary-bot/internal/usecase/polls"
	"tg-summary-bot/internal/usecase/report"
)

var (
	// ErrUnknownChannel канал отсутствует в текущих настройках.
	ErrUnknownChannel = errors.New("канал не настроен")
	// ErrNoReportChat отчёт некуда отправить.
	ErrNoReportChat = errors.New("не задан чат для отчётов")
	// ErrEmptySummary модель вернула пустую сводку.
	ErrEmptySummary = errors.New("пустая сводка")
)

const defaultLockTTL = 15 * time.Minute

// Outcome итог цикла.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeEmpty   Outcome = "empty"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// SettingsSource отдаёт текущий снимок настроек.
type SettingsSource interface {
	Snapshot() domain.Settings
}

// PollAttacher прикрепляет опрос к отправленной сводке. Prepare вызывается сразу после
// отправки первой части, Complete после отправки остальных.
type PollAttacher interface {
	Prepare(ctx context.Context, req polls.AttachRequest) *polls.Pending
	Complete(ctx context.Context, p *polls.Pending) (*polls.AttachResult, error)
}

// Result итог одного цикла.
type Result struct {
	Outcome           Outcome
	Channel           domain.Channel
	Messages          int
	SummaryMessageIDs []int
	Poll              *polls.AttachResult
	Watermark         time.Time
}

// Deps зависимости сервиса циклов.
type Deps struct {
	Settings    SettingsSource
	Locker      domain.CycleLocker
	Directory   domain.ChannelDirectory
	Fetcher     domain.MessageFetcher
	Summarizer  domain.Summarizer
	Messenger   domain.Messenger
	Checkpoints domain.CheckpointStore
	Polls       PollAttacher
	// History необязателен, без него сводки не журналируются.
	History domain.SummaryHistory
	// Model имя модели для истории сводок.
	Model   string
	LockTTL time.Duration
}

// Service выполняет цикл сводки одного канала.
type Service struct {
	deps Deps
	log  zerolog.Logger
	now  func() time.Time
}

// NewService создаёт сервис циклов.
func NewService(deps Deps, log zerolog.Logger) *Service {
	if deps.LockTTL <= 0 {
		deps.LockTTL = defaultLockTTL
	}
	return &Service{deps: deps, log: log.With().Str("component", "cycle").Logger(), now: time.Now}
}

// Run собирает новые сообщения канала, публикует сводку с опросом и сдвигает
// контрольную точку. Контрольная точка сохраняется только после успешной отправки отчёта.
func (s *Service) Run(ctx context.Context, job domain.CycleJob) (Result, error) {
	start := s.now().UTC()
	res, err := s.run(ctx, job, start)
	outcome := res.Outcome
	if err != nil {
		outcome = OutcomeFailed
	}
	metrics.ObserveCycle(job.ChannelKey, string(outcome), start)
	return res, err
}

func (s *Service) run(ctx context.Context, job domain.CycleJob, start time.Time) (Result, error) {
	settings := s.deps.Settings.Snapshot()
	chSettings, ok := settings.Channel(job.ChannelKey)
	if !ok {
		return Result{}, fmt.Errorf("%s: %w", job.ChannelKey, ErrUnknownChannel)
	}
	log := s.log.With().Str("channel", job.ChannelKey).Str("job_id", job.ID).Int64("settings_version", settings.Version).Logger()

	if s.deps.Locker != nil {
		release, locked, err := s.deps.Locker.TryLock(ctx, "cycle:"+job.ChannelKey, s.deps.LockTTL)
		if err != nil {
			return Result{}, fmt.Errorf("блокировка цикла: %w", err)
		}
		if !locked {
			log.Info().Msg("cycle: предыдущий цикл канала ещё выполняется, пропускаем")
			return Result{Outcome: OutcomeSkipped}, nil
		}
		defer release()
	}

	alias := chSettings.Alias
	if alias == "" {
		alias = job.ChannelKey
	}
	channel, err := s.deps.Directory.Resolve(ctx, alias)
	if err != nil {
		return Result{}, fmt.Errorf("резолв канала %s: %w", alias, err)
	}
	channel.Key = job.ChannelKey
	res := Result{Channel: channel}

	cp, found, err := s.deps.Checkpoints.Load(ctx, job.ChannelKey)
	if err != nil {
		return res, fmt.Errorf("загрузка контрольной точки: %w", err)
	}
	if !found || cp.Watermark.IsZero() {
		initial := domain.InitialCheckpoint(start)
		cp.Watermark = initial.Watermark
	}

	fetched, err := s.deps.Fetcher.FetchSince(ctx, channel, cp.Watermark)
	if err != nil {
		return res, fmt.Errorf("получение сообщений: %w", err)
	}
	messages := Fresh(fetched, cp.Watermark, cp.Exclusions())
	res.Messages = len(messages)
	log.Debug().Int("fetched", len(fetched)).Int("fresh", len(messages)).Time("watermark", cp.Watermark).Msg("cycle: сообщения получены")

	if len(messages) == 0 {
		next := domain.NewCheckpoint(start, cp.SummaryMessageIDs, cp.PollMessageIDs, cp.ControlMessageIDs)
		if err := s.deps.Checkpoints.Save(ctx, job.ChannelKey, next); err != nil {
			return res, fmt.Errorf("сохранение контрольной точки: %w", err)
		}
		log.Info().Msg("cycle: новых сообщений нет, сдвигаем водяной знак")
		res.Outcome = OutcomeEmpty
		res.Watermark = start
		return res, nil
	}

	summary, err := s.deps.Summarizer.Summarize(ctx, messages, settings.PromptFor(job.ChannelKey))
	if err != nil {
		return res, fmt.Errorf("суммаризация: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return res, ErrEmptySummary
	}

	chatID := channel.ChatID
	if !settings.SendToSource {
		chatID = settings.ReportChatID
	}
	if chatID == 0 {
		return res, ErrNoReportChat
	}

	target := polls.Resolve(settings, job.ChannelKey)
	withPoll := target.Enabled && s.deps.Polls != nil
	if withPoll && !settings.SendToSource {
		// Отчёт ушёл в отдельный чат, пересылки в группу обсуждения не будет.
		target.Destination = domain.PollDestinationChannel
	}

	title := report.Title(channel.DisplayName(), chSettings.Frequency, cp.Watermark, start)
	segments := report.Compose(title, summary, report.Options{Limit: report.MessageLimit})
	if len(segments) == 0 {
		return res, ErrEmptySummary
	}
	ids := make([]int, 0, len(segments))
	first, err := s.deps.Messenger.SendText(ctx, chatID, segments[0].Text, 0)
	if err != nil {
		return res, fmt.Errorf("отправка части %d/%d: %w", segments[0].Index, segments[0].Total, err)
	}
	ids = append(ids, first)

	// Пересылка первой части в группу обсуждения может прийти, пока уходят остальные
	// части и генерируется опрос, поэтому подписка оформляется сразу.
	var pending *polls.Pending
	if withPoll {
		pending = s.deps.Polls.Prepare(ctx, polls.AttachRequest{
			Channel:          channel,
			Target:           target,
			SourceChatID:     chatID,
			SummaryMessageID: first,
			SummaryText:      summary,
			PollPrompt:       settings.PollPrompt,
		})
		defer pending.Cancel()
	}

	for _, seg := range segments[1:] {
		id, err := s.deps.Messenger.SendText(ctx, chatID, seg.Text, 0)
		if err != nil {
			return res, fmt.Errorf("отправка части %d/%d: %w", seg.Index, seg.Total, err)
		}
		ids = append(ids, id)
	}
	res.SummaryMessageIDs = ids
	metrics.ReportSegmentsTotal.Add(float64(len(ids)))
	log.Info().Int("segments", len(ids)).Int64("chat", chatID).Msg("cycle: сводка отправлена")

	if err := s.deps.Messenger.Pin(ctx, chatID, ids[0]); err != nil {
		log.Warn().Err(err).Msg("cycle: не удалось закрепить сводку")
	}

	// Исключения сравниваются с id постов канала, а у каждого чата своя нумерация.
	// Поэтому в контрольную точку попадает только то, что отправлено в сам канал.
	var ownIDs, pollIDs, controlIDs []int
	if chatID == channel.ChatID {
		ownIDs = ids
	}
	if pending != nil {
		attached, err := s.deps.Polls.Complete(ctx, pending)
		if err != nil {
			log.Error().Err(err).Msg("cycle: опрос не прикреплён")
		}
		if attached != nil {
			res.Poll = attached
			if attached.ChatID == channel.ChatID {
				pollIDs = appendPositive(pollIDs, attached.PollMessageID)
				controlIDs = appendPositive(controlIDs, attached.ControlMessageID)
			}
		}
	}

	next := domain.NewCheckpoint(start, ownIDs, pollIDs, controlIDs)
	if err := s.deps.Checkpoints.Save(ctx, job.ChannelKey, next); err != nil {
		return res, fmt.Errorf("сохранение контрольной точки: %w", err)
	}
	s.remember(ctx, log, domain.SummaryEntry{
		ChannelKey:        job.ChannelKey,
		ChannelName:       channel.DisplayName(),
		ChatID:            chatID,
		Text:              summary,
		MessageCount:      len(messages),
		PeriodStart:       cp.Watermark,
		PeriodEnd:         start,
		Model:             s.deps.Model,
		Kind:              summaryKind(job, chSettings),
		SummaryMessageIDs: ids,
		PollMessageID:     pollMessageID(res.Poll),
		ControlMessageID:  controlMessageID(res.Poll),
		CreatedAt:         start,
	})
	res.Outcome = OutcomeSent
	res.Watermark = start
	return res, nil
}

// Fresh оставляет сообщения новее водяного знака, не созданные самим ботом и не пустые,
// в порядке публикации.
func Fresh(messages []domain.SourceMessage, watermark time.Time, exclusions map[int]struct{}) []domain.SourceMessage {
	out := make([]domain.SourceMessage, 0, len(messages))
	for _, msg := range messages {
		if !msg.PublishedAt.After(watermark) {
			continue
		}
		if _, excluded := exclusions[msg.ID]; excluded {
			continue
		}
		if strings.TrimSpace(msg.Text) == "" {
			continue
		}
		out = append(out, msg)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].PublishedAt.Equal(out[j].PublishedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].PublishedAt.Before(out[j].PublishedAt)
	})
	return out
}

// remember пишет сводку в историю. Ошибка журнала не отменяет уже доставленный отчёт.
func (s *Service) remember(ctx context.Context, log zerolog.Logger, entry domain.SummaryEntry) {
	if s.deps.History == nil {
		return
	}
	if err := s.deps.History.Append(ctx, entry); err != nil {
		log.Error().Err(err).Msg("cycle: сводка не записана в историю")
	}
}

func summaryKind(job domain.CycleJob, ch domain.ChannelSettings) string {
	if job.Cause == domain.CycleCauseManual {
		return domain.SummaryKindManual
	}
	if ch.Frequency == "" {
		return string(domain.FrequencyDaily)
	}
	return string(ch.Frequency)
}

func pollMessageID(r *polls.AttachResult) int {
	if r == nil {
		return 0
	}
	return r.PollMessageID
}

func controlMessageID(r *polls.AttachResult) int {
	if r == nil {
		return 0
	}
	return r.ControlMessageID
}

func appendPositive(ids []int, id int) []int {
	if id > 0 {
		return append(ids, id)
	}
	return ids
}
