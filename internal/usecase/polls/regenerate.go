package polls

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"tg-summary-bot/internal/domain"
	"tg-summary-bot/internal/infra/metrics"
)

// Outcome итог обработки нажатия кнопки перегенерации.
type Outcome string

const (
	OutcomeRegenerated Outcome = "regenerated"
	OutcomeDenied      Outcome = "denied"
	OutcomeNotFound    Outcome = "not_found"
	OutcomeBusy        Outcome = "busy"
	OutcomeFailed      Outcome = "failed"
)

// RegenerateRequest нажатие кнопки перегенерации.
type RegenerateRequest struct {
	UserID int64
	// ChatID чат, в котором нажата кнопка.
	ChatID     int64
	Data       string
	Operators  domain.OperatorSet
	PollPrompt string
}

// RegenerateResult ответ пользователю. Alert означает всплывающее уведомление.
type RegenerateResult struct {
	Outcome Outcome
	Notice  string
	Alert   bool
}

// Regenerator заменяет ранее отправленный опрос новым.
type Regenerator struct {
	orchestrator *Orchestrator
	records      domain.RegenerationStore
	checkpoints  domain.CheckpointStore
	log          zerolog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewRegenerator создаёт обработчик перегенерации.
func NewRegenerator(orchestrator *Orchestrator, records domain.RegenerationStore, checkpoints domain.CheckpointStore, log zerolog.Logger) *Regenerator {
	return &Regenerator{
		orchestrator: orchestrator,
		records:      records,
		checkpoints:  checkpoints,
		log:          log,
		inflight:     make(map[string]struct{}),
	}
}

// Regenerate проверяет права, удаляет старые опрос и кнопку, отправляет новые к тому же
// якорю и обновляет идентификаторы в записи. Пересылка заново не ожидается.
func (r *Regenerator) Regenerate(ctx context.Context, req RegenerateRequest) RegenerateResult {
	res := r.regenerate(ctx, req)
	metrics.IncRegeneration(string(res.Outcome))
	return res
}

func (r *Regenerator) regenerate(ctx context.Context, req RegenerateRequest) RegenerateResult {
	summaryID, ok := ParseCallbackData(req.Data)
	if !ok {
		return RegenerateResult{Outcome: OutcomeNotFound, Notice: "Некорректные данные кнопки", Alert: true}
	}
	if !req.Operators.Allows(req.UserID) {
		return RegenerateResult{Outcome: OutcomeDenied, Notice: "⛔ Перегенерировать опрос могут только операторы", Alert: true}
	}
	log := r.log.With().Int64("user", req.UserID).Int64("chat", req.ChatID).Int("summary_id", summaryID).Logger()

	key := fmt.Sprintf("%d:%d", req.ChatID, summaryID)
	if !r.acquire(key) {
		return RegenerateResult{Outcome: OutcomeBusy, Notice: "⏳ Опрос уже перегенерируется"}
	}
	defer r.release(key)

	rec, found, err := r.records.Find(ctx, req.ChatID, summaryID)
	if err != nil {
		log.Error().Err(err).Msg("polls: не удалось прочитать записи перегенерации")
		return RegenerateResult{Outcome: OutcomeFailed, Notice: "❌ Не удалось найти данные опроса, попробуйте позже", Alert: true}
	}
	if !found {
		return RegenerateResult{Outcome: OutcomeNotFound, Notice: "Данные опроса не найдены, возможно, они устарели", Alert: true}
	}
	log = log.With().Str("channel", rec.ChannelKey).Logger()

	for _, id := range []int{rec.PollMessageID, rec.ControlMessageID} {
		if id == 0 {
			continue
		}
		if err := r.orchestrator.messenger.Delete(ctx, rec.ChatID, id); err != nil {
			log.Warn().Err(err).Int("message_id", id).Msg("polls: не удалось удалить старое сообщение, продолжаем")
		}
	}

	poll := r.orchestrator.generate(ctx, rec.SummaryText, req.PollPrompt)
	anchor := Anchor{ChatID: rec.ChatID, ReplyTo: rec.Anchor(), Destination: rec.Destination}
	delivery, err := r.orchestrator.Deliver(ctx, anchor, poll, rec.SummaryMessageID)
	if err != nil {
		log.Error().Err(err).Msg("polls: новый опрос не отправлен")
		return RegenerateResult{Outcome: OutcomeFailed, Notice: "❌ Не удалось отправить новый опрос", Alert: true}
	}

	if err := r.records.UpdateMessageIDs(ctx, rec.ChannelKey, rec.SummaryMessageID, delivery.PollMessageID, delivery.ControlMessageID); err != nil {
		log.Error().Err(err).Msg("polls: не удалось обновить запись перегенерации")
		return RegenerateResult{Outcome: OutcomeFailed, Notice: "❌ Опрос отправлен, но запись не обновлена", Alert: true}
	}
	// В исключения канала попадают только сообщения, отправленные в сам канал.
	// Опрос в группе обсуждения или в чате отчётов живёт в другой нумерации.
	if rec.Destination == domain.PollDestinationChannel && rec.ChatID == rec.SourceChatID {
		if _, err := r.checkpoints.ReplacePollIDs(ctx, rec.ChannelKey, rec.SummaryMessageID, delivery.PollMessageID, delivery.ControlMessageID); err != nil {
			log.Warn().Err(err).Msg("polls: не удалось обновить контрольную точку после перегенерации")
		}
	}

	log.Info().Int("poll_id", delivery.PollMessageID).Int("control_id", delivery.ControlMessageID).Msg("polls: опрос перегенерирован")
	return RegenerateResult{Outcome: OutcomeRegenerated, Notice: "✅ Опрос перегенерирован"}
}

func (r *Regenerator) acquire(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[key]; busy {
		return false
	}
	r.inflight[key] = struct{}{}
	return true
}

func (r *Regenerator) release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, key)
}
