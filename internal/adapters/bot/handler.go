package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-summary-bot/internal/domain"
	"tg-summary-bot/internal/usecase/polls"
)

// Replier отправляет ответы пользователям.
type Replier interface {
	SendText(ctx context.Context, chatID int64, text string, replyTo int) (int, error)
	AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error
}

// Regenerator обрабатывает нажатия кнопки перегенерации.
type Regenerator interface {
	Regenerate(ctx context.Context, req polls.RegenerateRequest) polls.RegenerateResult
}

// ForwardDispatcher принимает пересылки из групп обсуждения.
type ForwardDispatcher interface {
	Dispatch(ev polls.ForwardEvent) bool
}

// SettingsSource отдаёт текущий снимок настроек.
type SettingsSource interface {
	Snapshot() domain.Settings
}

// Handler обрабатывает апдейты бота.
type Handler struct {
	replier     Replier
	regenerator Regenerator
	forwards    ForwardDispatcher
	settings    SettingsSource
	jobs        domain.CycleQueue
	checkpoints domain.CheckpointStore
	log         zerolog.Logger
	now         func() time.Time
}

// NewHandler создаёт обработчик.
func NewHandler(replier Replier, regenerator Regenerator, forwards ForwardDispatcher, settings SettingsSource, jobs domain.CycleQueue, checkpoints domain.CheckpointStore, log zerolog.Logger) *Handler {
	return &Handler{
		replier:     replier,
		regenerator: regenerator,
		forwards:    forwards,
		settings:    settings,
		jobs:        jobs,
		checkpoints: checkpoints,
		log:         log.With().Str("component", "bot").Logger(),
		now:         time.Now,
	}
}

// HandleUpdate обрабатывает входящий апдейт.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	switch {
	case upd.Message != nil:
		h.handleMessage(ctx, upd.Message)
	case upd.CallbackQuery != nil:
		h.handleCallback(ctx, upd.CallbackQuery)
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if ev, ok := forwardEvent(msg); ok {
		if h.forwards.Dispatch(ev) {
			h.log.Debug().Int64("chat", ev.ChatID).Int("message_id", ev.MessageID).Msg("bot: пересылка сводки сопоставлена")
		}
		return
	}

	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") || msg.From == nil {
		return
	}
	command, arg := splitCommand(text)
	switch command {
	case "/summary":
		h.handleSummary(ctx, msg.Chat.ID, msg.From.ID, arg)
	case "/reset":
		h.handleReset(ctx, msg.Chat.ID, msg.From.ID, arg)
	}
}

// forwardEvent распознаёт автоматическую пересылку поста канала в группу обсуждения.
func forwardEvent(msg *tgbotapi.Message) (polls.ForwardEvent, bool) {
	if msg.Chat == nil || msg.ForwardFromChat == nil || msg.ForwardFromMessageID == 0 {
		return polls.ForwardEvent{}, false
	}
	if !msg.IsAutomaticForward && !msg.ForwardFromChat.IsChannel() {
		return polls.ForwardEvent{}, false
	}
	return polls.ForwardEvent{
		ChatID:          msg.Chat.ID,
		MessageID:       msg.MessageID,
		OriginChatID:    msg.ForwardFromChat.ID,
		OriginMessageID: msg.ForwardFromMessageID,
	}, true
}

func (h *Handler) handleSummary(ctx context.Context, chatID, userID int64, alias string) {
	settings := h.settings.Snapshot()
	key, ok := h.authorizeChannel(ctx, settings, chatID, userID, alias, "/summary")
	if !ok {
		return
	}
	job := domain.CycleJob{
		ID:          uuid.NewString(),
		ChannelKey:  key,
		Cause:       domain.CycleCauseManual,
		RequestedAt: h.now().UTC(),
		RequestedBy: userID,
		ReplyChatID: chatID,
	}
	if err := h.jobs.Enqueue(ctx, job); err != nil {
		h.log.Error().Err(err).Str("channel", key).Msg("bot: не удалось поставить цикл в очередь")
		h.reply(ctx, chatID, "❌ Не удалось запустить сводку, попробуйте позже")
		return
	}
	h.log.Info().Str("channel", key).Str("job_id", job.ID).Int64("user", userID).Msg("bot: ручной запуск сводки")
	h.reply(ctx, chatID, fmt.Sprintf("⏳ Сводка по @%s поставлена в очередь", key))
}

func (h *Handler) handleReset(ctx context.Context, chatID, userID int64, alias string) {
	settings := h.settings.Snapshot()
	key, ok := h.authorizeChannel(ctx, settings, chatID, userID, alias, "/reset")
	if !ok {
		return
	}
	if err := h.checkpoints.Reset(ctx, key); err != nil {
		h.log.Error().Err(err).Str("channel", key).Msg("bot: не удалось сбросить контрольную точку")
		h.reply(ctx, chatID, "❌ Не удалось сбросить контрольную точку")
		return
	}
	h.log.Info().Str("channel", key).Int64("user", userID).Msg("bot: контрольная точка сброшена")
	h.reply(ctx, chatID, fmt.Sprintf("✅ Контрольная точка @%s сброшена, следующая сводка охватит последние 7 дней", key))
}

func (h *Handler) authorizeChannel(ctx context.Context, settings domain.Settings, chatID, userID int64, alias, command string) (string, bool) {
	if !settings.Operators.Allows(userID) {
		h.reply(ctx, chatID, "⛔ Команда доступна только операторам")
		return "", false
	}
	key := normalizeAlias(alias)
	if key == "" {
		h.reply(ctx, chatID, fmt.Sprintf("Использование: %s @alias", command))
		return "", false
	}
	if _, ok := settings.Channel(key); !ok {
		h.reply(ctx, chatID, fmt.Sprintf("Канал @%s не настроен", key))
		return "", false
	}
	return key, true
}

func (h *Handler) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.From == nil {
		return
	}
	var (
		notice string
		alert  bool
	)
	switch {
	case strings.HasPrefix(cb.Data, polls.CallbackPrefix):
		var chatID int64
		if cb.Message != nil && cb.Message.Chat != nil {
			chatID = cb.Message.Chat.ID
		}
		snapshot := h.settings.Snapshot()
		res := h.regenerator.Regenerate(ctx, polls.RegenerateRequest{
			UserID:     cb.From.ID,
			ChatID:     chatID,
			Data:       cb.Data,
			Operators:  snapshot.Operators,
			PollPrompt: snapshot.PollPrompt,
		})
		h.log.Info().Str("outcome", string(res.Outcome)).Int64("user", cb.From.ID).Int64("chat", chatID).Msg("bot: нажатие кнопки перегенерации")
		notice, alert = res.Notice, res.Alert
	}
	if err := h.replier.AnswerCallback(ctx, cb.ID, notice, alert); err != nil {
		h.log.Error().Err(err).Msg("не удалось ответить на callback")
	}
}

func (h *Handler) reply(ctx context.Context, chatID int64, text string) {
	if _, err := h.replier.SendText(ctx, chatID, text, 0); err != nil && !errors.Is(err, context.Canceled) {
		h.log.Error().Err(err).Msg("не удалось отправить сообщение")
	}
}

// splitCommand отделяет команду от аргумента и убирает суффикс @botname.
func splitCommand(text string) (string, string) {
	command, arg, _ := strings.Cut(text, " ")
	if at := strings.Index(command, "@"); at > 0 {
		command = command[:at]
	}
	return strings.ToLower(command), strings.TrimSpace(arg)
}

func normalizeAlias(alias string) string {
	alias = strings.TrimSpace(alias)
	alias = strings.TrimPrefix(alias, "https://t.me/")
	alias = strings.TrimPrefix(alias, "t.me/")
	alias = strings.TrimPrefix(alias, "@")
	return strings.ToLower(alias)
}
