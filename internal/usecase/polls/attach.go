package polls

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"tg-summary-bot/internal/domain"
	"tg-summary-bot/internal/infra/metrics"
)

const (
	// QuestionLimit максимальная длина вопроса опроса.
	QuestionLimit = 250
	// OptionLimit максимальная длина варианта ответа.
	OptionLimit = 100
	// MaxOptions максимальное количество вариантов.
	MaxOptions = 10
	minOptions = 2
	// Для слишком короткой сводки опрос не генерируется.
	minSummaryRunes = 10

	// CallbackPrefix префикс данных кнопки перегенерации.
	CallbackPrefix = "regen_poll:"
	controlText    = "💡 Опрос получился неудачным? Нажмите кнопку ниже, чтобы сгенерировать новый"
	controlButton  = "🔄 Перегенерировать опрос"
)

// DefaultPoll подставляется, если сгенерировать опрос не удалось.
var DefaultPoll = domain.PollContent{
	Question: "Что вы думаете о сводке за этот период?",
	Options:  []string{"Очень полезно", "Скорее полезно", "Нейтрально", "Нужно доработать"},
}

// Anchor место, куда отправляется опрос.
type Anchor struct {
	ChatID      int64
	ReplyTo     int
	Destination domain.PollDestination
}

// Delivery идентификаторы отправленных опроса и кнопки. ControlMessageID == 0, если кнопку отправить не удалось.
type Delivery struct {
	PollMessageID    int
	ControlMessageID int
}

// AttachRequest параметры прикрепления опроса к сводке.
type AttachRequest struct {
	Channel          domain.Channel
	Target           domain.PollTarget
	SourceChatID     int64
	SummaryMessageID int
	SummaryText      string
	// PollPrompt шаблон запроса опроса из настроек, пустой для шаблона по умолчанию.
	PollPrompt string
}

// AttachResult результат прикрепления опроса.
type AttachResult struct {
	Delivery
	Destination domain.PollDestination
	ChatID      int64
}

// Orchestrator генерирует и отправляет опросы.
type Orchestrator struct {
	messenger  domain.Messenger
	directory  domain.ChannelDirectory
	generator  domain.PollGenerator
	records    domain.RegenerationStore
	correlator *Correlator
	timeout    time.Duration
	log        zerolog.Logger
	now        func() time.Time
}

// NewOrchestrator создаёт оркестратор опросов.
func NewOrchestrator(messenger domain.Messenger, directory domain.ChannelDirectory, generator domain.PollGenerator, records domain.RegenerationStore, correlator *Correlator, timeout time.Duration, log zerolog.Logger) *Orchestrator {
	if timeout <= 0 {
		timeout = DefaultCorrelationTimeout
	}
	return &Orchestrator{
		messenger:  messenger,
		directory:  directory,
		generator:  generator,
		records:    records,
		correlator: correlator,
		timeout:    timeout,
		log:        log,
		now:        time.Now,
	}
}

// Pending прикрепление опроса, начатое сразу после отправки первой части сводки.
// Подписка на пересылку в группу обсуждения регистрируется в Prepare, поэтому
// пересылка, пришедшая во время отправки остальных частей и генерации опроса, не теряется.
type Pending struct {
	req          AttachRequest
	discussionID int64
	lookupErr    error
	sub          *Subscription
}

// Cancel снимает подписку. Безопасно вызывать повторно и для nil.
func (p *Pending) Cancel() {
	if p != nil && p.sub != nil {
		p.sub.Cancel()
	}
}

// Prepare находит группу обсуждения и подписывается на пересылку сводки.
// Вызывающий обязан завершить прикрепление через Complete или вызвать Cancel.
func (o *Orchestrator) Prepare(ctx context.Context, req AttachRequest) *Pending {
	p := &Pending{req: req}
	if req.Target.Destination != domain.PollDestinationDiscussion {
		return p
	}
	chatID, err := o.directory.DiscussionChatID(ctx, req.Channel)
	if err != nil {
		p.lookupErr = err
		return p
	}
	p.discussionID = chatID
	p.sub = o.correlator.Register(chatID, req.SourceChatID, req.SummaryMessageID)
	return p
}

// Attach отправляет опрос к уже опубликованной сводке. Используется, когда
// подготовка и завершение идут подряд.
func (o *Orchestrator) Attach(ctx context.Context, req AttachRequest) (*AttachResult, error) {
	return o.Complete(ctx, o.Prepare(ctx, req))
}

// Complete генерирует опрос, параллельно дожидаясь пересылки, отправляет его и сохраняет
// запись для перегенерации. Возвращает nil без ошибки, если опрос отправить не удалось
// или пересылка в группу обсуждения не пришла: сводка при этом считается доставленной.
func (o *Orchestrator) Complete(ctx context.Context, p *Pending) (*AttachResult, error) {
	defer p.Cancel()
	req := p.req
	log := o.log.With().Str("channel", req.Channel.Key).Int("summary_id", req.SummaryMessageID).Logger()

	var (
		wg        sync.WaitGroup
		forwardID int
		waitErr   error
	)
	if p.sub != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			forwardID, waitErr = p.sub.Wait(ctx, o.timeout)
		}()
	}
	poll := o.generate(ctx, req.SummaryText, req.PollPrompt)
	wg.Wait()

	anchor := Anchor{ChatID: req.SourceChatID, ReplyTo: req.SummaryMessageID, Destination: domain.PollDestinationChannel}
	var forward *int
	switch {
	case req.Target.Destination != domain.PollDestinationDiscussion:
	case errors.Is(p.lookupErr, domain.ErrNoDiscussion):
		log.Warn().Msg("polls: у канала нет группы обсуждения, опрос уйдёт в канал")
	case p.lookupErr != nil:
		metrics.IncPollAttach(string(req.Target.Destination), "error")
		return nil, fmt.Errorf("поиск группы обсуждения: %w", p.lookupErr)
	case errors.Is(waitErr, ErrCorrelationTimeout):
		log.Warn().Int64("discussion_chat", p.discussionID).Msg("polls: пересылка не получена, отправляем опрос без привязки")
		o.announce(ctx, p.discussionID, poll, log)
		metrics.IncPollAttach(string(req.Target.Destination), "unlinked")
		return nil, nil
	case waitErr != nil:
		metrics.IncPollAttach(string(req.Target.Destination), "error")
		return nil, fmt.Errorf("ожидание пересылки: %w", waitErr)
	default:
		anchor = Anchor{ChatID: p.discussionID, ReplyTo: forwardID, Destination: domain.PollDestinationDiscussion}
		id := forwardID
		forward = &id
	}

	delivery, err := o.Deliver(ctx, anchor, poll, req.SummaryMessageID)
	if err != nil {
		log.Error().Err(err).Msg("polls: опрос не отправлен")
		metrics.IncPollAttach(string(anchor.Destination), "failed")
		return nil, nil
	}

	rec := domain.RegenerationRecord{
		ChannelKey:                 req.Channel.Key,
		SummaryMessageID:           req.SummaryMessageID,
		PollMessageID:              delivery.PollMessageID,
		ControlMessageID:           delivery.ControlMessageID,
		Destination:                anchor.Destination,
		ChatID:                     anchor.ChatID,
		SourceChatID:               req.SourceChatID,
		DiscussionForwardMessageID: forward,
		SummaryText:                req.SummaryText,
		ChannelName:                req.Channel.DisplayName(),
		CreatedAt:                  o.now().UTC(),
	}
	if err := o.records.Put(ctx, rec); err != nil {
		log.Error().Err(err).Msg("polls: не удалось сохранить запись для перегенерации")
	}
	metrics.IncPollAttach(string(anchor.Destination), "sent")
	return &AttachResult{Delivery: delivery, Destination: anchor.Destination, ChatID: anchor.ChatID}, nil
}

// Deliver отправляет опрос ответом на якорь и кнопку перегенерации ответом на опрос.
func (o *Orchestrator) Deliver(ctx context.Context, anchor Anchor, poll domain.PollContent, summaryID int) (Delivery, error) {
	poll = Normalize(poll)
	// В каналах Telegram допускает только анонимные опросы.
	anonymous := anchor.Destination == domain.PollDestinationChannel
	pollID, err := o.messenger.SendPoll(ctx, anchor.ChatID, poll, anchor.ReplyTo, anonymous)
	if err != nil {
		return Delivery{}, fmt.Errorf("отправка опроса: %w", err)
	}
	delivery := Delivery{PollMessageID: pollID}
	button := domain.ControlButton{Text: controlButton, Data: CallbackData(summaryID)}
	controlID, err := o.messenger.SendControl(ctx, anchor.ChatID, controlText, button, pollID)
	if err != nil {
		o.log.Warn().Err(err).Int64("chat", anchor.ChatID).Msg("polls: кнопка перегенерации не отправлена")
		return delivery, nil
	}
	delivery.ControlMessageID = controlID
	return delivery, nil
}

func (o *Orchestrator) generate(ctx context.Context, summary, prompt string) domain.PollContent {
	if utf8.RuneCountInString(strings.TrimSpace(summary)) < minSummaryRunes {
		return DefaultPoll
	}
	poll, err := o.generator.GeneratePoll(ctx, summary, prompt)
	if err != nil {
		o.log.Warn().Err(err).Msg("polls: генерация опроса не удалась, используем опрос по умолчанию")
		return DefaultPoll
	}
	return Normalize(poll)
}

func (o *Orchestrator) announce(ctx context.Context, chatID int64, poll domain.PollContent, log zerolog.Logger) {
	if _, err := o.messenger.SendText(ctx, chatID, Announcement(poll), 0); err != nil {
		log.Error().Err(err).Msg("polls: не удалось отправить анонс опроса")
	}
}

// Announcement текстовое объявление опроса для случая, когда привязать его некуда.
func Announcement(poll domain.PollContent) string {
	poll = Normalize(poll)
	var b strings.Builder
	b.WriteString("📊 **Опрос: ")
	b.WriteString(poll.Question)
	b.WriteString("**\n")
	for _, opt := range poll.Options {
		b.WriteString("\n• ")
		b.WriteString(opt)
	}
	return b.String()
}

// Normalize обрезает вопрос и варианты до лимитов Telegram. Некорректный опрос
// заменяется опросом по умолчанию.
func Normalize(poll domain.PollContent) domain.PollContent {
	question := truncate(strings.TrimSpace(poll.Question), QuestionLimit)
	seen := make(map[string]struct{}, len(poll.Options))
	options := make([]string, 0, len(poll.Options))
	for _, opt := range poll.Options {
		opt = truncate(strings.TrimSpace(opt), OptionLimit)
		if opt == "" {
			continue
		}
		if _, dup := seen[opt]; dup {
			continue
		}
		seen[opt] = struct{}{}
		options = append(options, opt)
		if len(options) == MaxOptions {
			break
		}
	}
	if question == "" || len(options) < minOptions {
		return DefaultPoll
	}
	return domain.PollContent{Question: question, Options: options}
}

func truncate(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	return string([]rune(text)[:limit])
}

// CallbackData кодирует идентификатор сводки в данные кнопки.
func CallbackData(summaryID int) string {
	return CallbackPrefix + strconv.Itoa(summaryID)
}

// ParseCallbackData извлекает идентификатор сводки из данных кнопки.
func ParseCallbackData(data string) (int, bool) {
	if !strings.HasPrefix(data, CallbackPrefix) {
		return 0, false
	}
	id, err := strconv.Atoi(strings.TrimPrefix(data, CallbackPrefix))
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
