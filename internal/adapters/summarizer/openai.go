package summarizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog"
	goopenai "github.com/sashabaranov/go-openai"

	"tg-summary-bot/internal/domain"
	"tg-summary-bot/internal/infra/openai"
)

const defaultPrompt = `Ты редактор телеграм-канала. Составь краткую сводку публикаций ниже на русском языке.
Сгруппируй близкие темы, для каждого пункта оставь ссылку на исходный пост в формате [текст](ссылка).
Используй только **жирный**, *курсив* и списки. Не выдумывай факты.`

// DefaultPollPrompt шаблон запроса опроса. {summary} заменяется текстом сводки.
const DefaultPollPrompt = `По сводке ниже придумай один опрос для подписчиков канала.
Верни JSON {"question": "...", "options": ["...", "..."]} без пояснений: вопрос до 250 символов, от 2 до 10 вариантов до 100 символов.
Сводка:
{summary}`

const summaryPlaceholder = "{summary}"

var errEmptyCompletion = errors.New("пустой ответ модели")

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req goopenai.ChatCompletionRequest) (goopenai.ChatCompletionResponse, error)
}

// Options настройки генерации.
type Options struct {
	Model     string
	Timeout   time.Duration
	MaxTokens int
	// Attempts общее число попыток запроса.
	Attempts int
}

// OpenAI строит сводки и опросы через Chat Completions.
type OpenAI struct {
	client  chatClient
	opts    Options
	log     zerolog.Logger
	backoff func() backoff.BackOff
}

var (
	_ domain.Summarizer    = (*OpenAI)(nil)
	_ domain.PollGenerator = (*OpenAI)(nil)
)

// NewOpenAI создаёт провайдер суммаризации.
func NewOpenAI(client chatClient, opts Options, log zerolog.Logger) *OpenAI {
	if opts.Model == "" {
		opts.Model = "gpt-4.1-mini"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1500
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	return &OpenAI{
		client: client,
		opts:   opts,
		log:    log.With().Str("component", "summarizer").Logger(),
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Summarize строит сводку по сообщениям канала.
func (s *OpenAI) Summarize(ctx context.Context, messages []domain.SourceMessage, prompt string) (string, error) {
	body := RenderBody(messages)
	if body == "" {
		return "", nil
	}
	if strings.TrimSpace(prompt) == "" {
		prompt = defaultPrompt
	}
	req := goopenai.ChatCompletionRequest{
		Model:       s.opts.Model,
		Temperature: 0.3,
		MaxTokens:   s.opts.MaxTokens,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: prompt},
			{Role: goopenai.ChatMessageRoleUser, Content: body},
		},
	}
	content, err := s.complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("сводка: %w", err)
	}
	return content, nil
}

// GeneratePoll предлагает опрос по тексту сводки. Повреждённый JSON чинится перед разбором.
// Шаблон без {summary} получает сводку в конце.
func (s *OpenAI) GeneratePoll(ctx context.Context, summary, prompt string) (domain.PollContent, error) {
	req := goopenai.ChatCompletionRequest{
		Model:       s.opts.Model,
		Temperature: 0.7,
		MaxTokens:   400,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: "Ты придумываешь короткие опросы для телеграм-каналов. Отвечай только JSON."},
			{Role: goopenai.ChatMessageRoleUser, Content: PollRequest(prompt, clipRunes(summary, 6000))},
		},
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{Type: goopenai.ChatCompletionResponseFormatTypeJSONObject},
	}
	content, err := s.complete(ctx, req)
	if err != nil {
		return domain.PollContent{}, fmt.Errorf("опрос: %w", err)
	}
	poll, err := ParsePoll(content)
	if err != nil {
		s.log.Warn().Err(err).Str("content", clipRunes(content, 200)).Msg("summarizer: не удалось разобрать опрос")
		return domain.PollContent{}, err
	}
	return poll, nil
}

// PollRequest подставляет сводку в шаблон опроса.
func PollRequest(prompt, summary string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		prompt = DefaultPollPrompt
	}
	if !strings.Contains(prompt, summaryPlaceholder) {
		return prompt + "\n\nСводка:\n" + summary
	}
	return strings.ReplaceAll(prompt, summaryPlaceholder, summary)
}

func (s *OpenAI) complete(ctx context.Context, req goopenai.ChatCompletionRequest) (string, error) {
	var content string
	attempt := 0
	op := func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
		resp, err := s.client.CreateChatCompletion(callCtx, req)
		if err != nil {
			if !openai.Retryable(err) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			s.log.Warn().Err(err).Int("attempt", attempt).Msg("summarizer: запрос к модели не удался, повторяем")
			return err
		}
		if len(resp.Choices) == 0 {
			return backoff.Permanent(errEmptyCompletion)
		}
		content = strings.TrimSpace(resp.Choices[0].Message.Content)
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(s.backoff(), uint64(s.opts.Attempts-1)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return "", err
	}
	return content, nil
}

// ParsePoll извлекает опрос из ответа модели: снимает markdown-ограждение,
// вырезает JSON-объект и при необходимости чинит его.
func ParsePoll(content string) (domain.PollContent, error) {
	raw := extractObject(content)
	if raw == "" {
		return domain.PollContent{}, errors.New("в ответе нет JSON-объекта")
	}
	var poll domain.PollContent
	if err := json.Unmarshal([]byte(raw), &poll); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil {
			return domain.PollContent{}, fmt.Errorf("разбор опроса: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &poll); err != nil {
			return domain.PollContent{}, fmt.Errorf("разбор исправленного опроса: %w", err)
		}
	}
	poll.Question = strings.TrimSpace(poll.Question)
	return poll, nil
}

func extractObject(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	start := strings.Index(content, "{")
	if start < 0 {
		return ""
	}
	end := strings.LastIndex(content, "}")
	if end < start {
		// Ответ обрезан по лимиту токенов, отдаём хвост на починку.
		return content[start:]
	}
	return content[start : end+1]
}
