package summarizer

import (
	"context"
	"fmt"
	"strings"

	"tg-summary-bot/internal/domain"
)

// Simple собирает сводку без LLM: первая строка каждого поста со ссылкой.
// Используется, когда ключ OpenAI не задан.
type Simple struct {
	// MaxItems ограничивает число пунктов сводки.
	MaxItems int
}

var (
	_ domain.Summarizer    = (*Simple)(nil)
	_ domain.PollGenerator = (*Simple)(nil)
)

// NewSimple создаёт эвристический суммаризатор.
func NewSimple() *Simple {
	return &Simple{MaxItems: 15}
}

// Summarize строит маркированный список заголовков постов.
func (s *Simple) Summarize(_ context.Context, messages []domain.SourceMessage, _ string) (string, error) {
	lines := make([]string, 0, len(messages))
	for _, msg := range messages {
		headline := firstLine(msg.Text)
		if headline == "" {
			continue
		}
		headline = clipRunes(headline, 160)
		if msg.Permalink != "" {
			headline = fmt.Sprintf("[%s](%s)", headline, msg.Permalink)
		}
		lines = append(lines, "* "+headline)
		if s.MaxItems > 0 && len(lines) == s.MaxItems {
			break
		}
	}
	if rest := countText(messages) - len(lines); rest > 0 {
		lines = append(lines, fmt.Sprintf("_и ещё %d публикаций_", rest))
	}
	return strings.Join(lines, "\n"), nil
}

// GeneratePoll предлагает выбрать самую интересную тему из первых пунктов сводки.
// Шаблон запроса без модели не нужен.
func (s *Simple) GeneratePoll(_ context.Context, summary, _ string) (domain.PollContent, error) {
	poll := domain.PollContent{Question: "Какая тема за период показалась вам самой интересной?"}
	for _, line := range strings.Split(summary, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "* "))
		if line == "" || strings.HasPrefix(line, "_") {
			continue
		}
		if end := strings.Index(line, "]("); strings.HasPrefix(line, "[") && end > 0 {
			line = line[1:end]
		}
		poll.Options = append(poll.Options, clipRunes(line, 90))
		if len(poll.Options) == 4 {
			break
		}
	}
	return poll, nil
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

func countText(messages []domain.SourceMessage) int {
	n := 0
	for _, msg := range messages {
		if strings.TrimSpace(msg.Text) != "" {
			n++
		}
	}
	return n
}
