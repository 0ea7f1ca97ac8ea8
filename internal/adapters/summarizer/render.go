package summarizer

import (
	"strings"
	"unicode/utf8"

	"tg-summary-bot/internal/domain"
)

const (
	messageClipRunes = 500
	messageSeparator = "\n\n---\n\n"
)

// RenderBody готовит сообщения канала для промпта: ссылка на пост и текст,
// обрезанный до 500 символов, блоки разделены линией.
func RenderBody(messages []domain.SourceMessage) string {
	blocks := make([]string, 0, len(messages))
	for _, msg := range messages {
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			continue
		}
		text = clipRunes(text, messageClipRunes)
		if msg.Permalink != "" {
			text = msg.Permalink + "\n" + text
		}
		blocks = append(blocks, text)
	}
	return strings.Join(blocks, messageSeparator)
}

func clipRunes(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit]) + "…"
}
