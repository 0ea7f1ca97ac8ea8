package report

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"tg-summary-bot/internal/domain"
)

// MessageLimit лимит длины одного сообщения с запасом до 4096 символов Telegram.
const MessageLimit = 4000

// Options управляет разбиением отчёта.
type Options struct {
	Limit int
	// TitleOnce оставляет заголовок только в первой части, без нумерации.
	TitleOnce bool
}

// Compose собирает отчёт из заголовка и тела и режет его на части.
func Compose(title, body string, opts Options) []domain.ReportSegment {
	limit := opts.Limit
	if limit <= 0 {
		limit = MessageLimit
	}
	title = strings.TrimSpace(title)
	if maxTitle := limit / 4; utf8.RuneCountInString(title) > maxTitle {
		title = truncateRunes(title, maxTitle)
	}
	if strings.TrimSpace(body) == "" {
		return nil
	}

	full := header(title, 0, 0) + body
	if utf8.RuneCountInString(full) <= limit {
		return []domain.ReportSegment{{Index: 1, Total: 1, Text: finalize(full, limit), HasTitle: title != ""}}
	}

	widest := header(title, 99, 99)
	if opts.TitleOnce {
		widest = header(title, 0, 0)
	}
	budget := limit - utf8.RuneCountInString(widest)
	parts := Split(body, budget)

	segments := make([]domain.ReportSegment, 0, len(parts))
	for i, part := range parts {
		if err := Validate(part); err != nil {
			part = Repair(part)
		}
		var head string
		switch {
		case opts.TitleOnce && i == 0:
			head = header(title, 0, 0)
		case !opts.TitleOnce:
			head = header(title, i+1, len(parts))
		}
		segments = append(segments, domain.ReportSegment{
			Index:    i + 1,
			Total:    len(parts),
			Text:     finalize(head+part, limit),
			HasTitle: head != "",
		})
	}
	return segments
}

func header(title string, index, total int) string {
	if title == "" {
		return ""
	}
	if total > 0 {
		return fmt.Sprintf("📋 **%s (%d/%d)**\n\n", title, index, total)
	}
	return fmt.Sprintf("📋 **%s**\n\n", title)
}

// finalize аварийно обрезает текст, если он всё ещё превышает лимит.
func finalize(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	cut := truncateRunes(text, limit)
	if err := Validate(cut); err != nil {
		return Repair(cut)
	}
	return cut
}

func truncateRunes(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	return string([]rune(text)[:limit])
}

// Title формирует заголовок сводки в зависимости от периода.
func Title(channelName string, freq domain.Frequency, start, end time.Time) string {
	if freq == domain.FrequencyDaily {
		return fmt.Sprintf("%s: сводка за %s", channelName, end.Format("02.01"))
	}
	return fmt.Sprintf("%s: сводка за неделю %s-%s", channelName, start.Format("02.01"), end.Format("02.01"))
}
