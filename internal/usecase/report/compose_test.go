package report

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"tg-summary-bot/internal/domain"
)

func TestComposeSingleSegment(t *testing.T) {
	segments := Compose("Канал: сводка", "Короткий отчёт", Options{Limit: 100})
	if len(segments) != 1 {
		t.Fatalf("ожидали один сегмент, получили %d", len(segments))
	}
	seg := segments[0]
	if !seg.HasTitle || seg.Index != 1 || seg.Total != 1 {
		t.Fatalf("неверные атрибуты сегмента: %+v", seg)
	}
	if seg.Text != "📋 **Канал: сводка**\n\nКороткий отчёт" {
		t.Fatalf("неожиданный текст: %q", seg.Text)
	}
}

func TestComposePaginates(t *testing.T) {
	body := strings.Repeat("Предложение номер один. ", 30)
	segments := Compose("Сводка", body, Options{Limit: 200})
	if len(segments) < 2 {
		t.Fatalf("ожидали несколько сегментов, получили %d", len(segments))
	}
	var joined strings.Builder
	for i, seg := range segments {
		if utf8.RuneCountInString(seg.Text) > 200 {
			t.Fatalf("сегмент %d превышает лимит", i)
		}
		if seg.Total != len(segments) || seg.Index != i+1 {
			t.Fatalf("неверная нумерация сегмента %d: %+v", i, seg)
		}
		wantHead := fmt.Sprintf("📋 **Сводка (%d/%d)**\n\n", i+1, len(segments))
		if !strings.HasPrefix(seg.Text, wantHead) {
			t.Fatalf("сегмент %d без заголовка пагинации: %q", i, seg.Text)
		}
		joined.WriteString(strings.TrimPrefix(seg.Text, wantHead))
	}
	if joined.String() != body {
		t.Fatalf("склейка сегментов не совпадает с телом отчёта")
	}
}

func TestComposeTitleOnce(t *testing.T) {
	body := strings.Repeat("Слово за словом. ", 40)
	segments := Compose("Сводка", body, Options{Limit: 150, TitleOnce: true})
	if len(segments) < 2 {
		t.Fatalf("ожидали несколько сегментов")
	}
	if !segments[0].HasTitle || !strings.HasPrefix(segments[0].Text, "📋 **Сводка**\n\n") {
		t.Fatalf("первый сегмент должен содержать заголовок: %q", segments[0].Text)
	}
	for _, seg := range segments[1:] {
		if seg.HasTitle || strings.Contains(seg.Text, "📋") {
			t.Fatalf("заголовок должен быть только в первом сегменте")
		}
	}
}

func TestComposeRepairsOversizedSpan(t *testing.T) {
	body := "**" + strings.Repeat("ж", 300) + "**"
	segments := Compose("Сводка", body, Options{Limit: 100})
	if len(segments) < 3 {
		t.Fatalf("ожидали разбиение длинного интервала, получили %d", len(segments))
	}
	for i, seg := range segments {
		if err := Validate(seg.Text); err != nil {
			t.Fatalf("сегмент %d остался несбалансированным: %v", i, err)
		}
		if utf8.RuneCountInString(seg.Text) > 100 {
			t.Fatalf("сегмент %d превышает лимит", i)
		}
	}
}

func TestComposeEmptyBody(t *testing.T) {
	if segments := Compose("Сводка", "  \n", Options{}); segments != nil {
		t.Fatalf("ожидали пустой результат")
	}
}

func TestValidateAndRepair(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		broken bool
		want   string
	}{
		{name: "balanced", in: "**жирный** и `код` и [ссылка](https://t.me/x)", want: "**жирный** и `код` и [ссылка](https://t.me/x)"},
		{name: "open bold", in: "**жирный без конца", broken: true, want: "жирный без конца"},
		{name: "open code", in: "`код", broken: true, want: "код"},
		{name: "broken link", in: "[ссылка](https://t.me", broken: true, want: "ссылка (https://t.me"},
		{name: "open strike", in: "~~зачёркнуто", broken: true, want: "зачёркнуто"},
		{name: "single star", in: "*курсив и **жирный**", broken: true, want: "курсив и **жирный**"},
		{name: "bullet list", in: "* пункт\n* пункт", want: "* пункт\n* пункт"},
		{name: "bold inside code", in: "`a ** b`", want: "`a ** b`"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.in)
			if tt.broken != (err != nil) {
				t.Fatalf("Validate(%q) = %v", tt.in, err)
			}
			if err != nil && !errors.Is(err, ErrUnbalanced) {
				t.Fatalf("ожидали ErrUnbalanced, получили %v", err)
			}
			if got := Repair(tt.in); got != tt.want {
				t.Fatalf("Repair(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTitle(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 1, 8, 0, 0, 0, 0, time.UTC)
	if got := Title("Канал", domain.FrequencyWeekly, start, end); got != "Канал: сводка за неделю 01.01-08.01" {
		t.Fatalf("неожиданный заголовок: %q", got)
	}
	if got := Title("Канал", domain.FrequencyDaily, start, end); got != "Канал: сводка за 08.01" {
		t.Fatalf("неожиданный заголовок: %q", got)
	}
}
