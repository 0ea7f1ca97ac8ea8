package report

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ErrUnbalanced сегмент содержит незакрытую разметку.
var ErrUnbalanced = errors.New("несбалансированная разметка")

var (
	fenceRe  = regexp.MustCompile("```(?s:.*?)```")
	codeRe   = regexp.MustCompile("`[^`\n]+`")
	linkRe   = regexp.MustCompile(`\[[^\[\]\n]+\]\([^()\s]+\)`)
	boldRe   = regexp.MustCompile(`\*\*(?s:.+?)\*\*`)
	underRe  = regexp.MustCompile(`__(?s:.+?)__`)
	strikeRe = regexp.MustCompile(`~~(?s:.+?)~~`)
	italRe   = regexp.MustCompile(`\*[^*\s](?:[^*\n]*[^*\s])?\*`)
	italURe  = regexp.MustCompile(`_[^_\s](?:[^_\n]*[^_\s])?_`)

	linkOpenRe = regexp.MustCompile(`\[[^\[\]\n]*\]\(`)
	bulletRe   = regexp.MustCompile(`(?m)^[ \t]*\* `)
)

// span интервал в рунах [start, end), внутри которого резать нельзя.
type span struct {
	start, end int
}

// findSpans находит все интервалы разметки и объединяет пересекающиеся.
func findSpans(text string, offsets []int) []span {
	var raw []span
	for _, re := range []*regexp.Regexp{fenceRe, codeRe, linkRe, boldRe, underRe, strikeRe, italRe, italURe} {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			raw = append(raw, span{start: offsets[loc[0]], end: offsets[loc[1]]})
		}
	}
	if len(raw) == 0 {
		return nil
	}
	sort.Slice(raw, func(i, j int) bool { return raw[i].start < raw[j].start })
	merged := []span{raw[0]}
	for _, s := range raw[1:] {
		last := &merged[len(merged)-1]
		if s.start < last.end {
			if s.end > last.end {
				last.end = s.end
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

// runeOffsets отображает байтовые смещения строки в индексы рун.
func runeOffsets(text string) []int {
	offsets := make([]int, len(text)+1)
	idx := 0
	for i := range text {
		offsets[i] = idx
		idx++
	}
	offsets[len(text)] = idx
	return offsets
}

// unbalancedMarkers возвращает виды разметки, которые в тексте не закрыты.
func unbalancedMarkers(text string) []string {
	var kinds []string
	if strings.Count(text, "```")%2 != 0 {
		kinds = append(kinds, "```")
	}
	masked := fenceRe.ReplaceAllString(text, "")
	masked = strings.ReplaceAll(masked, "```", "")
	if strings.Count(masked, "`")%2 != 0 {
		kinds = append(kinds, "`")
	}
	masked = codeRe.ReplaceAllString(masked, "")
	if len(linkOpenRe.FindAllStringIndex(masked, -1)) != len(linkRe.FindAllStringIndex(masked, -1)) {
		kinds = append(kinds, "link")
	}
	masked = linkRe.ReplaceAllString(masked, "")
	for _, marker := range []string{"**", "__", "~~"} {
		if strings.Count(masked, marker)%2 != 0 {
			kinds = append(kinds, marker)
		}
	}
	single := strings.ReplaceAll(masked, "**", "")
	single = bulletRe.ReplaceAllString(single, "")
	if strings.Count(single, "*")%2 != 0 {
		kinds = append(kinds, "*")
	}
	return kinds
}

// Validate проверяет, что вся разметка в тексте сбалансирована.
func Validate(text string) error {
	if kinds := unbalancedMarkers(text); len(kinds) > 0 {
		return fmt.Errorf("%w: %s", ErrUnbalanced, strings.Join(kinds, ", "))
	}
	return nil
}

// Repair удаляет маркеры тех видов, которые в тексте не сбалансированы.
func Repair(text string) string {
	kinds := unbalancedMarkers(text)
	if len(kinds) == 0 {
		return text
	}
	out := text
	for _, kind := range kinds {
		switch kind {
		case "```":
			out = strings.ReplaceAll(out, "```", "")
		case "`":
			out = strings.ReplaceAll(out, "`", "")
		case "link":
			out = stripLinks(out)
		case "*":
			out = stripSingleStars(out)
		default:
			out = strings.ReplaceAll(out, kind, "")
		}
	}
	return out
}

// stripLinks превращает ссылки в текст вида "текст (url)".
func stripLinks(text string) string {
	out := linkRe.ReplaceAllStringFunc(text, func(m string) string {
		closing := strings.Index(m, "](")
		return m[1:closing] + " (" + m[closing+2:]
	})
	out = strings.ReplaceAll(out, "](", " (")
	return strings.ReplaceAll(out, "[", "")
}

func stripSingleStars(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); i++ {
		if text[i] != '*' {
			b.WriteByte(text[i])
			continue
		}
		if i+1 < len(text) && text[i+1] == '*' {
			b.WriteString("**")
			i++
			continue
		}
		if isBullet(text, i) {
			b.WriteByte('*')
		}
	}
	return b.String()
}

func isBullet(text string, i int) bool {
	if i+1 >= len(text) || text[i+1] != ' ' {
		return false
	}
	for j := i - 1; j >= 0; j-- {
		switch text[j] {
		case ' ', '\t':
			continue
		case '\n':
			return true
		default:
			return false
		}
	}
	return true
}
