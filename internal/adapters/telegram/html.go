package telegram

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

var (
	fenceRe  = regexp.MustCompile("```(?:[a-zA-Z0-9_+-]*\\n)?((?s:.*?))```")
	codeRe   = regexp.MustCompile("`([^`\n]+)`")
	linkRe   = regexp.MustCompile(`\[([^\[\]\n]+)\]\(([^()\s]+)\)`)
	boldRe   = regexp.MustCompile(`\*\*((?s:.+?))\*\*`)
	underRe  = regexp.MustCompile(`__((?s:.+?))__`)
	strikeRe = regexp.MustCompile(`~~((?s:.+?))~~`)
	italRe   = regexp.MustCompile(`\*([^*\s](?:[^*\n]*[^*\s])?)\*`)
	italURe  = regexp.MustCompile(`(^|[\s(])_([^_\s](?:[^_\n]*[^_\s])?)_($|[\s).,!?:;])`)
	bulletRe = regexp.MustCompile(`(?m)^([ \t]*)\* `)
	holderRe = regexp.MustCompile("\x00(\\d+)\x00")
)

// ToHTML переводит упрощённую разметку сводки (**жирный**, *курсив*, __подчёркнутый__,
// ~~зачёркнутый~~, `код`, [текст](ссылка)) в HTML, который понимает Bot API.
// Непарные маркеры остаются как есть.
func ToHTML(text string) string {
	var blocks []string
	hold := func(rendered string) string {
		blocks = append(blocks, rendered)
		return fmt.Sprintf("\x00%d\x00", len(blocks)-1)
	}

	text = fenceRe.ReplaceAllStringFunc(text, func(m string) string {
		inner := fenceRe.FindStringSubmatch(m)[1]
		return hold("<pre>" + html.EscapeString(strings.TrimSuffix(inner, "\n")) + "</pre>")
	})
	text = codeRe.ReplaceAllStringFunc(text, func(m string) string {
		return hold("<code>" + html.EscapeString(codeRe.FindStringSubmatch(m)[1]) + "</code>")
	})

	text = html.EscapeString(text)
	text = bulletRe.ReplaceAllString(text, "${1}• ")
	text = linkRe.ReplaceAllString(text, `<a href="$2">$1</a>`)
	text = boldRe.ReplaceAllString(text, "<b>$1</b>")
	text = underRe.ReplaceAllString(text, "<u>$1</u>")
	text = strikeRe.ReplaceAllString(text, "<s>$1</s>")
	text = italRe.ReplaceAllString(text, "<i>$1</i>")
	text = italURe.ReplaceAllString(text, "$1<i>$2</i>$3")

	return holderRe.ReplaceAllStringFunc(text, func(m string) string {
		var idx int
		if _, err := fmt.Sscanf(holderRe.FindStringSubmatch(m)[1], "%d", &idx); err != nil || idx >= len(blocks) {
			return m
		}
		return blocks[idx]
	})
}

// PlainText убирает разметку, оставляя текст. Используется, если Telegram не принял HTML.
func PlainText(text string) string {
	text = fenceRe.ReplaceAllString(text, "$1")
	text = codeRe.ReplaceAllString(text, "$1")
	text = linkRe.ReplaceAllString(text, "$1 ($2)")
	text = boldRe.ReplaceAllString(text, "$1")
	text = underRe.ReplaceAllString(text, "$1")
	text = strikeRe.ReplaceAllString(text, "$1")
	text = bulletRe.ReplaceAllString(text, "${1}• ")
	text = italRe.ReplaceAllString(text, "$1")
	return text
}
