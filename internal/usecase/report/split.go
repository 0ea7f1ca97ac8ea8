package report

import (
	"regexp"
	"sort"
	"unicode"
)

// Часть короче limit/minSegmentShare режется только если других вариантов нет.
const minSegmentShare = 4

var (
	paragraphRe = regexp.MustCompile(`\n[ \t]*\n(?:[ \t]*\n)*`)
	sentenceRe  = regexp.MustCompile(`[.!?…。！？]+["'»”)\]]*\s+`)
)

// Split делит текст на части не длиннее limit рун. Склейка частей по порядку даёт
// исходный текст. Предпочтения: граница абзаца, граница предложения, граница
// интервала разметки, пробел или знак препинания, жёсткий разрез. Внутри интервала
// разметки текст режется только если интервал сам длиннее limit.
func Split(text string, limit int) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return []string{text}
	}

	offsets := runeOffsets(text)
	spans := findSpans(text, offsets)
	paragraphs := matchEnds(paragraphRe, text, offsets)
	sentences := matchEnds(sentenceRe, text, offsets)
	edges := spanEdges(spans)

	var parts []string
	for pos := 0; pos < len(runes); {
		if len(runes)-pos <= limit {
			parts = append(parts, string(runes[pos:]))
			break
		}
		cut := chooseCut(runes, pos, limit, spans, paragraphs, sentences, edges)
		parts = append(parts, string(runes[pos:cut]))
		pos = cut
	}
	return parts
}

func chooseCut(runes []rune, pos, limit int, spans []span, candidates ...[]int) int {
	end := pos + limit
	for _, minLen := range []int{limit / minSegmentShare, 1} {
		if minLen < 1 {
			minLen = 1
		}
		lo := pos + minLen
		for _, list := range candidates {
			if c, ok := lastCandidate(list, lo, end, spans); ok {
				return c
			}
		}
		if c, ok := lastCharBoundary(runes, lo, end, spans); ok {
			return c
		}
	}
	if s, ok := spanAt(spans, end); ok && s.start > pos {
		return s.start
	}
	return end
}

func lastCandidate(list []int, lo, hi int, spans []span) (int, bool) {
	i := sort.SearchInts(list, hi+1) - 1
	for ; i >= 0 && list[i] >= lo; i-- {
		if _, inside := spanAt(spans, list[i]); !inside {
			return list[i], true
		}
	}
	return 0, false
}

func lastCharBoundary(runes []rune, lo, hi int, spans []span) (int, bool) {
	for c := hi; c >= lo; c-- {
		if !isBreakRune(runes[c-1]) {
			continue
		}
		if _, inside := spanAt(spans, c); !inside {
			return c, true
		}
	}
	return 0, false
}

func isBreakRune(r rune) bool {
	if unicode.IsSpace(r) {
		return true
	}
	switch r {
	case ',', '.', '!', '?', ';', ':', '，', '。', '！', '？', '；', '：', '、':
		return true
	}
	return false
}

// spanAt возвращает интервал, строго внутри которого находится позиция разреза.
func spanAt(spans []span, cut int) (span, bool) {
	i := sort.Search(len(spans), func(i int) bool { return spans[i].end > cut })
	if i < len(spans) && spans[i].start < cut && cut < spans[i].end {
		return spans[i], true
	}
	return span{}, false
}

func spanEdges(spans []span) []int {
	edges := make([]int, 0, len(spans)*2)
	for _, s := range spans {
		edges = append(edges, s.start, s.end)
	}
	return edges
}

func matchEnds(re *regexp.Regexp, text string, offsets []int) []int {
	locs := re.FindAllStringIndex(text, -1)
	ends := make([]int, 0, len(locs))
	for _, loc := range locs {
		ends = append(ends, offsets[loc[1]])
	}
	return ends
}
