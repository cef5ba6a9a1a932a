package ingest

import (
	"strings"
	"unicode/utf8"
)

// Chunk splits text into overlapping windows of roughly size runes.
// Breaks prefer paragraph then sentence then word boundaries near the
// window edge so chunks stay readable for retrieval. Overlap carries
// trailing context into the next chunk.
func Chunk(text string, size, overlap int) []string {
	if size <= 0 {
		size = 1200
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 8
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			chunk := strings.TrimSpace(string(runes[start:]))
			if chunk != "" {
				chunks = append(chunks, chunk)
			}
			break
		}

		end = breakPoint(runes, start, end)
		chunk := strings.TrimSpace(string(runes[start:end]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}

		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// breakPoint searches backwards from end for a natural boundary, looking
// at no more than the last quarter of the window.
func breakPoint(runes []rune, start, end int) int {
	floor := end - (end-start)/4
	if floor < start+1 {
		floor = start + 1
	}

	// Paragraph break.
	for i := end; i > floor; i-- {
		if runes[i-1] == '\n' && i >= 2 && runes[i-2] == '\n' {
			return i
		}
	}
	// Sentence end.
	for i := end; i > floor; i-- {
		r := runes[i-1]
		if (r == '.' || r == '!' || r == '?') && i < len(runes) && isSpace(runes[i]) {
			return i
		}
	}
	// Word boundary.
	for i := end; i > floor; i-- {
		if isSpace(runes[i-1]) {
			return i
		}
	}
	return end
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t' || r == '\r'
}

// runeLen reports the rune count of s; used by tests and size checks.
func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
