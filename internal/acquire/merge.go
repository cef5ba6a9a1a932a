package acquire

import (
	"strings"
	"unicode"
)

// mergeItems unions API items with scraped items for both_merge
// jurisdictions. Items are matched by external ID when both carry one,
// otherwise by normalized title. On a match the API item wins every
// structured field; scraped values only fill fields the API left blank.
// Unmatched items from either side pass through.
func mergeItems(api, scraped []Item) []Item {
	out := make([]Item, len(api))
	copy(out, api)

	index := make(map[string]int, len(out))
	for i, it := range out {
		if k := mergeKey(it); k != "" {
			index[k] = i
		}
	}

	for _, s := range scraped {
		k := mergeKey(s)
		if k == "" {
			out = append(out, s)
			continue
		}
		i, ok := index[k]
		if !ok {
			index[k] = len(out)
			out = append(out, s)
			continue
		}
		// API wins; fill blanks only.
		if out[i].Title == "" {
			out[i].Title = s.Title
		}
		if out[i].PublishedAt == nil {
			out[i].PublishedAt = s.PublishedAt
		}
		if len(out[i].Payload) == 0 {
			out[i].Payload = s.Payload
			out[i].ContentType = s.ContentType
		}
	}
	return out
}

func mergeKey(it Item) string {
	if it.ExternalID != "" {
		return "id:" + it.ExternalID
	}
	if t := normalizeTitle(it.Title); t != "" {
		return "title:" + t
	}
	return ""
}

// normalizeTitle lowercases and collapses whitespace and punctuation so
// that cosmetic differences between an API title and a scraped heading
// still match.
func normalizeTitle(s string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case !lastSpace:
			b.WriteRune(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}
