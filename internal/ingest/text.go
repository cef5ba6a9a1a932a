package ingest

import (
	"regexp"
	"strings"

	"github.com/civicsignal/billcost/internal/model"
)

var (
	titleRe = regexp.MustCompile(`(?i)<title[^>]*>(.*?)</title>`)
	tagRe   = regexp.MustCompile(`<[^>]+>`)
	spaceRe = regexp.MustCompile(`[ \t]+`)
	nlRe    = regexp.MustCompile(`\n{3,}`)

	blockRes = func() []*regexp.Regexp {
		var out []*regexp.Regexp
		for _, tag := range []string{"script", "style", "nav", "footer"} {
			out = append(out, regexp.MustCompile(`(?is)<`+tag+`[^>]*>.*?</`+tag+`>`))
		}
		return out
	}()

	entityReplacer = strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&nbsp;", " ",
	)
)

// ExtractText converts a raw payload to plaintext for chunking. HTML
// payloads are stripped of chrome and tags; everything else passes
// through normalized.
func ExtractText(payload []byte, contentType string) string {
	text := string(model.NormalizePayload(payload))
	if strings.Contains(contentType, "html") {
		return stripHTML(text)
	}
	return text
}

// ExtractTitle pulls the <title> from an HTML payload, or "".
func ExtractTitle(payload []byte) string {
	m := titleRe.FindSubmatch(payload)
	if len(m) > 1 {
		return strings.TrimSpace(string(m[1]))
	}
	return ""
}

// stripHTML removes scripts/styles/nav/footer, strips tags, decodes
// entities, and collapses whitespace.
func stripHTML(html string) string {
	for _, re := range blockRes {
		html = re.ReplaceAllString(html, "")
	}

	html = tagRe.ReplaceAllString(html, " ")
	html = entityReplacer.Replace(html)
	html = spaceRe.ReplaceAllString(html, " ")
	html = nlRe.ReplaceAllString(html, "\n\n")

	return strings.TrimSpace(html)
}
