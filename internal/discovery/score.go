package discovery

import (
	"net/url"
	"strings"

	"github.com/civicsignal/billcost/internal/model"
	"github.com/civicsignal/billcost/pkg/search"
)

// categoryKeywords boost results whose URL or title matches the
// vocabulary of the category being searched for.
var categoryKeywords = map[model.SourceCategory][]string{
	model.CategoryMeeting: {"agenda", "minutes", "meeting", "council"},
	model.CategoryCode:    {"code", "ordinance", "municode", "charter"},
	model.CategoryGeneral: {"legislation", "bill", "legistar", "laws"},
}

// apiMarkers suggest the URL serves structured data rather than a page.
var apiMarkers = []string{"/api/", "api.", ".json", "webapi", "legistar.com"}

// Score rates a search hit for a category on a 0..1 scale. Government
// domains and category vocabulary dominate; hosted legislative platforms
// (legistar, municode, granicus) get the platform bonus.
func Score(r search.Result, category model.SourceCategory) float64 {
	u, err := url.Parse(r.URL)
	if err != nil || u.Host == "" {
		return 0
	}
	host := strings.ToLower(u.Host)
	haystack := strings.ToLower(r.URL + " " + r.Title)

	var score float64
	if strings.HasSuffix(host, ".gov") || strings.HasSuffix(host, ".us") {
		score += 0.4
	}
	for _, platform := range []string{"legistar", "municode", "granicus", "civicplus"} {
		if strings.Contains(host, platform) {
			score += 0.3
			break
		}
	}
	for _, kw := range categoryKeywords[category] {
		if strings.Contains(haystack, kw) {
			score += 0.15
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}

// GuessMethod infers the acquisition method from the URL shape.
func GuessMethod(rawURL string) model.AcquisitionMethod {
	lower := strings.ToLower(rawURL)
	for _, m := range apiMarkers {
		if strings.Contains(lower, m) {
			return model.MethodAPI
		}
	}
	return model.MethodScrape
}
