package acquire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeItems_APIWinsOnConflict(t *testing.T) {
	apiTime := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	scrapeTime := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	api := []Item{{
		ExternalID:  "ord-42",
		Title:       "Ordinance 42",
		PublishedAt: &apiTime,
		Payload:     []byte("api text"),
		ContentType: "application/json",
	}}
	scraped := []Item{{
		ExternalID:  "ord-42",
		Title:       "ORDINANCE  42!",
		PublishedAt: &scrapeTime,
		Payload:     []byte("scraped text"),
		ContentType: "text/html",
	}}

	merged := mergeItems(api, scraped)
	require.Len(t, merged, 1)
	assert.Equal(t, "Ordinance 42", merged[0].Title)
	assert.Equal(t, apiTime, *merged[0].PublishedAt)
	assert.Equal(t, []byte("api text"), merged[0].Payload)
}

func TestMergeItems_ScrapeFillsBlanks(t *testing.T) {
	published := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	api := []Item{{
		ExternalID: "ord-42",
		Title:      "Ordinance 42",
		// No payload, no date from the API listing.
	}}
	scraped := []Item{{
		Title:       "Ordinance 42",
		PublishedAt: &published,
		Payload:     []byte("full ordinance text"),
		ContentType: "text/html",
	}}

	merged := mergeItems(api, scraped)
	require.Len(t, merged, 1)
	assert.Equal(t, []byte("full ordinance text"), merged[0].Payload)
	assert.Equal(t, "text/html", merged[0].ContentType)
	assert.Equal(t, published, *merged[0].PublishedAt)
}

func TestMergeItems_TitleMatchWithoutExternalID(t *testing.T) {
	api := []Item{{Title: "Budget Hearing — March", Payload: []byte("a")}}
	scraped := []Item{{Title: "budget hearing   march", Payload: []byte("b")}}

	merged := mergeItems(api, scraped)
	require.Len(t, merged, 1)
	assert.Equal(t, []byte("a"), merged[0].Payload)
}

func TestMergeItems_UnmatchedPassThrough(t *testing.T) {
	api := []Item{{ExternalID: "a", Title: "A", Payload: []byte("a")}}
	scraped := []Item{
		{ExternalID: "b", Title: "B", Payload: []byte("b")},
		{Payload: []byte("untitled page")},
	}

	merged := mergeItems(api, scraped)
	assert.Len(t, merged, 3)
}

func TestNormalizeTitle(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Ordinance 42", "ordinance 42"},
		{"  ORDINANCE  42!  ", "ordinance 42"},
		{"Budget-Hearing (March)", "budget hearing march"},
		{"", ""},
		{"!!!", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeTitle(tt.in), "input %q", tt.in)
	}
}
