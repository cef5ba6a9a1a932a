package discovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicsignal/billcost/internal/config"
	"github.com/civicsignal/billcost/internal/model"
	"github.com/civicsignal/billcost/internal/store"
	"github.com/civicsignal/billcost/pkg/search"
)

type discoveryStore struct {
	store.Store
	candidates []model.SourceCandidate
	sources    []model.Source
	statuses   map[string]model.CandidateStatus
}

func newDiscoveryStore() *discoveryStore {
	return &discoveryStore{statuses: map[string]model.CandidateStatus{}}
}

func (m *discoveryStore) InsertCandidate(_ context.Context, c model.SourceCandidate) (*model.SourceCandidate, bool, error) {
	for _, existing := range m.candidates {
		if existing.JurisdictionID == c.JurisdictionID && existing.URL == c.URL {
			return &existing, false, nil
		}
	}
	c.ID = fmt.Sprintf("cand-%d", len(m.candidates)+1)
	m.candidates = append(m.candidates, c)
	return &c, true, nil
}

func (m *discoveryStore) ListCandidates(_ context.Context, status model.CandidateStatus) ([]model.SourceCandidate, error) {
	var out []model.SourceCandidate
	for _, c := range m.candidates {
		if cur, ok := m.statuses[c.ID]; ok {
			c.Status = cur
		}
		if c.Status == status {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *discoveryStore) UpdateCandidateStatus(_ context.Context, id string, status model.CandidateStatus) error {
	m.statuses[id] = status
	return nil
}

func (m *discoveryStore) CreateSource(_ context.Context, s model.Source) (*model.Source, error) {
	s.ID = fmt.Sprintf("src-%d", len(m.sources)+1)
	m.sources = append(m.sources, s)
	return &s, nil
}

type fakeSearch struct {
	results map[string][]search.Result
	err     error
}

func (f *fakeSearch) Search(_ context.Context, query string) (*search.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &search.Response{Results: f.results[query]}, nil
}

func testJurisdiction() model.Jurisdiction {
	return model.Jurisdiction{ID: "jur-1", Name: "Springfield", Status: model.JurisdictionActive}
}

func newTestEngine(t *testing.T, st store.Store, sc search.Client, cfg config.DiscoveryConfig) *Engine {
	t.Helper()
	e, err := NewEngine(st, sc, cfg)
	require.NoError(t, err)
	return e
}

func TestEngine_ProposesScoredCandidates(t *testing.T) {
	st := newDiscoveryStore()
	sc := &fakeSearch{results: map[string][]search.Result{
		"Springfield city council meeting agenda": {
			{Title: "Council Agendas", URL: "https://springfield.il.gov/agendas"},
			{Title: "Best pizza in Springfield", URL: "https://pizza.example.com"},
		},
	}}
	e := newTestEngine(t, st, sc, config.DiscoveryConfig{MinScore: 0.3})

	res, err := e.Run(context.Background(), testJurisdiction())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Proposed)
	require.Len(t, st.candidates, 1)
	assert.Equal(t, "https://springfield.il.gov/agendas", st.candidates[0].URL)
	assert.Equal(t, model.CandidateProposed, st.candidates[0].Status)
	assert.Equal(t, "Springfield city council meeting agenda", st.candidates[0].Query)
}

func TestEngine_DeduplicatesAcrossQueries(t *testing.T) {
	hit := search.Result{Title: "Agendas and Minutes", URL: "https://springfield.il.gov/meetings"}
	st := newDiscoveryStore()
	sc := &fakeSearch{results: map[string][]search.Result{
		"Springfield city council meeting agenda":  {hit},
		"Springfield city council meeting minutes": {hit},
	}}
	e := newTestEngine(t, st, sc, config.DiscoveryConfig{})

	res, err := e.Run(context.Background(), testJurisdiction())
	require.NoError(t, err)
	assert.Len(t, st.candidates, 1)
	assert.Equal(t, 1, res.Proposed)
	assert.Zero(t, res.Duplicates)
}

func TestEngine_CapsCandidates(t *testing.T) {
	var hits []search.Result
	for i := 0; i < 10; i++ {
		hits = append(hits, search.Result{
			Title: "Council agenda",
			URL:   fmt.Sprintf("https://springfield%d.il.gov/agenda", i),
		})
	}
	st := newDiscoveryStore()
	sc := &fakeSearch{results: map[string][]search.Result{
		"Springfield city council meeting agenda": hits,
	}}
	e := newTestEngine(t, st, sc, config.DiscoveryConfig{MaxCandidates: 3})

	res, err := e.Run(context.Background(), testJurisdiction())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Proposed)
	assert.Len(t, st.candidates, 3)
}

func TestEngine_AllQueriesFailed(t *testing.T) {
	st := newDiscoveryStore()
	sc := &fakeSearch{err: errors.New("search backend down")}
	e := newTestEngine(t, st, sc, config.DiscoveryConfig{})

	_, err := e.Run(context.Background(), testJurisdiction())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all queries failed")
}

func TestPromote_CreatesReviewSource(t *testing.T) {
	st := newDiscoveryStore()
	cand, _, err := st.InsertCandidate(context.Background(), model.SourceCandidate{
		JurisdictionID: "jur-1",
		URL:            "https://webapi.legistar.com/v1/springfield/matters",
		Category:       model.CategoryGeneral,
		Status:         model.CandidateProposed,
	})
	require.NoError(t, err)

	src, err := Promote(context.Background(), st, cand.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SourceReview, src.Status)
	assert.Equal(t, model.MethodAPI, src.Method)
	assert.Equal(t, model.CandidateApproved, st.statuses[cand.ID])
}

func TestPromote_UnknownCandidate(t *testing.T) {
	st := newDiscoveryStore()
	_, err := Promote(context.Background(), st, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLoadTemplates_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "discovery.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
queries:
  - template: "{name} zoning board agenda"
    category: meeting
  - template: "{name} ordinances"
`), 0o644))

	templates, err := LoadTemplates(path)
	require.NoError(t, err)
	require.Len(t, templates, 2)
	assert.Equal(t, model.CategoryMeeting, templates[0].Category)
	assert.Equal(t, model.CategoryGeneral, templates[1].Category)
	assert.Equal(t, "Springfield zoning board agenda", templates[0].Render(testJurisdiction()))
}

func TestLoadTemplates_MissingPlaceholder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "discovery.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queries:\n  - template: \"no placeholder\"\n"), 0o644))

	_, err := LoadTemplates(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing {name} placeholder")
}

func TestLoadTemplates_DefaultsWhenUnset(t *testing.T) {
	templates, err := LoadTemplates("")
	require.NoError(t, err)
	assert.NotEmpty(t, templates)
}

func TestScore(t *testing.T) {
	tests := []struct {
		name     string
		result   search.Result
		category model.SourceCategory
		min, max float64
	}{
		{
			name:     "gov domain with category keywords",
			result:   search.Result{Title: "City Council Agendas", URL: "https://springfield.il.gov/agendas"},
			category: model.CategoryMeeting,
			min:      0.6, max: 1,
		},
		{
			name:     "hosted platform",
			result:   search.Result{Title: "Legislation", URL: "https://springfield.legistar.com/Legislation.aspx"},
			category: model.CategoryGeneral,
			min:      0.3, max: 1,
		},
		{
			name:     "unrelated commercial site",
			result:   search.Result{Title: "Best pizza", URL: "https://pizza.example.com"},
			category: model.CategoryMeeting,
			min:      0, max: 0.2,
		},
		{
			name:     "unparseable url",
			result:   search.Result{URL: "::not a url"},
			category: model.CategoryMeeting,
			min:      0, max: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Score(tt.result, tt.category)
			assert.GreaterOrEqual(t, s, tt.min)
			assert.LessOrEqual(t, s, tt.max)
		})
	}
}

func TestGuessMethod(t *testing.T) {
	assert.Equal(t, model.MethodAPI, GuessMethod("https://webapi.legistar.com/v1/x/matters"))
	assert.Equal(t, model.MethodAPI, GuessMethod("https://city.gov/data/bills.json"))
	assert.Equal(t, model.MethodScrape, GuessMethod("https://city.gov/agendas"))
}
