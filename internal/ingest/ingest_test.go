package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicsignal/billcost/internal/config"
	"github.com/civicsignal/billcost/internal/model"
	"github.com/civicsignal/billcost/internal/store"
)

type ingestStore struct {
	store.Store
	source      *model.Source
	unprocessed []model.RawDocument
	inserted    []model.EmbeddedDocument
	activated   []struct {
		docID      string
		generation int
	}
	marked []string
}

func (m *ingestStore) GetSource(_ context.Context, id string) (*model.Source, error) {
	if m.source == nil || m.source.ID != id {
		return nil, store.ErrNotFound
	}
	return m.source, nil
}

func (m *ingestStore) ListUnprocessed(_ context.Context, _ int) ([]model.RawDocument, error) {
	return m.unprocessed, nil
}

func (m *ingestStore) InsertChunks(_ context.Context, chunks []model.EmbeddedDocument) error {
	m.inserted = append(m.inserted, chunks...)
	return nil
}

func (m *ingestStore) ActivateGeneration(_ context.Context, docID string, generation int) error {
	m.activated = append(m.activated, struct {
		docID      string
		generation int
	}{docID, generation})
	return nil
}

func (m *ingestStore) MarkProcessed(_ context.Context, id string) error {
	m.marked = append(m.marked, id)
	return nil
}

type fakeEmbedder struct {
	calls [][]string
	fail  bool
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.fail {
		return nil, errors.New("embedding provider down")
	}
	f.calls = append(f.calls, texts)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 0.5}
	}
	return out, nil
}

func testIngestConfig() config.IngestConfig {
	return config.IngestConfig{ChunkSize: 100, ChunkOverlap: 10, EmbedBatch: 2}
}

func meetingSource() *model.Source {
	return &model.Source{
		ID:             "src-1",
		JurisdictionID: "jur-1",
		Category:       model.CategoryMeeting,
		Method:         model.MethodScrape,
		Status:         model.SourceActive,
	}
}

func TestIngestor_Process_WritesNextGeneration(t *testing.T) {
	st := &ingestStore{source: meetingSource()}
	emb := &fakeEmbedder{}
	ing := NewIngestor(st, emb, testIngestConfig())

	doc := model.RawDocument{
		ID:                "doc-1",
		SourceID:          "src-1",
		ContentType:       "text/plain",
		Payload:           []byte(strings.Repeat("zoning ordinance text. ", 20)),
		CurrentGeneration: 2,
	}

	require.NoError(t, ing.Process(context.Background(), doc))

	require.NotEmpty(t, st.inserted)
	for i, c := range st.inserted {
		assert.Equal(t, "doc-1", c.RawDocumentID)
		assert.Equal(t, i, c.ChunkIndex)
		assert.Equal(t, 3, c.Generation)
		assert.Equal(t, "jur-1", c.JurisdictionID)
		assert.Equal(t, model.CategoryMeeting, c.Category)
	}

	require.Len(t, st.activated, 1)
	assert.Equal(t, "doc-1", st.activated[0].docID)
	assert.Equal(t, 3, st.activated[0].generation)
}

func TestIngestor_Process_EmbedFailureLeavesOldGeneration(t *testing.T) {
	st := &ingestStore{source: meetingSource()}
	ing := NewIngestor(st, &fakeEmbedder{fail: true}, testIngestConfig())

	doc := model.RawDocument{
		ID:       "doc-1",
		SourceID: "src-1",
		Payload:  []byte(strings.Repeat("text ", 50)),
	}

	err := ing.Process(context.Background(), doc)
	require.Error(t, err)

	var ie *IngestionError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "embed", ie.Stage)
	assert.Empty(t, st.inserted)
	assert.Empty(t, st.activated)
}

func TestIngestor_Process_EmptyDocumentMarkedProcessed(t *testing.T) {
	st := &ingestStore{source: meetingSource()}
	ing := NewIngestor(st, &fakeEmbedder{}, testIngestConfig())

	doc := model.RawDocument{ID: "doc-1", SourceID: "src-1", ContentType: "text/html",
		Payload: []byte("<html><script>only()</script></html>")}

	require.NoError(t, ing.Process(context.Background(), doc))
	assert.Equal(t, []string{"doc-1"}, st.marked)
	assert.Empty(t, st.inserted)
}

func TestIngestor_EmbedBatching(t *testing.T) {
	st := &ingestStore{source: meetingSource()}
	emb := &fakeEmbedder{}
	ing := NewIngestor(st, emb, testIngestConfig())

	// Enough text for 5 chunks of ~100 runes at batch size 2.
	doc := model.RawDocument{
		ID:       "doc-1",
		SourceID: "src-1",
		Payload:  []byte(strings.Repeat("municipal budget line item. ", 18)),
	}

	require.NoError(t, ing.Process(context.Background(), doc))
	require.NotEmpty(t, emb.calls)
	for _, call := range emb.calls {
		assert.LessOrEqual(t, len(call), 2)
	}
}

func TestIngestor_RunBacklog_SkipsFailingDocument(t *testing.T) {
	st := &ingestStore{
		source: meetingSource(),
		unprocessed: []model.RawDocument{
			{ID: "bad", SourceID: "unknown-src", Payload: []byte("text")},
			{ID: "good", SourceID: "src-1", Payload: []byte("usable ordinance text")},
		},
	}
	ing := NewIngestor(st, &fakeEmbedder{}, testIngestConfig())

	processed, err := ing.RunBacklog(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	require.Len(t, st.activated, 1)
	assert.Equal(t, "good", st.activated[0].docID)
}
