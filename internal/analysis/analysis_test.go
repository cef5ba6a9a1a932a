package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicsignal/billcost/internal/config"
	"github.com/civicsignal/billcost/internal/model"
	"github.com/civicsignal/billcost/internal/store"
	"github.com/civicsignal/billcost/pkg/llm"
)

type analysisStore struct {
	store.Store
	tasks     map[string]*model.AnalysisTask // keyed by billID/type
	configs   []model.ModelConfig
	prompts   map[model.PromptType]*model.SystemPrompt
	chunks    []model.RetrievedChunk
	searchErr error
	impacts   []model.Impact
}

func newAnalysisStore() *analysisStore {
	return &analysisStore{
		tasks: map[string]*model.AnalysisTask{},
		prompts: map[model.PromptType]*model.SystemPrompt{
			model.PromptResearch: {Content: "research system prompt"},
			model.PromptGenerate: {Content: "generate system prompt"},
			model.PromptReview:   {Content: "review system prompt"},
		},
		configs: []model.ModelConfig{
			{ID: "m1", Provider: "anthropic", ModelName: "claude-sonnet-4-5-20250929",
				UseCase: model.UseBoth, Priority: 1, Enabled: true},
		},
	}
}

func (m *analysisStore) taskKey(billID string, tt model.TaskType) string {
	return billID + "/" + string(tt)
}

func (m *analysisStore) setCompleted(billID string, tt model.TaskType, result any) {
	raw, _ := json.Marshal(result)
	m.tasks[m.taskKey(billID, tt)] = &model.AnalysisTask{
		ID: "task-" + string(tt), BillID: billID, Type: tt,
		Status: model.TaskCompleted, Result: raw,
	}
}

func (m *analysisStore) CreateSkippedTask(_ context.Context, t model.AnalysisTask) (*model.AnalysisTask, error) {
	t.ID = "task-skipped-" + string(t.Type)
	t.Status = model.TaskSkipped
	m.tasks[m.taskKey(t.BillID, t.Type)] = &t
	out := t
	return &out, nil
}

func (m *analysisStore) LatestTask(_ context.Context, billID string, tt model.TaskType) (*model.AnalysisTask, error) {
	t, ok := m.tasks[m.taskKey(billID, tt)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (m *analysisStore) ListModelConfigs(_ context.Context) ([]model.ModelConfig, error) {
	return m.configs, nil
}

func (m *analysisStore) ActivePrompt(_ context.Context, pt model.PromptType) (*model.SystemPrompt, error) {
	p, ok := m.prompts[pt]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

func (m *analysisStore) SearchChunks(_ context.Context, _ pgvector.Vector, _ model.RetrievalFilter, _ int, _ float64) ([]model.RetrievedChunk, error) {
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	return m.chunks, nil
}

func (m *analysisStore) InsertImpact(_ context.Context, imp model.Impact) (*model.Impact, error) {
	if !imp.Ladder.Monotonic() {
		return nil, errors.New("ladder not monotonic")
	}
	imp.ID = fmt.Sprintf("imp-%d", len(m.impacts)+1)
	m.impacts = append(m.impacts, imp)
	return &imp, nil
}

// scriptedClient returns canned responses per model name.
type scriptedClient struct {
	responses map[string]string
	errs      map[string]error
	calls     []string
}

func (c *scriptedClient) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	c.calls = append(c.calls, req.Model)
	if err, ok := c.errs[req.Model]; ok {
		return nil, err
	}
	return &llm.CompletionResponse{Model: req.Model, Text: c.responses[req.Model]}, nil
}

type staticEmbedder struct{}

func (staticEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func newTestPipeline(st *analysisStore, client llm.Client) *Pipeline {
	return NewPipeline(st, llm.Providers{"anthropic": client}, staticEmbedder{},
		config.AnalysisConfig{StageTimeoutSecs: 5, MaxOutputTokens: 1024},
		config.RetrievalConfig{TopK: 8, MinSimilarity: 0.25})
}

func researchTask(billID string) model.AnalysisTask {
	return model.AnalysisTask{ID: "t1", Type: model.TaskResearch, BillID: billID, JurisdictionID: "jur-1"}
}

func TestRunStage_GenerateRequiresCompletedResearch(t *testing.T) {
	st := newAnalysisStore()
	p := newTestPipeline(st, &scriptedClient{})

	task := model.AnalysisTask{Type: model.TaskGenerate, BillID: "bill-1"}
	_, err := p.RunStage(context.Background(), task, Request{})
	require.Error(t, err)

	var ge *StageGateError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, model.TaskResearch, ge.Missing)
}

func TestRunStage_GateRejectsFailedPredecessor(t *testing.T) {
	st := newAnalysisStore()
	st.tasks[st.taskKey("bill-1", model.TaskResearch)] = &model.AnalysisTask{
		Status: model.TaskFailed,
	}
	p := newTestPipeline(st, &scriptedClient{})

	task := model.AnalysisTask{Type: model.TaskGenerate, BillID: "bill-1"}
	_, err := p.RunStage(context.Background(), task, Request{})

	var ge *StageGateError
	require.ErrorAs(t, err, &ge)
}

const draftResponse = `{"description": "raises parking fees", "relevant_clause": "Sec 2",
	"evidence": ["fee table"], "chain_of_causality": "fees rise",
	"confidence": 0.7,
	"ladder": {"p10": 10, "p25": 25, "p50": 50, "p75": 75, "p90": 90}}`

func TestRunStage_SkipResearchGeneratesFromBillText(t *testing.T) {
	st := newAnalysisStore()
	client := &scriptedClient{responses: map[string]string{
		"claude-sonnet-4-5-20250929": draftResponse,
	}}
	p := newTestPipeline(st, client)

	task := model.AnalysisTask{Type: model.TaskGenerate, BillID: "bill-1", JurisdictionID: "jur-1"}
	out, err := p.RunStage(context.Background(), task,
		Request{BillID: "bill-1", BillText: "a new parking levy", SkipResearch: true})
	require.NoError(t, err)

	// The bypass leaves a terminal research row behind.
	skipped, err := st.LatestTask(context.Background(), "bill-1", model.TaskResearch)
	require.NoError(t, err)
	assert.Equal(t, model.TaskSkipped, skipped.Status)

	var draft DraftImpact
	require.NoError(t, json.Unmarshal(out.Result, &draft))
	assert.Equal(t, "raises parking fees", draft.Description)
	assert.Equal(t, skipped.ID, draft.ResearchTaskID)
}

func TestRunStage_SkipResearchRequiresBillText(t *testing.T) {
	st := newAnalysisStore()
	p := newTestPipeline(st, &scriptedClient{})

	task := model.AnalysisTask{Type: model.TaskGenerate, BillID: "bill-1"}
	_, err := p.RunStage(context.Background(), task,
		Request{BillID: "bill-1", SkipResearch: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bill_text is required")
}

func TestRunStage_GateAcceptsSkippedResearch(t *testing.T) {
	st := newAnalysisStore()
	st.tasks[st.taskKey("bill-1", model.TaskResearch)] = &model.AnalysisTask{
		ID: "task-research", BillID: "bill-1", Type: model.TaskResearch,
		Status: model.TaskSkipped,
	}
	client := &scriptedClient{responses: map[string]string{
		"claude-sonnet-4-5-20250929": draftResponse,
	}}
	p := newTestPipeline(st, client)

	// No skip flag on this run; the existing skipped row satisfies the
	// gate by itself.
	task := model.AnalysisTask{Type: model.TaskGenerate, BillID: "bill-1"}
	out, err := p.RunStage(context.Background(), task,
		Request{BillID: "bill-1", BillText: "a new parking levy"})
	require.NoError(t, err)
	assert.Equal(t, "task-research", out.ContextRef)
}

func TestRunStage_ReviewRejectsSkippedGenerate(t *testing.T) {
	st := newAnalysisStore()
	st.tasks[st.taskKey("bill-1", model.TaskGenerate)] = &model.AnalysisTask{
		ID: "task-generate", BillID: "bill-1", Type: model.TaskGenerate,
		Status: model.TaskSkipped,
	}
	p := newTestPipeline(st, &scriptedClient{})

	task := model.AnalysisTask{Type: model.TaskReview, BillID: "bill-1"}
	_, err := p.RunStage(context.Background(), task, Request{BillID: "bill-1"})

	var ge *StageGateError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, model.TaskGenerate, ge.Missing)
}

func TestResearch_EmptyRetrievalStillCompletes(t *testing.T) {
	st := newAnalysisStore()
	client := &scriptedClient{responses: map[string]string{
		"claude-sonnet-4-5-20250929": "No local context bears on this bill.",
	}}
	p := newTestPipeline(st, client)

	out, err := p.RunStage(context.Background(), researchTask("bill-1"),
		Request{BillID: "bill-1", JurisdictionID: "jur-1", BillText: "a new parking levy"})
	require.NoError(t, err)

	var findings ResearchFindings
	require.NoError(t, json.Unmarshal(out.Result, &findings))
	assert.Equal(t, "empty", findings.Retrieval)
	assert.Equal(t, "a new parking levy", findings.BillText)
	assert.Empty(t, out.ContextRef)
}

func TestResearch_RetrievalUnavailableFailsStage(t *testing.T) {
	st := newAnalysisStore()
	st.searchErr = store.ErrRetrievalUnavailable
	p := newTestPipeline(st, &scriptedClient{responses: map[string]string{
		"claude-sonnet-4-5-20250929": "unused",
	}})

	_, err := p.RunStage(context.Background(), researchTask("bill-1"),
		Request{BillID: "bill-1", BillText: "text"})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrRetrievalUnavailable)
}

func TestResearch_ContextRefListsChunks(t *testing.T) {
	st := newAnalysisStore()
	st.chunks = []model.RetrievedChunk{
		{EmbeddedDocument: model.EmbeddedDocument{ID: "c1", Text: "zoning rules"}, Similarity: 0.9},
		{EmbeddedDocument: model.EmbeddedDocument{ID: "c2", Text: "fee schedule"}, Similarity: 0.8},
	}
	client := &scriptedClient{responses: map[string]string{
		"claude-sonnet-4-5-20250929": "Summary of relevant context.",
	}}
	p := newTestPipeline(st, client)

	out, err := p.RunStage(context.Background(), researchTask("bill-1"),
		Request{BillID: "bill-1", BillText: "bill text"})
	require.NoError(t, err)
	assert.Equal(t, "c1,c2", out.ContextRef)
	assert.Equal(t, "claude-sonnet-4-5-20250929", out.ModelUsed)
}

func TestComplete_FallbackChain(t *testing.T) {
	st := newAnalysisStore()
	st.configs = []model.ModelConfig{
		{ID: "m1", Provider: "anthropic", ModelName: "claude-opus-4-6",
			UseCase: model.UseResearch, Priority: 1, Enabled: true, CreatedAt: time.Unix(1, 0)},
		{ID: "m2", Provider: "anthropic", ModelName: "claude-sonnet-4-5-20250929",
			UseCase: model.UseResearch, Priority: 2, Enabled: true, CreatedAt: time.Unix(2, 0)},
	}
	client := &scriptedClient{
		errs:      map[string]error{"claude-opus-4-6": errors.New("overloaded")},
		responses: map[string]string{"claude-sonnet-4-5-20250929": "fallback answer"},
	}
	p := newTestPipeline(st, client)

	out, err := p.RunStage(context.Background(), researchTask("bill-1"),
		Request{BillID: "bill-1", BillText: "text"})
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-5-20250929", out.ModelUsed)
	assert.Equal(t, "claude-opus-4-6", client.calls[0])
}

// hangingClient never answers for one model and responds normally for
// the rest, so the per-attempt deadline is what unblocks the chain.
type hangingClient struct {
	hangModel string
	responses map[string]string
	calls     []string
}

func (c *hangingClient) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	c.calls = append(c.calls, req.Model)
	if req.Model == c.hangModel {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &llm.CompletionResponse{Model: req.Model, Text: c.responses[req.Model]}, nil
}

func TestComplete_TimeoutFallsBackToNextModel(t *testing.T) {
	st := newAnalysisStore()
	st.configs = []model.ModelConfig{
		{ID: "m1", Provider: "anthropic", ModelName: "claude-opus-4-6",
			UseCase: model.UseResearch, Priority: 1, Enabled: true, CreatedAt: time.Unix(1, 0)},
		{ID: "m2", Provider: "anthropic", ModelName: "claude-sonnet-4-5-20250929",
			UseCase: model.UseResearch, Priority: 2, Enabled: true, CreatedAt: time.Unix(2, 0)},
	}
	client := &hangingClient{
		hangModel: "claude-opus-4-6",
		responses: map[string]string{"claude-sonnet-4-5-20250929": "answer after timeout"},
	}
	p := NewPipeline(st, llm.Providers{"anthropic": client}, staticEmbedder{},
		config.AnalysisConfig{StageTimeoutSecs: 1, MaxOutputTokens: 1024},
		config.RetrievalConfig{TopK: 8, MinSimilarity: 0.25})

	out, err := p.RunStage(context.Background(), researchTask("bill-1"),
		Request{BillID: "bill-1", BillText: "text"})
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-5-20250929", out.ModelUsed)
	assert.Equal(t, []string{"claude-opus-4-6", "claude-sonnet-4-5-20250929"}, client.calls)
}

func TestComplete_ModelOverridePromotedToFront(t *testing.T) {
	st := newAnalysisStore()
	st.configs = []model.ModelConfig{
		{ID: "m1", Provider: "anthropic", ModelName: "claude-opus-4-6",
			UseCase: model.UseResearch, Priority: 1, Enabled: true, CreatedAt: time.Unix(1, 0)},
		{ID: "m2", Provider: "anthropic", ModelName: "claude-sonnet-4-5-20250929",
			UseCase: model.UseResearch, Priority: 2, Enabled: true, CreatedAt: time.Unix(2, 0)},
	}
	client := &scriptedClient{
		responses: map[string]string{"claude-sonnet-4-5-20250929": "answer"},
	}
	p := newTestPipeline(st, client)

	out, err := p.RunStage(context.Background(), researchTask("bill-1"),
		Request{BillID: "bill-1", BillText: "text", ModelOverride: "claude-sonnet-4-5-20250929"})
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-5-20250929", out.ModelUsed)
	require.NotEmpty(t, client.calls)
	assert.Equal(t, "claude-sonnet-4-5-20250929", client.calls[0])
}

func TestComplete_AllModelsFail(t *testing.T) {
	st := newAnalysisStore()
	client := &scriptedClient{errs: map[string]error{
		"claude-sonnet-4-5-20250929": errors.New("api key invalid"),
	}}
	p := newTestPipeline(st, client)

	_, err := p.RunStage(context.Background(), researchTask("bill-1"),
		Request{BillID: "bill-1", BillText: "text"})
	require.Error(t, err)

	var mue *ModelUnavailableError
	require.ErrorAs(t, err, &mue)
	assert.Equal(t, []string{"claude-sonnet-4-5-20250929"}, mue.Tried)
}

func TestGenerate_ParsesFencedJSON(t *testing.T) {
	st := newAnalysisStore()
	st.setCompleted("bill-1", model.TaskResearch, ResearchFindings{
		BillID: "bill-1", BillText: "the bill", Summary: "summary", Retrieval: "ok",
	})
	client := &scriptedClient{responses: map[string]string{
		"claude-sonnet-4-5-20250929": "Here is the estimate:\n```json\n" +
			`{"description": "raises parking fees", "relevant_clause": "Sec 2",
			  "evidence": ["fee table"], "chain_of_causality": "fees rise",
			  "confidence": 0.7,
			  "ladder": {"p10": 10, "p25": 25, "p50": 50, "p75": 75, "p90": 90}}` +
			"\n```",
	}}
	p := newTestPipeline(st, client)

	out, err := p.RunStage(context.Background(),
		model.AnalysisTask{Type: model.TaskGenerate, BillID: "bill-1"}, Request{})
	require.NoError(t, err)

	var draft DraftImpact
	require.NoError(t, json.Unmarshal(out.Result, &draft))
	assert.Equal(t, "raises parking fees", draft.Description)
	assert.Equal(t, 50.0, draft.Ladder.P50)
	assert.Equal(t, "task-research", out.ContextRef)
}

func TestGenerate_RejectsOutOfRangeConfidence(t *testing.T) {
	st := newAnalysisStore()
	st.setCompleted("bill-1", model.TaskResearch, ResearchFindings{BillText: "x", Summary: "y"})
	client := &scriptedClient{responses: map[string]string{
		"claude-sonnet-4-5-20250929": `{"description": "d", "confidence": 1.7, "ladder": {}}`,
	}}
	p := newTestPipeline(st, client)

	_, err := p.RunStage(context.Background(),
		model.AnalysisTask{Type: model.TaskGenerate, BillID: "bill-1"}, Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestReview_ApprovedPersistsImpactWithClampedLadder(t *testing.T) {
	st := newAnalysisStore()
	st.setCompleted("bill-1", model.TaskGenerate, DraftImpact{
		BillID: "bill-1", Description: "raises fees", Evidence: []string{"e1"},
		Confidence: 0.7, Ladder: model.Ladder{P10: 10, P25: 25, P50: 50, P75: 75, P90: 90},
	})
	client := &scriptedClient{responses: map[string]string{
		// Reviewer returns a p50 below p25; the pipeline must clamp.
		"claude-sonnet-4-5-20250929": `{"approved": true, "notes": "ok", "confidence": 0.65,
			"ladder": {"p10": 12, "p25": 30, "p50": 20, "p75": 80, "p90": 95}}`,
	}}
	p := newTestPipeline(st, client)

	out, err := p.RunStage(context.Background(),
		model.AnalysisTask{Type: model.TaskReview, BillID: "bill-1"}, Request{})
	require.NoError(t, err)

	var reviewed ReviewedImpact
	require.NoError(t, json.Unmarshal(out.Result, &reviewed))
	assert.True(t, reviewed.LadderClamped)
	assert.Equal(t, 30.0, reviewed.Ladder.P50)
	assert.True(t, reviewed.Ladder.Monotonic())

	require.Len(t, st.impacts, 1)
	assert.Equal(t, reviewed.Ladder, st.impacts[0].Ladder)
	assert.Equal(t, 0.65, st.impacts[0].Confidence)
	assert.Equal(t, reviewed.ImpactID, "imp-1")
}

func TestReview_RejectedWritesNoImpact(t *testing.T) {
	st := newAnalysisStore()
	st.setCompleted("bill-1", model.TaskGenerate, DraftImpact{
		BillID: "bill-1", Description: "overreach", Confidence: 0.3,
	})
	client := &scriptedClient{responses: map[string]string{
		"claude-sonnet-4-5-20250929": `{"approved": false, "notes": "speculative chain", "confidence": 0.2, "ladder": {}}`,
	}}
	p := newTestPipeline(st, client)

	out, err := p.RunStage(context.Background(),
		model.AnalysisTask{Type: model.TaskReview, BillID: "bill-1"}, Request{})
	require.NoError(t, err)

	var reviewed ReviewedImpact
	require.NoError(t, json.Unmarshal(out.Result, &reviewed))
	assert.False(t, reviewed.Approved)
	assert.Empty(t, reviewed.ImpactID)
	assert.Empty(t, st.impacts)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"bare", `{"a": 1}`, `{"a": 1}`, false},
		{"fenced", "```json\n{\"a\": 1}\n```", `{"a": 1}`, false},
		{"prose around", `Sure: {"a": 1} hope that helps`, `{"a": 1}`, false},
		{"no object", "no json here", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractJSON(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}
