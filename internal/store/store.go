package store

import (
	"context"
	"errors"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/civicsignal/billcost/internal/model"
)

// ErrRetrievalUnavailable marks a vector search that failed because the
// backend could not be reached. It is distinct from a search with zero
// matches, which returns an empty slice and no error.
var ErrRetrievalUnavailable = errors.New("retrieval backend unavailable")

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// SourceFilter specifies criteria for listing sources.
type SourceFilter struct {
	JurisdictionID string                  `json:"jurisdiction_id,omitempty"`
	Status         model.SourceStatus      `json:"status,omitempty"`
	Category       model.SourceCategory    `json:"category,omitempty"`
	Method         model.AcquisitionMethod `json:"method,omitempty"`
}

// TaskFilter specifies criteria for listing tasks.
type TaskFilter struct {
	BillID         string           `json:"bill_id,omitempty"`
	JurisdictionID string           `json:"jurisdiction_id,omitempty"`
	Type           model.TaskType   `json:"task_type,omitempty"`
	Status         model.TaskStatus `json:"status,omitempty"`
	CreatedAfter   time.Time        `json:"created_after,omitempty"`
	Limit          int              `json:"limit,omitempty"`
	Offset         int              `json:"offset,omitempty"`
}

// Store defines the persistence interface for the ingestion and analysis
// engine.
type Store interface {
	// Jurisdictions
	CreateJurisdiction(ctx context.Context, j model.Jurisdiction) (*model.Jurisdiction, error)
	GetJurisdiction(ctx context.Context, id string) (*model.Jurisdiction, error)
	ListJurisdictions(ctx context.Context, status model.JurisdictionStatus) ([]model.Jurisdiction, error)

	// Sources
	CreateSource(ctx context.Context, s model.Source) (*model.Source, error)
	GetSource(ctx context.Context, id string) (*model.Source, error)
	ListSources(ctx context.Context, filter SourceFilter) ([]model.Source, error)
	UpdateSourceStatus(ctx context.Context, id string, status model.SourceStatus) error

	// Source health (append-only)
	AppendHealth(ctx context.Context, rec model.SourceHealthRecord) error
	RecentHealth(ctx context.Context, sourceID string, n int) ([]model.SourceHealthRecord, error)

	// Raw documents (content-addressed)
	InsertRawDocument(ctx context.Context, doc model.RawDocument) (*model.RawDocument, bool, error)
	GetRawDocument(ctx context.Context, id string) (*model.RawDocument, error)
	ListUnprocessed(ctx context.Context, limit int) ([]model.RawDocument, error)
	MarkProcessed(ctx context.Context, id string) error

	// Embedded chunks
	InsertChunks(ctx context.Context, chunks []model.EmbeddedDocument) error
	ActivateGeneration(ctx context.Context, rawDocumentID string, generation int) error
	SearchChunks(ctx context.Context, embedding pgvector.Vector, filter model.RetrievalFilter, topK int, minSimilarity float64) ([]model.RetrievedChunk, error)

	// Tasks
	CreateTask(ctx context.Context, t model.AnalysisTask) (*model.AnalysisTask, error)
	CreateSkippedTask(ctx context.Context, t model.AnalysisTask) (*model.AnalysisTask, error)
	GetTask(ctx context.Context, id string) (*model.AnalysisTask, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]model.AnalysisTask, error)
	MarkTaskRunning(ctx context.Context, id string) error
	CompleteTask(ctx context.Context, id string, modelUsed, contextRef string, result []byte) error
	FailTask(ctx context.Context, id string, modelUsed, errMsg string) error
	CancelTask(ctx context.Context, id string) error
	LatestTask(ctx context.Context, billID string, taskType model.TaskType) (*model.AnalysisTask, error)

	// Impacts (append-only version history; DeleteImpact exists solely to
	// roll back an impact whose review task was cancelled mid-flight)
	InsertImpact(ctx context.Context, imp model.Impact) (*model.Impact, error)
	ListImpacts(ctx context.Context, billID string) ([]model.Impact, error)
	DeleteImpact(ctx context.Context, id string) error

	// Model configs and prompts (admin-managed, read here)
	ListModelConfigs(ctx context.Context) ([]model.ModelConfig, error)
	ActivePrompt(ctx context.Context, pt model.PromptType) (*model.SystemPrompt, error)

	// Discovery candidates
	InsertCandidate(ctx context.Context, c model.SourceCandidate) (*model.SourceCandidate, bool, error)
	ListCandidates(ctx context.Context, status model.CandidateStatus) ([]model.SourceCandidate, error)
	UpdateCandidateStatus(ctx context.Context, id string, status model.CandidateStatus) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// nowUTC is the single clock used for store timestamps.
func nowUTC() time.Time {
	return time.Now().UTC()
}
