package model

import "time"

// SourceCategory classifies what kind of documents a source publishes.
type SourceCategory string

const (
	CategoryMeeting SourceCategory = "meeting"
	CategoryCode    SourceCategory = "code"
	CategoryGeneral SourceCategory = "general"
)

// AcquisitionMethod is how content is fetched from a source.
type AcquisitionMethod string

const (
	MethodAPI    AcquisitionMethod = "api"
	MethodScrape AcquisitionMethod = "scrape"
	MethodManual AcquisitionMethod = "manual"
)

// SourceStatus is the lifecycle state of a source. Sources in review are
// excluded from scheduled acquisition until approved.
type SourceStatus string

const (
	SourceActive SourceStatus = "active"
	SourceBroken SourceStatus = "broken"
	SourceReview SourceStatus = "review"
)

// Source is a single URL (API endpoint or web page) from which documents
// are acquired for a jurisdiction.
type Source struct {
	ID             string            `json:"id"`
	JurisdictionID string            `json:"jurisdiction_id"`
	URL            string            `json:"url"`
	Category       SourceCategory    `json:"category"`
	Method         AcquisitionMethod `json:"acquisition_method"`
	Status         SourceStatus      `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// HealthOutcome is the result of a single acquisition attempt against a
// source.
type HealthOutcome string

const (
	HealthSuccess HealthOutcome = "success"
	HealthFailed  HealthOutcome = "failed"
	HealthTimeout HealthOutcome = "timeout"
)

// Degraded reports whether the outcome counts toward the consecutive
// failure window that flips a source to broken.
func (o HealthOutcome) Degraded() bool {
	return o == HealthFailed || o == HealthTimeout
}

// SourceHealthRecord is one append-only health observation for a source.
type SourceHealthRecord struct {
	ID         string        `json:"id"`
	SourceID   string        `json:"source_id"`
	CheckedAt  time.Time     `json:"checked_at"`
	Outcome    HealthOutcome `json:"outcome"`
	LatencyMS  int64         `json:"latency_ms"`
	ItemsFound int           `json:"items_found"`
}

// SourceCandidate is a discovered source awaiting human review before it
// becomes a Source.
type SourceCandidate struct {
	ID             string          `json:"id"`
	JurisdictionID string          `json:"jurisdiction_id"`
	URL            string          `json:"url"`
	Category       SourceCategory  `json:"category"`
	Query          string          `json:"query"`
	Score          float64         `json:"score"`
	Status         CandidateStatus `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
}

// CandidateStatus is the review state of a discovered source candidate.
type CandidateStatus string

const (
	CandidateProposed CandidateStatus = "proposed"
	CandidateApproved CandidateStatus = "approved"
	CandidateRejected CandidateStatus = "rejected"
)
