package model

import "time"

// JurisdictionType classifies the level of government a jurisdiction covers.
type JurisdictionType string

const (
	JurisdictionCity   JurisdictionType = "city"
	JurisdictionCounty JurisdictionType = "county"
	JurisdictionState  JurisdictionType = "state"
)

// SourcePriority is the jurisdiction-level policy governing which
// acquisition methods are attempted and in what order.
type SourcePriority string

const (
	PriorityAPIOnly   SourcePriority = "api_only"
	PriorityWebOnly   SourcePriority = "web_only"
	PriorityAPIFirst  SourcePriority = "api_first"
	PriorityWebFirst  SourcePriority = "web_first"
	PriorityBothMerge SourcePriority = "both_merge"
)

// JurisdictionStatus is a soft lifecycle flag; jurisdictions are never
// hard-deleted.
type JurisdictionStatus string

const (
	JurisdictionActive   JurisdictionStatus = "active"
	JurisdictionArchived JurisdictionStatus = "archived"
)

// Jurisdiction represents a government body whose legislative output is
// tracked.
type Jurisdiction struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	Type           JurisdictionType   `json:"type"`
	SourcePriority SourcePriority     `json:"source_priority"`
	Status         JurisdictionStatus `json:"status"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}
