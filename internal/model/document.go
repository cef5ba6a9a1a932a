package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
)

// RawDocument is a content-addressed fetched payload. The pair
// (SourceID, ContentHash) is unique: re-fetching identical content maps
// to the existing row.
type RawDocument struct {
	ID                string    `json:"id"`
	SourceID          string    `json:"source_id"`
	ContentHash       string    `json:"content_hash"`
	ContentType       string    `json:"content_type"`
	Payload           []byte    `json:"payload"`
	FetchedAt         time.Time `json:"fetched_at"`
	Processed         bool      `json:"processed"`
	CurrentGeneration int       `json:"current_generation"`
}

// ContentHash returns the hex sha256 of the normalized payload. Payloads
// differing only in surrounding whitespace or line endings hash the same.
func ContentHash(payload []byte) string {
	norm := NormalizePayload(payload)
	sum := sha256.Sum256(norm)
	return hex.EncodeToString(sum[:])
}

// NormalizePayload trims surrounding whitespace and normalizes CRLF to LF
// so that cosmetic transport differences do not defeat deduplication.
func NormalizePayload(payload []byte) []byte {
	s := strings.ReplaceAll(string(payload), "\r\n", "\n")
	s = strings.TrimSpace(s)
	return []byte(s)
}

// EmbeddedDocument is one embedded chunk of a raw document. Rows are
// immutable once written; re-ingestion writes a new generation and flips
// visibility rather than mutating in place.
type EmbeddedDocument struct {
	ID             string          `json:"id"`
	RawDocumentID  string          `json:"raw_document_id"`
	ChunkIndex     int             `json:"chunk_index"`
	Text           string          `json:"text"`
	Embedding      pgvector.Vector `json:"-"`
	JurisdictionID string          `json:"jurisdiction_id"`
	Category       SourceCategory  `json:"category"`
	Generation     int             `json:"generation"`
	Visible        bool            `json:"visible"`
	CreatedAt      time.Time       `json:"created_at"`
}

// RetrievedChunk is an embedded document plus its similarity score from a
// nearest-neighbor search.
type RetrievedChunk struct {
	EmbeddedDocument
	Similarity float64 `json:"similarity"`
}

// RetrievalFilter constrains a vector search by chunk metadata.
type RetrievalFilter struct {
	JurisdictionID string         `json:"jurisdiction_id,omitempty"`
	Category       SourceCategory `json:"category,omitempty"`
	Since          *time.Time     `json:"since,omitempty"`
}
