// Package acquire fetches legislative documents from registered sources,
// honoring each jurisdiction's source priority policy.
package acquire

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/civicsignal/billcost/internal/model"
)

// Item is one acquired document. API sources usually populate the
// structured fields; scraped items carry only the payload.
type Item struct {
	ExternalID  string
	Title       string
	PublishedAt *time.Time
	ContentType string
	Payload     []byte

	// sourceID is stamped by the runner when the item is collected.
	sourceID string
}

// Result holds the items fetched from a single source plus timing.
type Result struct {
	SourceID string
	Items    []Item
	Latency  time.Duration
}

// Fetcher retrieves documents from one source.
type Fetcher interface {
	Fetch(ctx context.Context, src model.Source) (*Result, error)
	Method() model.AcquisitionMethod
}

// SourceError is a per-source acquisition failure.
type SourceError struct {
	SourceID string
	URL      string
	Err      error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s (%s): %v", e.SourceID, e.URL, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// AcquisitionError aggregates the per-source failures of a sweep. It is
// returned only when no source produced any items.
type AcquisitionError struct {
	JurisdictionID string
	Errors         []*SourceError
}

func (e *AcquisitionError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, se := range e.Errors {
		msgs = append(msgs, se.Error())
	}
	return fmt.Sprintf("acquire: jurisdiction %s: all sources failed: %s",
		e.JurisdictionID, strings.Join(msgs, "; "))
}
