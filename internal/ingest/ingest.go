// Package ingest turns raw documents into visible, searchable embedded
// chunks. Each run of a document writes a fresh generation and flips
// visibility atomically, so retrieval never sees a half-written document.
package ingest

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civicsignal/billcost/internal/config"
	"github.com/civicsignal/billcost/internal/model"
	"github.com/civicsignal/billcost/internal/store"
	"github.com/civicsignal/billcost/pkg/llm"
)

// IngestionError reports which stage of ingesting a document failed.
type IngestionError struct {
	DocumentID string
	Stage      string // "extract", "embed", "write", "activate"
	Err        error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingest %s: %s: %v", e.DocumentID, e.Stage, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }

// Ingestor chunks, embeds and publishes raw documents.
type Ingestor struct {
	store    store.Store
	embedder llm.Embedder
	cfg      config.IngestConfig
}

// NewIngestor creates an Ingestor.
func NewIngestor(st store.Store, embedder llm.Embedder, cfg config.IngestConfig) *Ingestor {
	return &Ingestor{store: st, embedder: embedder, cfg: cfg}
}

// Process ingests a single raw document: extract text, chunk, embed,
// write the next generation invisible, then flip it live. A failure at
// any stage leaves the previous generation untouched and visible.
func (i *Ingestor) Process(ctx context.Context, doc model.RawDocument) error {
	src, err := i.store.GetSource(ctx, doc.SourceID)
	if err != nil {
		return &IngestionError{DocumentID: doc.ID, Stage: "extract", Err: err}
	}

	text := ExtractText(doc.Payload, doc.ContentType)
	chunks := Chunk(text, i.cfg.ChunkSize, i.cfg.ChunkOverlap)
	if len(chunks) == 0 {
		zap.L().Warn("ingest: document has no extractable text",
			zap.String("document_id", doc.ID),
			zap.String("content_type", doc.ContentType))
		if err := i.store.MarkProcessed(ctx, doc.ID); err != nil {
			return &IngestionError{DocumentID: doc.ID, Stage: "extract", Err: err}
		}
		return nil
	}

	embeddings, err := i.embedAll(ctx, chunks)
	if err != nil {
		return &IngestionError{DocumentID: doc.ID, Stage: "embed", Err: err}
	}

	generation := doc.CurrentGeneration + 1
	rows := make([]model.EmbeddedDocument, len(chunks))
	for idx, chunk := range chunks {
		rows[idx] = model.EmbeddedDocument{
			RawDocumentID:  doc.ID,
			ChunkIndex:     idx,
			Text:           chunk,
			Embedding:      pgvector.NewVector(embeddings[idx]),
			JurisdictionID: src.JurisdictionID,
			Category:       src.Category,
			Generation:     generation,
		}
	}

	if err := i.store.InsertChunks(ctx, rows); err != nil {
		return &IngestionError{DocumentID: doc.ID, Stage: "write", Err: err}
	}
	if err := i.store.ActivateGeneration(ctx, doc.ID, generation); err != nil {
		return &IngestionError{DocumentID: doc.ID, Stage: "activate", Err: err}
	}

	zap.L().Info("ingest: document published",
		zap.String("document_id", doc.ID),
		zap.Int("chunks", len(chunks)),
		zap.Int("generation", generation))
	return nil
}

// embedAll embeds chunks in batches, preserving order.
func (i *Ingestor) embedAll(ctx context.Context, chunks []string) ([][]float32, error) {
	batch := i.cfg.EmbedBatch
	if batch <= 0 {
		batch = 32
	}

	out := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += batch {
		end := start + batch
		if end > len(chunks) {
			end = len(chunks)
		}
		vecs, err := i.embedder.Embed(ctx, chunks[start:end])
		if err != nil {
			return nil, eris.Wrap(err, "ingest: embed batch")
		}
		out = append(out, vecs...)
	}
	if len(out) != len(chunks) {
		return nil, eris.Errorf("ingest: embedded %d of %d chunks", len(out), len(chunks))
	}
	return out, nil
}

// RunBacklog processes up to limit unprocessed documents, oldest first.
// Per-document failures are logged and skipped so one bad document does
// not stall the backlog. Returns the number successfully processed.
func (i *Ingestor) RunBacklog(ctx context.Context, limit int) (int, error) {
	docs, err := i.store.ListUnprocessed(ctx, limit)
	if err != nil {
		return 0, eris.Wrap(err, "ingest: list backlog")
	}

	processed := 0
	for _, doc := range docs {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if err := i.Process(ctx, doc); err != nil {
			zap.L().Error("ingest: document failed",
				zap.String("document_id", doc.ID),
				zap.Error(err))
			continue
		}
		processed++
	}
	return processed, nil
}
