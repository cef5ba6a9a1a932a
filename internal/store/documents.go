package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civicsignal/billcost/internal/db"
	"github.com/civicsignal/billcost/internal/model"
)

// InsertRawDocument writes a fetched payload keyed by (source_id,
// content_hash). If the same content was already stored for the source,
// the existing row is returned and inserted is false. The conflict check
// and insert are a single statement, so concurrent fetchers racing on
// identical content cannot both insert.
func (s *PostgresStore) InsertRawDocument(ctx context.Context, doc model.RawDocument) (*model.RawDocument, bool, error) {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.ContentHash == "" {
		doc.ContentHash = model.ContentHash(doc.Payload)
	}
	if doc.FetchedAt.IsZero() {
		doc.FetchedAt = nowUTC()
	}

	tag, err := s.pool.Exec(ctx, "insert_raw_document",
		doc.ID, doc.SourceID, doc.ContentHash, doc.ContentType, doc.Payload, doc.FetchedAt,
	)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: insert raw document")
	}
	if tag.RowsAffected() == 1 {
		return &doc, true, nil
	}

	// Conflict: load the row that won.
	existing, err := s.getRawByHash(ctx, doc.SourceID, doc.ContentHash)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) getRawByHash(ctx context.Context, sourceID, hash string) (*model.RawDocument, error) {
	var doc model.RawDocument
	err := s.pool.QueryRow(ctx,
		`SELECT id, source_id, content_hash, content_type, payload, fetched_at, processed, current_generation
		 FROM raw_documents WHERE source_id = $1 AND content_hash = $2`,
		sourceID, hash,
	).Scan(&doc.ID, &doc.SourceID, &doc.ContentHash, &doc.ContentType, &doc.Payload, &doc.FetchedAt, &doc.Processed, &doc.CurrentGeneration)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: raw document %s/%s", sourceID, hash)
		}
		return nil, eris.Wrap(err, "postgres: get raw document by hash")
	}
	return &doc, nil
}

func (s *PostgresStore) GetRawDocument(ctx context.Context, id string) (*model.RawDocument, error) {
	var doc model.RawDocument
	err := s.pool.QueryRow(ctx,
		`SELECT id, source_id, content_hash, content_type, payload, fetched_at, processed, current_generation
		 FROM raw_documents WHERE id = $1`,
		id,
	).Scan(&doc.ID, &doc.SourceID, &doc.ContentHash, &doc.ContentType, &doc.Payload, &doc.FetchedAt, &doc.Processed, &doc.CurrentGeneration)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: raw document %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get raw document %s", id)
	}
	return &doc, nil
}

// ListUnprocessed returns raw documents awaiting ingestion, oldest first.
func (s *PostgresStore) ListUnprocessed(ctx context.Context, limit int) ([]model.RawDocument, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, source_id, content_hash, content_type, payload, fetched_at, processed, current_generation
		 FROM raw_documents WHERE NOT processed ORDER BY fetched_at LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list unprocessed")
	}
	defer rows.Close()

	var out []model.RawDocument
	for rows.Next() {
		var doc model.RawDocument
		if err := rows.Scan(&doc.ID, &doc.SourceID, &doc.ContentHash, &doc.ContentType, &doc.Payload, &doc.FetchedAt, &doc.Processed, &doc.CurrentGeneration); err != nil {
			return nil, eris.Wrap(err, "postgres: scan raw document")
		}
		out = append(out, doc)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list unprocessed iterate")
}

// MarkProcessed flags a document as handled without publishing chunks.
// Used for documents with no extractable text.
func (s *PostgresStore) MarkProcessed(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE raw_documents SET processed = true WHERE id = $1`,
		id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark processed %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: raw document %s", id)
	}
	return nil
}

var chunkColumns = []string{
	"id", "raw_document_id", "chunk_index", "text", "embedding",
	"jurisdiction_id", "category", "generation", "visible", "created_at",
}

// InsertChunks bulk-writes one generation of embedded chunks via COPY.
// Chunks are written invisible; ActivateGeneration flips them live.
func (s *PostgresStore) InsertChunks(ctx context.Context, chunks []model.EmbeddedDocument) error {
	rows := make([][]any, 0, len(chunks))
	now := nowUTC()
	for _, c := range chunks {
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		rows = append(rows, []any{
			c.ID, c.RawDocumentID, c.ChunkIndex, c.Text, c.Embedding,
			c.JurisdictionID, string(c.Category), c.Generation, false, c.CreatedAt,
		})
	}

	n, err := db.CopyFrom(ctx, s.pool, "embedded_documents", chunkColumns, rows)
	if err != nil {
		return eris.Wrap(err, "postgres: insert chunks")
	}
	if int(n) != len(chunks) {
		return eris.Errorf("postgres: insert chunks: copied %d of %d rows", n, len(chunks))
	}
	return nil
}

// ActivateGeneration makes one generation of a document's chunks visible
// and hides every other generation, in a single transaction. Readers see
// either the old generation or the new one, never a mix.
func (s *PostgresStore) ActivateGeneration(ctx context.Context, rawDocumentID string, generation int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: activate generation begin")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE embedded_documents SET visible = (generation = $2) WHERE raw_document_id = $1`,
		rawDocumentID, generation,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: activate generation flip")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: no chunks for document %s", rawDocumentID)
	}

	_, err = tx.Exec(ctx,
		`UPDATE raw_documents SET processed = true, current_generation = $2 WHERE id = $1`,
		rawDocumentID, generation,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: activate generation mark processed")
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: activate generation commit")
	}
	zap.L().Debug("generation activated",
		zap.String("raw_document_id", rawDocumentID),
		zap.Int("generation", generation))
	return nil
}

// SearchChunks runs cosine nearest-neighbor search over visible chunks.
// Zero matches is a valid outcome and returns an empty slice with no
// error; a backend failure wraps ErrRetrievalUnavailable so callers can
// tell "nothing relevant" from "could not look".
func (s *PostgresStore) SearchChunks(ctx context.Context, embedding pgvector.Vector, filter model.RetrievalFilter, topK int, minSimilarity float64) ([]model.RetrievedChunk, error) {
	if topK <= 0 {
		topK = 8
	}

	query := `SELECT id, raw_document_id, chunk_index, text, jurisdiction_id, category, generation, created_at,
		 1 - (embedding <=> $1) AS similarity
		 FROM embedded_documents WHERE visible`
	args := []any{embedding}
	argIdx := 2

	if filter.JurisdictionID != "" {
		query += ` AND jurisdiction_id = ` + placeholder(argIdx)
		args = append(args, filter.JurisdictionID)
		argIdx++
	}
	if filter.Category != "" {
		query += ` AND category = ` + placeholder(argIdx)
		args = append(args, string(filter.Category))
		argIdx++
	}
	if filter.Since != nil {
		query += ` AND created_at >= ` + placeholder(argIdx)
		args = append(args, *filter.Since)
		argIdx++
	}
	query += ` AND 1 - (embedding <=> $1) >= ` + placeholder(argIdx)
	args = append(args, minSimilarity)
	argIdx++
	query += ` ORDER BY embedding <=> $1 LIMIT ` + placeholder(argIdx)
	args = append(args, topK)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(ErrRetrievalUnavailable, "postgres: search chunks: %v", err)
	}
	defer rows.Close()

	out := []model.RetrievedChunk{}
	for rows.Next() {
		var c model.RetrievedChunk
		if err := rows.Scan(&c.ID, &c.RawDocumentID, &c.ChunkIndex, &c.Text, &c.JurisdictionID, &c.Category, &c.Generation, &c.CreatedAt, &c.Similarity); err != nil {
			return nil, eris.Wrapf(ErrRetrievalUnavailable, "postgres: scan chunk: %v", err)
		}
		c.Visible = true
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(ErrRetrievalUnavailable, "postgres: search chunks iterate: %v", err)
	}
	return out, nil
}
