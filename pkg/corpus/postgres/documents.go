package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/openclinic/medrag/pkg/corpus"
	"github.com/openclinic/medrag/pkg/fault"
)

// Pool exposes the underlying connection pool so co-located stores (the
// semantic memory store) can share it instead of opening a second pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// InsertDocument implements [corpus.DocumentStore]. A duplicate id surfaces
// as a Conflict fault.
func (s *Store) InsertDocument(ctx context.Context, doc corpus.Document) error {
	if err := s.validateDocument(doc); err != nil {
		return err
	}

	const q = `
		INSERT INTO documents
		    (id, patient_id, document_type, decoded_text, source_ref,
		     embedding, embedding_model_tag, source_last_modified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.pool.Exec(ctx, q,
		doc.ID,
		doc.PatientID,
		doc.Type,
		doc.DecodedText,
		doc.SourceRef,
		pgvector.NewVector(doc.Embedding),
		doc.EmbeddingModelTag,
		timeOrNow(doc.SourceLastModified),
	)
	if err != nil {
		return classify(err, "insert document")
	}
	return nil
}

// UpsertDocument implements [corpus.DocumentStore]. An existing document with
// the same ID is completely replaced; created_at is preserved.
func (s *Store) UpsertDocument(ctx context.Context, doc corpus.Document) error {
	if err := s.validateDocument(doc); err != nil {
		return err
	}

	const q = `
		INSERT INTO documents
		    (id, patient_id, document_type, decoded_text, source_ref,
		     embedding, embedding_model_tag, source_last_modified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
		    patient_id           = EXCLUDED.patient_id,
		    document_type        = EXCLUDED.document_type,
		    decoded_text         = EXCLUDED.decoded_text,
		    source_ref           = EXCLUDED.source_ref,
		    embedding            = EXCLUDED.embedding,
		    embedding_model_tag  = EXCLUDED.embedding_model_tag,
		    source_last_modified = EXCLUDED.source_last_modified`

	_, err := s.pool.Exec(ctx, q,
		doc.ID,
		doc.PatientID,
		doc.Type,
		doc.DecodedText,
		doc.SourceRef,
		pgvector.NewVector(doc.Embedding),
		doc.EmbeddingModelTag,
		timeOrNow(doc.SourceLastModified),
	)
	if err != nil {
		return classify(err, "upsert document")
	}
	return nil
}

// GetDocument implements [corpus.DocumentStore].
func (s *Store) GetDocument(ctx context.Context, id string) (*corpus.Document, error) {
	const q = `
		SELECT id, patient_id, document_type, decoded_text, source_ref,
		       embedding, embedding_model_tag, source_last_modified, created_at
		FROM   documents
		WHERE  id = $1`

	var (
		doc corpus.Document
		vec pgvector.Vector
	)
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&doc.ID,
		&doc.PatientID,
		&doc.Type,
		&doc.DecodedText,
		&doc.SourceRef,
		&vec,
		&doc.EmbeddingModelTag,
		&doc.SourceLastModified,
		&doc.CreatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, fault.New(fault.NotFound, "postgres store: document %q not found", id)
		}
		return nil, classify(err, "get document")
	}
	doc.Embedding = vec.Slice()
	return &doc, nil
}

// VectorTopK implements [corpus.DocumentStore]. Similarity is computed as
// 1 − cosine distance and normalised to float64 at this boundary. Ties are
// broken by id ascending.
func (s *Store) VectorTopK(ctx context.Context, queryVec []float32, k int, filter corpus.SearchFilter) ([]corpus.RankedItem, error) {
	if err := corpus.ValidateVector(queryVec, s.dimensions); err != nil {
		return nil, err
	}
	return s.vectorTopK(ctx, "documents", queryVec, k, filter)
}

// vectorTopK is shared between the document and image searches; both tables
// carry the same (id, patient_id, embedding) shape.
func (s *Store) vectorTopK(ctx context.Context, table string, queryVec []float32, k int, filter corpus.SearchFilter) ([]corpus.RankedItem, error) {
	args := argList{pgvector.NewVector(queryVec)} // $1 = query vector

	var conditions []string
	conditions = append(conditions, "embedding IS NOT NULL")
	if filter.PatientID != "" {
		conditions = append(conditions, "patient_id = "+args.next(filter.PatientID))
	}
	if filter.DocumentType != "" && table == "documents" {
		conditions = append(conditions, "document_type = "+args.next(filter.DocumentType))
	}

	limitArg := args.next(k)

	q := `
		SELECT id, 1 - (embedding <=> $1)::float8 AS similarity
		FROM   ` + table + `
		WHERE  ` + strings.Join(conditions, "\n  AND ") + `
		ORDER  BY embedding <=> $1, id
		LIMIT  ` + limitArg

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, classify(err, "vector top-k "+table)
	}
	return collectRanked(rows, "vector top-k "+table)
}

// KeywordTopK implements [corpus.DocumentStore]. The overlap score counts how
// many of the lowercased terms occur in the decoded text column — never the
// raw hex source, which is decoded once at ingestion and never stored.
func (s *Store) KeywordTopK(ctx context.Context, terms []string, k int, filter corpus.SearchFilter) ([]corpus.RankedItem, error) {
	if len(terms) == 0 {
		return []corpus.RankedItem{}, nil
	}

	var args argList

	// One CASE per term: 1 when the term occurs in the decoded text.
	cases := make([]string, 0, len(terms))
	for _, term := range terms {
		pattern := "%" + strings.ToLower(term) + "%"
		cases = append(cases, "(CASE WHEN lower(decoded_text) LIKE "+args.next(pattern)+" THEN 1 ELSE 0 END)")
	}

	var conditions []string
	if filter.PatientID != "" {
		conditions = append(conditions, "patient_id = "+args.next(filter.PatientID))
	}
	if filter.DocumentType != "" {
		conditions = append(conditions, "document_type = "+args.next(filter.DocumentType))
	}
	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, "\n  AND ")
	}

	limitArg := args.next(k)

	q := `
		SELECT id, overlap::float8
		FROM (
		    SELECT id, ` + strings.Join(cases, " + ") + ` AS overlap
		    FROM   documents
		    ` + whereClause + `
		) scored
		WHERE  overlap > 0
		ORDER  BY overlap DESC, id
		LIMIT  ` + limitArg

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, classify(err, "keyword top-k")
	}
	return collectRanked(rows, "keyword top-k")
}

// PatientTimeline implements [corpus.DocumentStore].
func (s *Store) PatientTimeline(ctx context.Context, patientID string) ([]corpus.TimelineEvent, error) {
	const q = `
		SELECT source_last_modified, id, document_type
		FROM   documents
		WHERE  patient_id = $1
		ORDER  BY source_last_modified, id`

	rows, err := s.pool.Query(ctx, q, patientID)
	if err != nil {
		return nil, classify(err, "patient timeline")
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (corpus.TimelineEvent, error) {
		var ev corpus.TimelineEvent
		err := row.Scan(&ev.Timestamp, &ev.DocumentID, &ev.DocumentType)
		return ev, err
	})
	if err != nil {
		return nil, classify(err, "patient timeline: scan")
	}
	if events == nil {
		events = []corpus.TimelineEvent{}
	}
	return events, nil
}

// StaleDocuments implements [corpus.DocumentStore]. Embeddings are not loaded;
// the sync engine only needs the decoded text and timestamps.
func (s *Store) StaleDocuments(ctx context.Context, watermark time.Time, limit int) ([]corpus.Document, error) {
	const q = `
		SELECT id, patient_id, document_type, decoded_text, source_ref,
		       embedding_model_tag, source_last_modified, created_at
		FROM   documents
		WHERE  source_last_modified > $1
		ORDER  BY source_last_modified, id
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, watermark, limit)
	if err != nil {
		return nil, classify(err, "stale documents")
	}

	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (corpus.Document, error) {
		var doc corpus.Document
		err := row.Scan(
			&doc.ID,
			&doc.PatientID,
			&doc.Type,
			&doc.DecodedText,
			&doc.SourceRef,
			&doc.EmbeddingModelTag,
			&doc.SourceLastModified,
			&doc.CreatedAt,
		)
		return doc, err
	})
	if err != nil {
		return nil, classify(err, "stale documents: scan")
	}
	if docs == nil {
		docs = []corpus.Document{}
	}
	return docs, nil
}

// validateDocument applies the write-path invariants shared by insert and
// upsert.
func (s *Store) validateDocument(doc corpus.Document) error {
	if doc.ID == "" {
		return fault.New(fault.InvalidInput, "postgres store: document id must not be empty")
	}
	return corpus.ValidateVector(doc.Embedding, s.dimensions)
}

// collectRanked scans (id, score) rows and assigns ranks starting at 1 in
// result order.
func collectRanked(rows pgx.Rows, op string) ([]corpus.RankedItem, error) {
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (corpus.RankedItem, error) {
		var it corpus.RankedItem
		err := row.Scan(&it.ID, &it.Score)
		return it, err
	})
	if err != nil {
		return nil, classify(err, op+": scan")
	}
	for i := range items {
		items[i].Rank = i + 1
	}
	if items == nil {
		items = []corpus.RankedItem{}
	}
	return items, nil
}

// timeOrNow substitutes the current instant for a zero timestamp.
func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
