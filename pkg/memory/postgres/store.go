// Package postgres provides the PostgreSQL + pgvector implementation of the
// semantic memory store.
//
// The memories table lives in the same database as the corpus and is created
// by the corpus store's migration; this package only needs a connected pool
// with pgvector types registered, which the corpus store exposes through its
// Pool accessor.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/openclinic/medrag/pkg/fault"
	"github.com/openclinic/medrag/pkg/memory"
	"github.com/openclinic/medrag/pkg/provider/embeddings"
)

// Ensure Store implements the memory.Store interface at compile time.
var _ memory.Store = (*Store)(nil)

// MostUsedCount is how many memories Stats reports as most used.
const MostUsedCount = 3

// Store is the PostgreSQL-backed semantic memory. It embeds memory text at
// remember and recall time through the configured provider.
//
// Store is safe for concurrent use.
type Store struct {
	pool       *pgxpool.Pool
	embedder   embeddings.Provider
	dimensions int
}

// NewStore wires a memory store onto an existing pool. The pool must have
// pgvector types registered and the memories table migrated, both of which
// the corpus store guarantees for its own pool.
func NewStore(pool *pgxpool.Pool, embedder embeddings.Provider, dimensions int) (*Store, error) {
	if pool == nil {
		return nil, fault.New(fault.InvalidInput, "memory store: pool must not be nil")
	}
	if embedder == nil {
		return nil, fault.New(fault.InvalidInput, "memory store: embedder must not be nil")
	}
	if dimensions <= 0 {
		return nil, fault.New(fault.InvalidInput, "memory store: dimensions must be positive, got %d", dimensions)
	}
	return &Store{pool: pool, embedder: embedder, dimensions: dimensions}, nil
}

// memoryColumns is the scan order shared by every memory-returning query.
const memoryColumns = "id, kind, text, metadata, use_count, created_at, updated_at, last_used_at"

// argList builds numbered SQL placeholders while accumulating arguments.
type argList []any

func (a *argList) next(v any) string {
	*a = append(*a, v)
	return fmt.Sprintf("$%d", len(*a))
}

// Remember implements [memory.Store]. The text is embedded, the content id
// computed, and the row upserted: a fresh memory starts at use count 1, and
// a repeated remember of the same kind+text strengthens the existing record
// instead of inserting a duplicate.
func (s *Store) Remember(ctx context.Context, kind memory.Kind, text string, metadata map[string]any) (string, error) {
	if err := memory.ValidateNew(kind, text); err != nil {
		return "", err
	}

	vec, err := s.embedText(ctx, text)
	if err != nil {
		return "", err
	}

	id := memory.ContentID(kind, text)
	if metadata == nil {
		metadata = map[string]any{}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO memories (id, kind, text, embedding, metadata, use_count)
		VALUES ($1, $2, $3, $4, $5, 1)
		ON CONFLICT (id) DO UPDATE SET
			use_count  = memories.use_count + 1,
			metadata   = EXCLUDED.metadata,
			updated_at = now()`,
		id, string(kind), text, pgvector.NewVector(vec), metadata)
	if err != nil {
		return "", classify(err, "remember")
	}
	return id, nil
}

// Recall implements [memory.Store]. With a non-blank query the k most
// cosine-similar memories above the similarity floor are returned, each with
// its use count incremented and last_used_at stamped before the call
// returns. A blank query browses by usage instead; browsing is read-only so
// listing memories cannot inflate their counts.
func (s *Store) Recall(ctx context.Context, query string, k int, opts memory.RecallOpts) ([]memory.Recalled, error) {
	if k <= 0 {
		return nil, fault.New(fault.InvalidInput, "memory store: recall k must be positive, got %d", k)
	}
	if opts.Kind != "" && !opts.Kind.IsValid() {
		return nil, fault.New(fault.InvalidInput, "memory store: unknown kind %q", opts.Kind)
	}

	query = strings.TrimSpace(query)
	if query == "" {
		return s.browse(ctx, k, opts.Kind)
	}

	recalled, err := s.similar(ctx, query, k, opts)
	if err != nil {
		return nil, err
	}
	if err := s.markUsed(ctx, recalled); err != nil {
		return nil, err
	}
	return recalled, nil
}

// similar runs the vector recall path.
func (s *Store) similar(ctx context.Context, query string, k int, opts memory.RecallOpts) ([]memory.Recalled, error) {
	vec, err := s.embedText(ctx, query)
	if err != nil {
		return nil, err
	}

	minSim := opts.MinSimilarity
	if minSim <= 0 {
		minSim = memory.DefaultMinSimilarity
	}

	args := argList{}
	vecPH := args.next(pgvector.NewVector(vec))
	sql := `
		SELECT ` + memoryColumns + `,
		       1 - (embedding <=> ` + vecPH + `)::float8 AS similarity
		FROM memories`
	if opts.Kind != "" {
		sql += ` WHERE kind = ` + args.next(string(opts.Kind))
	}
	// The similarity floor goes in an outer query so the HNSW index still
	// drives the inner distance ordering.
	sql = `
		SELECT * FROM (` + sql + `
			ORDER BY embedding <=> ` + vecPH + `, id
			LIMIT ` + args.next(k) + `
		) ranked
		WHERE similarity >= ` + args.next(minSim)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err, "recall")
	}
	return collectRecalled(rows)
}

// browse runs the blank-query path: top memories by usage, similarity 1.0.
func (s *Store) browse(ctx context.Context, k int, kind memory.Kind) ([]memory.Recalled, error) {
	args := argList{}
	sql := `
		SELECT ` + memoryColumns + `, 1.0::float8 AS similarity
		FROM memories`
	if kind != "" {
		sql += ` WHERE kind = ` + args.next(string(kind))
	}
	sql += `
		ORDER BY use_count DESC, updated_at DESC
		LIMIT ` + args.next(k)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err, "recall browse")
	}
	return collectRecalled(rows)
}

// markUsed increments use_count and stamps last_used_at for every recalled
// memory, then patches the in-memory copies so callers see the post-recall
// counts.
func (s *Store) markUsed(ctx context.Context, recalled []memory.Recalled) error {
	if len(recalled) == 0 {
		return nil
	}

	ids := make([]string, len(recalled))
	for i := range recalled {
		ids[i] = recalled[i].Memory.ID
	}

	var usedAt time.Time
	err := s.pool.QueryRow(ctx, `
		WITH bumped AS (
			UPDATE memories
			SET use_count = use_count + 1, last_used_at = now()
			WHERE id = ANY($1)
			RETURNING last_used_at
		)
		SELECT COALESCE(MAX(last_used_at), now()) FROM bumped`,
		ids).Scan(&usedAt)
	if err != nil {
		return classify(err, "recall mark used")
	}

	for i := range recalled {
		recalled[i].Memory.UseCount++
		t := usedAt
		recalled[i].Memory.LastUsedAt = &t
	}
	return nil
}

// Stats implements [memory.Store].
func (s *Store) Stats(ctx context.Context) (*memory.Stats, error) {
	stats := &memory.Stats{
		ByKind:   map[memory.Kind]int64{},
		MostUsed: []memory.Memory{},
	}

	rows, err := s.pool.Query(ctx, `SELECT kind, COUNT(*) FROM memories GROUP BY kind`)
	if err != nil {
		return nil, classify(err, "stats")
	}
	for rows.Next() {
		var kind string
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			rows.Close()
			return nil, classify(err, "stats scan")
		}
		stats.ByKind[memory.Kind(kind)] = count
		stats.Total += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(err, "stats rows")
	}

	rows, err = s.pool.Query(ctx, `
		SELECT `+memoryColumns+`
		FROM memories
		WHERE use_count > 0
		ORDER BY use_count DESC, updated_at DESC
		LIMIT $1`, MostUsedCount)
	if err != nil {
		return nil, classify(err, "stats most used")
	}
	defer rows.Close()
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, classify(err, "stats most used scan")
		}
		stats.MostUsed = append(stats.MostUsed, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "stats most used rows")
	}
	return stats, nil
}

// Delete implements [memory.Store].
func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fault.New(fault.InvalidInput, "memory store: id must not be empty")
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return classify(err, "delete")
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.NotFound, "memory store: memory %q not found", id)
	}
	return nil
}

// embedText embeds a single text and validates the vector.
func (s *Store) embedText(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.embedder.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if err := embeddings.ValidateAll(vecs, 1, s.dimensions); err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// collectRecalled drains rows of memoryColumns + similarity.
func collectRecalled(rows pgx.Rows) ([]memory.Recalled, error) {
	defer rows.Close()
	out := []memory.Recalled{}
	for rows.Next() {
		var (
			m   memory.Memory
			sim float64
		)
		var kind string
		if err := rows.Scan(&m.ID, &kind, &m.Text, &m.Metadata, &m.UseCount,
			&m.CreatedAt, &m.UpdatedAt, &m.LastUsedAt, &sim); err != nil {
			return nil, classify(err, "recall scan")
		}
		m.Kind = memory.Kind(kind)
		out = append(out, memory.Recalled{Memory: m, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "recall rows")
	}
	return out, nil
}

// scanMemory scans one memoryColumns row.
func scanMemory(rows pgx.Rows) (memory.Memory, error) {
	var m memory.Memory
	var kind string
	err := rows.Scan(&m.ID, &kind, &m.Text, &m.Metadata, &m.UseCount,
		&m.CreatedAt, &m.UpdatedAt, &m.LastUsedAt)
	m.Kind = memory.Kind(kind)
	return m, err
}

// classify maps pgx errors into the fault taxonomy, mirroring the corpus
// store's boundary behaviour.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42P01", "42703": // undefined_table, undefined_column
			return fault.Wrap(fault.SchemaError, err,
				"memory store: %s: schema missing or mismatched (run with -mode init)", op)
		case "23505": // unique_violation
			return fault.Wrap(fault.Conflict, err, "memory store: %s", op)
		}
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23" {
			return fault.Wrap(fault.InvalidInput, err, "memory store: %s", op)
		}
	}
	return fault.Wrap(fault.StoreUnavailable, err, "memory store: %s", op)
}
