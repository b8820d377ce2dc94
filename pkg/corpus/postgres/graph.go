package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openclinic/medrag/pkg/corpus"
	"github.com/openclinic/medrag/pkg/fault"
)

// maxTraversalDepth bounds BFS traversals; deeper neighbourhoods explode
// combinatorially on dense co-occurrence graphs.
const maxTraversalDepth = 3

// EntitiesByText implements [corpus.GraphStore]. Matching is case-insensitive
// substring containment; the Matched list of each result records which of the
// query substrings hit.
func (s *Store) EntitiesByText(ctx context.Context, substrings []string, limit int) ([]corpus.EntityMatch, error) {
	if len(substrings) == 0 {
		return []corpus.EntityMatch{}, nil
	}
	if limit <= 0 {
		return nil, fault.New(fault.InvalidInput, "postgres store: entities by text: limit must be positive, got %d", limit)
	}

	patterns := make([]string, len(substrings))
	for i, sub := range substrings {
		patterns[i] = "%" + strings.ToLower(sub) + "%"
	}

	const q = `
		SELECT id, text, type, confidence, source_document_id, created_at
		FROM   entities
		WHERE  text ILIKE ANY($1::text[])
		ORDER  BY confidence DESC, text, id
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, patterns, limit)
	if err != nil {
		return nil, classify(err, "entities by text")
	}

	entities, err := collectEntities(rows)
	if err != nil {
		return nil, classify(err, "entities by text: scan")
	}

	matches := make([]corpus.EntityMatch, 0, len(entities))
	for _, e := range entities {
		m := corpus.EntityMatch{Entity: e}
		lowText := strings.ToLower(e.Text)
		for _, sub := range substrings {
			if strings.Contains(lowText, strings.ToLower(sub)) {
				m.Matched = append(m.Matched, sub)
			}
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// EntityNeighbors implements [corpus.GraphStore]. The traversal is a
// breadth-first expansion over relationship edges in both directions, run as
// a recursive CTE that tracks visited ids in a bigint array to cut cycles.
// The returned subgraph includes the start entity and is deduplicated; when
// the limit truncates the result, nearer entities win the cut, so the start
// entity (depth 0) always survives.
func (s *Store) EntityNeighbors(ctx context.Context, entityID int64, depth int, limit int) (*corpus.Subgraph, error) {
	if depth < 1 || depth > maxTraversalDepth {
		return nil, fault.New(fault.InvalidInput,
			"postgres store: traversal depth must be between 1 and %d, got %d", maxTraversalDepth, depth)
	}
	if limit <= 0 {
		return nil, fault.New(fault.InvalidInput, "postgres store: entity neighbors: limit must be positive, got %d", limit)
	}

	// Edges are followed in both directions: CO_OCCURS_WITH is undirected
	// and stored canonically, so a one-directional walk would miss half the
	// neighbourhood.
	const qReach = `
		WITH RECURSIVE reachable AS (
		    SELECT id,
		           ARRAY[id]  AS visited,
		           0          AS depth
		    FROM   entities
		    WHERE  id = $1

		    UNION ALL

		    SELECT other.id,
		           r.visited || other.id,
		           r.depth + 1
		    FROM   reachable r
		    JOIN   relationships rel
		           ON rel.source_entity_id = r.id OR rel.target_entity_id = r.id
		    JOIN   entities other
		           ON other.id = CASE WHEN rel.source_entity_id = r.id
		                              THEN rel.target_entity_id
		                              ELSE rel.source_entity_id END
		    WHERE  r.depth < $2
		      AND  NOT (other.id = ANY(r.visited))
		)
		SELECT id
		FROM  (
		    SELECT   id, MIN(depth) AS hop
		    FROM     reachable
		    GROUP BY id
		) nearest
		ORDER  BY hop, id
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, qReach, entityID, depth, limit)
	if err != nil {
		return nil, classify(err, "entity neighbors")
	}
	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (int64, error) {
		var id int64
		err := row.Scan(&id)
		return id, err
	})
	if err != nil {
		return nil, classify(err, "entity neighbors: scan ids")
	}
	if len(ids) == 0 {
		return nil, fault.New(fault.NotFound, "postgres store: entity %d not found", entityID)
	}

	const qEntities = `
		SELECT id, text, type, confidence, source_document_id, created_at
		FROM   entities
		WHERE  id = ANY($1::bigint[])
		ORDER  BY id`

	rows, err = s.pool.Query(ctx, qEntities, ids)
	if err != nil {
		return nil, classify(err, "entity neighbors: fetch entities")
	}
	entities, err := collectEntities(rows)
	if err != nil {
		return nil, classify(err, "entity neighbors: scan entities")
	}

	const qRels = `
		SELECT id, source_entity_id, target_entity_id, kind, confidence,
		       source_document_id, created_at
		FROM   relationships
		WHERE  source_entity_id = ANY($1::bigint[])
		  AND  target_entity_id = ANY($1::bigint[])
		ORDER  BY id`

	rows, err = s.pool.Query(ctx, qRels, ids)
	if err != nil {
		return nil, classify(err, "entity neighbors: fetch relationships")
	}
	rels, err := collectRelationships(rows)
	if err != nil {
		return nil, classify(err, "entity neighbors: scan relationships")
	}

	return &corpus.Subgraph{Entities: entities, Relationships: rels}, nil
}

// DocumentsByEntities implements [corpus.GraphStore].
func (s *Store) DocumentsByEntities(ctx context.Context, substrings []string, k int) ([]corpus.DocumentEntityRank, error) {
	if len(substrings) == 0 {
		return []corpus.DocumentEntityRank{}, nil
	}

	patterns := make([]string, len(substrings))
	for i, sub := range substrings {
		patterns[i] = "%" + strings.ToLower(sub) + "%"
	}

	const q = `
		SELECT source_document_id,
		       COUNT(*)                    AS entity_matches,
		       SUM(confidence)::float8     AS confidence_sum
		FROM   entities
		WHERE  text ILIKE ANY($1::text[])
		GROUP  BY source_document_id
		ORDER  BY entity_matches DESC, confidence_sum DESC, source_document_id
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, patterns, k)
	if err != nil {
		return nil, classify(err, "documents by entities")
	}

	ranks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (corpus.DocumentEntityRank, error) {
		var r corpus.DocumentEntityRank
		err := row.Scan(&r.DocumentID, &r.EntityMatches, &r.ConfidenceSum)
		return r, err
	})
	if err != nil {
		return nil, classify(err, "documents by entities: scan")
	}
	if ranks == nil {
		ranks = []corpus.DocumentEntityRank{}
	}
	return ranks, nil
}

// ReplaceDocumentGraph implements [corpus.GraphStore]. The delete-then-insert
// pair runs inside one transaction, which is what makes per-document sync
// atomic and two concurrent sync runs idempotent.
//
// Relationship endpoints arrive as indices into the entities slice; they are
// rewritten to the surrogate ids assigned by the insert before storage, with
// undirected kinds canonicalised.
//
// Inserted rows are stamped with the owning document's source_last_modified
// rather than the database clock: the extraction watermark is derived from
// these stamps and must stay in the same clock domain as the source
// timestamps it is compared against.
func (s *Store) ReplaceDocumentGraph(ctx context.Context, documentID string, entities []corpus.Entity, relationships []corpus.Relationship) error {
	if documentID == "" {
		return fault.New(fault.InvalidInput, "postgres store: replace graph: document id must not be empty")
	}
	for _, rel := range relationships {
		if rel.SourceEntityID < 0 || rel.SourceEntityID >= int64(len(entities)) ||
			rel.TargetEntityID < 0 || rel.TargetEntityID >= int64(len(entities)) {
			return fault.New(fault.InvalidInput,
				"postgres store: replace graph: relationship %s references an entity index out of range", rel)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify(err, "replace graph: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	// Relationships cascade from the entity delete.
	if _, err := tx.Exec(ctx, `DELETE FROM entities WHERE source_document_id = $1`, documentID); err != nil {
		return classify(err, "replace graph: delete")
	}

	ids := make([]int64, len(entities))
	const qInsertEntity = `
		INSERT INTO entities (text, type, confidence, source_document_id, created_at)
		SELECT $1, $2, $3, d.id, d.source_last_modified
		FROM   documents d
		WHERE  d.id = $4
		RETURNING id`
	for i, e := range entities {
		if !e.Type.IsValid() {
			return fault.New(fault.InvalidInput, "postgres store: replace graph: unknown entity type %q", e.Type)
		}
		err := tx.QueryRow(ctx, qInsertEntity, e.Text, e.Type, e.Confidence, documentID).Scan(&ids[i])
		if err != nil {
			if isNoRows(err) {
				return fault.New(fault.NotFound, "postgres store: replace graph: document %q not found", documentID)
			}
			return classify(err, "replace graph: insert entity")
		}
	}

	const qInsertRel = `
		INSERT INTO relationships
		    (source_entity_id, target_entity_id, kind, confidence, source_document_id, created_at)
		SELECT $1, $2, $3, $4, d.id, d.source_last_modified
		FROM   documents d
		WHERE  d.id = $5
		ON CONFLICT (source_entity_id, target_entity_id, kind) DO NOTHING`
	for _, rel := range relationships {
		rel.SourceEntityID = ids[rel.SourceEntityID]
		rel.TargetEntityID = ids[rel.TargetEntityID]
		rel, err := rel.Canonicalize()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, qInsertRel,
			rel.SourceEntityID, rel.TargetEntityID, rel.Kind, rel.Confidence, documentID); err != nil {
			return classify(err, "replace graph: insert relationship")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(err, "replace graph: commit")
	}
	return nil
}

// ExtractionWatermark implements [corpus.GraphStore]. Entity rows carry the
// source timestamp of the document they were extracted from, so the maximum
// is directly comparable to source_last_modified in StaleDocuments.
func (s *Store) ExtractionWatermark(ctx context.Context) (time.Time, error) {
	var wm *time.Time
	if err := s.pool.QueryRow(ctx, `SELECT MAX(created_at) FROM entities`).Scan(&wm); err != nil {
		return time.Time{}, classify(err, "extraction watermark")
	}
	if wm == nil {
		return time.Time{}, nil
	}
	return *wm, nil
}

// Stats implements [corpus.GraphStore].
func (s *Store) Stats(ctx context.Context) (*corpus.GraphStats, error) {
	stats := &corpus.GraphStats{
		EntitiesByType:      map[corpus.EntityType]int64{},
		RelationshipsByKind: map[corpus.RelationshipKind]int64{},
	}

	rows, err := s.pool.Query(ctx, `SELECT type, COUNT(*) FROM entities GROUP BY type`)
	if err != nil {
		return nil, classify(err, "graph stats: entities")
	}
	for rows.Next() {
		var (
			typ   corpus.EntityType
			count int64
		)
		if err := rows.Scan(&typ, &count); err != nil {
			rows.Close()
			return nil, classify(err, "graph stats: scan entities")
		}
		stats.EntitiesByType[typ] = count
		stats.TotalEntities += count
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "graph stats: entities")
	}

	rows, err = s.pool.Query(ctx, `SELECT kind, COUNT(*) FROM relationships GROUP BY kind`)
	if err != nil {
		return nil, classify(err, "graph stats: relationships")
	}
	for rows.Next() {
		var (
			kind  corpus.RelationshipKind
			count int64
		)
		if err := rows.Scan(&kind, &count); err != nil {
			rows.Close()
			return nil, classify(err, "graph stats: scan relationships")
		}
		stats.RelationshipsByKind[kind] = count
		stats.TotalRelationships += count
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "graph stats: relationships")
	}

	return stats, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Private scan helpers
// ─────────────────────────────────────────────────────────────────────────────

// collectEntities scans pgx rows into a slice of Entity values.
func collectEntities(rows pgx.Rows) ([]corpus.Entity, error) {
	entities, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (corpus.Entity, error) {
		var e corpus.Entity
		err := row.Scan(&e.ID, &e.Text, &e.Type, &e.Confidence, &e.SourceDocumentID, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, err
	}
	if entities == nil {
		entities = []corpus.Entity{}
	}
	return entities, nil
}

// collectRelationships scans pgx rows into a slice of Relationship values.
func collectRelationships(rows pgx.Rows) ([]corpus.Relationship, error) {
	rels, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (corpus.Relationship, error) {
		var r corpus.Relationship
		err := row.Scan(&r.ID, &r.SourceEntityID, &r.TargetEntityID, &r.Kind,
			&r.Confidence, &r.SourceDocumentID, &r.CreatedAt)
		return r, err
	})
	if err != nil {
		return nil, err
	}
	if rels == nil {
		rels = []corpus.Relationship{}
	}
	return rels, nil
}
