package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL — documents and images (vector dimension substituted at creation time)
// ─────────────────────────────────────────────────────────────────────────────

// ddlCorpus returns the document/image DDL with the embedding dimension baked
// into the vector column types.
func ddlCorpus(dimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS documents (
    id                    TEXT         PRIMARY KEY,
    patient_id            TEXT         NOT NULL,
    document_type         TEXT         NOT NULL,
    decoded_text          TEXT         NOT NULL,
    source_ref            TEXT         NOT NULL DEFAULT '',
    embedding             vector(%[1]d),
    embedding_model_tag   TEXT         NOT NULL DEFAULT '',
    source_last_modified  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    created_at            TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_documents_patient
    ON documents (patient_id);

CREATE INDEX IF NOT EXISTS idx_documents_type
    ON documents (document_type);

CREATE INDEX IF NOT EXISTS idx_documents_source_modified
    ON documents (source_last_modified);

CREATE INDEX IF NOT EXISTS idx_documents_embedding
    ON documents USING hnsw (embedding vector_cosine_ops);

CREATE TABLE IF NOT EXISTS images (
    id                   TEXT         PRIMARY KEY,
    patient_id           TEXT         NOT NULL,
    study_id             TEXT         NOT NULL DEFAULT '',
    view_position        TEXT         NOT NULL DEFAULT '',
    storage_ref          TEXT         NOT NULL,
    embedding            vector(%[1]d),
    embedding_model_tag  TEXT         NOT NULL DEFAULT '',
    related_document_id  TEXT         REFERENCES documents (id),
    created_at           TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_images_patient
    ON images (patient_id);

CREATE INDEX IF NOT EXISTS idx_images_embedding
    ON images USING hnsw (embedding vector_cosine_ops);
`, dimensions)
}

// ─────────────────────────────────────────────────────────────────────────────
// DDL — knowledge graph (entities + relationships)
// ─────────────────────────────────────────────────────────────────────────────

const ddlGraph = `
CREATE TABLE IF NOT EXISTS entities (
    id                  BIGSERIAL         PRIMARY KEY,
    text                TEXT              NOT NULL,
    type                TEXT              NOT NULL,
    confidence          DOUBLE PRECISION  NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
    source_document_id  TEXT              NOT NULL REFERENCES documents (id) ON DELETE CASCADE,
    created_at          TIMESTAMPTZ       NOT NULL DEFAULT now(),
    UNIQUE (source_document_id, text, type)
);

CREATE INDEX IF NOT EXISTS idx_entities_text ON entities (lower(text));
CREATE INDEX IF NOT EXISTS idx_entities_type ON entities (type);
CREATE INDEX IF NOT EXISTS idx_entities_document ON entities (source_document_id);
CREATE INDEX IF NOT EXISTS idx_entities_created ON entities (created_at);

CREATE TABLE IF NOT EXISTS relationships (
    id                  BIGSERIAL         PRIMARY KEY,
    source_entity_id    BIGINT            NOT NULL REFERENCES entities (id) ON DELETE CASCADE,
    target_entity_id    BIGINT            NOT NULL REFERENCES entities (id) ON DELETE CASCADE,
    kind                TEXT              NOT NULL,
    confidence          DOUBLE PRECISION  NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
    source_document_id  TEXT              NOT NULL REFERENCES documents (id) ON DELETE CASCADE,
    created_at          TIMESTAMPTZ       NOT NULL DEFAULT now(),
    UNIQUE (source_entity_id, target_entity_id, kind)
);

CREATE INDEX IF NOT EXISTS idx_rel_source ON relationships (source_entity_id);
CREATE INDEX IF NOT EXISTS idx_rel_target ON relationships (target_entity_id);
CREATE INDEX IF NOT EXISTS idx_rel_kind ON relationships (kind);
CREATE INDEX IF NOT EXISTS idx_rel_document ON relationships (source_document_id);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — semantic memory
// ─────────────────────────────────────────────────────────────────────────────

// ddlMemories returns the memory-table DDL with the embedding dimension baked
// into the vector column type. The memory store (pkg/memory/postgres) shares
// this schema through [Migrate].
func ddlMemories(dimensions int) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS memories (
    id            TEXT         PRIMARY KEY,
    kind          TEXT         NOT NULL,
    text          TEXT         NOT NULL,
    embedding     vector(%d)   NOT NULL,
    metadata      JSONB        NOT NULL DEFAULT '{}',
    use_count     BIGINT       NOT NULL DEFAULT 0 CHECK (use_count >= 0),
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_used_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_memories_kind ON memories (kind);
CREATE INDEX IF NOT EXISTS idx_memories_use_count ON memories (use_count DESC, updated_at DESC);

CREATE INDEX IF NOT EXISTS idx_memories_embedding
    ON memories USING hnsw (embedding vector_cosine_ops);
`, dimensions)
}

// Migrate creates or ensures all required tables and indexes exist. It is
// idempotent (CREATE … IF NOT EXISTS throughout) and safe to call on every
// application start; it errors only on permission or connectivity failures.
//
// dimensions must match the embedding model configured for the deployment.
// Changing it after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dimensions int) error {
	statements := []string{
		ddlCorpus(dimensions),
		ddlGraph,
		ddlMemories(dimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return classify(err, "migrate")
		}
	}
	return nil
}
