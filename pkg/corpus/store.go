package corpus

import (
	"context"
	"time"
)

// DocumentStore is the storage capability for clinical documents.
//
// Implementations must be safe for concurrent use and must return non-nil
// empty slices when nothing matches.
type DocumentStore interface {
	// InsertDocument stores a new document. The embedding is validated
	// against the configured dimension; a duplicate id is a Conflict.
	InsertDocument(ctx context.Context, doc Document) error

	// UpsertDocument stores doc, completely replacing any existing document
	// with the same ID.
	UpsertDocument(ctx context.Context, doc Document) error

	// GetDocument retrieves a document by id. Returns a NotFound fault when
	// the id does not exist.
	GetDocument(ctx context.Context, id string) (*Document, error)

	// VectorTopK returns the k documents whose embeddings are most cosine-
	// similar to queryVec, ordered by similarity descending with ties broken
	// by id ascending. Rank starts at 1.
	VectorTopK(ctx context.Context, queryVec []float32, k int, filter SearchFilter) ([]RankedItem, error)

	// KeywordTopK returns the k documents whose decoded text contains the
	// most of the lowercased terms. Score is the overlap count; ties are
	// broken by id ascending. Documents matching no term are omitted.
	KeywordTopK(ctx context.Context, terms []string, k int, filter SearchFilter) ([]RankedItem, error)

	// PatientTimeline returns all documents of a patient as timeline events
	// sorted ascending by timestamp.
	PatientTimeline(ctx context.Context, patientID string) ([]TimelineEvent, error)

	// StaleDocuments returns up to limit documents whose SourceLastModified
	// is strictly after watermark, oldest first. Embeddings are not loaded.
	StaleDocuments(ctx context.Context, watermark time.Time, limit int) ([]Document, error)
}

// ImageStore is the storage capability for medical images.
type ImageStore interface {
	// UpsertImage stores img, replacing any existing image with the same ID.
	// A non-empty RelatedDocumentID must resolve to a stored document.
	UpsertImage(ctx context.Context, img Image) error

	// GetImage retrieves an image by id. Returns a NotFound fault when the
	// id does not exist.
	GetImage(ctx context.Context, id string) (*Image, error)

	// VectorTopK returns the k images whose embeddings are most cosine-
	// similar to queryVec, ordered by similarity descending with ties broken
	// by id ascending.
	VectorTopK(ctx context.Context, queryVec []float32, k int, filter SearchFilter) ([]RankedItem, error)
}

// EntityMatch pairs an entity with the number of query tokens it matched.
type EntityMatch struct {
	Entity Entity

	// Matched lists the query substrings that matched this entity's text.
	Matched []string
}

// DocumentEntityRank scores a document by the graph entities it mentions.
type DocumentEntityRank struct {
	DocumentID    string
	EntityMatches int
	ConfidenceSum float64
}

// GraphStore is the storage capability for the knowledge graph.
type GraphStore interface {
	// EntitiesByText returns up to limit entities whose normalised text
	// contains any of the given substrings, case-insensitively. An empty
	// substring list matches nothing.
	EntitiesByText(ctx context.Context, substrings []string, limit int) ([]EntityMatch, error)

	// EntityNeighbors performs a breadth-first traversal from entityID up to
	// depth hops (depth must be 1, 2 or 3) and returns the deduplicated
	// subgraph including the start entity. Cycles are cut by a visited set.
	EntityNeighbors(ctx context.Context, entityID int64, depth int, limit int) (*Subgraph, error)

	// DocumentsByEntities returns documents mentioning any entity whose text
	// matches one of the substrings, ranked by (entity match count desc,
	// confidence sum desc, document id asc), capped at k.
	DocumentsByEntities(ctx context.Context, substrings []string, k int) ([]DocumentEntityRank, error)

	// ReplaceDocumentGraph atomically replaces the entities and
	// relationships extracted from one document: within a single
	// transaction, all prior rows for documentID are deleted and the fresh
	// set is inserted. Relationship endpoints are resolved positionally
	// against the entities slice via the SourceEntityID/TargetEntityID
	// indices.
	ReplaceDocumentGraph(ctx context.Context, documentID string, entities []Entity, relationships []Relationship) error

	// ExtractionWatermark returns the maximum created_at across all
	// entities, or the zero time for an empty graph.
	ExtractionWatermark(ctx context.Context) (time.Time, error)

	// Stats returns totals by entity type and relationship kind.
	Stats(ctx context.Context) (*GraphStats, error)
}

// Stores bundles the three storage capabilities the way the tool server's
// composition root consumes them. DocumentStore and ImageStore both define a
// VectorTopK method, so they are carried as separate fields rather than being
// embedded in a single aggregate interface.
type Stores struct {
	Documents DocumentStore
	Images    ImageStore
	Graph     GraphStore
}
