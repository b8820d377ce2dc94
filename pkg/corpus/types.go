// Package corpus defines the clinical data model and the storage capability
// interfaces of the medrag retrieval engine.
//
// The corpus consists of four entity families persisted in a vector-capable
// relational store:
//
//   - [Document]: a decoded clinical note with a text embedding.
//   - [Image]: a medical image with a joint-space embedding.
//   - [Entity] / [Relationship]: the knowledge graph extracted from
//     decoded notes.
//
// All interfaces are public so that search services, the sync engine, and the
// test suite can supply alternative backends (Postgres/pgvector, in-memory
// stubs) without depending on a concrete implementation.
//
// Every implementation must be safe for concurrent use.
package corpus

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/openclinic/medrag/pkg/fault"
)

// EntityType classifies a knowledge-graph entity.
type EntityType string

const (
	EntitySymptom    EntityType = "SYMPTOM"
	EntityCondition  EntityType = "CONDITION"
	EntityMedication EntityType = "MEDICATION"
	EntityProcedure  EntityType = "PROCEDURE"
	EntityBodyPart   EntityType = "BODY_PART"
	EntityTemporal   EntityType = "TEMPORAL"
)

// IsValid reports whether t is a recognised entity type.
func (t EntityType) IsValid() bool {
	switch t {
	case EntitySymptom, EntityCondition, EntityMedication,
		EntityProcedure, EntityBodyPart, EntityTemporal:
		return true
	}
	return false
}

// RelationshipKind is the semantic label of a knowledge-graph edge.
//
// Only [RelCoOccursWith] is produced by the lexical extractor today; the
// directed kinds are reserved for a future model-based extractor and are
// accepted by the store but never emitted.
type RelationshipKind string

const (
	// RelCoOccursWith links two entities appearing in the same note.
	// Undirected: edges are canonicalised so that SourceEntityID is the
	// smaller of the two ids.
	RelCoOccursWith RelationshipKind = "CO_OCCURS_WITH"

	RelTreats    RelationshipKind = "TREATS"
	RelCauses    RelationshipKind = "CAUSES"
	RelLocatedIn RelationshipKind = "LOCATED_IN"
	RelPrecedes  RelationshipKind = "PRECEDES"
)

// Directed reports whether k is a directed relationship kind.
func (k RelationshipKind) Directed() bool { return k != RelCoOccursWith }

// Document is a decoded clinical note together with its text embedding.
type Document struct {
	// ID is the stable external document identifier.
	ID string

	// PatientID identifies the patient this note belongs to.
	PatientID string

	// Type is the clinical document category (e.g. "discharge_summary").
	Type string

	// DecodedText is the plain UTF-8 note text. Source bundles carry notes
	// hex-encoded; ingestion decodes exactly once and no search path ever
	// sees the raw encoding.
	DecodedText string

	// SourceRef points back to the source bundle entry this note came from.
	SourceRef string

	// Embedding is the text embedding of DecodedText. Its length must equal
	// the configured embedding dimension.
	Embedding []float32

	// EmbeddingModelTag records which model produced Embedding, for
	// provenance and re-embedding decisions.
	EmbeddingModelTag string

	// SourceLastModified is the source bundle timestamp used by the sync
	// engine's watermark comparison.
	SourceLastModified time.Time

	CreatedAt time.Time
}

// Image is a medical image reference with its joint-space embedding.
type Image struct {
	ID           string
	PatientID    string
	StudyID      string
	ViewPosition string

	// StorageRef locates the image bytes (the store never holds pixels).
	StorageRef string

	// Embedding is the joint text/image-space embedding. Its length must
	// equal the configured embedding dimension.
	Embedding []float32

	EmbeddingModelTag string

	// RelatedDocumentID optionally links the image to the note describing
	// the same study. When set it must resolve to a stored document.
	RelatedDocumentID string

	CreatedAt time.Time
}

// Entity is a node of the knowledge graph, extracted from one decoded note.
// (SourceDocumentID, Text, Type) is unique.
type Entity struct {
	// ID is the surrogate integer id assigned by the store.
	ID int64

	// Text is the lowercase-normalised surface form.
	Text string

	Type EntityType

	// Confidence is the extraction confidence in [0, 1].
	Confidence float64

	// SourceDocumentID is the document this entity was extracted from.
	SourceDocumentID string

	CreatedAt time.Time
}

// Relationship is an edge of the knowledge graph.
type Relationship struct {
	ID             int64
	SourceEntityID int64
	TargetEntityID int64
	Kind           RelationshipKind
	Confidence     float64

	// SourceDocumentID is the document both endpoints were extracted from.
	SourceDocumentID string

	CreatedAt time.Time
}

// RankedItem pairs a result id with its rank (starting at 1) and the
// source-specific score that produced the rank. Similarity-style scores are
// always plain float64 by the time they leave a store implementation, even
// when the database returns numeric strings.
type RankedItem struct {
	ID    string  `json:"id"`
	Rank  int     `json:"rank"`
	Score float64 `json:"score"`
}

// SearchFilter restricts a document or image search.
// All non-zero fields are applied as AND conditions.
type SearchFilter struct {
	// PatientID restricts results to a single patient.
	PatientID string

	// DocumentType restricts results to a document category. Ignored for
	// image searches.
	DocumentType string
}

// GraphStats summarises the knowledge graph.
type GraphStats struct {
	TotalEntities       int64                      `json:"total_entities"`
	TotalRelationships  int64                      `json:"total_relationships"`
	EntitiesByType      map[EntityType]int64       `json:"entities_by_type"`
	RelationshipsByKind map[RelationshipKind]int64 `json:"relationships_by_kind"`
}

// TimelineEvent is one entry of a patient timeline, ordered ascending by
// timestamp.
type TimelineEvent struct {
	Timestamp    time.Time `json:"timestamp"`
	DocumentID   string    `json:"document_id"`
	DocumentType string    `json:"document_type"`
}

// Subgraph is a deduplicated slice of the knowledge graph returned by
// neighbourhood traversals.
type Subgraph struct {
	Entities      []Entity       `json:"entities"`
	Relationships []Relationship `json:"relationships"`
}

// DecodeSourceText converts the hex-encoded note payload of a source bundle
// into plain UTF-8. Ingestion must call this exactly once per note so that
// keyword search only ever scans decoded text.
func DecodeSourceText(hexText string) (string, error) {
	raw, err := hex.DecodeString(hexText)
	if err != nil {
		return "", fault.Wrap(fault.InvalidInput, err, "corpus: decode source text")
	}
	return string(raw), nil
}

// ValidateVector checks that vec has the expected dimension and a non-zero
// magnitude. It is applied on every write path so that neither a wrongly
// sized nor a mock (all-zero) embedding ever reaches the store.
func ValidateVector(vec []float32, dimension int) error {
	if len(vec) != dimension {
		return fault.New(fault.InvalidInput,
			"corpus: vector has dimension %d, store expects %d", len(vec), dimension)
	}
	for _, v := range vec {
		if v != 0 {
			return nil
		}
	}
	return fault.New(fault.MockEmbedding,
		"corpus: refusing zero-magnitude vector (mock embedding)")
}

// canonical orders an undirected edge's endpoints.
func canonical(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}

// Canonicalize normalises r for storage: undirected kinds are re-ordered so
// that SourceEntityID < TargetEntityID. Self-edges are rejected.
func (r Relationship) Canonicalize() (Relationship, error) {
	if r.SourceEntityID == r.TargetEntityID {
		return r, fault.New(fault.InvalidInput,
			"corpus: relationship %s links entity %d to itself", r.Kind, r.SourceEntityID)
	}
	if !r.Kind.Directed() {
		r.SourceEntityID, r.TargetEntityID = canonical(r.SourceEntityID, r.TargetEntityID)
	}
	return r, nil
}

// String implements fmt.Stringer for log output.
func (r Relationship) String() string {
	return fmt.Sprintf("%d-[%s]->%d", r.SourceEntityID, r.Kind, r.TargetEntityID)
}
