// Package search implements the retrieval primitives of the engine: vector
// search over documents and images, keyword search over decoded note text,
// graph-driven document lookup, and the hybrid composite that fans out to
// several primitives and fuses their rankings.
//
// Every primitive implements [Service] and is stateless; all state lives in
// the corpus store. Services are safe to invoke concurrently, which the
// hybrid composite relies on.
package search

import (
	"context"
	"strings"

	"github.com/openclinic/medrag/pkg/corpus"
	"github.com/openclinic/medrag/pkg/fault"
	"github.com/openclinic/medrag/pkg/provider/embeddings"
)

// Service is one retrieval primitive. Search returns at most k items ranked
// best first, with Rank starting at 1.
type Service interface {
	// Name identifies the service in warnings and per-source results.
	Name() string

	Search(ctx context.Context, query string, k int, filter corpus.SearchFilter) ([]corpus.RankedItem, error)
}

// Compile-time interface checks.
var (
	_ Service = (*VectorText)(nil)
	_ Service = (*VectorImage)(nil)
	_ Service = (*KeywordText)(nil)
	_ Service = (*Graph)(nil)
)

// validateQuery applies the checks shared by all services.
func validateQuery(name, query string, k int) error {
	if strings.TrimSpace(query) == "" {
		return fault.New(fault.InvalidInput, "%s: query must not be blank", name)
	}
	if k <= 0 {
		return fault.New(fault.InvalidInput, "%s: k must be positive, got %d", name, k)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Vector text search
// ─────────────────────────────────────────────────────────────────────────────

// VectorText ranks documents by cosine similarity between the embedded query
// and stored document embeddings.
type VectorText struct {
	docs     corpus.DocumentStore
	embedder embeddings.Provider
}

// NewVectorText wires a VectorText service.
func NewVectorText(docs corpus.DocumentStore, embedder embeddings.Provider) *VectorText {
	return &VectorText{docs: docs, embedder: embedder}
}

// Name implements [Service].
func (s *VectorText) Name() string { return "vector_text" }

// Search implements [Service].
func (s *VectorText) Search(ctx context.Context, query string, k int, filter corpus.SearchFilter) ([]corpus.RankedItem, error) {
	if err := validateQuery(s.Name(), query, k); err != nil {
		return nil, err
	}
	vec, err := embedOne(ctx, s.embedder, query)
	if err != nil {
		return nil, err
	}
	return s.docs.VectorTopK(ctx, vec, k, filter)
}

// ─────────────────────────────────────────────────────────────────────────────
// Vector image search
// ─────────────────────────────────────────────────────────────────────────────

// VectorImage ranks images by cosine similarity in the joint text/image
// embedding space. A text query is embedded through the text tower; raw image
// bytes go through [VectorImage.SearchBytes] instead.
type VectorImage struct {
	images   corpus.ImageStore
	embedder embeddings.Provider
}

// NewVectorImage wires a VectorImage service.
func NewVectorImage(images corpus.ImageStore, embedder embeddings.Provider) *VectorImage {
	return &VectorImage{images: images, embedder: embedder}
}

// Name implements [Service].
func (s *VectorImage) Name() string { return "vector_image" }

// Search implements [Service] for text queries against the image table.
func (s *VectorImage) Search(ctx context.Context, query string, k int, filter corpus.SearchFilter) ([]corpus.RankedItem, error) {
	if err := validateQuery(s.Name(), query, k); err != nil {
		return nil, err
	}
	vec, err := embedOne(ctx, s.embedder, query)
	if err != nil {
		return nil, err
	}
	return s.images.VectorTopK(ctx, vec, k, filter)
}

// SearchBytes ranks images by similarity to the given image bytes.
func (s *VectorImage) SearchBytes(ctx context.Context, data []byte, k int, filter corpus.SearchFilter) ([]corpus.RankedItem, error) {
	if len(data) == 0 {
		return nil, fault.New(fault.InvalidInput, "%s: image data must not be empty", s.Name())
	}
	if k <= 0 {
		return nil, fault.New(fault.InvalidInput, "%s: k must be positive, got %d", s.Name(), k)
	}
	vec, err := s.embedder.EmbedImage(ctx, data)
	if err != nil {
		return nil, err
	}
	if err := embeddings.Validate(vec, s.embedder.Dimensions()); err != nil {
		return nil, err
	}
	return s.images.VectorTopK(ctx, vec, k, filter)
}

// ─────────────────────────────────────────────────────────────────────────────
// Keyword text search
// ─────────────────────────────────────────────────────────────────────────────

// KeywordText ranks documents by how many lowercased query terms appear in
// the decoded note text. Matching runs against decoded text only; the
// hex-encoded source form is never searched.
type KeywordText struct {
	docs corpus.DocumentStore
}

// NewKeywordText wires a KeywordText service.
func NewKeywordText(docs corpus.DocumentStore) *KeywordText {
	return &KeywordText{docs: docs}
}

// Name implements [Service].
func (s *KeywordText) Name() string { return "keyword_text" }

// Search implements [Service].
func (s *KeywordText) Search(ctx context.Context, query string, k int, filter corpus.SearchFilter) ([]corpus.RankedItem, error) {
	if err := validateQuery(s.Name(), query, k); err != nil {
		return nil, err
	}
	terms := Tokenize(query)
	if len(terms) == 0 {
		return nil, fault.New(fault.InvalidInput, "%s: query has no searchable terms", s.Name())
	}
	return s.docs.KeywordTopK(ctx, terms, k, filter)
}

// Tokenize lowercases the query and splits it into deduplicated terms on any
// non-alphanumeric rune. Single-character fragments are dropped.
func Tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !isAlnum(r)
	})

	seen := map[string]bool{}
	terms := []string{}
	for _, f := range fields {
		if len(f) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}

func isAlnum(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= '0' && r <= '9'
}

// ─────────────────────────────────────────────────────────────────────────────
// Graph search
// ─────────────────────────────────────────────────────────────────────────────

// Graph ranks documents by the knowledge-graph entities they mention: query
// tokens are resolved to entities by case-insensitive substring match and
// documents are ordered by match count, then summed confidence.
type Graph struct {
	graph corpus.GraphStore
}

// NewGraph wires a Graph service.
func NewGraph(graph corpus.GraphStore) *Graph {
	return &Graph{graph: graph}
}

// Name implements [Service].
func (s *Graph) Name() string { return "graph" }

// Search implements [Service].
func (s *Graph) Search(ctx context.Context, query string, k int, filter corpus.SearchFilter) ([]corpus.RankedItem, error) {
	if err := validateQuery(s.Name(), query, k); err != nil {
		return nil, err
	}
	terms := Tokenize(query)
	if len(terms) == 0 {
		return nil, fault.New(fault.InvalidInput, "%s: query has no searchable terms", s.Name())
	}

	ranks, err := s.graph.DocumentsByEntities(ctx, terms, k)
	if err != nil {
		return nil, err
	}

	items := make([]corpus.RankedItem, len(ranks))
	for i, r := range ranks {
		items[i] = corpus.RankedItem{
			ID:    r.DocumentID,
			Rank:  i + 1,
			Score: float64(r.EntityMatches),
		}
	}
	return items, nil
}

// embedOne embeds a single text and validates the vector.
func embedOne(ctx context.Context, embedder embeddings.Provider, text string) ([]float32, error) {
	vecs, err := embedder.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if err := embeddings.ValidateAll(vecs, 1, embedder.Dimensions()); err != nil {
		return nil, err
	}
	return vecs[0], nil
}
