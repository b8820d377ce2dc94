// Package memory defines the durable semantic memory used to bias the medrag
// tool server with prior agent corrections and preferences.
//
// A memory is a short piece of text with an embedding, identified by a hash
// of its content so the same correction remembered twice strengthens one
// record instead of duplicating it. Memories are recalled by vector
// similarity, and every similarity recall increments the memory's use count;
// browsing by usage (a blank query) is read-only.
//
// The interface is public so the tool server and the auto-recall middleware
// can be tested against in-memory stubs; the production implementation lives
// in the postgres sub-package.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/openclinic/medrag/pkg/fault"
)

// Kind classifies what a memory records.
type Kind string

const (
	// KindCorrection records that the agent was told a previous answer or
	// tool choice was wrong.
	KindCorrection Kind = "correction"

	// KindKnowledge records a standing fact the agent should keep using.
	KindKnowledge Kind = "knowledge"

	// KindPreference records how the user wants results presented.
	KindPreference Kind = "preference"

	// KindFeedback records free-form feedback that fits no other kind.
	KindFeedback Kind = "feedback"
)

// IsValid reports whether k is a recognised memory kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindCorrection, KindKnowledge, KindPreference, KindFeedback:
		return true
	}
	return false
}

// Memory is one stored record.
type Memory struct {
	// ID is the content hash computed by [ContentID].
	ID string `json:"id"`

	Kind Kind   `json:"kind"`
	Text string `json:"text"`

	// Metadata is an opaque map supplied by the agent at remember time.
	Metadata map[string]any `json:"metadata,omitempty"`

	// UseCount starts at 1 when the memory is first remembered and is
	// incremented by every repeat remember and every similarity recall that
	// returns this memory. It never decreases.
	UseCount int64 `json:"use_count"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Recalled pairs a memory with the similarity that retrieved it.
// Similarity is always a plain float64 by the time it leaves a store
// implementation, regardless of how the database reports it.
type Recalled struct {
	Memory     Memory  `json:"memory"`
	Similarity float64 `json:"similarity"`
}

// Stats summarises the memory store.
type Stats struct {
	Total    int64          `json:"total"`
	ByKind   map[Kind]int64 `json:"by_kind"`
	MostUsed []Memory       `json:"most_used"`
}

// DefaultMinSimilarity is the recall similarity floor applied when the caller
// does not override it.
const DefaultMinSimilarity = 0.5

// RecallOpts refines a [Store.Recall] call. The zero value asks for the
// store defaults.
type RecallOpts struct {
	// Kind restricts results to one memory kind. Empty matches all kinds.
	Kind Kind

	// MinSimilarity overrides [DefaultMinSimilarity] when positive.
	MinSimilarity float64
}

// Store is the semantic memory capability.
type Store interface {
	// Remember stores text under the given kind and returns the memory id.
	// A fresh memory starts at use count 1. When a memory with the same
	// content hash already exists, its use count is incremented and
	// updated_at refreshed instead of inserting a duplicate.
	Remember(ctx context.Context, kind Kind, text string, metadata map[string]any) (string, error)

	// Recall returns up to k memories relevant to query, most similar
	// first; each returned memory has its use count incremented and
	// last_used_at set before Recall returns. A blank query switches to
	// browse mode: the top k memories by (use_count desc, updated_at desc)
	// with similarity reported as 1.0 and no count changes.
	Recall(ctx context.Context, query string, k int, opts RecallOpts) ([]Recalled, error)

	// Stats returns totals by kind and the three most-used memories.
	Stats(ctx context.Context) (*Stats, error)

	// Delete removes the memory with the given id. Deleting an id that
	// does not exist returns a NotFound fault.
	Delete(ctx context.Context, id string) error
}

// ContentID computes the deterministic id of a memory from its kind and
// text. Metadata deliberately does not participate: the same correction with
// different annotations is still the same correction.
func ContentID(kind Kind, text string) string {
	h := sha256.Sum256([]byte(string(kind) + "\x00" + text))
	return hex.EncodeToString(h[:])
}

// ValidateNew checks the arguments of a Remember call.
func ValidateNew(kind Kind, text string) error {
	if !kind.IsValid() {
		return fault.New(fault.InvalidInput,
			"memory: unknown kind %q (valid: correction, knowledge, preference, feedback)", kind)
	}
	if strings.TrimSpace(text) == "" {
		return fault.New(fault.InvalidInput, "memory: text must not be blank")
	}
	return nil
}
