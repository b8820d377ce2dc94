package resilience

import (
	"context"
	"errors"

	"github.com/openclinic/medrag/pkg/fault"
	"github.com/openclinic/medrag/pkg/provider/embeddings"
)

var _ embeddings.Provider = (*GuardedEmbedder)(nil)

// GuardedEmbedder wraps an embedding provider with a [Breaker]. Once the
// upstream has failed repeatedly, calls return an EmbeddingUnavailable fault
// immediately instead of waiting out another round of timeouts.
type GuardedEmbedder struct {
	inner   embeddings.Provider
	breaker *Breaker
}

// NewGuardedEmbedder wraps inner. An empty cfg.Name defaults to the
// provider's model id.
func NewGuardedEmbedder(inner embeddings.Provider, cfg Config) *GuardedEmbedder {
	if cfg.Name == "" {
		cfg.Name = inner.ModelID()
	}
	return &GuardedEmbedder{inner: inner, breaker: NewBreaker(cfg)}
}

// EmbedTexts delegates through the breaker.
func (g *GuardedEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	var vecs [][]float32
	err := g.breaker.Execute(func() error {
		var inner error
		vecs, inner = g.inner.EmbedTexts(ctx, texts)
		return inner
	})
	if err != nil {
		return nil, g.classify(err)
	}
	return vecs, nil
}

// EmbedImage delegates through the breaker.
func (g *GuardedEmbedder) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	var vec []float32
	err := g.breaker.Execute(func() error {
		var inner error
		vec, inner = g.inner.EmbedImage(ctx, image)
		return inner
	})
	if err != nil {
		return nil, g.classify(err)
	}
	return vec, nil
}

// Dimensions reports the wrapped provider's vector width.
func (g *GuardedEmbedder) Dimensions() int { return g.inner.Dimensions() }

// ModelID reports the wrapped provider's model identifier.
func (g *GuardedEmbedder) ModelID() string { return g.inner.ModelID() }

// State exposes the breaker state for health reporting.
func (g *GuardedEmbedder) State() State { return g.breaker.State() }

// classify turns a rejected call into an EmbeddingUnavailable fault and
// passes provider errors through with their original kind.
func (g *GuardedEmbedder) classify(err error) error {
	if errors.Is(err, ErrOpen) {
		return fault.Wrap(fault.EmbeddingUnavailable, err, "embedding provider %s suspended", g.inner.ModelID())
	}
	return err
}
