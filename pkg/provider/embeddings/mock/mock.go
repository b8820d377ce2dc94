// Package mock provides a deterministic in-process embeddings provider for
// tests. Vectors are derived from a hash of the input so equal inputs embed
// identically across runs without any network dependency.
package mock

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"

	"github.com/openclinic/medrag/pkg/provider/embeddings"
)

// Ensure Provider implements the embeddings.Provider interface.
var _ embeddings.Provider = (*Provider)(nil)

// Provider is a deterministic test double for embeddings.Provider.
type Provider struct {
	dimensions int

	mu    sync.Mutex
	calls int
	fail  error
}

// New returns a mock provider producing vectors of the given dimension.
func New(dimensions int) *Provider {
	return &Provider{dimensions: dimensions}
}

// FailWith makes every subsequent call return err. Pass nil to clear.
func (p *Provider) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

// Calls reports how many embed calls were made.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// EmbedTexts implements embeddings.Provider.
func (p *Provider) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := p.record(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = p.vectorFor([]byte(text))
	}
	return out, nil
}

// EmbedImage implements embeddings.Provider.
func (p *Provider) EmbedImage(ctx context.Context, data []byte) ([]float32, error) {
	if err := p.record(); err != nil {
		return nil, err
	}
	return p.vectorFor(data), nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.dimensions }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return "mock-embed" }

func (p *Provider) record() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.fail
}

// vectorFor expands a content hash into a unit-norm vector. Similar inputs do
// not produce similar vectors; only equality is meaningful.
func (p *Provider) vectorFor(data []byte) []float32 {
	seed := sha256.Sum256(data)
	vec := make([]float32, p.dimensions)
	var norm float64
	for i := range vec {
		word := binary.BigEndian.Uint32(seed[(i*4)%28 : (i*4)%28+4])
		v := float32(word%2000)/1000 - 1 + 0.0005 // never exactly zero
		vec[i] = v
		norm += float64(v) * float64(v)
		// Rotate the seed so dimensions beyond the hash width still vary.
		seed = sha256.Sum256(seed[:])
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
