// Package embeddings defines the embedding provider abstraction used by the
// search services, the sync engine, and the memory store.
//
// A Provider turns text (or image bytes) into fixed-dimension float32
// vectors by calling an external embedding service. Implementations live in
// sub-packages:
//
//   - openai: text embeddings through the OpenAI Go SDK against any
//     /v1/embeddings-compatible endpoint.
//   - httpembed: a plain net/http JSON client for joint text/image embedding
//     servers, with retry and backoff built in.
//   - mock: deterministic vectors for tests.
//
// [Batcher] wraps any Provider with input batching and a global in-flight
// concurrency cap.
//
// Every implementation must be safe for concurrent use and must honour
// context cancellation on all network calls.
package embeddings

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/openclinic/medrag/pkg/fault"
)

// Provider computes embeddings via an external model service.
type Provider interface {
	// EmbedTexts returns one vector per input text, ordered identically.
	// An empty input returns (nil, nil) without a network call.
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedImage returns the joint-space vector for raw image bytes.
	// Providers without image support return an InvalidInput fault.
	EmbedImage(ctx context.Context, data []byte) ([]float32, error)

	// Dimensions returns the fixed vector length this provider produces.
	Dimensions() int

	// ModelID returns the model tag recorded with every stored vector.
	ModelID() string
}

// Validate checks that vec has the expected dimension and a non-zero
// magnitude. Embedding services under test harnesses have been observed to
// return all-zero vectors; writing those would poison every cosine ranking,
// so a zero vector is rejected as a MockEmbedding fault and the caller must
// not store it.
func Validate(vec []float32, dimensions int) error {
	if len(vec) != dimensions {
		return fault.New(fault.InvalidInput,
			"embeddings: got vector of dimension %d, want %d", len(vec), dimensions)
	}
	for _, v := range vec {
		if v != 0 {
			return nil
		}
	}
	return fault.New(fault.MockEmbedding, "embeddings: vector has zero magnitude")
}

// ValidateAll applies [Validate] to every vector and additionally checks the
// response count against the request count.
func ValidateAll(vecs [][]float32, want int, dimensions int) error {
	if len(vecs) != want {
		return fault.New(fault.EmbeddingUnavailable,
			"embeddings: expected %d vectors, got %d", want, len(vecs))
	}
	for _, vec := range vecs {
		if err := Validate(vec, dimensions); err != nil {
			return err
		}
	}
	return nil
}

// DefaultBatchSize is the per-request input cap applied when Batcher.New is
// given a non-positive batch size.
const DefaultBatchSize = 32

// DefaultMaxConcurrency is the global in-flight request cap applied when
// Batcher.New is given a non-positive concurrency.
const DefaultMaxConcurrency = 8

// Batcher wraps a Provider with input batching and a global concurrency
// limit. Batches of one logical call run in parallel, but no more than the
// configured number of requests are ever in flight across all callers;
// excess batches queue on the semaphore.
type Batcher struct {
	provider  Provider
	batchSize int
	inflight  *semaphore.Weighted
}

// Compile-time check: a Batcher is itself a Provider.
var _ Provider = (*Batcher)(nil)

// NewBatcher wraps provider. batchSize and maxConcurrency fall back to the
// package defaults when non-positive.
func NewBatcher(provider Provider, batchSize, maxConcurrency int) *Batcher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	return &Batcher{
		provider:  provider,
		batchSize: batchSize,
		inflight:  semaphore.NewWeighted(int64(maxConcurrency)),
	}
}

// EmbedTexts implements [Provider]. Inputs are split into batches of the
// configured size; batches run concurrently under the global in-flight cap
// and results are reassembled in input order.
func (b *Batcher) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	eg, egCtx := errgroup.WithContext(ctx)

	for start := 0; start < len(texts); start += b.batchSize {
		end := min(start+b.batchSize, len(texts))
		eg.Go(func() error {
			if err := b.inflight.Acquire(egCtx, 1); err != nil {
				return err
			}
			defer b.inflight.Release(1)

			vecs, err := b.provider.EmbedTexts(egCtx, texts[start:end])
			if err != nil {
				return err
			}
			if len(vecs) != end-start {
				return fault.New(fault.EmbeddingUnavailable,
					"embeddings: batch returned %d vectors, want %d", len(vecs), end-start)
			}
			copy(out[start:end], vecs)
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// EmbedImage implements [Provider] under the same in-flight cap.
func (b *Batcher) EmbedImage(ctx context.Context, data []byte) ([]float32, error) {
	if err := b.inflight.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer b.inflight.Release(1)
	return b.provider.EmbedImage(ctx, data)
}

// Dimensions implements [Provider].
func (b *Batcher) Dimensions() int { return b.provider.Dimensions() }

// ModelID implements [Provider].
func (b *Batcher) ModelID() string { return b.provider.ModelID() }
