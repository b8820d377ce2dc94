package embeddings_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/openclinic/medrag/pkg/fault"
	"github.com/openclinic/medrag/pkg/provider/embeddings"
)

// countingProvider records the batch sizes it receives and tracks the peak
// number of concurrent calls.
type countingProvider struct {
	dim int

	mu         sync.Mutex
	batchSizes []int
	inflight   int
	peak       int
	err        error
}

func (c *countingProvider) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	c.mu.Lock()
	c.batchSizes = append(c.batchSizes, len(texts))
	c.inflight++
	if c.inflight > c.peak {
		c.peak = c.inflight
	}
	err := c.err
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inflight--
		c.mu.Unlock()
	}()

	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, c.dim)
		vec[0] = float32(len(text)) + 1
		out[i] = vec
	}
	return out, nil
}

func (c *countingProvider) EmbedImage(ctx context.Context, data []byte) ([]float32, error) {
	vec := make([]float32, c.dim)
	vec[0] = float32(len(data)) + 1
	return vec, nil
}

func (c *countingProvider) Dimensions() int { return c.dim }
func (c *countingProvider) ModelID() string { return "counting" }

// TestValidate covers the dimension check and the zero-magnitude rejection.
func TestValidate(t *testing.T) {
	if err := embeddings.Validate([]float32{0.1, 0.2}, 2); err != nil {
		t.Fatalf("valid vector rejected: %v", err)
	}

	err := embeddings.Validate([]float32{0.1}, 2)
	if kind := fault.KindOf(err); kind != fault.InvalidInput {
		t.Errorf("wrong dimension: kind got %v, want %v", kind, fault.InvalidInput)
	}

	err = embeddings.Validate(make([]float32, 2), 2)
	if kind := fault.KindOf(err); kind != fault.MockEmbedding {
		t.Errorf("zero vector: kind got %v, want %v", kind, fault.MockEmbedding)
	}
}

// TestBatcher_SplitsAndReorders verifies that inputs are split into batches
// of the configured size and results come back in input order.
func TestBatcher_SplitsAndReorders(t *testing.T) {
	inner := &countingProvider{dim: 4}
	b := embeddings.NewBatcher(inner, 2, 1)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	got, err := b.EmbedTexts(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedTexts: %v", err)
	}
	if len(got) != len(texts) {
		t.Fatalf("results: got %d, want %d", len(got), len(texts))
	}
	for i, text := range texts {
		if got[i][0] != float32(len(text))+1 {
			t.Errorf("result %d out of order: got %v", i, got[i][0])
		}
	}

	inner.mu.Lock()
	defer inner.mu.Unlock()
	if len(inner.batchSizes) != 3 {
		t.Errorf("batches: got %d, want 3 (%v)", len(inner.batchSizes), inner.batchSizes)
	}
}

// TestBatcher_ConcurrencyCap verifies that at most maxConcurrency batches are
// ever in flight.
func TestBatcher_ConcurrencyCap(t *testing.T) {
	inner := &countingProvider{dim: 4}
	b := embeddings.NewBatcher(inner, 1, 2)

	texts := make([]string, 16)
	for i := range texts {
		texts[i] = "x"
	}
	if _, err := b.EmbedTexts(context.Background(), texts); err != nil {
		t.Fatalf("EmbedTexts: %v", err)
	}

	inner.mu.Lock()
	defer inner.mu.Unlock()
	if inner.peak > 2 {
		t.Errorf("peak concurrency: got %d, want <= 2", inner.peak)
	}
}

// TestBatcher_PropagatesError verifies that a failing batch fails the whole
// call.
func TestBatcher_PropagatesError(t *testing.T) {
	wantErr := errors.New("backend down")
	inner := &countingProvider{dim: 4, err: wantErr}
	b := embeddings.NewBatcher(inner, 2, 2)

	_, err := b.EmbedTexts(context.Background(), []string{"a", "b", "c"})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped backend error, got %v", err)
	}
}

// TestBatcher_Empty verifies the no-input fast path.
func TestBatcher_Empty(t *testing.T) {
	inner := &countingProvider{dim: 4}
	b := embeddings.NewBatcher(inner, 2, 2)

	got, err := b.EmbedTexts(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedTexts: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %v", got)
	}
	if len(inner.batchSizes) != 0 {
		t.Errorf("expected no inner calls, got %d", len(inner.batchSizes))
	}
}
