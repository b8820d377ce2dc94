// Package openai provides a text embeddings provider backed by the OpenAI Go
// SDK. Any /v1/embeddings-compatible endpoint works through WithBaseURL.
//
// The SDK path carries no image support; EmbedImage returns an InvalidInput
// fault. Deployments that need joint text/image embeddings use the httpembed
// provider instead.
package openai

import (
	"context"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/openclinic/medrag/pkg/fault"
	"github.com/openclinic/medrag/pkg/provider/embeddings"
)

// Ensure Provider implements the embeddings.Provider interface.
var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider using the OpenAI API.
type Provider struct {
	client     oai.Client
	model      string
	dimensions int
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL, pointing the SDK at
// any compatible embedding server.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs an OpenAI embeddings Provider. dimensions must match the
// model's output length; every returned vector is validated against it.
func New(apiKey, model string, dimensions int, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fault.New(fault.InvalidInput, "openai embeddings: model must not be empty")
	}
	if dimensions <= 0 {
		return nil, fault.New(fault.InvalidInput, "openai embeddings: dimensions must be positive, got %d", dimensions)
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model, dimensions: dimensions}, nil
}

// EmbedTexts implements embeddings.Provider.
func (p *Provider) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	})
	if err != nil {
		return nil, fault.Wrap(fault.EmbeddingUnavailable, err, "openai embeddings: embed")
	}
	if len(resp.Data) != len(texts) {
		return nil, fault.New(fault.EmbeddingUnavailable,
			"openai embeddings: expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	result := make([][]float32, len(texts))
	for _, e := range resp.Data {
		if int(e.Index) >= len(texts) {
			return nil, fault.New(fault.EmbeddingUnavailable, "openai embeddings: unexpected index %d", e.Index)
		}
		result[e.Index] = float64ToFloat32(e.Embedding)
	}
	if err := embeddings.ValidateAll(result, len(texts), p.dimensions); err != nil {
		return nil, err
	}
	return result, nil
}

// EmbedImage implements embeddings.Provider. The OpenAI embeddings API is
// text-only, so image inputs are rejected.
func (p *Provider) EmbedImage(ctx context.Context, data []byte) ([]float32, error) {
	return nil, fault.New(fault.InvalidInput,
		"openai embeddings: image inputs are not supported, configure the httpembed provider for image search")
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	return p.dimensions
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return p.model
}

// float64ToFloat32 converts a []float64 slice to []float32.
func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
