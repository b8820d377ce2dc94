// Package httpembed provides an embeddings provider for self-hosted joint
// text/image embedding servers that speak the OpenAI /v1/embeddings wire
// format (for example an infinity or TEI deployment serving a CLIP-family
// model).
//
// Unlike the SDK-backed openai provider, this client supports image inputs:
// raw image bytes are sent base64-encoded in the same request field the
// server accepts text in, which is how joint-space servers distinguish the
// modalities.
//
// Transient failures (HTTP 429 and 5xx, connection errors) are retried with
// exponential backoff and jitter before the call is reported as an
// EmbeddingUnavailable fault.
//
// Example usage:
//
//	p, err := httpembed.New("http://localhost:7997", "jina-clip-v2", 1024)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	vecs, err := p.EmbedTexts(ctx, []string{"chest pain radiating to left arm"})
package httpembed

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/openclinic/medrag/pkg/fault"
	"github.com/openclinic/medrag/pkg/provider/embeddings"
)

// DefaultTimeout bounds a single embedding request including retries' network
// time. Individual attempts inherit the caller's context as well.
const DefaultTimeout = 10 * time.Second

// Retry policy for transient failures.
const (
	maxAttempts    = 4
	backoffBase    = 500 * time.Millisecond
	backoffFactor  = 2
	jitterFraction = 0.25
)

// Ensure Provider implements the embeddings.Provider interface at compile time.
var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider against an OpenAI-compatible
// /v1/embeddings endpoint over plain HTTP.
//
// Provider is safe for concurrent use.
type Provider struct {
	baseURL    string
	model      string
	dimensions int
	httpClient *http.Client

	// sleep is replaceable in tests so retry backoff does not slow them down.
	sleep func(ctx context.Context, d time.Duration) error
}

// config holds optional configuration collected from functional options.
type config struct {
	timeout    time.Duration
	httpClient *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithTimeout sets a per-request timeout on the underlying HTTP client.
// Defaults to [DefaultTimeout]; a negative value disables the timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithHTTPClient replaces the HTTP client entirely. WithTimeout is ignored
// when this option is used.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.httpClient = hc
	}
}

// New constructs a Provider for the embedding server at baseURL.
//
// model is sent in every request and recorded as the ModelID. dimensions must
// match the model's output length; every returned vector is validated
// against it.
func New(baseURL, model string, dimensions int, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, fault.New(fault.InvalidInput, "httpembed: base URL must not be empty")
	}
	if model == "" {
		return nil, fault.New(fault.InvalidInput, "httpembed: model must not be empty")
	}
	if dimensions <= 0 {
		return nil, fault.New(fault.InvalidInput, "httpembed: dimensions must be positive, got %d", dimensions)
	}

	cfg := &config{timeout: DefaultTimeout}
	for _, o := range opts {
		o(cfg)
	}

	hc := cfg.httpClient
	if hc == nil {
		hc = &http.Client{}
		if cfg.timeout > 0 {
			hc.Timeout = cfg.timeout
		}
	}

	return &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		dimensions: dimensions,
		httpClient: hc,
		sleep:      sleepCtx,
	}, nil
}

// embedRequest is the JSON request body for POST /v1/embeddings.
type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embedResponse is the JSON response body of /v1/embeddings. Only the fields
// this client consumes are declared.
type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// EmbedTexts implements embeddings.Provider. All texts are sent in a single
// request; callers wanting smaller requests wrap the provider in an
// [embeddings.Batcher].
func (p *Provider) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := p.callEmbed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if err := embeddings.ValidateAll(vecs, len(texts), p.dimensions); err != nil {
		return nil, err
	}
	return vecs, nil
}

// EmbedImage implements embeddings.Provider. The image bytes are base64
// encoded and sent as a single input; the server is expected to detect the
// encoding and route it through the vision tower of the joint model.
func (p *Provider) EmbedImage(ctx context.Context, data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, fault.New(fault.InvalidInput, "httpembed: image data must not be empty")
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	vecs, err := p.callEmbed(ctx, []string{encoded})
	if err != nil {
		return nil, err
	}
	if err := embeddings.ValidateAll(vecs, 1, p.dimensions); err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.dimensions }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return p.model }

// callEmbed sends POST /v1/embeddings, retrying transient failures, and
// returns the vectors reordered by the response index field.
func (p *Provider) callEmbed(ctx context.Context, inputs []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: p.model, Input: inputs})
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "httpembed: marshal request")
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := p.sleep(ctx, backoffDelay(attempt)); err != nil {
				return nil, err
			}
		}

		vecs, retryable, err := p.doAttempt(ctx, body, len(inputs))
		if err == nil {
			return vecs, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, fault.Wrap(fault.EmbeddingUnavailable, lastErr,
		"httpembed: embedding service failed after %d attempts", maxAttempts)
}

// doAttempt performs one HTTP round trip. The second return value reports
// whether the failure is worth retrying.
func (p *Provider) doAttempt(ctx context.Context, body []byte, want int) ([][]float32, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, false, fault.Wrap(fault.Internal, err, "httpembed: build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, true, fault.Wrap(fault.EmbeddingUnavailable, err, "httpembed: http")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// Fall through to decode.
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return nil, true, fault.New(fault.EmbeddingUnavailable, "httpembed: status %d", resp.StatusCode)
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, false, fault.New(fault.EmbeddingUnavailable,
			"httpembed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, true, fault.Wrap(fault.EmbeddingUnavailable, err, "httpembed: decode response")
	}
	if len(result.Data) != want {
		return nil, false, fault.New(fault.EmbeddingUnavailable,
			"httpembed: expected %d embeddings, got %d", want, len(result.Data))
	}

	vecs := make([][]float32, want)
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= want {
			return nil, false, fault.New(fault.EmbeddingUnavailable, "httpembed: unexpected index %d", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, false, nil
}

// backoffDelay returns the wait before the given retry attempt (attempt >= 1):
// base * factor^(attempt-1), jittered by ±25%.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= backoffFactor
	}
	jitter := 1 + jitterFraction*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}

// sleepCtx waits for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
