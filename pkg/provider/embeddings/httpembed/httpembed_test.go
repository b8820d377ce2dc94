package httpembed_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/openclinic/medrag/pkg/fault"
	"github.com/openclinic/medrag/pkg/provider/embeddings/httpembed"
)

const testDim = 4

// vecFor returns a deterministic non-zero test vector seeded by i.
func vecFor(i int) []float32 {
	return []float32{float32(i) + 0.1, 0.2, 0.3, 0.4}
}

// mockEmbedServer serves /v1/embeddings, returning one vecFor vector per
// input, and verifies the request model.
func mockEmbedServer(t *testing.T, wantModel string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("unexpected path: got %q, want /v1/embeddings", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: got %q, want POST", r.Method)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Model != wantModel {
			t.Errorf("model: got %q, want %q", req.Model, wantModel)
		}

		data := make([]map[string]any, len(req.Input))
		for i := range req.Input {
			data[i] = map[string]any{"index": i, "embedding": vecFor(i)}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{"data": data}); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
}

// TestNew_Validation verifies that missing constructor arguments are rejected
// as InvalidInput faults.
func TestNew_Validation(t *testing.T) {
	cases := []struct {
		name           string
		baseURL, model string
		dimensions     int
	}{
		{"empty base URL", "", "clip", testDim},
		{"empty model", "http://localhost:7997", "", testDim},
		{"zero dimensions", "http://localhost:7997", "clip", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := httpembed.New(tc.baseURL, tc.model, tc.dimensions)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if kind := fault.KindOf(err); kind != fault.InvalidInput {
				t.Errorf("kind: got %v, want %v", kind, fault.InvalidInput)
			}
		})
	}
}

// TestEmbedTexts verifies ordering and dimension validation of a batch call.
func TestEmbedTexts(t *testing.T) {
	srv := mockEmbedServer(t, "jina-clip-v2")
	defer srv.Close()

	p, err := httpembed.New(srv.URL, "jina-clip-v2", testDim)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	texts := []string{"chest pain", "shortness of breath", "fever"}
	got, err := p.EmbedTexts(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedTexts: %v", err)
	}
	if len(got) != len(texts) {
		t.Fatalf("vectors: got %d, want %d", len(got), len(texts))
	}
	for i := range texts {
		want := vecFor(i)
		for j := range want {
			if got[i][j] != want[j] {
				t.Fatalf("vec[%d][%d]: got %v, want %v", i, j, got[i][j], want[j])
			}
		}
	}
}

// TestEmbedTexts_Empty verifies that an empty input issues no request.
func TestEmbedTexts_Empty(t *testing.T) {
	p, err := httpembed.New("http://127.0.0.1:1", "clip", testDim)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := p.EmbedTexts(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedTexts: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil result, got %v", got)
	}
}

// TestEmbedImage verifies that image bytes are sent base64-encoded.
func TestEmbedImage(t *testing.T) {
	raw := []byte{0x89, 0x50, 0x4e, 0x47}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Input) != 1 {
			t.Errorf("inputs: got %d, want 1", len(req.Input))
		} else if want := base64.StdEncoding.EncodeToString(raw); req.Input[0] != want {
			t.Errorf("input: got %q, want %q", req.Input[0], want)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": vecFor(0)}},
		})
	}))
	defer srv.Close()

	p, err := httpembed.New(srv.URL, "jina-clip-v2", testDim)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	vec, err := p.EmbedImage(context.Background(), raw)
	if err != nil {
		t.Fatalf("EmbedImage: %v", err)
	}
	if len(vec) != testDim {
		t.Errorf("dimension: got %d, want %d", len(vec), testDim)
	}
}

// TestEmbedTexts_RetriesTransient verifies that 5xx responses are retried and
// a later success is returned to the caller.
func TestEmbedTexts_RetriesTransient(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": vecFor(0)}},
		})
	}))
	defer srv.Close()

	p, err := httpembed.New(srv.URL, "clip", testDim)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	httpembed.DisableBackoffForTest(p)

	got, err := p.EmbedTexts(context.Background(), []string{"fever"})
	if err != nil {
		t.Fatalf("EmbedTexts: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("vectors: got %d, want 1", len(got))
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("server calls: got %d, want 3", n)
	}
}

// TestEmbedTexts_ExhaustsRetries verifies that a persistently failing server
// yields an EmbeddingUnavailable fault after the attempt budget.
func TestEmbedTexts_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "overloaded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p, err := httpembed.New(srv.URL, "clip", testDim)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	httpembed.DisableBackoffForTest(p)

	_, err = p.EmbedTexts(context.Background(), []string{"fever"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if kind := fault.KindOf(err); kind != fault.EmbeddingUnavailable {
		t.Errorf("kind: got %v, want %v", kind, fault.EmbeddingUnavailable)
	}
	if n := calls.Load(); n != 4 {
		t.Errorf("server calls: got %d, want 4", n)
	}
}

// TestEmbedTexts_NoRetryOnClientError verifies that a 4xx other than 429 is
// not retried.
func TestEmbedTexts_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown model", http.StatusBadRequest)
	}))
	defer srv.Close()

	p, err := httpembed.New(srv.URL, "clip", testDim)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = p.EmbedTexts(context.Background(), []string{"fever"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("server calls: got %d, want 1", n)
	}
}

// TestEmbedTexts_ZeroVector verifies that an all-zero vector from the server
// is rejected as a MockEmbedding fault.
func TestEmbedTexts_ZeroVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": make([]float32, testDim)}},
		})
	}))
	defer srv.Close()

	p, err := httpembed.New(srv.URL, "clip", testDim)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.EmbedTexts(context.Background(), []string{"fever"})
	if kind := fault.KindOf(err); kind != fault.MockEmbedding {
		t.Errorf("kind: got %v, want %v (err: %v)", kind, fault.MockEmbedding, err)
	}
}
