package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"

	"github.com/openclinic/medrag/internal/resilience"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

// fakeRow satisfies pgx.Row for the schema probe's to_regclass scan.
type fakeRow struct {
	reg *string
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(**string)) = r.reg
	return nil
}

// fakeQuerier answers to_regclass lookups; tables in missing resolve to NULL.
type fakeQuerier struct {
	missing map[string]bool
	err     error
}

func (q fakeQuerier) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	if q.err != nil {
		return fakeRow{err: q.err}
	}
	table := args[0].(string)
	if q.missing[table] {
		return fakeRow{}
	}
	return fakeRow{reg: &table}
}

// openBreaker returns a tripped breaker.
func openBreaker(t *testing.T) *resilience.Breaker {
	t.Helper()
	b := resilience.NewBreaker(resilience.Config{
		MaxFailures: 1,
		Logger:      slog.New(slog.DiscardHandler),
	})
	if err := b.Execute(func() error { return errors.New("model server down") }); err == nil {
		t.Fatal("breaker did not record the failure")
	}
	return b
}

// getReadyz runs one /readyz request and decodes the response.
func getReadyz(t *testing.T, h *Handler) (int, readiness) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	var body readiness
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode readyz body: %v", err)
	}
	return rec.Code, body
}

// probeByName finds one probe result or fails the test.
func probeByName(t *testing.T, body readiness, name string) ProbeResult {
	t.Helper()
	for _, pr := range body.Probes {
		if pr.Name == name {
			return pr
		}
	}
	t.Fatalf("no %q probe in %+v", name, body.Probes)
	return ProbeResult{}
}

func TestHealthz_AlwaysOK(t *testing.T) {
	mux := http.NewServeMux()
	New(Database(fakePinger{err: errors.New("down")})).Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status: got %d, want 200", rec.Code)
	}
}

func TestReadyz_AllProbesPass(t *testing.T) {
	closed := resilience.NewBreaker(resilience.Config{Logger: slog.New(slog.DiscardHandler)})
	h := New(
		Database(fakePinger{}),
		Schema(fakeQuerier{}),
		Embedding("httpembed", closed.State),
	)

	code, body := getReadyz(t, h)
	if code != http.StatusOK || !body.Ready {
		t.Fatalf("readyz: code %d, body %+v", code, body)
	}
	if len(body.Probes) != 3 {
		t.Fatalf("probes: %+v", body.Probes)
	}
	for _, pr := range body.Probes {
		if !pr.OK || pr.Error != "" {
			t.Errorf("probe %s failed: %+v", pr.Name, pr)
		}
	}
}

func TestReadyz_DatabaseDown(t *testing.T) {
	h := New(
		Database(fakePinger{err: errors.New("connection refused")}),
		Schema(fakeQuerier{}),
	)

	code, body := getReadyz(t, h)
	if code != http.StatusServiceUnavailable || body.Ready {
		t.Fatalf("readyz: code %d, body %+v", code, body)
	}

	pr := probeByName(t, body, "database")
	if pr.OK || pr.Kind != "StoreUnavailable" {
		t.Errorf("database probe: %+v", pr)
	}
	if !strings.Contains(pr.Error, "connection refused") {
		t.Errorf("probe error: %q", pr.Error)
	}

	// The schema probe still reports independently.
	if pr := probeByName(t, body, "schema"); !pr.OK {
		t.Errorf("schema probe dragged down: %+v", pr)
	}
}

func TestReadyz_SchemaMissing(t *testing.T) {
	h := New(Schema(fakeQuerier{missing: map[string]bool{"entities": true, "memories": true}}))

	code, body := getReadyz(t, h)
	if code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status: got %d, want 503", code)
	}

	pr := probeByName(t, body, "schema")
	if pr.OK || pr.Kind != "SchemaError" {
		t.Errorf("schema probe: %+v", pr)
	}
	if !strings.Contains(pr.Error, "entities") || !strings.Contains(pr.Error, "memories") {
		t.Errorf("missing tables not named: %q", pr.Error)
	}
}

func TestReadyz_OpenBreakerNotReady(t *testing.T) {
	b := openBreaker(t)
	h := New(Embedding("httpembed", b.State))

	code, body := getReadyz(t, h)
	if code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status: got %d, want 503", code)
	}
	pr := probeByName(t, body, "embedding")
	if pr.OK || pr.Kind != "EmbeddingUnavailable" {
		t.Errorf("embedding probe: %+v", pr)
	}
	if !strings.Contains(pr.Error, "httpembed") {
		t.Errorf("provider not named: %q", pr.Error)
	}
}
