// Package health serves the liveness and readiness probes on the metrics
// listener.
//
// Liveness (/healthz) only proves the process can serve HTTP. Readiness
// (/readyz) runs the registered probes concurrently and reports one entry
// per probe, carrying the fault kind of any failure so an operator can tell
// an unreachable database (StoreUnavailable) from a missing migration
// (SchemaError) or a suspended embedding provider (EmbeddingUnavailable)
// without reading logs.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openclinic/medrag/internal/resilience"
	"github.com/openclinic/medrag/pkg/fault"
)

// probeTimeout bounds one /readyz evaluation across all probes.
const probeTimeout = 5 * time.Second

// Probe is one named readiness check. Run must respect ctx cancellation and
// return a fault-kinded error when the dependency is not ready.
type Probe struct {
	Name string
	Run  func(ctx context.Context) error
}

// Pinger is the connectivity slice of a pgx pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Database probes that the Postgres connection answers a ping.
func Database(p Pinger) Probe {
	return Probe{
		Name: "database",
		Run: func(ctx context.Context) error {
			if err := p.Ping(ctx); err != nil {
				return fault.Wrap(fault.StoreUnavailable, err, "health: database ping")
			}
			return nil
		},
	}
}

// Querier is the single-row query slice of a pgx pool.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// requiredTables are the migrated tables the Schema probe verifies.
var requiredTables = []string{"documents", "images", "entities", "relationships", "memories"}

// Schema probes that every migrated table exists, so a process pointed at an
// empty database turns not-ready instead of failing its first tool call.
func Schema(q Querier) Probe {
	return Probe{
		Name: "schema",
		Run: func(ctx context.Context) error {
			var missing []string
			for _, table := range requiredTables {
				var reg *string
				if err := q.QueryRow(ctx, `SELECT to_regclass($1)::text`, table).Scan(&reg); err != nil {
					return fault.Wrap(fault.StoreUnavailable, err, "health: schema probe")
				}
				if reg == nil {
					missing = append(missing, table)
				}
			}
			if len(missing) > 0 {
				return fault.New(fault.SchemaError,
					"health: missing tables %s (run with -mode init)", strings.Join(missing, ", "))
			}
			return nil
		},
	}
}

// Embedding reports not-ready while the provider's breaker is open.
// Half-open counts as ready: probe calls are being admitted again.
func Embedding(provider string, state func() resilience.State) Probe {
	return Probe{
		Name: "embedding",
		Run: func(context.Context) error {
			if state() == resilience.StateOpen {
				return fault.New(fault.EmbeddingUnavailable,
					"health: breaker for embedding provider %s is open", provider)
			}
			return nil
		},
	}
}

// ProbeResult is one entry of the readiness response body.
type ProbeResult struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error,omitempty"`
}

// readiness is the /readyz response body.
type readiness struct {
	Ready  bool          `json:"ready"`
	Probes []ProbeResult `json:"probes"`
}

// Handler serves /healthz and /readyz. The probe list is fixed at
// construction time; Handler is safe for concurrent use.
type Handler struct {
	probes []Probe
}

// New creates a [Handler] over the given probes.
func New(probes ...Probe) *Handler {
	return &Handler{probes: append([]Probe(nil), probes...)}
}

// Register mounts both endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("GET /readyz", h.readyz)
}

// healthz always answers 200: a process that can serve HTTP is alive.
func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"alive": true})
}

// readyz runs every probe concurrently under one shared deadline and answers
// 503 unless all pass.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	res := readiness{Ready: true, Probes: make([]ProbeResult, len(h.probes))}

	var wg sync.WaitGroup
	for i, p := range h.probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pr := ProbeResult{Name: p.Name, OK: true}
			if err := p.Run(ctx); err != nil {
				pr.OK = false
				pr.Kind = string(fault.KindOf(err))
				pr.Error = err.Error()
			}
			res.Probes[i] = pr
		}()
	}
	wg.Wait()

	status := http.StatusOK
	for _, pr := range res.Probes {
		if !pr.OK {
			res.Ready = false
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, res)
}

// writeJSON encodes v with the given status code, falling back to a
// plain-text 500 on encoding failure.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"ready":false}`, http.StatusInternalServerError)
	}
}
