package search

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/openclinic/medrag/pkg/corpus"
	"github.com/openclinic/medrag/pkg/fault"
)

// FusedResult is the outcome of a hybrid search.
type FusedResult struct {
	// Items is the RRF-fused ranking across all services that succeeded.
	Items []corpus.RankedItem `json:"items"`

	// PerSource holds each succeeding service's own ranking.
	PerSource map[string][]corpus.RankedItem `json:"per_source"`

	// Warnings lists services that failed, one entry per failure. A
	// non-empty value means the result is degraded but usable.
	Warnings []string `json:"warnings,omitempty"`
}

// Hybrid fans a query out to several search services concurrently and fuses
// their rankings. Service failures degrade the result instead of failing it,
// as long as at least one service succeeds.
type Hybrid struct {
	services []Service
	rrfK     int
	log      *slog.Logger
}

// NewHybrid composes the given services. rrfK falls back to [DefaultRRFK]
// when non-positive; a nil logger falls back to slog.Default.
func NewHybrid(rrfK int, log *slog.Logger, services ...Service) *Hybrid {
	if rrfK <= 0 {
		rrfK = DefaultRRFK
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hybrid{services: services, rrfK: rrfK, log: log}
}

// Search runs every configured service in parallel and fuses their output.
//
// All services share the caller's context, so cancelling it aborts the whole
// fan-out. A single failing service does not cancel its siblings: its error
// becomes a warning and the remaining rankings are fused. Only when every
// service fails does Search return an error.
func (h *Hybrid) Search(ctx context.Context, query string, k int, filter corpus.SearchFilter) (*FusedResult, error) {
	if len(h.services) == 0 {
		return nil, fault.New(fault.InvalidInput, "hybrid search: no services selected")
	}

	type outcome struct {
		items []corpus.RankedItem
		err   error
	}
	outcomes := make([]outcome, len(h.services))

	var wg sync.WaitGroup
	for i, svc := range h.services {
		wg.Add(1)
		go func() {
			defer wg.Done()
			items, err := svc.Search(ctx, query, k, filter)
			outcomes[i] = outcome{items: items, err: err}
		}()
	}
	wg.Wait()

	result := &FusedResult{PerSource: map[string][]corpus.RankedItem{}}
	lists := [][]corpus.RankedItem{}
	var firstErr error
	for i, svc := range h.services {
		o := outcomes[i]
		if o.err != nil {
			if firstErr == nil {
				firstErr = o.err
			}
			h.log.Warn("hybrid search service failed",
				"service", svc.Name(),
				"kind", fault.KindOf(o.err),
				"error", o.err)
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("%s: %v", svc.Name(), o.err))
			continue
		}
		result.PerSource[svc.Name()] = o.items
		lists = append(lists, o.items)
	}

	// With every service down there is nothing to degrade to; surface the
	// first failure with its original kind.
	if len(lists) == 0 {
		return nil, firstErr
	}

	result.Items = FuseRRF(lists, h.rrfK, k)
	return result, nil
}
