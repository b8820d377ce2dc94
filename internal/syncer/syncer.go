// Package syncer drives knowledge-graph extraction over the document corpus.
//
// The engine is incremental: a derived watermark (the newest entity stamp in
// the graph, which the store records in the source clock domain from each
// document's source_last_modified) marks how far extraction has progressed,
// and a sync run only touches documents whose source timestamp is newer.
// Each document is replaced atomically in its own transaction, so two
// overlapping runs converge on the same graph, and a failed document whose
// source timestamp is past the watermark is retried on the next run.
package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openclinic/medrag/internal/extract"
	"github.com/openclinic/medrag/pkg/corpus"
	"github.com/openclinic/medrag/pkg/fault"
)

// DefaultBatchWindow is how many stale documents one batch fetches.
const DefaultBatchWindow = 100

// DefaultWorkers bounds concurrent per-document extraction.
const DefaultWorkers = 4

// Report summarises one engine run.
type Report struct {
	// Processed counts documents whose graph was replaced successfully.
	Processed int `json:"processed"`

	// Failed counts documents that errored; they stay stale and are retried
	// on the next run.
	Failed int `json:"failed"`

	// Watermark is the newest source_last_modified seen across the run.
	Watermark time.Time `json:"watermark"`
}

// Engine runs extraction batches against the corpus.
type Engine struct {
	documents corpus.DocumentStore
	graph     corpus.GraphStore
	extractor *extract.Extractor
	log       *slog.Logger

	batchWindow int
	workers     int
}

// Option configures an Engine.
type Option func(*Engine)

// WithBatchWindow overrides [DefaultBatchWindow].
func WithBatchWindow(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchWindow = n
		}
	}
}

// WithWorkers overrides [DefaultWorkers].
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithLogger sets the engine's logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// New wires an Engine over the document and graph stores.
func New(documents corpus.DocumentStore, graph corpus.GraphStore, extractor *extract.Extractor, opts ...Option) *Engine {
	e := &Engine{
		documents:   documents,
		graph:       graph,
		extractor:   extractor,
		log:         slog.Default(),
		batchWindow: DefaultBatchWindow,
		workers:     DefaultWorkers,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Build processes every document in the corpus regardless of the watermark.
func (e *Engine) Build(ctx context.Context) (*Report, error) {
	return e.run(ctx, time.Time{})
}

// Sync processes only documents whose source timestamp is newer than the
// extraction watermark.
func (e *Engine) Sync(ctx context.Context) (*Report, error) {
	watermark, err := e.graph.ExtractionWatermark(ctx)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, watermark)
}

// Stats reports graph totals.
func (e *Engine) Stats(ctx context.Context) (*corpus.GraphStats, error) {
	return e.graph.Stats(ctx)
}

// run walks stale documents in batches starting from the given cursor. The
// cursor advances to the newest source timestamp of each batch, so a run
// terminates even when documents keep failing: a failed document is not
// retried within the same run.
func (e *Engine) run(ctx context.Context, cursor time.Time) (*Report, error) {
	report := &Report{Watermark: cursor}

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		batch, err := e.documents.StaleDocuments(ctx, cursor, e.batchWindow)
		if err != nil {
			return report, err
		}
		if len(batch) == 0 {
			break
		}

		processed, failed := e.processBatch(ctx, batch)
		report.Processed += processed
		report.Failed += failed

		// StaleDocuments returns oldest first; the last document carries the
		// newest source timestamp.
		cursor = batch[len(batch)-1].SourceLastModified
		report.Watermark = cursor

		e.log.Info("extraction batch done",
			"processed", processed,
			"failed", failed,
			"watermark", cursor)

		if len(batch) < e.batchWindow {
			break
		}
	}
	return report, nil
}

// processBatch extracts the batch with bounded concurrency. Document
// failures are logged and counted, never propagated, so one bad note cannot
// stall the rest of the corpus.
func (e *Engine) processBatch(ctx context.Context, batch []corpus.Document) (processed, failed int) {
	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.workers)

	for _, doc := range batch {
		eg.Go(func() error {
			err := e.processDocument(egCtx, doc)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				e.log.Error("document extraction failed",
					"document_id", doc.ID,
					"kind", fault.KindOf(err),
					"error", err)
				return nil
			}
			processed++
			return nil
		})
	}
	// Workers never return errors; Wait only flushes them.
	_ = eg.Wait()
	return processed, failed
}

// processDocument extracts one note and atomically replaces its graph rows.
func (e *Engine) processDocument(ctx context.Context, doc corpus.Document) error {
	res := e.extractor.Extract(doc.DecodedText)

	entities := make([]corpus.Entity, len(res.Entities))
	for i, c := range res.Entities {
		entities[i] = corpus.Entity{
			Text:             c.Text,
			Type:             c.Type,
			Confidence:       c.Confidence,
			SourceDocumentID: doc.ID,
		}
	}

	relationships := make([]corpus.Relationship, len(res.Edges))
	for i, edge := range res.Edges {
		relationships[i] = corpus.Relationship{
			// Positional references into the entities slice; the store maps
			// them to surrogate ids inside the replace transaction.
			SourceEntityID:   int64(edge.Source),
			TargetEntityID:   int64(edge.Target),
			Kind:             edge.Kind,
			Confidence:       edge.Confidence,
			SourceDocumentID: doc.ID,
		}
	}

	return e.graph.ReplaceDocumentGraph(ctx, doc.ID, entities, relationships)
}
