// Package toolserver exposes the retrieval, graph, memory, and visualization
// primitives as a typed tool catalog behind uniform request/response
// envelopes. It is the system's external contract: transports (the framed
// stream codec, the MCP adapter) only move envelopes, all semantics live
// here.
//
// A request moves through four stages: received, validated, recall-augmented
// (search-family tools get relevant memories attached), and dispatched to
// its handler. Handler failures become {ok:false, error:{kind,message}};
// degraded hybrid results stay ok:true with warnings.
package toolserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openclinic/medrag/internal/search"
	"github.com/openclinic/medrag/pkg/corpus"
	"github.com/openclinic/medrag/pkg/fault"
	"github.com/openclinic/medrag/pkg/memory"
	"github.com/openclinic/medrag/pkg/provider/embeddings"
)

// Limits applied when Config leaves them zero.
const (
	DefaultTopK  = 10
	DefaultMaxK  = 100
	AutoRecallK  = 3
	DefaultDepth = 1
)

// Config wires a Server.
type Config struct {
	Stores   corpus.Stores
	Memories memory.Store
	Embedder embeddings.Provider

	// DefaultTopK applies when a request omits top_k; MaxTopK caps it.
	DefaultTopK int
	MaxTopK     int

	// RRFK is the fusion constant for hybrid_search.
	RRFK int

	// RecallK is the number of memories auto-recall attaches to search
	// responses. Zero means [AutoRecallK].
	RecallK int

	// MinSimilarity overrides the memory store's recall floor when positive.
	MinSimilarity float64

	Logger *slog.Logger

	// Observer, when set, is notified about every dispatch.
	Observer Observer
}

// Observer receives dispatch telemetry. Implementations must be safe for
// concurrent use.
type Observer interface {
	ToolDispatched(ctx context.Context, tool string, duration time.Duration, err error)
}

// Server dispatches tool requests. All methods are safe for concurrent use.
type Server struct {
	docs     corpus.DocumentStore
	images   corpus.ImageStore
	graph    corpus.GraphStore
	memories memory.Store

	vectorText  *search.VectorText
	vectorImage *search.VectorImage
	keyword     *search.KeywordText
	graphSearch *search.Graph

	defaultTopK int
	maxTopK     int
	rrfK        int
	recallK     int
	minSim      float64

	log      *slog.Logger
	observer Observer
}

// New builds a Server from its dependencies.
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Stores.Documents == nil || cfg.Stores.Images == nil || cfg.Stores.Graph == nil:
		return nil, fault.New(fault.InvalidInput, "toolserver: all corpus stores are required")
	case cfg.Memories == nil:
		return nil, fault.New(fault.InvalidInput, "toolserver: memory store is required")
	case cfg.Embedder == nil:
		return nil, fault.New(fault.InvalidInput, "toolserver: embedder is required")
	}

	s := &Server{
		docs:        cfg.Stores.Documents,
		images:      cfg.Stores.Images,
		graph:       cfg.Stores.Graph,
		memories:    cfg.Memories,
		vectorText:  search.NewVectorText(cfg.Stores.Documents, cfg.Embedder),
		vectorImage: search.NewVectorImage(cfg.Stores.Images, cfg.Embedder),
		keyword:     search.NewKeywordText(cfg.Stores.Documents),
		graphSearch: search.NewGraph(cfg.Stores.Graph),
		defaultTopK: cfg.DefaultTopK,
		maxTopK:     cfg.MaxTopK,
		rrfK:        cfg.RRFK,
		recallK:     cfg.RecallK,
		minSim:      cfg.MinSimilarity,
		log:         cfg.Logger,
		observer:    cfg.Observer,
	}
	if s.defaultTopK <= 0 {
		s.defaultTopK = DefaultTopK
	}
	if s.maxTopK <= 0 {
		s.maxTopK = DefaultMaxK
	}
	if s.rrfK <= 0 {
		s.rrfK = search.DefaultRRFK
	}
	if s.recallK <= 0 {
		s.recallK = AutoRecallK
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s, nil
}

// Handle runs one request to completion and always produces a response, even
// for malformed input. The caller's context bounds the request; a request
// deadline tightens it further.
func (s *Server) Handle(ctx context.Context, req Request) Response {
	started := time.Now()

	handler, ok := handlers[req.ToolName]
	if !ok {
		return s.fail(req, fault.New(fault.InvalidInput, "unknown tool %q", req.ToolName))
	}

	if req.Deadline != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, *req.Deadline)
		defer cancel()
	}

	resp := Response{RequestID: req.RequestID}
	if searchFamily[req.ToolName] {
		resp.Context = s.autoRecall(ctx, req)
	}

	result, warnings, err := handler(ctx, s, req.Arguments)
	if s.observer != nil {
		s.observer.ToolDispatched(ctx, req.ToolName, time.Since(started), err)
	}
	if err != nil {
		failed := s.fail(req, err)
		failed.Context = resp.Context
		return failed
	}

	resp.OK = true
	resp.Result = result
	resp.Warnings = warnings
	s.log.Info("tool dispatched",
		"tool", req.ToolName,
		"request_id", req.RequestID,
		"duration", time.Since(started),
		"warnings", len(warnings))
	return resp
}

// fail translates an error into a response envelope. The message names the
// tool and request so clients can log it without extra correlation.
func (s *Server) fail(req Request, err error) Response {
	kind := fault.KindOf(err)
	s.log.Warn("tool request failed",
		"tool", req.ToolName,
		"request_id", req.RequestID,
		"kind", kind,
		"error", err)
	return Response{
		RequestID: req.RequestID,
		OK:        false,
		Error: &ErrorInfo{
			Kind:    kind,
			Message: fmt.Sprintf("%s (request %s): %v", req.ToolName, req.RequestID, err),
		},
	}
}

// clampK resolves a requested top_k against the configured default and cap.
func (s *Server) clampK(k int) int {
	if k <= 0 {
		return s.defaultTopK
	}
	if k > s.maxTopK {
		return s.maxTopK
	}
	return k
}
