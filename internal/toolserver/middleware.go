package toolserver

import (
	"context"

	"github.com/openclinic/medrag/pkg/fault"
	"github.com/openclinic/medrag/pkg/memory"
)

// autoRecall fetches the memories most relevant to a search-family request
// so the caller sees prior corrections and preferences next to the results.
// Recall failures never fail the request; the response simply carries no
// context.
func (s *Server) autoRecall(ctx context.Context, req Request) []memory.Recalled {
	query := queryOf(req.Arguments)
	if query == "" {
		return nil
	}

	recalled, err := s.memories.Recall(ctx, query, s.recallK, memory.RecallOpts{MinSimilarity: s.minSim})
	if err != nil {
		s.log.Warn("auto-recall failed",
			"tool", req.ToolName,
			"request_id", req.RequestID,
			"kind", fault.KindOf(err),
			"error", err)
		return nil
	}
	if len(recalled) == 0 {
		return nil
	}

	s.log.Info("auto-recall attached memories",
		"tool", req.ToolName,
		"request_id", req.RequestID,
		"memories", len(recalled))
	return recalled
}
