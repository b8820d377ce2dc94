package toolserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"unicode/utf8"

	"github.com/openclinic/medrag/internal/search"
	"github.com/openclinic/medrag/internal/viz"
	"github.com/openclinic/medrag/pkg/corpus"
	"github.com/openclinic/medrag/pkg/fault"
	"github.com/openclinic/medrag/pkg/memory"
)

// snippetLength bounds document snippets in search results.
const snippetLength = 240

// handlerFunc runs one tool. Warnings signal a degraded but usable result.
type handlerFunc func(ctx context.Context, s *Server, args json.RawMessage) (result any, warnings []string, err error)

// handlers is the complete tool catalog. Adding a tool is backward
// compatible; renaming or removing one is a breaking change to the external
// contract.
var handlers = map[string]handlerFunc{
	"search_documents":     handleSearchDocuments,
	"search_images":        handleSearchImages,
	"hybrid_search":        handleHybridSearch,
	"graph_entity_search":  handleGraphEntitySearch,
	"graph_neighbors":      handleGraphNeighbors,
	"graph_stats":          handleGraphStats,
	"remember":             handleRemember,
	"recall":               handleRecall,
	"memory_stats":         handleMemoryStats,
	"delete_memory":        handleDeleteMemory,
	"viz_entity_histogram": handleVizEntityHistogram,
	"viz_patient_timeline": handleVizPatientTimeline,
	"viz_entity_network":   handleVizEntityNetwork,
}

// searchFamily marks the tools that trigger auto-recall before dispatch.
var searchFamily = map[string]bool{
	"search_documents":    true,
	"search_images":       true,
	"hybrid_search":       true,
	"graph_entity_search": true,
}

// ToolInfo describes one catalog entry for transports that need to announce
// the available tools.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Catalog lists every tool in stable order.
func Catalog() []ToolInfo {
	return []ToolInfo{
		{"search_documents", "Rank clinical documents by semantic similarity to a text query."},
		{"search_images", "Rank medical images by a text query or a base64-encoded image."},
		{"hybrid_search", "Fan a query out to text, image, and graph search and fuse the rankings."},
		{"graph_entity_search", "Find knowledge-graph entities by case-insensitive substring match."},
		{"graph_neighbors", "Return the subgraph around an entity up to 3 hops away."},
		{"graph_stats", "Totals of graph entities by type and relationships by kind."},
		{"remember", "Store a memory; repeating the same kind and text strengthens it."},
		{"recall", "Retrieve memories by similarity, or browse by usage with a blank query."},
		{"memory_stats", "Memory totals by kind and the most used records."},
		{"delete_memory", "Delete a memory by id."},
		{"viz_entity_histogram", "Histogram of graph totals grouped by entity type or relationship kind."},
		{"viz_patient_timeline", "A patient's documents in chronological order."},
		{"viz_entity_network", "Merged neighborhood graph of the given seed entities."},
	}
}

// decodeArgs unmarshals tool arguments, treating absent arguments as an
// empty object.
func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		args = []byte("{}")
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fault.Wrap(fault.InvalidInput, err, "decode arguments")
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Search tools
// ─────────────────────────────────────────────────────────────────────────────

// DocumentHit is one search_documents result.
type DocumentHit struct {
	ID           string  `json:"id"`
	Rank         int     `json:"rank"`
	Score        float64 `json:"score"`
	PatientID    string  `json:"patient_id"`
	DocumentType string  `json:"document_type"`
	Snippet      string  `json:"snippet"`
}

func handleSearchDocuments(ctx context.Context, s *Server, args json.RawMessage) (any, []string, error) {
	var in struct {
		Query     string `json:"query"`
		TopK      int    `json:"top_k"`
		PatientID string `json:"patient_id"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, nil, err
	}

	items, err := s.vectorText.Search(ctx, in.Query, s.clampK(in.TopK), corpus.SearchFilter{PatientID: in.PatientID})
	if err != nil {
		return nil, nil, err
	}
	hits, warnings := s.documentHits(ctx, items)
	return hits, warnings, nil
}

// documentHits enriches ranked ids with document metadata and a snippet. A
// document that vanished between ranking and lookup degrades to a warning.
func (s *Server) documentHits(ctx context.Context, items []corpus.RankedItem) ([]DocumentHit, []string) {
	hits := make([]DocumentHit, 0, len(items))
	var warnings []string
	for _, item := range items {
		doc, err := s.docs.GetDocument(ctx, item.ID)
		if err != nil {
			warnings = append(warnings, "document "+item.ID+": "+err.Error())
			continue
		}
		hits = append(hits, DocumentHit{
			ID:           doc.ID,
			Rank:         item.Rank,
			Score:        item.Score,
			PatientID:    doc.PatientID,
			DocumentType: doc.Type,
			Snippet:      snippet(doc.DecodedText),
		})
	}
	return hits, warnings
}

// snippet truncates decoded text on a rune boundary.
func snippet(text string) string {
	if len(text) <= snippetLength {
		return text
	}
	cut := snippetLength
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "…"
}

// ImageHit is one search_images result.
type ImageHit struct {
	ID           string  `json:"id"`
	Rank         int     `json:"rank"`
	Score        float64 `json:"score"`
	PatientID    string  `json:"patient_id"`
	StudyID      string  `json:"study_id"`
	ViewPosition string  `json:"view_position"`
	StorageRef   string  `json:"storage_ref"`
}

func handleSearchImages(ctx context.Context, s *Server, args json.RawMessage) (any, []string, error) {
	var in struct {
		Query     string `json:"query"`
		ImageB64  string `json:"image_b64"`
		TopK      int    `json:"top_k"`
		PatientID string `json:"patient_id"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, nil, err
	}

	k := s.clampK(in.TopK)
	filter := corpus.SearchFilter{PatientID: in.PatientID}

	var (
		items []corpus.RankedItem
		err   error
	)
	switch {
	case in.ImageB64 != "":
		var data []byte
		data, err = base64.StdEncoding.DecodeString(in.ImageB64)
		if err != nil {
			return nil, nil, fault.Wrap(fault.InvalidInput, err, "decode image_b64")
		}
		items, err = s.vectorImage.SearchBytes(ctx, data, k, filter)
	case in.Query != "":
		items, err = s.vectorImage.Search(ctx, in.Query, k, filter)
	default:
		return nil, nil, fault.New(fault.InvalidInput, "either query or image_b64 is required")
	}
	if err != nil {
		return nil, nil, err
	}

	hits := make([]ImageHit, 0, len(items))
	var warnings []string
	for _, item := range items {
		img, err := s.images.GetImage(ctx, item.ID)
		if err != nil {
			warnings = append(warnings, "image "+item.ID+": "+err.Error())
			continue
		}
		hits = append(hits, ImageHit{
			ID:           img.ID,
			Rank:         item.Rank,
			Score:        item.Score,
			PatientID:    img.PatientID,
			StudyID:      img.StudyID,
			ViewPosition: img.ViewPosition,
			StorageRef:   img.StorageRef,
		})
	}
	return hits, warnings, nil
}

func handleHybridSearch(ctx context.Context, s *Server, args json.RawMessage) (any, []string, error) {
	var in struct {
		Query string `json:"query"`
		TopK  int    `json:"top_k"`
		Use   struct {
			Text  bool `json:"text"`
			Image bool `json:"image"`
			Graph bool `json:"graph"`
		} `json:"use"`
		PatientID string `json:"patient_id"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, nil, err
	}

	// No selection means the text + graph default; image search only joins
	// the fan-out on request since it ranks a different id space.
	if !in.Use.Text && !in.Use.Image && !in.Use.Graph {
		in.Use.Text, in.Use.Graph = true, true
	}

	var services []search.Service
	if in.Use.Text {
		services = append(services, s.vectorText, s.keyword)
	}
	if in.Use.Image {
		services = append(services, s.vectorImage)
	}
	if in.Use.Graph {
		services = append(services, s.graphSearch)
	}

	hybrid := search.NewHybrid(s.rrfK, s.log, services...)
	res, err := hybrid.Search(ctx, in.Query, s.clampK(in.TopK), corpus.SearchFilter{PatientID: in.PatientID})
	if err != nil {
		return nil, nil, err
	}
	return res, res.Warnings, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Graph tools
// ─────────────────────────────────────────────────────────────────────────────

func handleGraphEntitySearch(ctx context.Context, s *Server, args json.RawMessage) (any, []string, error) {
	var in struct {
		Text  string            `json:"text"`
		Type  corpus.EntityType `json:"type"`
		Limit int               `json:"limit"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, nil, err
	}
	if in.Text == "" {
		return nil, nil, fault.New(fault.InvalidInput, "text is required")
	}
	if in.Type != "" && !in.Type.IsValid() {
		return nil, nil, fault.New(fault.InvalidInput, "unknown entity type %q", in.Type)
	}

	matches, err := s.graph.EntitiesByText(ctx, []string{in.Text}, s.clampK(in.Limit))
	if err != nil {
		return nil, nil, err
	}
	if in.Type != "" {
		filtered := matches[:0]
		for _, m := range matches {
			if m.Entity.Type == in.Type {
				filtered = append(filtered, m)
			}
		}
		matches = filtered
	}
	return matches, nil, nil
}

func handleGraphNeighbors(ctx context.Context, s *Server, args json.RawMessage) (any, []string, error) {
	var in struct {
		EntityID int64 `json:"entity_id"`
		Depth    int   `json:"depth"`
		Limit    int   `json:"limit"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, nil, err
	}
	if in.Depth == 0 {
		in.Depth = DefaultDepth
	}

	sub, err := s.graph.EntityNeighbors(ctx, in.EntityID, in.Depth, s.clampK(in.Limit))
	if err != nil {
		return nil, nil, err
	}
	return sub, nil, nil
}

func handleGraphStats(ctx context.Context, s *Server, _ json.RawMessage) (any, []string, error) {
	stats, err := s.graph.Stats(ctx)
	if err != nil {
		return nil, nil, err
	}
	return stats, nil, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Memory tools
// ─────────────────────────────────────────────────────────────────────────────

func handleRemember(ctx context.Context, s *Server, args json.RawMessage) (any, []string, error) {
	var in struct {
		Kind     memory.Kind    `json:"kind"`
		Text     string         `json:"text"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, nil, err
	}

	id, err := s.memories.Remember(ctx, in.Kind, in.Text, in.Metadata)
	if err != nil {
		return nil, nil, err
	}
	return map[string]string{"memory_id": id}, nil, nil
}

func handleRecall(ctx context.Context, s *Server, args json.RawMessage) (any, []string, error) {
	var in struct {
		Query string      `json:"query"`
		K     int         `json:"k"`
		Kind  memory.Kind `json:"kind"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, nil, err
	}

	recalled, err := s.memories.Recall(ctx, in.Query, s.clampK(in.K), memory.RecallOpts{Kind: in.Kind, MinSimilarity: s.minSim})
	if err != nil {
		return nil, nil, err
	}
	return recalled, nil, nil
}

func handleMemoryStats(ctx context.Context, s *Server, _ json.RawMessage) (any, []string, error) {
	stats, err := s.memories.Stats(ctx)
	if err != nil {
		return nil, nil, err
	}
	return stats, nil, nil
}

func handleDeleteMemory(ctx context.Context, s *Server, args json.RawMessage) (any, []string, error) {
	var in struct {
		MemoryID string `json:"memory_id"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, nil, err
	}

	if err := s.memories.Delete(ctx, in.MemoryID); err != nil {
		return nil, nil, err
	}
	return map[string]bool{"ok": true}, nil, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Visualization tools
// ─────────────────────────────────────────────────────────────────────────────

func handleVizEntityHistogram(ctx context.Context, s *Server, args json.RawMessage) (any, []string, error) {
	var in struct {
		By string `json:"by"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, nil, err
	}

	h, err := viz.EntityHistogram(ctx, s.graph, in.By)
	if err != nil {
		return nil, nil, err
	}
	return h, nil, nil
}

func handleVizPatientTimeline(ctx context.Context, s *Server, args json.RawMessage) (any, []string, error) {
	var in struct {
		PatientID string `json:"patient_id"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, nil, err
	}

	tl, err := viz.PatientTimeline(ctx, s.docs, in.PatientID)
	if err != nil {
		return nil, nil, err
	}
	return tl, nil, nil
}

func handleVizEntityNetwork(ctx context.Context, s *Server, args json.RawMessage) (any, []string, error) {
	var in struct {
		SeedEntityIDs []int64 `json:"seed_entity_ids"`
		Depth         int     `json:"depth"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return nil, nil, err
	}
	if in.Depth == 0 {
		in.Depth = DefaultDepth
	}

	net, err := viz.EntityNetwork(ctx, s.graph, in.SeedEntityIDs, in.Depth, s.maxTopK)
	if err != nil {
		return nil, nil, err
	}
	return net, nil, nil
}

// queryOf extracts the free-text query of a search-family request for
// auto-recall, without fully decoding the arguments.
func queryOf(args json.RawMessage) string {
	var probe struct {
		Query string `json:"query"`
		Text  string `json:"text"`
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	if err := dec.Decode(&probe); err != nil {
		return ""
	}
	if probe.Query != "" {
		return probe.Query
	}
	return probe.Text
}
