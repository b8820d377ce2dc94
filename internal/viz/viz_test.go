package viz_test

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/openclinic/medrag/internal/viz"
	"github.com/openclinic/medrag/pkg/corpus"
	"github.com/openclinic/medrag/pkg/fault"
)

type stubGraph struct {
	corpus.GraphStore

	stats     *corpus.GraphStats
	subgraphs map[int64]*corpus.Subgraph
}

func (s *stubGraph) Stats(ctx context.Context) (*corpus.GraphStats, error) {
	return s.stats, nil
}

func (s *stubGraph) EntityNeighbors(ctx context.Context, entityID int64, depth, limit int) (*corpus.Subgraph, error) {
	sub, ok := s.subgraphs[entityID]
	if !ok {
		return nil, fault.New(fault.NotFound, "entity %d not found", entityID)
	}
	return sub, nil
}

type stubDocs struct {
	corpus.DocumentStore

	events []corpus.TimelineEvent
}

func (s *stubDocs) PatientTimeline(ctx context.Context, patientID string) ([]corpus.TimelineEvent, error) {
	return s.events, nil
}

func TestEntityHistogram_ByType(t *testing.T) {
	graph := &stubGraph{stats: &corpus.GraphStats{
		EntitiesByType: map[corpus.EntityType]int64{
			corpus.EntitySymptom:    12,
			corpus.EntityCondition:  7,
			corpus.EntityMedication: 3,
		},
	}}

	h, err := viz.EntityHistogram(context.Background(), graph, viz.ByType)
	if err != nil {
		t.Fatalf("EntityHistogram: %v", err)
	}
	wantLabels := []string{"CONDITION", "MEDICATION", "SYMPTOM"}
	wantCounts := []int64{7, 3, 12}
	if !reflect.DeepEqual(h.Labels, wantLabels) {
		t.Errorf("labels: got %v, want %v", h.Labels, wantLabels)
	}
	if !reflect.DeepEqual(h.Counts, wantCounts) {
		t.Errorf("counts: got %v, want %v", h.Counts, wantCounts)
	}
}

func TestEntityHistogram_ByKind(t *testing.T) {
	graph := &stubGraph{stats: &corpus.GraphStats{
		RelationshipsByKind: map[corpus.RelationshipKind]int64{
			corpus.RelCoOccursWith: 42,
		},
	}}

	h, err := viz.EntityHistogram(context.Background(), graph, viz.ByKind)
	if err != nil {
		t.Fatalf("EntityHistogram: %v", err)
	}
	if !reflect.DeepEqual(h.Labels, []string{"CO_OCCURS_WITH"}) || h.Counts[0] != 42 {
		t.Errorf("histogram: got %+v", h)
	}
}

func TestEntityHistogram_InvalidGrouping(t *testing.T) {
	_, err := viz.EntityHistogram(context.Background(), &stubGraph{}, "color")
	if kind := fault.KindOf(err); kind != fault.InvalidInput {
		t.Errorf("kind: got %v, want %v", kind, fault.InvalidInput)
	}
}

func TestPatientTimeline(t *testing.T) {
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	docs := &stubDocs{events: []corpus.TimelineEvent{
		{Timestamp: base, DocumentID: "d1", DocumentType: "admission_note"},
		{Timestamp: base.Add(24 * time.Hour), DocumentID: "d2", DocumentType: "discharge_summary"},
	}}

	tl, err := viz.PatientTimeline(context.Background(), docs, "p1")
	if err != nil {
		t.Fatalf("PatientTimeline: %v", err)
	}
	if tl.PatientID != "p1" || len(tl.Events) != 2 || tl.Events[0].DocumentID != "d1" {
		t.Errorf("timeline: got %+v", tl)
	}
}

func TestPatientTimeline_EmptyPatient(t *testing.T) {
	_, err := viz.PatientTimeline(context.Background(), &stubDocs{}, "")
	if kind := fault.KindOf(err); kind != fault.InvalidInput {
		t.Errorf("kind: got %v, want %v", kind, fault.InvalidInput)
	}
}

func TestEntityNetwork_MergesAndDeduplicates(t *testing.T) {
	shared := corpus.Entity{ID: 2, Text: "fever", Type: corpus.EntitySymptom}
	graph := &stubGraph{subgraphs: map[int64]*corpus.Subgraph{
		1: {
			Entities: []corpus.Entity{{ID: 1, Text: "cough", Type: corpus.EntitySymptom}, shared},
			Relationships: []corpus.Relationship{
				{SourceEntityID: 1, TargetEntityID: 2, Kind: corpus.RelCoOccursWith},
			},
		},
		3: {
			Entities: []corpus.Entity{{ID: 3, Text: "aspirin", Type: corpus.EntityMedication}, shared},
			Relationships: []corpus.Relationship{
				{SourceEntityID: 2, TargetEntityID: 3, Kind: corpus.RelCoOccursWith},
				{SourceEntityID: 1, TargetEntityID: 2, Kind: corpus.RelCoOccursWith},
			},
		},
	}}

	net, err := viz.EntityNetwork(context.Background(), graph, []int64{1, 3}, 2, 50)
	if err != nil {
		t.Fatalf("EntityNetwork: %v", err)
	}
	if len(net.Nodes) != 3 {
		t.Errorf("nodes: got %+v", net.Nodes)
	}
	for i := 1; i < len(net.Nodes); i++ {
		if net.Nodes[i-1].ID >= net.Nodes[i].ID {
			t.Errorf("nodes not ordered by id: %+v", net.Nodes)
		}
	}
	if len(net.Edges) != 2 {
		t.Errorf("edges not deduplicated: %+v", net.Edges)
	}
}

// TestEntityNetwork_SkipsMissingSeeds verifies that a vanished seed entity
// does not fail the payload.
func TestEntityNetwork_SkipsMissingSeeds(t *testing.T) {
	graph := &stubGraph{subgraphs: map[int64]*corpus.Subgraph{
		1: {Entities: []corpus.Entity{{ID: 1, Text: "cough", Type: corpus.EntitySymptom}}},
	}}

	net, err := viz.EntityNetwork(context.Background(), graph, []int64{1, 99}, 1, 50)
	if err != nil {
		t.Fatalf("EntityNetwork: %v", err)
	}
	if len(net.Nodes) != 1 {
		t.Errorf("nodes: got %+v", net.Nodes)
	}
}

func TestEntityNetwork_NoSeeds(t *testing.T) {
	_, err := viz.EntityNetwork(context.Background(), &stubGraph{}, nil, 1, 50)
	if kind := fault.KindOf(err); kind != fault.InvalidInput {
		t.Errorf("kind: got %v, want %v", kind, fault.InvalidInput)
	}
}
