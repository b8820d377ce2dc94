// Package viz builds structured chart payloads from stored data. Builders
// are pure transforms over store reads: no plotting, no state, deterministic
// output for a given store snapshot.
package viz

import (
	"context"
	"sort"

	"github.com/openclinic/medrag/pkg/corpus"
	"github.com/openclinic/medrag/pkg/fault"
)

// Histogram groupings accepted by [EntityHistogram].
const (
	ByType = "type" // entity totals per entity type
	ByKind = "kind" // relationship totals per relationship kind
)

// Histogram is a label/count pairing ready for a bar chart. Labels are
// sorted ascending so repeated builds are comparable.
type Histogram struct {
	Labels []string `json:"labels"`
	Counts []int64  `json:"counts"`
}

// Timeline is a patient's documents in chronological order.
type Timeline struct {
	PatientID string                 `json:"patient_id"`
	Events    []corpus.TimelineEvent `json:"events"`
}

// Node is one entity in a network payload.
type Node struct {
	ID   int64             `json:"id"`
	Text string            `json:"text"`
	Type corpus.EntityType `json:"type"`
}

// NetworkEdge is one relationship in a network payload.
type NetworkEdge struct {
	Source int64                   `json:"src"`
	Target int64                   `json:"dst"`
	Kind   corpus.RelationshipKind `json:"kind"`
}

// Network is a deduplicated entity graph ready for a force-directed layout.
type Network struct {
	Nodes []Node        `json:"nodes"`
	Edges []NetworkEdge `json:"edges"`
}

// EntityHistogram builds a histogram of graph totals grouped by entity type
// or relationship kind.
func EntityHistogram(ctx context.Context, graph corpus.GraphStore, by string) (*Histogram, error) {
	if by != ByType && by != ByKind {
		return nil, fault.New(fault.InvalidInput, "viz: histogram grouping must be %q or %q, got %q", ByType, ByKind, by)
	}

	stats, err := graph.Stats(ctx)
	if err != nil {
		return nil, err
	}

	h := &Histogram{Labels: []string{}, Counts: []int64{}}
	if by == ByType {
		for t := range stats.EntitiesByType {
			h.Labels = append(h.Labels, string(t))
		}
	} else {
		for k := range stats.RelationshipsByKind {
			h.Labels = append(h.Labels, string(k))
		}
	}
	sort.Strings(h.Labels)
	for _, label := range h.Labels {
		if by == ByType {
			h.Counts = append(h.Counts, stats.EntitiesByType[corpus.EntityType(label)])
		} else {
			h.Counts = append(h.Counts, stats.RelationshipsByKind[corpus.RelationshipKind(label)])
		}
	}
	return h, nil
}

// PatientTimeline builds the chronological document timeline of one patient.
func PatientTimeline(ctx context.Context, docs corpus.DocumentStore, patientID string) (*Timeline, error) {
	if patientID == "" {
		return nil, fault.New(fault.InvalidInput, "viz: patient id must not be empty")
	}
	events, err := docs.PatientTimeline(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return &Timeline{PatientID: patientID, Events: events}, nil
}

// EntityNetwork builds the merged neighborhood graph of the seed entities.
// Each seed is expanded to the given depth and the resulting subgraphs are
// merged with nodes and edges deduplicated. Nodes are ordered by id and
// edges by (source, target, kind) for deterministic output.
//
// A seed that no longer exists is skipped rather than failing the whole
// payload; an empty seed list is rejected.
func EntityNetwork(ctx context.Context, graph corpus.GraphStore, seedIDs []int64, depth, limit int) (*Network, error) {
	if len(seedIDs) == 0 {
		return nil, fault.New(fault.InvalidInput, "viz: at least one seed entity id is required")
	}

	nodes := map[int64]Node{}
	edges := map[NetworkEdge]bool{}
	for _, seed := range seedIDs {
		sub, err := graph.EntityNeighbors(ctx, seed, depth, limit)
		if err != nil {
			if fault.IsKind(err, fault.NotFound) {
				continue
			}
			return nil, err
		}
		for _, e := range sub.Entities {
			nodes[e.ID] = Node{ID: e.ID, Text: e.Text, Type: e.Type}
		}
		for _, r := range sub.Relationships {
			edges[NetworkEdge{Source: r.SourceEntityID, Target: r.TargetEntityID, Kind: r.Kind}] = true
		}
	}

	net := &Network{Nodes: []Node{}, Edges: []NetworkEdge{}}
	for _, n := range nodes {
		net.Nodes = append(net.Nodes, n)
	}
	sort.Slice(net.Nodes, func(i, j int) bool { return net.Nodes[i].ID < net.Nodes[j].ID })

	for e := range edges {
		net.Edges = append(net.Edges, e)
	}
	sort.Slice(net.Edges, func(i, j int) bool {
		a, b := net.Edges[i], net.Edges[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.Kind < b.Kind
	})
	return net, nil
}
