package search_test

import (
	"math"
	"testing"

	"github.com/openclinic/medrag/internal/search"
	"github.com/openclinic/medrag/pkg/corpus"
)

func ranked(ids ...string) []corpus.RankedItem {
	items := make([]corpus.RankedItem, len(ids))
	for i, id := range ids {
		items[i] = corpus.RankedItem{ID: id, Rank: i + 1, Score: 1 / float64(i+1)}
	}
	return items
}

func fusedIDs(items []corpus.RankedItem) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}

// TestFuseRRF_TwoListExample pins down the canonical two-list case: with
// L1=[a,b,c], L2=[b,c,a] and k=60, b scores 1/62+1/61, c scores 1/63+1/62,
// a scores 1/61+1/63, giving the order b, c, a.
func TestFuseRRF_TwoListExample(t *testing.T) {
	fused := search.FuseRRF([][]corpus.RankedItem{
		ranked("a", "b", "c"),
		ranked("b", "c", "a"),
	}, 60, 10)

	want := []string{"b", "c", "a"}
	got := fusedIDs(fused)
	if len(got) != 3 {
		t.Fatalf("fused: got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order: got %v, want %v", got, want)
		}
	}

	wantScore := 1.0/62 + 1.0/61
	if math.Abs(fused[0].Score-wantScore) > 1e-12 {
		t.Errorf("b score: got %v, want %v", fused[0].Score, wantScore)
	}
	for i, item := range fused {
		if item.Rank != i+1 {
			t.Errorf("rank %d: got %d", i, item.Rank)
		}
	}
}

// TestFuseRRF_TieBreakListCount verifies that equal scores break first by
// how many lists contained the id.
func TestFuseRRF_TieBreakListCount(t *testing.T) {
	// "both" appears at rank 2 in two lists: 1/62 + 1/62.
	// "solo" appears at rank 1 in one list with rrfK tuned so 1/61 < 2/62
	// never collides; instead craft an exact collision: rank 31 in one list
	// scores 1/(60+31) = 1/91; two appearances at rank 122 score 2/182 =
	// 1/91 as well.
	listA := []corpus.RankedItem{{ID: "solo", Rank: 31}}
	listB := []corpus.RankedItem{{ID: "both", Rank: 122}}
	listC := []corpus.RankedItem{{ID: "both", Rank: 122}}

	fused := search.FuseRRF([][]corpus.RankedItem{listA, listB, listC}, 60, 10)
	got := fusedIDs(fused)
	if len(got) != 2 || got[0] != "both" || got[1] != "solo" {
		t.Errorf("order: got %v, want [both solo]", got)
	}
}

// TestFuseRRF_TieBreakID verifies the final id-ascending tie-break for fully
// symmetric entries.
func TestFuseRRF_TieBreakID(t *testing.T) {
	fused := search.FuseRRF([][]corpus.RankedItem{
		{{ID: "zeta", Rank: 1}},
		{{ID: "alpha", Rank: 1}},
	}, 60, 10)

	got := fusedIDs(fused)
	if len(got) != 2 || got[0] != "alpha" || got[1] != "zeta" {
		t.Errorf("order: got %v, want [alpha zeta]", got)
	}
}

func TestFuseRRF_TopKCap(t *testing.T) {
	fused := search.FuseRRF([][]corpus.RankedItem{
		ranked("a", "b", "c", "d", "e"),
	}, 60, 2)
	if len(fused) != 2 {
		t.Fatalf("length: got %d, want 2", len(fused))
	}
	if fused[0].ID != "a" || fused[1].ID != "b" {
		t.Errorf("order: got %v", fusedIDs(fused))
	}
}

// TestFuseRRF_MissingListIsRobust verifies that an absent (failed) list just
// contributes nothing.
func TestFuseRRF_MissingListIsRobust(t *testing.T) {
	withEmpty := search.FuseRRF([][]corpus.RankedItem{
		ranked("a", "b"),
		nil,
	}, 60, 10)
	without := search.FuseRRF([][]corpus.RankedItem{
		ranked("a", "b"),
	}, 60, 10)

	if len(withEmpty) != len(without) {
		t.Fatalf("lengths differ: %d vs %d", len(withEmpty), len(without))
	}
	for i := range without {
		if withEmpty[i] != without[i] {
			t.Errorf("item %d differs: %+v vs %+v", i, withEmpty[i], without[i])
		}
	}
}

func TestFuseRRF_Empty(t *testing.T) {
	fused := search.FuseRRF(nil, 60, 10)
	if len(fused) != 0 {
		t.Errorf("expected empty fusion, got %v", fused)
	}
}
