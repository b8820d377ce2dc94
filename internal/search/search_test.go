package search_test

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/openclinic/medrag/internal/search"
	"github.com/openclinic/medrag/pkg/corpus"
	"github.com/openclinic/medrag/pkg/fault"
	embedmock "github.com/openclinic/medrag/pkg/provider/embeddings/mock"
)

const testDim = 8

// stubDocStore records the arguments of the last VectorTopK / KeywordTopK
// call and returns canned items.
type stubDocStore struct {
	corpus.DocumentStore

	lastVec   []float32
	lastTerms []string
	lastK     int
	items     []corpus.RankedItem
}

func (s *stubDocStore) VectorTopK(ctx context.Context, queryVec []float32, k int, filter corpus.SearchFilter) ([]corpus.RankedItem, error) {
	s.lastVec, s.lastK = queryVec, k
	return s.items, nil
}

func (s *stubDocStore) KeywordTopK(ctx context.Context, terms []string, k int, filter corpus.SearchFilter) ([]corpus.RankedItem, error) {
	s.lastTerms, s.lastK = terms, k
	return s.items, nil
}

type stubGraphStore struct {
	corpus.GraphStore

	lastSubstrings []string
	ranks          []corpus.DocumentEntityRank
}

func (s *stubGraphStore) DocumentsByEntities(ctx context.Context, substrings []string, k int) ([]corpus.DocumentEntityRank, error) {
	s.lastSubstrings = substrings
	return s.ranks, nil
}

func TestTokenize(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"Chest Pain", []string{"chest", "pain"}},
		{"chest-pain, chest", []string{"chest", "pain"}},
		{"BP 120/80 mmHg", []string{"bp", "120", "80", "mmhg"}},
		{"a b c", []string{}},
		{"", []string{}},
	}
	for _, tc := range cases {
		if got := search.Tokenize(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("Tokenize(%q): got %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestVectorText_EmbedsAndDelegates(t *testing.T) {
	store := &stubDocStore{items: ranked("d1", "d2")}
	svc := search.NewVectorText(store, embedmock.New(testDim))

	got, err := svc.Search(context.Background(), "chest pain", 5, corpus.SearchFilter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("items: got %v", got)
	}
	if len(store.lastVec) != testDim {
		t.Errorf("query vector dimension: got %d, want %d", len(store.lastVec), testDim)
	}
	if store.lastK != 5 {
		t.Errorf("k: got %d, want 5", store.lastK)
	}
}

func TestVectorText_RejectsBlankQuery(t *testing.T) {
	svc := search.NewVectorText(&stubDocStore{}, embedmock.New(testDim))
	_, err := svc.Search(context.Background(), "   ", 5, corpus.SearchFilter{})
	if kind := fault.KindOf(err); kind != fault.InvalidInput {
		t.Errorf("kind: got %v, want %v", kind, fault.InvalidInput)
	}
}

func TestVectorText_SurfacesZeroVector(t *testing.T) {
	embedder := embedmock.New(testDim)
	embedder.FailWith(fault.New(fault.MockEmbedding, "zero magnitude"))
	svc := search.NewVectorText(&stubDocStore{}, embedder)

	_, err := svc.Search(context.Background(), "fever", 5, corpus.SearchFilter{})
	if kind := fault.KindOf(err); kind != fault.MockEmbedding {
		t.Errorf("kind: got %v, want %v", kind, fault.MockEmbedding)
	}
}

func TestKeywordText_TokenizesQuery(t *testing.T) {
	store := &stubDocStore{items: ranked("d1")}
	svc := search.NewKeywordText(store)

	_, err := svc.Search(context.Background(), "Chest Pain; chest", 10, corpus.SearchFilter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if want := []string{"chest", "pain"}; !reflect.DeepEqual(store.lastTerms, want) {
		t.Errorf("terms: got %v, want %v", store.lastTerms, want)
	}
}

func TestKeywordText_NoSearchableTerms(t *testing.T) {
	svc := search.NewKeywordText(&stubDocStore{})
	_, err := svc.Search(context.Background(), "a ? !", 10, corpus.SearchFilter{})
	if kind := fault.KindOf(err); kind != fault.InvalidInput {
		t.Errorf("kind: got %v, want %v", kind, fault.InvalidInput)
	}
}

func TestGraph_RanksByEntityMatches(t *testing.T) {
	store := &stubGraphStore{ranks: []corpus.DocumentEntityRank{
		{DocumentID: "d2", EntityMatches: 3, ConfidenceSum: 2.4},
		{DocumentID: "d1", EntityMatches: 1, ConfidenceSum: 0.9},
	}}
	svc := search.NewGraph(store)

	got, err := svc.Search(context.Background(), "fever cough", 10, corpus.SearchFilter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 || got[0].ID != "d2" || got[0].Rank != 1 || got[1].Rank != 2 {
		t.Errorf("items: got %+v", got)
	}
	if want := []string{"fever", "cough"}; !reflect.DeepEqual(store.lastSubstrings, want) {
		t.Errorf("substrings: got %v, want %v", store.lastSubstrings, want)
	}
}

// stubImageStore backs VectorImage tests.
type stubImageStore struct {
	corpus.ImageStore

	lastVec []float32
	items   []corpus.RankedItem
}

func (s *stubImageStore) VectorTopK(ctx context.Context, queryVec []float32, k int, filter corpus.SearchFilter) ([]corpus.RankedItem, error) {
	s.lastVec = queryVec
	return s.items, nil
}

func TestVectorImage_TextAndBytes(t *testing.T) {
	store := &stubImageStore{items: ranked("img1")}
	svc := search.NewVectorImage(store, embedmock.New(testDim))

	if _, err := svc.Search(context.Background(), "chest x-ray", 5, corpus.SearchFilter{}); err != nil {
		t.Fatalf("text Search: %v", err)
	}
	textVec := store.lastVec

	if _, err := svc.SearchBytes(context.Background(), []byte{0x89, 0x50}, 5, corpus.SearchFilter{}); err != nil {
		t.Fatalf("SearchBytes: %v", err)
	}
	if reflect.DeepEqual(store.lastVec, textVec) {
		t.Error("image bytes embedded identically to text query")
	}

	_, err := svc.SearchBytes(context.Background(), nil, 5, corpus.SearchFilter{})
	if kind := fault.KindOf(err); kind != fault.InvalidInput {
		t.Errorf("empty bytes kind: got %v, want %v", kind, fault.InvalidInput)
	}
}

// Context plumbing sanity: a cancelled context surfaces before the store is
// reached by the embedding call path.
func TestVectorText_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	embedder := embedmock.New(testDim)
	embedder.FailWith(ctx.Err())
	svc := search.NewVectorText(&stubDocStore{}, embedder)

	_, err := svc.Search(ctx, "fever", 5, corpus.SearchFilter{})
	if kind := fault.KindOf(err); kind != fault.DeadlineExceeded {
		t.Errorf("kind: got %v, want %v", kind, fault.DeadlineExceeded)
	}
}
