// Package mock provides an in-memory memory.Store for tests. Recall matches
// by substring instead of vector similarity so tests can steer results
// without an embedding provider.
package mock

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openclinic/medrag/pkg/fault"
	"github.com/openclinic/medrag/pkg/memory"
)

// Ensure Store implements the memory.Store interface.
var _ memory.Store = (*Store)(nil)

// Store is a map-backed test double for memory.Store.
type Store struct {
	mu       sync.Mutex
	memories map[string]*memory.Memory
	fail     error
}

// New returns an empty mock store.
func New() *Store {
	return &Store{memories: map[string]*memory.Memory{}}
}

// FailWith makes every subsequent call return err. Pass nil to clear.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// Remember implements [memory.Store].
func (s *Store) Remember(ctx context.Context, kind memory.Kind, text string, metadata map[string]any) (string, error) {
	if err := memory.ValidateNew(kind, text); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return "", s.fail
	}

	id := memory.ContentID(kind, text)
	now := time.Now()
	if existing, ok := s.memories[id]; ok {
		existing.UseCount++
		existing.UpdatedAt = now
		if metadata != nil {
			existing.Metadata = metadata
		}
		return id, nil
	}
	s.memories[id] = &memory.Memory{
		ID:        id,
		Kind:      kind,
		Text:      text,
		Metadata:  metadata,
		UseCount:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return id, nil
}

// Recall implements [memory.Store]. A non-blank query matches memories whose
// text contains it case-insensitively, reported with similarity 0.9, and
// bumps the use count of each match like the real store. A blank query
// browses by use count without touching the counts.
func (s *Store) Recall(ctx context.Context, query string, k int, opts memory.RecallOpts) ([]memory.Recalled, error) {
	if k <= 0 {
		return nil, fault.New(fault.InvalidInput, "mock memory: recall k must be positive, got %d", k)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}

	query = strings.TrimSpace(query)
	lowered := strings.ToLower(query)
	matched := []*memory.Memory{}
	for _, m := range s.memories {
		if opts.Kind != "" && m.Kind != opts.Kind {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(m.Text), lowered) {
			continue
		}
		matched = append(matched, m)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UseCount != matched[j].UseCount {
			return matched[i].UseCount > matched[j].UseCount
		}
		return matched[i].ID < matched[j].ID
	})
	if len(matched) > k {
		matched = matched[:k]
	}

	sim := 0.9
	if query == "" {
		sim = 1.0
	}
	now := time.Now()
	out := []memory.Recalled{}
	for _, m := range matched {
		if query != "" {
			m.UseCount++
			t := now
			m.LastUsedAt = &t
		}
		out = append(out, memory.Recalled{Memory: *m, Similarity: sim})
	}
	return out, nil
}

// Stats implements [memory.Store].
func (s *Store) Stats(ctx context.Context) (*memory.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}

	stats := &memory.Stats{ByKind: map[memory.Kind]int64{}, MostUsed: []memory.Memory{}}
	used := []memory.Memory{}
	for _, m := range s.memories {
		stats.Total++
		stats.ByKind[m.Kind]++
		if m.UseCount > 0 {
			used = append(used, *m)
		}
	}
	sort.Slice(used, func(i, j int) bool {
		if used[i].UseCount != used[j].UseCount {
			return used[i].UseCount > used[j].UseCount
		}
		return used[i].ID < used[j].ID
	})
	if len(used) > 3 {
		used = used[:3]
	}
	stats.MostUsed = used
	return stats, nil
}

// Delete implements [memory.Store].
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	if _, ok := s.memories[id]; !ok {
		return fault.New(fault.NotFound, "mock memory: memory %q not found", id)
	}
	delete(s.memories, id)
	return nil
}
