// Package extract produces typed clinical entities and co-occurrence edges
// from decoded note text using a fixed lexical pattern set.
//
// Extraction is fully deterministic: the same input text always yields the
// same entities and edges, byte for byte. The sync engine relies on this to
// make re-processing a document idempotent.
package extract

import (
	"regexp"
	"sort"
	"strings"

	"github.com/openclinic/medrag/pkg/corpus"
)

// Candidate is one extracted entity with its character span in the input.
type Candidate struct {
	// Text is the lowercase-normalized matched text.
	Text string

	Type       corpus.EntityType
	Confidence float64

	// Start and End delimit the match in the input, end-exclusive.
	Start int
	End   int
}

// Edge is a co-occurrence between two candidates, referenced by their index
// in the result's Entities slice. Source is always less than Target.
type Edge struct {
	Source     int
	Target     int
	Kind       corpus.RelationshipKind
	Confidence float64
}

// Result is the full extraction output for one note.
type Result struct {
	Entities []Candidate
	Edges    []Edge
}

// pattern pairs a compiled expression with the entity type and base
// confidence it produces.
type pattern struct {
	re         *regexp.Regexp
	entityType corpus.EntityType
	confidence float64
}

// Extractor applies the pattern set to note text.
//
// The zero window means co-occurrence spans the whole note; a positive
// window limits edges to entity pairs whose spans start within that many
// characters of each other.
type Extractor struct {
	patterns []pattern
	window   int
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithCooccurrenceWindow limits co-occurrence edges to entity pairs whose
// spans start within n characters. Zero or negative restores the default of
// the whole note.
func WithCooccurrenceWindow(n int) Option {
	return func(e *Extractor) {
		if n < 0 {
			n = 0
		}
		e.window = n
	}
}

// New returns an Extractor with the built-in clinical pattern set.
func New(opts ...Option) *Extractor {
	e := &Extractor{patterns: clinicalPatterns}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Extract runs the pattern set over text.
//
// Overlapping matches are resolved by keeping the span with higher
// confidence, then the longer span, then the earlier one. Surviving entities
// are deduplicated on (text, type) keeping the highest confidence, then every
// qualifying unordered pair becomes a CO_OCCURS_WITH edge with confidence
// min(c1, c2).
func (e *Extractor) Extract(text string) Result {
	candidates := e.match(text)
	survivors := dedupSpans(candidates)
	entities := dedupTerms(survivors)

	edges := []Edge{}
	for i := 0; i < len(entities); i++ {
		for j := i + 1; j < len(entities); j++ {
			if e.window > 0 && abs(entities[j].Start-entities[i].Start) > e.window {
				continue
			}
			edges = append(edges, Edge{
				Source:     i,
				Target:     j,
				Kind:       corpus.RelCoOccursWith,
				Confidence: min(entities[i].Confidence, entities[j].Confidence),
			})
		}
	}
	return Result{Entities: entities, Edges: edges}
}

// match collects every pattern hit with its span.
func (e *Extractor) match(text string) []Candidate {
	out := []Candidate{}
	for _, p := range e.patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			matched := strings.ToLower(strings.TrimSpace(text[loc[0]:loc[1]]))
			if matched == "" {
				continue
			}
			out = append(out, Candidate{
				Text:       matched,
				Type:       p.entityType,
				Confidence: p.confidence,
				Start:      loc[0],
				End:        loc[1],
			})
		}
	}
	return out
}

// dedupSpans resolves overlapping candidate spans. Priority order is
// confidence descending, span length descending, start ascending; a lower
// priority candidate overlapping a kept one is dropped.
func dedupSpans(candidates []Candidate) []Candidate {
	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if la, lb := a.End-a.Start, b.End-b.Start; la != lb {
			return la > lb
		}
		return a.Start < b.Start
	})

	kept := []Candidate{}
	for _, c := range ordered {
		overlaps := false
		for _, k := range kept {
			if c.Start < k.End && k.Start < c.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, c)
		}
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}

// dedupTerms collapses survivors sharing (text, type), keeping the highest
// confidence and the earliest span. Input must be sorted by start.
func dedupTerms(survivors []Candidate) []Candidate {
	out := []Candidate{}
	index := map[string]int{}
	for _, c := range survivors {
		key := string(c.Type) + "\x00" + c.Text
		if i, ok := index[key]; ok {
			if c.Confidence > out[i].Confidence {
				out[i].Confidence = c.Confidence
			}
			continue
		}
		index[key] = len(out)
		out = append(out, c)
	}
	return out
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
