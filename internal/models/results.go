package models

import (
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// CandidateSet collects candidates from concurrent generation jobs
type CandidateSet struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*GeneratedCandidate
}

// NewCandidateSet creates an empty set
func NewCandidateSet() *CandidateSet {
	return &CandidateSet{items: make(map[uuid.UUID]*GeneratedCandidate)}
}

// Add inserts a candidate. Safe for concurrent use.
func (s *CandidateSet) Add(c *GeneratedCandidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[c.ID] = c
}

// Len returns the number of candidates
func (s *CandidateSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// List returns the candidates ordered by endpoint name, prompt, repetition
func (s *CandidateSet) List() []*GeneratedCandidate {
	s.mu.RLock()
	out := make([]*GeneratedCandidate, 0, len(s.items))
	for _, c := range s.items {
		out = append(out, c)
	}
	s.mu.RUnlock()

	sortCandidates(out)
	return out
}

// ByEndpoint returns the candidates produced by one endpoint
func (s *CandidateSet) ByEndpoint(endpointID uuid.UUID) []*GeneratedCandidate {
	var out []*GeneratedCandidate
	for _, c := range s.List() {
		if c.Endpoint != nil && c.Endpoint.ID == endpointID {
			out = append(out, c)
		}
	}
	return out
}

// ScoredCandidate pairs a candidate with its score (NaN when it could not be scored)
type ScoredCandidate struct {
	Candidate *GeneratedCandidate
	Score     float64
}

// ScoreMap collects scores from concurrent evaluation jobs, keyed by candidate identity
type ScoreMap struct {
	mu     sync.RWMutex
	scores map[uuid.UUID]ScoredCandidate
}

// NewScoreMap creates an empty map
func NewScoreMap() *ScoreMap {
	return &ScoreMap{scores: make(map[uuid.UUID]ScoredCandidate)}
}

// Set records the score for a candidate. Safe for concurrent use.
func (m *ScoreMap) Set(c *GeneratedCandidate, score float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[c.ID] = ScoredCandidate{Candidate: c, Score: score}
}

// Get returns the score recorded for a candidate id
func (m *ScoreMap) Get(candidateID uuid.UUID) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.scores[candidateID]
	return sc.Score, ok
}

// Len returns the number of scored candidates, NaN entries included
func (m *ScoreMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.scores)
}

// Entries returns every entry in candidate order
func (m *ScoreMap) Entries() []ScoredCandidate {
	m.mu.RLock()
	out := make([]ScoredCandidate, 0, len(m.scores))
	for _, sc := range m.scores {
		out = append(out, sc)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return candidateLess(out[i].Candidate, out[j].Candidate)
	})
	return out
}

// Mean averages the numeric scores, ignoring NaN. Returns NaN when nothing was scored.
func (m *ScoreMap) Mean() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum float64
	var n int
	for _, sc := range m.scores {
		if math.IsNaN(sc.Score) {
			continue
		}
		sum += sc.Score
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// NullableScore maps the NaN sentinel to nil for JSON encoding
func NullableScore(score float64) *float64 {
	if math.IsNaN(score) {
		return nil
	}
	return &score
}

func sortCandidates(cs []*GeneratedCandidate) {
	sort.Slice(cs, func(i, j int) bool { return candidateLess(cs[i], cs[j]) })
}

func candidateLess(a, b *GeneratedCandidate) bool {
	an, bn := endpointName(a), endpointName(b)
	if an != bn {
		return an < bn
	}
	ap, bp := promptID(a), promptID(b)
	if ap != bp {
		return ap < bp
	}
	if a.Repetition != b.Repetition {
		return a.Repetition < b.Repetition
	}
	return a.ID.String() < b.ID.String()
}

func endpointName(c *GeneratedCandidate) string {
	if c.Endpoint == nil {
		return ""
	}
	return c.Endpoint.Name
}

func promptID(c *GeneratedCandidate) string {
	if c.Prompt == nil {
		return ""
	}
	return c.Prompt.ID.String()
}
