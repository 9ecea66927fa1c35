package fingerprint

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/regentci/regent/internal/testrun"
)

// SimilarityThreshold is the minimum score at which a new failure is
// merged into an existing fingerprint instead of creating its own.
const SimilarityThreshold = 0.8

// Fingerprint is one deduplicated failure shape and its occurrence
// record. The store owns its lifetime; entries are never deleted except
// by Clear.
type Fingerprint struct {
	ID              string     `json:"id"`
	Hash            string     `json:"hash"`
	Components      Components `json:"components"`
	FirstSeen       time.Time  `json:"first_seen"`
	LastSeen        time.Time  `json:"last_seen"`
	OccurrenceCount int        `json:"occurrence_count"`
	TestIDs         []string   `json:"test_ids"`
}

// AddResult reports how an occurrence was absorbed. MatchedHash carries
// the hash of the merged-into fingerprint, or "" for a brand new one.
type AddResult struct {
	Fingerprint *Fingerprint
	IsNew       bool
	MatchedHash string
}

type Stats struct {
	Count            int            `json:"count"`
	TotalOccurrences int            `json:"total_occurrences"`
	ByFailureType    map[string]int `json:"by_failure_type"`
	AvgOccurrences   float64        `json:"avg_occurrences"`
}

type Store struct {
	mu     sync.Mutex
	order  []*Fingerprint
	byHash map[string]*Fingerprint
}

func NewStore() *Store {
	return &Store{
		byHash: make(map[string]*Fingerprint),
	}
}

// Add merges the failure into an existing fingerprint, by exact hash
// first and then by similarity at or above SimilarityThreshold, or
// records a new one. Among similar candidates the best-scoring one wins.
func (s *Store) Add(ctx *testrun.FailureContext) AddResult {
	comps := Extract(ctx)
	hash := Hash(comps)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if fp, ok := s.byHash[hash]; ok {
		s.touchLocked(fp, ctx.TestID, now)
		return AddResult{Fingerprint: fp, MatchedHash: fp.Hash}
	}

	if fp := s.bestMatchLocked(comps); fp != nil {
		s.touchLocked(fp, ctx.TestID, now)
		return AddResult{Fingerprint: fp, MatchedHash: fp.Hash}
	}

	fp := &Fingerprint{
		ID:              uuid.New().String(),
		Hash:            hash,
		Components:      comps,
		FirstSeen:       now,
		LastSeen:        now,
		OccurrenceCount: 1,
	}
	if ctx.TestID != "" {
		fp.TestIDs = []string{ctx.TestID}
	}

	s.order = append(s.order, fp)
	s.byHash[hash] = fp

	return AddResult{Fingerprint: fp, IsNew: true}
}

func (s *Store) Get(hash string) (*Fingerprint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fp, ok := s.byHash[hash]
	return fp, ok
}

func (s *Store) GetAll() []*Fingerprint {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Fingerprint, len(s.order))
	copy(out, s.order)
	return out
}

// GetMostFrequent returns up to limit fingerprints ordered by occurrence
// count, most frequent first.
func (s *Store) GetMostFrequent(limit int) []*Fingerprint {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Fingerprint, len(s.order))
	copy(out, s.order)

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OccurrenceCount > out[j].OccurrenceCount
	})

	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}

	return out
}

// GetRecent returns fingerprints last seen within the window.
func (s *Store) GetRecent(window time.Duration) []*Fingerprint {
	cutoff := time.Now().Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Fingerprint
	for _, fp := range s.order {
		if fp.LastSeen.After(cutoff) {
			out = append(out, fp)
		}
	}

	return out
}

func (s *Store) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		Count:         len(s.order),
		ByFailureType: make(map[string]int),
	}

	for _, fp := range s.order {
		stats.TotalOccurrences += fp.OccurrenceCount
		stats.ByFailureType[fp.Components.FailureType]++
	}

	if stats.Count > 0 {
		stats.AvgOccurrences = float64(stats.TotalOccurrences) / float64(stats.Count)
	}

	return stats
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.order = nil
	s.byHash = make(map[string]*Fingerprint)
}

func (s *Store) bestMatchLocked(comps Components) *Fingerprint {
	var best *Fingerprint
	bestScore := 0.0

	for _, fp := range s.order {
		if score := Similarity(comps, fp.Components); score >= SimilarityThreshold && score > bestScore {
			best = fp
			bestScore = score
		}
	}

	return best
}

func (s *Store) touchLocked(fp *Fingerprint, testID string, now time.Time) {
	fp.LastSeen = now
	fp.OccurrenceCount++

	if testID == "" {
		return
	}

	for _, id := range fp.TestIDs {
		if id == testID {
			return
		}
	}

	fp.TestIDs = append(fp.TestIDs, testID)
}
