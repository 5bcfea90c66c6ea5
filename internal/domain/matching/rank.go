package matching

import (
	"container/heap"
	"sort"
)

// Match grade codes (http://hl7.org/fhir/match-grade).
const (
	GradeCertain  = "certain"
	GradeProbable = "probable"
	GradePossible = "possible"
)

// Lowest scores graded certain and probable.
const (
	certainScore  = 14
	probableScore = 10
)

// Match is an admitted candidate with its score.
type Match struct {
	ID       string
	Resource []byte
	Score    int
}

// Grade maps the score to a match grade. A passport or driver's license
// agreement together with the full name is certain; an identifier agreement
// alone is probable.
func (m Match) Grade() string {
	switch {
	case m.Score >= certainScore:
		return GradeCertain
	case m.Score >= probableScore:
		return GradeProbable
	}
	return GradePossible
}

// RanksBefore reports whether a orders ahead of b: higher score first, then
// lower id.
func RanksBefore(a, b Match) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.ID < b.ID
}

// Ranking admits scored candidates at or above a floor and keeps them in
// rank order. With a positive limit only the best limit matches are
// retained, so memory stays bounded while candidates stream in.
type Ranking struct {
	floor    int
	limit    int
	admitted int
	kept     worstFirst
}

func NewRanking(floor, limit int) *Ranking {
	return &Ranking{floor: floor, limit: limit}
}

// Offer considers a candidate and reports whether it was admitted.
func (r *Ranking) Offer(m Match) bool {
	if m.Score < r.floor {
		return false
	}
	r.admitted++
	if r.limit <= 0 {
		r.kept = append(r.kept, m)
		return true
	}
	if len(r.kept) < r.limit {
		heap.Push(&r.kept, m)
		return true
	}
	if RanksBefore(m, r.kept[0]) {
		r.kept[0] = m
		heap.Fix(&r.kept, 0)
	}
	return true
}

// Admitted is the number of candidates that reached the floor, including
// any dropped by the limit.
func (r *Ranking) Admitted() int { return r.admitted }

// Results returns the retained matches in rank order.
func (r *Ranking) Results() []Match {
	out := make([]Match, len(r.kept))
	copy(out, r.kept)
	sort.Slice(out, func(i, j int) bool { return RanksBefore(out[i], out[j]) })
	return out
}

// worstFirst is a heap whose root is the lowest-ranked retained match.
type worstFirst []Match

func (h worstFirst) Len() int           { return len(h) }
func (h worstFirst) Less(i, j int) bool { return RanksBefore(h[j], h[i]) }
func (h worstFirst) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *worstFirst) Push(x any) { *h = append(*h, x.(Match)) }

func (h *worstFirst) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	*h = old[:n-1]
	return m
}
