// Package matcher decides which enrolled person, if any, a detected face belongs to.
package matcher

import (
	"math"

	"github.com/not-amarnath/final-year-project/internal/types"
)

// DefaultThreshold is the largest Euclidean distance still accepted as a match.
const DefaultThreshold = 0.5

// Matcher compares probes against the enrolled set. It holds no reference to
// the candidates between calls, so every call sees whatever the caller passes in.
type Matcher struct {
	threshold float64
}

// New creates a matcher. A non-positive threshold falls back to DefaultThreshold.
func New(threshold float64) *Matcher {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Matcher{threshold: threshold}
}

// Threshold returns the acceptance threshold.
func (m *Matcher) Threshold() float64 {
	return m.threshold
}

// EuclideanDistance returns the L2 distance between a and b.
// Vectors of different (or zero) length are infinitely far apart.
func EuclideanDistance(a, b types.Embedding) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Match finds the nearest candidate. Ties keep the first candidate in enumeration order.
// If the nearest distance is strictly greater than the threshold the result is unknown.
func (m *Matcher) Match(probe types.Probe, candidates []types.EnrolledPerson) types.MatchResult {
	result := types.MatchResult{
		Label:    types.UnknownLabel,
		Distance: math.Inf(1),
		Box:      probe.Box,
	}
	if len(candidates) == 0 {
		return result
	}

	best := -1
	for i := range candidates {
		dist := EuclideanDistance(probe.Embedding, candidates[i].Embedding)
		if best == -1 || dist < result.Distance {
			best = i
			result.Distance = dist
		}
	}

	if result.Distance > m.threshold {
		return result
	}

	result.PersonID = candidates[best].ID
	result.Label = candidates[best].Name
	return result
}

// MatchAll runs Match for every probe, preserving probe order.
func (m *Matcher) MatchAll(probes []types.Probe, candidates []types.EnrolledPerson) []types.MatchResult {
	results := make([]types.MatchResult, 0, len(probes))
	for _, p := range probes {
		results = append(results, m.Match(p, candidates))
	}
	return results
}

// Best returns the lowest-distance result. The first of equal results wins.
func Best(results []types.MatchResult) (types.MatchResult, bool) {
	if len(results) == 0 {
		return types.MatchResult{}, false
	}
	best := results[0]
	for _, r := range results[1:] {
		if r.Distance < best.Distance {
			best = r
		}
	}
	return best, true
}
