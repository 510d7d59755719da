package types

import (
	"math"
	"time"
)

// EmbeddingDim is the face descriptor length produced by the recognition engine.
const EmbeddingDim = 128

// UnknownLabel is reported for faces that match no enrolled person.
const UnknownLabel = "unknown"

// Embedding is a fixed-length face descriptor. Same-person faces yield small distances.
type Embedding []float32

// Clone returns a copy that shares no memory with e.
func (e Embedding) Clone() Embedding {
	if e == nil {
		return nil
	}
	out := make(Embedding, len(e))
	copy(out, e)
	return out
}

// BoundingBox is a face location in source-image pixel space.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area returns the box area in square pixels.
func (b BoundingBox) Area() float64 {
	return b.Width * b.Height
}

// Probe is a single detected face awaiting identity comparison. Never persisted.
type Probe struct {
	Box       BoundingBox `json:"box"`
	Embedding Embedding   `json:"-"`
}

// Frame is a single still captured from the live source.
type Frame struct {
	Index      int
	Data       []byte // JPEG
	CapturedAt time.Time
}

// EnrolledPerson is an authorized person together with their reference embedding.
type EnrolledPerson struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Embedding  Embedding `json:"-"`
	EnrolledAt time.Time `json:"enrolled_at"`
}

// Summary returns the display projection of p.
func (p EnrolledPerson) Summary() PersonSummary {
	return PersonSummary{
		ID:           p.ID,
		Name:         p.Name,
		HasEmbedding: len(p.Embedding) > 0,
		EnrolledAt:   p.EnrolledAt,
	}
}

// PersonSummary is what the dashboard sees of an enrolled person.
type PersonSummary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	HasEmbedding bool      `json:"has_embedding"`
	EnrolledAt   time.Time `json:"enrolled_at"`
}

// MatchResult is the identity decision for one probe.
// An empty PersonID means the face is unmatched.
type MatchResult struct {
	PersonID string      `json:"person_id,omitempty"`
	Label    string      `json:"label"`
	Distance float64     `json:"distance"`
	Box      BoundingBox `json:"box"`
}

// Authorized reports whether the result names an enrolled person.
func (r MatchResult) Authorized() bool {
	return r.PersonID != ""
}

// Confidence converts the distance to a similarity in [0,1].
func (r MatchResult) Confidence() float64 {
	c := 1 - r.Distance
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// ConfidencePercent is Confidence scaled to an integer percentage.
func (r MatchResult) ConfidencePercent() int {
	return int(math.Round(r.Confidence() * 100))
}

// EvidenceEntry is a durably logged recognition event.
type EvidenceEntry struct {
	ID                string    `json:"id"`
	CapturedAt        time.Time `json:"captured_at"`
	Label             string    `json:"label"`
	Authorized        bool      `json:"authorized"`
	ConfidencePercent int       `json:"confidence_percent"`
	Snapshot          []byte    `json:"-"`
}
