package switchboard

import (
	"context"
	"math"
)

// MemoryStore provides long-term per-user memory. Facts carry relevance
// embeddings so recall is semantic rather than keyword matching. Agents
// read through SearchFacts at the start of a turn; the remember tool
// writes.
type MemoryStore interface {
	UpsertFact(ctx context.Context, f Fact) error
	// SearchFacts returns the user's facts most similar to the query
	// embedding, best first.
	SearchFacts(ctx context.Context, userID string, embedding []float32, topK int) ([]Fact, error)
	DeleteFact(ctx context.Context, factID string) error
	Profile(ctx context.Context, userID string) (string, error)
	SetProfile(ctx context.Context, userID, profile string) error
	SweepExpiredFacts(ctx context.Context) error
}

// CosineSimilarity scores two embeddings. Zero when lengths differ or
// either vector is empty or degenerate.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}
