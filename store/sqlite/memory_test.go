package sqlite

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/Dethon/switchboard"
)

// insertFact inserts a fact directly into the DB for test setup.
func insertFact(t *testing.T, s *Store, id, userID, fact, category string, confidence float64, embedding []float32, createdAt, updatedAt int64) {
	t.Helper()
	embJSON := serializeEmbedding(embedding)
	_, err := s.db.ExecContext(context.Background(),
		`INSERT INTO facts (id, user_id, fact, category, confidence, embedding, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, userID, fact, category, confidence, embJSON, createdAt, updatedAt)
	if err != nil {
		t.Fatalf("insertFact: %v", err)
	}
}

func countFacts(t *testing.T, s *Store) int {
	t.Helper()
	var count int
	if err := s.db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM facts`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	return count
}

func getConfidence(t *testing.T, s *Store, id string) float64 {
	t.Helper()
	var conf float64
	if err := s.db.QueryRowContext(context.Background(), `SELECT confidence FROM facts WHERE id = ?`, id).Scan(&conf); err != nil {
		t.Fatalf("getConfidence for %q: %v", id, err)
	}
	return conf
}

func getFactText(t *testing.T, s *Store, id string) string {
	t.Helper()
	var fact string
	if err := s.db.QueryRowContext(context.Background(), `SELECT fact FROM facts WHERE id = ?`, id).Scan(&fact); err != nil {
		t.Fatalf("getFactText for %q: %v", id, err)
	}
	return fact
}

func TestUpsertFactInsert(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	f := switchboard.Fact{UserID: "u1", Fact: "likes Go", Category: "preference", Embedding: []float32{1, 0, 0}}
	if err := s.UpsertFact(ctx, f); err != nil {
		t.Fatalf("UpsertFact: %v", err)
	}

	if n := countFacts(t, s); n != 1 {
		t.Errorf("expected 1 fact, got %d", n)
	}

	facts, err := s.SearchFacts(ctx, "u1", []float32{1, 0, 0}, 10)
	if err != nil {
		t.Fatalf("SearchFacts: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("expected 1 fact, got %d", len(facts))
	}
	if facts[0].Fact != "likes Go" {
		t.Errorf("fact text = %q, want %q", facts[0].Fact, "likes Go")
	}
	if facts[0].Category != "preference" {
		t.Errorf("category = %q, want %q", facts[0].Category, "preference")
	}
	if facts[0].Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0", facts[0].Confidence)
	}
}

func TestUpsertFactMergeSimilar(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	emb := []float32{1, 0, 0}
	if err := s.UpsertFact(ctx, switchboard.Fact{UserID: "u1", Fact: "likes Go", Category: "preference", Embedding: emb}); err != nil {
		t.Fatalf("first UpsertFact: %v", err)
	}

	facts, _ := s.SearchFacts(ctx, "u1", emb, 10)
	firstID := facts[0].ID

	// Identical embedding means cosine sim 1.0 > 0.85, so the facts merge.
	if err := s.UpsertFact(ctx, switchboard.Fact{UserID: "u1", Fact: "really likes Go", Category: "preference", Embedding: emb}); err != nil {
		t.Fatalf("second UpsertFact: %v", err)
	}

	if n := countFacts(t, s); n != 1 {
		t.Errorf("expected 1 fact after merge, got %d", n)
	}

	factText := getFactText(t, s, firstID)
	if factText != "really likes Go" {
		t.Errorf("fact text after merge = %q, want %q", factText, "really likes Go")
	}

	// 1.0 + 0.1 = 1.1, capped at 1.0
	conf := getConfidence(t, s, firstID)
	if conf != 1.0 {
		t.Errorf("confidence after merge = %v, want 1.0 (capped)", conf)
	}
}

func TestUpsertFactMergeConfidenceIncrease(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	emb := []float32{1, 0, 0}
	now := time.Now().Unix()
	insertFact(t, s, "fact-1", "u1", "likes Go", "preference", 0.7, emb, now, now)

	if err := s.UpsertFact(ctx, switchboard.Fact{UserID: "u1", Fact: "really likes Go", Category: "preference", Embedding: emb}); err != nil {
		t.Fatalf("UpsertFact: %v", err)
	}

	if n := countFacts(t, s); n != 1 {
		t.Errorf("expected 1 fact after merge, got %d", n)
	}

	conf := getConfidence(t, s, "fact-1")
	expected := 0.8 // 0.7 + 0.1
	if math.Abs(conf-expected) > 1e-6 {
		t.Errorf("confidence = %v, want %v", conf, expected)
	}
}

func TestUpsertFactNoMergeDissimilar(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.UpsertFact(ctx, switchboard.Fact{UserID: "u1", Fact: "likes Go", Category: "preference", Embedding: []float32{1, 0, 0}}); err != nil {
		t.Fatalf("first UpsertFact: %v", err)
	}
	if err := s.UpsertFact(ctx, switchboard.Fact{UserID: "u1", Fact: "lives in Osaka", Category: "location", Embedding: []float32{0, 1, 0}}); err != nil {
		t.Fatalf("second UpsertFact: %v", err)
	}

	if n := countFacts(t, s); n != 2 {
		t.Errorf("expected 2 facts (no merge), got %d", n)
	}
}

func TestUpsertFactNoMergeAcrossUsers(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	emb := []float32{1, 0, 0}
	if err := s.UpsertFact(ctx, switchboard.Fact{UserID: "u1", Fact: "likes Go", Category: "preference", Embedding: emb}); err != nil {
		t.Fatal(err)
	}
	// Same embedding but different user must not merge.
	if err := s.UpsertFact(ctx, switchboard.Fact{UserID: "u2", Fact: "likes Go", Category: "preference", Embedding: emb}); err != nil {
		t.Fatal(err)
	}

	if n := countFacts(t, s); n != 2 {
		t.Errorf("expected 2 facts across users, got %d", n)
	}
}

func TestSearchFactsOrdering(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().Unix()
	insertFact(t, s, "f1", "u1", "likes Go", "preference", 1.0, []float32{1, 0, 0}, now, now)
	insertFact(t, s, "f2", "u1", "lives in Osaka", "location", 1.0, []float32{0, 1, 0}, now, now)
	insertFact(t, s, "f3", "u1", "mostly likes Go", "preference", 1.0, []float32{0.9, 0.1, 0}, now, now)

	results, err := s.SearchFacts(ctx, "u1", []float32{1, 0, 0}, 10)
	if err != nil {
		t.Fatalf("SearchFacts: %v", err)
	}

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].ID != "f1" {
		t.Errorf("first result = %q, want f1", results[0].ID)
	}
	if results[1].ID != "f3" {
		t.Errorf("second result = %q, want f3", results[1].ID)
	}
	if results[2].ID != "f2" {
		t.Errorf("third result = %q, want f2", results[2].ID)
	}
}

func TestSearchFactsTopK(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().Unix()
	insertFact(t, s, "f1", "u1", "fact one", "cat", 1.0, []float32{1, 0, 0, 0, 0}, now, now)
	insertFact(t, s, "f2", "u1", "fact two", "cat", 1.0, []float32{0.9, 0.1, 0, 0, 0}, now, now)
	insertFact(t, s, "f3", "u1", "fact three", "cat", 1.0, []float32{0, 1, 0, 0, 0}, now, now)
	insertFact(t, s, "f4", "u1", "fact four", "cat", 1.0, []float32{0, 0, 1, 0, 0}, now, now)
	insertFact(t, s, "f5", "u1", "fact five", "cat", 1.0, []float32{0, 0, 0, 1, 0}, now, now)

	results, err := s.SearchFacts(ctx, "u1", []float32{1, 0, 0, 0, 0}, 2)
	if err != nil {
		t.Fatalf("SearchFacts: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results (topK=2), got %d", len(results))
	}
	if results[0].ID != "f1" {
		t.Errorf("first result = %q, want f1", results[0].ID)
	}
	if results[1].ID != "f2" {
		t.Errorf("second result = %q, want f2", results[1].ID)
	}
}

func TestSearchFactsFiltersLowConfidence(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().Unix()
	insertFact(t, s, "f1", "u1", "visible", "cat", 1.0, []float32{1, 0, 0}, now, now)
	insertFact(t, s, "f2", "u1", "invisible", "cat", 0.2, []float32{1, 0, 0}, now, now)

	results, err := s.SearchFacts(ctx, "u1", []float32{1, 0, 0}, 10)
	if err != nil {
		t.Fatalf("SearchFacts: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result (low confidence filtered), got %d", len(results))
	}
	if results[0].ID != "f1" {
		t.Errorf("result = %q, want f1", results[0].ID)
	}
}

func TestSearchFactsScopedToUser(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().Unix()
	insertFact(t, s, "f1", "u1", "likes Go", "preference", 1.0, []float32{1, 0, 0}, now, now)
	insertFact(t, s, "f2", "u2", "likes Rust", "preference", 1.0, []float32{1, 0, 0}, now, now)

	results, err := s.SearchFacts(ctx, "u1", []float32{1, 0, 0}, 10)
	if err != nil {
		t.Fatalf("SearchFacts: %v", err)
	}
	if len(results) != 1 || results[0].ID != "f1" {
		t.Errorf("expected only u1's fact, got %+v", results)
	}
}

func TestDeleteFact(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().Unix()
	insertFact(t, s, "f1", "u1", "temp", "cat", 1.0, []float32{1, 0}, now, now)

	if err := s.DeleteFact(ctx, "f1"); err != nil {
		t.Fatalf("DeleteFact: %v", err)
	}
	if n := countFacts(t, s); n != 0 {
		t.Errorf("expected 0 facts after delete, got %d", n)
	}
}

func TestProfile(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p, err := s.Profile(ctx, "u1")
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if p != "" {
		t.Errorf("missing profile should return empty, got %q", p)
	}

	if err := s.SetProfile(ctx, "u1", "Prefers short answers."); err != nil {
		t.Fatalf("SetProfile: %v", err)
	}
	p, _ = s.Profile(ctx, "u1")
	if p != "Prefers short answers." {
		t.Errorf("expected stored profile, got %q", p)
	}

	s.SetProfile(ctx, "u1", "Prefers long answers.")
	p, _ = s.Profile(ctx, "u1")
	if p != "Prefers long answers." {
		t.Errorf("expected replaced profile, got %q", p)
	}
}

func TestSweepExpiredFacts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().Unix()
	old := time.Now().Add(-switchboard.MemoryTTL - time.Hour).Unix()
	insertFact(t, s, "fresh", "u1", "new memory", "cat", 1.0, []float32{1, 0}, now, now)
	insertFact(t, s, "stale", "u1", "forgotten memory", "cat", 1.0, []float32{0, 1}, old, old)

	if err := s.SweepExpiredFacts(ctx); err != nil {
		t.Fatalf("SweepExpiredFacts: %v", err)
	}

	var count int
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM facts WHERE id = ?`, "stale").Scan(&count)
	if count != 0 {
		t.Error("stale fact should be swept")
	}
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM facts WHERE id = ?`, "fresh").Scan(&count)
	if count != 1 {
		t.Error("fresh fact should survive the sweep")
	}
}
