package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Dethon/switchboard"
)

// UpsertFact inserts a new fact or merges with an existing one for the same
// user if cosine similarity exceeds 0.85. Merging updates the text and bumps
// confidence.
func (s *Store) UpsertFact(ctx context.Context, f switchboard.Fact) error {
	start := time.Now()
	s.logger.Debug("sqlite: upsert fact", "user_id", f.UserID, "category", f.Category, "embedding_dim", len(f.Embedding))
	now := switchboard.NowUnix()
	embJSON := serializeEmbedding(f.Embedding)

	// Brute-force: check the user's existing facts for similarity.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, confidence, embedding FROM facts WHERE user_id = ? AND confidence >= 0.3`, f.UserID)
	if err != nil {
		s.logger.Error("sqlite: upsert fact query failed", "error", err, "duration", time.Since(start))
		return err
	}

	type candidate struct {
		id         string
		confidence float64
		similarity float32
	}
	var best *candidate

	for rows.Next() {
		var id, embText string
		var conf float64
		if err := rows.Scan(&id, &conf, &embText); err != nil {
			continue
		}
		existing, parseErr := deserializeEmbedding(embText)
		if parseErr != nil || len(existing) == 0 {
			continue
		}
		sim := switchboard.CosineSimilarity(f.Embedding, existing)
		if sim > 0.85 && (best == nil || sim > best.similarity) {
			best = &candidate{id: id, confidence: conf, similarity: sim}
		}
	}
	rows.Close()

	if best != nil {
		// Merge: update existing fact.
		newConf := best.confidence + 0.1
		if newConf > 1.0 {
			newConf = 1.0
		}
		_, err = s.db.ExecContext(ctx,
			`UPDATE facts SET fact=?, category=?, embedding=?, confidence=?, updated_at=? WHERE id=?`,
			f.Fact, f.Category, embJSON, newConf, now, best.id)
		if err != nil {
			s.logger.Error("sqlite: upsert fact merge failed", "id", best.id, "error", err, "duration", time.Since(start))
			return err
		}
		s.logger.Debug("sqlite: upsert fact merged", "id", best.id, "similarity", best.similarity, "duration", time.Since(start))
		return nil
	}

	id := f.ID
	if id == "" {
		id = switchboard.NewID()
	}
	conf := f.Confidence
	if conf == 0 {
		conf = 1.0
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO facts (id, user_id, fact, category, confidence, embedding, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, f.UserID, f.Fact, f.Category, conf, embJSON, now, now)
	if err != nil {
		s.logger.Error("sqlite: upsert fact insert failed", "id", id, "error", err, "duration", time.Since(start))
		return err
	}
	s.logger.Debug("sqlite: upsert fact inserted", "id", id, "duration", time.Since(start))
	return nil
}

// SearchFacts returns the user's facts most similar to the query embedding,
// best first. Only facts with confidence >= 0.3 are returned.
func (s *Store) SearchFacts(ctx context.Context, userID string, embedding []float32, topK int) ([]switchboard.Fact, error) {
	start := time.Now()
	s.logger.Debug("sqlite: search facts", "user_id", userID, "top_k", topK, "embedding_dim", len(embedding))

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, fact, category, confidence, embedding, created_at, updated_at
		 FROM facts WHERE user_id = ? AND confidence >= 0.3 AND embedding IS NOT NULL`, userID)
	if err != nil {
		s.logger.Error("sqlite: search facts failed", "error", err, "duration", time.Since(start))
		return nil, err
	}
	defer rows.Close()

	type scored struct {
		fact  switchboard.Fact
		score float32
	}
	var all []scored

	for rows.Next() {
		var f switchboard.Fact
		var embText string
		if err := rows.Scan(&f.ID, &f.UserID, &f.Fact, &f.Category, &f.Confidence, &embText, &f.CreatedAt, &f.UpdatedAt); err != nil {
			continue
		}
		emb, parseErr := deserializeEmbedding(embText)
		if parseErr != nil || len(emb) == 0 {
			continue
		}
		f.Embedding = emb
		all = append(all, scored{fact: f, score: switchboard.CosineSimilarity(embedding, emb)})
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].score > all[j].score
	})

	if len(all) > topK {
		all = all[:topK]
	}
	facts := make([]switchboard.Fact, len(all))
	for i, sc := range all {
		facts[i] = sc.fact
	}
	s.logger.Debug("sqlite: search facts ok", "user_id", userID, "count", len(facts), "duration", time.Since(start))
	return facts, nil
}

// DeleteFact removes a single fact by its ID.
func (s *Store) DeleteFact(ctx context.Context, factID string) error {
	start := time.Now()
	s.logger.Debug("sqlite: delete fact", "id", factID)
	_, err := s.db.ExecContext(ctx, `DELETE FROM facts WHERE id = ?`, factID)
	if err != nil {
		s.logger.Error("sqlite: delete fact failed", "id", factID, "error", err, "duration", time.Since(start))
		return err
	}
	s.logger.Debug("sqlite: delete fact ok", "id", factID, "duration", time.Since(start))
	return nil
}

// Profile returns a user's free-text profile, or "" when none is stored.
func (s *Store) Profile(ctx context.Context, userID string) (string, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get profile", "user_id", userID)

	var profile string
	err := s.db.QueryRowContext(ctx, `SELECT profile FROM profiles WHERE user_id = ?`, userID).Scan(&profile)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		s.logger.Error("sqlite: get profile failed", "user_id", userID, "error", err, "duration", time.Since(start))
		return "", fmt.Errorf("get profile: %w", err)
	}
	s.logger.Debug("sqlite: get profile ok", "user_id", userID, "duration", time.Since(start))
	return profile, nil
}

// SetProfile inserts or replaces a user's profile text.
func (s *Store) SetProfile(ctx context.Context, userID, profile string) error {
	start := time.Now()
	s.logger.Debug("sqlite: set profile", "user_id", userID, "len", len(profile))

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO profiles (user_id, profile, updated_at) VALUES (?, ?, ?)`,
		userID, profile, switchboard.NowUnix())
	if err != nil {
		s.logger.Error("sqlite: set profile failed", "user_id", userID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("set profile: %w", err)
	}
	s.logger.Debug("sqlite: set profile ok", "user_id", userID, "duration", time.Since(start))
	return nil
}

// SweepExpiredFacts deletes facts not touched within MemoryTTL.
func (s *Store) SweepExpiredFacts(ctx context.Context) error {
	start := time.Now()

	cutoff := time.Now().Add(-switchboard.MemoryTTL).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM facts WHERE updated_at < ?`, cutoff)
	if err != nil {
		s.logger.Error("sqlite: sweep facts failed", "error", err, "duration", time.Since(start))
		return fmt.Errorf("sweep facts: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Debug("sqlite: sweep facts ok", "deleted", n, "duration", time.Since(start))
	return nil
}

func serializeEmbedding(emb []float32) string {
	if len(emb) == 0 {
		return ""
	}
	data, err := json.Marshal(emb)
	if err != nil {
		return ""
	}
	return string(data)
}

func deserializeEmbedding(text string) ([]float32, error) {
	if text == "" {
		return nil, nil
	}
	var emb []float32
	if err := json.Unmarshal([]byte(text), &emb); err != nil {
		return nil, err
	}
	return emb, nil
}
