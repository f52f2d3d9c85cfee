package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Dethon/switchboard"
)

// UpsertFact inserts a new fact or merges with an existing one for the same
// user if cosine similarity exceeds 0.85. Semantic deduplication uses
// pgvector cosine distance instead of brute-force.
func (s *Store) UpsertFact(ctx context.Context, f switchboard.Fact) error {
	now := switchboard.NowUnix()
	embStr := serializeEmbedding(f.Embedding)

	// Find the user's most similar existing fact using pgvector.
	var bestID string
	var bestConf float64
	var bestScore float32

	rows, err := s.pool.Query(ctx,
		`SELECT id, confidence, 1 - (embedding <=> $1::vector) AS score
		 FROM facts
		 WHERE user_id = $2 AND confidence >= 0.3 AND embedding IS NOT NULL
		 ORDER BY embedding <=> $1::vector
		 LIMIT 1`,
		embStr, f.UserID)
	if err != nil {
		return fmt.Errorf("postgres: upsert fact search: %w", err)
	}
	defer rows.Close()

	found := false
	if rows.Next() {
		if err := rows.Scan(&bestID, &bestConf, &bestScore); err == nil && bestScore > 0.85 {
			found = true
		}
	}
	rows.Close()

	if found {
		newConf := bestConf + 0.1
		if newConf > 1.0 {
			newConf = 1.0
		}
		_, err := s.pool.Exec(ctx,
			`UPDATE facts SET fact=$1, category=$2, embedding=$3::vector, confidence=$4, updated_at=$5 WHERE id=$6`,
			f.Fact, f.Category, embStr, newConf, now, bestID)
		if err != nil {
			return fmt.Errorf("postgres: merge fact: %w", err)
		}
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
	_, err = s.pool.Exec(ctx,
		`INSERT INTO facts (id, user_id, fact, category, confidence, embedding, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::vector, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   fact = EXCLUDED.fact,
		   category = EXCLUDED.category,
		   embedding = EXCLUDED.embedding,
		   updated_at = EXCLUDED.updated_at`,
		id, f.UserID, f.Fact, f.Category, conf, embStr, now, now)
	if err != nil {
		return fmt.Errorf("postgres: insert fact: %w", err)
	}
	return nil
}

// SearchFacts returns the user's facts most similar to the query embedding,
// best first. Only facts with confidence >= 0.3 are returned.
func (s *Store) SearchFacts(ctx context.Context, userID string, embedding []float32, topK int) ([]switchboard.Fact, error) {
	embStr := serializeEmbedding(embedding)
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, fact, category, confidence, created_at, updated_at
		 FROM facts
		 WHERE user_id = $2 AND confidence >= 0.3 AND embedding IS NOT NULL
		 ORDER BY embedding <=> $1::vector
		 LIMIT $3`,
		embStr, userID, topK)
	if err != nil {
		return nil, fmt.Errorf("postgres: search facts: %w", err)
	}
	defer rows.Close()

	var facts []switchboard.Fact
	for rows.Next() {
		var f switchboard.Fact
		if err := rows.Scan(&f.ID, &f.UserID, &f.Fact, &f.Category, &f.Confidence, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan fact: %w", err)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// DeleteFact removes a single fact by its ID.
func (s *Store) DeleteFact(ctx context.Context, factID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM facts WHERE id = $1`, factID)
	return err
}

// Profile returns a user's free-text profile, or "" when none is stored.
func (s *Store) Profile(ctx context.Context, userID string) (string, error) {
	var profile string
	err := s.pool.QueryRow(ctx, `SELECT profile FROM profiles WHERE user_id = $1`, userID).Scan(&profile)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("postgres: get profile: %w", err)
	}
	return profile, nil
}

// SetProfile inserts or replaces a user's profile text.
func (s *Store) SetProfile(ctx context.Context, userID, profile string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO profiles (user_id, profile, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET
		   profile = EXCLUDED.profile,
		   updated_at = EXCLUDED.updated_at`,
		userID, profile, switchboard.NowUnix())
	if err != nil {
		return fmt.Errorf("postgres: set profile: %w", err)
	}
	return nil
}

// SweepExpiredFacts deletes facts not touched within MemoryTTL.
func (s *Store) SweepExpiredFacts(ctx context.Context) error {
	cutoff := switchboard.NowUnix() - int64(switchboard.MemoryTTL.Seconds())
	_, err := s.pool.Exec(ctx, `DELETE FROM facts WHERE updated_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("postgres: sweep facts: %w", err)
	}
	return nil
}
