// Package postgres implements switchboard.Store using PostgreSQL with
// pgvector for native vector similarity search over user memory.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Dethon/switchboard"
)

// Store implements switchboard.Store backed by PostgreSQL with pgvector.
// Fact search uses HNSW indexes with cosine distance.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	embeddingDimension int // 0 = untyped vector
	hnswM              int // 0 = pgvector default (16)
	hnswEFConstruction int // 0 = pgvector default (64)
	hnswEFSearch       int // 0 = pgvector default (40)
}

// Option configures a PostgreSQL Store.
type Option func(*pgConfig)

// WithEmbeddingDimension sets the vector column dimension (e.g. 1536, 768).
// When set, CREATE TABLE uses vector(N) instead of untyped vector, enabling
// better index optimization and catching dimension mismatches at insert time.
// Only affects new table creation (no ALTER on existing tables).
func WithEmbeddingDimension(dim int) Option {
	return func(c *pgConfig) { c.embeddingDimension = dim }
}

// WithHNSWM sets the HNSW m parameter (max connections per node).
// Higher values improve recall at the cost of memory. Default: pgvector's 16.
func WithHNSWM(m int) Option {
	return func(c *pgConfig) { c.hnswM = m }
}

// WithEFConstruction sets the HNSW ef_construction parameter (build-time
// candidate list size). Higher values improve index quality at the cost of
// slower builds. Default: pgvector's 64.
func WithEFConstruction(ef int) Option {
	return func(c *pgConfig) { c.hnswEFConstruction = ef }
}

// WithEFSearch sets the HNSW ef_search parameter (query-time candidate list
// size). Higher values improve recall at the cost of latency. Default:
// pgvector's 40. Applied via SET during Init().
func WithEFSearch(ef int) Option {
	return func(c *pgConfig) { c.hnswEFSearch = ef }
}

var _ switchboard.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{pool: pool, cfg: cfg}
}

// vectorType returns "vector" or "vector(N)" depending on config.
func (s *Store) vectorType() string {
	if s.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", s.cfg.embeddingDimension)
	}
	return "vector"
}

// hnswWithClause returns the WITH (...) clause for HNSW index creation,
// or an empty string if no tuning params are set.
func (s *Store) hnswWithClause() string {
	var parts []string
	if s.cfg.hnswM > 0 {
		parts = append(parts, fmt.Sprintf("m = %d", s.cfg.hnswM))
	}
	if s.cfg.hnswEFConstruction > 0 {
		parts = append(parts, fmt.Sprintf("ef_construction = %d", s.cfg.hnswEFConstruction))
	}
	if len(parts) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(parts, ", ") + ")"
}

// Init creates the pgvector extension, all required tables, and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	vtype := s.vectorType()
	hnswWith := s.hnswWithClause()

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		`CREATE TABLE IF NOT EXISTS threads (
			chat_id BIGINT NOT NULL,
			topic_id BIGINT NOT NULL,
			agent_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			PRIMARY KEY (chat_id, topic_id)
		)`,

		`CREATE TABLE IF NOT EXISTS transcripts (
			id TEXT PRIMARY KEY,
			chat_id BIGINT NOT NULL,
			topic_id BIGINT NOT NULL,
			agent_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			sender_id TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS transcripts_thread_idx ON transcripts(chat_id, topic_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS snapshots (
			chat_id BIGINT NOT NULL,
			topic_id BIGINT NOT NULL,
			agent_id TEXT NOT NULL,
			snapshot BYTEA NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (chat_id, topic_id, agent_id)
		)`,

		`CREATE TABLE IF NOT EXISTS buffers (
			chat_id BIGINT NOT NULL,
			topic_id BIGINT NOT NULL,
			agent_id TEXT NOT NULL,
			state JSONB NOT NULL,
			last_write BIGINT NOT NULL,
			PRIMARY KEY (chat_id, topic_id, agent_id)
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS facts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			fact TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			confidence REAL DEFAULT 1.0,
			embedding %s,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`, vtype),
		`CREATE INDEX IF NOT EXISTS facts_user_idx ON facts(user_id)`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS facts_embedding_idx ON facts USING hnsw (embedding vector_cosine_ops)%s`, hnswWith),

		`CREATE TABLE IF NOT EXISTS profiles (
			user_id TEXT PRIMARY KEY,
			profile TEXT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS scheduled_actions (
			id TEXT PRIMARY KEY,
			chat_id BIGINT NOT NULL,
			topic_id BIGINT NOT NULL DEFAULT 0,
			agent_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			schedule TEXT NOT NULL DEFAULT '',
			tool_calls TEXT NOT NULL DEFAULT '',
			synthesis_prompt TEXT NOT NULL DEFAULT '',
			next_run BIGINT NOT NULL DEFAULT 0,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS scheduled_due_idx ON scheduled_actions(enabled, next_run)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}

	if s.cfg.hnswEFSearch > 0 {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf("SET hnsw.ef_search = %d", s.cfg.hnswEFSearch)); err != nil {
			return fmt.Errorf("postgres: set ef_search: %w", err)
		}
	}

	return nil
}

// --- Snapshots ---

// SaveSnapshot inserts or replaces a thread's serialized agent state.
func (s *Store) SaveSnapshot(ctx context.Context, key switchboard.ThreadKey, snapshot []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO snapshots (chat_id, topic_id, agent_id, snapshot, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (chat_id, topic_id, agent_id) DO UPDATE SET
		   snapshot = EXCLUDED.snapshot,
		   updated_at = EXCLUDED.updated_at`,
		key.ChatID, key.TopicID, key.AgentID, snapshot, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("postgres: save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the stored snapshot, or nil when the thread has none.
func (s *Store) LoadSnapshot(ctx context.Context, key switchboard.ThreadKey) ([]byte, error) {
	var snapshot []byte
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot FROM snapshots WHERE chat_id = $1 AND topic_id = $2 AND agent_id = $3`,
		key.ChatID, key.TopicID, key.AgentID).Scan(&snapshot)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load snapshot: %w", err)
	}
	return snapshot, nil
}

// DeleteSnapshot removes a thread's snapshot.
func (s *Store) DeleteSnapshot(ctx context.Context, key switchboard.ThreadKey) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM snapshots WHERE chat_id = $1 AND topic_id = $2 AND agent_id = $3`,
		key.ChatID, key.TopicID, key.AgentID)
	if err != nil {
		return fmt.Errorf("postgres: delete snapshot: %w", err)
	}
	return nil
}

// --- Reconnection buffers ---

// SaveBuffer inserts or replaces a thread's persisted buffer state.
func (s *Store) SaveBuffer(ctx context.Context, key switchboard.ThreadKey, state switchboard.BufferState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("postgres: marshal buffer state: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO buffers (chat_id, topic_id, agent_id, state, last_write)
		 VALUES ($1, $2, $3, $4::jsonb, $5)
		 ON CONFLICT (chat_id, topic_id, agent_id) DO UPDATE SET
		   state = EXCLUDED.state,
		   last_write = EXCLUDED.last_write`,
		key.ChatID, key.TopicID, key.AgentID, string(data), state.LastWrite)
	if err != nil {
		return fmt.Errorf("postgres: save buffer: %w", err)
	}
	return nil
}

// LoadBuffer returns a thread's buffer state and whether one was stored.
func (s *Store) LoadBuffer(ctx context.Context, key switchboard.ThreadKey) (switchboard.BufferState, bool, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM buffers WHERE chat_id = $1 AND topic_id = $2 AND agent_id = $3`,
		key.ChatID, key.TopicID, key.AgentID).Scan(&data)
	if err == pgx.ErrNoRows {
		return switchboard.BufferState{}, false, nil
	}
	if err != nil {
		return switchboard.BufferState{}, false, fmt.Errorf("postgres: load buffer: %w", err)
	}

	var state switchboard.BufferState
	if err := json.Unmarshal(data, &state); err != nil {
		return switchboard.BufferState{}, false, fmt.Errorf("postgres: unmarshal buffer state: %w", err)
	}
	return state, true, nil
}

// DeleteBuffer removes a thread's buffer state.
func (s *Store) DeleteBuffer(ctx context.Context, key switchboard.ThreadKey) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM buffers WHERE chat_id = $1 AND topic_id = $2 AND agent_id = $3`,
		key.ChatID, key.TopicID, key.AgentID)
	if err != nil {
		return fmt.Errorf("postgres: delete buffer: %w", err)
	}
	return nil
}

// --- Threads ---

// SaveThread inserts or replaces a provisioned thread record.
func (s *Store) SaveThread(ctx context.Context, t switchboard.ThreadRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO threads (chat_id, topic_id, agent_id, title, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (chat_id, topic_id) DO UPDATE SET
		   agent_id = EXCLUDED.agent_id,
		   title = EXCLUDED.title,
		   created_at = EXCLUDED.created_at`,
		t.ChatID, t.TopicID, t.AgentID, t.Title, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save thread: %w", err)
	}
	return nil
}

// ListThreads returns a chat's threads, newest first.
func (s *Store) ListThreads(ctx context.Context, chatID int64) ([]switchboard.ThreadRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT chat_id, topic_id, agent_id, title, created_at
		 FROM threads WHERE chat_id = $1 ORDER BY created_at DESC`,
		chatID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list threads: %w", err)
	}
	defer rows.Close()

	var threads []switchboard.ThreadRecord
	for rows.Next() {
		var t switchboard.ThreadRecord
		if err := rows.Scan(&t.ChatID, &t.TopicID, &t.AgentID, &t.Title, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// DeleteThread removes a thread record and its transcript rows.
func (s *Store) DeleteThread(ctx context.Context, chatID, topicID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM transcripts WHERE chat_id = $1 AND topic_id = $2`, chatID, topicID); err != nil {
		return fmt.Errorf("postgres: delete thread transcripts: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM threads WHERE chat_id = $1 AND topic_id = $2`, chatID, topicID); err != nil {
		return fmt.Errorf("postgres: delete thread: %w", err)
	}
	return tx.Commit(ctx)
}

// --- Transcripts ---

// AppendTranscript inserts or replaces one finalized turn. The id is the
// coalesced message id, so replays of the same boundary are idempotent.
func (s *Store) AppendTranscript(ctx context.Context, e switchboard.TranscriptEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transcripts (id, chat_id, topic_id, agent_id, role, content, sender_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   content = EXCLUDED.content,
		   created_at = EXCLUDED.created_at`,
		e.ID, e.ChatID, e.TopicID, e.AgentID, e.Role, e.Content, e.SenderID, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append transcript: %w", err)
	}
	return nil
}

// GetTranscript returns the most recent turns for a thread, ordered
// chronologically (oldest first).
func (s *Store) GetTranscript(ctx context.Context, chatID, topicID int64, limit int) ([]switchboard.TranscriptEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, chat_id, topic_id, agent_id, role, content, sender_id, created_at
		 FROM transcripts
		 WHERE chat_id = $1 AND topic_id = $2
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3`,
		chatID, topicID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: get transcript: %w", err)
	}
	defer rows.Close()

	var entries []switchboard.TranscriptEntry
	for rows.Next() {
		var e switchboard.TranscriptEntry
		if err := rows.Scan(&e.ID, &e.ChatID, &e.TopicID, &e.AgentID, &e.Role, &e.Content, &e.SenderID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan transcript: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate transcript: %w", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// --- Scheduled Actions ---

func (s *Store) CreateScheduledAction(ctx context.Context, a switchboard.ScheduledAction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scheduled_actions (id, chat_id, topic_id, agent_id, user_id, description, schedule, tool_calls, synthesis_prompt, next_run, enabled, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.ChatID, a.TopicID, a.AgentID, a.UserID, a.Description, a.Schedule,
		a.ToolCalls, a.SynthesisPrompt, a.NextRun, a.Enabled, a.CreatedAt)
	return err
}

func (s *Store) ListScheduledActions(ctx context.Context, chatID int64) ([]switchboard.ScheduledAction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, chat_id, topic_id, agent_id, user_id, description, schedule, tool_calls, synthesis_prompt, next_run, enabled, created_at
		 FROM scheduled_actions WHERE chat_id = $1 ORDER BY next_run`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanScheduledActions(rows)
}

func (s *Store) GetDueScheduledActions(ctx context.Context, now int64) ([]switchboard.ScheduledAction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, chat_id, topic_id, agent_id, user_id, description, schedule, tool_calls, synthesis_prompt, next_run, enabled, created_at
		 FROM scheduled_actions WHERE enabled = TRUE AND next_run <= $1`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanScheduledActions(rows)
}

func (s *Store) UpdateScheduledAction(ctx context.Context, a switchboard.ScheduledAction) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE scheduled_actions SET chat_id=$1, topic_id=$2, agent_id=$3, user_id=$4, description=$5, schedule=$6, tool_calls=$7, synthesis_prompt=$8, next_run=$9, enabled=$10 WHERE id=$11`,
		a.ChatID, a.TopicID, a.AgentID, a.UserID, a.Description, a.Schedule,
		a.ToolCalls, a.SynthesisPrompt, a.NextRun, a.Enabled, a.ID)
	return err
}

func (s *Store) UpdateScheduledActionEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.pool.Exec(ctx, `UPDATE scheduled_actions SET enabled=$1 WHERE id=$2`, enabled, id)
	return err
}

func (s *Store) DeleteScheduledAction(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM scheduled_actions WHERE id=$1`, id)
	return err
}

// --- Retention ---

// SweepExpired deletes rows past their retention windows: snapshots after
// SnapshotTTL, buffers after BufferTTL, facts after MemoryTTL, all measured
// from last touch.
func (s *Store) SweepExpired(ctx context.Context) error {
	now := time.Now()

	if _, err := s.pool.Exec(ctx, `DELETE FROM snapshots WHERE updated_at < $1`,
		now.Add(-switchboard.SnapshotTTL).Unix()); err != nil {
		return fmt.Errorf("postgres: sweep snapshots: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM buffers WHERE last_write < $1`,
		now.Add(-switchboard.BufferTTL).Unix()); err != nil {
		return fmt.Errorf("postgres: sweep buffers: %w", err)
	}
	return s.SweepExpiredFacts(ctx)
}

// Close is a no-op. The caller owns the pool and manages its lifecycle.
func (s *Store) Close() error {
	return nil
}

// --- Helpers ---

func scanScheduledActions(rows pgx.Rows) ([]switchboard.ScheduledAction, error) {
	var actions []switchboard.ScheduledAction
	for rows.Next() {
		var a switchboard.ScheduledAction
		if err := rows.Scan(&a.ID, &a.ChatID, &a.TopicID, &a.AgentID, &a.UserID, &a.Description, &a.Schedule,
			&a.ToolCalls, &a.SynthesisPrompt, &a.NextRun, &a.Enabled, &a.CreatedAt); err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// serializeEmbedding converts []float32 to a string like "[0.1,0.2,0.3]"
// suitable for pgvector's text input format.
func serializeEmbedding(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
