// Package sqlite implements switchboard.Store using pure-Go SQLite with
// in-process brute-force vector search for user memory. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Dethon/switchboard"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements switchboard.Store backed by a local SQLite file.
// Embeddings are stored as JSON text and fact search is done in-process
// using brute-force cosine similarity.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ switchboard.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			chat_id INTEGER NOT NULL,
			topic_id INTEGER NOT NULL,
			agent_id TEXT NOT NULL,
			title TEXT,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (chat_id, topic_id)
		)`,
		`CREATE TABLE IF NOT EXISTS transcripts (
			id TEXT PRIMARY KEY,
			chat_id INTEGER NOT NULL,
			topic_id INTEGER NOT NULL,
			agent_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			sender_id TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			chat_id INTEGER NOT NULL,
			topic_id INTEGER NOT NULL,
			agent_id TEXT NOT NULL,
			snapshot BLOB NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (chat_id, topic_id, agent_id)
		)`,
		`CREATE TABLE IF NOT EXISTS buffers (
			chat_id INTEGER NOT NULL,
			topic_id INTEGER NOT NULL,
			agent_id TEXT NOT NULL,
			state TEXT NOT NULL,
			last_write INTEGER NOT NULL,
			PRIMARY KEY (chat_id, topic_id, agent_id)
		)`,
		`CREATE TABLE IF NOT EXISTS facts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			fact TEXT NOT NULL,
			category TEXT,
			confidence REAL,
			embedding TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			user_id TEXT PRIMARY KEY,
			profile TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_actions (
			id TEXT PRIMARY KEY,
			chat_id INTEGER NOT NULL,
			topic_id INTEGER DEFAULT 0,
			agent_id TEXT,
			user_id TEXT,
			description TEXT,
			schedule TEXT,
			tool_calls TEXT,
			synthesis_prompt TEXT,
			next_run INTEGER,
			enabled INTEGER DEFAULT 1,
			created_at INTEGER
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_transcripts_thread ON transcripts(chat_id, topic_id, created_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_threads_chat ON threads(chat_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_facts_user ON facts(user_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_scheduled_due ON scheduled_actions(enabled, next_run)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// --- Snapshots ---

// SaveSnapshot inserts or replaces a thread's serialized agent state.
func (s *Store) SaveSnapshot(ctx context.Context, key switchboard.ThreadKey, snapshot []byte) error {
	start := time.Now()
	s.logger.Debug("sqlite: save snapshot", "key", key.String(), "bytes", len(snapshot))

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshots (chat_id, topic_id, agent_id, snapshot, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		key.ChatID, key.TopicID, key.AgentID, snapshot, time.Now().Unix(),
	)
	if err != nil {
		s.logger.Error("sqlite: save snapshot failed", "key", key.String(), "error", err, "duration", time.Since(start))
		return fmt.Errorf("save snapshot: %w", err)
	}
	s.logger.Debug("sqlite: save snapshot ok", "key", key.String(), "duration", time.Since(start))
	return nil
}

// LoadSnapshot returns the stored snapshot, or nil when the thread has none.
func (s *Store) LoadSnapshot(ctx context.Context, key switchboard.ThreadKey) ([]byte, error) {
	start := time.Now()
	s.logger.Debug("sqlite: load snapshot", "key", key.String())

	var snapshot []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM snapshots WHERE chat_id = ? AND topic_id = ? AND agent_id = ?`,
		key.ChatID, key.TopicID, key.AgentID,
	).Scan(&snapshot)
	if err == sql.ErrNoRows {
		s.logger.Debug("sqlite: load snapshot not found", "key", key.String(), "duration", time.Since(start))
		return nil, nil
	}
	if err != nil {
		s.logger.Error("sqlite: load snapshot failed", "key", key.String(), "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	s.logger.Debug("sqlite: load snapshot ok", "key", key.String(), "bytes", len(snapshot), "duration", time.Since(start))
	return snapshot, nil
}

// DeleteSnapshot removes a thread's snapshot. Deleting a missing row is not
// an error.
func (s *Store) DeleteSnapshot(ctx context.Context, key switchboard.ThreadKey) error {
	start := time.Now()
	s.logger.Debug("sqlite: delete snapshot", "key", key.String())

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE chat_id = ? AND topic_id = ? AND agent_id = ?`,
		key.ChatID, key.TopicID, key.AgentID,
	)
	if err != nil {
		s.logger.Error("sqlite: delete snapshot failed", "key", key.String(), "error", err, "duration", time.Since(start))
		return fmt.Errorf("delete snapshot: %w", err)
	}
	s.logger.Debug("sqlite: delete snapshot ok", "key", key.String(), "duration", time.Since(start))
	return nil
}

// --- Reconnection buffers ---

// SaveBuffer inserts or replaces a thread's persisted buffer state.
func (s *Store) SaveBuffer(ctx context.Context, key switchboard.ThreadKey, state switchboard.BufferState) error {
	start := time.Now()
	s.logger.Debug("sqlite: save buffer", "key", key.String(), "finalized", len(state.Finalized), "seq", state.Seq)

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal buffer state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO buffers (chat_id, topic_id, agent_id, state, last_write)
		 VALUES (?, ?, ?, ?, ?)`,
		key.ChatID, key.TopicID, key.AgentID, string(data), state.LastWrite,
	)
	if err != nil {
		s.logger.Error("sqlite: save buffer failed", "key", key.String(), "error", err, "duration", time.Since(start))
		return fmt.Errorf("save buffer: %w", err)
	}
	s.logger.Debug("sqlite: save buffer ok", "key", key.String(), "duration", time.Since(start))
	return nil
}

// LoadBuffer returns a thread's buffer state and whether one was stored.
func (s *Store) LoadBuffer(ctx context.Context, key switchboard.ThreadKey) (switchboard.BufferState, bool, error) {
	start := time.Now()
	s.logger.Debug("sqlite: load buffer", "key", key.String())

	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM buffers WHERE chat_id = ? AND topic_id = ? AND agent_id = ?`,
		key.ChatID, key.TopicID, key.AgentID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		s.logger.Debug("sqlite: load buffer not found", "key", key.String(), "duration", time.Since(start))
		return switchboard.BufferState{}, false, nil
	}
	if err != nil {
		s.logger.Error("sqlite: load buffer failed", "key", key.String(), "error", err, "duration", time.Since(start))
		return switchboard.BufferState{}, false, fmt.Errorf("load buffer: %w", err)
	}

	var state switchboard.BufferState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		s.logger.Error("sqlite: load buffer unmarshal failed", "key", key.String(), "error", err, "duration", time.Since(start))
		return switchboard.BufferState{}, false, fmt.Errorf("unmarshal buffer state: %w", err)
	}
	s.logger.Debug("sqlite: load buffer ok", "key", key.String(), "finalized", len(state.Finalized), "duration", time.Since(start))
	return state, true, nil
}

// DeleteBuffer removes a thread's buffer state.
func (s *Store) DeleteBuffer(ctx context.Context, key switchboard.ThreadKey) error {
	start := time.Now()
	s.logger.Debug("sqlite: delete buffer", "key", key.String())

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM buffers WHERE chat_id = ? AND topic_id = ? AND agent_id = ?`,
		key.ChatID, key.TopicID, key.AgentID,
	)
	if err != nil {
		s.logger.Error("sqlite: delete buffer failed", "key", key.String(), "error", err, "duration", time.Since(start))
		return fmt.Errorf("delete buffer: %w", err)
	}
	s.logger.Debug("sqlite: delete buffer ok", "key", key.String(), "duration", time.Since(start))
	return nil
}

// --- Threads ---

// SaveThread inserts or replaces a provisioned thread record.
func (s *Store) SaveThread(ctx context.Context, t switchboard.ThreadRecord) error {
	start := time.Now()
	s.logger.Debug("sqlite: save thread", "chat_id", t.ChatID, "topic_id", t.TopicID, "title", t.Title)

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO threads (chat_id, topic_id, agent_id, title, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		t.ChatID, t.TopicID, t.AgentID, t.Title, t.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: save thread failed", "chat_id", t.ChatID, "topic_id", t.TopicID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("save thread: %w", err)
	}
	s.logger.Debug("sqlite: save thread ok", "chat_id", t.ChatID, "topic_id", t.TopicID, "duration", time.Since(start))
	return nil
}

// ListThreads returns a chat's threads, newest first.
func (s *Store) ListThreads(ctx context.Context, chatID int64) ([]switchboard.ThreadRecord, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list threads", "chat_id", chatID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, topic_id, agent_id, title, created_at
		 FROM threads WHERE chat_id = ? ORDER BY created_at DESC`,
		chatID,
	)
	if err != nil {
		s.logger.Error("sqlite: list threads failed", "chat_id", chatID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var threads []switchboard.ThreadRecord
	for rows.Next() {
		var t switchboard.ThreadRecord
		var title sql.NullString
		if err := rows.Scan(&t.ChatID, &t.TopicID, &t.AgentID, &title, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		t.Title = title.String
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	s.logger.Debug("sqlite: list threads ok", "chat_id", chatID, "count", len(threads), "duration", time.Since(start))
	return threads, nil
}

// DeleteThread removes a thread record and its transcript rows.
func (s *Store) DeleteThread(ctx context.Context, chatID, topicID int64) error {
	start := time.Now()
	s.logger.Debug("sqlite: delete thread", "chat_id", chatID, "topic_id", topicID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM transcripts WHERE chat_id = ? AND topic_id = ?`, chatID, topicID); err != nil {
		s.logger.Error("sqlite: delete thread transcripts failed", "chat_id", chatID, "topic_id", topicID, "error", err)
		return fmt.Errorf("delete transcripts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE chat_id = ? AND topic_id = ?`, chatID, topicID); err != nil {
		s.logger.Error("sqlite: delete thread failed", "chat_id", chatID, "topic_id", topicID, "error", err)
		return fmt.Errorf("delete thread: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete thread: %w", err)
	}
	s.logger.Debug("sqlite: delete thread ok", "chat_id", chatID, "topic_id", topicID, "duration", time.Since(start))
	return nil
}

// --- Transcripts ---

// AppendTranscript inserts or replaces one finalized turn. The id is the
// coalesced message id, so replays of the same boundary are idempotent.
func (s *Store) AppendTranscript(ctx context.Context, e switchboard.TranscriptEntry) error {
	start := time.Now()
	s.logger.Debug("sqlite: append transcript", "id", e.ID, "chat_id", e.ChatID, "topic_id", e.TopicID, "role", e.Role)

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO transcripts (id, chat_id, topic_id, agent_id, role, content, sender_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ChatID, e.TopicID, e.AgentID, e.Role, e.Content, e.SenderID, e.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: append transcript failed", "id", e.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("append transcript: %w", err)
	}
	s.logger.Debug("sqlite: append transcript ok", "id", e.ID, "duration", time.Since(start))
	return nil
}

// GetTranscript returns the most recent turns for a thread, ordered
// chronologically (oldest first).
func (s *Store) GetTranscript(ctx context.Context, chatID, topicID int64, limit int) ([]switchboard.TranscriptEntry, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get transcript", "chat_id", chatID, "topic_id", topicID, "limit", limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, topic_id, agent_id, role, content, sender_id, created_at
		 FROM transcripts
		 WHERE chat_id = ? AND topic_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		chatID, topicID, limit,
	)
	if err != nil {
		s.logger.Error("sqlite: get transcript failed", "chat_id", chatID, "topic_id", topicID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("get transcript: %w", err)
	}
	defer rows.Close()

	var entries []switchboard.TranscriptEntry
	for rows.Next() {
		var e switchboard.TranscriptEntry
		var senderID sql.NullString
		if err := rows.Scan(&e.ID, &e.ChatID, &e.TopicID, &e.AgentID, &e.Role, &e.Content, &senderID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		e.SenderID = senderID.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript: %w", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	s.logger.Debug("sqlite: get transcript ok", "chat_id", chatID, "topic_id", topicID, "count", len(entries), "duration", time.Since(start))
	return entries, nil
}

// --- Scheduled actions ---

func (s *Store) CreateScheduledAction(ctx context.Context, a switchboard.ScheduledAction) error {
	start := time.Now()
	s.logger.Debug("sqlite: create scheduled action", "id", a.ID, "description", a.Description, "schedule", a.Schedule)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_actions (id, chat_id, topic_id, agent_id, user_id, description, schedule, tool_calls, synthesis_prompt, next_run, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ChatID, a.TopicID, a.AgentID, a.UserID, a.Description, a.Schedule,
		a.ToolCalls, a.SynthesisPrompt, a.NextRun, boolToInt(a.Enabled), a.CreatedAt)
	if err != nil {
		s.logger.Error("sqlite: create scheduled action failed", "id", a.ID, "error", err, "duration", time.Since(start))
		return err
	}
	s.logger.Debug("sqlite: create scheduled action ok", "id", a.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) ListScheduledActions(ctx context.Context, chatID int64) ([]switchboard.ScheduledAction, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list scheduled actions", "chat_id", chatID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, topic_id, agent_id, user_id, description, schedule, tool_calls, synthesis_prompt, next_run, enabled, created_at
		 FROM scheduled_actions WHERE chat_id = ? ORDER BY next_run`, chatID)
	if err != nil {
		s.logger.Error("sqlite: list scheduled actions failed", "error", err, "duration", time.Since(start))
		return nil, err
	}
	defer rows.Close()
	actions, err := scanScheduledActions(rows)
	if err != nil {
		s.logger.Error("sqlite: list scheduled actions scan failed", "error", err, "duration", time.Since(start))
		return nil, err
	}
	s.logger.Debug("sqlite: list scheduled actions ok", "count", len(actions), "duration", time.Since(start))
	return actions, nil
}

func (s *Store) GetDueScheduledActions(ctx context.Context, now int64) ([]switchboard.ScheduledAction, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get due scheduled actions", "now", now)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, topic_id, agent_id, user_id, description, schedule, tool_calls, synthesis_prompt, next_run, enabled, created_at
		 FROM scheduled_actions WHERE enabled = 1 AND next_run <= ?`, now)
	if err != nil {
		s.logger.Error("sqlite: get due scheduled actions failed", "error", err, "duration", time.Since(start))
		return nil, err
	}
	defer rows.Close()
	actions, err := scanScheduledActions(rows)
	if err != nil {
		s.logger.Error("sqlite: get due scheduled actions scan failed", "error", err, "duration", time.Since(start))
		return nil, err
	}
	s.logger.Debug("sqlite: get due scheduled actions ok", "count", len(actions), "duration", time.Since(start))
	return actions, nil
}

func (s *Store) UpdateScheduledAction(ctx context.Context, a switchboard.ScheduledAction) error {
	start := time.Now()
	s.logger.Debug("sqlite: update scheduled action", "id", a.ID, "next_run", a.NextRun, "enabled", a.Enabled)

	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_actions SET chat_id=?, topic_id=?, agent_id=?, user_id=?, description=?, schedule=?, tool_calls=?, synthesis_prompt=?, next_run=?, enabled=? WHERE id=?`,
		a.ChatID, a.TopicID, a.AgentID, a.UserID, a.Description, a.Schedule,
		a.ToolCalls, a.SynthesisPrompt, a.NextRun, boolToInt(a.Enabled), a.ID)
	if err != nil {
		s.logger.Error("sqlite: update scheduled action failed", "id", a.ID, "error", err, "duration", time.Since(start))
		return err
	}
	s.logger.Debug("sqlite: update scheduled action ok", "id", a.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) UpdateScheduledActionEnabled(ctx context.Context, id string, enabled bool) error {
	start := time.Now()
	s.logger.Debug("sqlite: update scheduled action enabled", "id", id, "enabled", enabled)

	_, err := s.db.ExecContext(ctx, `UPDATE scheduled_actions SET enabled=? WHERE id=?`, boolToInt(enabled), id)
	if err != nil {
		s.logger.Error("sqlite: update scheduled action enabled failed", "id", id, "error", err, "duration", time.Since(start))
		return err
	}
	s.logger.Debug("sqlite: update scheduled action enabled ok", "id", id, "enabled", enabled, "duration", time.Since(start))
	return nil
}

func (s *Store) DeleteScheduledAction(ctx context.Context, id string) error {
	start := time.Now()
	s.logger.Debug("sqlite: delete scheduled action", "id", id)

	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_actions WHERE id=?`, id)
	if err != nil {
		s.logger.Error("sqlite: delete scheduled action failed", "id", id, "error", err, "duration", time.Since(start))
		return err
	}
	s.logger.Debug("sqlite: delete scheduled action ok", "id", id, "duration", time.Since(start))
	return nil
}

// --- Retention ---

// SweepExpired deletes rows past their retention windows: snapshots after
// SnapshotTTL, buffers after BufferTTL, facts after MemoryTTL, all measured
// from last touch.
func (s *Store) SweepExpired(ctx context.Context) error {
	start := time.Now()
	now := time.Now()

	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE updated_at < ?`,
		now.Add(-switchboard.SnapshotTTL).Unix())
	if err != nil {
		s.logger.Error("sqlite: sweep snapshots failed", "error", err)
		return fmt.Errorf("sweep snapshots: %w", err)
	}
	snaps, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM buffers WHERE last_write < ?`,
		now.Add(-switchboard.BufferTTL).Unix())
	if err != nil {
		s.logger.Error("sqlite: sweep buffers failed", "error", err)
		return fmt.Errorf("sweep buffers: %w", err)
	}
	buffers, _ := res.RowsAffected()

	if err := s.SweepExpiredFacts(ctx); err != nil {
		return err
	}

	s.logger.Debug("sqlite: sweep expired ok", "snapshots", snaps, "buffers", buffers, "duration", time.Since(start))
	return nil
}

// DB returns the underlying *sql.DB for tests and migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanScheduledActions(rows *sql.Rows) ([]switchboard.ScheduledAction, error) {
	var actions []switchboard.ScheduledAction
	for rows.Next() {
		var a switchboard.ScheduledAction
		var enabled int
		if err := rows.Scan(&a.ID, &a.ChatID, &a.TopicID, &a.AgentID, &a.UserID, &a.Description, &a.Schedule,
			&a.ToolCalls, &a.SynthesisPrompt, &a.NextRun, &enabled, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Enabled = enabled != 0
		actions = append(actions, a)
	}
	return actions, rows.Err()
}
