package switchboard

import (
	"context"
	"time"
)

// Retention windows, measured from last touch. Store implementations apply
// them in SweepExpired.
const (
	SnapshotTTL = 30 * 24 * time.Hour
	BufferTTL   = 5 * 24 * time.Hour
	MemoryTTL   = 365 * 24 * time.Hour
)

// Store is the engine's whole persistence surface. The narrower interfaces
// it embeds are what individual components actually take, so anything that
// satisfies one of them, including a test fake, can stand in for that
// slice. Implementations must be safe for concurrent use.
type Store interface {
	SnapshotRW
	SnapshotStore
	BufferStore
	ScheduleStore
	MemoryStore

	// Topic bookkeeping for surfaces that list threads, such as the hub.
	SaveThread(ctx context.Context, t ThreadRecord) error
	ListThreads(ctx context.Context, chatID int64) ([]ThreadRecord, error)
	DeleteThread(ctx context.Context, chatID, topicID int64) error

	// Finalized turns, one row per coalesced message.
	AppendTranscript(ctx context.Context, e TranscriptEntry) error
	GetTranscript(ctx context.Context, chatID, topicID int64, limit int) ([]TranscriptEntry, error)

	CreateScheduledAction(ctx context.Context, a ScheduledAction) error
	ListScheduledActions(ctx context.Context, chatID int64) ([]ScheduledAction, error)
	DeleteScheduledAction(ctx context.Context, id string) error

	Init(ctx context.Context) error
	SweepExpired(ctx context.Context) error
	Close() error
}
