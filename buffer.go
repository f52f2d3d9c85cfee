package switchboard

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	defaultBufferEntries = 512
	defaultBufferTTL     = 5 * 24 * time.Hour
	maxFinalized         = 32
)

// BufferStore persists the durable part of a thread buffer: finalized
// messages and the high-water sequence. In-flight deltas die with the
// process, as do the runs producing them.
type BufferStore interface {
	SaveBuffer(ctx context.Context, key ThreadKey, state BufferState) error
	LoadBuffer(ctx context.Context, key ThreadKey) (BufferState, bool, error)
	DeleteBuffer(ctx context.Context, key ThreadKey) error
}

// BufferState is the persisted form of one thread's buffer.
type BufferState struct {
	Finalized []CoalescedMessage `json:"finalized,omitempty"`
	Seq       uint64             `json:"seq"`
	LastWrite int64              `json:"last_write"`
}

// BufferObserver counts entries dropped from thread buffers, whether by
// window overflow or by expiry.
type BufferObserver interface {
	BufferEvicted(key ThreadKey, n int)
}

// ResumePayload resynthesizes a thread for a reconnecting client: the
// finalized messages it missed, the in-flight segment split back into its
// parts, and the high-water sequence for future catch-up. An empty
// StreamingID tells the client to reset its streaming slot.
type ResumePayload struct {
	Messages    []CoalescedMessage `json:"messages,omitempty"`
	StreamingID string             `json:"streaming_id,omitempty"`
	Text        string             `json:"text,omitempty"`
	Reasoning   string             `json:"reasoning,omitempty"`
	ToolCalls   []ToolCallRecord   `json:"tool_calls,omitempty"`
	Seq         uint64             `json:"seq"`
}

// ReconnectionBuffer keeps, per thread, a bounded ring of the current
// in-flight segment's triples plus the most recent finalized messages.
// Push surfaces append every triple they emit; a reconnecting client calls
// Resume to catch up. Entries expire after the TTL or when their thread is
// swept.
type ReconnectionBuffer struct {
	mu      sync.Mutex
	threads map[ThreadKey]*threadBuffer

	maxEntries int
	ttl        time.Duration
	store      BufferStore
	logger     *slog.Logger
	obs        BufferObserver
}

type threadBuffer struct {
	mu        sync.Mutex
	ring      []StreamTriple
	segStart  uint64
	finalized []CoalescedMessage
	seq       uint64
	lastWrite int64
	loaded    bool
}

type BufferOption func(*ReconnectionBuffer)

// WithBufferStore persists finalized content across restarts.
func WithBufferStore(s BufferStore) BufferOption {
	return func(b *ReconnectionBuffer) { b.store = s }
}

// WithBufferLimits overrides the per-thread ring size and the idle TTL.
func WithBufferLimits(maxEntries int, ttl time.Duration) BufferOption {
	return func(b *ReconnectionBuffer) {
		if maxEntries > 0 {
			b.maxEntries = maxEntries
		}
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

func WithBufferLogger(l *slog.Logger) BufferOption {
	return func(b *ReconnectionBuffer) { b.logger = l }
}

// WithBufferObserver wires the eviction counter.
func WithBufferObserver(o BufferObserver) BufferOption {
	return func(b *ReconnectionBuffer) { b.obs = o }
}

func NewReconnectionBuffer(opts ...BufferOption) *ReconnectionBuffer {
	b := &ReconnectionBuffer{
		threads:    make(map[ThreadKey]*threadBuffer),
		maxEntries: defaultBufferEntries,
		ttl:        defaultBufferTTL,
		logger:     nopLogger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *ReconnectionBuffer) thread(ctx context.Context, key ThreadKey) *threadBuffer {
	b.mu.Lock()
	tb, ok := b.threads[key]
	if !ok {
		tb = &threadBuffer{}
		b.threads[key] = tb
	}
	b.mu.Unlock()

	tb.mu.Lock()
	if !tb.loaded {
		tb.loaded = true
		if b.store != nil {
			state, ok, err := b.store.LoadBuffer(ctx, key)
			if err != nil {
				b.logger.Warn("buffer load failed", "key", key.String(), "error", err)
			} else if ok {
				tb.finalized = state.Finalized
				tb.seq = state.Seq
				tb.lastWrite = state.LastWrite
			}
		}
	}
	tb.mu.Unlock()
	return tb
}

// Append records one emitted triple. A boundary triple moves its coalesced
// message to the finalized list and opens a fresh in-flight segment; a
// terminal triple without a boundary (cancel, error) discards the segment.
func (b *ReconnectionBuffer) Append(ctx context.Context, t StreamTriple) {
	tb := b.thread(ctx, t.Key)

	tb.mu.Lock()
	if t.Seq > tb.seq {
		tb.seq = t.Seq
	}
	tb.lastWrite = time.Now().Unix()

	evicted := 0
	content := hasSegmentContent(t.Update)
	switch {
	case t.Message != nil:
		tb.finalized = append(tb.finalized, *t.Message)
		if len(tb.finalized) > maxFinalized {
			evicted += len(tb.finalized) - maxFinalized
			tb.finalized = tb.finalized[len(tb.finalized)-maxFinalized:]
		}
		tb.ring = nil
		tb.segStart = 0
		// A role-change boundary closes on the update that also opens the
		// next segment.
		if content {
			tb.ring = []StreamTriple{t}
			tb.segStart = t.Seq
		}
	case t.Update.Terminal():
		tb.ring = nil
		tb.segStart = 0
	default:
		if content && tb.segStart == 0 {
			tb.segStart = t.Seq
		}
		tb.ring = append(tb.ring, t)
		if len(tb.ring) > b.maxEntries {
			evicted += len(tb.ring) - b.maxEntries
			tb.ring = tb.ring[len(tb.ring)-b.maxEntries:]
		}
	}
	persist := t.Message != nil
	var state BufferState
	if persist {
		state = BufferState{
			Finalized: append([]CoalescedMessage(nil), tb.finalized...),
			Seq:       tb.seq,
			LastWrite: tb.lastWrite,
		}
	}
	tb.mu.Unlock()

	if evicted > 0 && b.obs != nil {
		b.obs.BufferEvicted(t.Key, evicted)
	}
	if persist && b.store != nil {
		if err := b.store.SaveBuffer(ctx, t.Key, state); err != nil {
			b.logger.Warn("buffer save failed", "key", t.Key.String(), "error", err)
		}
	}
}

// Resume catches a client up. lastSeenID is the newest finalized message id
// the client holds; streamingID is the id of its streaming slot, if any.
// Finalized messages after lastSeenID are returned with their stable ids;
// when lastSeenID is unknown here the whole finalized window is returned,
// unless streamingID proves the client is already current on the live
// segment.
func (b *ReconnectionBuffer) Resume(ctx context.Context, key ThreadKey, lastSeenID, streamingID string) ResumePayload {
	tb := b.thread(ctx, key)

	tb.mu.Lock()
	defer tb.mu.Unlock()

	payload := ResumePayload{Seq: tb.seq}

	var inflightID string
	if tb.segStart != 0 {
		inflightID = BoundaryMessageID(key, tb.segStart)
	}

	last := -1
	for i, m := range tb.finalized {
		if lastSeenID != "" && m.ID == lastSeenID {
			last = i
		}
	}
	switch {
	case last >= 0:
		payload.Messages = append(payload.Messages, tb.finalized[last+1:]...)
	case lastSeenID != "" && streamingID != "" && streamingID == inflightID:
		// The client's anchor aged out of the window but it is current on
		// the live segment; resending the window would duplicate history.
	default:
		payload.Messages = append(payload.Messages, tb.finalized...)
	}

	if tb.segStart != 0 {
		payload.StreamingID = inflightID
		payload.Text, payload.Reasoning, payload.ToolCalls = collectSegment(tb.ring)
	}
	return payload
}

// collectSegment folds one in-flight segment's triples back into text,
// reasoning, and tool-call parts.
func collectSegment(ring []StreamTriple) (string, string, []ToolCallRecord) {
	var text, reasoning strings.Builder
	var calls []ToolCallRecord
	idx := make(map[string]int)
	for _, t := range ring {
		for _, c := range t.Update.Contents {
			switch c.Kind {
			case UpdateTextDelta:
				text.WriteString(c.Text)
			case UpdateReasoningDelta:
				reasoning.WriteString(c.Text)
			case UpdateToolCallStart:
				idx[c.ToolCallID] = len(calls)
				calls = append(calls, ToolCallRecord{ID: c.ToolCallID, Name: c.ToolName})
			case UpdateToolCallArg:
				if i, ok := idx[c.ToolCallID]; ok {
					calls[i].Args = append(calls[i].Args, c.Text...)
				}
			case UpdateToolResult:
				if i, ok := idx[c.ToolCallID]; ok {
					calls[i].Result = c.Text
					calls[i].Done = true
				}
			}
		}
	}
	for i := range calls {
		calls[i].Args = rawOrQuoted(calls[i].Args)
	}
	return text.String(), reasoning.String(), calls
}

func hasSegmentContent(u ModelUpdate) bool {
	for _, c := range u.Contents {
		switch c.Kind {
		case UpdateTextDelta, UpdateReasoningDelta, UpdateToolCallStart, UpdateToolCallArg:
			return true
		}
	}
	return false
}

// HighWater reports the thread's last recorded sequence number, loading
// persisted state on first touch. Runners seed their counters from it so a
// restarted process never reissues ids already sitting in the window.
func (b *ReconnectionBuffer) HighWater(ctx context.Context, key ThreadKey) uint64 {
	tb := b.thread(ctx, key)
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.seq
}

// Remove drops a thread's buffer, in memory and in the store. Used when the
// owning surface reports the thread gone.
func (b *ReconnectionBuffer) Remove(ctx context.Context, key ThreadKey) {
	b.mu.Lock()
	delete(b.threads, key)
	b.mu.Unlock()
	if b.store != nil {
		if err := b.store.DeleteBuffer(ctx, key); err != nil {
			b.logger.Warn("buffer delete failed", "key", key.String(), "error", err)
		}
	}
}

// SweepExpired drops buffers idle past the TTL.
func (b *ReconnectionBuffer) SweepExpired(ctx context.Context) {
	cutoff := time.Now().Add(-b.ttl).Unix()

	b.mu.Lock()
	var expired []ThreadKey
	dropped := make(map[ThreadKey]int)
	for key, tb := range b.threads {
		tb.mu.Lock()
		if tb.lastWrite != 0 && tb.lastWrite < cutoff {
			expired = append(expired, key)
			dropped[key] = len(tb.ring) + len(tb.finalized)
		}
		tb.mu.Unlock()
	}
	b.mu.Unlock()

	for _, key := range expired {
		b.logger.Debug("buffer expired", "key", key.String())
		if n := dropped[key]; n > 0 && b.obs != nil {
			b.obs.BufferEvicted(key, n)
		}
		b.Remove(ctx, key)
	}
}
