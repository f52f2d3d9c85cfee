package switchboard

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

// playRun pushes a scripted run through a fresh pairer into the buffer,
// returning the emitted triples.
func playRun(ctx context.Context, b *ReconnectionBuffer, key ThreadKey, seq *atomic.Uint64, updates ...ModelUpdate) []StreamTriple {
	p := NewUpdatePairer(key, seq)
	var out []StreamTriple
	for _, u := range updates {
		tr := p.Next(u)
		b.Append(ctx, tr)
		out = append(out, tr)
	}
	return out
}

func TestBufferResumeMidStream(t *testing.T) {
	ctx := context.Background()
	b := NewReconnectionBuffer()
	key := ThreadKey{ChatID: 1, TopicID: 1, AgentID: "A"}
	var seq atomic.Uint64

	playRun(ctx, b, key, &seq,
		TextDelta("one"), StreamComplete(), // finalized turn
		TextDelta("in-"), ReasoningDelta("thinking"), TextDelta("flight"),
	)

	got := b.Resume(ctx, key, "", "")
	if len(got.Messages) != 1 || got.Messages[0].Text != "one" {
		t.Fatalf("finalized = %+v, want the closed turn", got.Messages)
	}
	if got.StreamingID == "" {
		t.Fatal("no streaming id for the in-flight segment")
	}
	if got.Text != "in-flight" {
		t.Errorf("in-flight text = %q, want %q", got.Text, "in-flight")
	}
	if got.Reasoning != "thinking" {
		t.Errorf("in-flight reasoning = %q", got.Reasoning)
	}
	if got.Seq == 0 {
		t.Error("seq high-water missing")
	}
}

func TestBufferResumeAfterLastSeen(t *testing.T) {
	ctx := context.Background()
	b := NewReconnectionBuffer()
	key := ThreadKey{ChatID: 1, TopicID: 1, AgentID: "A"}
	var seq atomic.Uint64

	playRun(ctx, b, key, &seq, TextDelta("first"), StreamComplete())
	mid := playRun(ctx, b, key, &seq, TextDelta("second"), StreamComplete())
	playRun(ctx, b, key, &seq, TextDelta("third"), StreamComplete())

	anchor := mid[len(mid)-1].Message.ID
	got := b.Resume(ctx, key, anchor, "")
	if len(got.Messages) != 1 || got.Messages[0].Text != "third" {
		t.Errorf("resume after anchor = %+v, want only the third turn", got.Messages)
	}
	if got.StreamingID != "" {
		t.Error("streaming id set with no segment open")
	}
}

func TestBufferResumeUnknownAnchorReturnsWindow(t *testing.T) {
	ctx := context.Background()
	b := NewReconnectionBuffer()
	key := ThreadKey{ChatID: 1, TopicID: 1, AgentID: "A"}
	var seq atomic.Uint64

	playRun(ctx, b, key, &seq, TextDelta("a"), StreamComplete())
	playRun(ctx, b, key, &seq, TextDelta("b"), StreamComplete())

	got := b.Resume(ctx, key, "m-not-here", "")
	if len(got.Messages) != 2 {
		t.Errorf("unknown anchor returned %d messages, want the full window", len(got.Messages))
	}
}

func TestBufferResumeCurrentOnLiveSegment(t *testing.T) {
	ctx := context.Background()
	b := NewReconnectionBuffer()
	key := ThreadKey{ChatID: 1, TopicID: 1, AgentID: "A"}
	var seq atomic.Uint64

	playRun(ctx, b, key, &seq, TextDelta("old"), StreamComplete())
	live := playRun(ctx, b, key, &seq, TextDelta("live"))

	liveID := BoundaryMessageID(key, live[0].Seq)
	got := b.Resume(ctx, key, "m-aged-out", liveID)
	if len(got.Messages) != 0 {
		t.Errorf("client current on live segment still got %d messages", len(got.Messages))
	}
	if got.StreamingID != liveID {
		t.Errorf("streaming id = %q, want %q", got.StreamingID, liveID)
	}
}

func TestBufferStreamingIDMatchesBoundaryID(t *testing.T) {
	// The id handed out mid-stream must equal the id the finalized message
	// eventually carries.
	ctx := context.Background()
	b := NewReconnectionBuffer()
	key := ThreadKey{ChatID: 1, TopicID: 1, AgentID: "A"}
	p := NewUpdatePairer(key, &atomic.Uint64{})

	b.Append(ctx, p.Next(TextDelta("par")))
	b.Append(ctx, p.Next(TextDelta("tial")))
	mid := b.Resume(ctx, key, "", "")
	if mid.StreamingID == "" {
		t.Fatal("no streaming id mid-run")
	}

	end := p.Next(StreamComplete())
	b.Append(ctx, end)
	if end.Message == nil {
		t.Fatal("no finalized message")
	}
	if mid.StreamingID != end.Message.ID {
		t.Errorf("streaming id %q != finalized id %q", mid.StreamingID, end.Message.ID)
	}
}

func TestBufferTerminalWithoutBoundaryDiscardsSegment(t *testing.T) {
	ctx := context.Background()
	b := NewReconnectionBuffer()
	key := ThreadKey{ChatID: 1, TopicID: 1, AgentID: "A"}
	var seq atomic.Uint64

	playRun(ctx, b, key, &seq, TextDelta("doomed"), ErrorUpdate("cancelled"))

	got := b.Resume(ctx, key, "", "")
	if got.StreamingID != "" || got.Text != "" {
		t.Errorf("discarded segment still resumed: %+v", got)
	}
}

func TestBufferFinalizedWindowBounded(t *testing.T) {
	ctx := context.Background()
	b := NewReconnectionBuffer()
	key := ThreadKey{ChatID: 1, TopicID: 1, AgentID: "A"}
	var seq atomic.Uint64

	for i := 0; i < maxFinalized+10; i++ {
		playRun(ctx, b, key, &seq, TextDelta(fmt.Sprintf("turn-%d", i)), StreamComplete())
	}
	got := b.Resume(ctx, key, "", "")
	if len(got.Messages) != maxFinalized {
		t.Errorf("window = %d messages, want %d", len(got.Messages), maxFinalized)
	}
	if got.Messages[len(got.Messages)-1].Text != fmt.Sprintf("turn-%d", maxFinalized+9) {
		t.Error("window did not keep the newest turns")
	}
}

func TestBufferRingBounded(t *testing.T) {
	ctx := context.Background()
	b := NewReconnectionBuffer(WithBufferLimits(4, 0))
	key := ThreadKey{ChatID: 1, TopicID: 1, AgentID: "A"}
	var seq atomic.Uint64

	var updates []ModelUpdate
	for i := 0; i < 10; i++ {
		updates = append(updates, TextDelta(fmt.Sprintf("%d", i)))
	}
	playRun(ctx, b, key, &seq, updates...)

	got := b.Resume(ctx, key, "", "")
	if got.Text != "6789" {
		t.Errorf("bounded ring text = %q, want the newest 4 deltas", got.Text)
	}
}

func TestBufferPersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	key := ThreadKey{ChatID: 1, TopicID: 1, AgentID: "A"}
	var seq atomic.Uint64

	b1 := NewReconnectionBuffer(WithBufferStore(store))
	playRun(ctx, b1, key, &seq,
		TextDelta("durable"), StreamComplete(),
		TextDelta("volatile"),
	)
	high := b1.HighWater(ctx, key)

	// Fresh buffer over the same store, as after a restart.
	b2 := NewReconnectionBuffer(WithBufferStore(store))
	got := b2.Resume(ctx, key, "", "")
	if len(got.Messages) != 1 || got.Messages[0].Text != "durable" {
		t.Errorf("restart lost finalized turn: %+v", got.Messages)
	}
	if got.StreamingID != "" || got.Text != "" {
		t.Error("in-flight segment survived restart")
	}
	// The high-water mark covers the finalized turn so restarted runners
	// never reuse its ids. In-flight seqs past it are not persisted.
	if b2.HighWater(ctx, key) == 0 || b2.HighWater(ctx, key) > high {
		t.Errorf("restored high-water = %d, live was %d", b2.HighWater(ctx, key), high)
	}
}

func TestBufferRemoveDropsStore(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	key := ThreadKey{ChatID: 1, TopicID: 1, AgentID: "A"}
	var seq atomic.Uint64

	b := NewReconnectionBuffer(WithBufferStore(store))
	playRun(ctx, b, key, &seq, TextDelta("x"), StreamComplete())
	b.Remove(ctx, key)

	if _, ok, _ := store.LoadBuffer(ctx, key); ok {
		t.Error("remove left persisted buffer behind")
	}
	if got := b.Resume(ctx, key, "", ""); len(got.Messages) != 0 {
		t.Error("removed thread still resumes content")
	}
}

func TestBufferSweepExpired(t *testing.T) {
	ctx := context.Background()
	b := NewReconnectionBuffer(WithBufferLimits(0, time.Hour))
	stale := ThreadKey{ChatID: 1, TopicID: 1, AgentID: "A"}
	fresh := ThreadKey{ChatID: 2, TopicID: 2, AgentID: "A"}
	var seq atomic.Uint64

	playRun(ctx, b, stale, &seq, TextDelta("old"), StreamComplete())
	playRun(ctx, b, fresh, &seq, TextDelta("new"), StreamComplete())

	// Backdate the stale thread past the TTL.
	b.mu.Lock()
	b.threads[stale].lastWrite = time.Now().Add(-2 * time.Hour).Unix()
	b.mu.Unlock()

	b.SweepExpired(ctx)

	if got := b.Resume(ctx, stale, "", ""); len(got.Messages) != 0 {
		t.Error("expired thread survived sweep")
	}
	if got := b.Resume(ctx, fresh, "", ""); len(got.Messages) != 1 {
		t.Error("fresh thread swept")
	}
}
