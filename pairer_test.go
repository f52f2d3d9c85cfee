package switchboard

import (
	"encoding/json"
	"sync/atomic"
	"testing"
)

func pairerFor(key ThreadKey) *UpdatePairer {
	return NewUpdatePairer(key, &atomic.Uint64{})
}

func TestPairerCoalescesTextRun(t *testing.T) {
	key := ThreadKey{ChatID: 1, TopicID: 1, AgentID: "A"}
	p := pairerFor(key)

	updates := []ModelUpdate{
		TextDelta("Hel"),
		TextDelta("lo "),
		ReasoningDelta("thinking"),
		TextDelta("world"),
		StreamComplete(),
	}
	var triples []StreamTriple
	for _, u := range updates {
		triples = append(triples, p.Next(u))
	}

	// Every update passes through; only the terminal one carries a message.
	for i, tr := range triples[:len(triples)-1] {
		if tr.Message != nil {
			t.Errorf("triple %d carries a message before the boundary", i)
		}
	}
	last := triples[len(triples)-1]
	if last.Message == nil {
		t.Fatal("boundary triple has no message")
	}
	if last.Message.Text != "Hello world" {
		t.Errorf("text = %q, want %q", last.Message.Text, "Hello world")
	}
	if last.Message.Reasoning != "thinking" {
		t.Errorf("reasoning = %q, want %q", last.Message.Reasoning, "thinking")
	}
	if last.Message.Role != "assistant" {
		t.Errorf("role = %q, want assistant", last.Message.Role)
	}
	if last.Message.SenderID != "A" {
		t.Errorf("sender = %q, want A", last.Message.SenderID)
	}
}

func TestPairerSeqMonotone(t *testing.T) {
	key := ThreadKey{ChatID: 1, TopicID: 1, AgentID: "A"}
	var seq atomic.Uint64
	p1 := NewUpdatePairer(key, &seq)
	p2 := NewUpdatePairer(key, &seq)

	a := p1.Next(TextDelta("x"))
	b := p2.Next(TextDelta("y"))
	c := p1.Next(StreamComplete())
	if !(a.Seq < b.Seq && b.Seq < c.Seq) {
		t.Errorf("seqs not monotone across pairers: %d %d %d", a.Seq, b.Seq, c.Seq)
	}
	if a.Update.Seq != a.Seq {
		t.Error("update seq not stamped")
	}
}

func TestPairerMessageIDFromSegmentStart(t *testing.T) {
	key := ThreadKey{ChatID: 9, TopicID: 3, AgentID: "A"}
	p := pairerFor(key)

	first := p.Next(TextDelta("a"))
	p.Next(TextDelta("b"))
	last := p.Next(StreamComplete())
	if last.Message == nil {
		t.Fatal("no message at boundary")
	}
	want := BoundaryMessageID(key, first.Seq)
	if last.Message.ID != want {
		t.Errorf("message id = %q, want %q (segment start %d)", last.Message.ID, want, first.Seq)
	}
}

func TestPairerEmptyBoundaryEmitsNothing(t *testing.T) {
	p := pairerFor(ThreadKey{ChatID: 1, TopicID: 1, AgentID: "A"})
	if tr := p.Next(StreamComplete()); tr.Message != nil {
		t.Error("empty accumulation produced a message")
	}
	// And a later run still works.
	p.Next(TextDelta("hi"))
	if tr := p.Next(StreamComplete()); tr.Message == nil || tr.Message.Text != "hi" {
		t.Error("pairer broken after empty boundary")
	}
}

func TestPairerToolGroupClosesOnLastResult(t *testing.T) {
	key := ThreadKey{ChatID: 1, TopicID: 1, AgentID: "A"}
	p := pairerFor(key)

	p.Next(TextDelta("Let me check."))
	p.Next(ToolCallStart("c1", "fetch"))
	p.Next(ToolCallArg("c1", `{"url":`))
	p.Next(ToolCallArg("c1", `"https://x"}`))
	p.Next(ToolCallStart("c2", "remember"))
	p.Next(ToolCallArg("c2", `{"fact":"f"}`))
	first := p.Next(ToolResultUpdate("c1", "page body"))
	if first.Message != nil {
		t.Fatal("boundary closed before all tool results arrived")
	}
	last := p.Next(ToolResultUpdate("c2", "saved"))
	if last.Message == nil {
		t.Fatal("boundary did not close on the final tool result")
	}
	m := last.Message
	if m.Text != "Let me check." {
		t.Errorf("text = %q", m.Text)
	}
	if len(m.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(m.ToolCalls))
	}
	if m.ToolCalls[0].Name != "fetch" || m.ToolCalls[0].Result != "page body" || !m.ToolCalls[0].Done {
		t.Errorf("first call = %+v", m.ToolCalls[0])
	}
	if string(m.ToolCalls[0].Args) != `{"url":"https://x"}` {
		t.Errorf("assembled args = %s", m.ToolCalls[0].Args)
	}
	if m.ToolCalls[1].Result != "saved" {
		t.Errorf("second call = %+v", m.ToolCalls[1])
	}
}

func TestPairerTruncatedArgsQuoted(t *testing.T) {
	p := pairerFor(ThreadKey{ChatID: 1, TopicID: 1, AgentID: "A"})
	p.Next(ToolCallStart("c1", "fetch"))
	p.Next(ToolCallArg("c1", `{"url": "htt`))
	tr := p.Next(ToolResultUpdate("c1", "cancelled"))
	if tr.Message == nil {
		t.Fatal("no boundary")
	}
	args := tr.Message.ToolCalls[0].Args
	if !json.Valid(args) {
		t.Errorf("truncated args not valid JSON: %s", args)
	}
	var s string
	if err := json.Unmarshal(args, &s); err != nil {
		t.Errorf("truncated args not a JSON string: %s", args)
	}
}

func TestPairerRoleChangeCutsBoundary(t *testing.T) {
	p := pairerFor(ThreadKey{ChatID: 1, TopicID: 1, AgentID: "A"})

	p.Next(TextDelta("assistant says"))
	// A tool result with no matching call opens a tool turn, closing the
	// assistant accumulation first.
	tr := p.Next(ToolResultUpdate("orphan", "tool output"))
	if tr.Message == nil {
		t.Fatal("role change did not close the assistant turn")
	}
	if tr.Message.Role != "assistant" || tr.Message.Text != "assistant says" {
		t.Errorf("closed turn = %+v", tr.Message)
	}

	end := p.Next(StreamComplete())
	if end.Message == nil {
		t.Fatal("tool turn not closed at stream end")
	}
	if end.Message.Role != "tool" {
		t.Errorf("role = %q, want tool", end.Message.Role)
	}
	if len(end.Message.ToolCalls) != 1 || end.Message.ToolCalls[0].Result != "tool output" {
		t.Errorf("tool turn calls = %+v", end.Message.ToolCalls)
	}
}

func TestPairerErrorResetsAccumulation(t *testing.T) {
	p := pairerFor(ThreadKey{ChatID: 1, TopicID: 1, AgentID: "A"})
	p.Next(TextDelta("partial"))
	if tr := p.Next(ErrorUpdate("provider gone")); tr.Message != nil {
		t.Error("error update produced a coalesced message")
	}
	if tr := p.Next(StreamComplete()); tr.Message != nil {
		t.Error("discarded accumulation leaked into the next boundary")
	}
}

func TestPairerApprovalPassesThrough(t *testing.T) {
	p := pairerFor(ThreadKey{ChatID: 1, TopicID: 1, AgentID: "A"})
	p.Next(TextDelta("need permission"))
	tr := p.Next(ApprovalRequestUpdate("ap1", "c1", "shell", json.RawMessage(`{}`)))
	if tr.Message != nil {
		t.Error("approval request closed a boundary")
	}
	if tr.Update.Contents[0].ApprovalID != "ap1" {
		t.Error("approval content not passed through")
	}
	end := p.Next(StreamComplete())
	if end.Message == nil || end.Message.Text != "need permission" {
		t.Error("accumulation lost across approval request")
	}
}

func TestPairerConsecutiveBoundariesDistinctIDs(t *testing.T) {
	key := ThreadKey{ChatID: 1, TopicID: 1, AgentID: "A"}
	p := pairerFor(key)

	p.Next(TextDelta("one"))
	a := p.Next(StreamComplete())
	p.Next(TextDelta("two"))
	b := p.Next(StreamComplete())
	if a.Message == nil || b.Message == nil {
		t.Fatal("missing boundary messages")
	}
	if a.Message.ID == b.Message.ID {
		t.Errorf("consecutive boundaries share id %q", a.Message.ID)
	}
}
