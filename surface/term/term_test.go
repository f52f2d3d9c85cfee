package term

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Dethon/switchboard"
)

type lockedBuf struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuf) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuf) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func recvPrompt(t *testing.T, ch <-chan switchboard.Prompt) switchboard.Prompt {
	t.Helper()
	select {
	case p, ok := <-ch:
		if !ok {
			t.Fatal("prompt channel closed early")
		}
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for prompt")
		panic("unreachable")
	}
}

func expectClosed(t *testing.T, ch <-chan switchboard.Prompt) {
	t.Helper()
	select {
	case p, ok := <-ch:
		if ok {
			t.Fatalf("got prompt %+v, want close", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("prompt channel did not close")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestReadPromptsEmitsLines(t *testing.T) {
	out := &lockedBuf{}
	s := New("helper", WithIO(strings.NewReader("hello\n\nworld\n"), out))
	ch := s.ReadPrompts(context.Background())

	p := recvPrompt(t, ch)
	want := switchboard.Prompt{
		Origin:    "term",
		ChatID:    1,
		AgentID:   "helper",
		MessageID: 1,
		SenderID:  "local",
		Body:      "hello",
		At:        p.At,
	}
	if p != want {
		t.Fatalf("prompt = %+v, want %+v", p, want)
	}

	p = recvPrompt(t, ch)
	if p.Body != "world" || p.MessageID != 2 {
		t.Fatalf("second prompt = %+v", p)
	}
	expectClosed(t, ch)
}

func TestProvisionThreadNumbersAndPrintsHeader(t *testing.T) {
	out := &lockedBuf{}
	s := New("helper", WithIO(strings.NewReader(""), out))
	ctx := context.Background()

	id, err := s.ProvisionThread(ctx, 1, "Groceries", "what should I buy?")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if id != 1 {
		t.Fatalf("first topic id = %d", id)
	}
	if !strings.Contains(out.String(), "— thread 1: Groceries —") {
		t.Fatalf("header missing from output:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "what should I buy?") {
		t.Fatalf("prompt echo missing from output:\n%s", out.String())
	}

	second, err := s.ProvisionThread(ctx, 1, "Travel", "")
	if err != nil || second != 2 {
		t.Fatalf("second provision = %d, %v", second, err)
	}
	if got := s.currentTopic(); got != 1 {
		t.Fatalf("current topic = %d, want the first provisioned", got)
	}

	ok, err := s.ThreadExists(ctx, 1, 1)
	if err != nil || !ok {
		t.Fatalf("ThreadExists(1) = %v, %v", ok, err)
	}
	ok, err = s.ThreadExists(ctx, 1, 9)
	if err != nil || ok {
		t.Fatalf("ThreadExists(9) = %v, %v", ok, err)
	}
}

func TestTopicCommands(t *testing.T) {
	pr, pw := io.Pipe()
	out := &lockedBuf{}
	s := New("helper", WithIO(pr, out))
	ch := s.ReadPrompts(context.Background())
	ctx := context.Background()

	if _, err := s.ProvisionThread(ctx, 1, "First", ""); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if _, err := s.ProvisionThread(ctx, 1, "Second", ""); err != nil {
		t.Fatalf("provision: %v", err)
	}

	write := func(line string) {
		t.Helper()
		if _, err := io.WriteString(pw, line+"\n"); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	write("hi")
	if p := recvPrompt(t, ch); p.TopicID != 1 {
		t.Fatalf("prompt landed in topic %d, want 1", p.TopicID)
	}

	write("/topic 2")
	write("hey")
	if p := recvPrompt(t, ch); p.TopicID != 2 {
		t.Fatalf("prompt landed in topic %d, want 2", p.TopicID)
	}

	write("/new")
	write("fresh")
	if p := recvPrompt(t, ch); p.TopicID != 0 {
		t.Fatalf("prompt landed in topic %d, want 0", p.TopicID)
	}

	write("/topic 99")
	write("still here")
	if p := recvPrompt(t, ch); p.TopicID != 0 {
		t.Fatalf("prompt landed in topic %d after bad switch", p.TopicID)
	}
	if !strings.Contains(out.String(), "no such thread 99") {
		t.Fatalf("missing bad-switch notice:\n%s", out.String())
	}

	pw.Close()
	expectClosed(t, ch)
}

func TestEmitRendersStream(t *testing.T) {
	out := &lockedBuf{}
	s := New("helper", WithIO(strings.NewReader(""), out))
	ctx := context.Background()
	key := switchboard.ThreadKey{ChatID: 1, TopicID: 1, AgentID: "helper"}

	s.BeginTurn(ctx, key)
	for _, text := range []string{"Hel", "lo"} {
		if err := s.Emit(ctx, switchboard.StreamTriple{Key: key, Update: switchboard.TextDelta(text)}); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
	if err := s.Emit(ctx, switchboard.StreamTriple{Key: key, Update: switchboard.ToolCallStart("call-1", "fetch")}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	msg := switchboard.CoalescedMessage{
		ID:   "m-1",
		Role: "assistant",
		Text: "Hello",
		ToolCalls: []switchboard.ToolCallRecord{
			{ID: "call-1", Name: "fetch", Result: "ok", Done: true},
		},
	}
	if err := s.Emit(ctx, switchboard.StreamTriple{Key: key, Update: switchboard.StreamComplete(), Message: &msg}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	s.EndTurn(ctx, key)

	got := out.String()
	if !strings.Contains(got, "Hello\n") {
		t.Fatalf("streamed text mangled:\n%q", got)
	}
	if !strings.Contains(got, "· running fetch") {
		t.Fatalf("missing tool start:\n%q", got)
	}
	if !strings.Contains(got, "· fetch finished") {
		t.Fatalf("missing tool finish:\n%q", got)
	}
}

func TestEmitUserEchoIsSilent(t *testing.T) {
	out := &lockedBuf{}
	s := New("helper", WithIO(strings.NewReader(""), out))
	key := switchboard.ThreadKey{ChatID: 1, TopicID: 1, AgentID: "helper"}
	msg := switchboard.CoalescedMessage{ID: "m-u", Role: "user", Text: "hello", SenderID: "local"}
	if err := s.Emit(context.Background(), switchboard.StreamTriple{Key: key, Message: &msg}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if got := out.String(); got != "" {
		t.Fatalf("user echo produced output %q", got)
	}
}

func TestEmitErrorUpdate(t *testing.T) {
	out := &lockedBuf{}
	s := New("helper", WithIO(strings.NewReader(""), out))
	key := switchboard.ThreadKey{ChatID: 1, TopicID: 1, AgentID: "helper"}
	if err := s.Emit(context.Background(), switchboard.StreamTriple{Key: key, Update: switchboard.ErrorUpdate("model unavailable")}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if !strings.Contains(out.String(), "⚠ model unavailable") {
		t.Fatalf("missing error banner:\n%q", out.String())
	}
}

func TestApprovalFlow(t *testing.T) {
	approvals := switchboard.NewApprovalStore()
	pr, pw := io.Pipe()
	out := &lockedBuf{}
	s := New("helper", WithIO(pr, out), WithApprovals(approvals))
	ch := s.ReadPrompts(context.Background())
	key := switchboard.ThreadKey{ChatID: 1, TopicID: 1, AgentID: "helper"}

	update := switchboard.ApprovalRequestUpdate("ap-1", "call-1", "shell_exec", json.RawMessage(`{"cmd":"ls"}`))
	if err := s.Emit(context.Background(), switchboard.StreamTriple{Key: key, Update: update}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if !strings.Contains(out.String(), "approval needed for shell_exec") {
		t.Fatalf("missing approval banner:\n%q", out.String())
	}

	done := make(chan switchboard.ApprovalDecision, 1)
	go func() {
		d, err := approvals.Await(context.Background(), key, "ap-1")
		if err != nil {
			return
		}
		done <- d
	}()
	waitFor(t, func() bool { return approvals.PendingCount() == 1 })

	if _, err := io.WriteString(pw, "/approve\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case d := <-done:
		if !d.Approved {
			t.Fatalf("decision = %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("approval never resolved")
	}

	pw.Close()
	expectClosed(t, ch)
}

func TestApproveWithoutStorePassesThrough(t *testing.T) {
	out := &lockedBuf{}
	s := New("helper", WithIO(strings.NewReader("/approve\n"), out))
	ch := s.ReadPrompts(context.Background())
	if p := recvPrompt(t, ch); p.Body != "/approve" {
		t.Fatalf("prompt = %+v", p)
	}
}
