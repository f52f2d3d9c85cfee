package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Dethon/switchboard"
	"github.com/Dethon/switchboard/surface/hub"
)

type fakeHub struct {
	mu        sync.Mutex
	resumes   []hub.ResumeStreamRequest
	sends     []hub.SendMessageRequest
	approvals []hub.SubmitApprovalRequest
	resume    switchboard.ResumePayload
	history   []switchboard.TranscriptEntry
	topics    []switchboard.ThreadRecord
	closed    bool
}

func (f *fakeHub) RegisterUser(ctx context.Context, userID string) (int64, error) { return 1, nil }

func (f *fakeHub) SendMessage(ctx context.Context, req hub.SendMessageRequest) (hub.SendMessageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, req)
	topic := req.TopicID
	if topic == 0 {
		topic = 42
	}
	return hub.SendMessageResponse{TopicID: topic, MessageID: int64(len(f.sends))}, nil
}

func (f *fakeHub) ListTopics(ctx context.Context) ([]switchboard.ThreadRecord, error) {
	return f.topics, nil
}

func (f *fakeHub) GetHistory(ctx context.Context, topicID int64) ([]switchboard.TranscriptEntry, error) {
	return f.history, nil
}

func (f *fakeHub) SaveTopic(ctx context.Context, topicID int64, agentID, title string) error {
	return nil
}

func (f *fakeHub) DeleteTopic(ctx context.Context, topicID int64, agentID string) error { return nil }

func (f *fakeHub) ResumeStream(ctx context.Context, req hub.ResumeStreamRequest) (switchboard.ResumePayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes = append(f.resumes, req)
	return f.resume, nil
}

func (f *fakeHub) SubmitApproval(ctx context.Context, req hub.SubmitApprovalRequest) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvals = append(f.approvals, req)
	return true, nil
}

func (f *fakeHub) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fakeDialer refuses the first fails dials, then hands out fresh fake hubs
// seeded with the scripted history and resume payload.
type fakeDialer struct {
	mu       sync.Mutex
	fails    int
	dials    int
	history  []switchboard.TranscriptEntry
	resume   switchboard.ResumePayload
	hubs     []*fakeHub
	handlers []hub.Handlers
}

func (d *fakeDialer) dial(ctx context.Context, h hub.Handlers) (Hub, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= d.fails {
		return nil, errors.New("connection refused")
	}
	fh := &fakeHub{history: d.history, resume: d.resume}
	d.hubs = append(d.hubs, fh)
	d.handlers = append(d.handlers, h)
	return fh, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not reached in time")
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestSessionConnectsAndRegisters(t *testing.T) {
	store := NewStore()
	d := &fakeDialer{}
	s := NewSession(store, NewMessagePipeline(store), d.dial, "alice", "A",
		WithSessionBackoff(time.Millisecond, 4*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); s.Run(ctx) }()

	waitFor(t, func() bool { return store.State().ConnectionStatus == StatusConnected })
	cancel()
	<-done

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dials != 1 {
		t.Errorf("dials = %d, want 1", d.dials)
	}
	if len(d.hubs) == 1 && !d.hubs[0].closed {
		t.Error("hub not closed on shutdown")
	}
}

func TestSessionReconnectsWithBackoff(t *testing.T) {
	store := NewStore()
	d := &fakeDialer{fails: 3}
	s := NewSession(store, NewMessagePipeline(store), d.dial, "alice", "A",
		WithSessionBackoff(time.Millisecond, 4*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); s.Run(ctx) }()

	waitFor(t, func() bool { return store.State().ConnectionStatus == StatusConnected })

	d.mu.Lock()
	dials := d.dials
	d.mu.Unlock()
	if dials != 4 {
		t.Errorf("dials = %d, want 4 (three refused, one accepted)", dials)
	}
	cancel()
	<-done
}

func TestSessionResumesSelectedTopicAfterReconnect(t *testing.T) {
	store := NewStore()
	pipeline := NewMessagePipeline(store)
	d := &fakeDialer{history: []switchboard.TranscriptEntry{{ID: "m1", Role: "user", Content: "hi"}}}
	s := NewSession(store, pipeline, d.dial, "alice", "A",
		WithSessionBackoff(time.Millisecond, 4*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); s.Run(ctx) }()

	waitFor(t, func() bool { return store.State().ConnectionStatus == StatusConnected })

	store.Dispatch(SelectTopic{TopicID: 7})
	waitFor(t, func() bool { return len(store.State().MessagesByTopic[7]) == 1 })

	// Drop the connection; the session should flip to Reconnecting, redial,
	// and resume topic 7 from the last seen message.
	d.mu.Lock()
	d.handlers[0].Disconnected(errors.New("broken pipe"))
	d.mu.Unlock()

	waitFor(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.hubs) >= 2 && len(d.hubs[1].resumes) > 0
	})
	waitFor(t, func() bool { return store.State().ConnectionStatus == StatusConnected })

	d.mu.Lock()
	req := d.hubs[1].resumes[0]
	d.mu.Unlock()
	if req.TopicID != 7 {
		t.Errorf("resume topic = %d, want 7", req.TopicID)
	}
	if req.LastSeenMessageID != "m1" {
		t.Errorf("resume last seen = %q, want %q", req.LastSeenMessageID, "m1")
	}
	cancel()
	<-done
}

func TestSendRequiresConnection(t *testing.T) {
	store := NewStore()
	d := &fakeDialer{}
	s := NewSession(store, NewMessagePipeline(store), d.dial, "alice", "A")

	if err := s.Send(context.Background(), "hello"); err == nil {
		t.Fatal("send before connect succeeded, want error")
	}
}

func TestSendSelectsFreshTopic(t *testing.T) {
	store := NewStore()
	d := &fakeDialer{}
	s := NewSession(store, NewMessagePipeline(store), d.dial, "alice", "A",
		WithSessionBackoff(time.Millisecond, 4*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); s.Run(ctx) }()
	waitFor(t, func() bool { return store.State().ConnectionStatus == StatusConnected })

	if err := s.Send(ctx, "first message"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := store.State().SelectedTopic; got != 42 {
		t.Errorf("selected topic = %d, want the server-assigned 42", got)
	}
	d.mu.Lock()
	sent := d.hubs[0].sends
	d.mu.Unlock()
	if len(sent) != 1 || sent[0].Text != "first message" || sent[0].AgentID != "A" {
		t.Errorf("sends = %+v", sent)
	}
	cancel()
	<-done
}
