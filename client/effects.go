package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Dethon/switchboard"
	"github.com/Dethon/switchboard/surface/hub"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Hub is the slice of the hub client the effects drive. *hub.Client
// satisfies it; tests substitute a fake.
type Hub interface {
	RegisterUser(ctx context.Context, userID string) (int64, error)
	SendMessage(ctx context.Context, req hub.SendMessageRequest) (hub.SendMessageResponse, error)
	ListTopics(ctx context.Context) ([]switchboard.ThreadRecord, error)
	GetHistory(ctx context.Context, topicID int64) ([]switchboard.TranscriptEntry, error)
	SaveTopic(ctx context.Context, topicID int64, agentID, title string) error
	DeleteTopic(ctx context.Context, topicID int64, agentID string) error
	ResumeStream(ctx context.Context, req hub.ResumeStreamRequest) (switchboard.ResumePayload, error)
	SubmitApproval(ctx context.Context, req hub.SubmitApprovalRequest) (bool, error)
	Close() error
}

// Dialer opens a hub connection with the given push handlers.
type Dialer func(ctx context.Context, h hub.Handlers) (Hub, error)

// DialHub returns a Dialer for a websocket hub endpoint.
func DialHub(url string) Dialer {
	return func(ctx context.Context, h hub.Handlers) (Hub, error) {
		return hub.Dial(ctx, url, h)
	}
}

// Session runs the client's effects: it owns the hub connection, keeps it
// alive with capped exponential backoff, feeds pushes through the message
// pipeline into the store, and exposes the user intents (send, approve,
// topic management) the UI calls. Reducers stay pure; every asynchronous
// edge lives here.
type Session struct {
	store    *Store
	pipeline *MessagePipeline
	dial     Dialer
	userID   string
	agentID  string
	logger   *slog.Logger

	backoffMin time.Duration
	backoffMax time.Duration

	mu  sync.Mutex
	hub Hub
}

type SessionOption func(*Session)

func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSessionBackoff overrides the redial backoff window.
func WithSessionBackoff(min, max time.Duration) SessionOption {
	return func(s *Session) {
		if min > 0 {
			s.backoffMin = min
		}
		if max > 0 {
			s.backoffMax = max
		}
	}
}

func NewSession(store *Store, pipeline *MessagePipeline, dial Dialer, userID, agentID string, opts ...SessionOption) *Session {
	s := &Session{
		store:    store,
		pipeline: pipeline,
		dial:       dial,
		userID:     userID,
		agentID:    agentID,
		backoffMin: initialBackoff,
		backoffMax: maxBackoff,
		logger:     slog.New(discardHandler{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run connects and keeps the session alive until ctx ends. A lost
// connection moves the store to Reconnecting and redials with backoff
// doubling from one second, capped, forever; each successful reconnect
// resumes the selected topic's stream from the server buffer.
func (s *Session) Run(ctx context.Context) error {
	defer s.closeHub()

	unsub := Subscribe(s.store, func(st State) int64 { return st.SelectedTopic }, func(topicID int64) {
		if topicID != 0 {
			go s.loadHistory(ctx, topicID)
		}
	})
	defer unsub()

	first := true
	backoff := s.backoffMin
	for {
		if first {
			s.store.Dispatch(Connecting{})
		} else {
			s.store.Dispatch(Reconnecting{})
		}

		lost := make(chan struct{})
		err := s.connect(ctx, lost)
		if err == nil {
			if first {
				s.store.Dispatch(Connected{})
			} else {
				s.store.Dispatch(Reconnected{})
				s.resumeSelected(ctx)
			}
			s.refreshTopics(ctx)
			first = false
			backoff = s.backoffMin

			select {
			case <-lost:
				s.closeHub()
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		s.logger.Warn("hub connect failed", "err", err, "retry_in", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		if backoff *= 2; backoff > s.backoffMax {
			backoff = s.backoffMax
		}
	}
}

// connect dials and registers the user. lost closes when the connection
// drops later.
func (s *Session) connect(ctx context.Context, lost chan struct{}) error {
	var lostOnce sync.Once
	h, err := s.dial(ctx, hub.Handlers{
		Triple: s.pipeline.IngestTriple,
		TopicChanged: func(n hub.TopicChange) {
			switch n.Kind {
			case "deleted":
				s.pipeline.Forget(n.Topic.TopicID)
				s.store.Dispatch(RemoveTopic{TopicID: n.Topic.TopicID})
			case "created":
				s.store.Dispatch(AddTopic{Topic: n.Topic})
			default:
				s.store.Dispatch(UpdateTopic{Topic: n.Topic})
			}
		},
		NewMessage: func(n hub.NewMessageNotif) {
			s.pipeline.AddFinalized(n.TopicID, n.Message)
		},
		ApprovalResolved: func(n hub.ApprovalResolvedNotif) {
			s.store.Dispatch(ApprovalResolved{ApprovalID: n.ApprovalID, Approved: n.Approved})
		},
		Disconnected: func(err error) {
			if err != nil {
				s.logger.Warn("hub connection lost", "err", err)
			}
			lostOnce.Do(func() { close(lost) })
		},
	})
	if err != nil {
		return err
	}
	if _, err := h.RegisterUser(ctx, s.userID); err != nil {
		h.Close()
		return err
	}
	s.mu.Lock()
	s.hub = h
	s.mu.Unlock()
	return nil
}

func (s *Session) current() (Hub, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hub, s.hub != nil
}

func (s *Session) closeHub() {
	s.mu.Lock()
	h := s.hub
	s.hub = nil
	s.mu.Unlock()
	if h != nil {
		h.Close()
	}
}

// Send submits the composer text to the selected topic, or opens a fresh
// topic when none is selected. The user's message and the agent's reply
// both come back through the triple stream.
func (s *Session) Send(ctx context.Context, text string) error {
	h, ok := s.current()
	if !ok {
		return hub.ErrClientClosed
	}
	st := s.store.State()
	if !st.ConnectionStatus.InputEnabled() {
		return &switchboard.ErrProtocol{Reason: "not connected"}
	}
	resp, err := h.SendMessage(ctx, hub.SendMessageRequest{
		TopicID: st.SelectedTopic,
		AgentID: s.agentID,
		Text:    text,
	})
	if err != nil {
		s.store.Dispatch(DisplayError{Text: err.Error()})
		return err
	}
	if resp.TopicID != st.SelectedTopic {
		s.store.Dispatch(SelectTopic{TopicID: resp.TopicID})
	}
	return nil
}

// Approve settles a pending tool approval. Edited tool calls, when given,
// replace what the agent proposed.
func (s *Session) Approve(ctx context.Context, approvalID string, approved bool, toolCalls []switchboard.ToolCall) error {
	h, ok := s.current()
	if !ok {
		return hub.ErrClientClosed
	}
	var topicID int64
	var agentID string
	for _, a := range s.store.State().PendingApprovals {
		if a.ID == approvalID {
			topicID, agentID = a.TopicID, a.AgentID
			break
		}
	}
	_, err := h.SubmitApproval(ctx, hub.SubmitApprovalRequest{
		TopicID:    topicID,
		AgentID:    agentID,
		ApprovalID: approvalID,
		Approved:   approved,
		ToolCalls:  toolCalls,
	})
	if err != nil {
		return err
	}
	s.store.Dispatch(ApprovalResolved{ApprovalID: approvalID, Approved: approved, ToolCalls: toolCalls})
	return nil
}

// DeleteTopic removes a topic on the server; the store updates when the
// deletion notification comes back.
func (s *Session) DeleteTopic(ctx context.Context, topicID int64) error {
	h, ok := s.current()
	if !ok {
		return hub.ErrClientClosed
	}
	return h.DeleteTopic(ctx, topicID, s.agentID)
}

// RenameTopic saves a new title for a topic.
func (s *Session) RenameTopic(ctx context.Context, topicID int64, title string) error {
	h, ok := s.current()
	if !ok {
		return hub.ErrClientClosed
	}
	return h.SaveTopic(ctx, topicID, s.agentID, title)
}

func (s *Session) refreshTopics(ctx context.Context) {
	h, ok := s.current()
	if !ok {
		return
	}
	topics, err := h.ListTopics(ctx)
	if err != nil {
		s.logger.Warn("listing topics failed", "err", err)
		return
	}
	for _, t := range topics {
		s.store.Dispatch(UpdateTopic{Topic: t})
	}
}

func (s *Session) loadHistory(ctx context.Context, topicID int64) {
	h, ok := s.current()
	if !ok {
		return
	}
	entries, err := h.GetHistory(ctx, topicID)
	if err != nil {
		s.logger.Warn("history load failed", "topic", topicID, "err", err)
		return
	}
	s.pipeline.LoadHistory(topicID, entries)
}

// resumeSelected rebuilds the selected topic from the server's reconnection
// buffer after a reconnect.
func (s *Session) resumeSelected(ctx context.Context) {
	st := s.store.State()
	topicID := st.SelectedTopic
	if topicID == 0 {
		return
	}
	h, ok := s.current()
	if !ok {
		return
	}
	var lastSeen string
	for _, m := range st.MessagesByTopic[topicID] {
		if m.ID != "" {
			lastSeen = m.ID
		}
	}
	payload, err := h.ResumeStream(ctx, hub.ResumeStreamRequest{
		TopicID:            topicID,
		AgentID:            s.agentID,
		LastSeenMessageID:  lastSeen,
		StreamingMessageID: st.StreamingByTopic[topicID].MessageID,
	})
	if err != nil {
		s.logger.Warn("stream resume failed", "topic", topicID, "err", err)
		return
	}
	s.pipeline.ResumeFromBuffer(topicID, payload)
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
