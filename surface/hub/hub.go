// Package hub exposes the engine over a WebSocket push channel. A browser or
// desktop client opens one socket, registers its user id, and then drives
// threads through JSON request envelopes; the server pushes every stream
// triple for the user's chat back over the same socket, alongside coarser
// topic, stream, message and approval notifications. Reconnecting clients
// call resume_stream, which is answered from the reconnection buffer.
//
// Identity maps one registered user id onto one chat id, so every
// connection a user holds sees the same threads. A send_message before
// register_user is rejected with a terminal error triple.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/Dethon/switchboard"
)

const (
	originName          = "hub"
	defaultWriteWait    = 10 * time.Second
	defaultHistoryLimit = 200
	maxFrameBytes       = 1 << 20
)

var nopLogger = slog.New(slog.DiscardHandler)

// TopicStore is the slice of persistence the hub needs: topic records for
// listing and probing, transcripts for history.
type TopicStore interface {
	SaveThread(ctx context.Context, t switchboard.ThreadRecord) error
	ListThreads(ctx context.Context, chatID int64) ([]switchboard.ThreadRecord, error)
	DeleteThread(ctx context.Context, chatID, topicID int64) error
	AppendTranscript(ctx context.Context, e switchboard.TranscriptEntry) error
	GetTranscript(ctx context.Context, chatID, topicID int64, limit int) ([]switchboard.TranscriptEntry, error)
}

// Server is the hub surface. It implements http.Handler for the WebSocket
// endpoint and switchboard.Surface toward the engine.
type Server struct {
	store     TopicStore
	buffer    *switchboard.ReconnectionBuffer
	approvals *switchboard.ApprovalStore
	agent     string
	history   int
	writeWait time.Duration
	logger    *slog.Logger

	prompts   chan switchboard.Prompt
	lastTopic atomic.Int64
	lastMsg   atomic.Int64

	mu    sync.Mutex
	conns map[string]*conn
}

var _ switchboard.Surface = (*Server)(nil)
var _ http.Handler = (*Server)(nil)

type conn struct {
	id     string
	sock   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	userID string
	chatID int64
}

func (c *conn) setIdentity(userID string, chatID int64) {
	c.mu.Lock()
	c.userID = userID
	c.chatID = chatID
	c.mu.Unlock()
}

func (c *conn) identity() (userID string, chatID int64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID, c.chatID, c.userID != ""
}

// chat returns 0 for unregistered connections, which matches no real chat.
func (c *conn) chat() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID == "" {
		return 0
	}
	return c.chatID
}

type Option func(*Server)

// WithApprovals lets clients settle tool approvals with submit_approval.
func WithApprovals(a *switchboard.ApprovalStore) Option {
	return func(s *Server) { s.approvals = a }
}

// WithHistoryLimit caps how many transcript rows get_history returns.
func WithHistoryLimit(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.history = n
		}
	}
}

// WithWriteTimeout bounds how long one push to a slow client may block.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.writeWait = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New builds a hub server. agent is the agent id used when a request does
// not name one. The buffer receives every emitted triple and answers
// resume_stream.
func New(agent string, store TopicStore, buffer *switchboard.ReconnectionBuffer, opts ...Option) *Server {
	s := &Server{
		store:     store,
		buffer:    buffer,
		agent:     agent,
		history:   defaultHistoryLimit,
		writeWait: defaultWriteWait,
		logger:    nopLogger,
		prompts:   make(chan switchboard.Prompt, 64),
		conns:     make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Origin() string { return originName }

func (s *Server) SupportsScheduledNotifications() bool { return true }

// ReadPrompts forwards prompts submitted by any connection until ctx ends.
func (s *Server) ReadPrompts(ctx context.Context) <-chan switchboard.Prompt {
	out := make(chan switchboard.Prompt)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case p := <-s.prompts:
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// ProvisionThread opens a topic on behalf of the engine, typically for a
// scheduled task. The header is not echoed into the thread; the first turn's
// user echo covers it.
func (s *Server) ProvisionThread(ctx context.Context, chatID int64, name, header string) (int64, error) {
	rec, err := s.createTopic(ctx, chatID, s.agent, name)
	if err != nil {
		return 0, err
	}
	return rec.TopicID, nil
}

// ThreadExists reports whether the topic still has a stored record. Deleted
// topics probe false, which lets the registry sweep their groups.
func (s *Server) ThreadExists(ctx context.Context, chatID, topicID int64) (bool, error) {
	recs, err := s.store.ListThreads(ctx, chatID)
	if err != nil {
		return false, err
	}
	for _, r := range recs {
		if r.TopicID == topicID {
			return true, nil
		}
	}
	return false, nil
}

// BeginTurn tells the chat's connections a model turn started.
func (s *Server) BeginTurn(ctx context.Context, key switchboard.ThreadKey) {
	s.broadcast(key.ChatID, typeStreamChanged, StreamChange{TopicID: key.TopicID, AgentID: key.AgentID, Streaming: true})
}

// Emit appends the triple to the reconnection buffer, then pushes it to the
// chat's connections. Finalized messages with text are also persisted to the
// transcript and announced as new_message; their tool records go out as a
// tool_calls notification.
func (s *Server) Emit(ctx context.Context, t switchboard.StreamTriple) error {
	s.buffer.Append(ctx, t)
	s.broadcast(t.Key.ChatID, typeTriple, t)

	msg := t.Message
	if msg == nil {
		return nil
	}
	if msg.Text != "" {
		e := switchboard.TranscriptEntry{
			ID:        msg.ID,
			ChatID:    t.Key.ChatID,
			TopicID:   t.Key.TopicID,
			AgentID:   t.Key.AgentID,
			Role:      msg.Role,
			Content:   msg.Text,
			SenderID:  msg.SenderID,
			CreatedAt: msg.CreatedAt,
		}
		if err := s.store.AppendTranscript(ctx, e); err != nil {
			return fmt.Errorf("transcript append: %w", err)
		}
	}
	s.broadcast(t.Key.ChatID, typeNewMessage, NewMessageNotif{TopicID: t.Key.TopicID, AgentID: t.Key.AgentID, Message: *msg})
	if len(msg.ToolCalls) > 0 {
		s.broadcast(t.Key.ChatID, typeToolCalls, ToolCallsNotif{
			TopicID:   t.Key.TopicID,
			AgentID:   t.Key.AgentID,
			MessageID: msg.ID,
			ToolCalls: msg.ToolCalls,
		})
	}
	return nil
}

// EndTurn tells the chat's connections the model turn finished.
func (s *Server) EndTurn(ctx context.Context, key switchboard.ThreadKey) {
	s.broadcast(key.ChatID, typeStreamChanged, StreamChange{TopicID: key.TopicID, AgentID: key.AgentID, Streaming: false})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin checks belong to the proxy in front of the hub.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("hub accept failed", "err", err)
		return
	}
	sock.SetReadLimit(maxFrameBytes)
	s.handle(r.Context(), sock)
}

func (s *Server) handle(ctx context.Context, sock *websocket.Conn) {
	c := &conn{id: uuid.New().String(), sock: sock}
	c.ctx, c.cancel = context.WithCancel(ctx)

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		c.cancel()
		sock.Close(websocket.StatusNormalClosure, "")
		s.logger.Debug("hub connection closed", "conn", c.id)
	}()
	s.logger.Debug("hub connection open", "conn", c.id)

	hello, _ := json.Marshal(ConnectedPayload{ConnectionID: c.id})
	s.send(c, envelope{Type: typeConnected, Payload: hello})

	for {
		kind, data, err := sock.Read(c.ctx)
		if err != nil {
			return
		}
		if kind != websocket.MessageText {
			continue
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.sendError(c, "", "malformed envelope")
			continue
		}
		s.dispatch(c, env)
	}
}

func (s *Server) dispatch(c *conn, env envelope) {
	switch env.Type {
	case typeRegisterUser:
		s.handleRegister(c, env)
	case typeSendMessage:
		s.handleSend(c, env)
	case typeListTopics:
		s.handleListTopics(c, env)
	case typeGetHistory:
		s.handleHistory(c, env)
	case typeSaveTopic:
		s.handleSaveTopic(c, env)
	case typeDeleteTopic:
		s.handleDeleteTopic(c, env)
	case typeResumeStream:
		s.handleResume(c, env)
	case typeSubmitApproval:
		s.handleApproval(c, env)
	default:
		s.sendError(c, env.ID, "unknown request type "+env.Type)
	}
}

func (s *Server) handleRegister(c *conn, env envelope) {
	var req RegisterUserRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil || strings.TrimSpace(req.UserID) == "" {
		s.sendError(c, env.ID, "register_user needs a user_id")
		return
	}
	userID := strings.TrimSpace(req.UserID)
	chatID := userChatID(userID)
	c.setIdentity(userID, chatID)
	s.logger.Debug("hub user registered", "conn", c.id, "user", userID, "chat", chatID)
	s.respond(c, env.ID, RegisterUserResponse{ChatID: chatID})
}

func (s *Server) handleSend(c *conn, env envelope) {
	userID, chatID, ok := c.identity()
	if !ok {
		// The rejection doubles as a stream event so a client that only
		// watches the triple feed still sees a terminal error.
		t := switchboard.StreamTriple{Update: switchboard.ErrorUpdate("register_user required before send_message")}
		if data, err := json.Marshal(t); err == nil {
			s.send(c, envelope{Type: typeTriple, Payload: data})
		}
		s.sendError(c, env.ID, "register_user required before send_message")
		return
	}
	var req SendMessageRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		s.sendError(c, env.ID, "bad send_message payload")
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		s.sendError(c, env.ID, "empty message")
		return
	}
	agent := s.agentOr(req.AgentID)

	topicID := req.TopicID
	if topicID == 0 {
		rec, err := s.createTopic(c.ctx, chatID, agent, switchboard.ThreadName(text))
		if err != nil {
			s.logger.Warn("hub topic create failed", "chat", chatID, "err", err)
			s.sendError(c, env.ID, "topic create failed")
			return
		}
		topicID = rec.TopicID
	} else {
		known, err := s.topicKnown(c.ctx, chatID, topicID)
		if err != nil {
			s.sendError(c, env.ID, "topic lookup failed")
			return
		}
		if !known {
			s.sendError(c, env.ID, "unknown topic")
			return
		}
	}

	msgID := req.MessageID
	if msgID == 0 {
		msgID = monotonicID(&s.lastMsg)
	}
	p := switchboard.Prompt{
		Origin:    originName,
		ChatID:    chatID,
		TopicID:   topicID,
		AgentID:   agent,
		MessageID: msgID,
		SenderID:  userID,
		Body:      text,
		ReplyTo:   req.ReplyTo,
		At:        switchboard.NowUnix(),
	}
	select {
	case s.prompts <- p:
	case <-c.ctx.Done():
		return
	}
	s.respond(c, env.ID, SendMessageResponse{TopicID: topicID, MessageID: msgID})
}

func (s *Server) handleListTopics(c *conn, env envelope) {
	_, chatID, ok := c.identity()
	if !ok {
		s.sendError(c, env.ID, "not registered")
		return
	}
	recs, err := s.store.ListThreads(c.ctx, chatID)
	if err != nil {
		s.logger.Warn("hub topic list failed", "chat", chatID, "err", err)
		s.sendError(c, env.ID, "topic list failed")
		return
	}
	s.respond(c, env.ID, ListTopicsResponse{Topics: recs})
}

func (s *Server) handleHistory(c *conn, env envelope) {
	_, chatID, ok := c.identity()
	if !ok {
		s.sendError(c, env.ID, "not registered")
		return
	}
	var req GetHistoryRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.TopicID == 0 {
		s.sendError(c, env.ID, "bad get_history payload")
		return
	}
	entries, err := s.store.GetTranscript(c.ctx, chatID, req.TopicID, s.history)
	if err != nil {
		s.logger.Warn("hub history load failed", "chat", chatID, "topic", req.TopicID, "err", err)
		s.sendError(c, env.ID, "history load failed")
		return
	}
	s.respond(c, env.ID, GetHistoryResponse{Messages: entries})
}

func (s *Server) handleSaveTopic(c *conn, env envelope) {
	_, chatID, ok := c.identity()
	if !ok {
		s.sendError(c, env.ID, "not registered")
		return
	}
	var req SaveTopicRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.TopicID == 0 || strings.TrimSpace(req.Title) == "" {
		s.sendError(c, env.ID, "bad save_topic payload")
		return
	}
	rec := switchboard.ThreadRecord{
		ChatID:    chatID,
		TopicID:   req.TopicID,
		AgentID:   s.agentOr(req.AgentID),
		Title:     strings.TrimSpace(req.Title),
		CreatedAt: switchboard.NowUnix(),
	}
	if err := s.store.SaveThread(c.ctx, rec); err != nil {
		s.logger.Warn("hub topic save failed", "chat", chatID, "topic", req.TopicID, "err", err)
		s.sendError(c, env.ID, "topic save failed")
		return
	}
	s.broadcast(chatID, typeTopicChanged, TopicChange{Kind: "saved", Topic: rec})
	s.respond(c, env.ID, rec)
}

func (s *Server) handleDeleteTopic(c *conn, env envelope) {
	_, chatID, ok := c.identity()
	if !ok {
		s.sendError(c, env.ID, "not registered")
		return
	}
	var req DeleteTopicRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.TopicID == 0 {
		s.sendError(c, env.ID, "bad delete_topic payload")
		return
	}
	if err := s.store.DeleteThread(c.ctx, chatID, req.TopicID); err != nil {
		s.logger.Warn("hub topic delete failed", "chat", chatID, "topic", req.TopicID, "err", err)
		s.sendError(c, env.ID, "topic delete failed")
		return
	}
	key := switchboard.ThreadKey{ChatID: chatID, TopicID: req.TopicID, AgentID: s.agentOr(req.AgentID)}
	s.buffer.Remove(c.ctx, key)
	s.broadcast(chatID, typeTopicChanged, TopicChange{Kind: "deleted", Topic: switchboard.ThreadRecord{ChatID: chatID, TopicID: req.TopicID}})
	s.respond(c, env.ID, struct{}{})
}

func (s *Server) handleResume(c *conn, env envelope) {
	_, chatID, ok := c.identity()
	if !ok {
		s.sendError(c, env.ID, "not registered")
		return
	}
	var req ResumeStreamRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.TopicID == 0 {
		s.sendError(c, env.ID, "bad resume_stream payload")
		return
	}
	key := switchboard.ThreadKey{ChatID: chatID, TopicID: req.TopicID, AgentID: s.agentOr(req.AgentID)}
	payload := s.buffer.Resume(c.ctx, key, req.LastSeenMessageID, req.StreamingMessageID)
	s.respond(c, env.ID, payload)
}

func (s *Server) handleApproval(c *conn, env envelope) {
	_, chatID, ok := c.identity()
	if !ok {
		s.sendError(c, env.ID, "not registered")
		return
	}
	if s.approvals == nil {
		s.sendError(c, env.ID, "approvals not enabled")
		return
	}
	var req SubmitApprovalRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.ApprovalID == "" {
		s.sendError(c, env.ID, "bad submit_approval payload")
		return
	}
	key := switchboard.ThreadKey{ChatID: chatID, TopicID: req.TopicID, AgentID: s.agentOr(req.AgentID)}
	resolved := s.approvals.Resolve(key, req.ApprovalID, switchboard.ApprovalDecision{
		Approved:  req.Approved,
		ToolCalls: req.ToolCalls,
	})
	if resolved {
		s.broadcast(chatID, typeApprovalResolved, ApprovalResolvedNotif{
			TopicID:    req.TopicID,
			AgentID:    key.AgentID,
			ApprovalID: req.ApprovalID,
			Approved:   req.Approved,
		})
	}
	s.respond(c, env.ID, SubmitApprovalResponse{Resolved: resolved})
}

func (s *Server) createTopic(ctx context.Context, chatID int64, agentID, title string) (switchboard.ThreadRecord, error) {
	rec := switchboard.ThreadRecord{
		ChatID:    chatID,
		TopicID:   monotonicID(&s.lastTopic),
		AgentID:   agentID,
		Title:     title,
		CreatedAt: switchboard.NowUnix(),
	}
	if err := s.store.SaveThread(ctx, rec); err != nil {
		return switchboard.ThreadRecord{}, fmt.Errorf("save thread: %w", err)
	}
	s.broadcast(chatID, typeTopicChanged, TopicChange{Kind: "created", Topic: rec})
	return rec, nil
}

func (s *Server) topicKnown(ctx context.Context, chatID, topicID int64) (bool, error) {
	recs, err := s.store.ListThreads(ctx, chatID)
	if err != nil {
		return false, err
	}
	for _, r := range recs {
		if r.TopicID == topicID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Server) agentOr(id string) string {
	if id != "" {
		return id
	}
	return s.agent
}

// broadcast pushes one frame to every registered connection of the chat.
// Conns are snapshotted under the lock and written outside it.
func (s *Server) broadcast(chatID int64, typ string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("hub payload marshal failed", "type", typ, "err", err)
		return
	}
	env := envelope{Type: typ, Payload: data}
	frame, err := json.Marshal(env)
	if err != nil {
		s.logger.Warn("hub frame marshal failed", "type", typ, "err", err)
		return
	}
	for _, c := range s.connsFor(chatID) {
		if err := s.write(c, frame); err != nil {
			s.logger.Debug("hub push failed", "conn", c.id, "type", typ, "err", err)
		}
	}
}

func (s *Server) connsFor(chatID int64) []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*conn
	for _, c := range s.conns {
		if c.chat() == chatID {
			out = append(out, c)
		}
	}
	return out
}

func (s *Server) respond(c *conn, id string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("hub response marshal failed", "err", err)
		s.sendError(c, id, "internal error")
		return
	}
	s.send(c, envelope{Type: typeResponse, ID: id, Payload: data})
}

func (s *Server) sendError(c *conn, id, msg string) {
	data, _ := json.Marshal(ErrorPayload{Message: msg})
	s.send(c, envelope{Type: typeError, ID: id, Payload: data})
}

func (s *Server) send(c *conn, env envelope) {
	frame, err := json.Marshal(env)
	if err != nil {
		s.logger.Warn("hub frame marshal failed", "type", env.Type, "err", err)
		return
	}
	if err := s.write(c, frame); err != nil {
		s.logger.Debug("hub write failed", "conn", c.id, "type", env.Type, "err", err)
	}
}

func (s *Server) write(c *conn, frame []byte) error {
	ctx, cancel := context.WithTimeout(c.ctx, s.writeWait)
	defer cancel()
	return c.sock.Write(ctx, websocket.MessageText, frame)
}

// monotonicID allocates ids that stay unique across restarts by pinning to
// the nanosecond clock and bumping past the last value on collision.
func monotonicID(last *atomic.Int64) int64 {
	for {
		now := time.Now().UnixNano()
		prev := last.Load()
		if now <= prev {
			now = prev + 1
		}
		if last.CompareAndSwap(prev, now) {
			return now
		}
	}
}

// userChatID maps a user id onto the surface's chat id space. Stable across
// restarts so topic records and buffered streams stay addressable.
func userChatID(userID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(userID))
	id := int64(h.Sum64() &^ (1 << 63))
	if id == 0 {
		id = 1
	}
	return id
}
