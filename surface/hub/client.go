package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/Dethon/switchboard"
)

// ErrClientClosed is returned by calls made after Close or after the
// connection dropped.
var ErrClientClosed = errors.New("hub: client closed")

// ServerError is a request the hub rejected.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return "hub: " + e.Message }

// Handlers receives server pushes. Nil fields are skipped. Callbacks run on
// the client's read goroutine and must not block.
type Handlers struct {
	Triple           func(switchboard.StreamTriple)
	TopicChanged     func(TopicChange)
	StreamChanged    func(StreamChange)
	NewMessage       func(NewMessageNotif)
	ApprovalResolved func(ApprovalResolvedNotif)
	ToolCalls        func(ToolCallsNotif)
	Disconnected     func(error)
}

// Client is the Go end of the hub protocol: one socket, correlated
// request/response calls, and push handlers. The state pipeline's effects
// drive the engine through it.
type Client struct {
	sock     *websocket.Conn
	logger   *slog.Logger
	handlers Handlers

	mu      sync.Mutex
	pending map[string]chan callResult
	closed  bool

	nextID atomic.Uint64
	done   chan struct{}
}

type callResult struct {
	payload json.RawMessage
	err     error
}

type ClientOption func(*Client)

func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Dial connects to a hub endpoint and starts the read loop.
func Dial(ctx context.Context, url string, h Handlers, opts ...ClientOption) (*Client, error) {
	sock, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("hub dial: %w", err)
	}
	sock.SetReadLimit(maxFrameBytes)
	c := &Client{
		sock:     sock,
		logger:   nopLogger,
		handlers: h,
		pending:  make(map[string]chan callResult),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c, nil
}

// Close tears the connection down and waits for the read loop to finish.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	err := c.sock.Close(websocket.StatusNormalClosure, "")
	<-c.done
	return err
}

func (c *Client) readLoop() {
	var cause error
	for {
		_, data, err := c.sock.Read(context.Background())
		if err != nil {
			cause = err
			break
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("hub client: malformed frame", "err", err)
			continue
		}
		c.route(env)
	}
	c.fail(cause)
}

// fail settles every in-flight call with the read error, then signals done
// so Close can return.
func (c *Client) fail(err error) {
	c.mu.Lock()
	waiters := c.pending
	c.pending = make(map[string]chan callResult)
	wasClosed := c.closed
	c.closed = true
	c.mu.Unlock()

	if wasClosed {
		err = ErrClientClosed
	}
	for _, ch := range waiters {
		ch <- callResult{err: err}
	}
	close(c.done)
	if !wasClosed && c.handlers.Disconnected != nil {
		c.handlers.Disconnected(err)
	}
}

func (c *Client) route(env envelope) {
	switch env.Type {
	case typeResponse, typeError:
		c.settle(env)
	case typeTriple:
		dispatchPush(c, env, c.handlers.Triple)
	case typeTopicChanged:
		dispatchPush(c, env, c.handlers.TopicChanged)
	case typeStreamChanged:
		dispatchPush(c, env, c.handlers.StreamChanged)
	case typeNewMessage:
		dispatchPush(c, env, c.handlers.NewMessage)
	case typeApprovalResolved:
		dispatchPush(c, env, c.handlers.ApprovalResolved)
	case typeToolCalls:
		dispatchPush(c, env, c.handlers.ToolCalls)
	case typeConnected:
		// Greeting, nothing to settle.
	default:
		c.logger.Debug("hub client: unhandled frame", "type", env.Type)
	}
}

func dispatchPush[T any](c *Client, env envelope, fn func(T)) {
	if fn == nil {
		return
	}
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		c.logger.Warn("hub client: bad push payload", "type", env.Type, "err", err)
		return
	}
	fn(v)
}

func (c *Client) settle(env envelope) {
	c.mu.Lock()
	ch := c.pending[env.ID]
	delete(c.pending, env.ID)
	c.mu.Unlock()
	if ch == nil {
		c.logger.Debug("hub client: stray response", "id", env.ID)
		return
	}
	if env.Type == typeError {
		var ep ErrorPayload
		_ = json.Unmarshal(env.Payload, &ep)
		if ep.Message == "" {
			ep.Message = "request failed"
		}
		ch <- callResult{err: &ServerError{Message: ep.Message}}
		return
	}
	ch <- callResult{payload: env.Payload}
}

func (c *Client) call(ctx context.Context, typ string, req, resp any) error {
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	ch := make(chan callResult, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	var payload json.RawMessage
	if req != nil {
		data, err := json.Marshal(req)
		if err != nil {
			c.forget(id)
			return err
		}
		payload = data
	}
	frame, err := json.Marshal(envelope{Type: typ, ID: id, Payload: payload})
	if err != nil {
		c.forget(id)
		return err
	}
	if err := c.sock.Write(ctx, websocket.MessageText, frame); err != nil {
		c.forget(id)
		return fmt.Errorf("hub %s: %w", typ, err)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		if resp != nil && len(r.payload) > 0 {
			return json.Unmarshal(r.payload, resp)
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case <-c.done:
		return ErrClientClosed
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// RegisterUser binds this connection to a user id and returns the chat id
// the server derived for it. Must succeed before SendMessage.
func (c *Client) RegisterUser(ctx context.Context, userID string) (int64, error) {
	var resp RegisterUserResponse
	err := c.call(ctx, typeRegisterUser, RegisterUserRequest{UserID: userID}, &resp)
	return resp.ChatID, err
}

// SendMessage submits a prompt and reports where it landed. TopicID 0 in
// the request opens a fresh topic.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (SendMessageResponse, error) {
	var resp SendMessageResponse
	err := c.call(ctx, typeSendMessage, req, &resp)
	return resp, err
}

func (c *Client) ListTopics(ctx context.Context) ([]switchboard.ThreadRecord, error) {
	var resp ListTopicsResponse
	err := c.call(ctx, typeListTopics, nil, &resp)
	return resp.Topics, err
}

func (c *Client) GetHistory(ctx context.Context, topicID int64) ([]switchboard.TranscriptEntry, error) {
	var resp GetHistoryResponse
	err := c.call(ctx, typeGetHistory, GetHistoryRequest{TopicID: topicID}, &resp)
	return resp.Messages, err
}

func (c *Client) SaveTopic(ctx context.Context, topicID int64, agentID, title string) error {
	return c.call(ctx, typeSaveTopic, SaveTopicRequest{TopicID: topicID, AgentID: agentID, Title: title}, nil)
}

func (c *Client) DeleteTopic(ctx context.Context, topicID int64, agentID string) error {
	return c.call(ctx, typeDeleteTopic, DeleteTopicRequest{TopicID: topicID, AgentID: agentID}, nil)
}

// ResumeStream fetches everything missed since the last seen message plus
// the partially streamed segment, straight from the reconnection buffer.
func (c *Client) ResumeStream(ctx context.Context, req ResumeStreamRequest) (switchboard.ResumePayload, error) {
	var resp switchboard.ResumePayload
	err := c.call(ctx, typeResumeStream, req, &resp)
	return resp, err
}

// SubmitApproval settles a pending tool approval. The returned bool is
// false when no agent run was waiting on the id, for example after the
// approval timed out.
func (c *Client) SubmitApproval(ctx context.Context, req SubmitApprovalRequest) (bool, error) {
	var resp SubmitApprovalResponse
	err := c.call(ctx, typeSubmitApproval, req, &resp)
	return resp.Resolved, err
}
