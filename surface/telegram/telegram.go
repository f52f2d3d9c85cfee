// Package telegram is the Bot API chat surface: it long-polls for incoming
// messages, provisions forum topics as threads, and renders streamed agent
// output as live-edited messages.
//
// Forum supergroups map naturally: each forum topic is one thread, and
// prompts posted outside any topic provision a fresh one. Private chats
// cannot host topics, so the whole chat collapses onto a single thread.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Dethon/switchboard"
)

const (
	originName = "telegram"

	// generalTopicID stands in for the chat root: the General topic of a
	// forum, or a private chat. API calls for it omit message_thread_id.
	generalTopicID = 1

	maxMessageLen  = 4096
	pollTimeout    = 30 // seconds, getUpdates long poll
	pollRetryDelay = time.Second

	defaultEditInterval = time.Second
)

var nopLogger = slog.New(slog.DiscardHandler)

// Surface is one bot account bound to one agent. It implements the full
// surface contract: prompt source, topic provisioner, liveness prober and
// response sink.
type Surface struct {
	token     string
	agent     string
	api       string
	fileAPI   string
	client    *http.Client
	approvals *switchboard.ApprovalStore
	editEvery time.Duration
	logger    *slog.Logger

	mu    sync.Mutex
	turns map[switchboard.ThreadKey]*turnState
}

var _ switchboard.Surface = (*Surface)(nil)

type Option func(*Surface)

// WithHTTPClient replaces the transport. The default client has no timeout
// so the 30s long poll can complete; a custom one must allow at least that.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Surface) { s.client = c }
}

// WithBaseURL points the surface at a different Bot API host, typically a
// test server or a local bot-api instance.
func WithBaseURL(u string) Option {
	return func(s *Surface) {
		u = strings.TrimSuffix(u, "/")
		s.api = u + "/bot"
		s.fileAPI = u + "/file/bot"
	}
}

// WithApprovals routes /approve and /deny replies into the store instead of
// forwarding them as prompts.
func WithApprovals(a *switchboard.ApprovalStore) Option {
	return func(s *Surface) { s.approvals = a }
}

// WithEditInterval sets the minimum spacing between streaming edits of the
// draft message. Telegram throttles edits hard, so keep this at or above
// one second outside tests.
func WithEditInterval(d time.Duration) Option {
	return func(s *Surface) { s.editEvery = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Surface) { s.logger = l }
}

// New builds a surface for the bot identified by token, delivering every
// inbound prompt to the agent with the given id.
func New(token, agent string, opts ...Option) *Surface {
	s := &Surface{
		token:     token,
		agent:     agent,
		api:       "https://api.telegram.org/bot",
		fileAPI:   "https://api.telegram.org/file/bot",
		client:    &http.Client{},
		editEvery: defaultEditInterval,
		logger:    nopLogger,
		turns:     make(map[switchboard.ThreadKey]*turnState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Surface) Origin() string { return originName }

// SupportsScheduledNotifications reports true: the bot can open a topic and
// post into it without a preceding user message.
func (s *Surface) SupportsScheduledNotifications() bool { return true }

// ReadPrompts long-polls getUpdates until ctx is cancelled. Poll failures
// are logged and retried; the channel closes only on cancellation.
func (s *Surface) ReadPrompts(ctx context.Context) <-chan switchboard.Prompt {
	out := make(chan switchboard.Prompt)
	go s.pollLoop(ctx, out)
	return out
}

func (s *Surface) pollLoop(ctx context.Context, out chan<- switchboard.Prompt) {
	defer close(out)
	var offset int64

	for {
		if ctx.Err() != nil {
			return
		}
		updates, err := s.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("telegram: poll failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollRetryDelay):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			m := u.Message
			if m == nil || (m.From != nil && m.From.IsBot) {
				continue
			}
			if s.routeApproval(m) {
				continue
			}
			p, ok := s.toPrompt(ctx, m)
			if !ok {
				continue
			}
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Surface) getUpdates(ctx context.Context, offset int64) ([]update, error) {
	body := map[string]any{
		"offset":          offset,
		"timeout":         pollTimeout,
		"allowed_updates": []string{"message"},
	}
	var updates []update
	if err := s.call(ctx, "getUpdates", body, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// toPrompt normalizes one Telegram message into an engine prompt. Messages
// with no usable text (service messages, bare stickers) yield nothing.
func (s *Surface) toPrompt(ctx context.Context, m *message) (switchboard.Prompt, bool) {
	body := m.Text
	if body == "" {
		body = m.Caption
	}
	body = stripBotMention(body)
	if extra := s.attachmentText(ctx, m); extra != "" {
		if body != "" {
			body += "\n\n"
		}
		body += extra
	}
	if body == "" {
		return switchboard.Prompt{}, false
	}

	p := switchboard.Prompt{
		Origin:    originName,
		ChatID:    m.Chat.ID,
		TopicID:   s.topicOf(m),
		AgentID:   s.agent,
		MessageID: m.MessageID,
		SenderID:  senderID(m),
		Body:      body,
		At:        m.Date,
	}
	if m.ReplyToMessage != nil {
		p.ReplyTo = m.ReplyToMessage.MessageID
	}
	if p.At == 0 {
		p.At = switchboard.NowUnix()
	}
	return p, true
}

// topicOf resolves the thread a message belongs to. In a private chat the
// chat root is the thread; in a forum a missing thread id means the General
// topic, left at zero so the provisioner opens a dedicated topic.
func (s *Surface) topicOf(m *message) int64 {
	if m.MessageThreadID != 0 {
		return m.MessageThreadID
	}
	if m.Chat.Type == "private" {
		return generalTopicID
	}
	return 0
}

func senderID(m *message) string {
	if m.From == nil {
		return ""
	}
	return strconv.FormatInt(m.From.ID, 10)
}

// stripBotMention drops the "@BotName" suffix group commands carry, so
// "/cancel@MyBot" parses like "/cancel".
func stripBotMention(body string) string {
	if !strings.HasPrefix(body, "/") {
		return body
	}
	token := body
	rest := ""
	if i := strings.IndexAny(body, " \t\n"); i >= 0 {
		token, rest = body[:i], body[i:]
	}
	if i := strings.IndexByte(token, '@'); i > 0 {
		token = token[:i]
	}
	return token + rest
}

// ProvisionThread opens a forum topic and echoes the header into it in
// bold. The chat must be a forum supergroup; anywhere else the Bot API
// rejects the call and the prompt that triggered provisioning is dropped
// upstream.
func (s *Surface) ProvisionThread(ctx context.Context, chatID int64, name, header string) (int64, error) {
	var topic forumTopic
	err := s.call(ctx, "createForumTopic", map[string]any{"chat_id": chatID, "name": name}, &topic)
	if err != nil {
		return 0, fmt.Errorf("create forum topic: %w", err)
	}
	if header != "" {
		body := map[string]any{
			"chat_id":           chatID,
			"message_thread_id": topic.MessageThreadID,
			"text":              "<b>" + escapeHTML(clipRunes(header, maxMessageLen-7)) + "</b>",
			"parse_mode":        "HTML",
		}
		if err := s.call(ctx, "sendMessage", body, nil); err != nil {
			s.logger.Warn("telegram: header echo failed",
				"chat", chatID, "topic", topic.MessageThreadID, "error", err)
		}
	}
	return topic.MessageThreadID, nil
}

// ThreadExists probes a thread by sending a chat action into it. The API
// distinguishes a deleted topic from a transient failure through the error
// description; only a definite "gone" answer reports false with no error.
func (s *Surface) ThreadExists(ctx context.Context, chatID, topicID int64) (bool, error) {
	body := map[string]any{"chat_id": chatID, "action": "typing"}
	if topicID > generalTopicID {
		body["message_thread_id"] = topicID
	}
	err := s.call(ctx, "sendChatAction", body, nil)
	switch {
	case err == nil:
		return true, nil
	case isGoneError(err):
		return false, nil
	default:
		return false, err
	}
}

// --- Bot API client ---

// call posts JSON to one Bot API method and decodes the result envelope.
func (s *Surface) call(ctx context.Context, method string, reqBody any, result any) error {
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("telegram: marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.api+s.token+"/"+method, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("telegram: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram: read %s response: %w", method, err)
	}

	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description,omitempty"`
		ErrorCode   int             `json:"error_code,omitempty"`
		Result      json.RawMessage `json:"result,omitempty"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("telegram: decode %s response: %w", method, err)
	}
	if !envelope.OK {
		return &apiError{Code: envelope.ErrorCode, Description: envelope.Description}
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("telegram: decode %s result: %w", method, err)
		}
	}
	return nil
}

// download fetches a file's bytes: getFile for the path, then a plain GET.
// Returns the data and the file name from the path's last segment.
func (s *Surface) download(ctx context.Context, fileID string) ([]byte, string, error) {
	var ref fileRef
	if err := s.call(ctx, "getFile", map[string]any{"file_id": fileID}, &ref); err != nil {
		return nil, "", err
	}
	if ref.FilePath == "" {
		return nil, "", fmt.Errorf("telegram: empty file_path for %s", fileID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.fileAPI+s.token+"/"+ref.FilePath, nil)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: build download request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("telegram: download HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: read file: %w", err)
	}

	parts := strings.Split(ref.FilePath, "/")
	return data, parts[len(parts)-1], nil
}

type apiError struct {
	Code        int
	Description string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("telegram API error %d: %s", e.Code, e.Description)
}

// isGoneError reports whether an API error means the thread or chat no
// longer accepts messages, as opposed to failing transiently.
func isGoneError(err error) bool {
	var ae *apiError
	if !errors.As(err, &ae) {
		return false
	}
	if ae.Code == http.StatusForbidden {
		// Kicked from the group or blocked by the user.
		return true
	}
	desc := strings.ToLower(ae.Description)
	for _, marker := range []string{"thread not found", "topic deleted", "topic closed", "chat not found"} {
		if strings.Contains(desc, marker) {
			return true
		}
	}
	return false
}

func isNotModified(err error) bool {
	return err != nil && strings.Contains(err.Error(), "message is not modified")
}
