package telegram

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Dethon/switchboard"
)

// turnState tracks one thread's in-flight segment on screen: the draft
// message being edited, what it currently shows, and the newest approval
// awaiting a reply.
type turnState struct {
	msgID      int64
	draft      strings.Builder
	sent       string
	lastEdit   time.Time
	approvalID string
}

// turn returns the key's state, creating it on first touch. Caller holds
// s.mu.
func (s *Surface) turn(key switchboard.ThreadKey) *turnState {
	st, ok := s.turns[key]
	if !ok {
		st = &turnState{}
		s.turns[key] = st
	}
	return st
}

// BeginTurn opens a typing indicator on the thread. The indicator expires
// on its own, so there is nothing to undo at turn end.
func (s *Surface) BeginTurn(ctx context.Context, key switchboard.ThreadKey) {
	body := map[string]any{"chat_id": key.ChatID, "action": "typing"}
	if key.TopicID > generalTopicID {
		body["message_thread_id"] = key.TopicID
	}
	if err := s.call(ctx, "sendChatAction", body, nil); err != nil {
		s.logger.Debug("telegram: typing indicator failed", "key", key.String(), "error", err)
	}
}

// Emit renders one triple. A boundary's coalesced message closes the
// current draft first; the update's contents then feed the next segment,
// since a role-change boundary arrives on the update that opens it.
func (s *Surface) Emit(ctx context.Context, t switchboard.StreamTriple) error {
	if t.Message != nil {
		if err := s.finalize(ctx, t.Key, t.Message); err != nil {
			return err
		}
	}

	var progressed bool
	for _, c := range t.Update.Contents {
		switch c.Kind {
		case switchboard.UpdateTextDelta:
			s.mu.Lock()
			s.turn(t.Key).draft.WriteString(c.Text)
			s.mu.Unlock()
			progressed = true
		case switchboard.UpdateApprovalRequest:
			if err := s.sendApprovalRequest(ctx, t.Key, c); err != nil {
				return err
			}
		case switchboard.UpdateError:
			if err := s.sendPlain(ctx, t.Key, "⚠ "+c.Text); err != nil {
				return err
			}
		}
	}
	if progressed {
		return s.progress(ctx, t.Key)
	}
	return nil
}

// EndTurn drops the thread's turn state. An unfinalized draft stays on
// screen as-is; a cancelled run simply stops mid-sentence.
func (s *Surface) EndTurn(ctx context.Context, key switchboard.ThreadKey) {
	s.mu.Lock()
	delete(s.turns, key)
	s.mu.Unlock()
}

// progress pushes the accumulated draft to the thread's draft message. The
// first delta sends a fresh message; later ones edit it, spaced at least
// editEvery apart. Skipped pushes are not lost, the next qualifying one
// carries everything accumulated so far.
func (s *Surface) progress(ctx context.Context, key switchboard.ThreadKey) error {
	s.mu.Lock()
	st := s.turn(key)
	text := clipRunes(st.draft.String(), maxMessageLen)
	msgID := st.msgID
	due := msgID == 0 || time.Since(st.lastEdit) >= s.editEvery
	if text == st.sent {
		due = false
	}
	s.mu.Unlock()

	if !due || text == "" {
		return nil
	}

	if msgID == 0 {
		id, err := s.send(ctx, key, map[string]any{"text": text})
		if err != nil {
			return err
		}
		msgID = id
	} else {
		err := s.call(ctx, "editMessageText", map[string]any{
			"chat_id":    key.ChatID,
			"message_id": msgID,
			"text":       text,
		}, nil)
		if err != nil && !isNotModified(err) {
			return err
		}
	}

	s.mu.Lock()
	// Write back only while this turn still owns the key; EndTurn may have
	// dropped it during the API call.
	if s.turns[key] == st {
		st.msgID = msgID
		st.sent = text
		st.lastEdit = time.Now()
	}
	s.mu.Unlock()
	return nil
}

// finalize replaces the draft with the fully rendered message and resets
// the segment. Long answers spill into follow-up messages split at line
// boundaries; reasoning rides along as an expandable quote when it fits.
func (s *Surface) finalize(ctx context.Context, key switchboard.ThreadKey, msg *switchboard.CoalescedMessage) error {
	s.mu.Lock()
	st := s.turn(key)
	msgID := st.msgID
	st.draft.Reset()
	st.msgID = 0
	st.sent = ""
	st.lastEdit = time.Time{}
	s.mu.Unlock()

	// User echoes are already on screen and tool-only segments have no
	// prose to show.
	if msg.Role != "assistant" || msg.Text == "" {
		return nil
	}

	chunks := splitMessage(msg.Text)
	first := RenderHTML(chunks[0])
	if msg.Reasoning != "" && len(chunks) == 1 && len(msg.Reasoning)+len(chunks[0]) < maxMessageLen-64 {
		first = "<blockquote expandable>" + escapeHTML(msg.Reasoning) + "</blockquote>\n" + first
	}

	if msgID != 0 {
		if err := s.editHTML(ctx, key, msgID, first, chunks[0]); err != nil {
			return err
		}
	} else {
		if _, err := s.sendHTML(ctx, key, first, chunks[0]); err != nil {
			return err
		}
	}
	for _, chunk := range chunks[1:] {
		if _, err := s.sendHTML(ctx, key, RenderHTML(chunk), chunk); err != nil {
			return err
		}
	}
	return nil
}

func (s *Surface) sendApprovalRequest(ctx context.Context, key switchboard.ThreadKey, c switchboard.UpdateContent) error {
	s.mu.Lock()
	s.turn(key).approvalID = c.ApprovalID
	s.mu.Unlock()

	text := "⏸ Approval needed: " + c.ToolName
	if len(c.Args) > 0 {
		text += "\n" + clipRunes(string(c.Args), 512)
	}
	text += "\n\nReply /approve or /deny"
	return s.sendPlain(ctx, key, text)
}

// routeApproval intercepts /approve and /deny replies before they become
// prompts. A bare command resolves the thread's newest pending approval;
// an explicit id targets that one.
func (s *Surface) routeApproval(m *message) bool {
	if s.approvals == nil {
		return false
	}
	approved, id, ok := parseApprovalReply(m.Text)
	if !ok {
		return false
	}
	key := switchboard.ThreadKey{ChatID: m.Chat.ID, TopicID: s.topicOf(m), AgentID: s.agent}
	if id == "" {
		s.mu.Lock()
		if st := s.turns[key]; st != nil {
			id = st.approvalID
		}
		s.mu.Unlock()
	}
	if id == "" {
		// Nothing pending; swallow the command rather than confuse the agent.
		return true
	}
	resolved := s.approvals.Resolve(key, id, switchboard.ApprovalDecision{Approved: approved})
	s.logger.Debug("telegram: approval reply",
		"key", key.String(), "approval", id, "approved", approved, "resolved", resolved)
	return true
}

func parseApprovalReply(text string) (approved bool, id string, ok bool) {
	fields := strings.Fields(stripBotMention(text))
	if len(fields) == 0 {
		return false, "", false
	}
	switch strings.ToLower(fields[0]) {
	case "/approve":
		approved = true
	case "/deny":
	default:
		return false, "", false
	}
	if len(fields) > 1 {
		id = fields[1]
	}
	return approved, id, true
}

// --- message helpers ---

// send posts into the thread and returns the new message id. The payload
// already carries text and formatting; chat routing is filled in here.
func (s *Surface) send(ctx context.Context, key switchboard.ThreadKey, body map[string]any) (int64, error) {
	body["chat_id"] = key.ChatID
	if key.TopicID > generalTopicID {
		body["message_thread_id"] = key.TopicID
	}
	var sent message
	if err := s.call(ctx, "sendMessage", body, &sent); err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

func (s *Surface) sendPlain(ctx context.Context, key switchboard.ThreadKey, text string) error {
	_, err := s.send(ctx, key, map[string]any{"text": clipRunes(text, maxMessageLen)})
	return err
}

// sendHTML posts formatted text, retrying as plain text when the API
// rejects the markup.
func (s *Surface) sendHTML(ctx context.Context, key switchboard.ThreadKey, html, plain string) (int64, error) {
	id, err := s.send(ctx, key, map[string]any{"text": html, "parse_mode": "HTML"})
	if err == nil {
		return id, nil
	}
	if isParseError(err) {
		return s.send(ctx, key, map[string]any{"text": clipRunes(plain, maxMessageLen)})
	}
	return 0, err
}

// editHTML rewrites an existing message with formatted text, falling back
// to plain text when the markup is rejected.
func (s *Surface) editHTML(ctx context.Context, key switchboard.ThreadKey, msgID int64, html, plain string) error {
	err := s.call(ctx, "editMessageText", map[string]any{
		"chat_id":    key.ChatID,
		"message_id": msgID,
		"text":       html,
		"parse_mode": "HTML",
	}, nil)
	switch {
	case err == nil, isNotModified(err):
		return nil
	case isParseError(err):
		err = s.call(ctx, "editMessageText", map[string]any{
			"chat_id":    key.ChatID,
			"message_id": msgID,
			"text":       clipRunes(plain, maxMessageLen),
		}, nil)
		if isNotModified(err) {
			return nil
		}
		return err
	default:
		return err
	}
}

func isParseError(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "can't parse entities")
}

// splitMessage cuts text into chunks under the message length cap,
// preferring newline boundaries.
func splitMessage(text string) []string {
	if len(text) <= maxMessageLen {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for len(remaining) > 0 {
		if len(remaining) <= maxMessageLen {
			chunks = append(chunks, remaining)
			break
		}
		head := remaining[:maxMessageLen]
		cut := strings.LastIndex(head, "\n")
		if cut == -1 {
			cut = len(clipRunes(remaining, maxMessageLen))
		} else {
			cut++ // keep the newline with the leading chunk
		}
		chunks = append(chunks, remaining[:cut])
		remaining = remaining[cut:]
	}
	return chunks
}

// clipRunes truncates s to at most n bytes without splitting a rune.
func clipRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
