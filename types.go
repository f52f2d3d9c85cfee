package switchboard

import "encoding/json"

// --- Ingress ---

// Prompt is one user message as it enters the engine: normalized by the
// producing surface, keyed to a thread, carrying everything the agent loop
// and the response path need to act on it.
type Prompt struct {
	// Origin names the surface that produced the prompt ("telegram", "hub",
	// "term", "scheduler"). The fan-out resolves the response sink from it.
	Origin string `json:"origin"`

	ChatID  int64  `json:"chat_id"`
	TopicID int64  `json:"topic_id"`
	AgentID string `json:"agent_id"`

	MessageID int64  `json:"message_id"`
	SenderID  string `json:"sender_id"`
	Body      string `json:"body"`
	ReplyTo   int64  `json:"reply_to,omitempty"`
	At        int64  `json:"at"`
}

// Key returns the thread the prompt belongs to.
func (p Prompt) Key() ThreadKey {
	return ThreadKey{ChatID: p.ChatID, TopicID: p.TopicID, AgentID: p.AgentID}
}

// --- LLM protocol types ---

type ChatMessage struct {
	Role       string          `json:"role"` // "system", "user", "assistant", "tool"
	Content    string          `json:"content"`
	Reasoning  string          `json:"reasoning,omitempty"`
	Images     []ImageData     `json:"images,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"` // provider-specific
}

type ImageData struct {
	MimeType string `json:"mime_type"`
	Base64   string `json:"base64"`
}

type ToolCall struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Args     json.RawMessage `json:"args"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
}

type ChatResponse struct {
	Content   string     `json:"content"`
	Reasoning string     `json:"reasoning,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// --- Coalesced output ---

// ToolCallRecord is one tool invocation as folded into a coalesced message:
// the call, its streamed argument text, and the result once available.
type ToolCallRecord struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result string          `json:"result,omitempty"`
	Done   bool            `json:"done"`
}

// CoalescedMessage is the text, reasoning and tool content accumulated
// between two turn boundaries, folded into one renderable message. The
// pairer emits it only at a boundary; it is immutable once emitted. ID is
// derived from the thread key and the segment's opening sequence, so the id
// is known from the first delta and replays produce the same id.
type CoalescedMessage struct {
	ID        string           `json:"id"`
	Role      string           `json:"role"`
	Text      string           `json:"text"`
	Reasoning string           `json:"reasoning,omitempty"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
	SenderID  string           `json:"sender_id,omitempty"`
	CreatedAt int64            `json:"created_at"`
}

// StreamTriple is the engine's output quantum: one raw update, the thread it
// belongs to, and the coalesced message when a turn just closed (nil between
// boundaries). Seq increases monotonically per thread.
type StreamTriple struct {
	Key     ThreadKey         `json:"key"`
	Update  ModelUpdate       `json:"update"`
	Message *CoalescedMessage `json:"message,omitempty"`
	Seq     uint64            `json:"seq"`
}

// --- Persistence records ---

// ThreadRecord is one provisioned thread as stored.
type ThreadRecord struct {
	ChatID    int64  `json:"chat_id"`
	TopicID   int64  `json:"topic_id"`
	AgentID   string `json:"agent_id"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"created_at"`
}

// TranscriptEntry is one persisted conversation turn. ID matches the
// coalesced message id it was cut from, which is what lets reconnect
// merging anchor buffered turns onto history.
type TranscriptEntry struct {
	ID        string `json:"id"`
	ChatID    int64  `json:"chat_id"`
	TopicID   int64  `json:"topic_id"`
	AgentID   string `json:"agent_id"`
	Role      string `json:"role"` // "user" or "assistant"
	Content   string `json:"content"`
	SenderID  string `json:"sender_id,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// Fact is one remembered user fact with a relevance embedding.
type Fact struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Fact       string    `json:"fact"`
	Category   string    `json:"category"`
	Confidence float64   `json:"confidence"`
	Embedding  []float32 `json:"-"`
	CreatedAt  int64     `json:"created_at"`
	UpdatedAt  int64     `json:"updated_at"`
}

// ScheduledAction is a stored recurring task (DB record). TopicID is filled
// in after the first fire on a notifying surface so later fires reuse the
// same thread.
type ScheduledAction struct {
	ID              string `json:"id"`
	ChatID          int64  `json:"chat_id"`
	TopicID         int64  `json:"topic_id"`
	AgentID         string `json:"agent_id"`
	UserID          string `json:"user_id"`
	Description     string `json:"description"`
	Schedule        string `json:"schedule"`
	ToolCalls       string `json:"tool_calls"`
	SynthesisPrompt string `json:"synthesis_prompt"`
	NextRun         int64  `json:"next_run"`
	Enabled         bool   `json:"enabled"`
	CreatedAt       int64  `json:"created_at"`
}

type ScheduledToolCall struct {
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params"`
}

// --- Surface-level attachments ---

type FileInfo struct {
	FileID   string
	FileName string
	MimeType string
	FileSize int64
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
