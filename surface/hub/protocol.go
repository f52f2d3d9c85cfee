package hub

import (
	"encoding/json"

	"github.com/Dethon/switchboard"
)

// envelope is the one frame shape both directions share. Requests carry a
// client-chosen correlation id that the matching response or error echoes
// back; pushed frames leave it empty.
type envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client-invoked methods.
const (
	typeRegisterUser   = "register_user"
	typeSendMessage    = "send_message"
	typeListTopics     = "list_topics"
	typeGetHistory     = "get_history"
	typeSaveTopic      = "save_topic"
	typeDeleteTopic    = "delete_topic"
	typeResumeStream   = "resume_stream"
	typeSubmitApproval = "submit_approval"
)

// Server-pushed frames. typeTriple carries a switchboard.StreamTriple; the
// rest carry the notification payloads below.
const (
	typeConnected        = "connected"
	typeResponse         = "response"
	typeError            = "error"
	typeTriple           = "triple"
	typeTopicChanged     = "topic_changed"
	typeStreamChanged    = "stream_changed"
	typeNewMessage       = "new_message"
	typeApprovalResolved = "approval_resolved"
	typeToolCalls        = "tool_calls"
)

// ConnectedPayload greets a fresh connection.
type ConnectedPayload struct {
	ConnectionID string `json:"connection_id"`
}

// ErrorPayload is the body of a typeError frame.
type ErrorPayload struct {
	Message string `json:"message"`
}

type RegisterUserRequest struct {
	UserID string `json:"user_id"`
}

type RegisterUserResponse struct {
	ChatID int64 `json:"chat_id"`
}

// SendMessageRequest submits a prompt. TopicID 0 asks the server to open a
// fresh topic; the response reports which topic the prompt landed in.
// MessageID is optional: a client that supplies its own id can retry a send
// without the engine treating the retry as a second prompt.
type SendMessageRequest struct {
	TopicID   int64  `json:"topic_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	Text      string `json:"text"`
	MessageID int64  `json:"message_id,omitempty"`
	ReplyTo   int64  `json:"reply_to,omitempty"`
}

type SendMessageResponse struct {
	TopicID   int64 `json:"topic_id"`
	MessageID int64 `json:"message_id"`
}

type ListTopicsResponse struct {
	Topics []switchboard.ThreadRecord `json:"topics,omitempty"`
}

type GetHistoryRequest struct {
	TopicID int64 `json:"topic_id"`
}

type GetHistoryResponse struct {
	Messages []switchboard.TranscriptEntry `json:"messages,omitempty"`
}

type SaveTopicRequest struct {
	TopicID int64  `json:"topic_id"`
	AgentID string `json:"agent_id,omitempty"`
	Title   string `json:"title"`
}

type DeleteTopicRequest struct {
	TopicID int64  `json:"topic_id"`
	AgentID string `json:"agent_id,omitempty"`
}

// ResumeStreamRequest asks for everything missed since LastSeenMessageID.
// StreamingMessageID is the id of the partial message the client was
// rendering when it lost the connection, if any. The response payload is a
// switchboard.ResumePayload.
type ResumeStreamRequest struct {
	TopicID            int64  `json:"topic_id"`
	AgentID            string `json:"agent_id,omitempty"`
	LastSeenMessageID  string `json:"last_seen_message_id,omitempty"`
	StreamingMessageID string `json:"streaming_message_id,omitempty"`
}

// SubmitApprovalRequest settles a pending tool approval. ToolCalls, when
// set on an approval, replaces the calls the agent proposed.
type SubmitApprovalRequest struct {
	TopicID    int64                  `json:"topic_id"`
	AgentID    string                 `json:"agent_id,omitempty"`
	ApprovalID string                 `json:"approval_id"`
	Approved   bool                   `json:"approved"`
	ToolCalls  []switchboard.ToolCall `json:"tool_calls,omitempty"`
}

// SubmitApprovalResponse reports whether an agent run was actually waiting
// on the approval id.
type SubmitApprovalResponse struct {
	Resolved bool `json:"resolved"`
}

// TopicChange announces a topic lifecycle event. Kind is "created", "saved"
// or "deleted".
type TopicChange struct {
	Kind  string                   `json:"kind"`
	Topic switchboard.ThreadRecord `json:"topic"`
}

// StreamChange marks a thread entering or leaving an active model turn.
type StreamChange struct {
	TopicID   int64  `json:"topic_id"`
	AgentID   string `json:"agent_id"`
	Streaming bool   `json:"streaming"`
}

// NewMessageNotif carries a freshly finalized message.
type NewMessageNotif struct {
	TopicID int64                        `json:"topic_id"`
	AgentID string                       `json:"agent_id"`
	Message switchboard.CoalescedMessage `json:"message"`
}

// ToolCallsNotif surfaces the tool invocations folded into a finalized
// message, for clients that render tool activity separately.
type ToolCallsNotif struct {
	TopicID   int64                        `json:"topic_id"`
	AgentID   string                       `json:"agent_id"`
	MessageID string                       `json:"message_id"`
	ToolCalls []switchboard.ToolCallRecord `json:"tool_calls"`
}

type ApprovalResolvedNotif struct {
	TopicID    int64  `json:"topic_id"`
	AgentID    string `json:"agent_id"`
	ApprovalID string `json:"approval_id"`
	Approved   bool   `json:"approved"`
}
