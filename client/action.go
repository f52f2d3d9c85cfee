package client

import "github.com/Dethon/switchboard"

// Action is one state transition request. The reducer is total over every
// action type here; anything else is ignored unchanged.
type Action interface{ action() }

// AddMessage appends a finalized message to a topic. A message id already
// present in the topic is skipped, which makes redelivery idempotent.
type AddMessage struct {
	TopicID int64
	Message Message
}

// StreamChunk folds streamed content into the topic's streaming slot. A
// chunk carrying a message id different from the slot's starts a fresh slot.
type StreamChunk struct {
	TopicID   int64
	MessageID string
	Text      string
	Reasoning string
	ToolCalls []switchboard.ToolCallRecord
}

// ResetStreamingContent clears the topic's streaming slot.
type ResetStreamingContent struct {
	TopicID int64
}

// MessagesLoaded replaces a topic's message list wholesale: history load and
// reconnect merge.
type MessagesLoaded struct {
	TopicID  int64
	Messages []Message
}

// UpdateMessage replaces one finalized message in place, used to enrich a
// history row with late-arriving reasoning or tool calls.
type UpdateMessage struct {
	TopicID   int64
	MessageID string
	Message   Message
}

type AddTopic struct {
	Topic switchboard.ThreadRecord
}

type UpdateTopic struct {
	Topic switchboard.ThreadRecord
}

// RemoveTopic drops the topic and everything rendered under it.
type RemoveTopic struct {
	TopicID int64
}

type SelectTopic struct {
	TopicID int64
}

// CreateNewTopic points the composer at a not-yet-provisioned thread; the
// server opens the real topic on the first send.
type CreateNewTopic struct{}

// Connection lifecycle. Connecting covers both the first dial and manual
// reconnects; Reconnecting is entered when an established connection drops.
type (
	Connecting   struct{}
	Connected    struct{}
	Reconnecting struct{}
	Reconnected  struct{}
	Closed       struct{ ErrorText string }
)

type ApprovalRequested struct {
	Approval Approval
}

// ApprovalResolved clears a pending approval. ToolCalls carries the edited
// calls when the user changed them before approving.
type ApprovalResolved struct {
	ApprovalID string
	Approved   bool
	ToolCalls  []switchboard.ToolCall
}

// DisplayError surfaces a non-fatal error banner.
type DisplayError struct {
	Text string
}

func (AddMessage) action()            {}
func (StreamChunk) action()           {}
func (ResetStreamingContent) action() {}
func (MessagesLoaded) action()        {}
func (UpdateMessage) action()         {}
func (AddTopic) action()              {}
func (UpdateTopic) action()           {}
func (RemoveTopic) action()           {}
func (SelectTopic) action()           {}
func (CreateNewTopic) action()        {}
func (Connecting) action()            {}
func (Connected) action()             {}
func (Reconnecting) action()          {}
func (Reconnected) action()           {}
func (Closed) action()                {}
func (ApprovalRequested) action()     {}
func (ApprovalResolved) action()      {}
func (DisplayError) action()          {}
