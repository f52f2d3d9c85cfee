// Package client implements the state pipeline behind a push-surface UI: a
// single-threaded store of reducer-owned slices, typed actions, effects that
// drive the hub connection, and the merge logic that reconciles history,
// buffered turns and the in-flight stream after a reconnect.
package client

import (
	"encoding/json"

	"github.com/Dethon/switchboard"
)

// ConnectionStatus is the client's transport state machine:
// Disconnected ↔ Connecting → Connected → Reconnecting → (Connected | Closed).
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusClosed
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	}
	return "unknown"
}

// InputEnabled reports whether the composer should accept input. Anything
// other than a live connection disables it.
func (s ConnectionStatus) InputEnabled() bool { return s == StatusConnected }

// Message is one rendered chat entry. ID is the stable finalized message id
// and is what reconnect merging anchors on.
type Message struct {
	ID        string
	Role      string
	Text      string
	Reasoning string
	ToolCalls []switchboard.ToolCallRecord
	SenderID  string
	CreatedAt int64
}

// Streaming is the partial message currently being typed into a topic.
// MessageID is empty for a live stream and set when the slot was rebuilt
// from a resume payload.
type Streaming struct {
	MessageID string
	Text      string
	Reasoning string
	ToolCalls []switchboard.ToolCallRecord
}

// Empty reports whether the slot holds nothing renderable.
func (s Streaming) Empty() bool {
	return s.Text == "" && s.Reasoning == "" && len(s.ToolCalls) == 0
}

// Approval is one pending tool approval awaiting the user.
type Approval struct {
	ID       string
	TopicID  int64
	AgentID  string
	ToolName string
	Args     json.RawMessage
}

// State is the whole client store. Reducers treat it as immutable and copy
// whatever they change, so a snapshot handed to a subscriber never mutates
// underneath it.
type State struct {
	Topics           []switchboard.ThreadRecord
	SelectedTopic    int64
	MessagesByTopic  map[int64][]Message
	StreamingByTopic map[int64]Streaming
	ConnectionStatus ConnectionStatus
	PendingApprovals []Approval
	LastError        string
}

func initialState() State {
	return State{
		MessagesByTopic:  map[int64][]Message{},
		StreamingByTopic: map[int64]Streaming{},
		ConnectionStatus: StatusDisconnected,
	}
}

// Messages returns the selected topic's list, nil when none is selected.
func (s State) Messages() []Message {
	return s.MessagesByTopic[s.SelectedTopic]
}

// StreamingNow returns the selected topic's streaming slot.
func (s State) StreamingNow() Streaming {
	return s.StreamingByTopic[s.SelectedTopic]
}
