package client

import (
	"sync"

	"github.com/Dethon/switchboard"
)

// MessagePipeline translates server traffic into store actions. It is the
// stateful edge of the client: it tracks which message ids a topic has
// finalized so a chunk that arrives both live and through a resume buffer
// applies once, and it knows which streaming segment each topic is in so
// chunks land in the right slot.
//
// Everything here runs on whatever goroutine delivers the server event; the
// store's synchronous dispatch serializes the resulting state changes.
type MessagePipeline struct {
	store *Store

	mu        sync.Mutex
	finalized map[int64]map[string]struct{}
	segment   map[int64]string
}

func NewMessagePipeline(store *Store) *MessagePipeline {
	return &MessagePipeline{
		store:     store,
		finalized: make(map[int64]map[string]struct{}),
		segment:   make(map[int64]string),
	}
}

// IngestTriple applies one live stream triple: deltas fold into the topic's
// streaming slot, a boundary finalizes the accumulated message, errors
// clear the slot and raise a banner.
func (p *MessagePipeline) IngestTriple(t switchboard.StreamTriple) {
	topic := t.Key.TopicID
	chunk := StreamChunk{TopicID: topic}
	hasChunk := false

	for _, c := range t.Update.Contents {
		switch c.Kind {
		case switchboard.UpdateTextDelta:
			chunk.Text += c.Text
			hasChunk = true
		case switchboard.UpdateReasoningDelta:
			chunk.Reasoning += c.Text
			hasChunk = true
		case switchboard.UpdateToolCallStart:
			chunk.ToolCalls = append(chunk.ToolCalls, switchboard.ToolCallRecord{ID: c.ToolCallID, Name: c.ToolName})
			hasChunk = true
		case switchboard.UpdateToolCallArg:
			chunk.ToolCalls = append(chunk.ToolCalls, switchboard.ToolCallRecord{ID: c.ToolCallID, Args: []byte(c.Text)})
			hasChunk = true
		case switchboard.UpdateToolResult:
			chunk.ToolCalls = append(chunk.ToolCalls, switchboard.ToolCallRecord{ID: c.ToolCallID, Result: c.Text, Done: true})
			hasChunk = true
		case switchboard.UpdateApprovalRequest:
			p.store.Dispatch(ApprovalRequested{Approval: Approval{
				ID:       c.ApprovalID,
				TopicID:  topic,
				AgentID:  t.Key.AgentID,
				ToolName: c.ToolName,
				Args:     c.Args,
			}})
		case switchboard.UpdateError:
			p.store.Dispatch(DisplayError{Text: c.Text})
			p.store.Dispatch(ResetStreamingContent{TopicID: topic})
			p.clearSegment(topic)
		}
	}

	if hasChunk {
		if id, ok := p.openSegment(t.Key, t.Seq); ok {
			chunk.MessageID = id
			p.store.Dispatch(chunk)
		}
	}
	if t.Message != nil {
		p.finalize(topic, *t.Message)
	}
}

// AddFinalized records a finalized message delivered outside the triple
// stream, such as an OnNewMessage notification.
func (p *MessagePipeline) AddFinalized(topicID int64, msg switchboard.CoalescedMessage) {
	p.finalize(topicID, msg)
}

func (p *MessagePipeline) finalize(topicID int64, msg switchboard.CoalescedMessage) {
	p.markFinalized(topicID, msg.ID)
	p.clearSegment(topicID)
	p.store.Dispatch(AddMessage{TopicID: topicID, Message: fromCoalesced(msg)})
	p.store.Dispatch(ResetStreamingContent{TopicID: topicID})
}

// LoadHistory replaces a topic's list with server history and reseeds the
// finalized-id set from it.
func (p *MessagePipeline) LoadHistory(topicID int64, entries []switchboard.TranscriptEntry) {
	msgs := make([]Message, 0, len(entries))
	for _, e := range entries {
		msgs = append(msgs, Message{
			ID:        e.ID,
			Role:      e.Role,
			Text:      e.Content,
			SenderID:  e.SenderID,
			CreatedAt: e.CreatedAt,
		})
	}
	p.resetFinalized(topicID, msgs)
	p.store.Dispatch(MessagesLoaded{TopicID: topicID, Messages: msgs})
}

// ResumeFromBuffer reconciles a resume payload with the topic's current
// list: buffered turns already known anchor in place and are enriched with
// reasoning or tool calls history lacks, unknown turns slot in after the
// anchor they followed in buffer order, and the partially streamed segment
// is rebuilt in the streaming slot. Running it twice with the same payload
// is a no-op the second time.
func (p *MessagePipeline) ResumeFromBuffer(topicID int64, payload switchboard.ResumePayload) {
	history := p.store.State().MessagesByTopic[topicID]
	merged := mergeOnResume(history, payload.Messages)
	p.resetFinalized(topicID, merged)
	p.store.Dispatch(MessagesLoaded{TopicID: topicID, Messages: merged})

	p.store.Dispatch(ResetStreamingContent{TopicID: topicID})
	p.mu.Lock()
	delete(p.segment, topicID)
	if payload.StreamingID != "" {
		p.segment[topicID] = payload.StreamingID
	}
	p.mu.Unlock()
	if payload.StreamingID != "" && !p.isFinalized(topicID, payload.StreamingID) {
		p.store.Dispatch(StreamChunk{
			TopicID:   topicID,
			MessageID: payload.StreamingID,
			Text:      payload.Text,
			Reasoning: payload.Reasoning,
			ToolCalls: payload.ToolCalls,
		})
	}
}

// mergeOnResume folds buffered turns into history without duplicating
// content. Turns whose id history already holds are anchors: they enrich
// the history entry in place. Unknown turns attach after the nearest
// preceding anchor, or at the head when the buffer starts with them.
func mergeOnResume(history []Message, buffered []switchboard.CoalescedMessage) []Message {
	known := make(map[string]int, len(history))
	for i, m := range history {
		if m.ID != "" {
			known[m.ID] = i
		}
	}

	var head []Message
	after := make(map[string][]Message)
	enrich := make(map[string]switchboard.CoalescedMessage)
	anchor := ""
	for _, b := range buffered {
		if _, ok := known[b.ID]; ok {
			anchor = b.ID
			enrich[b.ID] = b
			continue
		}
		if anchor == "" {
			head = append(head, fromCoalesced(b))
		} else {
			after[anchor] = append(after[anchor], fromCoalesced(b))
		}
	}

	out := make([]Message, 0, len(history)+len(buffered))
	out = append(out, head...)
	for _, m := range history {
		if b, ok := enrich[m.ID]; ok {
			m = enriched(m, b)
		}
		out = append(out, m)
		out = append(out, after[m.ID]...)
	}
	return out
}

// enriched fills in the parts the buffer knows and history lacks; the
// history text wins.
func enriched(m Message, b switchboard.CoalescedMessage) Message {
	if m.Reasoning == "" {
		m.Reasoning = b.Reasoning
	}
	if len(m.ToolCalls) == 0 {
		m.ToolCalls = b.ToolCalls
	}
	if m.Text == "" {
		m.Text = b.Text
	}
	return m
}

func fromCoalesced(c switchboard.CoalescedMessage) Message {
	return Message{
		ID:        c.ID,
		Role:      c.Role,
		Text:      c.Text,
		Reasoning: c.Reasoning,
		ToolCalls: c.ToolCalls,
		SenderID:  c.SenderID,
		CreatedAt: c.CreatedAt,
	}
}

// openSegment returns the topic's current streaming id, opening a segment
// at seq when none is active. It reports false for a segment the topic has
// already finalized; such chunks are redeliveries and must not reopen a
// slot, and no segment is recorded for them.
func (p *MessagePipeline) openSegment(key switchboard.ThreadKey, seq uint64) (string, bool) {
	topic := key.TopicID
	p.mu.Lock()
	defer p.mu.Unlock()
	id, active := p.segment[topic]
	if !active {
		id = switchboard.BoundaryMessageID(key, seq)
	}
	if _, fin := p.finalized[topic][id]; fin {
		return "", false
	}
	if !active {
		p.segment[topic] = id
	}
	return id, true
}

func (p *MessagePipeline) clearSegment(topicID int64) {
	p.mu.Lock()
	delete(p.segment, topicID)
	p.mu.Unlock()
}

func (p *MessagePipeline) isFinalized(topicID int64, id string) bool {
	if id == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.finalized[topicID][id]
	return ok
}

func (p *MessagePipeline) markFinalized(topicID int64, id string) {
	if id == "" {
		return
	}
	p.mu.Lock()
	set, ok := p.finalized[topicID]
	if !ok {
		set = make(map[string]struct{})
		p.finalized[topicID] = set
	}
	set[id] = struct{}{}
	p.mu.Unlock()
}

func (p *MessagePipeline) resetFinalized(topicID int64, msgs []Message) {
	set := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if m.ID != "" {
			set[m.ID] = struct{}{}
		}
	}
	p.mu.Lock()
	p.finalized[topicID] = set
	p.mu.Unlock()
}

// Forget drops the pipeline's bookkeeping for a topic, mirroring
// RemoveTopic in the store.
func (p *MessagePipeline) Forget(topicID int64) {
	p.mu.Lock()
	delete(p.finalized, topicID)
	delete(p.segment, topicID)
	p.mu.Unlock()
}
