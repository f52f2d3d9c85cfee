package client

import (
	"maps"
	"slices"

	"github.com/Dethon/switchboard"
)

// reduce applies one action and returns the next state. It never mutates
// prev: any slice or map it changes is cloned first, untouched ones are
// shared.
func reduce(prev State, a Action) State {
	next := prev
	switch act := a.(type) {
	case AddMessage:
		list := prev.MessagesByTopic[act.TopicID]
		if act.Message.ID != "" && hasMessage(list, act.Message.ID) {
			return prev
		}
		next.MessagesByTopic = withMessages(prev.MessagesByTopic, act.TopicID, append(slices.Clone(list), act.Message))

	case StreamChunk:
		slot := prev.StreamingByTopic[act.TopicID]
		if act.MessageID != "" && slot.MessageID != act.MessageID {
			slot = Streaming{MessageID: act.MessageID}
		}
		slot.Text += act.Text
		slot.Reasoning += act.Reasoning
		if len(act.ToolCalls) > 0 {
			slot.ToolCalls = mergeToolCalls(slot.ToolCalls, act.ToolCalls)
		}
		m := maps.Clone(prev.StreamingByTopic)
		m[act.TopicID] = slot
		next.StreamingByTopic = m

	case ResetStreamingContent:
		if _, ok := prev.StreamingByTopic[act.TopicID]; !ok {
			return prev
		}
		m := maps.Clone(prev.StreamingByTopic)
		delete(m, act.TopicID)
		next.StreamingByTopic = m

	case MessagesLoaded:
		next.MessagesByTopic = withMessages(prev.MessagesByTopic, act.TopicID, slices.Clone(act.Messages))

	case UpdateMessage:
		list := prev.MessagesByTopic[act.TopicID]
		idx := slices.IndexFunc(list, func(m Message) bool { return m.ID == act.MessageID })
		if idx < 0 {
			return prev
		}
		updated := slices.Clone(list)
		updated[idx] = act.Message
		next.MessagesByTopic = withMessages(prev.MessagesByTopic, act.TopicID, updated)

	case AddTopic:
		if topicIndex(prev.Topics, act.Topic.TopicID) >= 0 {
			return prev
		}
		next.Topics = append(slices.Clone(prev.Topics), act.Topic)

	case UpdateTopic:
		idx := topicIndex(prev.Topics, act.Topic.TopicID)
		if idx < 0 {
			next.Topics = append(slices.Clone(prev.Topics), act.Topic)
			break
		}
		updated := slices.Clone(prev.Topics)
		updated[idx] = act.Topic
		next.Topics = updated

	case RemoveTopic:
		next.Topics = slices.DeleteFunc(slices.Clone(prev.Topics), func(t switchboard.ThreadRecord) bool {
			return t.TopicID == act.TopicID
		})
		mm := maps.Clone(prev.MessagesByTopic)
		delete(mm, act.TopicID)
		next.MessagesByTopic = mm
		sm := maps.Clone(prev.StreamingByTopic)
		delete(sm, act.TopicID)
		next.StreamingByTopic = sm
		if prev.SelectedTopic == act.TopicID {
			next.SelectedTopic = 0
		}

	case SelectTopic:
		next.SelectedTopic = act.TopicID

	case CreateNewTopic:
		next.SelectedTopic = 0

	case Connecting:
		next.ConnectionStatus = StatusConnecting

	case Connected:
		next.ConnectionStatus = StatusConnected
		next.LastError = ""

	case Reconnecting:
		next.ConnectionStatus = StatusReconnecting

	case Reconnected:
		next.ConnectionStatus = StatusConnected
		next.LastError = ""

	case Closed:
		next.ConnectionStatus = StatusClosed
		next.LastError = act.ErrorText

	case ApprovalRequested:
		if slices.ContainsFunc(prev.PendingApprovals, func(p Approval) bool { return p.ID == act.Approval.ID }) {
			return prev
		}
		next.PendingApprovals = append(slices.Clone(prev.PendingApprovals), act.Approval)

	case ApprovalResolved:
		next.PendingApprovals = slices.DeleteFunc(slices.Clone(prev.PendingApprovals), func(p Approval) bool {
			return p.ID == act.ApprovalID
		})

	case DisplayError:
		next.LastError = act.Text
	}
	return next
}

func hasMessage(list []Message, id string) bool {
	return slices.ContainsFunc(list, func(m Message) bool { return m.ID == id })
}

func withMessages(m map[int64][]Message, topicID int64, list []Message) map[int64][]Message {
	out := maps.Clone(m)
	out[topicID] = list
	return out
}

func topicIndex(topics []switchboard.ThreadRecord, id int64) int {
	return slices.IndexFunc(topics, func(t switchboard.ThreadRecord) bool { return t.TopicID == id })
}

// mergeToolCalls upserts incoming records by call id: names fill in once,
// argument bytes accumulate, results and done latch.
func mergeToolCalls(existing, incoming []switchboard.ToolCallRecord) []switchboard.ToolCallRecord {
	out := slices.Clone(existing)
	for _, inc := range incoming {
		idx := slices.IndexFunc(out, func(r switchboard.ToolCallRecord) bool { return r.ID == inc.ID })
		if idx < 0 {
			rec := inc
			rec.Args = slices.Clone(inc.Args)
			out = append(out, rec)
			continue
		}
		rec := out[idx]
		if inc.Name != "" {
			rec.Name = inc.Name
		}
		if len(inc.Args) > 0 {
			rec.Args = append(slices.Clone(rec.Args), inc.Args...)
		}
		if inc.Result != "" {
			rec.Result = inc.Result
		}
		rec.Done = rec.Done || inc.Done
		out[idx] = rec
	}
	return out
}
