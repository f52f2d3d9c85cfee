package switchboard

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"
)

// UpdatePairer turns one prompt run's raw updates into stream triples. Every
// update passes through unchanged; content accumulates between boundaries
// and the coalesced message rides the triple that closed its boundary.
// Boundaries: a stream-complete marker, a role change, a tool-call group
// finishing its results. Empty accumulation at a boundary emits nothing.
//
// Message ids come from the segment's opening sequence, so they are known
// from the first delta: clients label their streaming slot with the same id
// the finalized message will carry.
//
// One pairer serves one run. Overlapping runs on a thread share the seq
// counter so triples stay monotone per key.
type UpdatePairer struct {
	key ThreadKey
	seq *atomic.Uint64

	role      string
	segStart  uint64
	text      strings.Builder
	reasoning strings.Builder
	calls     []*toolCallAcc
	byID      map[string]int
}

type toolCallAcc struct {
	id     string
	name   string
	args   []byte
	result string
	done   bool
}

func NewUpdatePairer(key ThreadKey, seq *atomic.Uint64) *UpdatePairer {
	return &UpdatePairer{key: key, seq: seq, byID: make(map[string]int)}
}

// Next folds one update into the accumulator and returns its triple. The
// triple's Message is non-nil only when this update closed a boundary.
func (p *UpdatePairer) Next(u ModelUpdate) StreamTriple {
	seq := p.seq.Add(1)
	u.Seq = seq
	var msg *CoalescedMessage
	for _, c := range u.Contents {
		if m := p.fold(c, seq); m != nil {
			msg = m
		}
	}
	return StreamTriple{Key: p.key, Update: u, Message: msg, Seq: seq}
}

func (p *UpdatePairer) fold(c UpdateContent, seq uint64) *CoalescedMessage {
	switch c.Kind {
	case UpdateTextDelta:
		m := p.turnTo("assistant")
		p.mark(seq)
		p.text.WriteString(c.Text)
		return m
	case UpdateReasoningDelta:
		m := p.turnTo("assistant")
		p.mark(seq)
		p.reasoning.WriteString(c.Text)
		return m
	case UpdateToolCallStart:
		m := p.turnTo("assistant")
		p.mark(seq)
		p.byID[c.ToolCallID] = len(p.calls)
		p.calls = append(p.calls, &toolCallAcc{id: c.ToolCallID, name: c.ToolName})
		return m
	case UpdateToolCallArg:
		if i, ok := p.byID[c.ToolCallID]; ok {
			p.calls[i].args = append(p.calls[i].args, c.Text...)
		}
		return nil
	case UpdateToolResult:
		i, ok := p.byID[c.ToolCallID]
		if !ok {
			// Result for a call this accumulation never saw: a tool turn of
			// its own.
			m := p.turnTo("tool")
			p.mark(seq)
			p.byID[c.ToolCallID] = len(p.calls)
			p.calls = append(p.calls, &toolCallAcc{id: c.ToolCallID, name: c.ToolName, result: c.Text, done: true})
			return m
		}
		p.calls[i].result = c.Text
		p.calls[i].done = true
		if p.groupDone() {
			return p.closeBoundary()
		}
		return nil
	case UpdateStreamComplete:
		return p.closeBoundary()
	case UpdateError:
		p.reset()
		return nil
	default:
		// Approval requests and unknown kinds pass through uncoalesced.
		return nil
	}
}

// turnTo switches the accumulation's role, closing the previous turn when
// content of a different role was pending.
func (p *UpdatePairer) turnTo(role string) *CoalescedMessage {
	var m *CoalescedMessage
	if p.role != "" && p.role != role {
		m = p.closeBoundary()
	}
	p.role = role
	return m
}

// mark pins the segment's opening sequence on its first content.
func (p *UpdatePairer) mark(seq uint64) {
	if p.segStart == 0 {
		p.segStart = seq
	}
}

func (p *UpdatePairer) groupDone() bool {
	if len(p.calls) == 0 {
		return false
	}
	for _, c := range p.calls {
		if !c.done {
			return false
		}
	}
	return true
}

func (p *UpdatePairer) empty() bool {
	return p.text.Len() == 0 && p.reasoning.Len() == 0 && len(p.calls) == 0
}

func (p *UpdatePairer) closeBoundary() *CoalescedMessage {
	if p.empty() {
		p.reset()
		return nil
	}
	role := p.role
	if role == "" {
		role = "assistant"
	}
	msg := &CoalescedMessage{
		ID:        BoundaryMessageID(p.key, p.segStart),
		Role:      role,
		Text:      p.text.String(),
		Reasoning: p.reasoning.String(),
		SenderID:  p.key.AgentID,
		CreatedAt: NowUnix(),
	}
	for _, c := range p.calls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCallRecord{
			ID:     c.id,
			Name:   c.name,
			Args:   rawOrQuoted(c.args),
			Result: c.result,
			Done:   c.done,
		})
	}
	p.reset()
	return msg
}

func (p *UpdatePairer) reset() {
	p.role = ""
	p.segStart = 0
	p.text.Reset()
	p.reasoning.Reset()
	p.calls = nil
	p.byID = make(map[string]int)
}

// rawOrQuoted keeps assembled tool args as raw JSON, falling back to a JSON
// string when the stream was cut mid-argument and left them unparsable.
func rawOrQuoted(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	return json.RawMessage(strconv.Quote(string(b)))
}
