package switchboard

import "encoding/json"

// UpdateKind discriminates the fragments of a ModelUpdate.
type UpdateKind string

const (
	UpdateTextDelta       UpdateKind = "text-delta"
	UpdateReasoningDelta  UpdateKind = "reasoning-delta"
	UpdateToolCallStart   UpdateKind = "tool-call-start"
	UpdateToolCallArg     UpdateKind = "tool-call-arg"
	UpdateToolResult      UpdateKind = "tool-result"
	UpdateApprovalRequest UpdateKind = "approval-request"
	UpdateStreamComplete  UpdateKind = "stream-complete"
	UpdateError           UpdateKind = "error"
)

// UpdateContent is one tagged fragment. Only the fields relevant to Kind are
// set: Text for deltas, results and error messages; ToolCallID/ToolName/Args
// for tool traffic; ApprovalID for approval requests.
type UpdateContent struct {
	Kind       UpdateKind      `json:"kind"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	ApprovalID string          `json:"approval_id,omitempty"`
}

// ModelUpdate is one streamed increment out of an agent run. Seq is stamped
// per thread by the runner and increases monotonically across the thread's
// lifetime, including across prompts.
type ModelUpdate struct {
	ID       string          `json:"id"`
	Seq      uint64          `json:"seq"`
	Contents []UpdateContent `json:"contents"`
}

// Terminal reports whether the update closes its prompt's sub-stream.
func (u ModelUpdate) Terminal() bool {
	for _, c := range u.Contents {
		if c.Kind == UpdateStreamComplete || c.Kind == UpdateError {
			return true
		}
	}
	return false
}

// --- ModelUpdate constructors ---

func newUpdate(contents ...UpdateContent) ModelUpdate {
	return ModelUpdate{ID: NewID(), Contents: contents}
}

func TextDelta(text string) ModelUpdate {
	return newUpdate(UpdateContent{Kind: UpdateTextDelta, Text: text})
}

func ReasoningDelta(text string) ModelUpdate {
	return newUpdate(UpdateContent{Kind: UpdateReasoningDelta, Text: text})
}

func ToolCallStart(callID, name string) ModelUpdate {
	return newUpdate(UpdateContent{Kind: UpdateToolCallStart, ToolCallID: callID, ToolName: name})
}

func ToolCallArg(callID, chunk string) ModelUpdate {
	return newUpdate(UpdateContent{Kind: UpdateToolCallArg, ToolCallID: callID, Text: chunk})
}

func ToolResultUpdate(callID, result string) ModelUpdate {
	return newUpdate(UpdateContent{Kind: UpdateToolResult, ToolCallID: callID, Text: result})
}

func ApprovalRequestUpdate(approvalID, callID, name string, args json.RawMessage) ModelUpdate {
	return newUpdate(UpdateContent{
		Kind:       UpdateApprovalRequest,
		ApprovalID: approvalID,
		ToolCallID: callID,
		ToolName:   name,
		Args:       args,
	})
}

func StreamComplete() ModelUpdate {
	return newUpdate(UpdateContent{Kind: UpdateStreamComplete})
}

func ErrorUpdate(msg string) ModelUpdate {
	return newUpdate(UpdateContent{Kind: UpdateError, Text: msg})
}
