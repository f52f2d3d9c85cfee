package switchboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const defaultMaxIter = 8

// maxParallelTools caps concurrent tool executions within one turn.
const maxParallelTools = 10

// ModelAgent is the LLM-backed DisposableAgent: a streaming tool-calling
// loop over a Provider, with whitelist-gated human approval for everything
// off the whitelist. Conversation state lives in the agent and round-trips
// through SnapshotThread/RestoreThread as opaque JSON.
type ModelAgent struct {
	identity  AgentIdentity
	provider  Provider
	tools     *ToolRegistry
	approvals *ApprovalStore
	memory    MemoryStore
	embed     EmbeddingProvider
	release   func()
	logger    *slog.Logger

	runMu sync.Mutex // serializes loop iterations; output channels may still overlap

	mu       sync.Mutex
	messages []ChatMessage

	closeOnce sync.Once
}

type ModelAgentOption func(*ModelAgent)

// WithAgentTools sets the tools the model may call.
func WithAgentTools(tools ...Tool) ModelAgentOption {
	return func(a *ModelAgent) { a.tools = NewToolRegistry(tools...) }
}

// WithAgentApprovals routes off-whitelist tool calls through the store.
// Without it, off-whitelist calls are denied outright.
func WithAgentApprovals(s *ApprovalStore) ModelAgentOption {
	return func(a *ModelAgent) { a.approvals = s }
}

// WithAgentMemory injects relevant remembered facts into the system prompt
// before each run.
func WithAgentMemory(m MemoryStore, e EmbeddingProvider) ModelAgentOption {
	return func(a *ModelAgent) {
		a.memory = m
		a.embed = e
	}
}

// WithAgentRelease registers cleanup run exactly once at Close, typically
// the release half of an MCP bundle acquisition.
func WithAgentRelease(fn func()) ModelAgentOption {
	return func(a *ModelAgent) { a.release = fn }
}

func WithAgentLogger(l *slog.Logger) ModelAgentOption {
	return func(a *ModelAgent) { a.logger = l }
}

func NewModelAgent(identity AgentIdentity, provider Provider, opts ...ModelAgentOption) *ModelAgent {
	a := &ModelAgent{
		identity: identity,
		provider: provider,
		tools:    NewToolRegistry(),
		logger:   nopLogger,
	}
	if a.identity.MaxIter <= 0 {
		a.identity.MaxIter = defaultMaxIter
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run processes one prompt. The stream closes when the turn ends; the
// runner appends its own synthetic stream-complete marker.
func (a *ModelAgent) Run(ctx context.Context, p Prompt) <-chan ModelUpdate {
	ch := make(chan ModelUpdate, 64)
	go func() {
		defer close(ch)
		a.runMu.Lock()
		defer a.runMu.Unlock()
		a.run(ctx, p, ch)
	}()
	return ch
}

func (a *ModelAgent) run(ctx context.Context, p Prompt, ch chan<- ModelUpdate) {
	messages := a.buildMessages(ctx, p)

	for i := 0; i < a.identity.MaxIter; i++ {
		resp, ok := a.streamOnce(ctx, messages, a.tools.AllDefinitions(), ch)
		if !ok {
			return
		}

		if len(resp.ToolCalls) == 0 {
			messages = append(messages, ChatMessage{Role: "assistant", Content: resp.Content, Reasoning: resp.Reasoning})
			a.setMessages(messages)
			return
		}

		messages = append(messages, ChatMessage{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
		results, ok := a.execToolCalls(ctx, p.Key(), resp.ToolCalls, ch)
		if !ok {
			a.setMessages(messages)
			return
		}
		for j, tc := range resp.ToolCalls {
			if !emitUpdate(ctx, ch, ToolResultUpdate(tc.ID, results[j])) {
				a.setMessages(messages)
				return
			}
			messages = append(messages, ToolResultMessage(tc.ID, results[j]))
		}
		a.setMessages(messages)
	}

	// Max iterations: force a synthesis turn without tools.
	a.logger.Warn("max iterations reached, forcing synthesis", "agent", a.identity.ID, "iterations", a.identity.MaxIter)
	messages = append(messages, UserMessage(
		"You have used all available tool calls. Summarize what you found and respond to the user."))
	resp, ok := a.streamOnce(ctx, messages, nil, ch)
	if !ok {
		return
	}
	messages = append(messages, ChatMessage{Role: "assistant", Content: resp.Content, Reasoning: resp.Reasoning})
	a.setMessages(messages)
}

// streamOnce makes one streaming provider call, pumping deltas into ch as
// updates. It reports false when the run should stop: cancellation ends the
// stream silently, a provider failure ends it with a terminal error update.
func (a *ModelAgent) streamOnce(ctx context.Context, messages []ChatMessage, tools []ToolDefinition, ch chan<- ModelUpdate) (ChatResponse, bool) {
	deltas := make(chan StreamDelta, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for d := range deltas {
			for _, u := range deltaUpdates(d) {
				if !emitUpdate(ctx, ch, u) {
					return
				}
			}
		}
	}()

	resp, err := a.provider.ChatStream(ctx, ChatRequest{Messages: messages}, tools, deltas)
	close(deltas)
	<-done

	if err != nil {
		if ctx.Err() != nil {
			return ChatResponse{}, false
		}
		runErr := &ErrAgentRun{Agent: a.identity.ID, Message: err.Error()}
		a.logger.Error("model run failed", "agent", a.identity.ID, "error", err)
		emitUpdate(ctx, ch, ErrorUpdate(runErr.Error()))
		return ChatResponse{}, false
	}
	a.logger.Debug("model turn",
		"agent", a.identity.ID,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"tool_calls", len(resp.ToolCalls))
	return resp, true
}

// execToolCalls gates each call on the whitelist or a human decision, then
// executes approved calls on a bounded worker pool, returning result bodies
// in call order. It reports false on cancellation.
func (a *ModelAgent) execToolCalls(ctx context.Context, key ThreadKey, calls []ToolCall, ch chan<- ModelUpdate) ([]string, bool) {
	results := make([]string, len(calls))
	approved := make([]bool, len(calls))

	for i, tc := range calls {
		if Whitelisted(tc.Name, a.identity.Whitelist) {
			approved[i] = true
			continue
		}
		d, ok := a.awaitApproval(ctx, key, &calls[i], ch)
		if !ok {
			return nil, false
		}
		if !d {
			results[i] = "tool call denied by user"
			continue
		}
		approved[i] = true
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxParallelTools)
	for i, tc := range calls {
		if !approved[i] {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = a.execOne(ctx, tc)
		}()
	}
	wg.Wait()
	return results, ctx.Err() == nil
}

func (a *ModelAgent) execOne(ctx context.Context, tc ToolCall) string {
	res, err := a.tools.Execute(ctx, tc.Name, tc.Args)
	if err != nil {
		a.logger.Warn("tool failed", "tool", tc.Name, "error", err)
		return "error: " + err.Error()
	}
	if res.Error != "" {
		return "error: " + res.Error
	}
	return res.Content
}

// awaitApproval emits the approval request and parks until the surface
// answers or the TTL denies. An approved decision may carry edited calls;
// an edit matching this call's id replaces its args in place.
func (a *ModelAgent) awaitApproval(ctx context.Context, key ThreadKey, tc *ToolCall, ch chan<- ModelUpdate) (bool, bool) {
	if a.approvals == nil {
		return false, true
	}
	approvalID := NewID()
	if !emitUpdate(ctx, ch, ApprovalRequestUpdate(approvalID, tc.ID, tc.Name, tc.Args)) {
		return false, false
	}
	d, err := a.approvals.Await(ctx, key, approvalID)
	if err != nil {
		return false, false
	}
	if d.Approved {
		for _, edited := range d.ToolCalls {
			if edited.ID == tc.ID && len(edited.Args) > 0 {
				tc.Args = edited.Args
			}
		}
	}
	return d.Approved, true
}

// buildMessages assembles the turn's input: system prompt (plus remembered
// facts when memory is wired), restored history, and the stamped user
// prompt.
func (a *ModelAgent) buildMessages(ctx context.Context, p Prompt) []ChatMessage {
	var messages []ChatMessage
	sys := a.identity.Prompt
	if facts := a.recallFacts(ctx, p.SenderID, p.Body); facts != "" {
		if sys != "" {
			sys += "\n\n"
		}
		sys += "Known facts about the user:\n" + facts
	}
	if sys != "" {
		messages = append(messages, SystemMessage(sys))
	}
	messages = append(messages, a.history()...)
	stamp := time.Unix(p.At, 0).UTC().Format(time.RFC3339)
	messages = append(messages, UserMessage(fmt.Sprintf("[%s at %s] %s", p.SenderID, stamp, p.Body)))
	return messages
}

func (a *ModelAgent) recallFacts(ctx context.Context, userID, input string) string {
	if a.memory == nil || a.embed == nil || input == "" {
		return ""
	}
	vecs, err := a.embed.Embed(ctx, []string{input})
	if err != nil || len(vecs) == 0 {
		a.logger.Debug("memory embed failed", "error", err)
		return ""
	}
	facts, err := a.memory.SearchFacts(ctx, userID, vecs[0], 5)
	if err != nil {
		a.logger.Debug("memory search failed", "error", err)
		return ""
	}
	out := ""
	for _, f := range facts {
		out += "- " + f.Fact + "\n"
	}
	return out
}

// history returns the conversation without its leading system message; the
// system prompt is rebuilt fresh each turn.
func (a *ModelAgent) history() []ChatMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	msgs := a.messages
	if len(msgs) > 0 && msgs[0].Role == "system" {
		msgs = msgs[1:]
	}
	return append([]ChatMessage(nil), msgs...)
}

func (a *ModelAgent) setMessages(messages []ChatMessage) {
	// History is stored without the per-turn system message.
	if len(messages) > 0 && messages[0].Role == "system" {
		messages = messages[1:]
	}
	a.mu.Lock()
	a.messages = append([]ChatMessage(nil), messages...)
	a.mu.Unlock()
}

// RestoreThread rebuilds conversation state from snapshot JSON.
func (a *ModelAgent) RestoreThread(snapshot []byte) error {
	if len(snapshot) == 0 {
		return nil
	}
	var messages []ChatMessage
	if err := json.Unmarshal(snapshot, &messages); err != nil {
		return fmt.Errorf("restore thread: %w", err)
	}
	a.mu.Lock()
	a.messages = messages
	a.mu.Unlock()
	return nil
}

// SnapshotThread serializes conversation state as JSON.
func (a *ModelAgent) SnapshotThread() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.messages) == 0 {
		return nil
	}
	b, err := json.Marshal(a.messages)
	if err != nil {
		a.logger.Warn("snapshot marshal failed", "agent", a.identity.ID, "error", err)
		return nil
	}
	return b
}

// Close releases acquired resources exactly once.
func (a *ModelAgent) Close() error {
	a.closeOnce.Do(func() {
		if a.release != nil {
			a.release()
		}
	})
	return nil
}

// deltaUpdates converts one provider delta into model updates.
func deltaUpdates(d StreamDelta) []ModelUpdate {
	var ups []ModelUpdate
	if d.Content != "" {
		ups = append(ups, TextDelta(d.Content))
	}
	if d.Reasoning != "" {
		ups = append(ups, ReasoningDelta(d.Reasoning))
	}
	if d.ToolCallName != "" {
		ups = append(ups, ToolCallStart(d.ToolCallID, d.ToolCallName))
	}
	if d.ToolCallArgs != "" {
		ups = append(ups, ToolCallArg(d.ToolCallID, d.ToolCallArgs))
	}
	return ups
}

// emitUpdate sends honoring cancellation. False means the run should stop.
func emitUpdate(ctx context.Context, ch chan<- ModelUpdate, u ModelUpdate) bool {
	select {
	case ch <- u:
		return true
	case <-ctx.Done():
		return false
	}
}
