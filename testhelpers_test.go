package switchboard

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"
)

const testWait = 2 * time.Second

// --- provider fake ---

// scriptedTurn is one provider call: the deltas streamed, then the final
// response or error.
type scriptedTurn struct {
	deltas []StreamDelta
	resp   ChatResponse
	err    error
	block  bool // park until ctx is cancelled instead of answering
}

type fakeProvider struct {
	mu    sync.Mutex
	turns []scriptedTurn
	calls int
	reqs  []ChatRequest
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return f.ChatStream(ctx, req, nil, nil)
}

func (f *fakeProvider) ChatWithTools(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error) {
	return f.ChatStream(ctx, req, tools, nil)
}

func (f *fakeProvider) ChatStream(ctx context.Context, req ChatRequest, tools []ToolDefinition, ch chan<- StreamDelta) (ChatResponse, error) {
	f.mu.Lock()
	var turn scriptedTurn
	if f.calls < len(f.turns) {
		turn = f.turns[f.calls]
	}
	f.calls++
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	if turn.block {
		<-ctx.Done()
		return ChatResponse{}, ctx.Err()
	}
	for _, d := range turn.deltas {
		if ctx.Err() != nil {
			return ChatResponse{}, ctx.Err()
		}
		if ch != nil {
			ch <- d
		}
	}
	return turn.resp, turn.err
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeProvider) requests() []ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ChatRequest(nil), f.reqs...)
}

// --- tool fake ---

type fakeTool struct {
	name string
	fn   func(ctx context.Context, args json.RawMessage) (ToolResult, error)

	mu   sync.Mutex
	args []json.RawMessage
}

func (t *fakeTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: t.name, Description: t.name}}
}

func (t *fakeTool) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	t.mu.Lock()
	t.args = append(t.args, args)
	t.mu.Unlock()
	if t.fn != nil {
		return t.fn(ctx, args)
	}
	return ToolResult{Content: "ok"}, nil
}

func (t *fakeTool) seenArgs() []json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]json.RawMessage(nil), t.args...)
}

// --- agent fake ---

// scriptedAgent replays a fixed update sequence per Run. When block is set
// the stream stays open until ctx is cancelled.
type scriptedAgent struct {
	updates []ModelUpdate
	block   bool

	mu       sync.Mutex
	runs     int
	snapshot []byte
	restored [][]byte
	closed   bool
}

func (a *scriptedAgent) Run(ctx context.Context, p Prompt) <-chan ModelUpdate {
	a.mu.Lock()
	a.runs++
	a.mu.Unlock()
	ch := make(chan ModelUpdate)
	go func() {
		defer close(ch)
		for _, u := range a.updates {
			select {
			case ch <- u:
			case <-ctx.Done():
				return
			}
		}
		if a.block {
			<-ctx.Done()
		}
	}()
	return ch
}

func (a *scriptedAgent) RestoreThread(snapshot []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.restored = append(a.restored, snapshot)
	return nil
}

func (a *scriptedAgent) SnapshotThread() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot
}

func (a *scriptedAgent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *scriptedAgent) runCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runs
}

func (a *scriptedAgent) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *scriptedAgent) restores() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]byte(nil), a.restored...)
}

// countingFactory tracks DisposableAgent constructions per key.
type countingFactory struct {
	mu     sync.Mutex
	counts map[ThreadKey]int
	agents map[ThreadKey]*scriptedAgent
	build  func(p Prompt) *scriptedAgent
}

func newCountingFactory(build func(p Prompt) *scriptedAgent) *countingFactory {
	return &countingFactory{
		counts: make(map[ThreadKey]int),
		agents: make(map[ThreadKey]*scriptedAgent),
		build:  build,
	}
}

func (f *countingFactory) factory(ctx context.Context, p Prompt) (DisposableAgent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := p.Key()
	f.counts[key]++
	a := f.build(p)
	f.agents[key] = a
	return a, nil
}

func (f *countingFactory) count(key ThreadKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[key]
}

func (f *countingFactory) agent(key ThreadKey) *scriptedAgent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.agents[key]
}

// --- memory fakes ---

// factStore is an in-memory MemoryStore ranked by cosine similarity.
type factStore struct {
	mu       sync.Mutex
	facts    map[string]Fact
	profiles map[string]string
}

func newFactStore() *factStore {
	return &factStore{facts: make(map[string]Fact), profiles: make(map[string]string)}
}

func (s *factStore) UpsertFact(ctx context.Context, f Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts[f.ID] = f
	return nil
}

func (s *factStore) SearchFacts(ctx context.Context, userID string, embedding []float32, topK int) ([]Fact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Fact
	for _, f := range s.facts {
		if f.UserID != userID {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		return CosineSimilarity(out[i].Embedding, embedding) > CosineSimilarity(out[j].Embedding, embedding)
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (s *factStore) DeleteFact(ctx context.Context, factID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.facts, factID)
	return nil
}

func (s *factStore) Profile(ctx context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profiles[userID], nil
}

func (s *factStore) SetProfile(ctx context.Context, userID, profile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[userID] = profile
	return nil
}

func (s *factStore) SweepExpiredFacts(ctx context.Context) error { return nil }

// fakeEmbedder returns a unit vector for any input.
type fakeEmbedder struct {
	dims int
	err  error
}

func (e *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, e.dims)
		if e.dims > 0 {
			v[0] = 1
		}
		out[i] = v
	}
	return out, nil
}

func (e *fakeEmbedder) Dimensions() int { return e.dims }

func (e *fakeEmbedder) Name() string { return "fake-embed" }

// --- sink fake ---

type recordingSink struct {
	mu      sync.Mutex
	triples []StreamTriple
	begins  int
	ends    int
	gate    chan struct{} // when set, Emit blocks until the gate closes
}

func (s *recordingSink) BeginTurn(ctx context.Context, key ThreadKey) {
	s.mu.Lock()
	s.begins++
	s.mu.Unlock()
}

func (s *recordingSink) Emit(ctx context.Context, t StreamTriple) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	s.triples = append(s.triples, t)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) EndTurn(ctx context.Context, key ThreadKey) {
	s.mu.Lock()
	s.ends++
	s.mu.Unlock()
}

func (s *recordingSink) emitted() []StreamTriple {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StreamTriple(nil), s.triples...)
}

// originCounter counts delivered triples per origin.
type originCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *originCounter) TripleEmitted(origin string) {
	o.mu.Lock()
	o.counts[origin]++
	o.mu.Unlock()
}

func (o *originCounter) get(origin string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[origin]
}

// runObserverCount counts finished runs.
type runObserverCount struct {
	mu sync.Mutex
	n  int
}

func (o *runObserverCount) RunFinished(d time.Duration) {
	o.mu.Lock()
	o.n++
	o.mu.Unlock()
}

func (o *runObserverCount) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.n
}

// --- store fake ---

// memStore is an in-memory SnapshotRW/SnapshotStore/BufferStore.
type memStore struct {
	mu      sync.Mutex
	snaps   map[ThreadKey][]byte
	buffers map[ThreadKey]BufferState
}

func newMemStore() *memStore {
	return &memStore{
		snaps:   make(map[ThreadKey][]byte),
		buffers: make(map[ThreadKey]BufferState),
	}
}

func (m *memStore) SaveSnapshot(ctx context.Context, key ThreadKey, snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[key] = append([]byte(nil), snapshot...)
	return nil
}

func (m *memStore) LoadSnapshot(ctx context.Context, key ThreadKey) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snaps[key], nil
}

func (m *memStore) DeleteSnapshot(ctx context.Context, key ThreadKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, key)
	return nil
}

func (m *memStore) SaveBuffer(ctx context.Context, key ThreadKey, state BufferState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffers[key] = state
	return nil
}

func (m *memStore) LoadBuffer(ctx context.Context, key ThreadKey) (BufferState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.buffers[key]
	return s, ok, nil
}

func (m *memStore) DeleteBuffer(ctx context.Context, key ThreadKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buffers, key)
	return nil
}

func (m *memStore) hasSnapshot(key ThreadKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.snaps[key]
	return ok
}

// --- channel helpers ---

// collectTriples drains ch until it closes or the timeout hits.
func collectTriples(t *testing.T, ch <-chan StreamTriple) []StreamTriple {
	t.Helper()
	var out []StreamTriple
	deadline := time.After(testWait)
	for {
		select {
		case tr, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, tr)
		case <-deadline:
			t.Fatalf("stream did not close; collected %d triples", len(out))
			return out
		}
	}
}

// recvTriple reads one triple or fails.
func recvTriple(t *testing.T, ch <-chan StreamTriple) StreamTriple {
	t.Helper()
	select {
	case tr, ok := <-ch:
		if !ok {
			t.Fatal("stream closed early")
		}
		return tr
	case <-time.After(testWait):
		t.Fatal("timed out waiting for triple")
		return StreamTriple{}
	}
}

// eventually polls cond until it holds or the timeout hits.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(testWait)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

// finalMessages filters the coalesced boundaries out of a triple stream.
func finalMessages(triples []StreamTriple) []CoalescedMessage {
	var out []CoalescedMessage
	for _, tr := range triples {
		if tr.Message != nil {
			out = append(out, *tr.Message)
		}
	}
	return out
}
