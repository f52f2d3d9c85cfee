package switchboard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func newRunnerGroup(ctx context.Context) (chan Prompt, <-chan *PromptGroup) {
	src := make(chan Prompt, 16)
	return src, GroupBy(ctx, src, Prompt.Key)
}

func TestRunnerOneAgentPerGroup(t *testing.T) {
	ctx := context.Background()
	factory := newCountingFactory(func(Prompt) *scriptedAgent {
		return &scriptedAgent{updates: []ModelUpdate{TextDelta("ok")}}
	})
	runner := NewAgentRunner(factory.factory, NewThreadRegistry())

	src, groups := newRunnerGroup(ctx)
	key := ThreadKey{ChatID: 1, TopicID: 1, AgentID: "A"}
	for i := 0; i < 3; i++ {
		src <- promptFor(1, 1, fmt.Sprintf("prompt %d", i))
	}
	close(src)

	g := recvGroup(t, groups)
	triples := collectTriples(t, runner.Run(ctx, g))

	if n := factory.count(key); n != 1 {
		t.Errorf("agent constructed %d times for one group, want 1", n)
	}
	factory.mu.Lock()
	agent := factory.agents[key]
	factory.mu.Unlock()
	if agent.runCount() != 3 {
		t.Errorf("run count = %d, want 3", agent.runCount())
	}
	if !agent.isClosed() {
		t.Error("agent not disposed after group drained")
	}

	// Three user echoes, three assistant boundaries.
	msgs := finalMessages(triples)
	var users, assistants int
	for _, m := range msgs {
		switch m.Role {
		case "user":
			users++
		case "assistant":
			assistants++
		}
	}
	if users != 3 || assistants != 3 {
		t.Errorf("boundaries = %d user / %d assistant, want 3/3", users, assistants)
	}
}

func TestRunnerSeqMonotoneAcrossPrompts(t *testing.T) {
	ctx := context.Background()
	factory := newCountingFactory(func(Prompt) *scriptedAgent {
		return &scriptedAgent{updates: []ModelUpdate{TextDelta("a"), TextDelta("b")}}
	})
	runner := NewAgentRunner(factory.factory, NewThreadRegistry())

	src, groups := newRunnerGroup(ctx)
	src <- promptFor(1, 1, "one")
	src <- promptFor(1, 1, "two")
	close(src)

	triples := collectTriples(t, runner.Run(ctx, recvGroup(t, groups)))
	var prev uint64
	for i, tr := range triples {
		if tr.Seq <= prev {
			t.Fatalf("triple %d seq %d not above %d", i, tr.Seq, prev)
		}
		prev = tr.Seq
	}
}

func TestRunnerUserEchoLeadsEachRun(t *testing.T) {
	ctx := context.Background()
	factory := newCountingFactory(func(Prompt) *scriptedAgent {
		return &scriptedAgent{updates: []ModelUpdate{TextDelta("reply")}}
	})
	runner := NewAgentRunner(factory.factory, NewThreadRegistry())

	src, groups := newRunnerGroup(ctx)
	src <- Prompt{Origin: "test", ChatID: 1, TopicID: 1, AgentID: "A", SenderID: "u9", Body: "hello there", At: 1234}
	close(src)

	triples := collectTriples(t, runner.Run(ctx, recvGroup(t, groups)))
	if len(triples) == 0 {
		t.Fatal("no triples")
	}
	first := triples[0]
	if first.Message == nil || first.Message.Role != "user" {
		t.Fatalf("first triple is not the user echo: %+v", first)
	}
	if first.Message.Text != "hello there" || first.Message.SenderID != "u9" || first.Message.CreatedAt != 1234 {
		t.Errorf("echo = %+v", first.Message)
	}
	key := ThreadKey{ChatID: 1, TopicID: 1, AgentID: "A"}
	if want := BoundaryMessageID(key, first.Seq); first.Message.ID != want {
		t.Errorf("echo id = %q, want stable %q", first.Message.ID, want)
	}
}

func TestRunnerCancelCommandStopsRunAndReArms(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	factory := newCountingFactory(func(Prompt) *scriptedAgent {
		return &scriptedAgent{updates: []ModelUpdate{TextDelta("partial")}, block: true}
	})
	registry := NewThreadRegistry()
	runner := NewAgentRunner(factory.factory, registry)

	src, groups := newRunnerGroup(ctx)
	src <- promptFor(1, 1, "long task")
	g := recvGroup(t, groups)
	out := runner.Run(ctx, g)

	// Echo, then the partial delta; the run then parks.
	recvTriple(t, out)
	recvTriple(t, out)

	src <- promptFor(1, 1, "/cancel")
	// The cancelled run closes with a synthetic boundary holding the partial.
	tr := recvTriple(t, out)
	if tr.Message == nil || tr.Message.Text != "partial" {
		t.Fatalf("cancel boundary = %+v, want the partial text finalized", tr)
	}

	// Thread stays armed: the next prompt runs normally.
	src <- promptFor(1, 1, "again")
	recvTriple(t, out) // echo
	tr = recvTriple(t, out)
	if len(tr.Update.Contents) == 0 || tr.Update.Contents[0].Text != "partial" {
		t.Fatalf("follow-up run did not stream: %+v", tr.Update)
	}
	key := ThreadKey{ChatID: 1, TopicID: 1, AgentID: "A"}
	if n := factory.count(key); n != 1 {
		t.Errorf("cancel rebuilt the agent: %d constructions", n)
	}
	close(src)
}

func TestRunnerClearCompletesGroup(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	if err := store.SaveSnapshot(ctx, ThreadKey{ChatID: 1, TopicID: 1, AgentID: "A"}, []byte("old")); err != nil {
		t.Fatal(err)
	}
	factory := newCountingFactory(func(Prompt) *scriptedAgent {
		return &scriptedAgent{updates: []ModelUpdate{TextDelta("hi")}}
	})
	registry := NewThreadRegistry(WithSnapshotStore(store))
	runner := NewAgentRunner(factory.factory, registry, WithRunnerSnapshots(store))
	key := ThreadKey{ChatID: 1, TopicID: 1, AgentID: "A"}

	src, groups := newRunnerGroup(ctx)
	src <- promptFor(1, 1, "hello")
	g := recvGroup(t, groups)
	out := runner.Run(ctx, g)
	recvTriple(t, out) // echo
	recvTriple(t, out) // delta
	recvTriple(t, out) // boundary
	eventually(t, func() bool { return store.hasSnapshot(key) }, "boundary snapshot not persisted")

	src <- promptFor(1, 1, "/clear")
	// Clear fires the group's completion hook; the stream drains and closes.
	for range collectTriples(t, out) {
	}
	select {
	case <-g.Done():
	case <-time.After(testWait):
		t.Fatal("clear did not complete the group")
	}
	if store.hasSnapshot(key) {
		t.Error("clear left the persisted snapshot")
	}
	if registry.Size() != 0 {
		t.Error("clear left the registry entry")
	}
	close(src)
}

func TestRunnerPersistsAndRestoresSnapshots(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	factory := newCountingFactory(func(Prompt) *scriptedAgent {
		return &scriptedAgent{updates: []ModelUpdate{TextDelta("done")}, snapshot: []byte("thread-state")}
	})
	registry := NewThreadRegistry()
	runner := NewAgentRunner(factory.factory, registry, WithRunnerSnapshots(store))
	key := ThreadKey{ChatID: 1, TopicID: 1, AgentID: "A"}

	src1, groups1 := newRunnerGroup(ctx)
	src1 <- promptFor(1, 1, "first")
	close(src1)
	collectTriples(t, runner.Run(ctx, recvGroup(t, groups1)))

	if !store.hasSnapshot(key) {
		t.Fatal("boundary did not persist the snapshot")
	}

	// A later group on the same thread restores before running.
	src2, groups2 := newRunnerGroup(ctx)
	src2 <- promptFor(1, 1, "second")
	close(src2)
	collectTriples(t, runner.Run(ctx, recvGroup(t, groups2)))

	factory.mu.Lock()
	agent := factory.agents[key]
	factory.mu.Unlock()
	if len(agent.restores()) != 1 || string(agent.restores()[0]) != "thread-state" {
		t.Errorf("restored = %q, want the persisted snapshot", agent.restores())
	}
	if n := factory.count(key); n != 2 {
		t.Errorf("constructions = %d, want one per group", n)
	}
}

func TestRunnerRestoresFromStoreAfterRestart(t *testing.T) {
	// No in-memory snapshot: a fresh registry simulates a restart and the
	// store is the only source.
	ctx := context.Background()
	store := newMemStore()
	key := ThreadKey{ChatID: 1, TopicID: 1, AgentID: "A"}
	if err := store.SaveSnapshot(ctx, key, []byte("persisted")); err != nil {
		t.Fatal(err)
	}
	factory := newCountingFactory(func(Prompt) *scriptedAgent {
		return &scriptedAgent{updates: []ModelUpdate{TextDelta("hi")}}
	})
	runner := NewAgentRunner(factory.factory, NewThreadRegistry(), WithRunnerSnapshots(store))

	src, groups := newRunnerGroup(ctx)
	src <- promptFor(1, 1, "hello")
	close(src)
	collectTriples(t, runner.Run(ctx, recvGroup(t, groups)))

	factory.mu.Lock()
	agent := factory.agents[key]
	factory.mu.Unlock()
	if len(agent.restores()) != 1 || string(agent.restores()[0]) != "persisted" {
		t.Errorf("restored = %q, want store snapshot", agent.restores())
	}
}

func TestRunnerSeedsSequenceFromHighWater(t *testing.T) {
	ctx := context.Background()
	factory := newCountingFactory(func(Prompt) *scriptedAgent {
		return &scriptedAgent{updates: []ModelUpdate{TextDelta("hi")}}
	})
	runner := NewAgentRunner(factory.factory, NewThreadRegistry(),
		WithRunnerSeqSeed(func(ctx context.Context, key ThreadKey) uint64 { return 100 }))

	src, groups := newRunnerGroup(ctx)
	src <- promptFor(1, 1, "hello")
	close(src)
	triples := collectTriples(t, runner.Run(ctx, recvGroup(t, groups)))
	if len(triples) == 0 || triples[0].Seq != 101 {
		t.Errorf("first seq = %d, want 101 (seeded past the high-water mark)", triples[0].Seq)
	}
}

func TestRunnerFactoryErrorEmitsErrorTriple(t *testing.T) {
	ctx := context.Background()
	factory := func(ctx context.Context, p Prompt) (DisposableAgent, error) {
		return nil, errors.New("no such agent")
	}
	runner := NewAgentRunner(factory, NewThreadRegistry())

	src, groups := newRunnerGroup(ctx)
	src <- promptFor(1, 1, "hello")
	g := recvGroup(t, groups)
	triples := collectTriples(t, runner.Run(ctx, g))

	if len(triples) != 1 {
		t.Fatalf("got %d triples, want one error", len(triples))
	}
	c := triples[0].Update.Contents[0]
	if c.Kind != UpdateError || !strings.Contains(c.Text, "no such agent") {
		t.Errorf("error content = %+v", c)
	}
	select {
	case <-g.Done():
	case <-time.After(testWait):
		t.Error("failed group not completed")
	}
	close(src)
}

func TestRunnerObserverSeesFinishedRuns(t *testing.T) {
	ctx := context.Background()
	factory := newCountingFactory(func(Prompt) *scriptedAgent {
		return &scriptedAgent{updates: []ModelUpdate{TextDelta("hi")}}
	})
	obs := &runObserverCount{}
	runner := NewAgentRunner(factory.factory, NewThreadRegistry(), WithRunnerObserver(obs))

	src, groups := newRunnerGroup(ctx)
	src <- promptFor(1, 1, "one")
	src <- promptFor(1, 1, "two")
	close(src)
	collectTriples(t, runner.Run(ctx, recvGroup(t, groups)))

	if obs.count() != 2 {
		t.Errorf("observed %d finished runs, want 2", obs.count())
	}
}
