package remember

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	switchboard "github.com/Dethon/switchboard"
)

type fakeMemory struct {
	facts    []switchboard.Fact
	profiles map[string]string
	err      error
}

func (f *fakeMemory) UpsertFact(_ context.Context, fact switchboard.Fact) error {
	if f.err != nil {
		return f.err
	}
	f.facts = append(f.facts, fact)
	return nil
}

func (f *fakeMemory) SearchFacts(context.Context, string, []float32, int) ([]switchboard.Fact, error) {
	return nil, nil
}
func (f *fakeMemory) DeleteFact(context.Context, string) error { return nil }
func (f *fakeMemory) Profile(_ context.Context, userID string) (string, error) {
	return f.profiles[userID], nil
}
func (f *fakeMemory) SetProfile(_ context.Context, userID, profile string) error {
	if f.err != nil {
		return f.err
	}
	if f.profiles == nil {
		f.profiles = make(map[string]string)
	}
	f.profiles[userID] = profile
	return nil
}
func (f *fakeMemory) SweepExpiredFacts(context.Context) error { return nil }

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}
func (f *fakeEmbedder) Dimensions() int { return 2 }
func (f *fakeEmbedder) Name() string    { return "fake" }

func TestRememberSavesFact(t *testing.T) {
	mem := &fakeMemory{}
	tool := New(mem, &fakeEmbedder{}, "u1")

	args, _ := json.Marshal(map[string]any{"fact": "prefers tea over coffee", "category": "preference"})
	res, err := tool.Execute(context.Background(), "remember", args)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != "" {
		t.Fatalf("unexpected error: %s", res.Error)
	}

	if len(mem.facts) != 1 {
		t.Fatalf("facts = %d, want 1", len(mem.facts))
	}
	f := mem.facts[0]
	if f.UserID != "u1" || f.Fact != "prefers tea over coffee" || f.Category != "preference" {
		t.Errorf("fact = %+v", f)
	}
	if f.ID == "" || f.CreatedAt == 0 {
		t.Errorf("fact missing id or timestamp: %+v", f)
	}
	if len(f.Embedding) == 0 {
		t.Error("fact stored without embedding")
	}
	if f.Confidence != 1.0 {
		t.Errorf("default confidence = %f, want 1.0", f.Confidence)
	}
}

func TestRememberEmptyFact(t *testing.T) {
	tool := New(&fakeMemory{}, &fakeEmbedder{}, "u1")
	res, _ := tool.Execute(context.Background(), "remember", json.RawMessage(`{"fact":""}`))
	if res.Error == "" {
		t.Error("empty fact accepted")
	}
}

func TestRememberEmbedFailure(t *testing.T) {
	mem := &fakeMemory{}
	tool := New(mem, &fakeEmbedder{err: errors.New("embedding service down")}, "u1")

	res, _ := tool.Execute(context.Background(), "remember", json.RawMessage(`{"fact":"x"}`))
	if res.Error == "" {
		t.Error("embed failure not reported")
	}
	if len(mem.facts) != 0 {
		t.Error("fact stored despite embed failure")
	}
}

func TestUpdateProfile(t *testing.T) {
	mem := &fakeMemory{}
	tool := New(mem, &fakeEmbedder{}, "u1")

	args, _ := json.Marshal(map[string]string{"profile": "Concise, no emoji."})
	res, err := tool.Execute(context.Background(), "update_profile", args)
	if err != nil || res.Error != "" {
		t.Fatalf("execute = %+v, %v", res, err)
	}
	if mem.profiles["u1"] != "Concise, no emoji." {
		t.Errorf("profile = %q", mem.profiles["u1"])
	}
}

func TestUnknownMemoryTool(t *testing.T) {
	tool := New(&fakeMemory{}, &fakeEmbedder{}, "u1")
	res, err := tool.Execute(context.Background(), "forget_everything", nil)
	if err != nil {
		t.Fatalf("transport error: %v", err)
	}
	if res.Error == "" {
		t.Error("unknown tool name not reported in-band")
	}
}
