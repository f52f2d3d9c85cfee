package schedule

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	switchboard "github.com/Dethon/switchboard"
)

type fakeStore struct {
	actions  []switchboard.ScheduledAction
	disabled []string
	deleted  []string
}

func (f *fakeStore) CreateScheduledAction(_ context.Context, a switchboard.ScheduledAction) error {
	f.actions = append(f.actions, a)
	return nil
}

func (f *fakeStore) ListScheduledActions(_ context.Context, chatID int64) ([]switchboard.ScheduledAction, error) {
	var out []switchboard.ScheduledAction
	for _, a := range f.actions {
		if a.ChatID == chatID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateScheduledAction(_ context.Context, a switchboard.ScheduledAction) error {
	for i := range f.actions {
		if f.actions[i].ID == a.ID {
			f.actions[i] = a
		}
	}
	return nil
}

func (f *fakeStore) UpdateScheduledActionEnabled(_ context.Context, id string, enabled bool) error {
	if !enabled {
		f.disabled = append(f.disabled, id)
	}
	return nil
}

func (f *fakeStore) DeleteScheduledAction(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func TestBuildScheduleString(t *testing.T) {
	if s := buildScheduleString("14:30", "daily", ""); s != "14:30 daily" {
		t.Errorf("got %q", s)
	}
	if s := buildScheduleString("08:00", "once", ""); s != "08:00 once" {
		t.Errorf("got %q", s)
	}
	if s := buildScheduleString("09:00", "weekly", "friday"); s != "09:00 weekly(friday)" {
		t.Errorf("got %q", s)
	}
	if s := buildScheduleString("10:00", "custom", "Mon, Wed, Fri"); s != "10:00 custom(mon,wed,fri)" {
		t.Errorf("got %q", s)
	}
}

func TestBuildScheduleStringEmptyTime(t *testing.T) {
	// Empty time should default to "08:00"
	s := buildScheduleString("", "daily", "")
	if s != "08:00 daily" {
		t.Errorf("expected '08:00 daily', got %q", s)
	}
}

func TestBuildRecurrencePart(t *testing.T) {
	tests := []struct {
		recurrence string
		day        string
		want       string
	}{
		{"once", "", "once"},
		{"daily", "", "daily"},
		{"weekly", "friday", "weekly(friday)"},
		{"weekly", "", "weekly(monday)"}, // default day
		{"monthly", "15", "monthly(15)"},
		{"monthly", "", "monthly(1)"}, // default day
		{"custom", "Mon,Wed,Fri", "custom(mon,wed,fri)"},
		{"custom", "", "custom(monday,wednesday,friday)"}, // default
		{"unknown", "", "daily"},                          // unknown defaults to daily
	}
	for _, tt := range tests {
		got := buildRecurrencePart(tt.recurrence, tt.day)
		if got != tt.want {
			t.Errorf("buildRecurrencePart(%q, %q) = %q, want %q",
				tt.recurrence, tt.day, got, tt.want)
		}
	}
}

func TestNormalizeDayList(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Mon, Wed, Fri", "mon,wed,fri"},
		{"monday", "monday"},
		{" TUESDAY , thursday ", "tuesday,thursday"},
		{"Sun", "sun"},
	}
	for _, tt := range tests {
		got := normalizeDayList(tt.input)
		if got != tt.want {
			t.Errorf("normalizeDayList(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestScheduleDefinitions(t *testing.T) {
	tool := New(nil, 1, "A", "u1", 7)
	defs := tool.Definitions()
	if len(defs) != 4 {
		t.Fatalf("expected 4 definitions, got %d", len(defs))
	}

	names := map[string]bool{}
	for _, d := range defs {
		names[d.Name] = true
	}
	for _, want := range []string{"schedule_create", "schedule_list", "schedule_update", "schedule_delete"} {
		if !names[want] {
			t.Errorf("missing definition %q", want)
		}
	}
}

func TestScheduleUnknownToolName(t *testing.T) {
	tool := New(nil, 1, "A", "u1", 7)
	result, err := tool.Execute(context.Background(), "schedule_nonexistent", nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Error == "" {
		t.Error("expected error for unknown tool name")
	}
}

func TestScheduleCreateStampsThread(t *testing.T) {
	store := &fakeStore{}
	tool := New(store, 7, "A", "u1", 0)

	args, _ := json.Marshal(map[string]any{
		"description": "morning digest",
		"time":        "08:00",
		"recurrence":  "daily",
	})
	res, err := tool.Execute(context.Background(), "schedule_create", args)
	if err != nil || res.Error != "" {
		t.Fatalf("execute = %+v, %v", res, err)
	}

	if len(store.actions) != 1 {
		t.Fatalf("actions = %d, want 1", len(store.actions))
	}
	a := store.actions[0]
	if a.ChatID != 7 || a.AgentID != "A" || a.UserID != "u1" {
		t.Errorf("action not stamped with thread context: %+v", a)
	}
	if a.ID == "" || !a.Enabled || a.NextRun == 0 {
		t.Errorf("action = %+v", a)
	}
	if a.Schedule != "08:00 daily" {
		t.Errorf("schedule = %q", a.Schedule)
	}
}

func TestScheduleListScopedToChat(t *testing.T) {
	store := &fakeStore{actions: []switchboard.ScheduledAction{
		{ID: "a", ChatID: 1, Description: "mine", Schedule: "08:00 daily", Enabled: true},
		{ID: "b", ChatID: 2, Description: "theirs", Schedule: "08:00 daily", Enabled: true},
	}}
	tool := New(store, 1, "A", "u1", 0)

	res, err := tool.Execute(context.Background(), "schedule_list", nil)
	if err != nil || res.Error != "" {
		t.Fatalf("execute = %+v, %v", res, err)
	}
	if !strings.Contains(res.Content, "mine") || strings.Contains(res.Content, "theirs") {
		t.Errorf("list leaked across chats:\n%s", res.Content)
	}
}

func TestScheduleUpdatePauses(t *testing.T) {
	store := &fakeStore{actions: []switchboard.ScheduledAction{
		{ID: "a", ChatID: 1, Description: "daily digest", Schedule: "08:00 daily", Enabled: true},
	}}
	tool := New(store, 1, "A", "u1", 0)

	args, _ := json.Marshal(map[string]any{"description_query": "digest", "enabled": false})
	res, err := tool.Execute(context.Background(), "schedule_update", args)
	if err != nil || res.Error != "" {
		t.Fatalf("execute = %+v, %v", res, err)
	}
	if len(store.disabled) != 1 || store.disabled[0] != "a" {
		t.Errorf("disabled = %v", store.disabled)
	}
}

func TestScheduleUpdateAmbiguous(t *testing.T) {
	store := &fakeStore{actions: []switchboard.ScheduledAction{
		{ID: "a", ChatID: 1, Description: "daily digest", Schedule: "08:00 daily", Enabled: true},
		{ID: "b", ChatID: 1, Description: "weekly digest", Schedule: "08:00 weekly(monday)", Enabled: true},
	}}
	tool := New(store, 1, "A", "u1", 0)

	args, _ := json.Marshal(map[string]any{"description_query": "digest", "enabled": false})
	res, _ := tool.Execute(context.Background(), "schedule_update", args)
	if !strings.Contains(res.Content, "Multiple matches") {
		t.Errorf("ambiguous query not reported: %q", res.Content)
	}
	if len(store.disabled) != 0 {
		t.Error("ambiguous match still paused an action")
	}
}

func TestScheduleDeleteWildcard(t *testing.T) {
	store := &fakeStore{actions: []switchboard.ScheduledAction{
		{ID: "a", ChatID: 1, Description: "one", Schedule: "08:00 daily"},
		{ID: "b", ChatID: 1, Description: "two", Schedule: "08:00 daily"},
		{ID: "c", ChatID: 2, Description: "other chat", Schedule: "08:00 daily"},
	}}
	tool := New(store, 1, "A", "u1", 0)

	args, _ := json.Marshal(map[string]string{"description_query": "*"})
	res, err := tool.Execute(context.Background(), "schedule_delete", args)
	if err != nil || res.Error != "" {
		t.Fatalf("execute = %+v, %v", res, err)
	}
	if len(store.deleted) != 2 {
		t.Errorf("deleted = %v, want this chat's two actions", store.deleted)
	}
	for _, id := range store.deleted {
		if id == "c" {
			t.Error("wildcard delete crossed chats")
		}
	}
}
