package switchboard

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"time"
)

// ScheduledOrigin marks prompts fired without a notifying surface. The app
// registers a DiscardSink under it so silent runs produce tool side effects
// and nothing else.
const ScheduledOrigin = "scheduler"

const scheduledThreadName = "Scheduled task"

// ScheduleStore is the slice of persistence the scheduler polls.
type ScheduleStore interface {
	GetDueScheduledActions(ctx context.Context, now int64) ([]ScheduledAction, error)
	UpdateScheduledAction(ctx context.Context, a ScheduledAction) error
	UpdateScheduledActionEnabled(ctx context.Context, id string, enabled bool) error
}

// Scheduler polls the store for due actions and feeds them into the engine
// as ordinary prompts. When a notifying surface is bound, each action gets
// a "Scheduled task" thread there and its output is visible; otherwise the
// run stays silent on a synthetic thread.
type Scheduler struct {
	store    ScheduleStore
	surface  Surface
	interval time.Duration
	tzOffset int
	logger   *slog.Logger
}

type SchedulerOption func(*Scheduler)

// WithSchedulerInterval sets the polling interval. Default: 1 minute.
func WithSchedulerInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSchedulerTZOffset sets the UTC offset in hours used for schedule
// computation. Default: 0 (UTC).
func WithSchedulerTZOffset(hours int) SchedulerOption {
	return func(s *Scheduler) { s.tzOffset = hours }
}

// WithNotifySurface binds the surface scheduled output is delivered on.
// Ignored when the surface does not support scheduled notifications.
func WithNotifySurface(sf Surface) SchedulerOption {
	return func(s *Scheduler) { s.surface = sf }
}

func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

func NewScheduler(store ScheduleStore, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:    store,
		interval: time.Minute,
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReadPrompts starts the polling loop. The returned channel closes when ctx
// is cancelled; store failures skip the cycle and the loop keeps going.
func (s *Scheduler) ReadPrompts(ctx context.Context) <-chan Prompt {
	out := make(chan Prompt)
	go func() {
		defer close(out)
		for {
			s.tick(ctx, out)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.interval):
			}
		}
	}()
	return out
}

func (s *Scheduler) tick(ctx context.Context, out chan<- Prompt) {
	due, err := s.store.GetDueScheduledActions(ctx, time.Now().Unix())
	if err != nil {
		s.logger.Warn("fetching due actions failed", "error", err)
		return
	}
	for _, action := range due {
		if ctx.Err() != nil {
			return
		}
		s.fire(ctx, action, out)
	}
}

// fire reschedules the action first so a slow run cannot retrigger it, then
// submits it as a prompt.
func (s *Scheduler) fire(ctx context.Context, action ScheduledAction, out chan<- Prompt) {
	if nextRun, ok := ComputeNextRun(action.Schedule, time.Now().Unix(), s.tzOffset); ok {
		action.NextRun = nextRun
		if err := s.store.UpdateScheduledAction(ctx, action); err != nil {
			// Still fire: a duplicate beats a silent skip.
			s.logger.Warn("rescheduling failed", "action", action.ID, "error", err)
		}
	}
	if scheduleIsOnce(action.Schedule) {
		if err := s.store.UpdateScheduledActionEnabled(ctx, action.ID, false); err != nil {
			s.logger.Warn("disabling once action failed", "action", action.ID, "error", err)
		}
	}

	p := Prompt{
		Origin:   ScheduledOrigin,
		ChatID:   action.ChatID,
		TopicID:  silentTopicID(action.ID),
		AgentID:  action.AgentID,
		SenderID: action.UserID,
		Body:     composeScheduledBody(action),
		At:       NowUnix(),
	}
	if s.surface != nil && s.surface.SupportsScheduledNotifications() {
		if topicID, err := s.ensureTopic(ctx, action); err != nil {
			s.logger.Warn("scheduled topic unavailable, running silent",
				"action", action.ID, "error", err)
		} else {
			p.Origin = s.surface.Origin()
			p.TopicID = topicID
		}
	}

	s.logger.Info("scheduled action fired",
		"action", action.ID, "agent", p.AgentID, "origin", p.Origin, "topic", p.TopicID)
	select {
	case out <- p:
	case <-ctx.Done():
	}
}

// ensureTopic reuses the action's thread from earlier fires when the
// surface still has it, provisioning a fresh one otherwise.
func (s *Scheduler) ensureTopic(ctx context.Context, action ScheduledAction) (int64, error) {
	if action.TopicID != 0 {
		exists, err := s.surface.ThreadExists(ctx, action.ChatID, action.TopicID)
		if err == nil && exists {
			return action.TopicID, nil
		}
	}
	topicID, err := s.surface.ProvisionThread(ctx, action.ChatID, scheduledThreadName, action.Description)
	if err != nil {
		return 0, err
	}
	action.TopicID = topicID
	if err := s.store.UpdateScheduledAction(ctx, action); err != nil {
		s.logger.Warn("persisting scheduled topic failed", "action", action.ID, "error", err)
	}
	return topicID, nil
}

// composeScheduledBody turns the stored action into the prompt the agent
// sees: the description, any prescribed tool calls, and the synthesis
// instruction.
func composeScheduledBody(action ScheduledAction) string {
	var b strings.Builder
	b.WriteString(action.Description)
	if action.ToolCalls != "" {
		var calls []ScheduledToolCall
		if err := json.Unmarshal([]byte(action.ToolCalls), &calls); err == nil && len(calls) > 0 {
			b.WriteString("\n\nRun these tools first:")
			for _, c := range calls {
				b.WriteString(fmt.Sprintf("\n- %s %s", c.Tool, string(c.Params)))
			}
		}
	}
	if action.SynthesisPrompt != "" {
		b.WriteString("\n\n")
		b.WriteString(action.SynthesisPrompt)
	}
	return b.String()
}

// silentTopicID derives a stable synthetic thread id from the action id so
// repeated silent fires of one action share an agent thread.
func silentTopicID(actionID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(actionID))
	id := int64(h.Sum64() &^ (1 << 63))
	if id == 0 {
		id = 1
	}
	return id
}
