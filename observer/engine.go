package observer

import (
	"context"
	"time"

	switchboard "github.com/Dethon/switchboard"

	"go.opentelemetry.io/otel/metric"
)

// EngineObserver feeds the engine's ingress, run, and fan-out hooks into
// OTEL counters. One instance can serve all three hook interfaces at once.
type EngineObserver struct {
	inst *Instruments
}

// NewEngineObserver returns engine-level instrumentation over inst.
func NewEngineObserver(inst *Instruments) *EngineObserver {
	return &EngineObserver{inst: inst}
}

// PromptReceived counts one prompt accepted from a surface.
func (o *EngineObserver) PromptReceived(origin string) {
	o.inst.PromptsReceived.Add(context.Background(), 1, metric.WithAttributes(
		AttrOrigin.String(origin),
	))
}

// RunFinished records the duration of one finished prompt run.
func (o *EngineObserver) RunFinished(d time.Duration) {
	o.inst.RunDuration.Record(context.Background(), float64(d.Milliseconds()))
}

// TripleEmitted counts one triple delivered to a surface sink.
func (o *EngineObserver) TripleEmitted(origin string) {
	o.inst.TriplesEmitted.Add(context.Background(), 1, metric.WithAttributes(
		AttrOrigin.String(origin),
	))
}

// BufferEvicted counts entries dropped from a thread's reconnection buffer.
func (o *EngineObserver) BufferEvicted(key switchboard.ThreadKey, n int) {
	o.inst.BufferEvictions.Add(context.Background(), int64(n), metric.WithAttributes(
		AttrAgentID.String(key.AgentID),
	))
}

// RegisterActiveGroups exposes the live thread count as an observable gauge.
// size is typically ThreadRegistry.Size.
func RegisterActiveGroups(inst *Instruments, size func() int) error {
	_, err := inst.Meter.Int64ObservableGauge("engine.groups.active",
		metric.WithDescription("Open per-thread prompt groups"),
		metric.WithUnit("{group}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(size()))
			return nil
		}))
	return err
}

var (
	_ switchboard.IngressObserver = (*EngineObserver)(nil)
	_ switchboard.RunObserver     = (*EngineObserver)(nil)
	_ switchboard.TripleObserver  = (*EngineObserver)(nil)
	_ switchboard.BufferObserver  = (*EngineObserver)(nil)
)
