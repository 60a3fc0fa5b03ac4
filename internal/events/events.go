// Package events provides the best-effort runtime event recorder. Every
// layer reports state transitions through it; recording failures are logged
// and swallowed so observability can never fail the operation it describes.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/perchboard/perch-agents/internal/bus"
	"github.com/perchboard/perch-agents/internal/store"
)

// Sink persists runtime events.
type Sink interface {
	InsertRuntimeEvent(ctx context.Context, ev store.RuntimeEvent) error
}

// Recorder fans runtime events out to the sink and the in-process bus.
// A nil Recorder is valid and records nothing.
type Recorder struct {
	sink   Sink
	bus    *bus.Bus
	logger *slog.Logger
}

// NewRecorder builds a recorder. Both bus and logger may be nil.
func NewRecorder(sink Sink, eventBus *bus.Bus, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sink: sink, bus: eventBus, logger: logger}
}

// Record appends one runtime event. The swallow-and-log boundary lives here
// and nowhere else: callers never see a recording error.
func (r *Recorder) Record(ctx context.Context, ev store.RuntimeEvent) {
	if r == nil || r.sink == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if err := r.sink.InsertRuntimeEvent(ctx, ev); err != nil {
		r.logger.Warn("runtime event dropped",
			"layer", ev.Layer,
			"operation", ev.Operation,
			"reason_code", ev.ReasonCode,
			"error", err)
		return
	}
	if r.bus != nil {
		r.bus.Publish(bus.TopicRuntimeEvent, ev)
	}
}

// Publish forwards a domain event to the bus without persisting it. Safe on
// a nil Recorder and on a Recorder built without a bus.
func (r *Recorder) Publish(topic string, payload any) {
	if r == nil || r.bus == nil {
		return
	}
	r.bus.Publish(topic, payload)
}
