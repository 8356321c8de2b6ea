// Package events carries the engine's outbound notifications: executed
// liquidations, cascade detections and breaker transitions. Publishers fan
// them out to Kafka and connected WebSocket clients.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies an event kind.
type Type string

const (
	LiquidationExecuted Type = "liquidation_executed"
	CascadeDetected     Type = "cascade_detected"
	BreakerTripped      Type = "breaker_tripped"
	BreakerResolved     Type = "breaker_resolved"
)

// Event is one notification. Scope is a market ID or the venue scope.
type Event struct {
	ID    string    `json:"id"`
	Type  Type      `json:"type"`
	Scope string    `json:"scope"`
	Cycle int64     `json:"cycle"`
	At    time.Time `json:"at"`
	Data  any       `json:"data,omitempty"`
}

// New stamps an event with a fresh ID and the current time.
func New(t Type, scope string, cycle int64, data any) Event {
	return Event{
		ID:    uuid.New().String(),
		Type:  t,
		Scope: scope,
		Cycle: cycle,
		At:    time.Now().UTC(),
		Data:  data,
	}
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, evs ...Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, ...Event) error { return nil }

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evs ...Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, evs...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, evs ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evs...)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
