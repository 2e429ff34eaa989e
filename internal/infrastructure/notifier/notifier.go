// Package notifier fans engine notifications (score changes, producer
// lifecycle, diagnostic packet events) out to the configured sinks.
package notifier

import (
	"time"

	"go.uber.org/zap"

	"relaycast/internal/core/ports"
)

// Notification is the envelope delivered to every sink.
type Notification struct {
	TargetID  string      `json:"targetId"`
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Sink delivers notifications to one destination. Deliver must not
// block: the media path emits synchronously.
type Sink interface {
	Deliver(n Notification)
}

// Fanout implements ports.Notifier over a fixed set of sinks.
type Fanout struct {
	sinks  []Sink
	logger *zap.SugaredLogger
}

var _ ports.Notifier = (*Fanout)(nil)

func NewFanout(logger *zap.SugaredLogger, sinks ...Sink) *Fanout {
	return &Fanout{
		sinks:  sinks,
		logger: logger.With("component", "notifier"),
	}
}

// AddSink registers an additional sink. Not safe to call after the
// first Emit.
func (f *Fanout) AddSink(s Sink) {
	f.sinks = append(f.sinks, s)
}

func (f *Fanout) Emit(targetID string, event string, data interface{}) {
	n := Notification{
		TargetID:  targetID,
		Event:     event,
		Timestamp: time.Now(),
		Data:      data,
	}

	f.logger.Debugw("notification", "target_id", targetID, "event", event)

	for _, s := range f.sinks {
		s.Deliver(n)
	}
}
