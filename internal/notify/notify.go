// Package notify delivers user-facing messages produced by the engine.
package notify

import (
	"context"
	"errors"
)

// Message kinds.
const (
	KindTaskAtRisk   = "task_at_risk"
	KindTaskAssigned = "task_assigned"
)

type Message struct {
	UserID string `json:"user_id"`
	Kind   string `json:"kind"`
	Title  string `json:"title"`
	Body   string `json:"message"`
	Link   string `json:"link,omitempty"`
}

// Sink is fire-and-forget delivery. A returned error means the message was
// not delivered; callers log it and move on.
type Sink interface {
	Notify(ctx context.Context, msg Message) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, msg Message) error

func (f SinkFunc) Notify(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Discard drops every message.
var Discard Sink = SinkFunc(func(context.Context, Message) error { return nil })

// Fanout delivers to every sink and reports the joined failures. A message
// counts as delivered only when all sinks accept it.
type Fanout []Sink

func (f Fanout) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range f {
		if err := s.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
