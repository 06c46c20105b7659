// Package notify pushes run events to operators.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/vk/stagegrid/internal/ctxlog"
	"github.com/vk/stagegrid/internal/run"
	"github.com/vk/stagegrid/internal/scheduler"
)

// Message is the payload published for every run status change.
type Message struct {
	Type    string          `json:"type"`
	Run     string          `json:"run_id"`
	Stage   string          `json:"stage"`
	Status  run.Status      `json:"status"`
	Agent   string          `json:"agent,omitempty"`
	Trigger run.TriggerKind `json:"trigger"`
	Failure *run.Failure    `json:"failure,omitempty"`
	At      time.Time       `json:"at"`
}

// NewMessage summarizes a run for publishing.
func NewMessage(r run.Run, at time.Time) Message {
	return Message{
		Type:    "run." + string(r.Status),
		Run:     r.ID,
		Stage:   r.Stage,
		Status:  r.Status,
		Agent:   r.Agent,
		Trigger: r.Trigger.Kind,
		Failure: r.Failure,
		At:      at,
	}
}

// Publisher delivers messages to a sink.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Listener adapts a publisher to scheduler events. Delivery failures are
// logged and never affect the run.
func Listener(p Publisher) scheduler.Listener {
	return func(ctx context.Context, ev scheduler.Event) {
		msg := NewMessage(ev.Run, time.Now())
		if err := p.Publish(ctx, msg); err != nil {
			ctxlog.FromContext(ctx).Warn("Publishing run event failed.", "run_id", msg.Run, "type", msg.Type, "error", err)
		}
	}
}

// Log publishes messages to the context logger.
type Log struct{}

func (Log) Publish(ctx context.Context, msg Message) error {
	args := []any{"type", msg.Type, "run_id", msg.Run, "stage", msg.Stage}
	if msg.Agent != "" {
		args = append(args, "agent", msg.Agent)
	}
	if msg.Failure != nil {
		args = append(args, "failure", msg.Failure.Kind)
	}
	ctxlog.FromContext(ctx).Info("📣 Run event.", args...)
	return nil
}

func (Log) Close() error { return nil }

// Multi fans a message out to several publishers.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, msg Message) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}
