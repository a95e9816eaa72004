// Package events publishes committed phase transitions to downstream
// consumers.
package events

import (
	"context"
	"strings"
	"sync"

	"github.com/pitabwire/batchflow/model"
)

// Publisher delivers phase events after they have been committed.
type Publisher interface {
	Publish(ctx context.Context, events ...model.PhaseEvent) error
	Close()
}

// NopPublisher discards every event.
type NopPublisher struct{}

// Publish does nothing.
func (NopPublisher) Publish(context.Context, ...model.PhaseEvent) error { return nil }

// Close does nothing.
func (NopPublisher) Close() {}

// Subject returns the subject an event is published on:
// {prefix}.{batch_id}.{event}.
func Subject(prefix string, evt model.PhaseEvent) string {
	return prefix + "." + subjectToken(evt.BatchID) + "." + subjectToken(evt.Event)
}

var tokenReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return tokenReplacer.Replace(s)
}

// Recorder keeps published events in memory. For testing.
type Recorder struct {
	mu     sync.Mutex
	events []model.PhaseEvent
	err    error
}

// Publish records events, or returns the configured failure.
func (r *Recorder) Publish(_ context.Context, events ...model.PhaseEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, events...)
	return nil
}

// Close does nothing.
func (r *Recorder) Close() {}

// FailWith makes subsequent Publish calls return err.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []model.PhaseEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.PhaseEvent, len(r.events))
	copy(out, r.events)
	return out
}
