package persistence

import (
	"context"
	"time"

	"agentrunner/internal/orchestrator"
)

// Recorder is an orchestrator.Sink that accumulates one task's events and
// persists them to Store when the task ends. A nil Store makes Recorder a
// pure no-op collector, so callers can construct one unconditionally.
type Recorder struct {
	taskID string
	role   string
	store  *Store
	events []EventEntry
	answer string
}

// NewRecorder builds a Recorder for one task. taskID should be unique per
// task; role is the orchestrator role (spec.md §3) recorded alongside it.
func NewRecorder(taskID, role string, store *Store) *Recorder {
	return &Recorder{taskID: taskID, role: role, store: store}
}

// Emit implements orchestrator.Sink.
func (r *Recorder) Emit(e orchestrator.Event) {
	entry := EventEntry{Kind: string(e.Kind), Text: e.Text, Tool: e.Tool}
	switch e.Kind {
	case orchestrator.EventFinalAnswer:
		r.answer = e.Text
	case orchestrator.EventAgentEnded:
		entry.Outcome = string(e.Outcome)
	}
	r.events = append(r.events, entry)
	if e.Kind != orchestrator.EventAgentEnded {
		return
	}
	rec := Record{
		TaskID:     r.taskID,
		Role:       r.role,
		Outcome:    string(e.Outcome),
		Answer:     r.answer,
		Events:     r.events,
		FinishedAt: time.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = r.store.Persist(ctx, rec)
	}()
}

// FanOut combines multiple sinks into one, emitting each event to every
// non-nil sink in order. Used to run the streaming adapter and the
// persistence Recorder off the same event stream without either depending
// on the other (spec.md §11).
func FanOut(sinks ...orchestrator.Sink) orchestrator.Sink {
	return orchestrator.SinkFunc(func(e orchestrator.Event) {
		for _, s := range sinks {
			if s != nil {
				s.Emit(e)
			}
		}
	})
}
