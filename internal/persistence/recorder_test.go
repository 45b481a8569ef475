package persistence

import (
	"testing"

	"agentrunner/internal/orchestrator"
)

func TestRecorderNilStoreIsNoop(t *testing.T) {
	r := NewRecorder("t1", "main", nil)
	r.Emit(orchestrator.Event{Kind: orchestrator.EventAgentStarted})
	r.Emit(orchestrator.Event{Kind: orchestrator.EventFinalAnswer, Text: "42"})
	r.Emit(orchestrator.Event{Kind: orchestrator.EventAgentEnded, Outcome: orchestrator.OutcomeSuccess})
	if r.answer != "42" {
		t.Fatalf("expected recorder to capture final answer, got %q", r.answer)
	}
	if len(r.events) != 3 {
		t.Fatalf("expected 3 recorded events, got %d", len(r.events))
	}
}

func TestFanOutEmitsToEverySink(t *testing.T) {
	var a, b []orchestrator.EventKind
	sinkA := orchestrator.SinkFunc(func(e orchestrator.Event) { a = append(a, e.Kind) })
	sinkB := orchestrator.SinkFunc(func(e orchestrator.Event) { b = append(b, e.Kind) })
	fan := FanOut(sinkA, nil, sinkB)

	fan.Emit(orchestrator.Event{Kind: orchestrator.EventAgentStarted})

	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("expected both sinks to receive the event, got a=%v b=%v", a, b)
	}
}
