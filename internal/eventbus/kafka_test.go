package eventbus

import (
	"context"
	"testing"
)

func TestNilPublisherPublishIsNoop(t *testing.T) {
	var p *Publisher
	if err := p.Publish(context.Background(), CompletionEnvelope{TaskID: "t1"}); err != nil {
		t.Fatalf("expected nil-publisher Publish to be a no-op, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("expected nil-publisher Close to be a no-op, got %v", err)
	}
}

func TestNewBuildsWriterForTopic(t *testing.T) {
	p := New([]string{"localhost:9092"}, "task.completions")
	if p.topic != "task.completions" {
		t.Fatalf("expected topic task.completions, got %q", p.topic)
	}
	if p.writer == nil {
		t.Fatalf("expected a non-nil kafka writer")
	}
	_ = p.Close()
}
