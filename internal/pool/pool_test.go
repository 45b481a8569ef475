package pool

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"agentrunner/internal/llm"
	"agentrunner/internal/orchestrator"
	"agentrunner/internal/prompt"
	"agentrunner/internal/testhelpers"
	"agentrunner/internal/toolclient"
)

type noopRegistry struct{}

func (noopRegistry) Catalog() []toolclient.CatalogEntry { return nil }

func (noopRegistry) Invoke(ctx context.Context, server, tool string, args json.RawMessage) toolclient.ToolResult {
	return toolclient.ToolResult{}
}

func newTestOrchestrator() (*orchestrator.Orchestrator, error) {
	fp := &testhelpers.FakeProvider{Resp: llm.Message{Role: "assistant", Content: `\boxed{ok}`}}
	return orchestrator.New(orchestrator.Config{Role: prompt.RoleMain, MaxTurns: 1}, fp, noopRegistry{}, nil, nil, nil), nil
}

func TestPoolAcquireReleaseRoundTrip(t *testing.T) {
	p, err := New(2, 2, newTestOrchestrator)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if active, size := p.Health(); active != 1 || size != 2 {
		t.Fatalf("expected active=1 size=2, got active=%d size=%d", active, size)
	}
	lease.Release()
	if active, _ := p.Health(); active != 0 {
		t.Fatalf("expected active=0 after release, got %d", active)
	}
}

func TestPoolBlocksWhenExhausted(t *testing.T) {
	p, err := New(1, 1, newTestOrchestrator)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); err == nil {
		t.Fatalf("expected second acquire to block until timeout")
	}

	first.Release()
	second, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	second.Release()
}

func TestPoolShutdownRejectsNewAcquisitions(t *testing.T) {
	p, err := New(1, 1, newTestOrchestrator)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Shutdown(10 * time.Millisecond); err != nil {
		t.Fatalf("shutdown with no active leases: %v", err)
	}
	if _, err := p.Acquire(context.Background()); err != ErrClosed {
		t.Fatalf("expected ErrClosed after shutdown, got %v", err)
	}
}

func TestPoolShutdownWaitsForActiveLeases(t *testing.T) {
	p, err := New(1, 1, newTestOrchestrator)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	done := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		lease.Release()
		close(done)
	}()
	if err := p.Shutdown(200 * time.Millisecond); err != nil {
		t.Fatalf("expected shutdown to succeed once lease released, got: %v", err)
	}
	<-done
}

func TestPoolFactoryErrorPropagates(t *testing.T) {
	calls := 0
	failing := func() (*orchestrator.Orchestrator, error) {
		calls++
		if calls == 2 {
			return nil, context.DeadlineExceeded
		}
		return newTestOrchestrator()
	}
	if _, err := New(3, 3, failing); err == nil {
		t.Fatalf("expected factory error to propagate")
	}
}
