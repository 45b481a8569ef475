// Package httpserver implements the §6 HTTP surface: OpenAI-compatible and
// extended chat-completions SSE endpoints plus a health probe, grounded on
// the teacher's internal/orchestrator/handler.go net/http SSE writer (now
// removed in favor of this package), generalized from "one global
// orchestrator" to acquiring a lease from a pool.Pool per request.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"agentrunner/internal/eventbus"
	"agentrunner/internal/orchestrator"
	"agentrunner/internal/persistence"
	"agentrunner/internal/pool"
	"agentrunner/internal/streaming"
)

// ChatMessage is one entry of a chat-completions request body.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the request body both /v1 and /v2 accept (spec.md §6).
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// lastUserContent returns the final "user" message's content as the task
// text the orchestrator runs, matching the teacher's chat-completions
// handler's "last user turn is the task" convention.
func (r ChatRequest) lastUserContent() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	return ""
}

// TaskTimeout bounds one HTTP request's end-to-end orchestrator run
// (spec.md §5 "global per-task timeout (e.g., 30 min)").
var TaskTimeout = 30 * time.Minute

// Server wires the pool into the three §6 HTTP handlers.
type Server struct {
	pool  *pool.Pool
	mux   *http.ServeMux
	store *persistence.Store
	bus   *eventbus.Publisher
}

// Option configures optional, additive Server behavior.
type Option func(*Server)

// WithPersistence asynchronously persists every task's task_log once it
// ends (spec.md §11); omit for a headless-only deployment.
func WithPersistence(store *persistence.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithEventBus fans each task's completion out to a Kafka topic (spec.md
// §11) once it ends; omit when no downstream consumer is configured.
func WithEventBus(bus *eventbus.Publisher) Option {
	return func(s *Server) { s.bus = bus }
}

// New builds a Server backed by p.
func New(p *pool.Pool, opts ...Option) *Server {
	s := &Server{pool: p, mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("/v1/chat/completions", s.handleV1)
	s.mux.HandleFunc("/v2/chat/completions", s.handleV2)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active, size := s.pool.Health()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":          "healthy",
		"active_requests": active,
		"pool_size":       size,
	})
}

func (s *Server) handleV1(w http.ResponseWriter, r *http.Request) {
	s.handleChat(w, r, func() adapter { return streaming.NewV1Adapter() })
}

func (s *Server) handleV2(w http.ResponseWriter, r *http.Request) {
	s.handleChat(w, r, func() adapter { return streaming.NewV2Adapter(nil) })
}

// adapter is the shape both streaming.V1Adapter and streaming.V2Adapter
// satisfy, letting handleChat stay version-agnostic.
type adapter interface {
	Handle(orchestrator.Event) []streaming.Chunk
	Done() bool
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, newAdapter func() adapter) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	task := req.lastUserContent()

	ctx, cancel := context.WithTimeout(r.Context(), TaskTimeout)
	defer cancel()

	lease, err := s.pool.Acquire(ctx)
	if err != nil {
		http.Error(w, fmt.Sprintf("server busy: %v", err), http.StatusServiceUnavailable)
		return
	}
	defer lease.Release()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	taskID := uuid.NewString()
	a := newAdapter()
	streamSink := orchestrator.SinkFunc(func(e orchestrator.Event) {
		for _, chunk := range a.Handle(e) {
			writeChunk(w, chunk)
		}
		flusher.Flush()
	})
	recorder := persistence.NewRecorder(taskID, "main", s.store)
	var outcome, answer string
	completionSink := orchestrator.SinkFunc(func(e orchestrator.Event) {
		switch e.Kind {
		case orchestrator.EventFinalAnswer:
			answer = e.Text
		case orchestrator.EventAgentEnded:
			outcome = string(e.Outcome)
		}
	})
	sink := persistence.FanOut(streamSink, recorder, completionSink)

	_, _, err = lease.Orchestrator.RunWithSink(ctx, task, sink)
	if err != nil {
		log.Error().Err(err).Msg("httpserver_task_error")
	}
	if !a.Done() {
		// Defensive: RunWithSink returned without ever closing the stream
		// (should only happen on an unhandled error path). Still terminate
		// the SSE stream cleanly per spec.md §6.
		writeChunk(w, streaming.Chunk{})
	}
	fmt.Fprintf(w, "data: %s\n\n", streaming.DoneSentinel)
	flusher.Flush()

	if s.bus != nil {
		go func() {
			pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			env := eventbus.CompletionEnvelope{TaskID: taskID, Role: "main", Outcome: outcome, Answer: answer, FinishedAtUnix: time.Now().Unix()}
			if err := s.bus.Publish(pubCtx, env); err != nil {
				log.Warn().Err(err).Msg("eventbus_publish_failed")
			}
		}()
	}
}

func writeChunk(w http.ResponseWriter, c streaming.Chunk) {
	b, err := streaming.Marshal(c)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", b)
}
