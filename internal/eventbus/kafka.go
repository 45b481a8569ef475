// Package eventbus optionally fans a task's final outcome out to a Kafka
// topic, for deployments that feed task completions into a downstream
// pipeline (spec.md §11). It is purely additive: nothing on the single
// task's SSE response path depends on it, and a nil/disabled Publisher is a
// silent no-op.
//
// Grounded on the teacher's internal/orchestrator/handler.go
// ResponseEnvelope shape and kafka.Writer usage.
package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// CompletionEnvelope is the record published for one finished task, modeled
// on the teacher's ResponseEnvelope (handler.go) but carrying the
// orchestrator's own outcome vocabulary instead of a generic "status" string.
type CompletionEnvelope struct {
	TaskID    string `json:"task_id"`
	Role      string `json:"role"`
	Outcome   string `json:"outcome"`
	Answer    string `json:"answer,omitempty"`
	Error     string `json:"error,omitempty"`
	FinishedAtUnix int64 `json:"finished_at_unix"`
}

// Publisher writes CompletionEnvelopes to a configured topic.
type Publisher struct {
	writer *kafka.Writer
	topic  string
}

// New builds a Publisher against the given brokers and topic. Callers only
// construct one when TASK_COMPLETION_TOPIC is configured (see
// cmd/agentrunner-server/main.go); there is no default topic.
func New(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
		},
		topic: topic,
	}
}

// Publish writes one completion record. Errors are returned for the caller
// to log; publication never blocks or fails the task itself since it always
// runs after the task's own result has already been returned to the client.
func (p *Publisher) Publish(ctx context.Context, env CompletionEnvelope) error {
	if p == nil {
		return nil
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(env.TaskID),
		Value: payload,
		Time:  time.Unix(env.FinishedAtUnix, 0),
	})
}

// Close releases the underlying writer's connections.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}
