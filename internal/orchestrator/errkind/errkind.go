// Package errkind enumerates the error taxonomy spec.md §7 defines,
// generalizing the teacher's internal/orchestrator/handler.go ad hoc
// substring-based isTransientError classification into a typed kind, while
// keeping that same substring heuristic (see llm.IsTransient) as the
// fallback classifier for errors crossing an arbitrary HTTP client boundary.
package errkind

// Kind is one member of the spec.md §7 error taxonomy.
type Kind string

const (
	None              Kind = ""
	Transport         Kind = "transport"
	RateLimited       Kind = "rate_limited"
	Schema            Kind = "schema"
	Server            Kind = "server"
	Timeout           Kind = "timeout"
	Parse             Kind = "parse"
	Refusal           Kind = "refusal"
	Format            Kind = "format"
	DuplicateQuery    Kind = "duplicate_query"
	ContextOverflow   Kind = "context_overflow"
	TooManyRollbacks  Kind = "too_many_rollbacks"
	MaxTurns          Kind = "max_turns"
)

// Fatal reports whether a Kind ends the task with no further attempt
// (spec.md §7: "too_many_rollbacks, timeout, unrecoverable transport ->
// fatal"). Format/schema/parse/refusal/duplicate_query are rollback causes,
// not fatal; context_overflow/max_turns are natural terminations that
// proceed to finalization.
func (k Kind) Fatal() bool {
	switch k {
	case TooManyRollbacks, Timeout, Transport:
		return true
	default:
		return false
	}
}

// Rollback reports whether a Kind is one of the rollback-triggering causes
// the orchestrator's guards 3-6 produce.
func (k Kind) Rollback() bool {
	switch k {
	case Schema, Parse, Refusal, Format, DuplicateQuery, Server, RateLimited:
		return true
	default:
		return false
	}
}
