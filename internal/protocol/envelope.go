// Package protocol routes typed command envelopes from agents back
// into the task store: completion reports, status updates, and
// handoff requests that move a task between agents mid-flight.
package protocol

import "time"

// EnvelopeType identifies the kind of command an agent is sending.
type EnvelopeType string

const (
	TypeCompletionReport  EnvelopeType = "completion.report"
	TypeStatusUpdate      EnvelopeType = "status.update"
	TypeHandoffRequest    EnvelopeType = "handoff.request"
	TypeHandoffAccepted   EnvelopeType = "handoff.accepted"
	TypeHandoffRejected   EnvelopeType = "handoff.rejected"
	TypeSessionEnd        EnvelopeType = "session_end"
)

// Outcome is the result an agent reports for a unit of work. done,
// blocked, needs_review, and partial are the vocabulary a worker or
// reviewer actually reports; success and failure are accepted as
// synonyms for done and blocked respectively, for agents that only
// speak the coarser two-outcome vocabulary.
type Outcome string

const (
	OutcomeDone        Outcome = "done"
	OutcomeBlocked     Outcome = "blocked"
	OutcomeNeedsReview Outcome = "needs_review"
	OutcomePartial     Outcome = "partial"

	// Deprecated: accepted as synonyms of OutcomeDone/OutcomeBlocked.
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// normalize maps the deprecated success/failure synonyms onto the
// canonical four-value vocabulary.
func (o Outcome) normalize() Outcome {
	switch o {
	case OutcomeSuccess:
		return OutcomeDone
	case OutcomeFailure:
		return OutcomeBlocked
	default:
		return o
	}
}

// Envelope is one inbound protocol message from an agent.
type Envelope struct {
	Type      EnvelopeType   `json:"type"`
	TaskID    string         `json:"taskId"`
	Agent     string         `json:"agent"`
	SentAt    time.Time      `json:"sentAt"`
	Outcome   Outcome        `json:"outcome,omitempty"`
	Summary   string         `json:"summary,omitempty"`
	Blockers  []string       `json:"blockers,omitempty"`
	ToAgent   string         `json:"toAgent,omitempty"`
	ToRole    string         `json:"toRole,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Heartbeat bool           `json:"heartbeat,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`

	// ReviewRequired is set by a worker reporting OutcomeDone to force
	// the task through its review workflow even though nothing went
	// wrong, e.g. a change the worker flags as high-risk. Nil means
	// "use the task's own reviewRequired metadata default".
	ReviewRequired *bool `json:"reviewRequired,omitempty"`
}

// Validate checks the envelope has the minimum required fields for
// its type before it reaches a handler.
func (e *Envelope) Validate() error {
	if e.TaskID == "" {
		return &ValidationError{Field: "taskId", Reason: "must not be empty"}
	}
	if e.Agent == "" {
		return &ValidationError{Field: "agent", Reason: "must not be empty"}
	}
	switch e.Type {
	case TypeCompletionReport:
		if e.Outcome == "" {
			return &ValidationError{Field: "outcome", Reason: "required for completion.report"}
		}
		outcome := e.Outcome.normalize()
		switch outcome {
		case OutcomeDone, OutcomeBlocked, OutcomeNeedsReview, OutcomePartial:
		default:
			return &ValidationError{Field: "outcome", Reason: "unknown outcome " + string(e.Outcome)}
		}
		if outcome == OutcomeBlocked && len(e.Blockers) == 0 {
			return &ValidationError{Field: "blockers", Reason: "required when outcome is blocked"}
		}
		if outcome == OutcomeNeedsReview && len(e.Blockers) == 0 && e.Summary == "" {
			return &ValidationError{Field: "blockers", Reason: "needs_review requires blockers or a summary explaining what to review"}
		}
	case TypeHandoffRequest:
		if e.ToAgent == "" && e.ToRole == "" {
			return &ValidationError{Field: "toAgent/toRole", Reason: "handoff.request needs one target"}
		}
	case TypeStatusUpdate, TypeHandoffAccepted, TypeHandoffRejected, TypeSessionEnd:
		// no additional required fields
	default:
		return &ValidationError{Field: "type", Reason: "unknown envelope type " + string(e.Type)}
	}
	return nil
}

// ValidationError reports a malformed envelope field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid envelope field " + e.Field + ": " + e.Reason
}
