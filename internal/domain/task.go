package domain

import (
	"fmt"
	"slices"
	"time"
)

// State is the lifecycle state of a task record.
type State string

const (
	StateSubmitted State = "SUBMITTED"
	StateRunning   State = "RUNNING"
	StateRetrying  State = "RETRYING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
)

// IsTerminal returns true if no further state transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// IsPending reports whether the task has been accepted but has not finished.
func (s State) IsPending() bool {
	return s == StateSubmitted || s == StateRunning || s == StateRetrying
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	return s.IsPending() || s.IsTerminal()
}

// transitionSources lists, for every target state, the states it may be entered from.
// RUNNING -> RUNNING is the re-entry taken when an abandoned delivery is redelivered;
// it is further restricted by TaskRecord.ClaimRefusal.
var transitionSources = map[State][]State{
	StateRunning:   {StateSubmitted, StateRetrying, StateRunning},
	StateRetrying:  {StateRunning},
	StateSucceeded: {StateRunning},
	StateFailed:    {StateSubmitted, StateRunning, StateRetrying},
}

// SourcesFor returns the states from which next may be entered.
func SourcesFor(next State) []State {
	return slices.Clone(transitionSources[next])
}

// CanTransitionTo reports whether moving from s to next keeps the lifecycle monotone.
func (s State) CanTransitionTo(next State) bool {
	return slices.Contains(transitionSources[next], s)
}

// Priority selects the work-queue lane an envelope is routed to.
type Priority string

const (
	PriorityDefault Priority = "default"
	PriorityHigh    Priority = "high"
)

// Lane names, highest priority first.
const (
	LaneHighPriority = "high_priority"
	LaneDefault      = "default"
)

// Lanes is the default lane order used by the work queue.
var Lanes = []string{LaneHighPriority, LaneDefault}

// ParsePriority converts a wire value into a Priority. An empty string means default.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case "", PriorityDefault:
		return PriorityDefault, nil
	case PriorityHigh:
		return PriorityHigh, nil
	}
	return "", &InvalidSubmissionError{Reason: fmt.Sprintf("unknown priority %q", s)}
}

// Lane returns the queue lane for p.
func (p Priority) Lane() string {
	if p == PriorityHigh {
		return LaneHighPriority
	}
	return LaneDefault
}

// Envelope is the queued unit of work. Only Attempt changes after creation.
type Envelope struct {
	ID          string    `json:"id"`
	HandlerName string    `json:"handler_name"`
	Payload     []byte    `json:"payload"`
	Priority    Priority  `json:"priority"`
	Attempt     int       `json:"attempt"`
	CreatedAt   time.Time `json:"created_at"`
}

// NextAttempt returns a copy of e with Attempt incremented.
func (e Envelope) NextAttempt() *Envelope {
	e.Attempt++
	return &e
}

// TaskRecord is the durable lifecycle record of a submitted task.
type TaskRecord struct {
	ID           string     `json:"id"`
	HandlerName  string     `json:"handler_name"`
	State        State      `json:"state"`
	Payload      []byte     `json:"payload,omitempty"`
	Priority     Priority   `json:"priority"`
	Result       []byte     `json:"result,omitempty"`
	Error        string     `json:"error,omitempty"`
	ErrorKind    ErrorKind  `json:"error_kind,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	// ClaimedUntil is the deadline of the delivery that last moved the record to RUNNING.
	ClaimedUntil *time.Time `json:"claimed_until,omitempty"`
}

// ClaimRefusal reports why a delivery starting attempt number attemptCount may
// not move r to RUNNING at now, or "" if it may. An older attempt never runs
// again, and a RUNNING record is only re-entered once the claim of the delivery
// holding it has expired.
func (r *TaskRecord) ClaimRefusal(attemptCount int, now time.Time) string {
	if !r.State.CanTransitionTo(StateRunning) {
		return ""
	}
	if attemptCount < r.AttemptCount {
		return fmt.Sprintf("attempt %d superseded by attempt %d", attemptCount, r.AttemptCount)
	}
	if r.State == StateRunning && r.ClaimedUntil != nil && r.ClaimedUntil.After(now) {
		return fmt.Sprintf("claimed by another delivery until %s", r.ClaimedUntil.Format(time.RFC3339Nano))
	}
	return ""
}

// Envelope rebuilds the first-attempt envelope for the record.
func (r *TaskRecord) Envelope() *Envelope {
	return &Envelope{
		ID:          r.ID,
		HandlerName: r.HandlerName,
		Payload:     r.Payload,
		Priority:    r.Priority,
		CreatedAt:   r.CreatedAt,
	}
}
