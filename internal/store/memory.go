package store

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/ramiqadoumi/go-task-submit/internal/domain"
)

// Memory is a Store backed by a map. Used by tests and single-process mode.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*domain.TaskRecord
	now     func() time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) MemoryOption { return func(m *Memory) { m.now = now } }

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		records: make(map[string]*domain.TaskRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ Store = (*Memory)(nil)

func (m *Memory) Create(_ context.Context, rec *domain.TaskRecord) error {
	if rec == nil {
		return errors.New("record cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.ID]; exists {
		return &domain.DuplicateTaskError{TaskID: rec.ID}
	}
	cp := cloneRecord(rec)
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	m.records[rec.ID] = cp
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*domain.TaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return cloneRecord(rec), nil
}

func (m *Memory) MarkRunning(_ context.Context, id string, attemptCount int, claimUntil time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[id]; ok {
		if reason := rec.ClaimRefusal(attemptCount, m.now()); reason != "" {
			return &domain.InvalidTransitionError{TaskID: id, From: rec.State, To: domain.StateRunning, Reason: reason}
		}
	}
	return m.transitionLocked(id, domain.StateRunning, func(rec *domain.TaskRecord) {
		rec.AttemptCount = attemptCount
		claim := claimUntil.UTC()
		rec.ClaimedUntil = &claim
	})
}

func (m *Memory) MarkRequeued(_ context.Context, id string, staleBefore time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return &domain.TaskNotFoundError{TaskID: id}
	}
	if rec.State != domain.StateSubmitted {
		return &domain.InvalidTransitionError{TaskID: id, From: rec.State, To: domain.StateSubmitted}
	}
	if !rec.UpdatedAt.Before(staleBefore) {
		return &domain.InvalidTransitionError{
			TaskID: id, From: rec.State, To: domain.StateSubmitted, Reason: "re-dispatched recently",
		}
	}
	rec.UpdatedAt = m.now()
	return nil
}

func (m *Memory) MarkRetrying(_ context.Context, id string, kind domain.ErrorKind, errMsg string) error {
	return m.transition(id, domain.StateRetrying, func(rec *domain.TaskRecord) {
		rec.Error = errMsg
		rec.ErrorKind = kind
	})
}

func (m *Memory) MarkSucceeded(_ context.Context, id string, result []byte) error {
	return m.transition(id, domain.StateSucceeded, func(rec *domain.TaskRecord) {
		rec.Result = slices.Clone(result)
		rec.Error = ""
		rec.ErrorKind = ""
	})
}

func (m *Memory) MarkFailed(_ context.Context, id string, kind domain.ErrorKind, errMsg string) error {
	return m.transition(id, domain.StateFailed, func(rec *domain.TaskRecord) {
		rec.Error = errMsg
		rec.ErrorKind = kind
	})
}

func (m *Memory) ListStale(_ context.Context, state domain.State, olderThan time.Time, limit int) ([]*domain.TaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.TaskRecord
	for _, rec := range m.records {
		if rec.State == state && rec.UpdatedAt.Before(olderThan) {
			out = append(out, cloneRecord(rec))
		}
	}
	slices.SortFunc(out, func(a, b *domain.TaskRecord) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// transition applies mutate under the write lock if the record may enter next.
func (m *Memory) transition(id string, next domain.State, mutate func(*domain.TaskRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(id, next, mutate)
}

func (m *Memory) transitionLocked(id string, next domain.State, mutate func(*domain.TaskRecord)) error {
	rec, ok := m.records[id]
	if !ok {
		return &domain.TaskNotFoundError{TaskID: id}
	}
	if !rec.State.CanTransitionTo(next) {
		return &domain.InvalidTransitionError{TaskID: id, From: rec.State, To: next}
	}

	now := m.now()
	mutate(rec)
	rec.State = next
	rec.UpdatedAt = now
	if next.IsTerminal() {
		rec.CompletedAt = &now
	}
	return nil
}

func cloneRecord(rec *domain.TaskRecord) *domain.TaskRecord {
	cp := *rec
	cp.Payload = slices.Clone(rec.Payload)
	cp.Result = slices.Clone(rec.Result)
	if rec.CompletedAt != nil {
		t := *rec.CompletedAt
		cp.CompletedAt = &t
	}
	if rec.ClaimedUntil != nil {
		t := *rec.ClaimedUntil
		cp.ClaimedUntil = &t
	}
	return &cp
}
