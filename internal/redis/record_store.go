package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-task-submit/internal/domain"
	"github.com/ramiqadoumi/go-task-submit/internal/store"
)

// Records live in one hash per task. A sorted set per state, scored by the
// time of the last update, backs ListStale.
const (
	recordPrefix     = "task:record:"
	stateIndexPrefix = "task:state:"
)

func recordKey(id string) string { return recordPrefix + id }

func stateIndexKey(s domain.State) string { return stateIndexPrefix + string(s) }

// createScript inserts a record only if the key does not exist.
//
// KEYS[1] record hash, KEYS[2] state index
// ARGV[1] id, ARGV[2] update score, ARGV[3..] field/value pairs
var createScript = redis.NewScript(`
if redis.call("exists", KEYS[1]) == 1 then
	return 0
end
redis.call("hset", KEYS[1], unpack(ARGV, 3))
redis.call("zadd", KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// transitionScript applies a state change if the current state is one of the
// allowed sources. With a claim attempt set, it also refuses older attempts and
// RUNNING records whose claim has not expired.
//
// KEYS[1] record hash
// ARGV[1] state index prefix, ARGV[2] next state, ARGV[3] now, ARGV[4] now score,
// ARGV[5] "1" when next is terminal, ARGV[6] comma-separated sources,
// ARGV[7] claim attempt or "", ARGV[8..] extra field/value pairs
//
// Returns {1, previous} on success, {0, ""} if missing, {-1, current} if refused.
var transitionScript = redis.NewScript(`
local current = redis.call("hget", KEYS[1], "state")
if not current then
	return {0, ""}
end
local allowed = false
for s in string.gmatch(ARGV[6], "[^,]+") do
	if s == current then
		allowed = true
	end
end
if not allowed then
	return {-1, current}
end
if ARGV[7] ~= "" then
	local attempts = tonumber(redis.call("hget", KEYS[1], "attempt_count") or "0")
	if tonumber(ARGV[7]) < attempts then
		return {-1, current}
	end
	local claimed = redis.call("hget", KEYS[1], "claimed_score")
	if current == "RUNNING" and claimed and tonumber(claimed) > tonumber(ARGV[4]) then
		return {-1, current}
	end
end
local id = redis.call("hget", KEYS[1], "id")
redis.call("zrem", ARGV[1] .. current, id)
redis.call("zadd", ARGV[1] .. ARGV[2], ARGV[4], id)
redis.call("hset", KEYS[1], "state", ARGV[2], "updated_at", ARGV[3], "updated_score", ARGV[4])
if ARGV[5] == "1" then
	redis.call("hset", KEYS[1], "completed_at", ARGV[3])
end
if #ARGV > 7 then
	redis.call("hset", KEYS[1], unpack(ARGV, 8))
end
return {1, current}
`)

// requeueScript stamps a SUBMITTED record that has not been updated since the
// stale cutoff.
//
// KEYS[1] record hash, KEYS[2] SUBMITTED index
// ARGV[1] id, ARGV[2] cutoff score, ARGV[3] now, ARGV[4] now score
//
// Returns {1, ""} on success, {0, ""} if missing, {-1, current} if not
// SUBMITTED, {-2, current} if updated since the cutoff.
var requeueScript = redis.NewScript(`
local current = redis.call("hget", KEYS[1], "state")
if not current then
	return {0, ""}
end
if current ~= "SUBMITTED" then
	return {-1, current}
end
local updated = redis.call("hget", KEYS[1], "updated_score") or "0"
if tonumber(updated) >= tonumber(ARGV[2]) then
	return {-2, current}
end
redis.call("hset", KEYS[1], "updated_at", ARGV[3], "updated_score", ARGV[4])
redis.call("zadd", KEYS[2], ARGV[4], ARGV[1])
return {1, ""}
`)

// RecordStore is a store.Store on Redis. Every transition runs as one Lua
// script, so the state check and the write are atomic.
type RecordStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRecordStore creates a RecordStore on client.
func NewRecordStore(client *redis.Client) *RecordStore {
	return &RecordStore{client: client, now: func() time.Time { return time.Now().UTC() }}
}

var _ store.Store = (*RecordStore)(nil)

func (s *RecordStore) Create(ctx context.Context, rec *domain.TaskRecord) error {
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = rec.CreatedAt
	}
	args := []any{
		rec.ID, timeScore(updated),
		"id", rec.ID,
		"handler_name", rec.HandlerName,
		"state", string(rec.State),
		"payload", rec.Payload,
		"priority", string(rec.Priority),
		"attempt_count", rec.AttemptCount,
		"created_at", formatTime(rec.CreatedAt),
		"updated_at", formatTime(updated),
		"updated_score", timeScore(updated),
	}
	created, err := createScript.Run(ctx, s.client,
		[]string{recordKey(rec.ID), stateIndexKey(rec.State)}, args...).Int()
	if err != nil {
		return &domain.StoreUnavailableError{Op: "create " + rec.ID, Err: err}
	}
	if created == 0 {
		return &domain.DuplicateTaskError{TaskID: rec.ID}
	}
	return nil
}

func (s *RecordStore) Get(ctx context.Context, id string) (*domain.TaskRecord, error) {
	fields, err := s.client.HGetAll(ctx, recordKey(id)).Result()
	if err != nil {
		return nil, &domain.StoreUnavailableError{Op: "get " + id, Err: err}
	}
	if len(fields) == 0 {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	rec, err := decodeRecord(fields)
	if err != nil {
		return nil, &domain.StoreUnavailableError{Op: "decode " + id, Err: err}
	}
	return rec, nil
}

func (s *RecordStore) MarkRunning(ctx context.Context, id string, attemptCount int, claimUntil time.Time) error {
	err := s.transition(ctx, id, domain.StateRunning, strconv.Itoa(attemptCount),
		"attempt_count", attemptCount,
		"claimed_until", formatTime(claimUntil),
		"claimed_score", timeScore(claimUntil))

	var invalid *domain.InvalidTransitionError
	if errors.As(err, &invalid) && invalid.From.CanTransitionTo(domain.StateRunning) {
		if rec, getErr := s.Get(ctx, id); getErr == nil {
			invalid.Reason = rec.ClaimRefusal(attemptCount, s.now())
		}
	}
	return err
}

func (s *RecordStore) MarkRequeued(ctx context.Context, id string, staleBefore time.Time) error {
	now := s.now()
	res, err := requeueScript.Run(ctx, s.client,
		[]string{recordKey(id), stateIndexKey(domain.StateSubmitted)},
		id, timeScore(staleBefore), formatTime(now), timeScore(now)).Slice()
	if err != nil {
		return &domain.StoreUnavailableError{Op: "mark requeued " + id, Err: err}
	}
	code, current, err := scriptReply(res)
	if err != nil {
		return &domain.StoreUnavailableError{Op: "mark requeued " + id, Err: err}
	}
	switch code {
	case 1:
		return nil
	case 0:
		return &domain.TaskNotFoundError{TaskID: id}
	case -2:
		return &domain.InvalidTransitionError{
			TaskID: id, From: current, To: domain.StateSubmitted, Reason: "re-dispatched recently",
		}
	default:
		return &domain.InvalidTransitionError{TaskID: id, From: current, To: domain.StateSubmitted}
	}
}

func (s *RecordStore) MarkRetrying(ctx context.Context, id string, kind domain.ErrorKind, errMsg string) error {
	return s.transition(ctx, id, domain.StateRetrying, "", "error", errMsg, "error_kind", string(kind))
}

func (s *RecordStore) MarkSucceeded(ctx context.Context, id string, result []byte) error {
	return s.transition(ctx, id, domain.StateSucceeded, "", "result", result, "error", "", "error_kind", "")
}

func (s *RecordStore) MarkFailed(ctx context.Context, id string, kind domain.ErrorKind, errMsg string) error {
	return s.transition(ctx, id, domain.StateFailed, "", "error", errMsg, "error_kind", string(kind))
}

func (s *RecordStore) ListStale(ctx context.Context, state domain.State, olderThan time.Time, limit int) ([]*domain.TaskRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRangeByScore(ctx, stateIndexKey(state), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + timeScore(olderThan),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, &domain.StoreUnavailableError{Op: "list stale", Err: err}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, recordKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, &domain.StoreUnavailableError{Op: "list stale", Err: err}
	}

	out := make([]*domain.TaskRecord, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := decodeRecord(fields)
		if err != nil {
			return nil, &domain.StoreUnavailableError{Op: "decode", Err: err}
		}
		out = append(out, rec)
	}
	return out, nil
}

// transition runs transitionScript. claimAttempt is the attempt number a
// RUNNING claim is checked against, or "" for no claim check.
func (s *RecordStore) transition(ctx context.Context, id string, next domain.State, claimAttempt string, fields ...any) error {
	sources := make([]string, 0, 3)
	for _, st := range domain.SourcesFor(next) {
		sources = append(sources, string(st))
	}
	terminal := "0"
	if next.IsTerminal() {
		terminal = "1"
	}

	now := s.now()
	args := append([]any{
		stateIndexPrefix, string(next), formatTime(now), timeScore(now), terminal,
		strings.Join(sources, ","), claimAttempt,
	}, fields...)
	res, err := transitionScript.Run(ctx, s.client, []string{recordKey(id)}, args...).Slice()
	if err != nil {
		return &domain.StoreUnavailableError{Op: fmt.Sprintf("mark %s %s", next, id), Err: err}
	}
	code, current, err := scriptReply(res)
	if err != nil {
		return &domain.StoreUnavailableError{Op: "mark " + id, Err: err}
	}
	switch code {
	case 1:
		return nil
	case 0:
		return &domain.TaskNotFoundError{TaskID: id}
	default:
		return &domain.InvalidTransitionError{TaskID: id, From: current, To: next}
	}
}

// scriptReply unpacks the {code, state} pair the record scripts return.
func scriptReply(res []any) (int64, domain.State, error) {
	if len(res) != 2 {
		return 0, "", fmt.Errorf("unexpected script reply %v", res)
	}
	code, _ := res[0].(int64)
	current, _ := res[1].(string)
	return code, domain.State(current), nil
}

func decodeRecord(f map[string]string) (*domain.TaskRecord, error) {
	rec := &domain.TaskRecord{
		ID:          f["id"],
		HandlerName: f["handler_name"],
		State:       domain.State(f["state"]),
		Payload:     []byte(f["payload"]),
		Priority:    domain.Priority(f["priority"]),
		Error:       f["error"],
		ErrorKind:   domain.ErrorKind(f["error_kind"]),
	}
	if r, ok := f["result"]; ok && r != "" {
		rec.Result = []byte(r)
	}

	var err error
	if rec.AttemptCount, err = strconv.Atoi(f["attempt_count"]); err != nil {
		return nil, fmt.Errorf("attempt_count: %w", err)
	}
	if rec.CreatedAt, err = parseTime(f["created_at"]); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(f["updated_at"]); err != nil {
		return nil, fmt.Errorf("updated_at: %w", err)
	}
	if c, ok := f["claimed_until"]; ok && c != "" {
		t, err := parseTime(c)
		if err != nil {
			return nil, fmt.Errorf("claimed_until: %w", err)
		}
		rec.ClaimedUntil = &t
	}
	if c, ok := f["completed_at"]; ok && c != "" {
		t, err := parseTime(c)
		if err != nil {
			return nil, fmt.Errorf("completed_at: %w", err)
		}
		rec.CompletedAt = &t
	}
	return rec, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

func timeScore(t time.Time) string { return strconv.FormatInt(t.UnixMicro(), 10) }
