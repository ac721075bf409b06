package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-task-submit/internal/domain"
	"github.com/ramiqadoumi/go-task-submit/internal/queue"
)

// Key layout. Lanes are lists with the tail on the left and the head on the
// right. In-flight deliveries are a sorted set of receipts scored by deadline
// plus a hash from receipt to "lane|envelope". Delayed envelopes are a sorted
// set of "lane|nonce|envelope" scored by due time. Bodies that do not decode
// as an envelope are moved to the MalformedKey list.
const (
	laneKeyPrefix = "queue:lane:"
	inFlightKey   = "queue:inflight"
	deliveriesKey = "queue:deliveries"
	delayedKey    = "queue:delayed"

	// MalformedKey holds raw bodies that could not be decoded, newest first.
	MalformedKey = "queue:malformed"
)

// errDiscarded reports that the claimed body was quarantined and Dequeue
// should claim again.
var errDiscarded = errors.New("malformed envelope discarded")

const defaultPollInterval = 100 * time.Millisecond

// claimScript moves expired deliveries back to the head of their lane and due
// delayed envelopes to the tail of theirs, then pops the head of the first
// non-empty lane and records it as in flight.
//
// KEYS[1] inflight, KEYS[2] deliveries, KEYS[3] delayed, KEYS[4..] lanes in priority order
// ARGV[1] now ms, ARGV[2] visibility ms, ARGV[3] receipt, ARGV[4..] lane names matching KEYS[4..]
var claimScript = redis.NewScript(`
local laneKeys = {}
for i = 4, #KEYS do
	laneKeys[ARGV[i]] = KEYS[i]
end
local now = tonumber(ARGV[1])

local expired = redis.call("zrangebyscore", KEYS[1], "-inf", ARGV[1])
for i = #expired, 1, -1 do
	local receipt = expired[i]
	local item = redis.call("hget", KEYS[2], receipt)
	redis.call("zrem", KEYS[1], receipt)
	redis.call("hdel", KEYS[2], receipt)
	if item then
		local sep = string.find(item, "|", 1, true)
		local key = laneKeys[string.sub(item, 1, sep - 1)]
		if key then
			redis.call("rpush", key, string.sub(item, sep + 1))
		end
	end
end

local due = redis.call("zrangebyscore", KEYS[3], "-inf", ARGV[1])
for _, item in ipairs(due) do
	redis.call("zrem", KEYS[3], item)
	local sep1 = string.find(item, "|", 1, true)
	local sep2 = string.find(item, "|", sep1 + 1, true)
	local key = laneKeys[string.sub(item, 1, sep1 - 1)]
	if key then
		redis.call("lpush", key, string.sub(item, sep2 + 1))
	end
end

for i = 4, #KEYS do
	local env = redis.call("rpop", KEYS[i])
	if env then
		local deadline = now + tonumber(ARGV[2])
		redis.call("zadd", KEYS[1], deadline, ARGV[3])
		redis.call("hset", KEYS[2], ARGV[3], ARGV[i] .. "|" .. env)
		return {ARGV[i], env, deadline}
	end
end
return false
`)

// ackScript removes an in-flight receipt. Returns 0 if it is no longer in flight.
var ackScript = redis.NewScript(`
if redis.call("zrem", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("hdel", KEYS[2], ARGV[1])
return 1
`)

// quarantineScript takes a claimed receipt out of flight and parks its body.
//
// KEYS[1] inflight, KEYS[2] deliveries, KEYS[3] malformed
// ARGV[1] receipt, ARGV[2] body
var quarantineScript = redis.NewScript(`
redis.call("zrem", KEYS[1], ARGV[1])
redis.call("hdel", KEYS[2], ARGV[1])
redis.call("lpush", KEYS[3], ARGV[2])
return 1
`)

// WorkQueue is a queue.Queue on Redis. It is safe for use by many processes:
// all state lives in Redis and every multi-key step is a Lua script.
type WorkQueue struct {
	client       *redis.Client
	lanes        []string
	laneKeys     []string
	visibility   time.Duration
	pollInterval time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// WorkQueueOption configures a WorkQueue.
type WorkQueueOption func(*WorkQueue)

// WithLanes sets the lane names, highest priority first.
func WithLanes(lanes ...string) WorkQueueOption {
	return func(q *WorkQueue) { q.lanes = slices.Clone(lanes) }
}

// WithVisibilityTimeout sets how long a delivery may stay unacknowledged.
func WithVisibilityTimeout(d time.Duration) WorkQueueOption {
	return func(q *WorkQueue) { q.visibility = d }
}

// WithPollInterval sets how often an idle Dequeue checks Redis again.
func WithPollInterval(d time.Duration) WorkQueueOption {
	return func(q *WorkQueue) { q.pollInterval = d }
}

// NewWorkQueue creates a WorkQueue on client.
func NewWorkQueue(client *redis.Client, opts ...WorkQueueOption) *WorkQueue {
	q := &WorkQueue{
		client:       client,
		lanes:        slices.Clone(domain.Lanes),
		visibility:   5 * time.Minute,
		pollInterval: defaultPollInterval,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.laneKeys = make([]string, len(q.lanes))
	for i, lane := range q.lanes {
		q.laneKeys[i] = laneKeyPrefix + lane
	}
	return q
}

var _ queue.Queue = (*WorkQueue)(nil)

func (q *WorkQueue) Enqueue(ctx context.Context, env *domain.Envelope, delay time.Duration) error {
	if q.isClosed() {
		return queue.ErrClosed
	}
	lane := env.Priority.Lane()
	idx := slices.Index(q.lanes, lane)
	if idx < 0 {
		return fmt.Errorf("%w: %s", queue.ErrUnknownLane, lane)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope %s: %w", env.ID, err)
	}

	if delay > 0 {
		member := lane + "|" + uuid.NewString() + "|" + string(body)
		due := ceilMillis(time.Now().Add(delay))
		err = q.client.ZAdd(ctx, delayedKey, redis.Z{Score: float64(due), Member: member}).Err()
	} else {
		err = q.client.LPush(ctx, q.laneKeys[idx], body).Err()
	}
	if err != nil {
		return fmt.Errorf("redis enqueue %s: %w", env.ID, err)
	}
	return nil
}

func (q *WorkQueue) Dequeue(ctx context.Context) (*queue.Delivery, error) {
	for {
		if q.isClosed() {
			return nil, queue.ErrClosed
		}
		d, err := q.claim(ctx)
		if errors.Is(err, errDiscarded) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if d != nil {
			return d, nil
		}

		t := time.NewTimer(q.pollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-q.done:
			t.Stop()
			return nil, queue.ErrClosed
		case <-t.C:
		}
	}
}

func (q *WorkQueue) claim(ctx context.Context) (*queue.Delivery, error) {
	receipt := uuid.NewString()
	keys := append([]string{inFlightKey, deliveriesKey, delayedKey}, q.laneKeys...)
	args := []any{time.Now().UnixMilli(), q.visibility.Milliseconds(), receipt}
	for _, lane := range q.lanes {
		args = append(args, lane)
	}

	res, err := claimScript.Run(ctx, q.client, keys, args...).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis dequeue: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("redis dequeue: unexpected reply %v", res)
	}

	lane, _ := res[0].(string)
	body, _ := res[1].(string)
	deadline, _ := res[2].(int64)

	var env domain.Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil || env.ID == "" {
		// Left in flight, the body would be redelivered forever.
		qerr := quarantineScript.Run(ctx, q.client,
			[]string{inFlightKey, deliveriesKey, MalformedKey}, receipt, body).Err()
		if qerr != nil {
			return nil, fmt.Errorf("redis quarantine malformed envelope: %w", qerr)
		}
		return nil, errDiscarded
	}
	return &queue.Delivery{
		Envelope: &env,
		Lane:     lane,
		Receipt:  receipt,
		Deadline: time.UnixMilli(deadline),
	}, nil
}

func (q *WorkQueue) Ack(ctx context.Context, d *queue.Delivery) error {
	n, err := ackScript.Run(ctx, q.client, []string{inFlightKey, deliveriesKey}, d.Receipt).Int()
	if err != nil {
		return fmt.Errorf("redis ack %s: %w", d.Envelope.ID, err)
	}
	if n == 0 {
		return queue.ErrUnknownReceipt
	}
	return nil
}

func (q *WorkQueue) Stats(ctx context.Context) (queue.Stats, error) {
	pipe := q.client.Pipeline()
	lens := make([]*redis.IntCmd, len(q.laneKeys))
	for i, key := range q.laneKeys {
		lens[i] = pipe.LLen(ctx, key)
	}
	inflight := pipe.ZCard(ctx, inFlightKey)
	delayed := pipe.ZCard(ctx, delayedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return queue.Stats{}, fmt.Errorf("redis queue stats: %w", err)
	}

	s := queue.Stats{
		Ready:    make(map[string]int, len(q.lanes)),
		InFlight: int(inflight.Val()),
		Delayed:  int(delayed.Val()),
	}
	for i, lane := range q.lanes {
		s.Ready[lane] = int(lens[i].Val())
	}
	return s, nil
}

// Close stops local Dequeue calls. The Redis client and the queued data are untouched.
func (q *WorkQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

func (q *WorkQueue) isClosed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// ceilMillis rounds t up to whole milliseconds so an envelope never becomes due early.
func ceilMillis(t time.Time) int64 {
	return (t.UnixNano() + int64(time.Millisecond) - 1) / int64(time.Millisecond)
}
