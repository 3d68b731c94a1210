// Package jobqueue is a durable Redis job queue with bounded retries.
//
// Layout per queue name:
//
//	queue:<name>:wait     list of ready job ids
//	queue:<name>:active   list of claimed job ids
//	queue:<name>:delayed  zset of job ids scored by ready time (ms)
//	queue:<name>:failed   zset of exhausted job ids scored by failure time (ms)
//	queue:<name>:claimed  zset of active job ids scored by visibility deadline (ms)
//	queue:<name>:job:<id> hash with the job record
//
// Delivery is at least once. Handlers must tolerate re-delivery.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/ids"
	"github.com/ariefcatur/go-order-fulfillment/internal/redisx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrJobNotFound = errors.New("job not found")

// ErrPermanent marks a failure that retrying cannot fix.
var ErrPermanent = errors.New("permanent job failure")

// Permanent wraps err so the job skips its remaining attempts.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Backoff     time.Duration   `json:"backoff"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	FailedAt    time.Time       `json:"failed_at,omitempty"`
}

// Decode unmarshals the job payload into T.
func Decode[T any](j *Job) (T, error) {
	var t T
	if err := json.Unmarshal(j.Payload, &t); err != nil {
		return t, Permanent(fmt.Errorf("decode %s payload: %w", j.Type, err))
	}
	return t, nil
}

// EnqueueOptions zero values fall back to the queue defaults.
type EnqueueOptions struct {
	Attempts int
	Backoff  time.Duration
	Delay    time.Duration
}

type Options struct {
	Attempts int           // default 3
	Backoff  time.Duration // base delay, doubled per attempt; default 2s
	// Visibility is how long a claimed job may stay active before it is
	// handed out again. Default 5m.
	Visibility time.Duration
}

type Queue struct {
	rdb  redis.UniversalClient
	name string
	opts Options
	ids  ids.Generator
	log  *zap.Logger
	now  func() time.Time
}

func New(rdb redis.UniversalClient, name string, opts Options, gen ids.Generator, log *zap.Logger) *Queue {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 2 * time.Second
	}
	if opts.Visibility <= 0 {
		opts.Visibility = 5 * time.Minute
	}
	return &Queue{rdb: rdb, name: name, opts: opts, ids: gen, log: log, now: time.Now}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) key(part string) string  { return fmt.Sprintf(redisx.KeyQueue, q.name, part) }
func (q *Queue) jobKey(id string) string { return fmt.Sprintf(redisx.KeyQueueJob, q.name, id) }

// Enqueue stores a new job and makes it ready now or after opts.Delay.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, opts EnqueueOptions) (*Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", jobType, err)
	}
	if opts.Attempts <= 0 {
		opts.Attempts = q.opts.Attempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = q.opts.Backoff
	}
	now := q.now()
	j := &Job{
		ID:          q.ids.NewID(),
		Type:        jobType,
		Payload:     body,
		MaxAttempts: opts.Attempts,
		Backoff:     opts.Backoff,
		CreatedAt:   now,
	}

	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.jobKey(j.ID),
			"id", j.ID,
			"type", j.Type,
			"payload", string(j.Payload),
			"attempts", 0,
			"max_attempts", j.MaxAttempts,
			"backoff_ms", j.Backoff.Milliseconds(),
			"created_at", now.UnixMilli(),
		)
		if opts.Delay > 0 {
			p.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(now.Add(opts.Delay).UnixMilli()), Member: j.ID})
		} else {
			p.LPush(ctx, q.key("wait"), j.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	return j, nil
}

// claimScript returns expired claims to the ready list, promotes due
// delayed jobs, then moves one ready job to active with a new deadline.
var claimScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[4], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, id in ipairs(expired) do
	redis.call("ZREM", KEYS[4], id)
	if redis.call("LREM", KEYS[3], 1, id) > 0 then
		redis.call("RPUSH", KEYS[2], id)
	end
end
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
	redis.call("ZREM", KEYS[1], id)
	redis.call("LPUSH", KEYS[2], id)
end
local id = redis.call("RPOPLPUSH", KEYS[2], KEYS[3])
if id then
	redis.call("ZADD", KEYS[4], ARGV[3], id)
end
return id
`)

// Claim takes the next ready job and counts the attempt. It returns nil
// when nothing is ready. A job not completed or failed within the
// visibility timeout is claimed again by a later call.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	for {
		now := q.now()
		id, err := claimScript.Run(ctx, q.rdb,
			[]string{q.key("delayed"), q.key("wait"), q.key("active"), q.key("claimed")},
			now.UnixMilli(), 100, now.Add(q.opts.Visibility).UnixMilli(),
		).Text()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("claim: %w", err)
		}

		var fields *redis.MapStringStringCmd
		_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HIncrBy(ctx, q.jobKey(id), "attempts", 1)
			fields = p.HGetAll(ctx, q.jobKey(id))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", id, err)
		}
		j, err := decodeJob(fields.Val())
		if err != nil {
			// Record vanished or is corrupt; drop the id and move on.
			q.log.Error("dropping unreadable job", zap.String("queue", q.name), zap.String("job_id", id), zap.Error(err))
			q.rdb.LRem(ctx, q.key("active"), 1, id)
			q.rdb.ZRem(ctx, q.key("claimed"), id)
			q.rdb.Del(ctx, q.jobKey(id))
			continue
		}
		return j, nil
	}
}

// Complete removes a finished job.
func (q *Queue) Complete(ctx context.Context, j *Job) error {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.key("active"), 1, j.ID)
		p.ZRem(ctx, q.key("claimed"), j.ID)
		p.Del(ctx, q.jobKey(j.ID))
		return nil
	})
	return err
}

// Fail records cause and either schedules another attempt after the
// backoff or retains the job in the failed set. It reports whether the
// job will be retried.
func (q *Queue) Fail(ctx context.Context, j *Job, cause error) (bool, error) {
	now := q.now()
	j.LastError = cause.Error()
	retry := !errors.Is(cause, ErrPermanent) && j.Attempts < j.MaxAttempts

	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.key("active"), 1, j.ID)
		p.ZRem(ctx, q.key("claimed"), j.ID)
		if retry {
			p.HSet(ctx, q.jobKey(j.ID), "last_error", j.LastError)
			p.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(now.Add(q.Backoff(j)).UnixMilli()), Member: j.ID})
			return nil
		}
		j.FailedAt = now
		p.HSet(ctx, q.jobKey(j.ID), "last_error", j.LastError, "failed_at", now.UnixMilli())
		p.ZAdd(ctx, q.key("failed"), redis.Z{Score: float64(now.UnixMilli()), Member: j.ID})
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("fail %s: %w", j.ID, err)
	}
	return retry, nil
}

// Backoff is the delay before the attempt following j.Attempts.
func (q *Queue) Backoff(j *Job) time.Duration {
	n := max(j.Attempts, 1)
	return j.Backoff << (n - 1)
}

// Failed lists exhausted jobs, most recent first.
func (q *Queue) Failed(ctx context.Context, limit int64) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	idsList, err := q.rdb.ZRevRange(ctx, q.key("failed"), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Job, 0, len(idsList))
	for _, id := range idsList {
		m, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
		if err != nil {
			return nil, err
		}
		j, err := decodeJob(m)
		if err != nil {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

// Retry moves a failed job back to the ready list with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, id string) error {
	removed, err := q.rdb.ZRem(ctx, q.key("failed"), id).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return fmt.Errorf("%w: %s is not in the failed set", ErrJobNotFound, id)
	}
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.jobKey(id), "attempts", 0)
		p.HDel(ctx, q.jobKey(id), "failed_at")
		p.LPush(ctx, q.key("wait"), id)
		return nil
	})
	return err
}

type Stats struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Delayed int64 `json:"delayed"`
	Failed  int64 `json:"failed"`
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var w, a, d, f *redis.IntCmd
	_, err := q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		w = p.LLen(ctx, q.key("wait"))
		a = p.LLen(ctx, q.key("active"))
		d = p.ZCard(ctx, q.key("delayed"))
		f = p.ZCard(ctx, q.key("failed"))
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	return Stats{Waiting: w.Val(), Active: a.Val(), Delayed: d.Val(), Failed: f.Val()}, nil
}

func decodeJob(m map[string]string) (*Job, error) {
	if m["id"] == "" || m["type"] == "" {
		return nil, errors.New("missing job record")
	}
	j := &Job{
		ID:        m["id"],
		Type:      m["type"],
		Payload:   json.RawMessage(m["payload"]),
		LastError: m["last_error"],
	}
	j.Attempts, _ = strconv.Atoi(m["attempts"])
	j.MaxAttempts, _ = strconv.Atoi(m["max_attempts"])
	backoff, _ := strconv.ParseInt(m["backoff_ms"], 10, 64)
	j.Backoff = time.Duration(backoff) * time.Millisecond
	if ms, err := strconv.ParseInt(m["created_at"], 10, 64); err == nil {
		j.CreatedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(m["failed_at"], 10, 64); err == nil {
		j.FailedAt = time.UnixMilli(ms)
	}
	return j, nil
}
