package store

import (
	"context"
	"errors"
	"time"

	"github.com/UniQw/uniqw-jobs/internal/keys"
	"github.com/redis/go-redis/v9"
)

// Enqueue persists r in the pending state. Zero timestamps default to now.
// It returns ErrDuplicateJob if the id is already known.
func (s *Store) Enqueue(ctx context.Context, r *Record) error {
	now := s.nowMs()
	if r.CreatedAt == 0 {
		r.CreatedAt = now
	}
	if r.NextEligibleAt == 0 {
		r.NextEligibleAt = now
	}
	r.UpdatedAt = now
	r.State = StatePending
	r.Progress = 0
	r.Attempts = 0

	// Reserve the id globally first; roll back if the queue write fails.
	ok, err := s.rdb.HSetNX(ctx, keys.Index, r.ID, r.Queue).Result()
	if err != nil {
		return unavailable(err)
	}
	if !ok {
		return ErrDuplicateJob
	}

	k := keys.For(r.Queue)
	args := []any{
		r.ID, i64toa(r.NextEligibleAt),
		"id", r.ID,
		"queue", r.Queue,
		"type", r.Type,
		"payload", r.Payload,
		"state", r.State,
		"progress", "0",
		"attempts", "0",
		"max_attempts", itoa(r.MaxAttempts),
		"created_at", i64toa(r.CreatedAt),
		"updated_at", i64toa(r.UpdatedAt),
		"next_eligible_at", i64toa(r.NextEligibleAt),
	}
	created, err := enqueueScript.Run(ctx, s.rdb, []string{k.Job(r.ID), k.Pending}, args...).Int()
	if err != nil {
		// The reply may be lost after the write landed; keep the index then.
		if n, xerr := s.rdb.Exists(ctx, k.Job(r.ID)).Result(); xerr == nil && n == 0 {
			_ = s.rdb.HDel(ctx, keys.Index, r.ID).Err()
		}
		return unavailable(err)
	}
	if created == 0 {
		return ErrDuplicateJob
	}
	return nil
}

// Claim atomically takes the oldest pending job of queue whose next-eligible
// time has passed. It returns nil, nil when nothing is eligible.
// A non-positive leaseTTL disables lease expiry for the attempt.
func (s *Store) Claim(ctx context.Context, queue string, leaseTTL time.Duration) (*Record, error) {
	k := keys.For(queue)
	now := s.now()
	lease := farFuture
	if leaseTTL > 0 {
		lease = now.Add(leaseTTL).UnixMilli()
	}
	res, err := claimScript.Run(ctx, s.rdb, []string{k.Pending, k.Active},
		i64toa(now.UnixMilli()), i64toa(lease), k.Prefix).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	if res == nil {
		return nil, nil
	}
	f, err := toFields(res)
	if err != nil {
		return nil, unavailable(err)
	}
	return decodeRecord(f), nil
}

// ReportProgress sets the progress of the given attempt. Progress must be in
// [0,100] and must not decrease within the attempt.
func (s *Store) ReportProgress(ctx context.Context, queue, id string, attempt, percent int) error {
	if percent < 0 || percent > 100 {
		return ErrInvalidProgress
	}
	st, err := scriptStatus(ctx, s.rdb, progressScript, []string{keys.Job(queue, id)},
		itoa(attempt), itoa(percent), i64toa(s.nowMs()))
	if err != nil {
		return err
	}
	switch st {
	case "ok":
		return nil
	case "regress":
		return ErrInvalidProgress
	default:
		return ErrNotActive
	}
}

// AppendLog appends a timestamped message to the live log of the given attempt.
// When maxEntries > 0 and the log already holds that many entries the message
// is dropped and ErrLogFull is returned; existing entries are never truncated.
func (s *Store) AppendLog(ctx context.Context, queue, id string, attempt int, message string, maxEntries int) error {
	now := s.nowMs()
	entry := encodeJSON(LogEntry{At: now, Message: message})
	st, err := scriptStatus(ctx, s.rdb, appendLogScript, []string{keys.Job(queue, id), keys.Log(queue, id)},
		itoa(attempt), entry, itoa(maxEntries), i64toa(now))
	if err != nil {
		return err
	}
	switch st {
	case "ok":
		return nil
	case "full":
		return ErrLogFull
	default:
		return ErrNotActive
	}
}

// Heartbeat extends the lease of the given attempt to now+leaseTTL.
func (s *Store) Heartbeat(ctx context.Context, queue, id string, attempt int, leaseTTL time.Duration) error {
	k := keys.For(queue)
	st, err := scriptStatus(ctx, s.rdb, heartbeatScript, []string{k.Job(id), k.Active},
		itoa(attempt), i64toa(s.now().Add(leaseTTL).UnixMilli()), id)
	if err != nil {
		return err
	}
	if st != "ok" {
		return ErrNotActive
	}
	return nil
}

// Finalize ends the given attempt with out. A failed attempt goes back to
// pending after p.Backoff(attempt) when it is retryable and attempts remain,
// otherwise it becomes failed. Retention trimming runs in the same script.
// Finalizing a job that is not active in that attempt returns ErrNotActive.
func (s *Store) Finalize(ctx context.Context, queue, id string, attempt int, out Outcome, p Policy) (*Final, error) {
	k := keys.For(queue)
	now := s.now()
	next := now
	if !out.Success && p.Backoff != nil {
		next = now.Add(p.Backoff(attempt))
	}
	success, retryable := "0", "0"
	if out.Success {
		success = "1"
	}
	if out.Retryable {
		retryable = "1"
	}
	res, err := finalizeScript.Run(ctx, s.rdb,
		[]string{k.Job(id), k.Pending, k.Active, k.Completed, k.Failed, k.Seq},
		itoa(attempt),
		i64toa(now.UnixMilli()),
		success,
		retryable,
		i64toa(next.UnixMilli()),
		out.Result,
		out.Error,
		itoa(p.CompletedCap),
		itoa(p.FailedCap),
		k.Prefix,
		id,
		i64toa(out.LeaseDeadline),
	).StringSlice()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(res) == 0 || res[0] == "not_active" {
		return nil, ErrNotActive
	}
	fin := &Final{State: res[0], Evicted: res[1:]}
	if fin.State == StatePending {
		fin.NextEligibleAt = next.UnixMilli()
	}
	if len(fin.Evicted) > 0 {
		ids := make([]string, len(fin.Evicted))
		copy(ids, fin.Evicted)
		if err := s.rdb.HDel(ctx, keys.Index, ids...).Err(); err != nil {
			return fin, unavailable(err)
		}
	}
	return fin, nil
}

// ExpiredLeases returns up to limit active attempts of queue whose lease has expired.
func (s *Store) ExpiredLeases(ctx context.Context, queue string, limit int) ([]Lease, error) {
	k := keys.For(queue)
	zs, err := s.rdb.ZRangeByScoreWithScores(ctx, k.Active, &redis.ZRangeBy{
		Min: "-inf", Max: i64toa(s.nowMs()), Offset: 0, Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(zs) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.StringCmd, len(zs))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, z := range zs {
			id, _ := z.Member.(string)
			cmds[i] = p.HGet(ctx, k.Job(id), "attempts")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable(err)
	}
	out := make([]Lease, 0, len(zs))
	for i, z := range zs {
		id, _ := z.Member.(string)
		n, err := cmds[i].Int()
		if err != nil {
			continue
		}
		out = append(out, Lease{ID: id, Attempt: n, Expiry: int64(z.Score)})
	}
	return out, nil
}

// Get returns the record for id including its live log.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	queue, err := s.rdb.HGet(ctx, keys.Index, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	recs, err := s.load(ctx, queue, []string{id})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrJobNotFound
	}
	return recs[0], nil
}

// List returns up to limit records of queue in state. Pending and active jobs
// are ordered by eligibility; completed and failed jobs most recent first.
// A non-positive limit returns all.
func (s *Store) List(ctx context.Context, queue, state string, limit int) ([]*Record, error) {
	k := keys.For(queue)
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	var ids []string
	var err error
	switch state {
	case StatePending:
		ids, err = s.rdb.ZRange(ctx, k.Pending, 0, stop).Result()
	case StateActive:
		ids, err = s.rdb.ZRange(ctx, k.Active, 0, stop).Result()
	case StateCompleted:
		ids, err = s.rdb.ZRevRange(ctx, k.Completed, 0, stop).Result()
	case StateFailed:
		ids, err = s.rdb.ZRevRange(ctx, k.Failed, 0, stop).Result()
	default:
		return nil, ErrUnknownState
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return s.load(ctx, queue, ids)
}

// load fetches hashes and logs for ids in one round trip, skipping missing ones.
func (s *Store) load(ctx context.Context, queue string, ids []string) ([]*Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	k := keys.For(queue)
	hcmds := make([]*redis.MapStringStringCmd, len(ids))
	lcmds := make([]*redis.StringSliceCmd, len(ids))
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			hcmds[i] = p.HGetAll(ctx, k.Job(id))
			lcmds[i] = p.LRange(ctx, k.Log(id), 0, -1)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable(err)
	}
	out := make([]*Record, 0, len(ids))
	for i := range ids {
		f, err := hcmds[i].Result()
		if err != nil || len(f) == 0 {
			continue
		}
		r := decodeRecord(f)
		items, _ := lcmds[i].Result()
		r.Log = decodeLog(items)
		out = append(out, r)
	}
	return out, nil
}

// Delete removes a non-active job. Active jobs are owned by a worker and
// return ErrActiveState.
func (s *Store) Delete(ctx context.Context, id string) error {
	queue, err := s.rdb.HGet(ctx, keys.Index, id).Result()
	if errors.Is(err, redis.Nil) {
		return ErrJobNotFound
	}
	if err != nil {
		return unavailable(err)
	}
	k := keys.For(queue)
	st, err := scriptStatus(ctx, s.rdb, deleteScript,
		[]string{k.Job(id), k.Pending, k.Completed, k.Failed, k.Log(id)}, id)
	if err != nil {
		return err
	}
	switch st {
	case "active":
		return ErrActiveState
	case "missing":
		_ = s.rdb.HDel(ctx, keys.Index, id).Err()
		return ErrJobNotFound
	}
	if err := s.rdb.HDel(ctx, keys.Index, id).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Requeue moves a failed job back to pending with its attempt counter reset.
// A positive maxAttempts replaces the stored budget.
func (s *Store) Requeue(ctx context.Context, id string, maxAttempts int, delay time.Duration) error {
	queue, err := s.rdb.HGet(ctx, keys.Index, id).Result()
	if errors.Is(err, redis.Nil) {
		return ErrJobNotFound
	}
	if err != nil {
		return unavailable(err)
	}
	k := keys.For(queue)
	now := s.now()
	st, err := scriptStatus(ctx, s.rdb, requeueScript,
		[]string{k.Job(id), k.Pending, k.Failed, k.Log(id)},
		id, i64toa(now.Add(delay).UnixMilli()), i64toa(now.UnixMilli()), itoa(maxAttempts))
	if err != nil {
		return err
	}
	if st != "ok" {
		return ErrNotFailed
	}
	return nil
}
