// Package store implements the durable queue store on Redis.
// Every state transition of a job record runs inside a Lua script so that
// concurrent workers observe claim, progress, log and finalize atomically.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrStoreUnavailable wraps every transport-level Redis failure.
	ErrStoreUnavailable = errors.New("jobs: store unavailable")
	// ErrNotActive is returned when a job is mutated outside its active attempt.
	ErrNotActive = errors.New("jobs: job is not active")
	// ErrInvalidProgress is returned for progress outside [0,100] or lower than the last value.
	ErrInvalidProgress = errors.New("jobs: invalid progress")
	// ErrLogFull is returned when the per-job log cap is reached; the entry is dropped.
	ErrLogFull = errors.New("jobs: job log is full")
	// ErrJobNotFound is returned when no record exists for an id.
	ErrJobNotFound = errors.New("jobs: job not found")
	// ErrDuplicateJob is returned when enqueueing an id that already exists.
	ErrDuplicateJob = errors.New("jobs: duplicate job id")
	// ErrActiveState is returned when an operation is not allowed on an active job.
	ErrActiveState = errors.New("jobs: operation not allowed on active job")
	// ErrNotFailed is returned when requeueing a job that is not in the failed state.
	ErrNotFailed = errors.New("jobs: job is not failed")
	// ErrUnknownState is returned for an unrecognized state name.
	ErrUnknownState = errors.New("jobs: unknown state")
)

// Job states as persisted in the record hash.
const (
	StatePending   = "pending"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// farFuture is the lease score used when lease expiry is disabled.
const farFuture = int64(1) << 62

// Record is the stored representation of a job. Timestamps are unix milliseconds.
type Record struct {
	ID             string
	Queue          string
	Type           string
	Payload        []byte
	State          string
	Progress       int
	Attempts       int
	MaxAttempts    int
	Result         []byte
	LastError      string
	CreatedAt      int64
	UpdatedAt      int64
	NextEligibleAt int64
	StartedAt      int64
	CompletedAt    int64
	Log            []LogEntry
}

// LogEntry is one timestamped line of a job log.
type LogEntry struct {
	At      int64  `json:"at"`
	Message string `json:"msg"`
}

// Outcome is what a worker reports when an attempt ends.
type Outcome struct {
	Success   bool
	Retryable bool
	// Result is the encoded terminal result; stored only on completed/failed.
	Result []byte
	// Error is the failure message surfaced as the job's last error.
	Error string
	// LeaseDeadline, when > 0, finalizes only if the lease expired at or before it.
	LeaseDeadline int64
}

// Policy carries the per-queue retry and retention settings applied by Finalize.
type Policy struct {
	Backoff      func(attempt int) time.Duration
	CompletedCap int
	FailedCap    int
}

// Final describes the state a job reached in Finalize.
type Final struct {
	State          string
	NextEligibleAt int64
	// Evicted lists ids removed by retention trimming.
	Evicted []string
}

// Lease identifies an active attempt whose lease has expired.
type Lease struct {
	ID      string
	Attempt int
	Expiry  int64
}

// Store is the Redis-backed queue store.
type Store struct {
	rdb redis.UniversalClient
	now func() time.Time
}

// New creates a store on top of a Redis client.
func New(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb, now: time.Now}
}

func (s *Store) nowMs() int64 { return s.now().UnixMilli() }

// unavailable marks err as a store-level failure.
func unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// encodeJSON encodes value using stdlib json.Marshal for lower latency in encoding.
func encodeJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

func itoa(n int) string     { return strconv.Itoa(n) }
func i64toa(n int64) string { return strconv.FormatInt(n, 10) }

// toFields converts a flat HGETALL reply into a map.
func toFields(res any) (map[string]string, error) {
	arr, ok := res.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected reply type %T", res)
	}
	out := make(map[string]string, len(arr)/2)
	for i := 0; i+1 < len(arr); i += 2 {
		k, _ := arr[i].(string)
		v, _ := arr[i+1].(string)
		out[k] = v
	}
	return out, nil
}

// decodeRecord builds a Record from the fields of a job hash.
func decodeRecord(f map[string]string) *Record {
	atoi := func(k string) int {
		n, _ := strconv.Atoi(f[k])
		return n
	}
	atoi64 := func(k string) int64 {
		n, _ := strconv.ParseInt(f[k], 10, 64)
		return n
	}
	r := &Record{
		ID:             f["id"],
		Queue:          f["queue"],
		Type:           f["type"],
		State:          f["state"],
		Progress:       atoi("progress"),
		Attempts:       atoi("attempts"),
		MaxAttempts:    atoi("max_attempts"),
		LastError:      f["last_error"],
		CreatedAt:      atoi64("created_at"),
		UpdatedAt:      atoi64("updated_at"),
		NextEligibleAt: atoi64("next_eligible_at"),
		StartedAt:      atoi64("started_at"),
		CompletedAt:    atoi64("completed_at"),
	}
	if p, ok := f["payload"]; ok {
		r.Payload = []byte(p)
	}
	if res := f["result"]; res != "" {
		r.Result = []byte(res)
	}
	return r
}

// decodeLog parses raw log list items; malformed entries are skipped.
func decodeLog(items []string) []LogEntry {
	if len(items) == 0 {
		return nil
	}
	out := make([]LogEntry, 0, len(items))
	for _, it := range items {
		var e LogEntry
		if err := sonic.UnmarshalString(it, &e); err == nil {
			out = append(out, e)
		}
	}
	return out
}

// scriptStatus runs a script that replies with a single status string.
func scriptStatus(ctx context.Context, rdb redis.UniversalClient, sc *redis.Script, keys []string, args ...any) (string, error) {
	res, err := sc.Run(ctx, rdb, keys, args...).Text()
	if err != nil {
		return "", unavailable(err)
	}
	return res, nil
}
