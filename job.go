package jobs

import (
	"encoding/json"
	"time"

	rtm "github.com/UniQw/uniqw-jobs/internal/runtime"
	"github.com/UniQw/uniqw-jobs/internal/store"
	"github.com/bytedance/sonic"
)

// ErrorKind classifies why an attempt failed.
type ErrorKind string

const (
	// KindConfiguration: no handler was registered for the job's (queue, type).
	KindConfiguration ErrorKind = rtm.KindConfiguration
	// KindHandler: the handler returned an error.
	KindHandler ErrorKind = rtm.KindHandler
	// KindPermanent: the handler returned an error marked with Permanent.
	KindPermanent ErrorKind = rtm.KindPermanent
	// KindPanic: the handler panicked.
	KindPanic ErrorKind = rtm.KindPanic
	// KindLeaseExpired: the worker stopped heartbeating before finishing.
	KindLeaseExpired ErrorKind = rtm.KindLeaseExpired
)

// Job is a snapshot of a job record.
type Job struct {
	// ID is the unique, time-ordered identifier of the job.
	ID string `json:"id"`
	// Queue is the name of the queue the job belongs to.
	Queue string `json:"queue"`
	// Type selects the handler within the queue.
	Type string `json:"type"`
	// Payload is the raw job input.
	Payload []byte `json:"payload"`
	State   State  `json:"state"`
	// Progress is the progress (0..100) of the current or last attempt.
	Progress int `json:"progress"`
	// Log holds the entries of the current or last attempt.
	Log []LogEntry `json:"log,omitempty"`
	// Attempts counts claims, including the current one.
	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`
	// Result is set once the job is completed or failed.
	Result *Result `json:"result,omitempty"`
	// LastError is the message of the last failed attempt.
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	NextEligibleAt time.Time `json:"next_eligible_at"`
	StartedAt      time.Time `json:"started_at,omitzero"`
	CompletedAt    time.Time `json:"completed_at,omitzero"`
}

// Result is the terminal outcome of a job.
type Result struct {
	Success bool `json:"success"`
	// Data is the encoded handler return value.
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind ErrorKind       `json:"error_kind,omitempty"`
	// Duration is the wall time of the final attempt.
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
}

// Decode unmarshals the result data into v.
func (r *Result) Decode(v any) error {
	return sonic.Unmarshal(r.Data, v)
}

// LogEntry is one line written through Reporter.Log.
type LogEntry struct {
	At      time.Time `json:"at"`
	Message string    `json:"msg"`
}

func msTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func jobFromRecord(r *store.Record) *Job {
	j := &Job{
		ID:             r.ID,
		Queue:          r.Queue,
		Type:           r.Type,
		Payload:        r.Payload,
		State:          State(r.State),
		Progress:       r.Progress,
		Attempts:       r.Attempts,
		MaxAttempts:    r.MaxAttempts,
		LastError:      r.LastError,
		CreatedAt:      msTime(r.CreatedAt),
		UpdatedAt:      msTime(r.UpdatedAt),
		NextEligibleAt: msTime(r.NextEligibleAt),
		StartedAt:      msTime(r.StartedAt),
		CompletedAt:    msTime(r.CompletedAt),
	}
	if len(r.Log) > 0 {
		j.Log = make([]LogEntry, len(r.Log))
		for i, e := range r.Log {
			j.Log[i] = LogEntry{At: msTime(e.At), Message: e.Message}
		}
	}
	if len(r.Result) > 0 && j.State.Terminal() {
		var res Result
		if err := sonic.Unmarshal(r.Result, &res); err == nil {
			j.Result = &res
		}
	}
	return j
}
