package jobs

import (
	"time"

	"github.com/UniQw/uniqw-jobs/internal/backoff"
	rtm "github.com/UniQw/uniqw-jobs/internal/runtime"
)

// Queue defaults.
const (
	DefaultWorkers      = 1
	DefaultMaxAttempts  = 3
	DefaultBackoffBase  = backoff.DefaultBase
	DefaultCompletedCap = 10
	DefaultFailedCap    = 50
	DefaultLogCap       = 1000
	DefaultLeaseTTL     = 30 * time.Second
	DefaultIdleMin      = 250 * time.Millisecond
	DefaultIdleMax      = 2 * time.Second
)

// QueueConfig holds the policy of one queue. Zero fields take the defaults above.
type QueueConfig struct {
	// Workers is the number of concurrent workers polling the queue.
	Workers int `yaml:"workers"`
	// MaxAttempts is used by Submit when no MaxAttempts option is given.
	MaxAttempts int `yaml:"max_attempts"`
	// BackoffBase is the delay before the second attempt; it doubles per attempt.
	BackoffBase time.Duration `yaml:"backoff_base"`
	// BackoffMax caps the retry delay. Zero means uncapped.
	BackoffMax time.Duration `yaml:"backoff_max"`
	// BackoffJitter randomizes the delay by up to ±BackoffJitter (at most 0.2).
	BackoffJitter float64 `yaml:"backoff_jitter"`
	// Backoff, when set, replaces the exponential schedule.
	Backoff func(attempt int) time.Duration `yaml:"-"`
	// CompletedCap and FailedCap bound how many terminal jobs are retained.
	// A negative cap retains everything.
	CompletedCap int `yaml:"completed_cap"`
	FailedCap    int `yaml:"failed_cap"`
	// LogCap bounds the log entries per attempt. Negative means unlimited.
	LogCap int `yaml:"log_cap"`
	// LeaseTTL is how long a claim survives without a heartbeat.
	// A negative value disables lease expiry.
	LeaseTTL time.Duration `yaml:"lease_ttl"`
	// IdleMin and IdleMax bound the polling interval of an idle worker.
	IdleMin time.Duration `yaml:"idle_min"`
	IdleMax time.Duration `yaml:"idle_max"`
}

// DefaultQueueConfig returns a QueueConfig with every field set to its default.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{}.withDefaults()
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffJitter < 0 {
		c.BackoffJitter = 0
	} else if c.BackoffJitter > backoff.MaxJitter {
		c.BackoffJitter = backoff.MaxJitter
	}
	if c.CompletedCap == 0 {
		c.CompletedCap = DefaultCompletedCap
	}
	if c.FailedCap == 0 {
		c.FailedCap = DefaultFailedCap
	}
	if c.LogCap == 0 {
		c.LogCap = DefaultLogCap
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.IdleMin <= 0 {
		c.IdleMin = DefaultIdleMin
	}
	if c.IdleMax <= 0 {
		c.IdleMax = DefaultIdleMax
	}
	if c.IdleMax < c.IdleMin {
		c.IdleMax = c.IdleMin
	}
	return c
}

// RetryDelay returns the delay scheduled after the given failed attempt.
func (c QueueConfig) RetryDelay(attempt int) time.Duration {
	return c.backoffFunc()(attempt)
}

func (c QueueConfig) backoffFunc() func(int) time.Duration {
	if c.Backoff != nil {
		return c.Backoff
	}
	return backoff.New(c.BackoffBase, c.BackoffMax, c.BackoffJitter).Delay
}

func (c QueueConfig) runtime() rtm.QueueConfig {
	return rtm.QueueConfig{
		Workers:      c.Workers,
		Backoff:      c.backoffFunc(),
		CompletedCap: c.CompletedCap,
		FailedCap:    c.FailedCap,
		LogCap:       c.LogCap,
		LeaseTTL:     c.LeaseTTL,
		IdleMin:      c.IdleMin,
		IdleMax:      c.IdleMax,
	}
}
