package jobs

import "time"

type options struct {
	id          string
	delay       time.Duration
	maxAttempts int
}

// Option is a function that configures job behavior during Submit or RetryFailed.
type Option func(*options)

// JobID sets a custom ID for the job. If not provided, a time-ordered UUIDv7 is generated.
func JobID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// Delay makes the job eligible only after the specified duration.
func Delay(d time.Duration) Option {
	return func(o *options) {
		o.delay = d
	}
}

// MaxAttempts sets the maximum number of attempts for the job, including the first.
// It overrides the queue default.
func MaxAttempts(n int) Option {
	return func(o *options) {
		o.maxAttempts = n
	}
}
