package jobs

import "github.com/UniQw/uniqw-jobs/internal/events"

// Event is a job lifecycle notification published by servers with PublishEvents set.
type Event = events.Event

// EventKind names a lifecycle transition.
type EventKind = events.Kind

const (
	EventClaimed   = events.Claimed
	EventProgress  = events.Progress
	EventRetrying  = events.Retrying
	EventCompleted = events.Completed
	EventFailed    = events.Failed
)
