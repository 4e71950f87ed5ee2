// Package events publishes job lifecycle events over Redis pub/sub.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/UniQw/uniqw-jobs/internal/keys"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// Kind names a lifecycle transition.
type Kind string

const (
	Claimed   Kind = "claimed"
	Progress  Kind = "progress"
	Retrying  Kind = "retrying"
	Completed Kind = "completed"
	Failed    Kind = "failed"
)

// Event is one lifecycle notification. Timestamps are unix milliseconds.
type Event struct {
	Kind     Kind   `json:"kind"`
	JobID    string `json:"job_id"`
	Queue    string `json:"queue"`
	Type     string `json:"type"`
	Attempt  int    `json:"attempt"`
	Progress int    `json:"progress,omitempty"`
	Error    string `json:"error,omitempty"`
	// NextEligibleAt is set on Retrying events.
	NextEligibleAt int64 `json:"next_eligible_at,omitempty"`
	At             int64 `json:"at"`
}

// Bus publishes and consumes events on a single channel.
type Bus struct {
	rdb     redis.UniversalClient
	channel string
}

// New returns a bus on the default events channel.
func New(rdb redis.UniversalClient) *Bus {
	return &Bus{rdb: rdb, channel: keys.Events}
}

// Publish sends ev. A nil bus is a no-op.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if b == nil {
		return nil
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

// Subscribe delivers events to fn until ctx is done. Undecodable messages
// are skipped. The ready callback, if set, runs once the subscription is live.
func (b *Bus) Subscribe(ctx context.Context, ready func(), fn func(Event)) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	if ready != nil {
		ready()
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := sonic.UnmarshalString(msg.Payload, &ev); err != nil {
				continue
			}
			fn(ev)
		}
	}
}
