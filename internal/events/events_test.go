package events

import (
	"context"
	"testing"
	"time"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishSubscribe(t *testing.T) {
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()
	bus := New(rdb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan struct{})
	got := make(chan Event, 1)
	done := make(chan error, 1)
	go func() {
		done <- bus.Subscribe(ctx, func() { close(ready) }, func(ev Event) { got <- ev })
	}()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not ready")
	}

	require.NoError(t, bus.Publish(context.Background(), Event{Kind: Progress, JobID: "j1", Queue: "media", Progress: 40, At: 1}))

	select {
	case ev := <-got:
		require.Equal(t, Progress, ev.Kind)
		require.Equal(t, "j1", ev.JobID)
		require.Equal(t, 40, ev.Progress)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe did not return after cancel")
	}
}

func TestBus_NilPublishIsNoop(t *testing.T) {
	var b *Bus
	require.NoError(t, b.Publish(context.Background(), Event{Kind: Claimed}))
}
