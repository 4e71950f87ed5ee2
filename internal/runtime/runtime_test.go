package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/UniQw/uniqw-jobs/internal/events"
	"github.com/UniQw/uniqw-jobs/internal/hctx"
	"github.com/UniQw/uniqw-jobs/internal/store"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMini(t *testing.T) (*redis.Client, *mrd.Miniredis) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, s
}

func queueCfg() QueueConfig {
	return QueueConfig{
		Workers:      1,
		Backoff:      func(int) time.Duration { return 0 },
		CompletedCap: 10,
		FailedCap:    50,
		LogCap:       100,
		LeaseTTL:     -1,
		IdleMin:      5 * time.Millisecond,
		IdleMax:      20 * time.Millisecond,
	}
}

func seed(t *testing.T, rdb redis.UniversalClient, queue, id string, maxAttempts int) {
	t.Helper()
	require.NoError(t, store.New(rdb).Enqueue(context.Background(), &store.Record{
		ID: id, Queue: queue, Type: "resize", Payload: []byte(`{"w":10}`), MaxAttempts: maxAttempts,
	}))
}

func waitState(t *testing.T, rdb redis.UniversalClient, id, state string) *store.Record {
	t.Helper()
	st := store.New(rdb)
	var rec *store.Record
	require.Eventually(t, func() bool {
		r, err := st.Get(context.Background(), id)
		if err != nil {
			return false
		}
		rec = r
		return r.State == state
	}, 3*time.Second, 10*time.Millisecond, "job %s never reached %s", id, state)
	return rec
}

func decodeResult(t *testing.T, raw []byte) terminalResult {
	t.Helper()
	var doc terminalResult
	require.NoError(t, json.Unmarshal(raw, &doc))
	return doc
}

func TestRuntime_StartStop_Idempotent(t *testing.T) {
	rdb, _ := newMini(t)
	cfg := Config{Queues: map[string]QueueConfig{"q": queueCfg()}}
	rt := New(rdb, cfg, func(context.Context, *store.Record, Reporter) Result { return Result{} })

	// start/stop multiple times should be safe
	rt.Start()
	rt.Start()
	time.Sleep(30 * time.Millisecond)
	rt.Stop()
	rt.Stop()
	require.Equal(t, 1, rt.CfgWorkers())
	require.Equal(t, []string{"q"}, rt.CfgQueues())
}

func TestRuntime_ProcessSuccess(t *testing.T) {
	rdb, _ := newMini(t)
	seed(t, rdb, "media", "j1", 3)

	seen := make(chan hctx.State, 1)
	rt := New(rdb, Config{Queues: map[string]QueueConfig{"media": queueCfg()}},
		func(ctx context.Context, rec *store.Record, rep Reporter) Result {
			st, ok := hctx.From(ctx)
			assert.True(t, ok)
			seen <- *st
			assert.NoError(t, rep.Progress(50))
			assert.NoError(t, rep.Log("halfway"))
			assert.NoError(t, rep.Progress(100))
			return Result{Data: []byte(`{"url":"x.png"}`)}
		})
	rt.Start()
	defer rt.Stop()

	rec := waitState(t, rdb, "j1", store.StateCompleted)
	require.Equal(t, 1, rec.Attempts)
	require.Equal(t, 100, rec.Progress)
	require.Len(t, rec.Log, 1)
	require.Equal(t, "halfway", rec.Log[0].Message)

	doc := decodeResult(t, rec.Result)
	require.True(t, doc.Success)
	require.JSONEq(t, `{"url":"x.png"}`, string(doc.Data))
	require.Empty(t, doc.Error)

	got := <-seen
	require.Equal(t, "j1", got.JobID)
	require.Equal(t, "media", got.Queue)
	require.Equal(t, "resize", got.Type)
	require.Equal(t, 1, got.Attempt)
}

func TestRuntime_RetryUntilFailed(t *testing.T) {
	rdb, _ := newMini(t)
	seed(t, rdb, "media", "j1", 2)

	var calls atomic.Int32
	rt := New(rdb, Config{Queues: map[string]QueueConfig{"media": queueCfg()}},
		func(context.Context, *store.Record, Reporter) Result {
			calls.Add(1)
			return Result{Err: errors.New("decoder crashed"), Retryable: true}
		})
	rt.Start()
	defer rt.Stop()

	rec := waitState(t, rdb, "j1", store.StateFailed)
	require.Equal(t, 2, rec.Attempts)
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, "decoder crashed", rec.LastError)

	doc := decodeResult(t, rec.Result)
	require.False(t, doc.Success)
	require.Equal(t, KindHandler, doc.ErrorKind)
}

func TestRuntime_NonRetryableFailsFirstAttempt(t *testing.T) {
	rdb, _ := newMini(t)
	seed(t, rdb, "media", "j1", 5)

	rt := New(rdb, Config{Queues: map[string]QueueConfig{"media": queueCfg()}},
		func(context.Context, *store.Record, Reporter) Result {
			return Result{Err: errors.New("no handler"), Kind: KindConfiguration}
		})
	rt.Start()
	defer rt.Stop()

	rec := waitState(t, rdb, "j1", store.StateFailed)
	require.Equal(t, 1, rec.Attempts)
	require.Equal(t, KindConfiguration, decodeResult(t, rec.Result).ErrorKind)
}

func TestRuntime_PanicRecovered(t *testing.T) {
	rdb, _ := newMini(t)
	seed(t, rdb, "media", "j1", 2)
	seed(t, rdb, "media", "j2", 1)

	rt := New(rdb, Config{Queues: map[string]QueueConfig{"media": queueCfg()}},
		func(_ context.Context, rec *store.Record, _ Reporter) Result {
			if rec.ID == "j1" {
				panic("boom")
			}
			return Result{}
		})
	rt.Start()
	defer rt.Stop()

	rec := waitState(t, rdb, "j1", store.StateFailed)
	require.Equal(t, 2, rec.Attempts)
	doc := decodeResult(t, rec.Result)
	require.Equal(t, KindPanic, doc.ErrorKind)
	require.Equal(t, "panic: boom", doc.Error)

	// the worker survived and kept processing
	waitState(t, rdb, "j2", store.StateCompleted)
}

func TestRuntime_ReporterClosedAfterReturn(t *testing.T) {
	rdb, _ := newMini(t)
	seed(t, rdb, "media", "j1", 1)

	kept := make(chan Reporter, 1)
	rt := New(rdb, Config{Queues: map[string]QueueConfig{"media": queueCfg()}},
		func(_ context.Context, _ *store.Record, rep Reporter) Result {
			assert.ErrorIs(t, rep.Progress(150), store.ErrInvalidProgress)
			assert.ErrorIs(t, rep.Progress(-1), store.ErrInvalidProgress)
			assert.NoError(t, rep.Progress(40))
			assert.ErrorIs(t, rep.Progress(30), store.ErrInvalidProgress)
			kept <- rep
			return Result{}
		})
	rt.Start()
	defer rt.Stop()

	rec := waitState(t, rdb, "j1", store.StateCompleted)
	require.Equal(t, 40, rec.Progress)
	rep := <-kept
	require.ErrorIs(t, rep.Progress(90), store.ErrNotActive)
	require.ErrorIs(t, rep.Log("late"), store.ErrNotActive)
}

func TestRuntime_LogCap(t *testing.T) {
	rdb, _ := newMini(t)
	seed(t, rdb, "media", "j1", 1)

	qc := queueCfg()
	qc.LogCap = 2
	rt := New(rdb, Config{Queues: map[string]QueueConfig{"media": qc}},
		func(_ context.Context, _ *store.Record, rep Reporter) Result {
			assert.NoError(t, rep.Log("one"))
			assert.NoError(t, rep.Log("two"))
			assert.ErrorIs(t, rep.Log("three"), store.ErrLogFull)
			return Result{}
		})
	rt.Start()
	defer rt.Stop()

	rec := waitState(t, rdb, "j1", store.StateCompleted)
	require.Len(t, rec.Log, 2)
	require.Equal(t, "two", rec.Log[1].Message)
}

func TestRuntime_ReclaimsExpiredLease(t *testing.T) {
	rdb, _ := newMini(t)
	seed(t, rdb, "media", "j1", 3)

	// a worker that claimed the job and vanished
	rec, err := store.New(rdb).Claim(context.Background(), "media", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, rec)

	qc := queueCfg()
	qc.LeaseTTL = 200 * time.Millisecond
	rt := New(rdb, Config{Queues: map[string]QueueConfig{"media": qc}},
		func(context.Context, *store.Record, Reporter) Result { return Result{} })
	rt.Start()
	defer rt.Stop()

	done := waitState(t, rdb, "j1", store.StateCompleted)
	require.Equal(t, 2, done.Attempts)
}

func TestRuntime_HeartbeatKeepsLease(t *testing.T) {
	rdb, _ := newMini(t)
	seed(t, rdb, "media", "j1", 1)

	qc := queueCfg()
	qc.LeaseTTL = 150 * time.Millisecond
	rt := New(rdb, Config{Queues: map[string]QueueConfig{"media": qc}},
		func(context.Context, *store.Record, Reporter) Result {
			time.Sleep(500 * time.Millisecond)
			return Result{}
		})
	rt.Start()
	defer rt.Stop()

	rec := waitState(t, rdb, "j1", store.StateCompleted)
	require.Equal(t, 1, rec.Attempts)
}

func TestRuntime_StopCancelsAfterTimeout(t *testing.T) {
	rdb, _ := newMini(t)
	seed(t, rdb, "media", "j1", 3)

	started := make(chan struct{})
	var cancelled atomic.Bool
	rt := New(rdb, Config{
		Queues:          map[string]QueueConfig{"media": queueCfg()},
		ShutdownTimeout: 100 * time.Millisecond,
	}, func(ctx context.Context, _ *store.Record, _ Reporter) Result {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return Result{Err: ctx.Err(), Retryable: true}
	})
	rt.Start()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}
	t0 := time.Now()
	rt.Stop()
	require.True(t, cancelled.Load())
	require.Less(t, time.Since(t0), 2*time.Second)
}

func TestRuntime_StopWaitsForRunningHandler(t *testing.T) {
	rdb, _ := newMini(t)
	seed(t, rdb, "media", "j1", 1)

	started := make(chan struct{})
	rt := New(rdb, Config{Queues: map[string]QueueConfig{"media": queueCfg()}},
		func(ctx context.Context, _ *store.Record, _ Reporter) Result {
			close(started)
			time.Sleep(100 * time.Millisecond)
			assert.NoError(t, ctx.Err())
			return Result{}
		})
	rt.Start()
	<-started
	rt.Stop()

	rec, err := store.New(rdb).Get(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, store.StateCompleted, rec.State)
}

func TestRuntime_SurvivesStoreOutage(t *testing.T) {
	rdb, s := newMini(t)
	seed(t, rdb, "media", "j1", 1)

	s.SetError("ERR store down")
	rt := New(rdb, Config{Queues: map[string]QueueConfig{"media": queueCfg()}},
		func(context.Context, *store.Record, Reporter) Result { return Result{} })
	rt.Start()
	defer rt.Stop()

	time.Sleep(250 * time.Millisecond)
	s.SetError("")

	rec := waitState(t, rdb, "j1", store.StateCompleted)
	// outage does not consume attempts
	require.Equal(t, 1, rec.Attempts)
}

func TestRuntime_PublishesEvents(t *testing.T) {
	rdb, _ := newMini(t)
	bus := events.New(rdb)

	var mu sync.Mutex
	var kinds []events.Kind
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan struct{})
	go func() {
		_ = bus.Subscribe(ctx, func() { close(ready) }, func(ev events.Event) {
			mu.Lock()
			kinds = append(kinds, ev.Kind)
			mu.Unlock()
		})
	}()
	<-ready

	seed(t, rdb, "media", "j1", 1)
	rt := New(rdb, Config{Queues: map[string]QueueConfig{"media": queueCfg()}, Events: bus},
		func(_ context.Context, _ *store.Record, rep Reporter) Result {
			_ = rep.Progress(100)
			return Result{}
		})
	rt.Start()
	defer rt.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) == 3
	}, 3*time.Second, 10*time.Millisecond)
	mu.Lock()
	require.Equal(t, []events.Kind{events.Claimed, events.Progress, events.Completed}, kinds)
	mu.Unlock()
}
