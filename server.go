package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/UniQw/uniqw-jobs/internal/events"
	rtm "github.com/UniQw/uniqw-jobs/internal/runtime"
	"github.com/UniQw/uniqw-jobs/internal/store"
	"github.com/redis/go-redis/v9"
)

// DefaultShutdownTimeout bounds how long Stop waits for running handlers.
const DefaultShutdownTimeout = 30 * time.Second

// ServerConfig defines the configuration for a jobs server.
type ServerConfig struct {
	// Queues defines the queues to process and their policies.
	// Zero fields of each QueueConfig take the defaults.
	Queues map[string]QueueConfig
	// Logger is the logger used for server events. Defaults to FmtLogger.
	Logger Logger
	// PublishEvents enables lifecycle events over Redis pub/sub.
	PublishEvents bool
	// ShutdownTimeout bounds how long Stop waits for running handlers before
	// cancelling their contexts.
	ShutdownTimeout time.Duration
	// Encoder encodes handler return values. Defaults to JSONEncoder.
	Encoder Encoder
}

// Server processes jobs from Redis queues using workers.
type Server struct {
	rt      *rtm.Runtime
	reg     *Registry
	mu      sync.Mutex
	started bool
	log     Logger
}

// NewServer creates a new jobs server for the handlers in reg.
func NewServer(rdb redis.UniversalClient, cfg ServerConfig, reg *Registry) *Server {
	l := cfg.Logger
	if l == nil {
		l = NewFmtLogger()
	}
	enc := cfg.Encoder
	if enc == nil {
		enc = &JSONEncoder{}
	}
	if reg == nil {
		reg = NewRegistry()
	}

	queues := make(map[string]rtm.QueueConfig, len(cfg.Queues))
	for name, qc := range cfg.Queues {
		queues[name] = qc.withDefaults().runtime()
	}

	exec := func(ctx context.Context, rec *store.Record, rep rtm.Reporter) rtm.Result {
		fn, err := reg.Resolve(rec.Queue, rec.Type)
		if err != nil {
			cerr := &ConfigurationError{Queue: rec.Queue, Type: rec.Type, Err: err}
			return rtm.Result{Err: cerr, Kind: rtm.KindConfiguration}
		}
		out, err := fn(ctx, rec.Payload, rep)
		if err != nil {
			return classify(err)
		}
		data, err := encodeResult(enc, out)
		if err != nil {
			return rtm.Result{Err: Permanent(err), Kind: rtm.KindPermanent}
		}
		return rtm.Result{Data: data}
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	rtc := rtm.Config{
		Queues:          queues,
		Logger:          rtLogger{Logger: l},
		ShutdownTimeout: timeout,
	}
	if cfg.PublishEvents {
		rtc.Events = events.New(rdb)
	}
	return &Server{rt: rtm.New(rdb, rtc, exec), reg: reg, log: l}
}

// classify maps a handler error to a retry decision and failure kind.
func classify(err error) rtm.Result {
	var cerr *ConfigurationError
	switch {
	case IsPermanent(err):
		return rtm.Result{Err: err, Kind: rtm.KindPermanent}
	case errors.As(err, &cerr):
		return rtm.Result{Err: err, Kind: rtm.KindConfiguration}
	default:
		return rtm.Result{Err: err, Retryable: true, Kind: rtm.KindHandler}
	}
}

// Start seals the registry and launches the workers and lease reclaimers.
// It is idempotent and non-blocking.
func (s *Server) Start() {
	s.mu.Lock()
	if s.started {
		if s.log != nil {
			s.log.Warnf("server already started; ignoring Start()")
		}
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	s.reg.seal()
	if s.log != nil {
		s.log.Infof("starting server: workers=%d queues=%d", s.rt.CfgWorkers(), len(s.rt.CfgQueues()))
	}
	s.rt.Start()
}

// Stop gracefully shuts down the server, waiting for workers to finish current jobs.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started {
		if s.log != nil {
			s.log.Warnf("server not started; ignoring Stop()")
		}
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()
	if s.log != nil {
		s.log.Infof("stopping server")
	}
	s.rt.Stop()
}

// rtLogger adapts the public Logger to the internal runtime logger interface.
type rtLogger struct{ Logger }
