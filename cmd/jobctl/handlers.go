package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	jobs "github.com/UniQw/uniqw-jobs"
)

// ResizeRequest is the payload of media/resize and media/thumbnail jobs.
type ResizeRequest struct {
	Source string `json:"source"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// ResizeResult is what the media handlers return.
type ResizeResult struct {
	Output string `json:"output"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// stepDelay is the simulated time per processing step.
var stepDelay = 200 * time.Millisecond

func resizeImage(ctx context.Context, req ResizeRequest, r jobs.Reporter) (any, error) {
	if req.Source == "" {
		return nil, jobs.Permanent(&jobs.ValidationError{Field: "source", Reason: "required"})
	}
	if req.Width <= 0 || req.Height <= 0 {
		return nil, jobs.Permanent(&jobs.ValidationError{Field: "size", Reason: "width and height must be positive"})
	}
	steps := []string{"decode", "scale", "encode", "upload"}
	for i, step := range steps {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(stepDelay):
		}
		if err := r.Log(fmt.Sprintf("%s %s", step, req.Source)); err != nil && !errors.Is(err, jobs.ErrLogFull) {
			return nil, err
		}
		if err := r.Progress((i + 1) * 100 / len(steps)); err != nil {
			return nil, err
		}
	}
	return ResizeResult{
		Output: fmt.Sprintf("%s@%dx%d", req.Source, req.Width, req.Height),
		Width:  req.Width,
		Height: req.Height,
	}, nil
}

func thumbnail(ctx context.Context, req ResizeRequest, r jobs.Reporter) (any, error) {
	req.Width, req.Height = 128, 128
	return resizeImage(ctx, req, r)
}

// alwaysFail exercises retry and backoff.
func alwaysFail(_ context.Context, _ []byte, r jobs.Reporter) (any, error) {
	_ = r.Log("simulated failure")
	return nil, errors.New("simulated failure")
}

// loggingMiddleware logs start/end and duration for each handler invocation.
func loggingMiddleware(l jobs.Logger) jobs.Middleware {
	return func(next jobs.HandlerFunc) jobs.HandlerFunc {
		return func(ctx context.Context, payload []byte, r jobs.Reporter) (any, error) {
			start := time.Now()
			info, _ := jobs.JobInfoFrom(ctx)
			out, err := next(ctx, payload, r)
			if err != nil {
				l.Warnf("handler error: id=%s type=%s attempt=%d dur=%s err=%v", info.ID, info.Type, info.Attempt, time.Since(start), err)
			} else {
				l.Debugf("handler ok: id=%s type=%s attempt=%d dur=%s", info.ID, info.Type, info.Attempt, time.Since(start))
			}
			return out, err
		}
	}
}

// newRegistry binds the demo media handlers to every configured queue.
func newRegistry(queues []string, l jobs.Logger) (*jobs.Registry, error) {
	reg := jobs.NewRegistry()
	if err := reg.Use(loggingMiddleware(l)); err != nil {
		return nil, err
	}
	for _, q := range queues {
		for typ, h := range map[string]jobs.HandlerFunc{
			"resize":    jobs.Typed(resizeImage),
			"thumbnail": jobs.Typed(thumbnail),
			"fail":      alwaysFail,
		} {
			if err := reg.Register(q, typ, h); err != nil {
				return nil, err
			}
		}
	}
	return reg, nil
}
