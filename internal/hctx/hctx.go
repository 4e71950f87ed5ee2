package hctx

import "context"

// State identifies the attempt a handler is executing and carries the
// reporter bound to it, so code deep inside a handler can reach it.
type State struct {
	JobID    string
	Queue    string
	Type     string
	Attempt  int
	Reporter any
}

type ctxKey struct{}

// WithState returns a child context carrying the given handler state.
func WithState(parent context.Context, s *State) context.Context {
	return context.WithValue(parent, ctxKey{}, s)
}

// From extracts the handler state from context if present.
func From(ctx context.Context) (*State, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return nil, false
	}
	st, ok := v.(*State)
	return st, ok && st != nil
}
