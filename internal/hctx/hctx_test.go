package hctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHctx_RoundTrip(t *testing.T) {
	_, ok := From(context.Background())
	require.False(t, ok)

	st := &State{JobID: "j1", Queue: "media", Type: "resize", Attempt: 2, Reporter: "r"}
	ctx := WithState(context.Background(), st)
	got, ok := From(ctx)
	require.True(t, ok)
	require.Same(t, st, got)
	require.Equal(t, 2, got.Attempt)
}

func TestHctx_NilState(t *testing.T) {
	ctx := WithState(context.Background(), nil)
	_, ok := From(ctx)
	require.False(t, ok)
}
