package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndResolve(t *testing.T) {
	reg := NewRegistry()
	h := func(context.Context, []byte, Reporter) (any, error) { return "resized", nil }

	require.NoError(t, reg.Register("media", "resize", h))
	require.NoError(t, reg.Register("media", "thumbnail", h))
	require.NoError(t, reg.Register("email", "resize", h))

	fn, err := reg.Resolve("media", "resize")
	require.NoError(t, err)
	out, err := fn(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, "resized", out)

	require.Equal(t, []string{"resize", "thumbnail"}, reg.Types("media"))
	require.Equal(t, []string{"email", "media"}, reg.Queues())
	require.True(t, reg.Has("email", "resize"))
	require.False(t, reg.Has("email", "thumbnail"))
}

func TestRegistry_DuplicateHandler(t *testing.T) {
	reg := NewRegistry()
	h := func(context.Context, []byte, Reporter) (any, error) { return nil, nil }

	require.NoError(t, reg.Register("media", "resize", h))
	err := reg.Register("media", "resize", h)
	require.ErrorIs(t, err, ErrDuplicateHandler)
	require.Equal(t, []string{"resize"}, reg.Types("media"))
}

func TestRegistry_Unregistered(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Resolve("media", "resize")
	require.ErrorIs(t, err, ErrUnregisteredJobType)
	require.Empty(t, reg.Types("media"))
}

func TestRegistry_InvalidRegistration(t *testing.T) {
	reg := NewRegistry()
	h := func(context.Context, []byte, Reporter) (any, error) { return nil, nil }
	require.Error(t, reg.Register("", "t", h))
	require.Error(t, reg.Register("q", "", h))
	require.Error(t, reg.Register("q", "t", nil))
}

func TestRegistry_Sealed(t *testing.T) {
	reg := NewRegistry()
	h := func(context.Context, []byte, Reporter) (any, error) { return nil, nil }
	require.NoError(t, reg.Register("q", "a", h))
	reg.seal()
	require.ErrorIs(t, reg.Register("q", "b", h), ErrRegistrySealed)

	// resolution keeps working
	_, err := reg.Resolve("q", "a")
	require.NoError(t, err)
}

func TestTyped_DecodesPayload(t *testing.T) {
	type resize struct {
		Width int `json:"width"`
	}
	fn := Typed(func(_ context.Context, in resize, _ Reporter) (any, error) {
		return in.Width, nil
	})

	out, err := fn(context.Background(), []byte(`{"width":320}`), nil)
	require.NoError(t, err)
	require.Equal(t, 320, out)

	_, err = fn(context.Background(), []byte(`{`), nil)
	require.True(t, IsPermanent(err))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "payload", verr.Field)
}
