package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	jobs "github.com/UniQw/uniqw-jobs"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, addr string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--redis", addr, "--log-mode", "prod"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI_SubmitGetListDelete(t *testing.T) {
	s := mrd.RunT(t)

	out, err := run(t, s.Addr(), "submit", "media", "resize", `{"source":"a.png","width":10,"height":10}`, "--id", "job-1", "--max-attempts", "2")
	require.NoError(t, err)
	require.Equal(t, "job-1", strings.TrimSpace(out))

	out, err = run(t, s.Addr(), "get", "job-1")
	require.NoError(t, err)
	var j jobs.Job
	require.NoError(t, json.Unmarshal([]byte(out), &j))
	require.Equal(t, "job-1", j.ID)
	require.Equal(t, jobs.StatePending, j.State)
	require.Equal(t, 2, j.MaxAttempts)

	out, err = run(t, s.Addr(), "list", "media", "--state", "pending")
	require.NoError(t, err)
	require.Contains(t, out, "job-1")
	require.Contains(t, out, "0/2")

	_, err = run(t, s.Addr(), "list", "media", "--state", "bogus")
	require.ErrorIs(t, err, jobs.ErrUnknownState)

	_, err = run(t, s.Addr(), "retry", "job-1")
	require.ErrorIs(t, err, jobs.ErrNotFailed)

	out, err = run(t, s.Addr(), "delete", "job-1")
	require.NoError(t, err)
	require.Contains(t, out, "deleted job-1")

	_, err = run(t, s.Addr(), "get", "job-1")
	require.ErrorIs(t, err, jobs.ErrJobNotFound)
}

func TestCLI_SubmitRejectsInvalidPayload(t *testing.T) {
	s := mrd.RunT(t)
	_, err := run(t, s.Addr(), "submit", "media", "resize", `{nope`)
	require.Error(t, err)
}
