package runner_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqualis/synq/pkg/eventlog"
	"github.com/synqualis/synq/pkg/runner"
)

type fixture struct {
	dir    string
	stdout *bytes.Buffer
	runner *runner.Runner
}

func newFixture(t *testing.T, opts ...runner.Option) *fixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process groups are unix-only")
	}
	shell, err := exec.LookPath("bash")
	if err != nil {
		t.Skip("bash not available")
	}
	f := &fixture{dir: t.TempDir(), stdout: &bytes.Buffer{}}
	base := []runner.Option{
		runner.WithShell(shell),
		runner.WithOutput(f.stdout, &bytes.Buffer{}),
		runner.WithGrace(100 * time.Millisecond),
	}
	f.runner = runner.New(eventlog.NewWriter(f.dir), append(base, opts...)...)
	return f
}

func (f *fixture) records(t *testing.T) []eventlog.Line {
	t.Helper()
	lines, err := eventlog.ReadStream(f.dir, eventlog.StreamChunks)
	require.NoError(t, err)
	return lines
}

func TestRun_Success(t *testing.T) {
	f := newFixture(t)

	res, err := f.runner.Run(context.Background(), "echo hello", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Status)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
	assert.Equal(t, 0, runner.ExitCode(res, err))

	out := strings.Split(strings.TrimSpace(f.stdout.String()), "\n")
	require.Len(t, out, 2)
	assert.Equal(t, "hello", out[0])

	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, out[1], recs[0].Raw, "printed line matches the logged record")
	assert.Equal(t, "chunk", recs[0].String("name"))
	signed, valid := recs[0].VerifyDigest()
	assert.True(t, signed && valid)
}

func TestRun_NonZeroExit(t *testing.T) {
	f := newFixture(t)

	res, err := f.runner.Run(context.Background(), "exit 3", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "error", res.Status)
	assert.Equal(t, 3, runner.ExitCode(res, err))
	assert.False(t, res.Timeout)
}

func TestRun_SignalDeathIsExitOne(t *testing.T) {
	f := newFixture(t)

	res, err := f.runner.Run(context.Background(), "kill -9 $$", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "error", res.Status)
	assert.Equal(t, 1, runner.ExitCode(res, err))
}

func TestRun_StdinClosed(t *testing.T) {
	f := newFixture(t)

	res, err := f.runner.Run(context.Background(), "cat", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Status)
}

func TestRun_Timeout(t *testing.T) {
	f := newFixture(t)

	start := time.Now()
	res, err := f.runner.Run(context.Background(), "sleep 30", 100*time.Millisecond)
	var timeout *runner.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, res.Timeout)
	assert.Nil(t, res.ExitCode)
	assert.Equal(t, runner.TimeoutExitCode, runner.ExitCode(res, err))

	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "timeout", recs[0].String("status"))
	assert.True(t, recs[0].Bool("timeout"))
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(recs[0].Raw), &raw))
	v, present := raw["exitCode"]
	assert.True(t, present)
	assert.Nil(t, v)
}

// TestRun_TimeoutKillsGroup verifies that background children of a shell that
// ignores SIGTERM do not outlive the deadline.
func TestRun_TimeoutKillsGroup(t *testing.T) {
	f := newFixture(t)
	marker := filepath.Join(t.TempDir(), "survived")

	_, err := f.runner.Run(context.Background(),
		"trap '' TERM; (sleep 1; touch '"+marker+"') & wait", 100*time.Millisecond)
	var timeout *runner.TimeoutError
	require.ErrorAs(t, err, &timeout)

	time.Sleep(1500 * time.Millisecond)
	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "background child must be killed")
}

func TestRun_StartFailure(t *testing.T) {
	f := newFixture(t, runner.WithShell(filepath.Join(t.TempDir(), "no-such-shell")))

	res, err := f.runner.Run(context.Background(), "true", time.Second)
	require.Error(t, err)
	assert.Equal(t, 1, runner.ExitCode(res, err))

	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "error", recs[0].String("status"))
}
