package eventlog_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqualis/synq/pkg/eventlog"
)

func fixedClock() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

// TestAppend_StampsHeader verifies timestamp, record id and digest are set on
// every typed record.
func TestAppend_StampsHeader(t *testing.T) {
	dir := t.TempDir()
	w := eventlog.NewWriter(dir).WithClock(fixedClock)

	rec := &eventlog.GuardRecord{Status: eventlog.StatusOK, Current: "build"}
	require.NoError(t, w.Append(context.Background(), rec))

	lines, err := eventlog.ReadStream(dir, eventlog.StreamGuard)
	require.NoError(t, err)
	require.Len(t, lines, 1)

	l := lines[0]
	assert.Equal(t, "2026-03-01T12:00:00Z", l.String("@timestamp"))
	assert.Equal(t, "ok", l.String("status"))
	assert.Equal(t, "build", l.String("current"))
	assert.NotEmpty(t, l.String("record_id"))
	assert.True(t, strings.HasPrefix(l.String("digest"), "sha256:"))

	signed, valid := l.VerifyDigest()
	assert.True(t, signed)
	assert.True(t, valid)
}

func TestVerifyDigest_DetectsEdit(t *testing.T) {
	dir := t.TempDir()
	w := eventlog.NewWriter(dir)
	ctx := context.Background()

	exit := 3
	require.NoError(t, w.Append(ctx, &eventlog.ChunkRecord{Name: "chunk", Status: eventlog.StatusError, ExitCode: &exit, ElapsedMs: 12}))

	raw, err := os.ReadFile(w.Path(eventlog.StreamChunks))
	require.NoError(t, err)
	edited := strings.Replace(string(raw), `"status":"error"`, `"status":"ok"`, 1)
	require.NoError(t, os.WriteFile(w.Path(eventlog.StreamChunks), []byte(edited), 0o600))

	lines, err := eventlog.ReadStream(dir, eventlog.StreamChunks)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	signed, valid := lines[0].VerifyDigest()
	assert.True(t, signed)
	assert.False(t, valid)
}

func TestVerifyDigest_HTMLCharacters(t *testing.T) {
	dir := t.TempDir()
	w := eventlog.NewWriter(dir)

	require.NoError(t, w.Append(context.Background(), &eventlog.RouteRecord{
		Meta:  json.RawMessage(`{"task":"a<b>&c","len":12.5}`),
		Error: "dial tcp: <nil> & more",
		Kind:  "transport",
	}))

	lines, err := eventlog.ReadStream(dir, eventlog.StreamRouter)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	_, valid := lines[0].VerifyDigest()
	assert.True(t, valid)
}

func TestChunkRecord_NullExitCode(t *testing.T) {
	dir := t.TempDir()
	w := eventlog.NewWriter(dir)
	require.NoError(t, w.Append(context.Background(), &eventlog.ChunkRecord{Name: "chunk", Status: eventlog.StatusTimeout, Timeout: true}))

	lines, err := eventlog.ReadStream(dir, eventlog.StreamChunks)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0].Raw, `"exitCode":null`)
	assert.True(t, lines[0].Bool("timeout"))
}

func TestAppendRaw(t *testing.T) {
	dir := t.TempDir()
	w := eventlog.NewWriter(dir)
	ctx := context.Background()

	require.NoError(t, w.AppendRaw(ctx, eventlog.StreamEvents, []byte("  {\"step\":2}\n\n")))
	require.NoError(t, w.AppendRaw(ctx, eventlog.StreamEvents, []byte("   \n")))
	require.NoError(t, w.AppendRaw(ctx, eventlog.StreamEvents, []byte("not json")))
	require.Error(t, w.AppendRaw(ctx, eventlog.StreamEvents, []byte("a\nb")))

	lines, err := eventlog.ReadStream(dir, eventlog.StreamEvents)
	require.NoError(t, err)
	require.Len(t, lines, 2)

	step, ok := lines[0].Number("step")
	assert.True(t, ok)
	assert.Equal(t, 2.0, step)

	assert.Nil(t, lines[1].Fields)
	assert.Equal(t, "not json", lines[1].Raw)
	signed, _ := lines[1].VerifyDigest()
	assert.False(t, signed)
}

func TestReadStream_Missing(t *testing.T) {
	lines, err := eventlog.ReadStream(t.TempDir(), eventlog.StreamAudit)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestAppend_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := eventlog.NewWriter(t.TempDir()).Append(ctx, &eventlog.AuditRecord{Status: eventlog.StatusOK})
	require.ErrorIs(t, err, context.Canceled)
}

// TestAppend_ConcurrentWritersKeepLinesWhole verifies independent writers on
// the same stream never interleave within a line.
func TestAppend_ConcurrentWritersKeepLinesWhole(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := eventlog.NewWriter(dir)
			for j := 0; j < perWriter; j++ {
				msg := strings.Repeat(fmt.Sprintf("%d", i), 512)
				_ = w.Append(ctx, &eventlog.AdmissionRecord{Gate: "tokens", Status: eventlog.StatusWarn, Message: msg})
			}
		}(i)
	}
	wg.Wait()

	lines, err := eventlog.ReadStream(dir, eventlog.StreamAdmission)
	require.NoError(t, err)
	require.Len(t, lines, writers*perWriter)
	for _, l := range lines {
		require.NotNil(t, l.Fields, "line %d is not a whole record", l.LineNo)
		_, valid := l.VerifyDigest()
		assert.True(t, valid)
	}
}
