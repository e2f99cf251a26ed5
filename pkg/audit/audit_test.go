package audit_test

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqualis/synq/pkg/audit"
	"github.com/synqualis/synq/pkg/eventlog"
)

type fixture struct {
	ctx    context.Context
	dir    string
	wbs    string
	events *eventlog.Writer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	return &fixture{
		ctx:    context.Background(),
		dir:    filepath.Join(root, "logs"),
		wbs:    filepath.Join(root, "wbs.json"),
		events: eventlog.NewWriter(filepath.Join(root, "logs")),
	}
}

func (f *fixture) audit(t *testing.T) *audit.Result {
	t.Helper()
	res, err := audit.NewVerifier(f.events, audit.WithWBS(f.wbs)).Audit(f.ctx)
	require.NoError(t, err)
	return res
}

func (f *fixture) event(t *testing.T, line string) {
	t.Helper()
	require.NoError(t, f.events.AppendRaw(f.ctx, eventlog.StreamEvents, []byte(line)))
}

func (f *fixture) writeWBS(t *testing.T, doc string) {
	t.Helper()
	require.NoError(t, os.WriteFile(f.wbs, []byte(doc), 0o600))
}

func TestAudit_Clean(t *testing.T) {
	f := newFixture(t)
	ok := 0
	require.NoError(t, f.events.Append(f.ctx, &eventlog.ChunkRecord{Name: "chunk", Status: "ok", ExitCode: &ok}))
	require.NoError(t, f.events.Append(f.ctx, &eventlog.GuardRecord{Status: "ok", Current: "L1"}))

	res := f.audit(t)
	assert.True(t, res.OK())
	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, "Audit ok", res.Summary())

	lines, err := eventlog.ReadStream(f.dir, eventlog.StreamAudit)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0].Raw, `"problems":[]`)
	assert.Contains(t, lines[0].Raw, `"unknownCount":0`)
}

// TestAudit_AllChecksReported verifies every failing check is listed, in
// order, rather than stopping at the first.
func TestAudit_AllChecksReported(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.events.Append(f.ctx, &eventlog.ChunkRecord{Name: "chunk", Status: "timeout", Timeout: true}))
	require.NoError(t, f.events.Append(f.ctx, &eventlog.GuardRecord{Status: "error", Current: "L2", Active: "L1"}))
	f.writeWBS(t, `{"steps":["plan","build","ship"]}`)
	f.event(t, `{"step":2}`)
	f.event(t, `{"step":1}`)
	f.event(t, `{"note":"model said unknown"}`)

	res := f.audit(t)
	assert.Equal(t, "fail", res.Status)
	assert.Equal(t, []string{
		audit.ProblemTimeoutTasks,
		audit.ProblemLayerMixed,
		audit.ProblemWBSOrderViolation,
		audit.ProblemUnknownResponses,
	}, res.Problems)
	assert.Equal(t, 1, res.UnknownCount)
	assert.Equal(t, "Audit failed: timeout_tasks,layer_mixed,wbs_order_violation,unknown_responses", res.Summary())
}

func TestAudit_TimeoutFlagAlone(t *testing.T) {
	f := newFixture(t)
	f.event(t, `{"step":1}`)
	require.NoError(t, f.events.Append(f.ctx, &eventlog.ChunkRecord{Name: "chunk", Status: "error", Timeout: true}))

	assert.Equal(t, []string{audit.ProblemTimeoutTasks}, f.audit(t).Problems)
}

func TestAudit_WBSOrdering(t *testing.T) {
	cases := map[string]struct {
		wbs    string
		events []string
		want   bool
	}{
		"no ordering file":       {"", []string{`{"step":3}`, `{"step":1}`}, false},
		"empty steps":            {`{"steps":[]}`, []string{`{"step":3}`, `{"step":1}`}, false},
		"steps not an array":     {`{"steps":{"a":1}}`, []string{`{"step":3}`, `{"step":1}`}, false},
		"malformed file":         {`{`, []string{`{"step":3}`, `{"step":1}`}, false},
		"non-decreasing":         {`{"steps":[1,2]}`, []string{`{"step":1}`, `{"step":1}`, `{"step":2.5}`}, false},
		"decrease":               {`{"steps":[1,2]}`, []string{`{"step":1}`, `{"step":3}`, `{"step":2}`}, true},
		"string steps ignored":   {`{"steps":[1,2]}`, []string{`{"step":2}`, `{"step":"1"}`, `{"step":3}`}, false},
		"non-step lines ignored": {`{"steps":[1]}`, []string{`{"step":2}`, `not json`, `{"other":1}`}, false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			if tc.wbs != "" {
				f.writeWBS(t, tc.wbs)
			}
			for _, e := range tc.events {
				f.event(t, e)
			}
			res := f.audit(t)
			assert.Equal(t, tc.want, slices.Contains(res.Problems, audit.ProblemWBSOrderViolation))
		})
	}
}

func TestAudit_UnknownCount(t *testing.T) {
	f := newFixture(t)
	f.event(t, `garbage with UNKNOWN inside`)
	f.event(t, `{"a":"Unknown","b":"unknown"}`)
	require.NoError(t, f.events.AppendRaw(f.ctx, eventlog.StreamRouter, []byte(`{"meta":{"task":"unknown"}}`)))
	require.NoError(t, f.events.AppendRaw(f.ctx, eventlog.StreamGate, []byte(`{"UNKNOWN":1}`)))

	res := f.audit(t)
	assert.Equal(t, 3, res.UnknownCount, "one per matching line; gate stream is not scanned")
	assert.Equal(t, []string{audit.ProblemUnknownResponses}, res.Problems)
}

func TestAudit_TamperedRecords(t *testing.T) {
	f := newFixture(t)
	code := 0
	require.NoError(t, f.events.Append(f.ctx, &eventlog.ChunkRecord{Name: "chunk", Status: "ok", ExitCode: &code}))
	require.True(t, f.audit(t).OK())

	path := f.events.Path(eventlog.StreamChunks)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	edited := strings.Replace(string(data), `"exitCode":0`, `"exitCode":1`, 1)
	require.NotEqual(t, string(data), edited)
	require.NoError(t, os.WriteFile(path, []byte(edited), 0o600))

	res := f.audit(t)
	assert.Equal(t, []string{audit.ProblemTamperedRecords}, res.Problems)
	assert.Equal(t, 1, res.Tampered)
}

func TestAudit_CallerDigestIsNotTampering(t *testing.T) {
	f := newFixture(t)
	f.event(t, `{"step":1,"digest":"sha256:caller-supplied"}`)

	res := f.audit(t)
	assert.True(t, res.OK(), "problems: %v", res.Problems)
	assert.Zero(t, res.Tampered)
}
