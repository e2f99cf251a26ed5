// Package audit reconciles the stage streams after the fact.
//
// Every check runs on every audit; the result lists each problem found and is
// itself appended to the audit stream.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/synqualis/synq/pkg/eventlog"
)

// Problems reported by Audit, in evaluation order.
const (
	ProblemTimeoutTasks      = "timeout_tasks"
	ProblemLayerMixed        = "layer_mixed"
	ProblemWBSOrderViolation = "wbs_order_violation"
	ProblemUnknownResponses  = "unknown_responses"
	ProblemTamperedRecords   = "tampered_records"
)

// unknownStreams are scanned line by line for the UNKNOWN marker.
var unknownStreams = []eventlog.Stream{
	eventlog.StreamChunks,
	eventlog.StreamEvents,
	eventlog.StreamProof,
	eventlog.StreamRouter,
}

// signedStreams hold records stamped by the writer. The events stream carries
// caller lines verbatim, so a digest there is caller data.
var signedStreams = []eventlog.Stream{
	eventlog.StreamGuard,
	eventlog.StreamAdmission,
	eventlog.StreamRouter,
	eventlog.StreamProof,
	eventlog.StreamGate,
	eventlog.StreamChunks,
	eventlog.StreamAudit,
}

var unknownPattern = regexp.MustCompile(`(?i)UNKNOWN`)

// Result is the outcome of one audit.
type Result struct {
	Status       string
	Problems     []string
	UnknownCount int
	Tampered     int
}

// OK reports whether no problem was found.
func (r *Result) OK() bool { return len(r.Problems) == 0 }

// Summary is the one-line human verdict.
func (r *Result) Summary() string {
	if r.OK() {
		return "Audit ok"
	}
	return "Audit failed: " + strings.Join(r.Problems, ",")
}

// Verifier audits the streams of one logs directory.
type Verifier struct {
	events  *eventlog.Writer
	wbsPath string
	logger  *slog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithWBS sets the ordering file. An empty path disables the ordering check.
func WithWBS(path string) Option {
	return func(v *Verifier) { v.wbsPath = path }
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

// NewVerifier returns a Verifier reading and recording through events.
func NewVerifier(events *eventlog.Writer, opts ...Option) *Verifier {
	v := &Verifier{
		events: events,
		logger: slog.Default().With("component", "audit"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Audit evaluates every check and appends the result. An error is returned
// only when a stream cannot be read or the result cannot be recorded.
func (v *Verifier) Audit(ctx context.Context) (*Result, error) {
	streams := make(map[eventlog.Stream][]eventlog.Line, len(eventlog.Streams))
	for _, s := range eventlog.Streams {
		lines, err := eventlog.ReadStream(v.events.Dir(), s)
		if err != nil {
			return nil, fmt.Errorf("audit: %w", err)
		}
		streams[s] = lines
	}

	res := &Result{Problems: []string{}}
	if anyLine(streams[eventlog.StreamChunks], timedOut) {
		res.Problems = append(res.Problems, ProblemTimeoutTasks)
	}
	if anyLine(streams[eventlog.StreamGuard], failedGuard) {
		res.Problems = append(res.Problems, ProblemLayerMixed)
	}
	if steps := v.wbsSteps(ctx); len(steps) > 0 && !ascending(streams[eventlog.StreamEvents]) {
		res.Problems = append(res.Problems, ProblemWBSOrderViolation)
	}
	for _, s := range unknownStreams {
		for _, l := range streams[s] {
			if unknownPattern.MatchString(l.Raw) {
				res.UnknownCount++
			}
		}
	}
	if res.UnknownCount > 0 {
		res.Problems = append(res.Problems, ProblemUnknownResponses)
	}
	for _, s := range signedStreams {
		for _, l := range streams[s] {
			if signed, valid := l.VerifyDigest(); signed && !valid {
				res.Tampered++
				v.logger.WarnContext(ctx, "record digest mismatch", "stream", s, "line", l.LineNo)
			}
		}
	}
	if res.Tampered > 0 {
		res.Problems = append(res.Problems, ProblemTamperedRecords)
	}

	res.Status = eventlog.StatusOK
	if !res.OK() {
		res.Status = eventlog.StatusFail
	}
	rec := &eventlog.AuditRecord{
		Status:       res.Status,
		Problems:     res.Problems,
		UnknownCount: res.UnknownCount,
		Tampered:     res.Tampered,
	}
	if err := v.events.Append(ctx, rec); err != nil {
		return res, fmt.Errorf("record audit outcome: %w", err)
	}
	return res, nil
}

// wbsSteps returns the declared steps, or nil when the ordering file is
// absent or unreadable.
func (v *Verifier) wbsSteps(ctx context.Context) []json.RawMessage {
	if v.wbsPath == "" {
		return nil
	}
	data, err := os.ReadFile(v.wbsPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			v.logger.WarnContext(ctx, "ordering file unreadable; check skipped", "path", v.wbsPath, "error", err)
		}
		return nil
	}
	var doc struct {
		Steps []json.RawMessage `json:"steps"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		v.logger.WarnContext(ctx, "ordering file malformed; check skipped", "path", v.wbsPath, "error", err)
		return nil
	}
	return doc.Steps
}

// ascending reports whether the numeric step values of events never decrease.
func ascending(events []eventlog.Line) bool {
	prev, seen := 0.0, false
	for _, l := range events {
		step, ok := l.Number("step")
		if !ok {
			continue
		}
		if seen && step < prev {
			return false
		}
		prev, seen = step, true
	}
	return true
}

func timedOut(l eventlog.Line) bool {
	return l.String("status") == eventlog.StatusTimeout || l.Bool("timeout")
}

func failedGuard(l eventlog.Line) bool {
	return l.String("status") == eventlog.StatusError
}

func anyLine(lines []eventlog.Line, pred func(eventlog.Line) bool) bool {
	for _, l := range lines {
		if pred(l) {
			return true
		}
	}
	return false
}
