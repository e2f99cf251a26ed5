// Package quality is the post-response gate: a structural schema proof check
// followed by metric thresholds.
package quality

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/synqualis/synq/pkg/config"
	"github.com/synqualis/synq/pkg/eventlog"
	"github.com/synqualis/synq/pkg/llm"
)

// Stages as they appear in gate records.
const (
	StageParse   = "parse"
	StageSchema  = "schema"
	StageQuality = "quality"
	StageOK      = "ok"
)

const gateName = "right"

// StatusInvalidJSON marks a proof record for input that did not parse.
const StatusInvalidJSON = "invalid_json"

// Thresholds are the acceptance bounds for response metrics.
type Thresholds struct {
	MinQ       float64
	MinPass    float64
	MaxUnknown float64
}

// DefaultThresholds requires Q >= 0.85, pass >= 0.95 and UNKNOWN == 0.
var DefaultThresholds = Thresholds{MinQ: 0.85, MinPass: 0.95, MaxUnknown: 0}

// Ack is returned for an accepted response.
type Ack struct {
	Q       float64
	Pass    float64
	Unknown float64
}

// Gate validates backend responses.
type Gate struct {
	schema     *Schema
	events     *eventlog.Writer
	thresholds Thresholds
	missing    config.MissingMetricsPolicy
	logger     *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithThresholds overrides DefaultThresholds.
func WithThresholds(t Thresholds) Option {
	return func(g *Gate) { g.thresholds = t }
}

// WithMissingMetrics sets how absent metrics are scored.
func WithMissingMetrics(p config.MissingMetricsPolicy) Option {
	return func(g *Gate) { g.missing = p }
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// New returns a Gate checking against schema and recording to events.
func New(schema *Schema, events *eventlog.Writer, opts ...Option) *Gate {
	g := &Gate{
		schema:     schema,
		events:     events,
		thresholds: DefaultThresholds,
		missing:    config.MissingLenient,
		logger:     slog.Default().With("component", "quality"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ProofRaw runs only the structural check on data. Unparsable input is
// recorded as invalid_json and returned as *llm.MalformedError.
func (g *Gate) ProofRaw(ctx context.Context, data []byte) error {
	resp, err := llm.ParseResponse(data)
	if err != nil {
		return g.record(ctx, &eventlog.ProofRecord{Status: StatusInvalidJSON, Message: err.Error()}, err)
	}
	return g.Proof(ctx, resp)
}

// Proof validates resp against the schema and appends one proof record.
func (g *Gate) Proof(ctx context.Context, resp *llm.ResponseEnvelope) error {
	err := g.schema.Check(resp.Doc)
	var schemaErr *SchemaError
	switch {
	case err == nil:
		return g.record(ctx, &eventlog.ProofRecord{Status: eventlog.StatusOK}, nil)
	case errors.As(err, &schemaErr):
		return g.record(ctx, &eventlog.ProofRecord{Status: eventlog.StatusError, Errors: schemaErr.Errors}, err)
	default:
		return g.record(ctx, &eventlog.ProofRecord{Status: eventlog.StatusError, Message: err.Error()}, err)
	}
}

// ValidateRaw parses data and validates it.
func (g *Gate) ValidateRaw(ctx context.Context, data []byte) (*Ack, error) {
	resp, err := llm.ParseResponse(data)
	if err != nil {
		return nil, g.record(ctx, &eventlog.GateRecord{Gate: gateName, Stage: StageParse, Status: eventlog.StatusError, Message: err.Error()}, err)
	}
	return g.Validate(ctx, resp)
}

// Validate runs the proof check, then the metric thresholds. Each call
// appends one gate record; the proof check appends its own.
func (g *Gate) Validate(ctx context.Context, resp *llm.ResponseEnvelope) (*Ack, error) {
	if err := g.Proof(ctx, resp); err != nil {
		return nil, g.record(ctx, &eventlog.GateRecord{Gate: gateName, Stage: StageSchema, Status: eventlog.StatusError, Message: err.Error()}, err)
	}

	failures := g.Score(resp.Metrics)
	rec := &eventlog.GateRecord{
		Gate:    gateName,
		Q:       value(resp.Metrics.Q),
		Pass:    value(resp.Metrics.Pass),
		Unknown: value(resp.Metrics.Unknown),
	}
	if len(failures) > 0 {
		rec.Stage, rec.Status, rec.Failures = StageQuality, eventlog.StatusError, failures
		g.logger.InfoContext(ctx, "response rejected", "failures", failures)
		return nil, g.record(ctx, rec, &QualityError{Failures: failures})
	}

	rec.Stage, rec.Status = StageOK, eventlog.StatusOK
	if err := g.record(ctx, rec, nil); err != nil {
		return nil, err
	}
	return &Ack{
		Q:       resp.Metrics.Q.Value,
		Pass:    resp.Metrics.Pass.Value,
		Unknown: resp.Metrics.Unknown.Value,
	}, nil
}

// Score returns the threshold failures for m, empty when m is acceptable.
// UNKNOWN is a count, so a negative value fails as well.
func (g *Gate) Score(m llm.Metrics) []string {
	var failures []string
	check := func(name string, metric llm.Metric, violation func(float64) string) {
		switch {
		case !metric.Present && g.missing == config.MissingStrict:
			failures = append(failures, name+" missing")
		case !metric.Present:
			if v := violation(0); v != "" {
				failures = append(failures, fmt.Sprintf("%s=0 (missing) %s", name, v))
			}
		case math.IsNaN(metric.Value):
			failures = append(failures, name+" not numeric")
		default:
			if v := violation(metric.Value); v != "" {
				failures = append(failures, fmt.Sprintf("%s=%s %s", name, strconv.FormatFloat(metric.Value, 'g', -1, 64), v))
			}
		}
	}
	atLeast := func(min float64) func(float64) string {
		return func(v float64) string {
			if v < min {
				return fmt.Sprintf("< %g", min)
			}
			return ""
		}
	}
	t := g.thresholds
	check("Q", m.Q, atLeast(t.MinQ))
	check("pass", m.Pass, atLeast(t.MinPass))
	check("UNKNOWN", m.Unknown, func(v float64) string {
		switch {
		case v < 0:
			return "< 0"
		case v > t.MaxUnknown:
			return fmt.Sprintf("> %g", t.MaxUnknown)
		}
		return ""
	})
	return failures
}

func value(m llm.Metric) *float64 {
	if !m.Valid() {
		return nil
	}
	v := m.Value
	return &v
}

func (g *Gate) record(ctx context.Context, rec eventlog.Record, cause error) error {
	if err := g.events.Append(ctx, rec); err != nil {
		return errors.Join(cause, fmt.Errorf("record %s outcome: %w", rec.Stream(), err))
	}
	return cause
}
