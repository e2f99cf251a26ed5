// Package admission decides whether a request may proceed to routing.
//
// Checks run in a fixed order and the first failure ends the evaluation:
// cloud egress posture, provider credential hygiene, then token budget.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/synqualis/synq/pkg/config"
	"github.com/synqualis/synq/pkg/eventlog"
	"github.com/synqualis/synq/pkg/firewall"
	"github.com/synqualis/synq/pkg/llm"
)

// DisabledSentinel marks a provider credential as deliberately disabled.
const DisabledSentinel = "__DISABLED__"

// CredentialVars are the provider credential variables that must not carry
// live values.
var CredentialVars = []string{
	"OPENAI_API_KEY",
	"ANTHROPIC_API_KEY",
	"AZURE_OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
	"HUGGINGFACEHUB_API_TOKEN",
	"HF_TOKEN",
	"MISTRAL_API_KEY",
	"COHERE_API_KEY",
	"DEEPSEEK_API_KEY",
	"TOGETHER_API_KEY",
	"XAI_API_KEY",
	"GROQ_API_KEY",
	"NVIDIA_API_KEY",
}

// Token budget defaults.
const (
	DefaultWarnAbove   = 8000
	DefaultRejectAbove = 16000
)

// Check names as they appear in admission records.
const (
	checkDenyCloud = "deny_cloud"
	checkAPIKeys   = "api_keys"
	checkTokens    = "tokens"
	checkInput     = "input"
	checkLeft      = "left"
)

// Ack is returned for an admitted request.
type Ack struct {
	Len   float64
	Layer string
	// Warning is non-empty when the request is admitted above the warn tier.
	Warning string
}

// Gate is the pre-admission gate.
type Gate struct {
	events      *eventlog.Writer
	logger      *slog.Logger
	warnAbove   float64
	rejectAbove float64
}

// Option configures a Gate.
type Option func(*Gate)

// WithBudget overrides the warn and reject thresholds.
func WithBudget(warnAbove, rejectAbove float64) Option {
	return func(g *Gate) {
		g.warnAbove = warnAbove
		g.rejectAbove = rejectAbove
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// New returns a Gate recording to events.
func New(events *eventlog.Writer, opts ...Option) *Gate {
	g := &Gate{
		events:      events,
		logger:      slog.Default().With("component", "admission"),
		warnAbove:   DefaultWarnAbove,
		rejectAbove: DefaultRejectAbove,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AdmitRaw parses data as a request envelope and admits it. Unparsable input
// is rejected and recorded under the input check.
func (g *Gate) AdmitRaw(ctx context.Context, env config.Env, policy *firewall.Policy, data []byte) (*Ack, error) {
	req, err := llm.ParseRequest(data)
	if err != nil {
		return nil, g.reject(ctx, &eventlog.AdmissionRecord{Gate: checkInput, Message: err.Error()}, fmt.Errorf("admission input: %w", err))
	}
	return g.Admit(ctx, env, policy, req)
}

// Admit evaluates req. policy is the security section of the route table, nil
// when the table could not be read; env supplies credential and layer
// variables.
func (g *Gate) Admit(ctx context.Context, env config.Env, policy *firewall.Policy, req *llm.RequestEnvelope) (*Ack, error) {
	if policy == nil || !policy.DenyCloud {
		cause := &SecurityPolicyError{Reason: "deny_cloud must be enabled"}
		return nil, g.reject(ctx, &eventlog.AdmissionRecord{Gate: checkDenyCloud, Message: "deny_cloud is not enabled"}, cause)
	}

	if leaked := LiveCredentials(env); len(leaked) > 0 {
		return nil, g.reject(ctx, &eventlog.AdmissionRecord{Gate: checkAPIKeys, Keys: leaked}, &LeakedCredentialError{Keys: leaked})
	}

	n := req.TokenLen()
	if n > g.rejectAbove {
		return nil, g.reject(ctx, &eventlog.AdmissionRecord{Gate: checkTokens, Len: &n}, &BudgetExceededError{Len: n, Limit: g.rejectAbove})
	}

	ack := &Ack{Len: n, Layer: env.Get("Z_LAYER")}
	if ack.Layer == "" {
		ack.Layer = config.DefaultLayer
	}
	if n > g.warnAbove {
		ack.Warning = fmt.Sprintf("token length %g above %g; proceed with caution", n, g.warnAbove)
		g.logger.WarnContext(ctx, "token budget warning", "len", n, "warn_above", g.warnAbove)
		if err := g.events.Append(ctx, &eventlog.AdmissionRecord{Gate: checkTokens, Status: eventlog.StatusWarn, Len: &n}); err != nil {
			return nil, fmt.Errorf("record admission outcome: %w", err)
		}
	}

	if err := g.events.Append(ctx, &eventlog.AdmissionRecord{Gate: checkLeft, Status: eventlog.StatusOK, Layer: ack.Layer, Len: &n}); err != nil {
		return nil, fmt.Errorf("record admission outcome: %w", err)
	}
	return ack, nil
}

// LiveCredentials returns the credential variables in env that hold a value
// other than DisabledSentinel, in CredentialVars order.
func LiveCredentials(env config.Env) []string {
	var live []string
	for _, k := range CredentialVars {
		if v := env.Get(k); v != "" && v != DisabledSentinel {
			live = append(live, k)
		}
	}
	return live
}

func (g *Gate) reject(ctx context.Context, rec *eventlog.AdmissionRecord, cause error) error {
	rec.Status = eventlog.StatusError
	if err := g.events.Append(ctx, rec); err != nil {
		return errors.Join(cause, fmt.Errorf("record admission outcome: %w", err))
	}
	return cause
}
