// Package routing selects a backend for a request from an ordered rule table
// and forwards the request to it.
//
// Rules are evaluated first-match: the earliest rule whose predicates all hold
// wins, and later rules are never consulted. The egress firewall is applied to
// the chosen target before any traffic leaves the process.
package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/synqualis/synq/pkg/config"
	"github.com/synqualis/synq/pkg/eventlog"
	"github.com/synqualis/synq/pkg/firewall"
	"github.com/synqualis/synq/pkg/llm"
)

// CompletionsPath is resolved against a target's base URL. It is absolute, so
// any path on the base URL is replaced.
const CompletionsPath = "/v1/chat/completions"

// DefaultTimeout bounds one forward.
const DefaultTimeout = 2 * time.Minute

// Failure kinds recorded in router records.
const (
	KindConfig    = "config"
	KindNoTarget  = "no_target"
	KindEgress    = "egress"
	KindTransport = "transport"
)

// Result is a completed forward. Any HTTP status counts as completed.
type Result struct {
	Rule       int
	Target     string
	URL        string
	Host       string
	StatusCode int
	Body       []byte
}

// Engine routes requests.
type Engine struct {
	events *eventlog.Writer
	client *http.Client
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithHTTPClient replaces the forwarding client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// WithTimeout sets the forwarding client's timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.client.Timeout = d }
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine returns an Engine recording to events. The default client is
// instrumented with otelhttp.
func NewEngine(events *eventlog.Writer, opts ...Option) *Engine {
	e := &Engine{
		events: events,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: slog.Default().With("component", "routing"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Route selects a target for req from table, checks egress and forwards the
// request body. One router record is appended per call.
func (e *Engine) Route(ctx context.Context, table *Table, req *llm.RequestEnvelope) (*Result, error) {
	if table == nil {
		return nil, e.Reject(ctx, req, &config.ConfigurationError{Source: "route table", Message: "not loaded"})
	}

	rule, target, err := table.Select(InputFor(req))
	if err != nil {
		return nil, e.Reject(ctx, req, err)
	}

	host, err := firewall.NewEgress(table.Security).Check(target.BaseURL)
	if err != nil {
		return nil, e.Reject(ctx, req, err)
	}

	endpoint, err := completionsURL(target.BaseURL)
	if err != nil {
		return nil, e.Reject(ctx, req, &firewall.EgressDeniedError{URL: target.BaseURL, Reason: firewall.ReasonInvalidURL})
	}

	e.logger.DebugContext(ctx, "forwarding", "rule", rule.Index, "target", rule.To, "url", endpoint)
	status, body, err := e.forward(ctx, endpoint, req.ForwardBody())
	if err != nil {
		return nil, e.Reject(ctx, req, &TransportError{URL: endpoint, Err: err})
	}

	res := &Result{Rule: rule.Index, Target: rule.To, URL: endpoint, Host: host, StatusCode: status, Body: body}
	n := len(body)
	rec := &eventlog.RouteRecord{
		Meta:       req.RawMeta,
		Target:     rule.To,
		Host:       host,
		HTTPStatus: status,
		Bytes:      &n,
	}
	if err := e.events.Append(ctx, rec); err != nil {
		return res, fmt.Errorf("record route outcome: %w", err)
	}
	return res, nil
}

// Reject records a routing failure for req and returns cause. req may be nil
// when the request itself could not be decoded.
func (e *Engine) Reject(ctx context.Context, req *llm.RequestEnvelope, cause error) error {
	rec := &eventlog.RouteRecord{Error: cause.Error(), Kind: failureKind(cause)}
	if req != nil {
		rec.Meta = req.RawMeta
	}
	if err := e.events.Append(ctx, rec); err != nil {
		return errors.Join(cause, fmt.Errorf("record route outcome: %w", err))
	}
	return cause
}

func (e *Engine) forward(ctx context.Context, endpoint string, body []byte) (int, []byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func completionsURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	return u.ResolveReference(&url.URL{Path: CompletionsPath}).String(), nil
}

func failureKind(err error) string {
	var (
		cfgErr    *config.ConfigurationError
		noTarget  *NoTargetError
		egress    *firewall.EgressDeniedError
		transport *TransportError
	)
	switch {
	case errors.As(err, &noTarget):
		return KindNoTarget
	case errors.As(err, &egress):
		return KindEgress
	case errors.As(err, &transport):
		return KindTransport
	case errors.As(err, &cfgErr):
		return KindConfig
	default:
		return "input"
	}
}

// Reply is the stdout document of the route command.
type Reply struct {
	Status     string `json:"status"`
	HTTPStatus int    `json:"http_status,omitempty"`
	Body       string `json:"body,omitempty"`
	Message    string `json:"message,omitempty"`
}

// OKReply renders a completed forward.
func OKReply(res *Result) Reply {
	return Reply{Status: "ok", HTTPStatus: res.StatusCode, Body: string(res.Body)}
}

// ErrorReply renders a failure.
func ErrorReply(err error) Reply {
	return Reply{Status: "error", Message: err.Error()}
}

// MarshalLine encodes r as one line.
func (r Reply) MarshalLine() []byte {
	b, _ := json.Marshal(r)
	return append(b, '\n')
}
