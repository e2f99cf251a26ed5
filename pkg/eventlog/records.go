package eventlog

import (
	"encoding/json"
	"time"
)

// Record statuses shared across streams.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusWarn    = "warn"
	StatusTimeout = "timeout"
	StatusFail    = "fail"
)

// Header is embedded in every typed record.
type Header struct {
	Timestamp time.Time `json:"@timestamp"`
	RecordID  string    `json:"record_id"`
	Digest    string    `json:"digest,omitempty"`
}

func (h *Header) header() *Header { return h }

// Record is implemented by the typed per-stream records below. The set is
// closed: only types in this package embed Header.
type Record interface {
	Stream() Stream
	header() *Header
}

// GuardRecord is written by the layer guard.
type GuardRecord struct {
	Header
	Status     string     `json:"status"`
	Current    string     `json:"current"`
	Active     string     `json:"active,omitempty"`
	UpdatedAt  *time.Time `json:"updatedAt,omitempty"`
	Owner      string     `json:"owner,omitempty"`
	Version    int64      `json:"version,omitempty"`
	Superseded bool       `json:"superseded,omitempty"`
	Message    string     `json:"message,omitempty"`
}

func (*GuardRecord) Stream() Stream { return StreamGuard }

// AdmissionRecord is written by the pre-admission gate, one per check outcome.
type AdmissionRecord struct {
	Header
	Gate    string   `json:"gate"`
	Status  string   `json:"status"`
	Layer   string   `json:"layer,omitempty"`
	Len     *float64 `json:"len,omitempty"`
	Keys    []string `json:"keys,omitempty"`
	Message string   `json:"message,omitempty"`
}

func (*AdmissionRecord) Stream() Stream { return StreamAdmission }

// RouteRecord is written by the routing engine.
type RouteRecord struct {
	Header
	Meta       json.RawMessage `json:"meta,omitempty"`
	Target     string          `json:"target,omitempty"`
	Host       string          `json:"host,omitempty"`
	HTTPStatus int             `json:"status,omitempty"`
	Bytes      *int            `json:"bytes,omitempty"`
	Error      string          `json:"error,omitempty"`
	Kind       string          `json:"kind,omitempty"`
}

func (*RouteRecord) Stream() Stream { return StreamRouter }

// FieldError is one structural violation reported by the schema check.
type FieldError struct {
	InstanceLocation string `json:"instanceLocation"`
	KeywordLocation  string `json:"keywordLocation"`
	Message          string `json:"message"`
}

// ProofRecord is written by the structural schema check.
type ProofRecord struct {
	Header
	Status  string       `json:"status"`
	Errors  []FieldError `json:"errors,omitempty"`
	Message string       `json:"message,omitempty"`
}

func (*ProofRecord) Stream() Stream { return StreamProof }

// GateRecord is written by the post-response gate.
type GateRecord struct {
	Header
	Gate     string   `json:"gate"`
	Stage    string   `json:"stage"`
	Status   string   `json:"status"`
	Q        *float64 `json:"Q,omitempty"`
	Pass     *float64 `json:"pass,omitempty"`
	Unknown  *float64 `json:"UNKNOWN,omitempty"`
	Failures []string `json:"failures,omitempty"`
	Message  string   `json:"message,omitempty"`
}

func (*GateRecord) Stream() Stream { return StreamGate }

// ChunkRecord is written by the bounded task runner. ExitCode is null on
// timeout.
type ChunkRecord struct {
	Header
	Name      string `json:"name"`
	Status    string `json:"status"`
	ExitCode  *int   `json:"exitCode"`
	Timeout   bool   `json:"timeout"`
	ElapsedMs int64  `json:"elapsedMs"`
}

func (*ChunkRecord) Stream() Stream { return StreamChunks }

// AuditRecord is written by the audit verifier.
type AuditRecord struct {
	Header
	Status       string   `json:"status"`
	Problems     []string `json:"problems"`
	UnknownCount int      `json:"unknownCount"`
	Tampered     int      `json:"tampered,omitempty"`
}

func (*AuditRecord) Stream() Stream { return StreamAudit }
