// Package eventlog is the append-only NDJSON store shared by every pipeline stage.
//
// Each stage owns one stream (one file under the logs directory) and writes
// typed records to it. A record is one line, written with a single write(2) on
// an O_APPEND descriptor so concurrent writers from unrelated processes never
// interleave within a line. Records are never rewritten or deleted.
//
// Every typed record carries a header with the ISO-8601 "@timestamp", a
// random record_id and a digest: the SHA-256 of the RFC 8785 canonical form of
// the record without its digest field. The audit verifier recomputes digests
// to detect edited lines.
package eventlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// Stream names a log file under the logs directory.
type Stream string

const (
	StreamGuard     Stream = "guard-layer.ndjson"
	StreamAdmission Stream = "gate-left.ndjson"
	StreamRouter    Stream = "router.ndjson"
	StreamProof     Stream = "proof.ndjson"
	StreamGate      Stream = "gate-right.ndjson"
	StreamChunks    Stream = "chunks.ndjson"
	StreamEvents    Stream = "events.ndjson"
	StreamAudit     Stream = "audit.ndjson"
)

// Streams lists every stream in pipeline order.
var Streams = []Stream{
	StreamGuard,
	StreamAdmission,
	StreamRouter,
	StreamProof,
	StreamGate,
	StreamChunks,
	StreamEvents,
	StreamAudit,
}

// Writer appends records to the streams of one logs directory.
type Writer struct {
	dir   string
	clock func() time.Time
	newID func() string

	mu sync.Mutex
}

// NewWriter returns a writer rooted at dir. The directory is created lazily.
func NewWriter(dir string) *Writer {
	return &Writer{
		dir:   dir,
		clock: time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

// WithClock replaces the timestamp source. Intended for tests.
func (w *Writer) WithClock(clock func() time.Time) *Writer {
	w.clock = clock
	return w
}

// Dir returns the logs directory.
func (w *Writer) Dir() string { return w.dir }

// Path returns the file backing s.
func (w *Writer) Path(s Stream) string { return filepath.Join(w.dir, string(s)) }

// Append stamps rec with a timestamp, record id and digest, then appends it as
// one line to its stream.
func (w *Writer) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h := rec.header()
	if h.Timestamp.IsZero() {
		h.Timestamp = w.clock().UTC()
	}
	if h.RecordID == "" {
		h.RecordID = w.newID()
	}
	h.Digest = ""

	unsigned, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("eventlog: marshal %s record: %w", rec.Stream(), err)
	}
	digest, err := Digest(unsigned)
	if err != nil {
		return err
	}
	h.Digest = digest

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("eventlog: marshal %s record: %w", rec.Stream(), err)
	}
	return w.appendLine(rec.Stream(), line)
}

// AppendRaw appends a caller-supplied line to s verbatim, minus trailing
// newlines. Empty input is ignored.
func (w *Writer) AppendRaw(ctx context.Context, s Stream, line []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	trimmed := strings.TrimRight(strings.TrimSpace(string(line)), "\n")
	if trimmed == "" {
		return nil
	}
	if strings.Contains(trimmed, "\n") {
		return errors.New("eventlog: raw record must be a single line")
	}
	return w.appendLine(s, []byte(trimmed))
}

func (w *Writer) appendLine(s Stream, line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o750); err != nil {
		return fmt.Errorf("eventlog: create %s: %w", w.dir, err)
	}
	f, err := os.OpenFile(w.Path(s), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("eventlog: open %s: %w", s, err)
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("eventlog: append %s: %w", s, err)
	}
	return nil
}

// Digest returns "sha256:<hex>" over the RFC 8785 canonical form of payload.
func Digest(payload []byte) (string, error) {
	canonical, err := jcs.Transform(payload)
	if err != nil {
		return "", fmt.Errorf("eventlog: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
