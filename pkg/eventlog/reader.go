package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const maxLineBytes = 64 << 20

// Line is one non-empty line of a stream. Fields is nil when the line is not a
// JSON object; the raw text is always kept.
type Line struct {
	LineNo int
	Raw    string
	Fields map[string]any
}

// ReadStream returns the non-empty lines of stream s under dir. A missing
// stream yields no lines and no error.
func ReadStream(dir string, s Stream) ([]Line, error) {
	f, err := os.Open(filepath.Join(dir, string(s)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", s, err)
	}
	defer func() { _ = f.Close() }()

	var lines []Line
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	n := 0
	for sc.Scan() {
		n++
		raw := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(raw) == "" {
			continue
		}
		lines = append(lines, Line{LineNo: n, Raw: raw, Fields: decodeObject(raw)})
	}
	if err := sc.Err(); err != nil {
		return lines, fmt.Errorf("eventlog: read %s: %w", s, err)
	}
	return lines, nil
}

func decodeObject(raw string) map[string]any {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil
	}
	if dec.More() {
		return nil
	}
	return m
}

// Decode unmarshals the raw line into v.
func (l Line) Decode(v any) error {
	return json.Unmarshal([]byte(l.Raw), v)
}

// String returns the string field key, or "".
func (l Line) String(key string) string {
	s, _ := l.Fields[key].(string)
	return s
}

// Bool reports whether field key is the JSON literal true.
func (l Line) Bool(key string) bool {
	b, _ := l.Fields[key].(bool)
	return b
}

// Number returns field key when it is a JSON number.
func (l Line) Number(key string) (float64, bool) {
	n, ok := l.Fields[key].(json.Number)
	if !ok {
		return 0, false
	}
	f, err := n.Float64()
	if err != nil {
		return 0, false
	}
	return f, true
}

// VerifyDigest recomputes the digest of a record that carries one. signed is
// false for lines without a digest field; valid is meaningful only when signed.
func (l Line) VerifyDigest() (signed, valid bool) {
	want, ok := l.Fields["digest"].(string)
	if !ok {
		return false, false
	}
	unsigned := make(map[string]any, len(l.Fields))
	for k, v := range l.Fields {
		if k != "digest" {
			unsigned[k] = v
		}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(unsigned); err != nil {
		return true, false
	}
	got, err := Digest(bytes.TrimSpace(buf.Bytes()))
	if err != nil {
		return true, false
	}
	return true, got == want
}
