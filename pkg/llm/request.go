// Package llm holds the OpenAI-compatible request and response envelopes that
// flow between pipeline stages.
package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf16"
)

// Meta is the routing metadata of a request. Flags follow JSON truthiness.
type Meta struct {
	// Task is nil when absent or not a string.
	Task          *string
	NeedSpeed     bool
	NeedPrecision bool
	// Len is the caller-declared token length; 0 when absent or non-numeric.
	Len float64
	// Fields is the decoded meta object, exposed to rule expressions.
	Fields map[string]any
}

// UnmarshalJSON decodes meta leniently. Non-object input yields an empty Meta.
func (m *Meta) UnmarshalJSON(data []byte) error {
	*m = Meta{Fields: map[string]any{}}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return nil
	}
	m.Fields = fields
	if s, ok := fields["task"].(string); ok {
		m.Task = &s
	}
	m.NeedSpeed = Truthy(fields["need_speed"])
	m.NeedPrecision = Truthy(fields["need_precision"])
	if n, ok := Number(fields["len"]); ok && !math.IsNaN(n) {
		m.Len = n
	}
	return nil
}

// RequestEnvelope is the {meta, body, messages} document accepted on stdin by
// the admission gate and the router.
type RequestEnvelope struct {
	Meta Meta
	// RawMeta is the meta value as received, or {} when absent.
	RawMeta  json.RawMessage
	Body     json.RawMessage
	Messages json.RawMessage
}

// ErrNotObject is returned when the request document is not a JSON object.
var ErrNotObject = errors.New("request must be a JSON object")

// MalformedError reports input that is not acceptable JSON.
type MalformedError struct {
	What string
	Err  error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("invalid %s JSON: %v", e.What, e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// ParseRequest decodes a request envelope. Failures are *MalformedError.
func ParseRequest(data []byte) (*RequestEnvelope, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &MalformedError{What: "request", Err: err}
	}
	if doc == nil {
		return nil, &MalformedError{What: "request", Err: ErrNotObject}
	}

	env := &RequestEnvelope{
		RawMeta:  orEmptyObject(doc["meta"]),
		Body:     doc["body"],
		Messages: doc["messages"],
	}
	_ = json.Unmarshal(env.RawMeta, &env.Meta)
	return env, nil
}

// ForwardBody returns the chat payload to send upstream, {} when absent.
func (e *RequestEnvelope) ForwardBody() []byte {
	return orEmptyObject(e.Body)
}

// TokenLen returns the declared meta.len, or the estimate from message content
// when the declared value is absent or zero.
func (e *RequestEnvelope) TokenLen() float64 {
	if e.Meta.Len != 0 {
		return e.Meta.Len
	}
	return float64(EstimateTokens(e.messages()))
}

func (e *RequestEnvelope) messages() json.RawMessage {
	if len(e.Body) > 0 {
		var body struct {
			Messages json.RawMessage `json:"messages"`
		}
		if json.Unmarshal(e.Body, &body) == nil && truthyRaw(body.Messages) {
			return body.Messages
		}
	}
	return e.Messages
}

// EstimateTokens approximates tokens as floor(chars/4) over message content,
// counting UTF-16 code units. Array content contributes the text of each part
// joined by a space. Anything that is not an array of messages counts as 0.
func EstimateTokens(raw json.RawMessage) int {
	var msgs []json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &msgs) != nil {
		return 0
	}
	chars := 0
	for _, m := range msgs {
		var msg struct {
			Content json.RawMessage `json:"content"`
		}
		if json.Unmarshal(m, &msg) != nil {
			continue
		}
		chars += utf16Len(contentText(msg.Content))
	}
	return chars / 4
}

func contentText(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var parts []json.RawMessage
	if json.Unmarshal(raw, &parts) != nil {
		return ""
	}
	texts := make([]string, len(parts))
	for i, p := range parts {
		var part struct {
			Text any `json:"text"`
		}
		if json.Unmarshal(p, &part) == nil {
			if t, ok := part.Text.(string); ok {
				texts[i] = t
			}
		}
	}
	return strings.Join(texts, " ")
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

// Truthy applies JSON truthiness: false, 0, NaN, "", and null are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0 && !math.IsNaN(t)
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	case string:
		return t != ""
	default:
		return true
	}
}

func truthyRaw(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var v any
	if json.Unmarshal(raw, &v) != nil {
		return false
	}
	return Truthy(v)
}

// Number coerces a JSON value to a float. null and absent are reported as not
// ok; bools map to 0/1; strings are parsed after trimming, "" is 0. Values that
// cannot be coerced yield NaN with ok true.
func Number(v any) (float64, bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return math.NaN(), true
		}
		return f, true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, true
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return math.NaN(), true
		}
		return f, true
	default:
		return math.NaN(), true
	}
}

func orEmptyObject(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}")
	}
	return trimmed
}
