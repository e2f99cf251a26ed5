package llm

import (
	"encoding/json"
	"math"
)

// Metric is one quality metric read from a response. Value is NaN when the
// field is present but not numeric.
type Metric struct {
	Value   float64
	Present bool
}

// Metrics are the quality figures a backend reports alongside its answer.
type Metrics struct {
	Q       Metric
	Pass    Metric
	Unknown Metric
}

// ResponseEnvelope is a decoded backend response. Doc is the full document for
// schema validation; only metrics are interpreted.
type ResponseEnvelope struct {
	Doc     any
	Metrics Metrics
}

// ParseResponse decodes a response document. Any JSON value is accepted; the
// schema decides what shape is acceptable. Failures are *MalformedError.
func ParseResponse(data []byte) (*ResponseEnvelope, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &MalformedError{What: "response", Err: err}
	}
	resp := &ResponseEnvelope{Doc: doc}
	if obj, ok := doc.(map[string]any); ok {
		if metrics, ok := obj["metrics"].(map[string]any); ok {
			resp.Metrics = Metrics{
				Q:       metric(metrics, "Q"),
				Pass:    metric(metrics, "pass"),
				Unknown: metric(metrics, "UNKNOWN"),
			}
		}
	}
	return resp, nil
}

func metric(m map[string]any, key string) Metric {
	v, ok := m[key]
	if !ok {
		return Metric{}
	}
	n, present := Number(v)
	if !present {
		return Metric{}
	}
	return Metric{Value: n, Present: true}
}

// Valid reports whether the metric carries a usable number.
func (m Metric) Valid() bool { return m.Present && !math.IsNaN(m.Value) }
