package quality

import (
	"fmt"
	"strings"

	"github.com/synqualis/synq/pkg/eventlog"
)

// FieldError is one structural violation.
type FieldError = eventlog.FieldError

// SchemaError reports a response that does not conform to the schema.
type SchemaError struct {
	Errors []FieldError
}

func (e *SchemaError) Error() string {
	if len(e.Errors) == 0 {
		return "schema validation failed"
	}
	first := e.Errors[0]
	loc := first.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	msg := fmt.Sprintf("schema validation failed at %s: %s", loc, first.Message)
	if n := len(e.Errors) - 1; n > 0 {
		msg += fmt.Sprintf(" (+%d more)", n)
	}
	return msg
}

// QualityError lists the metrics that missed their thresholds.
type QualityError struct {
	Failures []string
}

func (e *QualityError) Error() string {
	return "quality gate failed: " + strings.Join(e.Failures, ", ")
}
