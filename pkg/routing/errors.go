package routing

import "fmt"

// NoTargetError reports that no rule matched, or the matched rule names a
// target the table does not define. Rule is -1 when nothing matched.
type NoTargetError struct {
	Rule   int
	Target string
}

func (e *NoTargetError) Error() string {
	if e.Rule < 0 {
		return "no target resolved: no rule matched"
	}
	return fmt.Sprintf("no target resolved: rule %d names undefined target %q", e.Rule, e.Target)
}

// TransportError wraps a failed forward.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("forward to %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
