package admission

import (
	"fmt"
	"strings"
)

// SecurityPolicyError reports that cloud egress is not explicitly denied.
type SecurityPolicyError struct {
	Reason string
}

func (e *SecurityPolicyError) Error() string {
	return "security policy: " + e.Reason
}

// LeakedCredentialError lists provider credential variables holding live values.
type LeakedCredentialError struct {
	Keys []string
}

func (e *LeakedCredentialError) Error() string {
	return fmt.Sprintf("external API keys must be unset or %q: %s", DisabledSentinel, strings.Join(e.Keys, ","))
}

// BudgetExceededError reports a request above the token budget.
type BudgetExceededError struct {
	Len   float64
	Limit float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("token length %g exceeds %g; rejected", e.Len, e.Limit)
}
