package config

import "fmt"

// ConfigurationError reports a missing or malformed rule table, schema, lock
// store or setting. It is always fatal for the invocation.
type ConfigurationError struct {
	Source  string `json:"source"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error (%s): %s: %v", e.Source, e.Message, e.Err)
	}
	return fmt.Sprintf("configuration error (%s): %s", e.Source, e.Message)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
