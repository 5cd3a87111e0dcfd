package idp

import "fmt"

// ValidationError marks a provider record that cannot be ingested, such
// as a user without an id or primary email. It is terminal for the run.
type ValidationError struct {
	Provider string
	Detail   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: invalid record: %s", e.Provider, e.Detail)
}

// ScopeError marks a verification probe rejected for a missing grant.
type ScopeError struct {
	Provider string
	Scope    string
	Err      error
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("%s: scope %s not granted: %v", e.Provider, e.Scope, e.Err)
}

func (e *ScopeError) Unwrap() error { return e.Err }
