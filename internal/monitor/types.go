// Package monitor contains the supervision core: the config validator that
// turns the operator's document into typed monitor records, the pure
// retry/backoff policy engine, the per-monitor coordinator, and the
// supervisor that owns the coordinator set.
package monitor

import (
	"fmt"
	"time"
)

// Backoff selects the delay formula applied between retries.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// ParseBackoff maps the document string onto the closed enum. Unknown values
// are an error, never interned blindly.
func ParseBackoff(s string) (Backoff, error) {
	switch Backoff(s) {
	case BackoffFixed, BackoffLinear, BackoffExponential:
		return Backoff(s), nil
	}
	return "", fmt.Errorf("unknown backoff strategy %q", s)
}

// UnlimitedRetries is the MaxRetries sentinel for a null max_retries in the
// document: the monitor retries forever.
const UnlimitedRetries = -1

// RetryPolicy governs how operational failures are retried or abandoned.
// All three fields come from the document; there are no defaults here.
type RetryPolicy struct {
	MaxRetries int           // >= 0, or UnlimitedRetries
	Strategy   Backoff       // delay formula
	Timeout    time.Duration // base delay between retries
}

// Monitor is one validated probe definition. Built by the validator,
// immutable afterwards.
type Monitor struct {
	Name     string         // operator-assigned, unique in the document
	Type     string         // protocol tag, resolved against installed workers
	Config   map[string]any // typed per the protocol schema, defaults applied
	Policy   RetryPolicy
	InformTo []string // rule names subscribed to this monitor's envelopes
}
