package monitor

import (
	"time"

	"github.com/argos-watch/argos/internal/probe"
)

// Decide computes the recovery action for a monitor's next failure.
//
// retryCount is the number of prior failures before the current one; the
// failure being handled is attempt retryCount+1. The function is pure: the
// coordinator owns the counter and any side effects.
func Decide(retryCount int, policy RetryPolicy) probe.RecoveryAction {
	if policy.MaxRetries != UnlimitedRetries && retryCount >= policy.MaxRetries {
		return probe.Shutdown()
	}
	return probe.Retry(backoffDelay(retryCount, policy))
}

func backoffDelay(retryCount int, policy RetryPolicy) time.Duration {
	base := policy.Timeout
	switch policy.Strategy {
	case BackoffLinear:
		return base * time.Duration(retryCount+1)
	case BackoffExponential:
		// Cap the doubling so unlimited-retry monitors cannot overflow.
		shift := retryCount
		if shift > 20 {
			shift = 20
		}
		return base << uint(shift)
	default: // BackoffFixed
		return base
	}
}
