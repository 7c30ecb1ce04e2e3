package schedule

import "time"

// BackoffMode selects how retry delays grow across attempts.
type BackoffMode string

const (
	BackoffFixed       BackoffMode = "fixed"
	BackoffExponential BackoffMode = "exponential"
)

// Policy decides whether a failed execution gets another attempt and how
// long to wait before it. It is deliberately independent of the lifecycle
// state machine so the strategy can be swapped without touching it.
type Policy struct {
	Mode     BackoffMode
	Delay    time.Duration // fixed delay, or exponential base
	MaxDelay time.Duration // cap for exponential growth
}

// Decision is the outcome for one failure: retry after Delay, or exhausted.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// DefaultPolicy matches the engine defaults: a fixed short delay.
func DefaultPolicy() Policy {
	return Policy{
		Mode:     BackoffFixed,
		Delay:    2 * time.Minute,
		MaxDelay: 30 * time.Minute,
	}
}

// Decide returns the action for a failure with retryCount prior retries
// already spent against a budget of maxRetry.
func (p Policy) Decide(retryCount, maxRetry int) Decision {
	if retryCount >= maxRetry {
		return Decision{}
	}

	delay := p.Delay
	if delay <= 0 {
		delay = 2 * time.Minute
	}

	if p.Mode == BackoffExponential {
		for i := 0; i < retryCount; i++ {
			delay *= 2
			if p.MaxDelay > 0 && delay >= p.MaxDelay {
				delay = p.MaxDelay
				break
			}
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	return Decision{Retry: true, Delay: delay}
}
