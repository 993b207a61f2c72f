package dispatch

import (
	"time"

	"postrelay/internal/delivery"
)

type Action int

const (
	// Continue moves on to the next message.
	Continue Action = iota
	// Retry attempts the same message again after Decision.Wait.
	Retry
	// Abort stops the whole job.
	Abort
)

func (a Action) String() string {
	switch a {
	case Continue:
		return "continue"
	case Retry:
		return "retry"
	case Abort:
		return "abort"
	default:
		return "unknown"
	}
}

type Decision struct {
	Action Action
	Wait   time.Duration
	// Exhausted is set on Continue when the message failed on its last attempt.
	Exhausted bool
}

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	maxBackoffShift    = 30
	maxBackoff         = 24 * time.Hour
)

// DefaultAbortCodes are endpoint error codes that stop a job outright:
// 190 (invalid OAuth token), 102 and 4. The latter two are rate or session
// codes but share the abort class.
var DefaultAbortCodes = []int{190, 102, 4}

// Policy maps a delivery outcome to the next step. It holds no state, so a
// job may share it with others.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	AbortCodes  map[int]bool
}

func DefaultPolicy() Policy {
	return NewPolicy(DefaultMaxAttempts, DefaultBaseDelay, DefaultAbortCodes)
}

// NewPolicy builds a policy, substituting defaults for zero values.
func NewPolicy(maxAttempts int, base time.Duration, abortCodes []int) Policy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if len(abortCodes) == 0 {
		abortCodes = DefaultAbortCodes
	}
	codes := make(map[int]bool, len(abortCodes))
	for _, c := range abortCodes {
		codes[c] = true
	}
	return Policy{MaxAttempts: maxAttempts, BaseDelay: base, AbortCodes: codes}
}

// Decide classifies outcome o of attempt number attempt (1-based).
func (p Policy) Decide(o delivery.Outcome, attempt int) Decision {
	switch v := o.(type) {
	case delivery.Delivered:
		return Decision{Action: Continue}
	case delivery.Rejected:
		if p.AbortCodes[v.Code] {
			return Decision{Action: Abort}
		}
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if attempt >= maxAttempts {
		return Decision{Action: Continue, Exhausted: true}
	}
	return Decision{Action: Retry, Wait: p.backoff(attempt)}
}

// backoff doubles from BaseDelay: attempt 1 waits BaseDelay, attempt 2 twice
// that. It saturates at maxBackoff.
func (p Policy) backoff(attempt int) time.Duration {
	base := min(p.BaseDelay, maxBackoff)
	if base <= 0 {
		base = DefaultBaseDelay
	}
	shift := min(max(attempt-1, 0), maxBackoffShift)
	if base > maxBackoff>>shift {
		return maxBackoff
	}
	return base << shift
}
