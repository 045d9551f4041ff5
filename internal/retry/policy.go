// Package retry decides whether a failed HTTP outcome is re-issued and
// how long to wait first.
//
// The policy is a pure value: it holds no counters. Callers track their
// own attempt numbers, starting at 1 for the first retry.
package retry

import (
	"context"
	"errors"
	"math"
	"net"
	"slices"
	"time"
)

// Action is what the caller should do with an outcome.
type Action int

const (
	GiveUp Action = iota
	Retry
)

func (a Action) String() string {
	if a == Retry {
		return "retry"
	}
	return "give_up"
}

// Outcome describes a single attempt result. Status is the HTTP status when
// a response arrived; Err is the transport error when none did.
type Outcome struct {
	Status int
	Err    error
}

// Decision is the policy verdict for an outcome.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// Policy configures exponential backoff without jitter.
type Policy struct {
	BaseDelay         time.Duration
	Multiplier        float64
	MaxRetries        int
	RetryableStatuses []int
}

// DefaultPolicy returns 1s base, doubling, 3 retries on 500/502/503/504.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:         time.Second,
		Multiplier:        2,
		MaxRetries:        3,
		RetryableStatuses: []int{500, 502, 503, 504},
	}
}

// Decide returns Retry with a delay when o is retryable and attempt is
// within budget. attempt is the 1-based number of the retry being considered.
func (p Policy) Decide(o Outcome, attempt int) Decision {
	if !p.Retryable(o) || attempt < 1 || attempt > p.MaxRetries {
		return Decision{Action: GiveUp}
	}
	return Decision{Action: Retry, Delay: p.Delay(attempt)}
}

// Retryable reports whether o belongs to the retryable set: a listed
// server status or a transport timeout.
func (p Policy) Retryable(o Outcome) bool {
	if o.Err != nil {
		return IsTimeout(o.Err)
	}
	return slices.Contains(p.RetryableStatuses, o.Status)
}

// Delay returns BaseDelay * Multiplier^(attempt-1).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
