// ABOUTME: Retry policy expressed as an explicit state machine
// ABOUTME: Attempt count, next delay, and terminal outcome are plain values

package inference

import (
	"context"
	"time"

	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/clock"
)

// Policy is exponential backoff bounded by attempts and a delay cap.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Outcome is where a retry sequence stands.
type Outcome int

const (
	// Pending: Attempt should run after sleeping Wait.
	Pending Outcome = iota
	// Succeeded: the last attempt returned no error.
	Succeeded
	// Failed: the last attempt returned a non-transient error.
	Failed
	// Exhausted: every permitted attempt returned a transient error.
	Exhausted
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Exhausted:
		return "exhausted"
	}
	return "unknown"
}

// Step is one state of a retry sequence.
type Step struct {
	Attempt int
	Wait    time.Duration
	Outcome Outcome
	Class   Class
	Err     error
}

// Terminal reports whether no further attempt will run.
func (s Step) Terminal() bool { return s.Outcome != Pending }

// First is the initial state: attempt 1, no wait.
func (p Policy) First() Step {
	return Step{Attempt: 1, Outcome: Pending}
}

// Delay returns the wait before attempt n+1 after attempt n failed:
// InitialDelay doubled n-1 times, capped at MaxDelay.
func (p Policy) Delay(n int) time.Duration {
	d := p.InitialDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(d, p.MaxDelay)
}

// Next transitions from s given the result of running s.Attempt.
func (p Policy) Next(s Step, err error) Step {
	if err == nil {
		return Step{Attempt: s.Attempt, Outcome: Succeeded}
	}
	class := Classify(err)
	if !class.Transient() {
		return Step{Attempt: s.Attempt, Outcome: Failed, Class: class, Err: err}
	}
	if s.Attempt >= p.MaxAttempts {
		return Step{Attempt: s.Attempt, Outcome: Exhausted, Class: class, Err: err}
	}
	return Step{Attempt: s.Attempt + 1, Wait: p.Delay(s.Attempt), Outcome: Pending, Class: class, Err: err}
}

// Run drives fn through the policy, sleeping on clk between attempts.
// observe, if non-nil, sees every step including the terminal one.
// A cancelled ctx ends the sequence as Failed with class canceled.
func (p Policy) Run(ctx context.Context, clk clock.Clock, fn func(ctx context.Context, attempt int) error, observe func(Step)) Step {
	s := p.First()
	for {
		if s.Wait > 0 {
			if err := clk.Sleep(ctx, s.Wait); err != nil {
				s = Step{Attempt: s.Attempt - 1, Outcome: Failed, Class: ClassCanceled, Err: err}
				if observe != nil {
					observe(s)
				}
				return s
			}
		}
		if err := ctx.Err(); err != nil {
			s = Step{Attempt: s.Attempt - 1, Outcome: Failed, Class: ClassCanceled, Err: err}
			if observe != nil {
				observe(s)
			}
			return s
		}

		s = p.Next(s, fn(ctx, s.Attempt))
		if observe != nil {
			observe(s)
		}
		if s.Terminal() {
			return s
		}
	}
}
