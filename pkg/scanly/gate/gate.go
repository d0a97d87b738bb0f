// Package gate decides whether a scan of a link may proceed.
//
// Rules are evaluated strictly in this order and the first match wins:
//
//  1. deactivated    - the link is inactive
//  2. expired        - expires_at is in the past (deactivates the link)
//  3. limit_reached  - scan count >= max_scans (deactivates the link)
//  4. require_auth   - password protection is on and a hash is stored
//  5. proceed
//
// Evaluation is pure. When a rule needs the link deactivated, the returned
// Decision says so and the caller performs the write.
package gate

import (
	"time"

	"github.com/scanly/scanly/pkg/scanly/models"
)

// Outcome is the classification of a scan.
type Outcome string

const (
	Proceed          Outcome = "proceed"
	DenyDeactivated  Outcome = "deactivated"
	DenyExpired      Outcome = "expired"
	DenyLimitReached Outcome = "limit_reached"
	RequireAuth      Outcome = "require_auth"
)

// Denied reports whether the outcome is one of the policy denials.
func (o Outcome) Denied() bool {
	return o == DenyDeactivated || o == DenyExpired || o == DenyLimitReached
}

// ScanCounter returns the current number of recorded scans. It is only called
// when a max-scan ceiling has to be checked.
type ScanCounter func() (int64, error)

// State is the lifecycle snapshot of a link at evaluation time.
type State struct {
	IsActive            bool
	ExpiresAt           *time.Time
	MaxScans            *int
	IsPasswordProtected bool
	HasPasswordHash     bool
	ScanCount           ScanCounter
}

// FromLink builds a State for a link, deferring the scan count to counter.
func FromLink(link *models.Link, counter ScanCounter) State {
	return State{
		IsActive:            link.IsActive,
		ExpiresAt:           link.ExpiresAt,
		MaxScans:            link.MaxScans,
		IsPasswordProtected: link.IsPasswordProtected,
		HasPasswordHash:     link.HasPasswordHash(),
		ScanCount:           counter,
	}
}

// Decision is the result of an evaluation. Deactivate is set when the caller
// must flip the link to inactive.
type Decision struct {
	Outcome    Outcome
	Deactivate bool
}

type rule struct {
	outcome    Outcome
	deactivate bool
	match      func(s State, now time.Time) (bool, error)
}

// rules is the precedence contract described in the package doc.
var rules = []rule{
	{outcome: DenyDeactivated, match: isInactive},
	{outcome: DenyExpired, deactivate: true, match: isExpired},
	{outcome: DenyLimitReached, deactivate: true, match: isOverLimit},
	{outcome: RequireAuth, match: needsPassword},
}

// Evaluate classifies a scan at time now. An error is only possible when the
// scan counter fails.
func Evaluate(s State, now time.Time) (Decision, error) {
	for _, r := range rules {
		matched, err := r.match(s, now)
		if err != nil {
			return Decision{}, err
		}
		if matched {
			return Decision{Outcome: r.outcome, Deactivate: r.deactivate}, nil
		}
	}
	return Decision{Outcome: Proceed}, nil
}

func isInactive(s State, _ time.Time) (bool, error) {
	return !s.IsActive, nil
}

func isExpired(s State, now time.Time) (bool, error) {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt), nil
}

func isOverLimit(s State, _ time.Time) (bool, error) {
	if s.MaxScans == nil {
		return false, nil
	}
	if s.ScanCount == nil {
		return false, nil
	}
	count, err := s.ScanCount()
	if err != nil {
		return false, err
	}
	return count >= int64(*s.MaxScans), nil
}

func needsPassword(s State, _ time.Time) (bool, error) {
	return s.IsPasswordProtected && s.HasPasswordHash, nil
}
