// Package ratelimit implements rate limiter selection for the request
// edge: an ordered stack of candidate limiters is probed per request
// and the first active one governs it. This package only selects the
// limiter configuration; enforcement belongs to the caller.
package ratelimit

import (
	"strconv"

	"github.com/discourse/discourse-sub105/pkg/classify"
)

// Identity is the resolved requester, when authentication upstream
// produced one. A nil *Identity means an anonymous request.
type Identity struct {
	// UserID identifies the user.
	UserID int64

	// TrustLevel is the user's reputation tier. Trusted users escape
	// the blunt per-IP limit and are limited individually instead.
	TrustLevel int
}

// Limiter is a candidate instantiated for one request. It answers the
// three questions the tracker needs: does this candidate apply, under
// which key is its budget tracked, and is that budget cluster-wide.
type Limiter interface {
	// Active reports whether this candidate governs the request.
	Active() bool

	// Key is the bucket identifier the enforcement layer should count
	// against.
	Key() string

	// Global reports whether the budget is shared across the whole
	// cluster (true) or tracked per logical site (false).
	Global() bool
}

// Candidate is a registered limiter type. Build instantiates it for a
// request; Name identifies it in the stack and in metrics.
type Candidate interface {
	Name() string
	Build(facts classify.Facts, id *Identity) Limiter
}

// IPCandidate is the default limiter: always active, keyed by client
// IP, with a budget shared across the whole cluster.
type IPCandidate struct{}

// Name implements Candidate.
func (IPCandidate) Name() string { return "ip" }

// Build implements Candidate.
func (IPCandidate) Build(facts classify.Facts, _ *Identity) Limiter {
	return ipLimiter{ip: facts.ClientIP}
}

type ipLimiter struct {
	ip string
}

func (l ipLimiter) Active() bool { return true }
func (l ipLimiter) Key() string  { return "ip/" + l.ip }
func (l ipLimiter) Global() bool { return true }

// DefaultMinTrustLevel is the reputation tier at which a user is
// limited individually instead of by IP.
const DefaultMinTrustLevel = 1

// UserCandidate limits trusted, identified users by user id rather
// than by IP, so they are not penalized for sharing an address with
// abusive anonymous traffic. Budgets are tracked per logical site.
type UserCandidate struct {
	// MinTrustLevel is the threshold at or above which the candidate
	// activates. Defaults to DefaultMinTrustLevel.
	MinTrustLevel int
}

// Name implements Candidate.
func (UserCandidate) Name() string { return "user" }

// Build implements Candidate.
func (c UserCandidate) Build(_ classify.Facts, id *Identity) Limiter {
	min := c.MinTrustLevel
	if min <= 0 {
		min = DefaultMinTrustLevel
	}
	return userLimiter{id: id, minTrustLevel: min}
}

type userLimiter struct {
	id            *Identity
	minTrustLevel int
}

func (l userLimiter) Active() bool {
	return l.id != nil && l.id.TrustLevel >= l.minTrustLevel
}

func (l userLimiter) Key() string {
	if l.id == nil {
		return "user/"
	}
	return "user/" + strconv.FormatInt(l.id.UserID, 10)
}

func (l userLimiter) Global() bool { return false }
