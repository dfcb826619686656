package httpmw

import (
	"context"
	"sync/atomic"
)

// Outcome is the security classification of a finished request.
type Outcome string

const (
	OutcomeAllowed     Outcome = "allowed"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeError       Outcome = "error"
	OutcomeAborted     Outcome = "aborted"
)

type outcomeKey struct{}

type outcomeSlot struct {
	v atomic.Value // Outcome
}

// WithOutcome installs an empty outcome slot that inner layers can mark.
// An existing slot is kept.
func WithOutcome(ctx context.Context) context.Context {
	if _, ok := ctx.Value(outcomeKey{}).(*outcomeSlot); ok {
		return ctx
	}
	return context.WithValue(ctx, outcomeKey{}, &outcomeSlot{})
}

// SetOutcome marks the request outcome. It reports false when no slot is installed.
func SetOutcome(ctx context.Context, o Outcome) bool {
	s, ok := ctx.Value(outcomeKey{}).(*outcomeSlot)
	if !ok {
		return false
	}
	s.v.Store(o)
	return true
}

// OutcomeFromContext returns the marked outcome, or "" if nothing marked it.
func OutcomeFromContext(ctx context.Context) Outcome {
	s, ok := ctx.Value(outcomeKey{}).(*outcomeSlot)
	if !ok {
		return ""
	}
	o, _ := s.v.Load().(Outcome)
	return o
}
