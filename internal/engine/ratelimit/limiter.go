// Package ratelimit paces outbound API calls against the remote service's
// self-reported quota and backs off exponentially on 429 responses.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

// Headroom thresholds, as a fraction of the quota window still available.
const (
	// HighHeadroom: above this a slight speedup is allowed.
	HighHeadroom = 0.70
	// LowHeadroom: at or below this, slow down.
	LowHeadroom = 0.20
	// CriticalHeadroom: at or below this, wait for the reset.
	CriticalHeadroom = 0.10
)

// Pacing intervals.
const (
	// MinInterval is the absolute floor between calls.
	MinInterval = 400 * time.Millisecond
	// DefaultInterval is used at normal headroom or when quota is unknown.
	DefaultInterval = 500 * time.Millisecond
	// CautiousInterval is used when headroom is low.
	CautiousInterval = time.Second
	// resetBuffer is added after a quota reset before resuming.
	resetBuffer = 500 * time.Millisecond
)

// Backoff configuration for 429 responses.
const (
	// InitialBackoff is the first 429 backoff interval.
	InitialBackoff = 2 * time.Second
	// BackoffMultiplier doubles the backoff after each consecutive 429.
	BackoffMultiplier = 2.0
	// MaxBackoff caps the pre-jitter backoff interval.
	MaxBackoff = 60 * time.Second
	// JitterFactor is the maximum fraction of the interval added as
	// uniform jitter, preventing synchronized retries.
	JitterFactor = 0.25
	// MaxConsecutive429s aborts the run once this many 429s arrive in a
	// row without an intervening success.
	MaxConsecutive429s = 5
)

// Rate-limit headers reported by the remote service.
const (
	headerLimit     = "X-RateLimit-Limit"
	headerRemaining = "X-RateLimit-Remaining"
	headerReset     = "X-RateLimit-Reset"
)

// ErrRateLimitExceeded is returned once the consecutive-429 cap is reached.
// The run must abort rather than retry indefinitely.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// State tracks the limiter's view of the remote quota window. It is
// process-local and never persisted: a resumed run starts optimistic until
// the first response recalibrates it.
type State struct {
	Remaining       int
	Limit           int
	ResetAt         time.Time
	Consecutive429s int

	hasQuota bool
	hasReset bool
	backoff  time.Duration
}

// Headroom returns the remaining quota fraction and whether it is known.
func (s State) Headroom() (float64, bool) {
	if !s.hasQuota || s.Limit == 0 {
		return 0, false
	}
	return float64(s.Remaining) / float64(s.Limit), true
}

// Limiter decides how long to wait before each outbound call.
//
// Not safe for concurrent use; the engine is single-threaded by design.
type Limiter struct {
	min          time.Duration
	def          time.Duration
	cautious     time.Duration
	maxTrips     int
	conservative bool
	state        State

	// Test seams.
	sleep func(context.Context, time.Duration) error
	now   func() time.Time
	randf func() float64
}

// Option configures a Limiter.
type Option func(*Limiter)

// Conservative clamps the interval to never go below the default even at
// high headroom. Used for destructive operations where avoiding limiter
// trips outranks throughput.
func Conservative() Option {
	return func(l *Limiter) { l.conservative = true }
}

// WithIntervals overrides the min/default/cautious pacing intervals.
func WithIntervals(minI, def, cautious time.Duration) Option {
	return func(l *Limiter) {
		l.min = minI
		l.def = def
		l.cautious = cautious
	}
}

// WithSleepFunc replaces the blocking sleep, for callers that integrate
// their own timers.
func WithSleepFunc(fn func(context.Context, time.Duration) error) Option {
	return func(l *Limiter) { l.sleep = fn }
}

// New creates a Limiter with default pacing.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		min:      MinInterval,
		def:      DefaultInterval,
		cautious: CautiousInterval,
		maxTrips: MaxConsecutive429s,
		state:    State{backoff: InitialBackoff},
		sleep:    sleepCtx,
		now:      time.Now,
		randf:    rand.Float64,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Observe updates quota state from a response's rate-limit headers.
// Unparseable headers are ignored individually.
func (l *Limiter) Observe(h http.Header) {
	remaining, remErr := strconv.Atoi(h.Get(headerRemaining))
	limit, limErr := strconv.Atoi(h.Get(headerLimit))
	if remErr == nil && limErr == nil {
		l.state.Remaining = remaining
		l.state.Limit = limit
		l.state.hasQuota = true
	}

	if epoch, err := strconv.ParseInt(h.Get(headerReset), 10, 64); err == nil {
		l.state.ResetAt = time.Unix(epoch, 0)
		l.state.hasReset = true
	}
}

// Interval returns the wait before the next call, per the headroom decision
// rule. Unknown headroom yields the default interval.
func (l *Limiter) Interval() time.Duration {
	interval := l.adaptiveInterval()
	if l.conservative && interval < l.def {
		return l.def
	}
	return interval
}

func (l *Limiter) adaptiveInterval() time.Duration {
	headroom, known := l.state.Headroom()
	if !known {
		return l.def
	}

	switch {
	case headroom <= CriticalHeadroom:
		return l.waitForReset()
	case headroom <= LowHeadroom:
		return l.cautious
	case headroom <= HighHeadroom:
		return l.def
	default:
		return l.min
	}
}

// waitForReset returns the time until the reported quota reset plus a small
// buffer, falling back to the cautious interval when no reset is known or
// it has already passed.
func (l *Limiter) waitForReset() time.Duration {
	if !l.state.hasReset {
		return l.cautious
	}
	wait := l.state.ResetAt.Sub(l.now())
	if wait <= 0 {
		return l.cautious
	}
	return wait + resetBuffer
}

// Wait blocks for the computed interval before the next outbound call,
// returning early with the context error if cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.sleep(ctx, l.Interval())
}

// Backoff handles a 429 response: it increments the consecutive-429 count
// and either aborts with ErrRateLimitExceeded at the cap, or sleeps for
// min(backoff, MaxBackoff) plus uniform jitter and doubles the backoff for
// next time.
func (l *Limiter) Backoff(ctx context.Context) error {
	l.state.Consecutive429s++
	if l.state.Consecutive429s >= l.maxTrips {
		return fmt.Errorf("%w: aborting after %d consecutive 429 responses", ErrRateLimitExceeded, l.maxTrips)
	}

	interval := min(l.state.backoff, MaxBackoff)
	jitter := time.Duration(l.randf() * JitterFactor * float64(interval))
	l.state.backoff = min(time.Duration(float64(l.state.backoff)*BackoffMultiplier), MaxBackoff)

	return l.sleep(ctx, interval+jitter)
}

// RecordSuccess resets the consecutive-429 count and backoff to base
// values. Call it on any non-429 response.
func (l *Limiter) RecordSuccess() {
	l.state.Consecutive429s = 0
	l.state.backoff = InitialBackoff
}

// Snapshot returns a copy of the current limiter state for reporting.
func (l *Limiter) Snapshot() State {
	return l.state
}

// StatusSummary renders a short human-readable quota status line.
func (l *Limiter) StatusSummary() string {
	headroom, known := l.state.Headroom()
	if !known {
		return "rate limit status: unknown"
	}

	pct := headroom * 100
	switch {
	case headroom <= CriticalHeadroom:
		return fmt.Sprintf("rate limit CRITICAL: %d/%d (%.0f%%), waiting for reset",
			l.state.Remaining, l.state.Limit, pct)
	case headroom <= LowHeadroom:
		return fmt.Sprintf("rate limit LOW: %d/%d (%.0f%%), slowing down",
			l.state.Remaining, l.state.Limit, pct)
	default:
		return fmt.Sprintf("rate limit OK: %d/%d (%.0f%%)",
			l.state.Remaining, l.state.Limit, pct)
	}
}

// sleepCtx sleeps for d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
