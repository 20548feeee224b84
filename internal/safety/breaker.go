package safety

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"execgw/internal/logger"
	"execgw/internal/metrics"
	"execgw/internal/models"
	"execgw/internal/store"
)

func publishBreakerState(state models.BreakerState) {
	for _, s := range []models.BreakerState{models.BreakerOpen, models.BreakerTripped, models.BreakerQuietPeriod} {
		v := 0.0
		if s == state {
			v = 1
		}
		metrics.BreakerState.WithLabelValues(string(s)).Set(v)
	}
}

// ErrRateLimited is returned when a flag mutation arrives inside the
// cool-down interval of the previous one.
var ErrRateLimited = errors.New("flag mutation rate limited")

// mutationLimiter enforces one flag mutation per interval across all operator
// endpoints, so the breaker and kill switch cannot be flip-flopped rapidly.
type mutationLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

func newMutationLimiter(interval time.Duration) *mutationLimiter {
	return &mutationLimiter{interval: interval}
}

func (l *mutationLimiter) allow(now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.last.IsZero() && now.Sub(l.last) < l.interval {
		wait := l.interval - now.Sub(l.last)
		return fmt.Errorf("%w, retry in %s", ErrRateLimited, wait.Round(time.Second))
	}
	l.last = now
	return nil
}

// Breaker manages the circuit-breaker flag. OPEN means trading is allowed,
// TRIPPED blocks everything, QUIET_PERIOD follows a reset and allows only
// reduce-only orders until it expires.
type Breaker struct {
	flags   FlagStore
	audit   store.AuditStore
	limiter *mutationLimiter
	quiet   time.Duration
	log     *logger.Logger
}

func NewBreaker(flags FlagStore, audit store.AuditStore, limiter *mutationLimiter, quiet time.Duration, log *logger.Logger) *Breaker {
	return &Breaker{flags: flags, audit: audit, limiter: limiter, quiet: quiet, log: log}
}

// State returns the current breaker record, promoting an expired QUIET_PERIOD
// to OPEN on read.
func (b *Breaker) State(ctx context.Context) (models.BreakerRecord, error) {
	rec, err := b.flags.Breaker(ctx)
	if err != nil {
		return models.BreakerRecord{}, err
	}
	if rec.State == models.BreakerQuietPeriod && time.Since(rec.ResetAt) >= b.quiet {
		rec.State = models.BreakerOpen
		if err := b.flags.SetBreaker(ctx, rec); err != nil {
			return models.BreakerRecord{}, err
		}
		b.log.WithComponent("breaker").Info("quiet period elapsed, breaker OPEN")
	}
	publishBreakerState(rec.State)
	return rec, nil
}

func (b *Breaker) Trip(ctx context.Context, actor, reason string) error {
	if err := b.mutate(ctx, "circuit_breaker", "trip", actor, reason); err != nil {
		return err
	}
	rec := models.BreakerRecord{
		State:     models.BreakerTripped,
		Reason:    reason,
		TrippedAt: time.Now(),
	}
	if err := b.flags.SetBreaker(ctx, rec); err != nil {
		return fmt.Errorf("set breaker: %w", err)
	}
	publishBreakerState(rec.State)
	b.log.WithComponent("breaker").WithFields(map[string]interface{}{
		"actor":  actor,
		"reason": reason,
	}).Warn("circuit breaker TRIPPED")
	return nil
}

func (b *Breaker) Reset(ctx context.Context, actor, justification string) error {
	if err := b.mutate(ctx, "circuit_breaker", "reset", actor, justification); err != nil {
		return err
	}
	rec := models.BreakerRecord{
		State:   models.BreakerQuietPeriod,
		ResetAt: time.Now(),
		ResetBy: actor,
	}
	if err := b.flags.SetBreaker(ctx, rec); err != nil {
		return fmt.Errorf("set breaker: %w", err)
	}
	publishBreakerState(rec.State)
	b.log.WithComponent("breaker").WithFields(map[string]interface{}{
		"actor": actor,
		"quiet": b.quiet.String(),
	}).Info("circuit breaker reset, entering QUIET_PERIOD")
	return nil
}

func (b *Breaker) mutate(ctx context.Context, flag, action, actor, justification string) error {
	if actor == "" || justification == "" {
		return fmt.Errorf("%s %s requires actor and justification", flag, action)
	}
	if err := b.limiter.allow(time.Now()); err != nil {
		return err
	}
	return b.audit.AppendAudit(ctx, models.AuditEntry{
		ID:            uuid.New().String(),
		Flag:          flag,
		Action:        action,
		Actor:         actor,
		Justification: justification,
		At:            time.Now(),
	})
}
