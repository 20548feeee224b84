package safety

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"execgw/internal/logger"
	"execgw/internal/models"
	"execgw/internal/store"
)

// KillSwitch manages the kill-switch flag. A flag-store read error maps to
// UNKNOWN, which the gate treats the same as ENGAGED for anything that is not
// reduce-only.
type KillSwitch struct {
	flags   FlagStore
	audit   store.AuditStore
	limiter *mutationLimiter
	log     *logger.Logger
}

func NewKillSwitch(flags FlagStore, audit store.AuditStore, limiter *mutationLimiter, log *logger.Logger) *KillSwitch {
	return &KillSwitch{flags: flags, audit: audit, limiter: limiter, log: log}
}

// State never returns an error: unreachable state is a state, not a failure.
func (k *KillSwitch) State(ctx context.Context) models.KillSwitchState {
	state, err := k.flags.KillSwitch(ctx)
	if err != nil {
		k.log.WithComponent("killswitch").WithError(err).Warn("flag store unreachable, reporting UNKNOWN")
		return models.KillSwitchUnknown
	}
	return state
}

func (k *KillSwitch) Engage(ctx context.Context, actor, justification string) error {
	if err := k.mutate(ctx, "engage", actor, justification); err != nil {
		return err
	}
	if err := k.flags.SetKillSwitch(ctx, models.KillSwitchEngaged); err != nil {
		return fmt.Errorf("set kill switch: %w", err)
	}
	k.log.WithComponent("killswitch").WithFields(map[string]interface{}{
		"actor":  actor,
		"reason": justification,
	}).Warn("kill switch ENGAGED")
	return nil
}

func (k *KillSwitch) Disengage(ctx context.Context, actor, justification string) error {
	if err := k.mutate(ctx, "disengage", actor, justification); err != nil {
		return err
	}
	if err := k.flags.SetKillSwitch(ctx, models.KillSwitchDisengaged); err != nil {
		return fmt.Errorf("set kill switch: %w", err)
	}
	k.log.WithComponent("killswitch").WithFields(map[string]interface{}{
		"actor": actor,
	}).Info("kill switch disengaged")
	return nil
}

func (k *KillSwitch) mutate(ctx context.Context, action, actor, justification string) error {
	if actor == "" || justification == "" {
		return fmt.Errorf("kill switch %s requires actor and justification", action)
	}
	if err := k.limiter.allow(time.Now()); err != nil {
		return err
	}
	return k.audit.AppendAudit(ctx, models.AuditEntry{
		ID:            uuid.New().String(),
		Flag:          "kill_switch",
		Action:        action,
		Actor:         actor,
		Justification: justification,
		At:            time.Now(),
	})
}

// NewMutationLimiter is shared between Breaker and KillSwitch so the rate
// limit is global across both flags.
func NewMutationLimiter(interval time.Duration) *mutationLimiter {
	return newMutationLimiter(interval)
}

// RebuildFlags replays the audit log tail into the flag store. Called once at
// startup; the KV flags are ephemeral and the relational audit is the record.
func RebuildFlags(ctx context.Context, audit store.AuditStore, flags FlagStore, quiet time.Duration) error {
	entries, err := audit.AuditHistory(ctx, "", 200)
	if err != nil {
		return fmt.Errorf("load audit history: %w", err)
	}
	// History is newest-first; the first entry per flag wins.
	breakerSet, killSet := false, false
	for _, entry := range entries {
		switch entry.Flag {
		case "circuit_breaker":
			if breakerSet {
				continue
			}
			breakerSet = true
			rec := models.BreakerRecord{State: models.BreakerOpen}
			if entry.Action == "trip" {
				rec = models.BreakerRecord{State: models.BreakerTripped, Reason: entry.Justification, TrippedAt: entry.At}
			} else if entry.Action == "reset" && time.Since(entry.At) < quiet {
				rec = models.BreakerRecord{State: models.BreakerQuietPeriod, ResetAt: entry.At, ResetBy: entry.Actor}
			}
			if err := flags.SetBreaker(ctx, rec); err != nil {
				return err
			}
		case "kill_switch":
			if killSet {
				continue
			}
			killSet = true
			state := models.KillSwitchDisengaged
			if entry.Action == "engage" {
				state = models.KillSwitchEngaged
			}
			if err := flags.SetKillSwitch(ctx, state); err != nil {
				return err
			}
		}
	}
	return nil
}
