package safety

import (
	"context"
	"errors"
	"testing"
	"time"

	"execgw/internal/logger"
	"execgw/internal/models"
	"execgw/internal/store/memory"
)

func TestBreakerTripAndReset(t *testing.T) {
	ctx := context.Background()
	flags := NewMemoryFlagStore()
	st := memory.New()
	b := NewBreaker(flags, st, newMutationLimiter(0), 50*time.Millisecond, logger.Discard())

	if err := b.Trip(ctx, "ops", "venue outage"); err != nil {
		t.Fatal(err)
	}
	rec, err := b.State(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != models.BreakerTripped || rec.Reason != "venue outage" {
		t.Fatalf("unexpected record after trip: %+v", rec)
	}

	if err := b.Reset(ctx, "ops", "venue recovered"); err != nil {
		t.Fatal(err)
	}
	rec, err = b.State(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != models.BreakerQuietPeriod {
		t.Fatalf("expected QUIET_PERIOD after reset, got %s", rec.State)
	}

	// After the quiet period elapses, a read promotes the breaker to OPEN.
	time.Sleep(60 * time.Millisecond)
	rec, err = b.State(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != models.BreakerOpen {
		t.Fatalf("expected OPEN after quiet period, got %s", rec.State)
	}

	entries, err := st.AuditHistory(ctx, "circuit_breaker", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(entries))
	}
}

func TestBreakerMutationRequiresActorAndJustification(t *testing.T) {
	b := NewBreaker(NewMemoryFlagStore(), memory.New(), newMutationLimiter(0), time.Minute, logger.Discard())
	if err := b.Trip(context.Background(), "", "reason"); err == nil {
		t.Fatal("expected trip without actor to fail")
	}
	if err := b.Trip(context.Background(), "ops", ""); err == nil {
		t.Fatal("expected trip without justification to fail")
	}
}

func TestMutationRateLimitSharedAcrossFlags(t *testing.T) {
	ctx := context.Background()
	flags := NewMemoryFlagStore()
	st := memory.New()
	limiter := NewMutationLimiter(time.Minute)
	b := NewBreaker(flags, st, limiter, time.Minute, logger.Discard())
	k := NewKillSwitch(flags, st, limiter, logger.Discard())

	if err := b.Trip(ctx, "ops", "first"); err != nil {
		t.Fatal(err)
	}
	err := k.Engage(ctx, "ops", "second, too soon")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate-limited error, got %v", err)
	}
}

func TestKillSwitchStateUnknownOnStoreFailure(t *testing.T) {
	flags := NewMemoryFlagStore()
	k := NewKillSwitch(flags, memory.New(), newMutationLimiter(0), logger.Discard())

	if got := k.State(context.Background()); got != models.KillSwitchDisengaged {
		t.Fatalf("expected DISENGAGED, got %s", got)
	}
	flags.Fail(errors.New("down"))
	if got := k.State(context.Background()); got != models.KillSwitchUnknown {
		t.Fatalf("expected UNKNOWN on store failure, got %s", got)
	}
}

func TestRebuildFlagsReplaysAuditHistory(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	for i, e := range []models.AuditEntry{
		{ID: "1", Flag: "circuit_breaker", Action: "trip", Actor: "ops", Justification: "outage", At: time.Now().Add(-2 * time.Hour)},
		{ID: "2", Flag: "kill_switch", Action: "engage", Actor: "ops", Justification: "halt", At: time.Now().Add(-time.Hour)},
		{ID: "3", Flag: "kill_switch", Action: "disengage", Actor: "ops", Justification: "resume", At: time.Now().Add(-time.Minute)},
	} {
		if err := st.AppendAudit(ctx, e); err != nil {
			t.Fatalf("append entry %d: %v", i, err)
		}
	}

	flags := NewMemoryFlagStore()
	if err := RebuildFlags(ctx, st, flags, time.Minute); err != nil {
		t.Fatal(err)
	}

	rec, err := flags.Breaker(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != models.BreakerTripped {
		t.Fatalf("expected breaker rebuilt TRIPPED, got %s", rec.State)
	}
	kill, err := flags.KillSwitch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if kill != models.KillSwitchDisengaged {
		t.Fatalf("expected kill switch rebuilt DISENGAGED, got %s", kill)
	}
}
