package safety

import (
	"context"
	"sync"

	"execgw/internal/models"
)

// FlagStore holds the current circuit-breaker and kill-switch flags. It is the
// fast ephemeral store from which every gate decision reads; any read error is
// surfaced to callers, who must treat it as UNKNOWN and fail closed. The
// durable history lives in the relational audit log, from which these flags
// are rebuilt at startup.
type FlagStore interface {
	Breaker(ctx context.Context) (models.BreakerRecord, error)
	SetBreaker(ctx context.Context, rec models.BreakerRecord) error
	KillSwitch(ctx context.Context) (models.KillSwitchState, error)
	SetKillSwitch(ctx context.Context, state models.KillSwitchState) error
}

// MemoryFlagStore is the in-process FlagStore. Fail injects an error on every
// read, which tests use to exercise the fail-closed paths.
type MemoryFlagStore struct {
	mu      sync.Mutex
	breaker models.BreakerRecord
	kill    models.KillSwitchState
	failErr error
}

func NewMemoryFlagStore() *MemoryFlagStore {
	return &MemoryFlagStore{
		breaker: models.BreakerRecord{State: models.BreakerOpen},
		kill:    models.KillSwitchDisengaged,
	}
}

func (s *MemoryFlagStore) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *MemoryFlagStore) Breaker(_ context.Context) (models.BreakerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return models.BreakerRecord{}, s.failErr
	}
	return s.breaker, nil
}

func (s *MemoryFlagStore) SetBreaker(_ context.Context, rec models.BreakerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.breaker = rec
	return nil
}

func (s *MemoryFlagStore) KillSwitch(_ context.Context) (models.KillSwitchState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return models.KillSwitchUnknown, s.failErr
	}
	return s.kill, nil
}

func (s *MemoryFlagStore) SetKillSwitch(_ context.Context, state models.KillSwitchState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.kill = state
	return nil
}
