package safety

import (
	"context"
	"fmt"
	"time"
)

// ReduceOnlyLock serializes reduce-only classification against position
// writes by the reconciliation engine. Both sides acquire with a bounded wait
// so a stuck holder cannot starve order submission forever; a deadline on the
// holder's context bounds the hold time.
type ReduceOnlyLock struct {
	ch chan struct{}
}

func NewReduceOnlyLock() *ReduceOnlyLock {
	l := &ReduceOnlyLock{ch: make(chan struct{}, 1)}
	l.ch <- struct{}{}
	return l
}

func (l *ReduceOnlyLock) Acquire(ctx context.Context, wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-l.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("reduce-only lock not acquired within %s", wait)
	}
}

func (l *ReduceOnlyLock) Release() {
	select {
	case l.ch <- struct{}{}:
	default:
		panic("release of unheld reduce-only lock")
	}
}
