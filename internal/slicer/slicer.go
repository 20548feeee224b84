// Package slicer partitions a large order into timed child slices (TWAP).
// The plan is persisted before any slice is scheduled, and child order ids
// are derived from the parent id and slice index, so a crash mid-schedule
// resumes from the stored plan without double-submitting.
package slicer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"execgw/internal/config"
	"execgw/internal/idempotency"
	"execgw/internal/lifecycle"
	"execgw/internal/logger"
	"execgw/internal/metrics"
	"execgw/internal/models"
	"execgw/internal/safety"
	"execgw/internal/store"
)

var ErrPlanNotFound = errors.New("slicer: plan not found")

// Plan is the stored slicing plan for one parent intent.
type Plan struct {
	ParentOrderID string              `json:"parent_order_id"`
	Intent        models.OrderIntent  `json:"intent"`
	Slices        []models.OrderSlice `json:"slices"`
}

type Slicer struct {
	st      store.Store
	manager *lifecycle.Manager
	gate    *safety.Gate
	cfg     config.SlicerConfig
	tz      *time.Location
	now     func() time.Time
	log     *logger.Logger
}

func New(st store.Store, manager *lifecycle.Manager, gate *safety.Gate, cfg config.SlicerConfig, tz *time.Location, log *logger.Logger) *Slicer {
	return &Slicer{
		st:      st,
		manager: manager,
		gate:    gate,
		cfg:     cfg,
		tz:      tz,
		now:     time.Now,
		log:     log,
	}
}

// Slice builds and persists a plan for intent: count slices evenly spaced
// over window. Repeat calls with the same intent on the same trading date
// return the already-stored plan.
func (s *Slicer) Slice(ctx context.Context, intent models.OrderIntent, count int, window time.Duration) (Plan, error) {
	if count < 1 {
		return Plan{}, fmt.Errorf("slice count must be positive, got %d", count)
	}
	if window <= 0 {
		return Plan{}, fmt.Errorf("slice window must be positive, got %s", window)
	}

	parentID := idempotency.Derive(intent, s.now().In(s.tz))

	if existing, err := s.st.PlanForParent(ctx, parentID); err != nil {
		return Plan{}, fmt.Errorf("lookup plan: %w", err)
	} else if len(existing) > 0 {
		s.logEntry(parentID).Info("idempotent replay, returning existing plan")
		return Plan{ParentOrderID: parentID, Intent: intent, Slices: existing}, nil
	}

	// The whole parent intent passes the gate once up front so an oversized
	// or unsafe request is rejected before any slice exists. Each slice is
	// gated again at release time.
	if err := s.gate.Evaluate(ctx, safety.Request{Intent: intent}); err != nil {
		return Plan{}, err
	}

	slices := buildPlan(parentID, intent, count, window, s.now())
	if err := s.st.SavePlan(ctx, slices); err != nil {
		return Plan{}, fmt.Errorf("persist plan: %w", err)
	}

	s.logEntry(parentID).WithFields(logrus.Fields{
		"symbol": intent.Symbol,
		"slices": count,
		"window": window.String(),
	}).Info("slicing plan stored")
	return Plan{ParentOrderID: parentID, Intent: intent, Slices: slices}, nil
}

// buildPlan partitions qty into count slices with exact decimal arithmetic:
// equal parts rounded to 8 places, remainder folded into the last slice so
// the parts always sum to qty.
func buildPlan(parentID string, intent models.OrderIntent, count int, window time.Duration, start time.Time) []models.OrderSlice {
	total := decimal.NewFromFloat(intent.Qty)
	per := total.Div(decimal.NewFromInt(int64(count))).Round(8)
	step := window / time.Duration(count)

	slices := make([]models.OrderSlice, count)
	for i := 0; i < count; i++ {
		part := per
		if i == count-1 {
			part = total.Sub(per.Mul(decimal.NewFromInt(int64(count - 1))))
		}
		qtyPart, _ := part.Float64()
		slices[i] = models.OrderSlice{
			SliceID:       idempotency.DeriveChild(parentID, i),
			ParentOrderID: parentID,
			Index:         i,
			Symbol:        intent.Symbol,
			Side:          intent.Side,
			Type:          intent.Type,
			Price:         intent.Price,
			TimeInForce:   intent.TimeInForce,
			Qty:           qtyPart,
			ReleaseAt:     start.Add(step * time.Duration(i)),
			Status:        models.SliceStatusScheduled,
			UpdateTime:    start,
		}
	}
	return slices
}

// PlanDetail returns the stored plan with each slice's current status.
func (s *Slicer) PlanDetail(ctx context.Context, parentOrderID string) ([]models.OrderSlice, error) {
	slices, err := s.st.PlanForParent(ctx, parentOrderID)
	if err != nil {
		return nil, err
	}
	if len(slices) == 0 {
		return nil, ErrPlanNotFound
	}
	return slices, nil
}

// CancelPlan cancels every still-scheduled slice. Slices already released
// are live orders and must be cancelled individually through the order API.
func (s *Slicer) CancelPlan(ctx context.Context, parentOrderID string) (int, error) {
	slices, err := s.st.PlanForParent(ctx, parentOrderID)
	if err != nil {
		return 0, err
	}
	if len(slices) == 0 {
		return 0, ErrPlanNotFound
	}
	cancelled := 0
	for _, sl := range slices {
		if sl.Status != models.SliceStatusScheduled {
			continue
		}
		swapped, err := s.st.UpdateSliceStatus(ctx, sl.SliceID, models.SliceStatusScheduled, models.SliceStatusCancelled)
		if err != nil {
			return cancelled, err
		}
		if swapped {
			cancelled++
			metrics.SlicesReleased.WithLabelValues("cancelled").Inc()
		}
	}
	s.logEntry(parentOrderID).WithField("cancelled", cancelled).Info("plan cancelled")
	return cancelled, nil
}

// Start runs the scheduler tick loop until ctx is cancelled.
func (s *Slicer) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.log.WithComponent("slicer").WithError(err).Warn("scheduler tick failed")
			}
		}
	}
}

// Tick releases every due slice. Submission happens before the status swap:
// a crash between the two replays the submission idempotently on the next
// tick instead of losing the slice.
func (s *Slicer) Tick(ctx context.Context) error {
	now := s.now()
	due, err := s.st.DueSlices(ctx, now)
	if err != nil {
		return fmt.Errorf("load due slices: %w", err)
	}
	for _, sl := range due {
		if err := s.release(ctx, sl, now); err != nil {
			s.logEntry(sl.ParentOrderID).WithError(err).WithField("slice_id", sl.SliceID).
				Warn("slice release failed, will retry next tick")
		}
	}
	return nil
}

func (s *Slicer) release(ctx context.Context, sl models.OrderSlice, now time.Time) error {
	if now.Sub(sl.ReleaseAt) > s.cfg.MisfireGrace {
		// Past the grace window. If the child was submitted before a crash the
		// slice is released, not expired; firing late into a stale market is
		// only a risk when nothing went out.
		if _, err := s.manager.Get(ctx, sl.SliceID); err == nil {
			return s.swap(ctx, sl, models.SliceStatusReleased, "released")
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		s.logEntry(sl.ParentOrderID).WithFields(logrus.Fields{
			"slice_id": sl.SliceID,
			"late_by":  now.Sub(sl.ReleaseAt).String(),
		}).Warn("slice missed its grace window, expired")
		return s.swap(ctx, sl, models.SliceStatusExpired, "expired")
	}

	intent := models.OrderIntent{
		Symbol:      sl.Symbol,
		Side:        sl.Side,
		Qty:         sl.Qty,
		Type:        sl.Type,
		Price:       sl.Price,
		TimeInForce: sl.TimeInForce,
	}
	order, err := s.manager.SubmitChild(ctx, sl.ParentOrderID, sl.Index, intent)
	var rejection *safety.RejectionError
	if errors.As(err, &rejection) {
		// The gate said no at release time. The child order record (if any)
		// already carries the rejection; the slice is done either way.
		s.logEntry(sl.ParentOrderID).WithFields(logrus.Fields{
			"slice_id": sl.SliceID,
			"check":    rejection.Check,
		}).Warn("slice rejected by safety gate at release")
		return s.swap(ctx, sl, models.SliceStatusReleased, "rejected")
	}
	if err != nil {
		return err
	}

	s.logEntry(sl.ParentOrderID).WithFields(logrus.Fields{
		"slice_id":        sl.SliceID,
		"client_order_id": order.ClientOrderID,
		"qty":             sl.Qty,
	}).Info("slice released")
	return s.swap(ctx, sl, models.SliceStatusReleased, "released")
}

func (s *Slicer) swap(ctx context.Context, sl models.OrderSlice, next models.SliceStatus, outcome string) error {
	swapped, err := s.st.UpdateSliceStatus(ctx, sl.SliceID, models.SliceStatusScheduled, next)
	if err != nil {
		return err
	}
	if swapped {
		metrics.SlicesReleased.WithLabelValues(outcome).Inc()
	}
	return nil
}

func (s *Slicer) logEntry(parentID string) *logrus.Entry {
	return s.log.WithComponent("slicer").WithField("parent_order_id", parentID)
}
