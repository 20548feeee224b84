// Package reconcile keeps local order and position state converged with the
// broker's authoritative view. It is the only writer of positions. Updates
// are applied by compare-and-swap on the previously observed status, so a
// webhook and a poll racing on the same order cannot interleave into an
// inconsistent record: the loser is discarded.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"execgw/internal/broker"
	"execgw/internal/config"
	"execgw/internal/logger"
	"execgw/internal/metrics"
	"execgw/internal/models"
	"execgw/internal/safety"
	"execgw/internal/store"
)

type Engine struct {
	st     store.Store
	client broker.Client
	quotes safety.QuoteSource
	lock   *safety.ReduceOnlyLock
	cfg    config.ReconcileConfig
	log    *logger.Logger

	firstRunDone  atomic.Bool
	brokerHealthy atomic.Bool

	mu            sync.Mutex
	lastWindowEnd time.Time

	// runCh coalesces event-triggered run requests with the poll loop.
	runCh chan struct{}
}

func NewEngine(st store.Store, client broker.Client, quotes safety.QuoteSource, lock *safety.ReduceOnlyLock, cfg config.ReconcileConfig, log *logger.Logger) *Engine {
	e := &Engine{
		st:     st,
		client: client,
		quotes: quotes,
		lock:   lock,
		cfg:    cfg,
		log:    log,
		runCh:  make(chan struct{}, 1),
	}
	// Until the first pass proves otherwise, assume the broker is up so the
	// startup gate blocks on the reconciliation outcome, not on a guess.
	e.brokerHealthy.Store(true)
	return e
}

// FirstRunDone reports whether a reconciliation pass has completed since
// startup. Increasing-risk submissions are blocked until it has.
func (e *Engine) FirstRunDone() bool { return e.firstRunDone.Load() }

// BrokerHealthy reports whether the last broker fetch succeeded.
func (e *Engine) BrokerHealthy() bool { return e.brokerHealthy.Load() }

// RequestRun schedules a pass without blocking. Used by the webhook ingestor
// and the stream consumer on reconnect.
func (e *Engine) RequestRun() {
	select {
	case e.runCh <- struct{}{}:
	default:
	}
}

// Start drives the poll loop until ctx is cancelled. The first pass runs
// immediately so the startup gate opens as soon as state is known good.
func (e *Engine) Start(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	e.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runOnce(ctx)
		case <-e.runCh:
			e.runOnce(ctx)
		}
	}
}

func (e *Engine) runOnce(ctx context.Context) {
	if _, err := e.Run(ctx); err != nil {
		e.logEntry().WithError(err).Warn("reconciliation pass failed")
	}
}

// Run executes one full reconciliation pass and records it.
func (e *Engine) Run(ctx context.Context) (models.ReconciliationRun, error) {
	run := models.ReconciliationRun{
		RunID:     uuid.New().String(),
		StartedAt: time.Now(),
	}
	if err := e.st.SaveRun(ctx, run); err != nil {
		return run, fmt.Errorf("open run record: %w", err)
	}

	brokerOrders, err := e.client.GetOpenOrders(ctx)
	if err != nil {
		e.brokerHealthy.Store(false)
		metrics.ReconcileRuns.WithLabelValues("broker_unreachable").Inc()
		run.FinishedAt = time.Now()
		run.Outcome = "broker unreachable: " + err.Error()
		if saveErr := e.st.SaveRun(ctx, run); saveErr != nil {
			e.logEntry().WithError(saveErr).Error("failed to close run record")
		}
		return run, fmt.Errorf("fetch broker orders: %w", err)
	}
	e.brokerHealthy.Store(true)

	byClientID := make(map[string]broker.BrokerOrder, len(brokerOrders))
	for _, bo := range brokerOrders {
		byClientID[bo.ClientOrderID] = bo
	}

	localOpen, err := e.st.OpenOrders(ctx)
	if err != nil {
		return run, fmt.Errorf("load local open orders: %w", err)
	}
	localKnown := make(map[string]bool, len(localOpen))
	for _, order := range localOpen {
		localKnown[order.ClientOrderID] = true
	}

	for _, order := range localOpen {
		matched, err := e.reconcileOrder(ctx, order, byClientID)
		if err != nil {
			e.logEntry().WithError(err).WithField("client_order_id", order.ClientOrderID).
				Warn("order reconciliation failed")
			run.Mismatched++
			continue
		}
		if matched {
			run.Matched++
			metrics.ReconcileOrders.WithLabelValues("matched").Inc()
		} else {
			run.Mismatched++
			metrics.ReconcileOrders.WithLabelValues("mismatched").Inc()
		}
	}

	for _, bo := range brokerOrders {
		if bo.ClientOrderID != "" {
			if localKnown[bo.ClientOrderID] {
				continue
			}
			// A terminal local record can legitimately still show open at the
			// broker for a beat; only a fully unknown id is an orphan.
			if _, err := e.st.GetOrder(ctx, bo.ClientOrderID); err == nil {
				continue
			} else if !errors.Is(err, store.ErrNotFound) {
				return run, err
			}
		} else if bo.BrokerOrderID != "" {
			// Some venues drop the client id on amended orders; the broker's
			// own id is the durable correlation key, so try it before
			// declaring an orphan.
			if _, err := e.st.GetOrderByBrokerID(ctx, bo.BrokerOrderID); err == nil {
				continue
			} else if !errors.Is(err, store.ErrNotFound) {
				return run, err
			}
		}
		quarantined, err := e.quarantine(ctx, bo)
		if err != nil {
			return run, err
		}
		if quarantined {
			run.Orphaned++
			metrics.ReconcileOrders.WithLabelValues("orphaned").Inc()
		}
	}

	clean := true
	if err := e.backfillFills(ctx); err != nil {
		e.logEntry().WithError(err).Warn("fill backfill incomplete")
		run.Outcome = "fill backfill incomplete: " + err.Error()
		clean = false
	} else {
		run.Outcome = "ok"
	}

	if err := e.checkBrokerPositions(ctx, &run); err != nil {
		e.logEntry().WithError(err).Warn("broker position check incomplete")
		run.Outcome = "position check incomplete: " + err.Error()
		clean = false
	}

	run.FinishedAt = time.Now()
	if err := e.st.SaveRun(ctx, run); err != nil {
		return run, fmt.Errorf("close run record: %w", err)
	}

	metrics.ReconcileRuns.WithLabelValues("completed").Inc()
	// The startup gate opens only on a pass where every step succeeded;
	// a partial pass proves nothing about position state.
	if clean {
		e.firstRunDone.Store(true)
	}
	e.logEntry().WithFields(logrus.Fields{
		"run_id":              run.RunID,
		"matched":             run.Matched,
		"mismatched":          run.Mismatched,
		"orphaned":            run.Orphaned,
		"position_mismatches": run.PositionMismatches,
	}).Info("reconciliation pass complete")
	return run, nil
}

// checkBrokerPositions diffs the broker's reported positions against the
// local snapshot derived from the fill ledger. Discrepancies are flagged for
// operator review, never auto-corrected: a position we cannot account for in
// fills is exactly the uncertainty reconciliation exists to surface.
func (e *Engine) checkBrokerPositions(ctx context.Context, run *models.ReconciliationRun) error {
	brokerPositions, err := e.client.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetch broker positions: %w", err)
	}
	local, err := e.st.Positions(ctx)
	if err != nil {
		return fmt.Errorf("load local positions: %w", err)
	}

	localQty := make(map[string]float64, len(local))
	for _, pos := range local {
		localQty[pos.Symbol] = pos.Qty
	}

	const tolerance = 1e-9
	for _, bp := range brokerPositions {
		have := localQty[bp.Symbol]
		delete(localQty, bp.Symbol)
		if diff := bp.Qty - have; diff > tolerance || diff < -tolerance {
			run.PositionMismatches++
			metrics.PositionMismatches.Inc()
			e.logEntry().WithFields(logrus.Fields{
				"symbol":     bp.Symbol,
				"broker_qty": bp.Qty,
				"local_qty":  have,
			}).Warn("broker position diverges from fill ledger, operator review required")
		}
	}
	// Symbols we hold locally that the broker no longer reports at all.
	for symbol, qty := range localQty {
		if qty > tolerance || qty < -tolerance {
			run.PositionMismatches++
			metrics.PositionMismatches.Inc()
			e.logEntry().WithFields(logrus.Fields{
				"symbol":     symbol,
				"broker_qty": 0.0,
				"local_qty":  qty,
			}).Warn("broker position diverges from fill ledger, operator review required")
		}
	}
	return nil
}

// reconcileOrder converges one local order against broker state. Returns true
// when local and broker agree (or were brought into agreement).
func (e *Engine) reconcileOrder(ctx context.Context, local models.Order, open map[string]broker.BrokerOrder) (bool, error) {
	bo, stillOpen := open[local.ClientOrderID]
	if !stillOpen {
		// Not in the open set: ask for its terminal state directly.
		fetched, err := e.client.GetOrder(ctx, local.ClientOrderID)
		if errors.Is(err, broker.ErrOrderNotFound) {
			if local.Status == models.OrderStatusPendingNew {
				// Never reached the broker; the submitting request owns this
				// record and may still be in flight. Leave it alone.
				return true, nil
			}
			// Submitted locally but unknown at the broker: a discrepancy we
			// cannot resolve confidently. Flag, never auto-correct.
			e.logEntry().WithField("client_order_id", local.ClientOrderID).
				Warn("order submitted locally but unknown at broker, operator review required")
			return false, nil
		}
		if err != nil {
			return false, err
		}
		bo = fetched
	}

	if bo.Status == local.Status && bo.FilledQty == local.FilledQty {
		return true, nil
	}

	return e.ApplyOrderState(ctx, bo, models.SourcePoll)
}

// ApplyOrderState CASes the broker-reported status onto the local record,
// keyed on the status we last observed. A lost swap means a concurrent update
// already moved the order; the caller's view is stale and is discarded.
func (e *Engine) ApplyOrderState(ctx context.Context, bo broker.BrokerOrder, source models.UpdateSource) (bool, error) {
	local, err := e.st.GetOrder(ctx, bo.ClientOrderID)
	if errors.Is(err, store.ErrNotFound) {
		if _, qErr := e.quarantine(ctx, bo); qErr != nil {
			return false, qErr
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if local.Status == bo.Status && local.FilledQty == bo.FilledQty {
		return true, nil
	}
	if local.Status.Terminal() {
		// Terminal records never move again, whatever the broker replays.
		return true, nil
	}

	swapped, err := e.st.UpdateOrderStatus(ctx, bo.ClientOrderID, local.Status, store.OrderUpdate{
		Status:        bo.Status,
		BrokerOrderID: bo.BrokerOrderID,
		FilledQty:     bo.FilledQty,
		Source:        source,
	})
	if err != nil {
		return false, err
	}
	if !swapped {
		e.logEntry().WithFields(logrus.Fields{
			"client_order_id": bo.ClientOrderID,
			"source":          source,
		}).Debug("status swap lost to concurrent update, discarded")
	}
	return swapped, nil
}

func (e *Engine) quarantine(ctx context.Context, bo broker.BrokerOrder) (bool, error) {
	orphan := models.OrphanOrder{
		QuarantineID:  uuid.New().String(),
		BrokerOrderID: bo.BrokerOrderID,
		Symbol:        bo.Symbol,
		Side:          bo.Side,
		Qty:           bo.Qty,
		SeenAt:        time.Now(),
	}
	quarantined, err := e.st.QuarantineOrphan(ctx, orphan)
	if err != nil {
		return false, fmt.Errorf("quarantine orphan: %w", err)
	}
	if quarantined {
		e.logEntry().WithFields(logrus.Fields{
			"broker_order_id": bo.BrokerOrderID,
			"symbol":          bo.Symbol,
		}).Warn("unknown broker order quarantined for operator review")
	}
	return quarantined, nil
}

// backfillFills pages through broker activity since the last window, with
// overlap so clock skew between us and the broker cannot open a gap.
func (e *Engine) backfillFills(ctx context.Context) error {
	e.mu.Lock()
	since := e.lastWindowEnd
	e.mu.Unlock()
	if since.IsZero() {
		// Fresh process: resume from the previous process's last clean pass
		// rather than re-walking a full day of activity. A pass that failed
		// backfill is no resume point; it may have left a gap.
		if last, err := e.st.LastCompletedRun(ctx); err == nil && last.Outcome == "ok" {
			since = last.FinishedAt
		}
	}
	if since.IsZero() {
		since = time.Now().Add(-24 * time.Hour)
	} else {
		since = since.Add(-e.cfg.OverlapWindow)
	}
	windowEnd := time.Now()

	token := ""
	for {
		page, err := e.client.GetActivity(ctx, since, token, e.cfg.PageSize)
		if err != nil {
			return fmt.Errorf("fetch activity: %w", err)
		}
		for _, fill := range page.Fills {
			if err := e.ApplyFill(ctx, fill, models.SourcePoll); err != nil {
				return err
			}
		}
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}

	e.mu.Lock()
	e.lastWindowEnd = windowEnd
	e.mu.Unlock()
	return nil
}

// ApplyFill records one execution. The fill ledger is deduplicated on broker
// fill id, and the position snapshot is recomputed from the ledger and
// written in the same transaction as the fill row.
func (e *Engine) ApplyFill(ctx context.Context, fill models.Fill, source models.UpdateSource) error {
	order, err := e.st.GetOrder(ctx, fill.ClientOrderID)
	if errors.Is(err, store.ErrNotFound) {
		e.logEntry().WithFields(logrus.Fields{
			"broker_fill_id":  fill.BrokerFillID,
			"client_order_id": fill.ClientOrderID,
		}).Warn("fill for unknown order, skipped pending orphan review")
		return nil
	}
	if err != nil {
		return err
	}

	// Position math runs under the reduce-only lock so the gate cannot
	// classify an order against a position snapshot mid-rewrite. The deadline
	// bounds the hold time.
	lctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := e.lock.Acquire(lctx, 5*time.Second); err != nil {
		return fmt.Errorf("reduce-only lock: %w", err)
	}
	defer e.lock.Release()

	existing, err := e.st.FillsForSymbol(ctx, fill.Symbol)
	if err != nil {
		return fmt.Errorf("load fill ledger: %w", err)
	}
	for _, f := range existing {
		if f.BrokerFillID == fill.BrokerFillID {
			return nil
		}
	}

	ledger := append(existing, fill)
	mark := 0.0
	if e.quotes != nil {
		if quote, qErr := e.quotes.Quote(ctx, fill.Symbol); qErr == nil {
			mark = quote.Price
		}
	}
	pos := computePosition(fill.Symbol, ledger, mark, time.Now())

	inserted, err := e.st.InsertFill(ctx, fill, pos)
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}
	if !inserted {
		return nil
	}
	metrics.FillsRecorded.Inc()

	// Advance the order's fill accounting from whatever status we last saw.
	cum := 0.0
	orderFills, err := e.st.FillsForOrder(ctx, fill.ClientOrderID)
	if err != nil {
		return err
	}
	for _, f := range orderFills {
		cum += f.Qty
	}
	next := models.OrderStatusPartiallyFilled
	if cum >= order.Qty {
		next = models.OrderStatusFilled
	}
	if !order.Status.Terminal() {
		if _, err := e.st.UpdateOrderStatus(ctx, order.ClientOrderID, order.Status, store.OrderUpdate{
			Status:    next,
			FilledQty: cum,
			Source:    source,
		}); err != nil {
			return err
		}
	}

	e.logEntry().WithFields(logrus.Fields{
		"broker_fill_id":  fill.BrokerFillID,
		"client_order_id": fill.ClientOrderID,
		"qty":             fill.Qty,
		"price":           fill.Price,
		"position_qty":    pos.Qty,
	}).Info("fill recorded")
	return nil
}

func (e *Engine) logEntry() *logrus.Entry {
	return e.log.WithComponent("reconcile")
}
