package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"execgw/internal/broker"
	"execgw/internal/broker/sim"
	"execgw/internal/config"
	"execgw/internal/logger"
	"execgw/internal/models"
	"execgw/internal/safety"
	"execgw/internal/store"
	"execgw/internal/store/memory"
)

func testReconcileConfig() config.ReconcileConfig {
	return config.ReconcileConfig{
		PollInterval:  time.Second,
		PageSize:      100,
		OverlapWindow: time.Minute,
	}
}

func newTestEngine(t *testing.T, client broker.Client) (*Engine, *memory.Store) {
	t.Helper()
	st := memory.New()
	e := NewEngine(st, client, nil, safety.NewReduceOnlyLock(), testReconcileConfig(), logger.Discard())
	return e, st
}

// seedOrder places an order at the broker and mirrors it locally in
// SUBMITTED, the state a healthy submission leaves behind.
func seedOrder(t *testing.T, st *memory.Store, b *sim.Broker, id string, qty float64) models.Order {
	t.Helper()
	ctx := context.Background()
	order := models.Order{
		ClientOrderID: id,
		Symbol:        "AAPL",
		Side:          models.OrderSideBuy,
		Type:          models.OrderTypeMarket,
		Qty:           qty,
		Status:        models.OrderStatusPendingNew,
		TimeInForce:   models.TimeInForceDay,
		Source:        models.SourceLocal,
		CreateTime:    time.Now(),
		UpdateTime:    time.Now(),
	}
	if _, _, err := st.CreateOrder(ctx, order); err != nil {
		t.Fatal(err)
	}
	placed, err := b.PlaceOrder(ctx, order)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.UpdateOrderStatus(ctx, id, models.OrderStatusPendingNew, store.OrderUpdate{
		Status:        models.OrderStatusSubmitted,
		BrokerOrderID: placed.BrokerOrderID,
		Source:        models.SourceLocal,
	}); err != nil {
		t.Fatal(err)
	}
	order.Status = models.OrderStatusSubmitted
	order.BrokerOrderID = placed.BrokerOrderID
	return order
}

func TestRunCompletesAndOpensStartupGate(t *testing.T) {
	e, st := newTestEngine(t, sim.New())
	if e.FirstRunDone() {
		t.Fatal("first run must not be done before any pass")
	}
	run, err := e.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !e.FirstRunDone() || !e.BrokerHealthy() {
		t.Fatal("expected readiness after a clean pass")
	}
	if run.Outcome != "ok" {
		t.Fatalf("unexpected outcome %q", run.Outcome)
	}
	saved, err := st.Runs(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(saved) != 1 || saved[0].FinishedAt.IsZero() {
		t.Fatalf("expected one closed run record, got %+v", saved)
	}
}

type downBroker struct{ broker.Client }

func (downBroker) GetOpenOrders(context.Context) ([]broker.BrokerOrder, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func TestRunBrokerUnreachableFailsClosed(t *testing.T) {
	e, st := newTestEngine(t, downBroker{})
	_, err := e.Run(context.Background())
	if err == nil {
		t.Fatal("expected run to fail")
	}
	if e.FirstRunDone() {
		t.Fatal("a failed pass must not open the startup gate")
	}
	if e.BrokerHealthy() {
		t.Fatal("broker must be marked unhealthy")
	}
	saved, err := st.Runs(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(saved) != 1 || saved[0].Outcome == "ok" {
		t.Fatalf("expected recorded failed run, got %+v", saved)
	}
}

func TestRunConvergesFilledOrder(t *testing.T) {
	ctx := context.Background()
	b := sim.New()
	e, st := newTestEngine(t, b)
	order := seedOrder(t, st, b, "exg-converge", 10)

	if err := b.Fill(order.ClientOrderID, 10, 101); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Run(ctx); err != nil {
		t.Fatal(err)
	}

	stored, err := st.GetOrder(ctx, order.ClientOrderID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.OrderStatusFilled {
		t.Fatalf("expected FILLED after reconciliation, got %s", stored.Status)
	}
	if stored.Source != models.SourcePoll {
		t.Fatalf("expected poll-sourced update, got %s", stored.Source)
	}

	pos, err := st.GetPosition(ctx, "AAPL")
	if err != nil {
		t.Fatal(err)
	}
	if pos.Qty != 10 {
		t.Fatalf("expected position qty 10, got %v", pos.Qty)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := sim.New()
	e, st := newTestEngine(t, b)
	order := seedOrder(t, st, b, "exg-idem", 10)
	if err := b.Fill(order.ClientOrderID, 10, 101); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Run(ctx); err != nil {
		t.Fatal(err)
	}

	fills, err := st.FillsForOrder(ctx, order.ClientOrderID)
	if err != nil {
		t.Fatal(err)
	}
	if len(fills) != 1 {
		t.Fatalf("second pass must not duplicate fills, got %d", len(fills))
	}
	pos, err := st.GetPosition(ctx, "AAPL")
	if err != nil {
		t.Fatal(err)
	}
	if pos.Qty != 10 {
		t.Fatalf("position drifted across passes: %v", pos.Qty)
	}
}

func TestRunQuarantinesOrphan(t *testing.T) {
	ctx := context.Background()
	b := sim.New()
	e, st := newTestEngine(t, b)
	b.SeedOrder(broker.BrokerOrder{
		BrokerOrderID: "mystery-1",
		ClientOrderID: "not-ours",
		Symbol:        "TSLA",
		Side:          models.OrderSideBuy,
		Qty:           5,
		Status:        models.OrderStatusSubmitted,
	})

	run, err := e.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if run.Orphaned != 1 {
		t.Fatalf("expected one orphan, got %d", run.Orphaned)
	}

	orphans, err := st.Orphans(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(orphans) != 1 || orphans[0].BrokerOrderID != "mystery-1" {
		t.Fatalf("unexpected quarantine contents: %+v", orphans)
	}

	// A second pass sees the same order but must not quarantine it twice.
	run, err = e.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if run.Orphaned != 0 {
		t.Fatalf("orphan quarantined twice, run reports %d", run.Orphaned)
	}
	orphans, err = st.Orphans(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(orphans) != 1 {
		t.Fatalf("expected one quarantine record, got %d", len(orphans))
	}
}

func TestRunLeavesPendingNewAlone(t *testing.T) {
	ctx := context.Background()
	b := sim.New()
	e, st := newTestEngine(t, b)
	// In-flight submission: persisted locally, nothing at the broker yet.
	if _, _, err := st.CreateOrder(ctx, models.Order{
		ClientOrderID: "exg-inflight",
		Symbol:        "AAPL",
		Side:          models.OrderSideBuy,
		Qty:           10,
		Status:        models.OrderStatusPendingNew,
		CreateTime:    time.Now(),
		UpdateTime:    time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Run(ctx); err != nil {
		t.Fatal(err)
	}
	stored, err := st.GetOrder(ctx, "exg-inflight")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.OrderStatusPendingNew {
		t.Fatalf("in-flight order must be left to its submitter, got %s", stored.Status)
	}
}

func TestApplyFillProgressesOrderStatus(t *testing.T) {
	ctx := context.Background()
	b := sim.New()
	e, st := newTestEngine(t, b)
	order := seedOrder(t, st, b, "exg-partial", 10)

	first := models.Fill{
		BrokerFillID: "f-1", ClientOrderID: order.ClientOrderID,
		Symbol: "AAPL", Side: models.OrderSideBuy, Price: 100, Qty: 4, Timestamp: time.Now(),
	}
	if err := e.ApplyFill(ctx, first, models.SourceWebhook); err != nil {
		t.Fatal(err)
	}
	stored, _ := st.GetOrder(ctx, order.ClientOrderID)
	if stored.Status != models.OrderStatusPartiallyFilled || stored.FilledQty != 4 {
		t.Fatalf("expected PARTIALLY_FILLED 4, got %s %v", stored.Status, stored.FilledQty)
	}

	// Same fill again is a no-op.
	if err := e.ApplyFill(ctx, first, models.SourcePoll); err != nil {
		t.Fatal(err)
	}
	fills, _ := st.FillsForOrder(ctx, order.ClientOrderID)
	if len(fills) != 1 {
		t.Fatalf("duplicate fill recorded, got %d", len(fills))
	}

	second := models.Fill{
		BrokerFillID: "f-2", ClientOrderID: order.ClientOrderID,
		Symbol: "AAPL", Side: models.OrderSideBuy, Price: 101, Qty: 6, Timestamp: time.Now(),
	}
	if err := e.ApplyFill(ctx, second, models.SourceWebhook); err != nil {
		t.Fatal(err)
	}
	stored, _ = st.GetOrder(ctx, order.ClientOrderID)
	if stored.Status != models.OrderStatusFilled || stored.FilledQty != 10 {
		t.Fatalf("expected FILLED 10, got %s %v", stored.Status, stored.FilledQty)
	}
}

func TestApplyFillForUnknownOrderIsSkipped(t *testing.T) {
	e, st := newTestEngine(t, sim.New())
	err := e.ApplyFill(context.Background(), models.Fill{
		BrokerFillID: "f-x", ClientOrderID: "unknown", Symbol: "AAPL",
		Side: models.OrderSideBuy, Price: 100, Qty: 1, Timestamp: time.Now(),
	}, models.SourceWebhook)
	if err != nil {
		t.Fatalf("unknown-order fill must be skipped, not fail the pass: %v", err)
	}
	fills, _ := st.FillsForSymbol(context.Background(), "AAPL")
	if len(fills) != 0 {
		t.Fatal("fill for unknown order must not be recorded")
	}
}

func TestApplyOrderStateNeverRegressesTerminal(t *testing.T) {
	ctx := context.Background()
	b := sim.New()
	e, st := newTestEngine(t, b)
	order := seedOrder(t, st, b, "exg-terminal", 10)

	if _, err := e.ApplyOrderState(ctx, broker.BrokerOrder{
		BrokerOrderID: order.BrokerOrderID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        "AAPL",
		FilledQty:     10,
		Status:        models.OrderStatusFilled,
	}, models.SourceWebhook); err != nil {
		t.Fatal(err)
	}

	// A delayed poll replaying the older state must be discarded.
	if _, err := e.ApplyOrderState(ctx, broker.BrokerOrder{
		BrokerOrderID: order.BrokerOrderID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        "AAPL",
		Status:        models.OrderStatusSubmitted,
	}, models.SourcePoll); err != nil {
		t.Fatal(err)
	}

	stored, _ := st.GetOrder(ctx, order.ClientOrderID)
	if stored.Status != models.OrderStatusFilled {
		t.Fatalf("terminal status regressed to %s", stored.Status)
	}
}

func TestRunFlagsBrokerPositionMismatch(t *testing.T) {
	ctx := context.Background()
	b := sim.New()
	e, st := newTestEngine(t, b)

	// A broker-side order we never placed fills there; the fill is skipped
	// locally, so the broker reports a position our ledger cannot explain.
	b.SeedOrder(broker.BrokerOrder{
		BrokerOrderID: "mystery-2",
		ClientOrderID: "not-ours-2",
		Symbol:        "TSLA",
		Side:          models.OrderSideBuy,
		Qty:           5,
		Status:        models.OrderStatusSubmitted,
	})
	if err := b.Fill("not-ours-2", 5, 50); err != nil {
		t.Fatal(err)
	}

	run, err := e.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if run.PositionMismatches != 1 {
		t.Fatalf("expected one position mismatch, got %d", run.PositionMismatches)
	}
	// Flagged, never corrected: the local ledger stays untouched.
	if _, err := st.GetPosition(ctx, "TSLA"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("mismatch must not create a local position, got err %v", err)
	}
}

func TestRunPositionsInAgreementAreNotFlagged(t *testing.T) {
	ctx := context.Background()
	b := sim.New()
	e, st := newTestEngine(t, b)
	order := seedOrder(t, st, b, "exg-pos-ok", 10)
	if err := b.Fill(order.ClientOrderID, 10, 101); err != nil {
		t.Fatal(err)
	}

	run, err := e.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if run.PositionMismatches != 0 {
		t.Fatalf("agreeing positions flagged: %d", run.PositionMismatches)
	}
}

// flakyActivityBroker fails the activity query on demand while the rest of
// the broker behaves.
type flakyActivityBroker struct {
	*sim.Broker
	fail bool
}

func (b *flakyActivityBroker) GetActivity(ctx context.Context, since time.Time, token string, size int) (broker.ActivityPage, error) {
	if b.fail {
		return broker.ActivityPage{}, errors.New("activity query timed out")
	}
	return b.Broker.GetActivity(ctx, since, token, size)
}

func TestPartialPassKeepsStartupGateClosed(t *testing.T) {
	ctx := context.Background()
	b := &flakyActivityBroker{Broker: sim.New(), fail: true}
	st := memory.New()
	e := NewEngine(st, b, nil, safety.NewReduceOnlyLock(), testReconcileConfig(), logger.Discard())

	run, err := e.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if run.Outcome == "ok" {
		t.Fatalf("expected degraded outcome, got %q", run.Outcome)
	}
	if e.FirstRunDone() {
		t.Fatal("a partial pass must not open the startup gate")
	}

	b.fail = false
	if _, err := e.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if !e.FirstRunDone() {
		t.Fatal("a clean pass must open the startup gate")
	}
}

func TestRunCorrelatesAmendedOrderByBrokerID(t *testing.T) {
	ctx := context.Background()
	b := sim.New()
	e, st := newTestEngine(t, b)
	order := seedOrder(t, st, b, "exg-amend", 10)

	// Venues can drop the client id when an order is amended; the broker
	// order id still correlates it to our record.
	b.SeedOrder(broker.BrokerOrder{
		BrokerOrderID: order.BrokerOrderID,
		Symbol:        "AAPL",
		Side:          models.OrderSideBuy,
		Qty:           10,
		Status:        models.OrderStatusSubmitted,
	})

	run, err := e.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if run.Orphaned != 0 {
		t.Fatalf("correlated order quarantined as orphan: %d", run.Orphaned)
	}
	orphans, err := st.Orphans(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(orphans) != 0 {
		t.Fatalf("unexpected quarantine contents: %+v", orphans)
	}
}

// scriptedActivityBroker serves a fixed fill ledger, honoring the since
// filter the way the real activity endpoint does.
type scriptedActivityBroker struct {
	*sim.Broker
	fills []models.Fill
}

func (b *scriptedActivityBroker) GetActivity(_ context.Context, since time.Time, _ string, _ int) (broker.ActivityPage, error) {
	var page broker.ActivityPage
	for _, f := range b.fills {
		if f.Timestamp.Before(since) {
			continue
		}
		page.Fills = append(page.Fills, f)
	}
	return page, nil
}

func TestBackfillResumesFromLastCompletedRun(t *testing.T) {
	ctx := context.Background()
	oldFill := models.Fill{
		BrokerFillID:  "stale-1",
		ClientOrderID: "exg-resume",
		Symbol:        "AAPL",
		Side:          models.OrderSideBuy,
		Price:         100,
		Qty:           10,
		Timestamp:     time.Now().Add(-2 * time.Hour),
	}

	b := &scriptedActivityBroker{Broker: sim.New(), fills: []models.Fill{oldFill}}
	st := memory.New()
	seedOrder(t, st, b.Broker, "exg-resume", 10)
	// The previous process finished a pass after that fill was already
	// backfilled; a restart resumes from there instead of re-walking a day.
	if err := st.SaveRun(ctx, models.ReconciliationRun{
		RunID:      "prior-run",
		StartedAt:  time.Now().Add(-31 * time.Minute),
		FinishedAt: time.Now().Add(-30 * time.Minute),
		Outcome:    "ok",
	}); err != nil {
		t.Fatal(err)
	}

	e := NewEngine(st, b, nil, safety.NewReduceOnlyLock(), testReconcileConfig(), logger.Discard())
	if _, err := e.Run(ctx); err != nil {
		t.Fatal(err)
	}
	fills, err := st.FillsForOrder(ctx, "exg-resume")
	if err != nil {
		t.Fatal(err)
	}
	if len(fills) != 0 {
		t.Fatalf("fill outside the resumed window re-applied: %+v", fills)
	}

	// Without a prior run the first pass walks the full default window and
	// picks the fill up.
	b2 := &scriptedActivityBroker{Broker: sim.New(), fills: []models.Fill{oldFill}}
	st2 := memory.New()
	seedOrder(t, st2, b2.Broker, "exg-resume", 10)
	e2 := NewEngine(st2, b2, nil, safety.NewReduceOnlyLock(), testReconcileConfig(), logger.Discard())
	if _, err := e2.Run(ctx); err != nil {
		t.Fatal(err)
	}
	fills, err = st2.FillsForOrder(ctx, "exg-resume")
	if err != nil {
		t.Fatal(err)
	}
	if len(fills) != 1 {
		t.Fatalf("expected fill within the default window, got %d", len(fills))
	}
}
