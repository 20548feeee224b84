package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"execgw/internal/models"
	"execgw/internal/store"
)

func newOrder(id string) models.Order {
	return models.Order{
		ClientOrderID: id,
		Symbol:        "AAPL",
		Side:          models.OrderSideBuy,
		Type:          models.OrderTypeMarket,
		Qty:           10,
		Status:        models.OrderStatusPendingNew,
		CreateTime:    time.Now(),
		UpdateTime:    time.Now(),
	}
}

func TestCreateOrderEnforcesUniqueness(t *testing.T) {
	ctx := context.Background()
	st := New()

	_, created, err := st.CreateOrder(ctx, newOrder("exg-1"))
	if err != nil || !created {
		t.Fatalf("first insert: created=%v err=%v", created, err)
	}

	dupe := newOrder("exg-1")
	dupe.Qty = 99
	existing, created, err := st.CreateOrder(ctx, dupe)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("duplicate client order id must not create a second record")
	}
	if existing.Qty != 10 {
		t.Fatal("duplicate insert must return the original record untouched")
	}
}

func TestUpdateOrderStatusIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	st := New()
	if _, _, err := st.CreateOrder(ctx, newOrder("exg-cas")); err != nil {
		t.Fatal(err)
	}

	swapped, err := st.UpdateOrderStatus(ctx, "exg-cas", models.OrderStatusPendingNew, store.OrderUpdate{
		Status: models.OrderStatusSubmitted, BrokerOrderID: "b-1", Source: models.SourceLocal,
	})
	if err != nil || !swapped {
		t.Fatalf("expected swap from PENDING_NEW: swapped=%v err=%v", swapped, err)
	}

	// A second writer still holding the old status loses.
	swapped, err = st.UpdateOrderStatus(ctx, "exg-cas", models.OrderStatusPendingNew, store.OrderUpdate{
		Status: models.OrderStatusFailed, Source: models.SourceLocal,
	})
	if err != nil {
		t.Fatal(err)
	}
	if swapped {
		t.Fatal("stale-previous swap must lose")
	}

	order, err := st.GetOrder(ctx, "exg-cas")
	if err != nil {
		t.Fatal(err)
	}
	if order.Status != models.OrderStatusSubmitted || order.BrokerOrderID != "b-1" {
		t.Fatalf("record corrupted by losing swap: %+v", order)
	}
}

func TestUpdateOrderStatusUnknownOrder(t *testing.T) {
	st := New()
	_, err := st.UpdateOrderStatus(context.Background(), "ghost", models.OrderStatusPendingNew, store.OrderUpdate{
		Status: models.OrderStatusFailed,
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertFillDedupOnBrokerFillID(t *testing.T) {
	ctx := context.Background()
	st := New()
	fill := models.Fill{
		BrokerFillID: "f-1", ClientOrderID: "exg-1", Symbol: "AAPL",
		Side: models.OrderSideBuy, Price: 100, Qty: 5, Timestamp: time.Now(),
	}
	pos := models.Position{Symbol: "AAPL", Qty: 5, AvgEntryPrice: 100}

	inserted, err := st.InsertFill(ctx, fill, pos)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}

	// Redelivery with a drifted position snapshot must change nothing.
	drifted := models.Position{Symbol: "AAPL", Qty: 999}
	inserted, err = st.InsertFill(ctx, fill, drifted)
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Fatal("duplicate broker fill id must not insert")
	}
	got, err := st.GetPosition(ctx, "AAPL")
	if err != nil {
		t.Fatal(err)
	}
	if got.Qty != 5 {
		t.Fatalf("position mutated by rejected duplicate: %+v", got)
	}
}

func TestOpenOrdersExcludesTerminal(t *testing.T) {
	ctx := context.Background()
	st := New()
	for _, id := range []string{"exg-a", "exg-b"} {
		if _, _, err := st.CreateOrder(ctx, newOrder(id)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := st.UpdateOrderStatus(ctx, "exg-b", models.OrderStatusPendingNew, store.OrderUpdate{
		Status: models.OrderStatusRejected, Source: models.SourceLocal,
	}); err != nil {
		t.Fatal(err)
	}

	open, err := st.OpenOrders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].ClientOrderID != "exg-a" {
		t.Fatalf("unexpected open set: %+v", open)
	}
}

func TestOrphanQuarantineAndResolve(t *testing.T) {
	ctx := context.Background()
	st := New()

	orphan := models.OrphanOrder{QuarantineID: "q-1", BrokerOrderID: "b-9", Symbol: "TSLA", SeenAt: time.Now()}
	if ok, err := st.QuarantineOrphan(ctx, orphan); err != nil || !ok {
		t.Fatalf("quarantine: ok=%v err=%v", ok, err)
	}
	dupe := models.OrphanOrder{QuarantineID: "q-2", BrokerOrderID: "b-9", SeenAt: time.Now()}
	if ok, err := st.QuarantineOrphan(ctx, dupe); err != nil || ok {
		t.Fatalf("same broker order quarantined twice: ok=%v err=%v", ok, err)
	}

	if err := st.ResolveOrphan(ctx, "q-1", "ops", "manually adopted"); err != nil {
		t.Fatal(err)
	}
	unresolved, err := st.Orphans(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(unresolved) != 0 {
		t.Fatalf("resolved orphan still listed: %+v", unresolved)
	}
	all, err := st.Orphans(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || !all[0].Resolved || all[0].ResolvedBy != "ops" {
		t.Fatalf("unexpected resolved record: %+v", all)
	}

	if err := st.ResolveOrphan(ctx, "missing", "ops", ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown quarantine id, got %v", err)
	}
}

func TestLastCompletedRunSkipsOpenRuns(t *testing.T) {
	ctx := context.Background()
	st := New()
	if _, err := st.LastCompletedRun(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound with no runs, got %v", err)
	}

	done := models.ReconciliationRun{RunID: "r-1", StartedAt: time.Now().Add(-time.Hour), FinishedAt: time.Now().Add(-time.Hour + time.Second), Outcome: "ok"}
	inFlight := models.ReconciliationRun{RunID: "r-2", StartedAt: time.Now()}
	if err := st.SaveRun(ctx, done); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveRun(ctx, inFlight); err != nil {
		t.Fatal(err)
	}

	last, err := st.LastCompletedRun(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if last.RunID != "r-1" {
		t.Fatalf("expected completed run r-1, got %s", last.RunID)
	}
}

func TestUpdateOrderStatusFilledQtyIsMonotonic(t *testing.T) {
	ctx := context.Background()
	st := New()
	if _, _, err := st.CreateOrder(ctx, newOrder("exg-mono")); err != nil {
		t.Fatal(err)
	}

	if _, err := st.UpdateOrderStatus(ctx, "exg-mono", models.OrderStatusPendingNew, store.OrderUpdate{
		Status:    models.OrderStatusPartiallyFilled,
		FilledQty: 6,
		Source:    models.SourceWebhook,
	}); err != nil {
		t.Fatal(err)
	}

	// A stale redelivery carrying an older cumulative quantity must not wind
	// the fill accounting backwards.
	if _, err := st.UpdateOrderStatus(ctx, "exg-mono", models.OrderStatusPartiallyFilled, store.OrderUpdate{
		Status:    models.OrderStatusPartiallyFilled,
		FilledQty: 4,
		Source:    models.SourcePoll,
	}); err != nil {
		t.Fatal(err)
	}

	order, err := st.GetOrder(ctx, "exg-mono")
	if err != nil {
		t.Fatal(err)
	}
	if order.FilledQty != 6 {
		t.Fatalf("filled qty regressed to %v", order.FilledQty)
	}
}
