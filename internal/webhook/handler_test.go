package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"execgw/internal/broker/sim"
	"execgw/internal/config"
	"execgw/internal/logger"
	"execgw/internal/models"
	"execgw/internal/reconcile"
	"execgw/internal/safety"
	"execgw/internal/store"
	"execgw/internal/store/memory"
)

const testSecret = "hook-secret"

func newTestHandler(t *testing.T) (*Handler, *memory.Store) {
	t.Helper()
	st := memory.New()
	engine := reconcile.NewEngine(st, sim.New(), nil, safety.NewReduceOnlyLock(), config.ReconcileConfig{
		PollInterval:  time.Second,
		PageSize:      100,
		OverlapWindow: time.Minute,
	}, logger.Discard())
	return NewHandler(testSecret, engine, logger.Discard()), st
}

func seedSubmitted(t *testing.T, st *memory.Store, id string, qty float64) {
	t.Helper()
	ctx := context.Background()
	if _, _, err := st.CreateOrder(ctx, models.Order{
		ClientOrderID: id,
		Symbol:        "AAPL",
		Side:          models.OrderSideBuy,
		Type:          models.OrderTypeMarket,
		Qty:           qty,
		Status:        models.OrderStatusPendingNew,
		CreateTime:    time.Now(),
		UpdateTime:    time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.UpdateOrderStatus(ctx, id, models.OrderStatusPendingNew, store.OrderUpdate{
		Status:        models.OrderStatusSubmitted,
		BrokerOrderID: "b-" + id,
		Source:        models.SourceLocal,
	}); err != nil {
		t.Fatal(err)
	}
}

func post(h *Handler, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/webhook", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRejectsUnsignedRequest(t *testing.T) {
	h, _ := newTestHandler(t)
	body := []byte(`{"type":"order"}`)
	if rec := post(h, body, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unsigned request, got %d", rec.Code)
	}
}

func TestRejectsBadSignature(t *testing.T) {
	h, _ := newTestHandler(t)
	body := []byte(`{"type":"order"}`)
	if rec := post(h, body, Sign("wrong-secret", body)); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", rec.Code)
	}
}

func TestRejectsTamperedBody(t *testing.T) {
	h, _ := newTestHandler(t)
	signed := []byte(`{"type":"order"}`)
	tampered := []byte(`{"type":"fill"}`)
	if rec := post(h, tampered, Sign(testSecret, signed)); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for tampered body, got %d", rec.Code)
	}
}

func TestOrderEventApplied(t *testing.T) {
	h, st := newTestHandler(t)
	seedSubmitted(t, st, "exg-hook-1", 10)

	body, _ := json.Marshal(map[string]any{
		"type": "order",
		"order": map[string]any{
			"orderId":       "b-exg-hook-1",
			"clientOrderId": "exg-hook-1",
			"symbol":        "AAPL",
			"side":          "BUY",
			"status":        "CANCELLED",
			"qty":           10,
		},
	})
	rec := post(h, body, Sign(testSecret, body))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	order, err := st.GetOrder(context.Background(), "exg-hook-1")
	if err != nil {
		t.Fatal(err)
	}
	if order.Status != models.OrderStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", order.Status)
	}
	if order.Source != models.SourceWebhook {
		t.Fatalf("expected webhook-sourced update, got %s", order.Source)
	}
}

func TestFillEventApplied(t *testing.T) {
	h, st := newTestHandler(t)
	seedSubmitted(t, st, "exg-hook-2", 10)

	body, _ := json.Marshal(map[string]any{
		"type": "fill",
		"fill": models.Fill{
			BrokerFillID:  "wf-1",
			ClientOrderID: "exg-hook-2",
			Symbol:        "AAPL",
			Side:          models.OrderSideBuy,
			Price:         100,
			Qty:           4,
			Timestamp:     time.Now(),
		},
	})
	rec := post(h, body, Sign(testSecret, body))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	order, err := st.GetOrder(context.Background(), "exg-hook-2")
	if err != nil {
		t.Fatal(err)
	}
	if order.Status != models.OrderStatusPartiallyFilled || order.FilledQty != 4 {
		t.Fatalf("expected PARTIALLY_FILLED 4, got %s %v", order.Status, order.FilledQty)
	}

	// Redelivery of the same fill is a no-op.
	rec = post(h, body, Sign(testSecret, body))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on redelivery, got %d", rec.Code)
	}
	fills, err := st.FillsForOrder(context.Background(), "exg-hook-2")
	if err != nil {
		t.Fatal(err)
	}
	if len(fills) != 1 {
		t.Fatalf("redelivered fill recorded twice, got %d", len(fills))
	}
}

func TestUnknownEventTypeRejected(t *testing.T) {
	h, _ := newTestHandler(t)
	body := []byte(`{"type":"heartbeat"}`)
	if rec := post(h, body, Sign(testSecret, body)); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown event, got %d", rec.Code)
	}
}
