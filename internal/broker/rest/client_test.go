package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"execgw/internal/broker"
	"execgw/internal/logger"
	"execgw/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "key", "secret", 5*time.Second, logger.Discard())
}

func TestRequestCarriesSignatureHeaders(t *testing.T) {
	var gotKey, gotSign, gotTS string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-KEY")
		gotSign = r.Header.Get("X-API-SIGN")
		gotTS = r.Header.Get("X-API-TIMESTAMP")
		json.NewEncoder(w).Encode(apiResponse[struct{}]{})
	})

	_, err := client.GetOpenOrders(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if gotKey != "key" || gotSign == "" || gotTS == "" {
		t.Fatalf("missing auth headers: key=%q sign=%q ts=%q", gotKey, gotSign, gotTS)
	}
	if want := sign("secret", gotTS+"key"); gotSign != want {
		t.Fatalf("signature mismatch: got %s want %s", gotSign, want)
	}
}

func TestPlaceOrderMapsDuplicateCode(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(apiResponse[struct{}]{Code: 1409, Message: "duplicate clientOrderId"})
	})

	_, err := client.PlaceOrder(context.Background(), models.Order{
		ClientOrderID: "exg-dup", Symbol: "AAPL", Side: models.OrderSideBuy,
		Type: models.OrderTypeMarket, Qty: 1,
	})
	if !errors.Is(err, broker.ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder, got %v", err)
	}
}

func TestPlaceOrderIsNeverRetried(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(apiResponse[struct{}]{Code: 500, Message: "upstream error"})
	})

	_, err := client.PlaceOrder(context.Background(), models.Order{
		ClientOrderID: "exg-once", Symbol: "AAPL", Side: models.OrderSideBuy,
		Type: models.OrderTypeMarket, Qty: 1,
	})
	if err == nil {
		t.Fatal("expected failure")
	}
	if calls != 1 {
		t.Fatalf("submission must hit the wire exactly once, got %d calls", calls)
	}
}

func TestGetOrderMapsNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(apiResponse[orderPayload]{Code: 1404, Message: "order not found"})
	})

	_, err := client.GetOrder(context.Background(), "exg-missing")
	if !errors.Is(err, broker.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestGetActivityDecodesPage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "50" {
			t.Errorf("expected limit=50, got %q", got)
		}
		w.Write([]byte(`{"code":0,"result":{"list":[
			{"fillId":"f-1","clientOrderId":"exg-1","symbol":"AAPL","side":"BUY","price":"100.5","qty":"3","execTime":"1740000000000"}
		],"nextCursor":"abc"}}`))
	})

	page, err := client.GetActivity(context.Background(), time.Now().Add(-time.Hour), "", 50)
	if err != nil {
		t.Fatal(err)
	}
	if page.NextPageToken != "abc" {
		t.Fatalf("expected cursor abc, got %q", page.NextPageToken)
	}
	if len(page.Fills) != 1 {
		t.Fatalf("expected one fill, got %d", len(page.Fills))
	}
	fill := page.Fills[0]
	if fill.BrokerFillID != "f-1" || fill.Price != 100.5 || fill.Qty != 3 {
		t.Fatalf("fill decoded wrong: %+v", fill)
	}
}

func TestGetOpenOrdersDecodesList(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0,"result":{"list":[
			{"orderId":"b-1","clientOrderId":"exg-1","symbol":"AAPL","side":"BUY","orderType":"LIMIT","price":"99","qty":"10","filledQty":"4","status":"PARTIALLY_FILLED","updatedAt":"1740000000000"}
		]}}`))
	})

	orders, err := client.GetOpenOrders(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 1 {
		t.Fatalf("expected one order, got %d", len(orders))
	}
	ord := orders[0]
	if ord.Status != models.OrderStatusPartiallyFilled || ord.FilledQty != 4 || ord.Price != 99 {
		t.Fatalf("order decoded wrong: %+v", ord)
	}
}
