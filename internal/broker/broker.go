// Package broker defines the boundary to the external brokerage. Only its
// implementations perform outbound broker calls.
package broker

import (
	"context"
	"errors"
	"time"

	"execgw/internal/models"
)

var (
	// ErrOrderNotFound is returned when the broker has no record of the order.
	ErrOrderNotFound = errors.New("broker: order not found")
	// ErrDuplicateOrder is returned when the broker already holds an order
	// with the same client order id. The caller resolves it by lookup.
	ErrDuplicateOrder = errors.New("broker: duplicate client order id")
)

// PlacedOrder is the broker's acknowledgement of a submission.
type PlacedOrder struct {
	BrokerOrderID string
	Status        models.OrderStatus
}

// BrokerOrder is the broker's view of an order, used by reconciliation.
type BrokerOrder struct {
	BrokerOrderID string
	ClientOrderID string
	Symbol        string
	Side          models.OrderSide
	Type          models.OrderType
	Price         float64
	Qty           float64
	FilledQty     float64
	Status        models.OrderStatus
	UpdatedAt     time.Time
}

// ActivityPage is one page of the fills/activity query. NextPageToken is
// empty on the last page.
type ActivityPage struct {
	Fills         []models.Fill
	NextPageToken string
}

type BrokerPosition struct {
	Symbol        string
	Qty           float64
	AvgEntryPrice float64
}

type EventType string

const (
	EventTypeOrder     EventType = "Order"
	EventTypeFill      EventType = "Fill"
	EventTypeTicker    EventType = "Ticker"
	EventTypeReconnect EventType = "Reconnect"
)

// Event is one message from the broker's push channel (private stream).
type Event struct {
	Type   EventType
	Order  *BrokerOrder
	Fill   *models.Fill
	Ticker *Ticker
}

type Ticker struct {
	Symbol    string
	LastPrice float64
	Volume24h float64
	Timestamp time.Time
}

// Client is the abstract broker contract. Submit is never retried inside the
// adapter; read operations may be. Every call must respect ctx deadlines.
type Client interface {
	PlaceOrder(ctx context.Context, order models.Order) (PlacedOrder, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	GetOrder(ctx context.Context, clientOrderID string) (BrokerOrder, error)
	GetOpenOrders(ctx context.Context) ([]BrokerOrder, error)
	GetActivity(ctx context.Context, since time.Time, pageToken string, pageSize int) (ActivityPage, error)
	GetPositions(ctx context.Context) ([]BrokerPosition, error)
}

// EventSource is the broker's push channel (private websocket stream).
type EventSource interface {
	Subscribe(ctx context.Context) (<-chan Event, error)
}
