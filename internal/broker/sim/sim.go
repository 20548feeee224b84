// Package sim is an in-process broker used in dry-run mode and tests. It
// enforces client-order-id uniqueness the way a real broker does, so the
// idempotent submission path is exercised end to end without network access.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"execgw/internal/broker"
	"execgw/internal/models"
)

type Broker struct {
	mu        sync.Mutex
	seq       int
	orders    map[string]broker.BrokerOrder // keyed by client order id
	fills     []models.Fill
	positions map[string]broker.BrokerPosition
	events    chan broker.Event

	// PlaceErr, when set, fails the next PlaceOrder. Tests use it to model
	// broker outages.
	PlaceErr error
}

func New() *Broker {
	return &Broker{
		orders:    make(map[string]broker.BrokerOrder),
		positions: make(map[string]broker.BrokerPosition),
		events:    make(chan broker.Event, 100),
	}
}

func (b *Broker) PlaceOrder(_ context.Context, order models.Order) (broker.PlacedOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.PlaceErr != nil {
		err := b.PlaceErr
		b.PlaceErr = nil
		return broker.PlacedOrder{}, err
	}
	if _, ok := b.orders[order.ClientOrderID]; ok {
		return broker.PlacedOrder{}, broker.ErrDuplicateOrder
	}

	b.seq++
	placed := broker.BrokerOrder{
		BrokerOrderID: fmt.Sprintf("sim-%d", b.seq),
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		Price:         order.Price,
		Qty:           order.Qty,
		Status:        models.OrderStatusSubmitted,
		UpdatedAt:     time.Now(),
	}
	b.orders[order.ClientOrderID] = placed
	return broker.PlacedOrder{BrokerOrderID: placed.BrokerOrderID, Status: placed.Status}, nil
}

func (b *Broker) CancelOrder(_ context.Context, brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ord := range b.orders {
		if ord.BrokerOrderID == brokerOrderID {
			if ord.Status.Terminal() {
				return nil
			}
			ord.Status = models.OrderStatusCancelled
			ord.UpdatedAt = time.Now()
			b.orders[id] = ord
			return nil
		}
	}
	return broker.ErrOrderNotFound
}

func (b *Broker) GetOrder(_ context.Context, clientOrderID string) (broker.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ord, ok := b.orders[clientOrderID]
	if !ok {
		return broker.BrokerOrder{}, broker.ErrOrderNotFound
	}
	return ord, nil
}

func (b *Broker) GetOpenOrders(_ context.Context) ([]broker.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var open []broker.BrokerOrder
	for _, ord := range b.orders {
		if !ord.Status.Terminal() {
			open = append(open, ord)
		}
	}
	return open, nil
}

func (b *Broker) GetActivity(_ context.Context, since time.Time, _ string, _ int) (broker.ActivityPage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var page broker.ActivityPage
	for _, fill := range b.fills {
		if fill.Timestamp.Before(since) {
			continue
		}
		page.Fills = append(page.Fills, fill)
	}
	return page, nil
}

func (b *Broker) GetPositions(_ context.Context) ([]broker.BrokerPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []broker.BrokerPosition
	for _, pos := range b.positions {
		out = append(out, pos)
	}
	return out, nil
}

func (b *Broker) Subscribe(_ context.Context) (<-chan broker.Event, error) {
	return b.events, nil
}

// Fill executes qty against an open order and emits the fill event, the way a
// live venue would.
func (b *Broker) Fill(clientOrderID string, qty, price float64) error {
	b.mu.Lock()
	ord, ok := b.orders[clientOrderID]
	if !ok {
		b.mu.Unlock()
		return broker.ErrOrderNotFound
	}
	ord.FilledQty += qty
	if ord.FilledQty >= ord.Qty {
		ord.Status = models.OrderStatusFilled
	} else {
		ord.Status = models.OrderStatusPartiallyFilled
	}
	ord.UpdatedAt = time.Now()
	b.orders[clientOrderID] = ord

	b.seq++
	fill := models.Fill{
		BrokerFillID:  fmt.Sprintf("sim-fill-%d", b.seq),
		ClientOrderID: clientOrderID,
		Symbol:        ord.Symbol,
		Side:          ord.Side,
		Price:         price,
		Qty:           qty,
		Timestamp:     time.Now(),
	}
	b.fills = append(b.fills, fill)

	delta := qty
	if ord.Side == models.OrderSideSell {
		delta = -qty
	}
	pos := b.positions[ord.Symbol]
	pos.Symbol = ord.Symbol
	pos.Qty += delta
	b.positions[ord.Symbol] = pos
	b.mu.Unlock()

	b.events <- broker.Event{Type: broker.EventTypeFill, Fill: &fill}
	b.events <- broker.Event{Type: broker.EventTypeOrder, Order: &ord}
	return nil
}

// Tick publishes a quote with its 24h rolling volume, the way a live venue's
// ticker topic does.
func (b *Broker) Tick(symbol string, price, volume24h float64) {
	b.events <- broker.Event{
		Type: broker.EventTypeTicker,
		Ticker: &broker.Ticker{
			Symbol:    symbol,
			LastPrice: price,
			Volume24h: volume24h,
			Timestamp: time.Now(),
		},
	}
}

// SeedOrder registers a broker-side order with no local counterpart, used to
// exercise orphan quarantine.
func (b *Broker) SeedOrder(ord broker.BrokerOrder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := ord.ClientOrderID
	if key == "" {
		key = ord.BrokerOrderID
	}
	b.orders[key] = ord
}

var _ broker.Client = (*Broker)(nil)
var _ broker.EventSource = (*Broker)(nil)
