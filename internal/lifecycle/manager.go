// Package lifecycle owns the local order record from intent to terminal
// state. Submission follows the double-check pattern: gate, persist, gate
// again, then broker. The second check closes the window in which a safety
// flag can flip between evaluation and the wire.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"execgw/internal/broker"
	"execgw/internal/idempotency"
	"execgw/internal/logger"
	"execgw/internal/metrics"
	"execgw/internal/models"
	"execgw/internal/safety"
	"execgw/internal/store"
)

// ErrValidation marks a malformed intent. Such intents are never persisted.
var ErrValidation = errors.New("invalid order intent")

// Readiness reports whether startup reconciliation has completed. Until it
// has, only reduce-only orders pass; while the broker is unreachable nothing
// does.
type Readiness interface {
	FirstRunDone() bool
	BrokerHealthy() bool
}

type Manager struct {
	orders store.OrderStore
	gate   *safety.Gate
	client broker.Client
	ready  Readiness
	tz     *time.Location
	now    func() time.Time
	log    *logger.Logger
}

func NewManager(orders store.OrderStore, gate *safety.Gate, client broker.Client, ready Readiness, tz *time.Location, log *logger.Logger) *Manager {
	if tz == nil {
		tz = time.UTC
	}
	return &Manager{
		orders: orders,
		gate:   gate,
		client: client,
		ready:  ready,
		tz:     tz,
		now:    time.Now,
		log:    log,
	}
}

// Submit runs one intent through the full pipeline. Retries with the same
// intent on the same trading date return the already-existing order without
// touching the broker.
func (m *Manager) Submit(ctx context.Context, intent models.OrderIntent) (models.Order, error) {
	if err := validate(intent); err != nil {
		return models.Order{}, err
	}
	key := idempotency.Derive(intent, m.now().In(m.tz))
	return m.submit(ctx, key, "", intent)
}

// SubmitChild releases one slice of a parent order. The child's client order
// id is derived from the parent id and the slice index, so re-releasing the
// same slice after a crash replays instead of double-submitting.
func (m *Manager) SubmitChild(ctx context.Context, parentOrderID string, index int, intent models.OrderIntent) (models.Order, error) {
	if err := validate(intent); err != nil {
		return models.Order{}, err
	}
	key := idempotency.DeriveChild(parentOrderID, index)
	return m.submit(ctx, key, parentOrderID, intent)
}

func (m *Manager) submit(ctx context.Context, key, parentOrderID string, intent models.OrderIntent) (models.Order, error) {
	if existing, err := m.orders.GetOrder(ctx, key); err == nil {
		m.logEntry(key, intent.Symbol).Info("idempotent replay, returning existing order")
		metrics.IdempotentReplays.Inc()
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return models.Order{}, fmt.Errorf("lookup order: %w", err)
	}

	if err := m.startupGate(ctx, intent); err != nil {
		return models.Order{}, err
	}

	req := safety.Request{Intent: intent}
	if err := m.gate.Evaluate(ctx, req); err != nil {
		m.rejectMetric(err)
		return models.Order{}, err
	}

	now := m.now()
	order := models.Order{
		ClientOrderID: key,
		ParentOrderID: parentOrderID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Type:          intent.Type,
		Price:         intent.Price,
		Qty:           intent.Qty,
		Status:        models.OrderStatusPendingNew,
		TimeInForce:   intent.TimeInForce,
		Source:        models.SourceLocal,
		CreateTime:    now,
		UpdateTime:    now,
	}

	persisted, created, err := m.orders.CreateOrder(ctx, order)
	if err != nil {
		return models.Order{}, fmt.Errorf("persist order: %w", err)
	}
	if !created {
		// A concurrent duplicate won the insert; its result is ours too.
		m.logEntry(key, intent.Symbol).Info("lost create race to concurrent duplicate")
		metrics.IdempotentReplays.Inc()
		return persisted, nil
	}

	// Second check: a kill switch engaged mid-request must stop the order
	// even though it already passed once.
	if err := m.gate.Evaluate(ctx, req); err != nil {
		m.rejectMetric(err)
		if _, casErr := m.orders.UpdateOrderStatus(ctx, key, models.OrderStatusPendingNew, store.OrderUpdate{
			Status: models.OrderStatusRejected,
			Source: models.SourceLocal,
			Reason: err.Error(),
		}); casErr != nil {
			m.logEntry(key, intent.Symbol).WithError(casErr).Error("failed to mark order rejected")
		}
		order.Status = models.OrderStatusRejected
		order.Reason = err.Error()
		return order, err
	}

	return m.dispatch(ctx, persisted)
}

func (m *Manager) dispatch(ctx context.Context, order models.Order) (models.Order, error) {
	placed, err := m.client.PlaceOrder(ctx, order)
	if errors.Is(err, broker.ErrDuplicateOrder) {
		// The broker has it from a prior attempt that died before recording
		// the ack. Adopt the broker's record.
		if existing, lookupErr := m.client.GetOrder(ctx, order.ClientOrderID); lookupErr == nil {
			m.logEntry(order.ClientOrderID, order.Symbol).Info("adopted order after duplicate client id")
			placed = broker.PlacedOrder{BrokerOrderID: existing.BrokerOrderID, Status: models.OrderStatusSubmitted}
			err = nil
		}
	}
	if err != nil {
		metrics.OrdersFailed.Inc()
		if _, casErr := m.orders.UpdateOrderStatus(ctx, order.ClientOrderID, models.OrderStatusPendingNew, store.OrderUpdate{
			Status: models.OrderStatusFailed,
			Source: models.SourceLocal,
			Reason: err.Error(),
		}); casErr != nil {
			m.logEntry(order.ClientOrderID, order.Symbol).WithError(casErr).Error("failed to mark order failed")
		}
		order.Status = models.OrderStatusFailed
		order.Reason = err.Error()
		m.logEntry(order.ClientOrderID, order.Symbol).WithError(err).Error("broker submission failed")
		return order, fmt.Errorf("broker submit: %w", err)
	}

	swapped, err := m.orders.UpdateOrderStatus(ctx, order.ClientOrderID, models.OrderStatusPendingNew, store.OrderUpdate{
		Status:        models.OrderStatusSubmitted,
		BrokerOrderID: placed.BrokerOrderID,
		Source:        models.SourceLocal,
	})
	if err != nil {
		return models.Order{}, fmt.Errorf("record submission: %w", err)
	}
	if !swapped {
		// A push event for this order beat the local ack write. The stored
		// record is newer than ours; return it.
		return m.orders.GetOrder(ctx, order.ClientOrderID)
	}

	metrics.OrdersSubmitted.WithLabelValues(order.Symbol, string(order.Side)).Inc()
	m.logEntry(order.ClientOrderID, order.Symbol).WithFields(logrus.Fields{
		"broker_order_id": placed.BrokerOrderID,
		"qty":             order.Qty,
		"side":            order.Side,
	}).Info("order submitted")

	order.Status = models.OrderStatusSubmitted
	order.BrokerOrderID = placed.BrokerOrderID
	return order, nil
}

// Cancel requests cancellation at the broker. Cancels are risk-reducing and
// bypass only the checks the gate itself exempts them from.
func (m *Manager) Cancel(ctx context.Context, clientOrderID string) (models.Order, error) {
	order, err := m.orders.GetOrder(ctx, clientOrderID)
	if err != nil {
		return models.Order{}, err
	}
	if order.Status.Terminal() {
		return order, fmt.Errorf("order %s already terminal (%s)", clientOrderID, order.Status)
	}
	if order.BrokerOrderID == "" {
		return order, fmt.Errorf("order %s has no broker id to cancel", clientOrderID)
	}

	req := safety.Request{
		Intent: models.OrderIntent{Symbol: order.Symbol, Side: order.Side, Qty: order.Qty, Type: order.Type},
		Cancel: true,
	}
	if err := m.gate.Evaluate(ctx, req); err != nil {
		return order, err
	}

	if err := m.client.CancelOrder(ctx, order.BrokerOrderID); err != nil && !errors.Is(err, broker.ErrOrderNotFound) {
		return order, fmt.Errorf("broker cancel: %w", err)
	}

	if _, err := m.orders.UpdateOrderStatus(ctx, clientOrderID, order.Status, store.OrderUpdate{
		Status: models.OrderStatusCancelled,
		Source: models.SourceLocal,
		Reason: "cancelled by request",
	}); err != nil {
		return order, fmt.Errorf("record cancel: %w", err)
	}
	return m.orders.GetOrder(ctx, clientOrderID)
}

// Get returns the order record for the status surface.
func (m *Manager) Get(ctx context.Context, clientOrderID string) (models.Order, error) {
	return m.orders.GetOrder(ctx, clientOrderID)
}

func (m *Manager) startupGate(ctx context.Context, intent models.OrderIntent) error {
	if m.ready == nil {
		return nil
	}
	if !m.ready.BrokerHealthy() {
		return &safety.RejectionError{
			Check:    "startup_reconciliation",
			Decision: safety.Unknown,
			Reason:   "broker unreachable, all submissions blocked",
		}
	}
	if m.ready.FirstRunDone() {
		return nil
	}
	reduceOnly, err := m.gate.RiskReducing(ctx, safety.Request{Intent: intent})
	if err != nil {
		return &safety.RejectionError{Check: "startup_reconciliation", Decision: safety.Unknown, Reason: err.Error()}
	}
	if !reduceOnly {
		return &safety.RejectionError{
			Check:    "startup_reconciliation",
			Decision: safety.Fail,
			Reason:   "awaiting first reconciliation, only reduce-only orders allowed",
		}
	}
	return nil
}

func (m *Manager) rejectMetric(err error) {
	var rej *safety.RejectionError
	if errors.As(err, &rej) {
		metrics.OrdersRejected.WithLabelValues(rej.Check).Inc()
	}
}

func (m *Manager) logEntry(orderID, symbol string) *logrus.Entry {
	return m.log.WithComponent("lifecycle").WithField("client_order_id", orderID).WithField("symbol", symbol)
}

func validate(intent models.OrderIntent) error {
	switch {
	case intent.Symbol == "":
		return fmt.Errorf("%w: symbol required", ErrValidation)
	case intent.Qty <= 0:
		return fmt.Errorf("%w: quantity must be positive", ErrValidation)
	case intent.Side != models.OrderSideBuy && intent.Side != models.OrderSideSell:
		return fmt.Errorf("%w: side must be BUY or SELL", ErrValidation)
	case intent.Type != models.OrderTypeMarket && intent.Type != models.OrderTypeLimit:
		return fmt.Errorf("%w: unsupported order type %q", ErrValidation, intent.Type)
	case intent.Type == models.OrderTypeLimit && intent.Price <= 0:
		return fmt.Errorf("%w: limit orders require a positive price", ErrValidation)
	case intent.Type == models.OrderTypeMarket && intent.Price != 0:
		return fmt.Errorf("%w: market orders must not carry a price", ErrValidation)
	}
	return nil
}
