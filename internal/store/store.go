// Package store defines the persistence contracts for the gateway. Two
// implementations exist: postgres (production) and memory (tests, dry-run).
package store

import (
	"context"
	"errors"
	"time"

	"execgw/internal/models"
)

var (
	ErrNotFound = errors.New("store: not found")
)

// OrderUpdate carries the fields applied on a status transition.
type OrderUpdate struct {
	Status        models.OrderStatus
	BrokerOrderID string
	FilledQty     float64
	Source        models.UpdateSource
	Reason        string
}

type OrderStore interface {
	// CreateOrder inserts the order if no order with its client id exists.
	// The second return is false when an order was already present, in which
	// case the existing record is returned untouched. Uniqueness is enforced
	// by the storage layer, not by the caller.
	CreateOrder(ctx context.Context, order models.Order) (models.Order, bool, error)
	GetOrder(ctx context.Context, clientOrderID string) (models.Order, error)
	GetOrderByBrokerID(ctx context.Context, brokerOrderID string) (models.Order, error)
	OpenOrders(ctx context.Context) ([]models.Order, error)
	// UpdateOrderStatus applies upd only if the stored status still equals
	// prev (compare-and-swap). Returns false when the swap lost.
	UpdateOrderStatus(ctx context.Context, clientOrderID string, prev models.OrderStatus, upd OrderUpdate) (bool, error)
}

type SliceStore interface {
	SavePlan(ctx context.Context, slices []models.OrderSlice) error
	PlanForParent(ctx context.Context, parentOrderID string) ([]models.OrderSlice, error)
	DueSlices(ctx context.Context, now time.Time) ([]models.OrderSlice, error)
	// UpdateSliceStatus is CAS on the previous status, mirroring orders.
	UpdateSliceStatus(ctx context.Context, sliceID string, prev, next models.SliceStatus) (bool, error)
}

type FillStore interface {
	// InsertFill records the fill and the recomputed position snapshot in a
	// single transaction. Returns false when the broker fill id was already
	// recorded; the position is left untouched in that case.
	InsertFill(ctx context.Context, fill models.Fill, pos models.Position) (bool, error)
	FillsForOrder(ctx context.Context, clientOrderID string) ([]models.Fill, error)
	FillsForSymbol(ctx context.Context, symbol string) ([]models.Fill, error)
}

// PositionReader is the read-only view handed to everything except the
// reconciliation engine.
type PositionReader interface {
	GetPosition(ctx context.Context, symbol string) (models.Position, error)
	Positions(ctx context.Context) ([]models.Position, error)
}

// PositionWriter is held exclusively by the reconciliation engine.
type PositionWriter interface {
	PositionReader
	UpsertPosition(ctx context.Context, pos models.Position) error
}

type RunStore interface {
	SaveRun(ctx context.Context, run models.ReconciliationRun) error
	Runs(ctx context.Context, limit int) ([]models.ReconciliationRun, error)
	LastCompletedRun(ctx context.Context) (models.ReconciliationRun, error)
}

type OrphanStore interface {
	// QuarantineOrphan files the orphan, deduplicating on broker order id.
	QuarantineOrphan(ctx context.Context, orphan models.OrphanOrder) (bool, error)
	Orphans(ctx context.Context, includeResolved bool) ([]models.OrphanOrder, error)
	ResolveOrphan(ctx context.Context, quarantineID, actor, note string) error
}

type AuditStore interface {
	AppendAudit(ctx context.Context, entry models.AuditEntry) error
	AuditHistory(ctx context.Context, flag string, limit int) ([]models.AuditEntry, error)
}

// Store is the full persistence surface wired at startup.
type Store interface {
	OrderStore
	SliceStore
	FillStore
	PositionWriter
	RunStore
	OrphanStore
	AuditStore
}
