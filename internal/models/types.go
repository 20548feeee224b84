package models

import "time"

type OrderSide string
type OrderType string
type OrderStatus string
type TimeInForce string
type UpdateSource string
type SliceStatus string
type BreakerState string
type KillSwitchState string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"

	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"

	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceDay TimeInForce = "DAY"

	OrderStatusPendingNew      OrderStatus = "PENDING_NEW"
	OrderStatusSubmitted       OrderStatus = "SUBMITTED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusFailed          OrderStatus = "FAILED"

	SourceLocal   UpdateSource = "local"
	SourceWebhook UpdateSource = "webhook"
	SourcePoll    UpdateSource = "reconciliation-poll"

	SliceStatusScheduled SliceStatus = "SCHEDULED"
	SliceStatusReleased  SliceStatus = "RELEASED"
	SliceStatusExpired   SliceStatus = "EXPIRED"
	SliceStatusCancelled SliceStatus = "CANCELLED"

	BreakerOpen        BreakerState = "OPEN"
	BreakerTripped     BreakerState = "TRIPPED"
	BreakerQuietPeriod BreakerState = "QUIET_PERIOD"

	KillSwitchEngaged    KillSwitchState = "ENGAGED"
	KillSwitchDisengaged KillSwitchState = "DISENGAGED"
	KillSwitchUnknown    KillSwitchState = "UNKNOWN"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusFailed:
		return true
	}
	return false
}

// OrderIntent is the validated request shape accepted from upstream.
// Price is meaningful only for LIMIT orders.
type OrderIntent struct {
	Symbol      string      `json:"symbol"`
	Side        OrderSide   `json:"side"`
	Qty         float64     `json:"qty"`
	Type        OrderType   `json:"type"`
	Price       float64     `json:"price,omitempty"`
	TimeInForce TimeInForce `json:"time_in_force"`
}

type Order struct {
	ClientOrderID string       `json:"client_order_id"`
	BrokerOrderID string       `json:"broker_order_id,omitempty"`
	ParentOrderID string       `json:"parent_order_id,omitempty"`
	Symbol        string       `json:"symbol"`
	Side          OrderSide    `json:"side"`
	Type          OrderType    `json:"type"`
	Price         float64      `json:"price,omitempty"`
	Qty           float64      `json:"qty"`
	FilledQty     float64      `json:"filled_qty"`
	Status        OrderStatus  `json:"status"`
	TimeInForce   TimeInForce  `json:"time_in_force"`
	Source        UpdateSource `json:"source"`
	Reason        string       `json:"reason,omitempty"`
	CreateTime    time.Time    `json:"create_time"`
	UpdateTime    time.Time    `json:"update_time"`
}

// OrderSlice is one timed part of a sliced parent order. The intent fields
// are denormalized onto each slice so a release after restart needs no
// lookup beyond the plan itself.
type OrderSlice struct {
	SliceID       string      `json:"slice_id"`
	ParentOrderID string      `json:"parent_order_id"`
	Index         int         `json:"index"`
	Symbol        string      `json:"symbol"`
	Side          OrderSide   `json:"side"`
	Type          OrderType   `json:"type"`
	Price         float64     `json:"price,omitempty"`
	TimeInForce   TimeInForce `json:"time_in_force"`
	Qty           float64     `json:"qty"`
	ReleaseAt     time.Time   `json:"release_at"`
	Status        SliceStatus `json:"status"`
	UpdateTime    time.Time   `json:"update_time"`
}

type Fill struct {
	BrokerFillID  string    `json:"broker_fill_id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Price         float64   `json:"price"`
	Qty           float64   `json:"qty"`
	Timestamp     time.Time `json:"timestamp"`
}

type Position struct {
	Symbol           string    `json:"symbol"`
	Qty              float64   `json:"qty"`
	AvgEntryPrice    float64   `json:"avg_entry_price"`
	RealizedPnL      float64   `json:"realized_pnl"`
	UnrealizedPnL    float64   `json:"unrealized_pnl"`
	LastReconciledAt time.Time `json:"last_reconciled_at"`
}

type BreakerRecord struct {
	State     BreakerState `json:"state"`
	Reason    string       `json:"reason,omitempty"`
	TrippedAt time.Time    `json:"tripped_at,omitempty"`
	ResetAt   time.Time    `json:"reset_at,omitempty"`
	ResetBy   string       `json:"reset_by,omitempty"`
}

type ReconciliationRun struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Matched    int       `json:"matched"`
	Mismatched int       `json:"mismatched"`
	Orphaned   int       `json:"orphaned"`
	// PositionMismatches counts symbols whose broker-reported position
	// diverged from the local fill ledger during this pass.
	PositionMismatches int    `json:"position_mismatches"`
	Outcome            string `json:"outcome"`
}

// OrphanOrder is a broker-side order with no local record, held for review.
type OrphanOrder struct {
	QuarantineID  string    `json:"quarantine_id"`
	BrokerOrderID string    `json:"broker_order_id"`
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Qty           float64   `json:"qty"`
	SeenAt        time.Time `json:"seen_at"`
	Resolved      bool      `json:"resolved"`
	ResolvedBy    string    `json:"resolved_by,omitempty"`
	Note          string    `json:"note,omitempty"`
}

// AuditEntry records an operator mutation of a safety flag.
type AuditEntry struct {
	ID            string    `json:"id"`
	Flag          string    `json:"flag"`
	Action        string    `json:"action"`
	Actor         string    `json:"actor"`
	Justification string    `json:"justification"`
	At            time.Time `json:"at"`
}
