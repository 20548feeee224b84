package reconcile

import (
	"context"

	"execgw/internal/broker"
	"execgw/internal/marketdata"
	"execgw/internal/models"
)

// ConsumeEvents drains the broker's push channel. Order and fill events are
// applied the same way poll results are, so the CAS discipline resolves races
// between the two paths. A reconnect means we may have missed pushes, so a
// full reconciliation pass is scheduled.
func (e *Engine) ConsumeEvents(ctx context.Context, events <-chan broker.Event, cache *marketdata.Cache) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.handleEvent(ctx, ev, cache)
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev broker.Event, cache *marketdata.Cache) {
	switch ev.Type {
	case broker.EventTypeOrder:
		if ev.Order == nil {
			return
		}
		if _, err := e.ApplyOrderState(ctx, *ev.Order, models.SourceWebhook); err != nil {
			e.logEntry().WithError(err).WithField("client_order_id", ev.Order.ClientOrderID).
				Warn("stream order update failed")
		}
	case broker.EventTypeFill:
		if ev.Fill == nil {
			return
		}
		if err := e.ApplyFill(ctx, *ev.Fill, models.SourceWebhook); err != nil {
			e.logEntry().WithError(err).WithField("broker_fill_id", ev.Fill.BrokerFillID).
				Warn("stream fill failed")
		}
	case broker.EventTypeTicker:
		if ev.Ticker == nil || cache == nil {
			return
		}
		cache.Update(ev.Ticker.Symbol, ev.Ticker.LastPrice, ev.Ticker.Timestamp)
		// The 24h rolling volume on the ticker is our ADV source; the
		// liquidity check stays UNKNOWN for a symbol until one arrives.
		if ev.Ticker.Volume24h > 0 {
			cache.SetADV(ev.Ticker.Symbol, ev.Ticker.Volume24h)
		}
	case broker.EventTypeReconnect:
		e.logEntry().Info("stream reconnected, scheduling reconciliation pass")
		e.RequestRun()
	}
}
