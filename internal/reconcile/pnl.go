package reconcile

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"execgw/internal/models"
)

// computePosition replays the fill ledger for one symbol into a position
// snapshot using average-cost accounting. Fills are immutable, so the
// position is always a pure function of the ledger; decimal arithmetic keeps
// repeated replays from drifting.
func computePosition(symbol string, fills []models.Fill, markPrice float64, at time.Time) models.Position {
	sorted := make([]models.Fill, len(fills))
	copy(sorted, fills)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	qty := decimal.Zero
	avg := decimal.Zero
	realized := decimal.Zero

	for _, fill := range sorted {
		fillQty := decimal.NewFromFloat(fill.Qty)
		price := decimal.NewFromFloat(fill.Price)
		signed := fillQty
		if fill.Side == models.OrderSideSell {
			signed = fillQty.Neg()
		}

		switch {
		case qty.IsZero() || qty.Sign() == signed.Sign():
			// Opening or adding: average in the new cost.
			total := avg.Mul(qty.Abs()).Add(price.Mul(fillQty))
			qty = qty.Add(signed)
			if !qty.IsZero() {
				avg = total.Div(qty.Abs())
			}
		default:
			// Reducing or flipping against the existing position.
			closeQty := decimal.Min(fillQty, qty.Abs())
			pnlPerUnit := price.Sub(avg)
			if qty.Sign() < 0 {
				pnlPerUnit = avg.Sub(price)
			}
			realized = realized.Add(pnlPerUnit.Mul(closeQty))
			qty = qty.Add(signed)
			if qty.IsZero() {
				avg = decimal.Zero
			} else if qty.Sign() == signed.Sign() {
				// Flipped through flat: the remainder opens at the fill price.
				avg = price
			}
		}
	}

	pos := models.Position{
		Symbol:           symbol,
		LastReconciledAt: at,
	}
	pos.Qty, _ = qty.Float64()
	pos.AvgEntryPrice, _ = avg.Float64()
	pos.RealizedPnL, _ = realized.Float64()

	if markPrice > 0 && !qty.IsZero() {
		mark := decimal.NewFromFloat(markPrice)
		unrealized := mark.Sub(avg).Mul(qty)
		pos.UnrealizedPnL, _ = unrealized.Float64()
	}
	return pos
}
