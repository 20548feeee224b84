// Package idempotency derives deterministic client order ids from order
// intents. The id is a pure function of the intent and the trading date, so a
// retried intent maps onto the same broker order and a retry on a later day
// maps onto a fresh one.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"execgw/internal/models"
)

const keyPrefix = "exg"

// Derive computes the client order id for an intent on the given trading date.
// No I/O, no clock reads; callers pass the date explicitly.
func Derive(intent models.OrderIntent, tradingDate time.Time) string {
	canonical := strings.Join([]string{
		strings.ToUpper(intent.Symbol),
		string(intent.Side),
		formatQty(intent.Qty),
		string(intent.Type),
		formatQty(intent.Price),
		string(intent.TimeInForce),
		tradingDate.Format("2006-01-02"),
	}, "|")

	sum := sha256.Sum256([]byte(canonical))
	return fmt.Sprintf("%s-%s", keyPrefix, hex.EncodeToString(sum[:])[:24])
}

// DeriveChild computes the deterministic id for a TWAP slice. It depends only
// on the parent id and the slice index so re-slicing after a crash reproduces
// the same ids.
func DeriveChild(parentOrderID string, index int) string {
	return fmt.Sprintf("%s-s%d", parentOrderID, index)
}

// formatQty renders a float without trailing zeros so that 100 and 100.0
// canonicalize identically.
func formatQty(v float64) string {
	formatted := strconv.FormatFloat(v, 'f', -1, 64)
	if formatted == "-0" {
		return "0"
	}
	return formatted
}
