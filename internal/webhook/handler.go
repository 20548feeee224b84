// Package webhook ingests broker push notifications over HTTP. Every request
// must carry an HMAC-SHA256 signature of the raw body; anything unsigned or
// mis-signed is rejected before the payload is even parsed.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"execgw/internal/broker"
	"execgw/internal/logger"
	"execgw/internal/models"
	"execgw/internal/reconcile"
)

const SignatureHeader = "X-Signature"

// maxBodyBytes bounds the request body read. Broker events are small.
const maxBodyBytes = 1 << 20

// event is the envelope the broker posts. Exactly one of Order and Fill is
// set depending on Type.
type event struct {
	Type  string       `json:"type"`
	Order *orderEvent  `json:"order,omitempty"`
	Fill  *models.Fill `json:"fill,omitempty"`
}

type orderEvent struct {
	BrokerOrderID string             `json:"orderId"`
	ClientOrderID string             `json:"clientOrderId"`
	Symbol        string             `json:"symbol"`
	Side          models.OrderSide   `json:"side"`
	Status        models.OrderStatus `json:"status"`
	FilledQty     float64            `json:"filledQty"`
	Qty           float64            `json:"qty"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

type Handler struct {
	secret []byte
	engine *reconcile.Engine
	log    *logger.Logger
}

func NewHandler(secret string, engine *reconcile.Engine, log *logger.Logger) *Handler {
	return &Handler{secret: []byte(secret), engine: engine, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if !h.verify(body, r.Header.Get(SignatureHeader)) {
		h.logEntry().WithField("remote", r.RemoteAddr).Warn("webhook signature rejected")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var ev event
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	switch {
	case ev.Type == "order" && ev.Order != nil:
		bo := broker.BrokerOrder{
			BrokerOrderID: ev.Order.BrokerOrderID,
			ClientOrderID: ev.Order.ClientOrderID,
			Symbol:        ev.Order.Symbol,
			Side:          ev.Order.Side,
			Qty:           ev.Order.Qty,
			FilledQty:     ev.Order.FilledQty,
			Status:        ev.Order.Status,
			UpdatedAt:     ev.Order.UpdatedAt,
		}
		if _, err := h.engine.ApplyOrderState(r.Context(), bo, models.SourceWebhook); err != nil {
			h.logEntry().WithError(err).WithField("client_order_id", bo.ClientOrderID).
				Warn("webhook order update failed")
			http.Error(w, "apply failed", http.StatusInternalServerError)
			return
		}
	case ev.Type == "fill" && ev.Fill != nil:
		if err := h.engine.ApplyFill(r.Context(), *ev.Fill, models.SourceWebhook); err != nil {
			h.logEntry().WithError(err).WithField("broker_fill_id", ev.Fill.BrokerFillID).
				Warn("webhook fill failed")
			http.Error(w, "apply failed", http.StatusInternalServerError)
			return
		}
	default:
		http.Error(w, "unknown event type", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// verify compares the claimed signature against HMAC-SHA256(secret, body)
// in constant time.
func (h *Handler) verify(body []byte, claimed string) bool {
	if claimed == "" {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(claimed))
}

// Sign computes the signature a caller must attach. Exported for tests and
// for the simulated broker.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *Handler) logEntry() *logrus.Entry {
	return h.log.WithComponent("webhook")
}
