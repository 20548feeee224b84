package stream

import (
	"encoding/json"
	"strconv"
	"time"

	"execgw/internal/broker"
	"execgw/internal/models"
)

func (w *Client) handleExecution(msg message) {
	var data []struct {
		FillID        string `json:"fillId"`
		ClientOrderID string `json:"clientOrderId"`
		Symbol        string `json:"symbol"`
		Side          string `json:"side"`
		ExecPrice     string `json:"execPrice"`
		ExecQty       string `json:"execQty"`
		ExecTime      string `json:"execTime"`
	}

	if err := json.Unmarshal(msg.Data, &data); err != nil {
		w.logEntry().WithError(err).Warn("undecodable execution event")
		return
	}

	for _, item := range data {
		price, _ := strconv.ParseFloat(item.ExecPrice, 64)
		qty, _ := strconv.ParseFloat(item.ExecQty, 64)
		tsMs, _ := strconv.ParseInt(item.ExecTime, 10, 64)

		w.logEntry().WithFields(map[string]interface{}{
			"symbol":          item.Symbol,
			"fill_id":         item.FillID,
			"client_order_id": item.ClientOrderID,
			"qty":             item.ExecQty,
			"price":           item.ExecPrice,
		}).Debug("execution")

		w.events <- broker.Event{
			Type: broker.EventTypeFill,
			Fill: &models.Fill{
				BrokerFillID:  item.FillID,
				ClientOrderID: item.ClientOrderID,
				Symbol:        item.Symbol,
				Side:          models.OrderSide(item.Side),
				Price:         price,
				Qty:           qty,
				Timestamp:     time.UnixMilli(tsMs),
			},
		}
	}
}

func (w *Client) handleOrder(msg message) {
	var data []struct {
		OrderID       string `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Symbol        string `json:"symbol"`
		Side          string `json:"side"`
		OrderType     string `json:"orderType"`
		Price         string `json:"price"`
		Qty           string `json:"qty"`
		FilledQty     string `json:"filledQty"`
		Status        string `json:"status"`
		UpdatedAt     string `json:"updatedAt"`
	}

	if err := json.Unmarshal(msg.Data, &data); err != nil {
		w.logEntry().WithError(err).Warn("undecodable order event")
		return
	}

	for _, item := range data {
		price, _ := strconv.ParseFloat(item.Price, 64)
		qty, _ := strconv.ParseFloat(item.Qty, 64)
		filled, _ := strconv.ParseFloat(item.FilledQty, 64)
		tsMs, _ := strconv.ParseInt(item.UpdatedAt, 10, 64)

		w.logEntry().WithFields(map[string]interface{}{
			"symbol":          item.Symbol,
			"order_id":        item.OrderID,
			"client_order_id": item.ClientOrderID,
			"status":          item.Status,
		}).Debug("order")

		w.events <- broker.Event{
			Type: broker.EventTypeOrder,
			Order: &broker.BrokerOrder{
				BrokerOrderID: item.OrderID,
				ClientOrderID: item.ClientOrderID,
				Symbol:        item.Symbol,
				Side:          models.OrderSide(item.Side),
				Type:          models.OrderType(item.OrderType),
				Price:         price,
				Qty:           qty,
				FilledQty:     filled,
				Status:        models.OrderStatus(item.Status),
				UpdatedAt:     time.UnixMilli(tsMs),
			},
		}
	}
}

func (w *Client) handleTicker(msg message) {
	var data struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
		Volume24h string `json:"volume24h"`
	}

	if err := json.Unmarshal(msg.Data, &data); err != nil {
		w.logEntry().WithError(err).Warn("undecodable ticker event")
		return
	}

	price, _ := strconv.ParseFloat(data.LastPrice, 64)
	volume, _ := strconv.ParseFloat(data.Volume24h, 64)
	w.events <- broker.Event{
		Type: broker.EventTypeTicker,
		Ticker: &broker.Ticker{
			Symbol:    data.Symbol,
			LastPrice: price,
			Volume24h: volume,
			Timestamp: time.UnixMilli(msg.TS),
		},
	}
}
