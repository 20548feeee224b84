package rest

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"execgw/internal/broker"
	"execgw/internal/models"
)

func (c *Client) PlaceOrder(ctx context.Context, order models.Order) (broker.PlacedOrder, error) {
	body := map[string]any{
		"clientOrderId": order.ClientOrderID,
		"symbol":        order.Symbol,
		"side":          order.Side,
		"orderType":     order.Type,
		"qty":           strconv.FormatFloat(order.Qty, 'f', -1, 64),
		"timeInForce":   order.TimeInForce,
	}
	if order.Type == models.OrderTypeLimit {
		body["price"] = strconv.FormatFloat(order.Price, 'f', -1, 64)
	}

	var resp apiResponse[struct {
		OrderID string `json:"orderId"`
		Status  string `json:"status"`
	}]

	if err := c.doRequest(ctx, http.MethodPost, "/v1/orders", nil, body, &resp); err != nil {
		return broker.PlacedOrder{}, err
	}
	if resp.Code != 0 {
		if isDuplicateCode(resp.Code, resp.Message) {
			return broker.PlacedOrder{}, broker.ErrDuplicateOrder
		}
		return broker.PlacedOrder{}, brokerError(resp.Code, resp.Message)
	}

	status := models.OrderStatusSubmitted
	if resp.Result.Status != "" {
		status = models.OrderStatus(resp.Result.Status)
	}
	return broker.PlacedOrder{BrokerOrderID: resp.Result.OrderID, Status: status}, nil
}

func (c *Client) CancelOrder(ctx context.Context, brokerOrderID string) error {
	body := map[string]any{"orderId": brokerOrderID}

	var resp apiResponse[struct{}]
	if err := c.doRequest(ctx, http.MethodDelete, "/v1/orders", nil, body, &resp); err != nil {
		return err
	}
	if resp.Code != 0 {
		if isNotFoundCode(resp.Code, resp.Message) {
			return broker.ErrOrderNotFound
		}
		return brokerError(resp.Code, resp.Message)
	}
	return nil
}

func (c *Client) GetOrder(ctx context.Context, clientOrderID string) (broker.BrokerOrder, error) {
	return withReadRetry(ctx, c, func() (broker.BrokerOrder, error) {
		params := url.Values{}
		params.Set("clientOrderId", clientOrderID)

		var resp apiResponse[orderPayload]
		if err := c.doRequest(ctx, http.MethodGet, "/v1/orders/lookup", params, nil, &resp); err != nil {
			return broker.BrokerOrder{}, err
		}
		if resp.Code != 0 {
			if isNotFoundCode(resp.Code, resp.Message) {
				return broker.BrokerOrder{}, broker.ErrOrderNotFound
			}
			return broker.BrokerOrder{}, brokerError(resp.Code, resp.Message)
		}
		return resp.Result.toBrokerOrder(), nil
	})
}

func (c *Client) GetOpenOrders(ctx context.Context) ([]broker.BrokerOrder, error) {
	return withReadRetry(ctx, c, func() ([]broker.BrokerOrder, error) {
		var resp apiResponse[struct {
			List []orderPayload `json:"list"`
		}]
		if err := c.doRequest(ctx, http.MethodGet, "/v1/orders/open", nil, nil, &resp); err != nil {
			return nil, err
		}
		if resp.Code != 0 {
			return nil, brokerError(resp.Code, resp.Message)
		}

		orders := make([]broker.BrokerOrder, 0, len(resp.Result.List))
		for _, item := range resp.Result.List {
			orders = append(orders, item.toBrokerOrder())
		}
		return orders, nil
	})
}

func (c *Client) GetActivity(ctx context.Context, since time.Time, pageToken string, pageSize int) (broker.ActivityPage, error) {
	return withReadRetry(ctx, c, func() (broker.ActivityPage, error) {
		params := url.Values{}
		params.Set("since", strconv.FormatInt(since.UnixMilli(), 10))
		params.Set("limit", strconv.Itoa(pageSize))
		if pageToken != "" {
			params.Set("cursor", pageToken)
		}

		var resp apiResponse[struct {
			List []struct {
				FillID        string `json:"fillId"`
				ClientOrderID string `json:"clientOrderId"`
				Symbol        string `json:"symbol"`
				Side          string `json:"side"`
				Price         string `json:"price"`
				Qty           string `json:"qty"`
				ExecTime      string `json:"execTime"`
			} `json:"list"`
			NextCursor string `json:"nextCursor"`
		}]
		if err := c.doRequest(ctx, http.MethodGet, "/v1/activity", params, nil, &resp); err != nil {
			return broker.ActivityPage{}, err
		}
		if resp.Code != 0 {
			return broker.ActivityPage{}, brokerError(resp.Code, resp.Message)
		}

		page := broker.ActivityPage{NextPageToken: resp.Result.NextCursor}
		for _, item := range resp.Result.List {
			price, _ := strconv.ParseFloat(item.Price, 64)
			qty, _ := strconv.ParseFloat(item.Qty, 64)
			tsMs, _ := strconv.ParseInt(item.ExecTime, 10, 64)
			page.Fills = append(page.Fills, models.Fill{
				BrokerFillID:  item.FillID,
				ClientOrderID: item.ClientOrderID,
				Symbol:        item.Symbol,
				Side:          models.OrderSide(item.Side),
				Price:         price,
				Qty:           qty,
				Timestamp:     time.UnixMilli(tsMs),
			})
		}
		return page, nil
	})
}

func (c *Client) GetPositions(ctx context.Context) ([]broker.BrokerPosition, error) {
	return withReadRetry(ctx, c, func() ([]broker.BrokerPosition, error) {
		var resp apiResponse[struct {
			List []struct {
				Symbol   string `json:"symbol"`
				Qty      string `json:"qty"`
				AvgPrice string `json:"avgPrice"`
			} `json:"list"`
		}]
		if err := c.doRequest(ctx, http.MethodGet, "/v1/positions", nil, nil, &resp); err != nil {
			return nil, err
		}
		if resp.Code != 0 {
			return nil, brokerError(resp.Code, resp.Message)
		}

		positions := make([]broker.BrokerPosition, 0, len(resp.Result.List))
		for _, item := range resp.Result.List {
			qty, _ := strconv.ParseFloat(item.Qty, 64)
			avg, _ := strconv.ParseFloat(item.AvgPrice, 64)
			positions = append(positions, broker.BrokerPosition{
				Symbol:        item.Symbol,
				Qty:           qty,
				AvgEntryPrice: avg,
			})
		}
		return positions, nil
	})
}

type orderPayload struct {
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

func (p orderPayload) toBrokerOrder() broker.BrokerOrder {
	price, _ := strconv.ParseFloat(p.Price, 64)
	qty, _ := strconv.ParseFloat(p.Qty, 64)
	filled, _ := strconv.ParseFloat(p.FilledQty, 64)
	tsMs, _ := strconv.ParseInt(p.UpdatedAt, 10, 64)
	return broker.BrokerOrder{
		BrokerOrderID: p.OrderID,
		ClientOrderID: p.ClientOrderID,
		Symbol:        p.Symbol,
		Side:          models.OrderSide(p.Side),
		Type:          models.OrderType(p.OrderType),
		Price:         price,
		Qty:           qty,
		FilledQty:     filled,
		Status:        models.OrderStatus(p.Status),
		UpdatedAt:     time.UnixMilli(tsMs),
	}
}

func brokerError(code int, message string) error {
	return errors.New("broker: " + message + " (code=" + strconv.Itoa(code) + ")")
}

func isDuplicateCode(code int, message string) bool {
	return code == 1409 || strings.Contains(message, "duplicate clientOrderId")
}

func isNotFoundCode(code int, message string) bool {
	return code == 1404 || strings.Contains(message, "order not found")
}
