// Package legacyorders looks up order details in the legacy order system
// by order code. Results enrich a measurement's display only; the
// assignment decision never depends on them.
package legacyorders

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/oknaservice/dispatch_backend/config"
)

const moduleName = "LegacyOrders"

type Client struct {
	http *resty.Client
}

type OrderData struct {
	OrderNumber   string          `json:"order_number"`
	Quantity      int             `json:"quantity"`
	Area          decimal.Decimal `json:"area"`
	Zone          string          `json:"zone"`
	Address       string          `json:"address"`
	Phone         string          `json:"phone"`
	AgreementInfo string          `json:"agreement_info"`
}

var (
	ErrNotFound    = errors.New("order not found")
	ErrUnavailable = errors.New("order system unavailable")
)

func NewClient() *Client {
	c := resty.New().
		SetBaseURL(os.Getenv("ORDERS_BASE_URL")).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	if key := os.Getenv("ORDERS_API_KEY"); key != "" {
		c.SetHeader("X-Api-Key", key)
	}
	return &Client{http: c}
}

func (c *Client) GetOrderData(ctx context.Context, orderCode string) (*OrderData, error) {

	logger := config.GetLogger()

	var order OrderData
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("code", orderCode).
		SetResult(&order).
		Get("/api/orders/{code}")
	if err != nil {
		config.LogError(logger, moduleName, "GetOrderData", "order fetch failed", orderCode, err)
		return nil, ErrUnavailable
	}
	if resp.StatusCode() == 404 {
		return nil, ErrNotFound
	}
	if resp.IsError() {
		config.LogError(logger, moduleName, "GetOrderData", "order fetch returned error status", orderCode, errors.New(resp.Status()))
		return nil, ErrUnavailable
	}
	return &order, nil
}
