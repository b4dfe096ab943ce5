package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"storefront/internal/observability"
	"storefront/internal/orders/saga"
)

// StatusError is a non-2xx collaborator response.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Retryable reports whether repeating the request may succeed.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// HTTPConfig configures a collaborator client.
type HTTPConfig struct {
	BaseURL string
	Timeout time.Duration
	Client  *http.Client
	Metrics *observability.Metrics
}

type httpClient struct {
	name    string
	base    string
	client  *http.Client
	metrics *observability.Metrics
}

func newHTTPClient(name string, cfg HTTPConfig) httpClient {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return httpClient{
		name:    name,
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
		metrics: cfg.Metrics,
	}
}

// call sends one request. in is encoded as the JSON body when non-nil and
// out receives the decoded response when non-nil.
func (c httpClient) call(ctx context.Context, op, method, path string, query url.Values, idempotencyKey string, in, out any) (err error) {
	span := c.metrics.Start(c.name + "." + op)
	defer func() { span.End(err) }()

	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, URL: target, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

// StockClient calls the stock service.
type StockClient struct {
	http httpClient
}

func NewStockClient(cfg HTTPConfig) *StockClient {
	return &StockClient{http: newHTTPClient("stock", cfg)}
}

type stockLevel struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

func (c *StockClient) Available(ctx context.Context, productID int64) (int, error) {
	var level stockLevel
	path := fmt.Sprintf("/stock/products/%d/stock", productID)
	if err := c.http.call(ctx, "Available", http.MethodGet, path, nil, "", nil, &level); err != nil {
		return 0, err
	}
	return level.Quantity, nil
}

func (c *StockClient) Reduce(ctx context.Context, productID int64, quantity int, reason, reference string) error {
	return c.adjust(ctx, "Reduce", "reduce", productID, quantity, reason, reference)
}

func (c *StockClient) Increase(ctx context.Context, productID int64, quantity int, reason, reference string) error {
	return c.adjust(ctx, "Increase", "increase", productID, quantity, reason, reference)
}

func (c *StockClient) adjust(ctx context.Context, op, action string, productID int64, quantity int, reason, reference string) error {
	query := url.Values{}
	query.Set("quantity", strconv.Itoa(quantity))
	query.Set("reason", reason)
	query.Set("reference", reference)
	path := fmt.Sprintf("/stock/products/%d/stock/%s", productID, action)
	key := fmt.Sprintf("%s:%s:%d", reference, action, productID)
	return c.http.call(ctx, op, http.MethodPut, path, query, key, nil, nil)
}

// OrderClient calls the orders service.
type OrderClient struct {
	http httpClient
}

func NewOrderClient(cfg HTTPConfig) *OrderClient {
	return &OrderClient{http: newHTTPClient("orders", cfg)}
}

type createdOrder struct {
	ID int64 `json:"id"`
}

func (c *OrderClient) Create(ctx context.Context, req saga.OrderRequest) (int64, error) {
	var created createdOrder
	if err := c.http.call(ctx, "Create", http.MethodPost, "/orders", nil, req.SagaID+":create-order", req, &created); err != nil {
		return 0, err
	}
	if created.ID <= 0 {
		return 0, fmt.Errorf("orders service returned no order id")
	}
	return created.ID, nil
}

func (c *OrderClient) Cancel(ctx context.Context, orderID int64, reason string) error {
	query := url.Values{}
	query.Set("reason", reason)
	path := fmt.Sprintf("/orders/%d/cancel", orderID)
	return c.http.call(ctx, "Cancel", http.MethodPut, path, query, fmt.Sprintf("order:%d:cancel", orderID), nil, nil)
}

func (c *OrderClient) Confirm(ctx context.Context, orderID int64) error {
	query := url.Values{}
	query.Set("status", "confirmed")
	path := fmt.Sprintf("/orders/%d/status", orderID)
	return c.http.call(ctx, "Confirm", http.MethodPut, path, query, fmt.Sprintf("order:%d:confirm", orderID), nil, nil)
}

// PaymentClient calls the payments service.
type PaymentClient struct {
	http httpClient
}

func NewPaymentClient(cfg HTTPConfig) *PaymentClient {
	return &PaymentClient{http: newHTTPClient("payments", cfg)}
}

type chargeResult struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
}

func (c *PaymentClient) Charge(ctx context.Context, req saga.PaymentRequest) (string, error) {
	var res chargeResult
	if err := c.http.call(ctx, "Charge", http.MethodPost, "/payments", nil, req.SagaID+":charge", req, &res); err != nil {
		return "", err
	}
	if res.PaymentID == "" {
		return "", fmt.Errorf("payments service returned no payment id")
	}
	if res.Status != "" && !strings.EqualFold(res.Status, "completed") {
		return "", fmt.Errorf("payment %s: status %s", res.PaymentID, res.Status)
	}
	return res.PaymentID, nil
}

func (c *PaymentClient) Refund(ctx context.Context, paymentID, reason string) error {
	query := url.Values{}
	query.Set("reason", reason)
	path := "/payments/" + url.PathEscape(paymentID) + "/refund"
	return c.http.call(ctx, "Refund", http.MethodPost, path, query, "payment:"+paymentID+":refund", nil, nil)
}

var (
	_ saga.StockService   = (*StockClient)(nil)
	_ saga.OrderService   = (*OrderClient)(nil)
	_ saga.PaymentService = (*PaymentClient)(nil)
)
