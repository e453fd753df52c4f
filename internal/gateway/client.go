// Package gateway предоставляет клиент для внешнего платёжного шлюза.
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/spot-order-core/internal/metrics"
)

const (
	opBilling = "billing"
	opCancel  = "cancel"
)

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL    string
	authHeader string
	httpClient *http.Client
	metrics    *metrics.Metrics
}

// Option настраивает клиент шлюза.
type Option func(*Client)

// WithMetrics включает учёт вызовов шлюза.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithHTTPClient подменяет HTTP-клиент, например для тестов.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// BillingRequest описывает списание по сохранённому биллинг-ключу.
type BillingRequest struct {
	BillingKey  string
	Amount      int64
	OrderID     uuid.UUID
	CustomerKey string
	OrderName   string
}

// Cancel описывает одну отмену в ответе шлюза.
type Cancel struct {
	CancelAmount int64     `json:"cancelAmount"`
	CancelReason string    `json:"cancelReason"`
	CanceledAt   time.Time `json:"canceledAt"`
}

// Payment описывает ответ шлюза по платежу.
type Payment struct {
	PaymentKey  string    `json:"paymentKey"`
	OrderID     string    `json:"orderId"`
	OrderName   string    `json:"orderName"`
	Status      string    `json:"status"`
	Method      string    `json:"method"`
	TotalAmount int64     `json:"totalAmount"`
	ApprovedAt  time.Time `json:"approvedAt"`
	Cancels     []Cancel  `json:"cancels,omitempty"`
}

// Error содержит ошибку, возвращённую шлюзом в теле ответа.
type Error struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway responded %d %s: %s", e.StatusCode, e.Code, e.Message)
}

type billingBody struct {
	CustomerKey string `json:"customerKey"`
	Amount      int64  `json:"amount"`
	OrderID     string `json:"orderId"`
	OrderName   string `json:"orderName"`
}

type cancelBody struct {
	CancelReason string `json:"cancelReason"`
}

// NewClient создаёт клиент шлюза. Секретный ключ передаётся в Basic-авторизации.
func NewClient(baseURL, secretKey string, opts ...Option) *Client {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}

	c := &Client{
		baseURL:    base,
		authHeader: "Basic " + base64.StdEncoding.EncodeToString([]byte(secretKey+":")),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// RequestBillingPayment списывает сумму по биллинг-ключу. Ошибка не повторяется внутри вызова.
func (c *Client) RequestBillingPayment(ctx context.Context, req BillingRequest, timeout time.Duration) (*Payment, error) {
	body := billingBody{
		CustomerKey: req.CustomerKey,
		Amount:      req.Amount,
		OrderID:     req.OrderID.String(),
		OrderName:   req.OrderName,
	}
	path := "/v1/billing/" + url.PathEscape(req.BillingKey)

	started := time.Now()
	res, err := c.post(ctx, path, body, timeout)
	c.observe(opBilling, started, err)

	return res, err
}

// CancelPayment отменяет ранее подтверждённый платёж по ключу шлюза.
func (c *Client) CancelPayment(ctx context.Context, paymentKey, reason string, timeout time.Duration) (*Payment, error) {
	path := "/v1/payments/" + url.PathEscape(paymentKey) + "/cancel"

	started := time.Now()
	res, err := c.post(ctx, path, cancelBody{CancelReason: reason}, timeout)
	c.observe(opCancel, started, err)

	return res, err
}

func (c *Client) observe(op string, started time.Time, err error) {
	if c == nil {
		return
	}
	c.metrics.ObserveGateway(op, started, err)
}

func (c *Client) post(ctx context.Context, path string, payload any, timeout time.Duration) (*Payment, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("gateway client not configured")
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		gwErr := &Error{StatusCode: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, gwErr)
		}
		if gwErr.Code == "" {
			gwErr.Code = http.StatusText(resp.StatusCode)
		}
		return nil, gwErr
	}

	var result Payment
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &result, nil
}
