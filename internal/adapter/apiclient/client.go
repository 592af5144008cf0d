// Package apiclient is the REST side of a reconciliation client: snapshot
// reads plus create and advance-status writes.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/YelzhanWeb/pizzasync/internal/adapter/logger"
	"github.com/YelzhanWeb/pizzasync/internal/domain"
	"github.com/google/uuid"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerActor          = "X-Actor"

	// writeAttempts is the first try plus one retry.
	writeAttempts = 2
)

type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	actor   string
	// customer scopes ListOrders to one customer's orders when set.
	customer string
	logger   logger.Logger
}

// New builds a client for baseURL (e.g. http://localhost:5001/api). Each
// attempt is bounded by timeout.
func New(baseURL string, timeout time.Duration, actor string, logger logger.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: timeout,
		actor:   actor,
		logger:  logger,
	}
}

// WithCustomer limits snapshots to the orders a customer subscriber can
// receive events for.
func (c *Client) WithCustomer(name string) *Client {
	c.customer = strings.TrimSpace(name)
	return c
}

type NewOrder struct {
	CustomerName string                 `json:"customerName"`
	Pizzas       []domain.PizzaLineItem `json:"pizzas"`
}

type statusRequest struct {
	Status domain.Status `json:"status"`
	From   domain.Status `json:"from,omitempty"`
}

type errorBody struct {
	Error   domain.Kind         `json:"error"`
	Message string              `json:"message"`
	OrderID string              `json:"order_id"`
	From    domain.Status       `json:"from"`
	To      domain.Status       `json:"to"`
	Errors  []domain.FieldError `json:"errors"`
}

// ListOrders is a single attempt; callers own the read retry policy.
func (c *Client) ListOrders(ctx context.Context) ([]*domain.Order, error) {
	path := "/orders"
	if c.customer != "" {
		path += "?customer=" + url.QueryEscape(c.customer)
	}

	var orders []*domain.Order
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (c *Client) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	var order domain.Order
	if err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(id), nil, nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *Client) GetOrderHistory(ctx context.Context, id string) ([]*domain.StatusLog, error) {
	var history []*domain.StatusLog
	if err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(id)+"/history", nil, nil, &history); err != nil {
		return nil, err
	}
	return history, nil
}

// CreateOrder sends one Idempotency-Key for both attempts, so a retry after
// a lost response returns the order the first attempt created.
func (c *Client) CreateOrder(ctx context.Context, order NewOrder) (*domain.Order, error) {
	headers := http.Header{}
	headers.Set(headerIdempotencyKey, uuid.NewString())

	var created domain.Order
	err := c.write(ctx, "create_order", func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, "/orders", order, headers, &created)
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// AdvanceStatus requests from -> to (from may be empty). If the retry is
// rejected because the order is already in to, the first attempt landed
// and the current order is returned.
func (c *Client) AdvanceStatus(ctx context.Context, id string, from, to domain.Status) (*domain.Order, error) {
	var updated domain.Order
	attempts := 0
	err := c.write(ctx, "advance_status", func(ctx context.Context) error {
		attempts++
		return c.do(ctx, http.MethodPatch, "/orders/"+url.PathEscape(id)+"/status",
			statusRequest{Status: to, From: from}, nil, &updated)
	})

	var derr *domain.Error
	if attempts > 1 && errors.As(err, &derr) && derr.Kind == domain.KindInvalidTransition && derr.From == to {
		return c.GetOrder(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// write retries once, and only for network failures.
func (c *Client) write(ctx context.Context, action string, attempt func(ctx context.Context) error) error {
	var err error
	for i := 1; i <= writeAttempts; i++ {
		err = attempt(ctx)
		if err == nil || !errors.Is(err, domain.ErrNetwork) || ctx.Err() != nil {
			return err
		}
		if i < writeAttempts {
			c.logger.Warn(action+"_retry", "Request failed, retrying once", "", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, headers http.Header, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actor != "" {
		req.Header.Set(headerActor, c.actor)
	}
	for k, v := range headers {
		req.Header[k] = v
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.NewNetworkError(method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return domain.NewNetworkError("decode response", err)
		}
		return nil
	}

	return decodeError(resp)
}

// decodeError turns a non-2xx answer back into the server's *domain.Error.
// 5xx answers without a domain kind are network errors.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		return domain.NewNetworkError(fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	switch body.Error {
	case domain.KindValidation, domain.KindNotFound, domain.KindInvalidTransition,
		domain.KindNetwork, domain.KindConnectionLost:
		return &domain.Error{
			Kind:    body.Error,
			Message: body.Message,
			OrderID: body.OrderID,
			From:    body.From,
			To:      body.To,
			Fields:  body.Errors,
		}
	default:
		return domain.NewNetworkError(fmt.Sprintf("server error %d: %s", resp.StatusCode, body.Message), nil)
	}
}
