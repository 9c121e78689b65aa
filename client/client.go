/*
client.go - HTTP client for the stock API

PURPOSE:
  Typed access to the REST API for tooling (cmd/sweep) and end-to-end
  tests. Responses reuse the api package DTOs.

RETRIES:
  Only 503 responses are retried. The server sends 503 when the medicine
  lock could not be taken, before any write, so replaying the request is
  safe. A 500 carrying reconciliation_required is never retried, and
  neither are transport errors: the request may have been applied.

USAGE:
    c := client.New("http://localhost:8080", token)
    res, err := c.StockOut(ctx, api.StockOutRequest{MedicineID: id, Quantity: 3})
*/
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/warp/medstock/api"
)

// APIError is a non-2xx response.
type APIError struct {
	Status int
	Body   api.ErrorResponse
}

func (e *APIError) Error() string {
	if e.Body.Details != "" {
		return fmt.Sprintf("api: %d %s: %s", e.Status, e.Body.Error, e.Body.Details)
	}
	return fmt.Sprintf("api: %d %s", e.Status, e.Body.Error)
}

// Retryable reports whether the server asked the caller to try again.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusServiceUnavailable || e.Body.Retryable
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

type Client struct {
	http *resty.Client
}

type Option func(*resty.Client)

func WithTimeout(d time.Duration) Option {
	return func(c *resty.Client) { c.SetTimeout(d) }
}

// WithRetries sets how many times a 503 is retried and the base wait.
func WithRetries(n int, wait time.Duration) Option {
	return func(c *resty.Client) {
		c.SetRetryCount(n).SetRetryWaitTime(wait).SetRetryMaxWaitTime(8 * wait)
	}
}

func New(baseURL, token string, opts ...Option) *Client {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json").
		SetTimeout(30*time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(4 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err == nil && r.StatusCode() == http.StatusServiceUnavailable
		})
	if token != "" {
		rc.SetAuthToken(token)
	}
	for _, opt := range opts {
		opt(rc)
	}
	return &Client{http: rc}
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var apiErr api.ErrorResponse
	req := c.http.R().SetContext(ctx).SetError(&apiErr)
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		return &APIError{Status: resp.StatusCode(), Body: apiErr}
	}
	return nil
}

// =============================================================================
// ENDPOINTS
// =============================================================================

// Health returns nil when the server reports itself healthy.
func (c *Client) Health(ctx context.Context) error {
	var out map[string]string
	return c.do(ctx, http.MethodGet, "/health", nil, &out)
}

func (c *Client) CreateMedicine(ctx context.Context, req api.CreateMedicineRequest) (*api.MedicineDTO, error) {
	var out api.MedicineDTO
	if err := c.do(ctx, http.MethodPost, "/api/medicines", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Medicine(ctx context.Context, id string) (*api.MedicineDTO, error) {
	var out api.MedicineDTO
	if err := c.do(ctx, http.MethodGet, "/api/medicines/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Batches lists active batches; an empty medicineID lists every medicine.
func (c *Client) Batches(ctx context.Context, medicineID string) ([]api.BatchDTO, error) {
	path := "/api/batches"
	if medicineID != "" {
		path = "/api/batches/medicine/" + medicineID
	}
	var out []api.BatchDTO
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) StockIn(ctx context.Context, req api.StockInRequest) (*api.BatchDTO, error) {
	var out api.BatchDTO
	if err := c.do(ctx, http.MethodPost, "/api/batches/stock-in", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StockOut(ctx context.Context, req api.StockOutRequest) (*api.StockOutResponse, error) {
	var out api.StockOutResponse
	if err := c.do(ctx, http.MethodPost, "/api/batches/stock-out", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Adjust(ctx context.Context, batchID string, req api.AdjustRequest) (*api.LedgerEntryDTO, error) {
	var out api.LedgerEntryDTO
	if err := c.do(ctx, http.MethodPost, "/api/batches/"+batchID+"/adjust", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Dashboard(ctx context.Context) (*api.DashboardDTO, error) {
	var out api.DashboardDTO
	if err := c.do(ctx, http.MethodGet, "/api/dashboard", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Expire triggers the expiry sweep. The caller's token must carry ADMIN.
func (c *Client) Expire(ctx context.Context) (*api.SweepResponse, error) {
	var out api.SweepResponse
	if err := c.do(ctx, http.MethodPost, "/api/admin/expire", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
