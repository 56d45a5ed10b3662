// File: internal/infra/adapters/marketplace/client.go
package marketplace

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

	"caregiver-billing/internal/domain"
	"caregiver-billing/internal/domain/ports/adapter"
	"caregiver-billing/internal/infra/metrics"
)

var (
	_ adapter.GigCatalog      = (*Client)(nil)
	_ adapter.OrderService    = (*Client)(nil)
	_ adapter.ContractService = (*Client)(nil)
)

// Client talks to the marketplace's internal REST API for gigs, orders and contracts.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) (*Client, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid marketplace base url: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string { return fmt.Sprintf("marketplace http %d: %s", e.status, e.body) }

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) (err error) {
	started := time.Now()
	defer func() { metrics.ObserveGatewayCall("marketplace_"+op, err == nil, time.Since(started).Seconds()) }()

	var rd io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func isStatus(err error, code int) bool {
	var se *statusError
	return errors.As(err, &se) && se.status == code
}

func (c *Client) GetGig(ctx context.Context, gigID string) (*adapter.Gig, error) {
	var g adapter.Gig
	if err := c.do(ctx, "get_gig", http.MethodGet, "/gigs/"+url.PathEscape(gigID), nil, &g); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get gig %s: %w", gigID, err)
	}
	if g.ID == "" {
		g.ID = gigID
	}
	return &g, nil
}

type createOrderBody struct {
	ClientID      string `json:"client_id"`
	GigID         string `json:"gig_id"`
	PaymentOption string `json:"payment_option"`
	Amount        string `json:"amount"`
	TransactionID string `json:"transaction_id"`
}

func (c *Client) CreateOrder(ctx context.Context, req adapter.CreateOrderRequest) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, "create_order", http.MethodPost, "/orders", createOrderBody{
		ClientID:      req.ClientID,
		GigID:         req.GigID,
		PaymentOption: string(req.PaymentOption),
		Amount:        req.Amount.StringFixed(2),
		TransactionID: req.TransactionID,
	}, &out)
	if err != nil {
		return "", fmt.Errorf("create order for %s: %w", req.TransactionID, err)
	}
	if out.ID == "" {
		return "", errors.New("create order: empty order id")
	}
	return out.ID, nil
}

func (c *Client) TerminateContract(ctx context.Context, contractID, reason string) error {
	err := c.do(ctx, "terminate_contract", http.MethodPost, "/contracts/"+url.PathEscape(contractID)+"/terminate",
		map[string]string{"reason": reason}, nil)
	// already terminated
	if isStatus(err, http.StatusConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("terminate contract %s: %w", contractID, err)
	}
	return nil
}
