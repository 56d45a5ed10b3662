// File: internal/infra/adapters/payment/paystack_gateway.go
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"caregiver-billing/internal/domain"
	"caregiver-billing/internal/domain/model"
	"caregiver-billing/internal/domain/ports/adapter"
	"caregiver-billing/internal/infra/metrics"
	"caregiver-billing/internal/infra/security"
)

var _ adapter.PaymentGateway = (*PaystackGateway)(nil)

const defaultPaystackBaseURL = "https://api.paystack.co"

// errDuplicateReference is what the gateway answers when a charge reference was already used.
var errDuplicateReference = errors.New("duplicate transaction reference")

// PaystackGateway implements adapter.PaymentGateway over the Paystack REST API.
// Amounts travel in minor units (kobo for NGN).
type PaystackGateway struct {
	secretKey string
	baseURL   string
	callback  string
	client    *http.Client
}

func NewPaystackGateway(secretKey, baseURL, callbackURL string, timeout time.Duration) (*PaystackGateway, error) {
	if secretKey == "" {
		return nil, errors.New("paystack secret key empty")
	}
	if baseURL == "" {
		baseURL = defaultPaystackBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid paystack base url: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PaystackGateway{
		secretKey: secretKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		callback:  callbackURL,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

func (g *PaystackGateway) Name() string { return "paystack" }

func toMinor(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

func fromMinor(minor int64) decimal.Decimal { return decimal.New(minor, -2) }

// envelope is the common response shape.
type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type authorizationData struct {
	AuthorizationCode string `json:"authorization_code"`
	Last4             string `json:"last4"`
	ExpMonth          string `json:"exp_month"`
	ExpYear           string `json:"exp_year"`
	Brand             string `json:"brand"`
	CardType          string `json:"card_type"`
	Reusable          bool   `json:"reusable"`
}

type transactionData struct {
	ID              int64              `json:"id"`
	Status          string             `json:"status"`
	Reference       string             `json:"reference"`
	Amount          int64              `json:"amount"`
	Currency        string             `json:"currency"`
	PaidAt          *time.Time         `json:"paid_at"`
	GatewayResponse string             `json:"gateway_response"`
	Authorization   *authorizationData `json:"authorization"`
}

// httpError carries the gateway's HTTP status so callers can classify it.
type httpError struct {
	status  int
	message string
}

func (e *httpError) Error() string { return fmt.Sprintf("paystack http %d: %s", e.status, e.message) }

// do sends one request and decodes the envelope's data into out.
func (g *PaystackGateway) do(ctx context.Context, op, method, path string, body any, out any) (err error) {
	started := time.Now()
	defer func() { metrics.ObserveGatewayCall(op, err == nil, time.Since(started).Seconds()) }()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.secretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil {
		return fmt.Errorf("decode %s response (http %d): %w", op, resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !env.Status {
		if strings.Contains(strings.ToLower(env.Message), "duplicate") {
			return errDuplicateReference
		}
		return &httpError{status: resp.StatusCode, message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode %s data: %w", op, err)
		}
	}
	return nil
}

// classify marks 4xx answers as permanent; transport and 5xx failures stay retryable.
func classify(op string, err error) error {
	var he *httpError
	if errors.As(err, &he) && he.status >= 400 && he.status < 500 {
		return domain.Gateway(op, err, false)
	}
	return domain.Gateway(op, err, true)
}

func (g *PaystackGateway) InitiatePayment(ctx context.Context, req adapter.InitiateRequest) (adapter.InitiateResult, error) {
	callback := req.CallbackURL
	if callback == "" {
		callback = g.callback
	}
	payload := map[string]any{
		"email":        req.Email,
		"amount":       toMinor(req.Amount),
		"currency":     req.Currency,
		"reference":    req.Reference,
		"callback_url": callback,
	}
	if len(req.Metadata) > 0 {
		payload["metadata"] = req.Metadata
	}
	var out struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	}
	if err := g.do(ctx, "initiate", http.MethodPost, "/transaction/initialize", payload, &out); err != nil {
		return adapter.InitiateResult{}, classify("paystack.InitiatePayment", err)
	}
	if out.AuthorizationURL == "" {
		return adapter.InitiateResult{}, domain.Gateway("paystack.InitiatePayment", errors.New("empty authorization url"), true)
	}
	return adapter.InitiateResult{PaymentLink: out.AuthorizationURL, AccessCode: out.AccessCode, Reference: out.Reference}, nil
}

func (g *PaystackGateway) VerifyTransaction(ctx context.Context, reference string) (adapter.Verification, error) {
	var tx transactionData
	if err := g.do(ctx, "verify", http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, &tx); err != nil {
		var he *httpError
		if errors.As(err, &he) && he.status == http.StatusNotFound {
			return adapter.Verification{}, domain.NotFound("paystack.VerifyTransaction", "transaction")
		}
		return adapter.Verification{}, classify("paystack.VerifyTransaction", err)
	}
	return toVerification(tx), nil
}

func toVerification(tx transactionData) adapter.Verification {
	return adapter.Verification{
		Reference:            tx.Reference,
		GatewayTransactionID: strconv.FormatInt(tx.ID, 10),
		Status:               mapStatus(tx.Status),
		Amount:               fromMinor(tx.Amount),
		Currency:             tx.Currency,
		PaidAt:               tx.PaidAt,
		Message:              tx.GatewayResponse,
	}
}

func mapStatus(s string) adapter.TransactionStatus {
	switch strings.ToLower(s) {
	case "success":
		return adapter.TransactionSuccess
	case "failed", "reversed":
		return adapter.TransactionFailed
	case "abandoned":
		return adapter.TransactionAbandoned
	}
	return adapter.TransactionPending
}

func (g *PaystackGateway) VerifyAndExtractToken(ctx context.Context, gatewayTransactionID string) (*adapter.Authorization, error) {
	var tx transactionData
	if err := g.do(ctx, "fetch", http.MethodGet, "/transaction/"+url.PathEscape(gatewayTransactionID), nil, &tx); err != nil {
		return nil, classify("paystack.VerifyAndExtractToken", err)
	}
	if mapStatus(tx.Status) != adapter.TransactionSuccess || tx.Authorization == nil {
		return nil, nil
	}
	a := tx.Authorization
	if !a.Reusable || a.AuthorizationCode == "" {
		return nil, nil
	}
	brand := a.Brand
	if brand == "" {
		brand = a.CardType
	}
	expiry := ""
	if a.ExpMonth != "" && a.ExpYear != "" {
		yr := a.ExpYear
		if len(yr) == 4 {
			yr = yr[2:]
		}
		expiry = a.ExpMonth + "/" + yr
	}
	return &adapter.Authorization{
		Token: a.AuthorizationCode,
		Card:  model.CardDetails{LastFour: a.Last4, Brand: strings.ToLower(strings.TrimSpace(brand)), Expiry: expiry},
	}, nil
}

// ChargeWithToken uses req.Reference as the idempotency key. When the gateway reports
// the reference as already used, the earlier attempt's outcome is returned instead.
func (g *PaystackGateway) ChargeWithToken(ctx context.Context, req adapter.ChargeRequest) (adapter.ChargeResult, error) {
	payload := map[string]any{
		"authorization_code": req.Token,
		"email":              req.Email,
		"amount":             toMinor(req.Amount),
		"currency":           req.Currency,
		"reference":          req.Reference,
	}
	if len(req.Metadata) > 0 {
		payload["metadata"] = req.Metadata
	}
	var tx transactionData
	err := g.do(ctx, "charge", http.MethodPost, "/transaction/charge_authorization", payload, &tx)
	if errors.Is(err, errDuplicateReference) {
		v, verr := g.VerifyTransaction(ctx, req.Reference)
		if verr != nil {
			return adapter.ChargeResult{}, verr
		}
		return chargeResult(v.Status, v.GatewayTransactionID, v.Message), nil
	}
	if err != nil {
		var he *httpError
		if errors.As(err, &he) && he.status >= 400 && he.status < 500 {
			// declined or invalid authorization
			return adapter.ChargeResult{Success: false, ErrorMessage: he.message}, nil
		}
		return adapter.ChargeResult{}, classify("paystack.ChargeWithToken", err)
	}
	return chargeResult(mapStatus(tx.Status), strconv.FormatInt(tx.ID, 10), tx.GatewayResponse), nil
}

func chargeResult(st adapter.TransactionStatus, txID, msg string) adapter.ChargeResult {
	if st == adapter.TransactionSuccess {
		return adapter.ChargeResult{Success: true, GatewayTransactionID: txID}
	}
	if msg == "" {
		msg = "charge " + string(st)
	}
	return adapter.ChargeResult{Success: false, GatewayTransactionID: txID, ErrorMessage: msg}
}

func (g *PaystackGateway) Refund(ctx context.Context, req adapter.RefundRequest) (adapter.RefundResult, error) {
	payload := map[string]any{
		"transaction": req.TransactionReference,
		"amount":      toMinor(req.Amount),
	}
	if req.Currency != "" {
		payload["currency"] = req.Currency
	}
	if req.Reason != "" {
		payload["merchant_note"] = req.Reason
	}
	var out struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
		Amount int64  `json:"amount"`
	}
	if err := g.do(ctx, "refund", http.MethodPost, "/refund", payload, &out); err != nil {
		return adapter.RefundResult{}, classify("paystack.Refund", err)
	}
	return adapter.RefundResult{ID: strconv.FormatInt(out.ID, 10), Status: out.Status, Amount: fromMinor(out.Amount)}, nil
}

// VerifyWebhookSignature checks x-paystack-signature, an HMAC-SHA512 of the raw body.
func (g *PaystackGateway) VerifyWebhookSignature(payload []byte, signature string) bool {
	return security.VerifyHMACSHA512(g.secretKey, payload, signature)
}
