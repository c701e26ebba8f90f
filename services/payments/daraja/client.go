// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package daraja is the client for Safaricom's Daraja (M-Pesa) API.
//
// It covers the three calls the payments service makes: the OAuth
// client-credentials exchange, the STK push that prompts the payer's phone,
// and the STK status query used by reconciliation.
package daraja

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/ZiaraZetu/ZiaraPay/services/payments/datatypes"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/observability"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/telemetry"
)

var tracer = otel.Tracer("ziarapay.daraja")

const (
	// SandboxBaseURL is the gateway's test environment.
	SandboxBaseURL = "https://sandbox.safaricom.co.ke"

	// ProductionBaseURL is the gateway's live environment.
	ProductionBaseURL = "https://api.safaricom.co.ke"

	tokenPath = "/oauth/v1/generate?grant_type=client_credentials"
	pushPath  = "/mpesa/stkpush/v1/processrequest"
	queryPath = "/mpesa/stkpushquery/v1/query"

	maxResponseBytes = 1 << 20
)

// Config configures a Client. Zero values fall back to defaults.
type Config struct {
	// BaseURL is the gateway root. Default: SandboxBaseURL.
	BaseURL string

	// CallbackURL is where the gateway POSTs results.
	CallbackURL string

	// TransactionType is CustomerPayBillOnline or CustomerBuyGoodsOnline.
	TransactionType string

	// AccountPrefix prefixes the account reference shown to the payer.
	AccountPrefix string

	// Timeout bounds each HTTP call. Default: 30s.
	Timeout time.Duration

	// RequestsPerSecond and Burst throttle outbound calls. Default: 5/s, burst 10.
	RequestsPerSecond float64
	Burst             int

	// HTTPClient overrides the transport. Tests point it at httptest servers.
	HTTPClient *http.Client

	// Clock overrides time.Now for timestamps.
	Clock func() time.Time

	// Metrics receives gateway latency. Nil disables.
	Metrics *observability.PaymentMetrics
}

// PushRequest asks for one STK push.
type PushRequest struct {
	BookingID string
	Phone     string
	Amount    decimal.Decimal
}

// PushResult is the gateway's acceptance of a push.
type PushResult struct {
	MerchantRequestID string
	CheckoutRequestID string
	CustomerMessage   string

	// Phone is the normalised number the prompt went to.
	Phone string

	// RequestedAmount is the whole-unit amount the payer was asked for.
	RequestedAmount int64
}

// QueryResult is the status of a push as reported by the query endpoint.
type QueryResult struct {
	// Pending is set while the payer has not answered the prompt.
	Pending    bool
	ResultCode int
	ResultDesc string
}

// Succeeded reports whether the push was paid.
func (r QueryResult) Succeeded() bool { return !r.Pending && r.ResultCode == 0 }

// Gateway is the subset of the Daraja API the payments service uses.
type Gateway interface {
	// Ready returns ErrConfiguration if credentials or the callback URL are missing.
	Ready() error

	// Token exchanges the consumer key and secret for an access token.
	Token(ctx context.Context) (string, error)

	// STKPush sends a payment prompt to the payer's phone.
	STKPush(ctx context.Context, token string, req PushRequest) (PushResult, error)

	// QueryStatus asks for the result of an earlier push.
	QueryStatus(ctx context.Context, token, checkoutRequestID string) (QueryResult, error)
}

type settings struct {
	creds       *sealedCredentials
	callbackURL string
}

// Client talks to the Daraja API over HTTPS.
//
// # Description
//
// Secrets live in memguard enclaves and are decrypted per request.
// Credentials and the callback URL can be swapped at runtime with
// UpdateCredentials and SetCallbackURL, which the config watcher uses.
// Every outbound call waits on a token-bucket limiter first.
//
// # Thread Safety
//
// Safe for concurrent use.
type Client struct {
	baseURL         string
	transactionType string
	accountPrefix   string
	http            *http.Client
	limiter         *rate.Limiter
	now             func() time.Time
	metrics         *observability.PaymentMetrics
	current         atomic.Pointer[settings]
}

var _ Gateway = (*Client)(nil)

// NewClient creates a client with the given credentials.
func NewClient(cfg Config, creds Credentials) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = SandboxBaseURL
	}
	if cfg.TransactionType == "" {
		cfg.TransactionType = "CustomerPayBillOnline"
	}
	if cfg.AccountPrefix == "" {
		cfg.AccountPrefix = "Ziarazetu"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	now := cfg.Clock
	if now == nil {
		now = datatypes.Now
	}

	c := &Client{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		transactionType: cfg.TransactionType,
		accountPrefix:   cfg.AccountPrefix,
		http:            httpClient,
		limiter:         rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		now:             now,
		metrics:         cfg.Metrics,
	}
	c.current.Store(&settings{creds: seal(creds), callbackURL: cfg.CallbackURL})
	return c
}

// UpdateCredentials replaces the merchant secrets for subsequent calls.
func (c *Client) UpdateCredentials(creds Credentials) {
	old := c.current.Load()
	c.current.Store(&settings{creds: seal(creds), callbackURL: old.callbackURL})
	slog.Info("gateway credentials updated", "shortcode", creds.ShortCode)
}

// SetCallbackURL replaces the callback URL for subsequent pushes.
func (c *Client) SetCallbackURL(u string) {
	old := c.current.Load()
	c.current.Store(&settings{creds: old.creds, callbackURL: u})
}

// Ready implements Gateway.
func (c *Client) Ready() error {
	s := c.current.Load()
	if err := s.creds.check(); err != nil {
		return err
	}
	if s.callbackURL == "" {
		return fmt.Errorf("%w: callback URL not configured", datatypes.ErrConfiguration)
	}
	return nil
}

// =============================================================================
// Token
// =============================================================================

// Token implements Gateway.
//
// # Description
//
// Sends GET /oauth/v1/generate with HTTP Basic auth built from the consumer
// key and secret. A new token is fetched on every call.
//
// # Outputs
//
//   - string: the bearer token.
//   - error: ErrConfiguration if secrets are missing; ErrGatewayAuth carrying
//     the gateway's errorMessage if the exchange is rejected.
func (c *Client) Token(ctx context.Context) (string, error) {
	s := c.current.Load()
	if err := s.creds.check(); err != nil {
		return "", err
	}

	var basic string
	err := open(s.creds.key, func(key []byte) error {
		return open(s.creds.secret, func(secret []byte) error {
			basic = basicAuth(key, secret)
			return nil
		})
	})
	if err != nil {
		return "", err
	}

	var resp tokenResponse
	status, err := c.do(ctx, "token", http.MethodGet, tokenPath, "Basic "+basic, nil, &resp)
	if err != nil {
		return "", fmt.Errorf("%w: %v", datatypes.ErrGatewayAuth, err)
	}
	if status < 200 || status > 299 || resp.AccessToken == "" {
		msg := firstNonEmpty(resp.ErrorMessage, "Failed to get auth token")
		return "", fmt.Errorf("%w: %s", datatypes.ErrGatewayAuth, msg)
	}
	return resp.AccessToken, nil
}

// =============================================================================
// STK Push
// =============================================================================

// STKPush implements Gateway.
//
// # Description
//
// Builds the push payload: the password is base64(shortcode+passkey+timestamp),
// the amount is rounded up to whole shillings and the phone number is
// normalised to 2547XXXXXXXX. The push is accepted only when the HTTP status
// is 2xx and ResponseCode is "0".
//
// # Outputs
//
//   - PushResult: correlation ids plus the amount and phone actually sent.
//   - error: ErrGatewayRequest with the gateway's errorMessage or
//     ResponseDescription.
//
// # Examples
//
//	res, err := client.STKPush(ctx, token, daraja.PushRequest{
//	    BookingID: id, Phone: "0712345678", Amount: decimal.RequireFromString("150.40"),
//	})
//	// res.RequestedAmount == 151
func (c *Client) STKPush(ctx context.Context, token string, req PushRequest) (PushResult, error) {
	s := c.current.Load()
	if err := s.creds.check(); err != nil {
		return PushResult{}, err
	}

	if !datatypes.WithinMaxAmount(req.Amount) {
		return PushResult{}, fmt.Errorf("%w: amount %s outside (0, %s]", datatypes.ErrValidation, req.Amount, datatypes.MaxAmount)
	}

	ts := Timestamp(c.now())
	phone := datatypes.NormalizeMSISDN(req.Phone)
	amount := datatypes.GatewayAmount(req.Amount)

	var password string
	if err := open(s.creds.passkey, func(passkey []byte) error {
		password = Password(s.creds.shortCode, passkey, ts)
		return nil
	}); err != nil {
		return PushResult{}, err
	}

	payload := stkPushRequest{
		BusinessShortCode: s.creds.shortCode,
		Password:          password,
		Timestamp:         ts,
		TransactionType:   c.transactionType,
		Amount:            amount,
		PartyA:            phone,
		PartyB:            s.creds.shortCode,
		PhoneNumber:       phone,
		CallBackURL:       s.callbackURL,
		AccountReference:  AccountReference(c.accountPrefix, req.BookingID),
		TransactionDesc:   TransactionDesc(req.BookingID),
	}

	var resp stkPushResponse
	status, err := c.do(ctx, "stk_push", http.MethodPost, pushPath, "Bearer "+token, payload, &resp)
	if err != nil {
		return PushResult{}, fmt.Errorf("%w: %v", datatypes.ErrGatewayRequest, err)
	}
	if status < 200 || status > 299 || resp.ResponseCode != "0" {
		msg := firstNonEmpty(resp.ErrorMessage, resp.ResponseDescription, "Failed to initiate STK push.")
		return PushResult{}, fmt.Errorf("%w: %s", datatypes.ErrGatewayRequest, msg)
	}

	return PushResult{
		MerchantRequestID: resp.MerchantRequestID,
		CheckoutRequestID: resp.CheckoutRequestID,
		CustomerMessage:   resp.CustomerMessage,
		Phone:             phone,
		RequestedAmount:   amount,
	}, nil
}

// =============================================================================
// STK Query
// =============================================================================

// QueryStatus implements Gateway.
//
// # Description
//
// While the payer has not answered, the gateway replies with HTTP 500 and
// errorCode 500.001.1001; that is reported as Pending rather than an error.
func (c *Client) QueryStatus(ctx context.Context, token, checkoutRequestID string) (QueryResult, error) {
	s := c.current.Load()
	if err := s.creds.check(); err != nil {
		return QueryResult{}, err
	}

	ts := Timestamp(c.now())
	var password string
	if err := open(s.creds.passkey, func(passkey []byte) error {
		password = Password(s.creds.shortCode, passkey, ts)
		return nil
	}); err != nil {
		return QueryResult{}, err
	}

	payload := stkQueryRequest{
		BusinessShortCode: s.creds.shortCode,
		Password:          password,
		Timestamp:         ts,
		CheckoutRequestID: checkoutRequestID,
	}

	var resp stkQueryResponse
	status, err := c.do(ctx, "stk_query", http.MethodPost, queryPath, "Bearer "+token, payload, &resp)
	if err != nil {
		return QueryResult{}, fmt.Errorf("%w: %v", datatypes.ErrGatewayRequest, err)
	}
	if resp.ErrorCode == processingErrorCode {
		return QueryResult{Pending: true, ResultDesc: resp.ErrorMessage}, nil
	}
	if status < 200 || status > 299 || resp.ResponseCode != "0" {
		msg := firstNonEmpty(resp.ErrorMessage, resp.ResponseDescription, "Failed to query STK push status.")
		return QueryResult{}, fmt.Errorf("%w: %s", datatypes.ErrGatewayRequest, msg)
	}
	code, err := strconv.Atoi(strings.TrimSpace(resp.ResultCode))
	if err != nil {
		return QueryResult{}, fmt.Errorf("%w: unparsable ResultCode %q", datatypes.ErrGatewayRequest, resp.ResultCode)
	}
	return QueryResult{ResultCode: code, ResultDesc: resp.ResultDesc}, nil
}

// =============================================================================
// Transport
// =============================================================================

// do sends one request and decodes the JSON body into out whatever the
// status. Decode failures on non-2xx bodies are ignored so the caller can
// still report the status.
func (c *Client) do(ctx context.Context, op, method, path, auth string, body, out interface{}) (int, error) {
	ctx, span := tracer.Start(ctx, "daraja."+op)
	defer span.End()

	start := time.Now()
	status, err := c.roundTrip(ctx, method, path, auth, body, out)
	c.metrics.RecordGatewayRequest(op, time.Since(start).Seconds(), err)

	span.SetAttributes(attribute.Int("http.status_code", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
		slog.Error("gateway request failed", "operation", op, "error", err)
	}
	return status, err
}

func (c *Client) roundTrip(ctx context.Context, method, path, auth string, body, out interface{}) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", auth)
	telemetry.InjectContext(ctx, req.Header)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil && resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return resp.StatusCode, fmt.Errorf("failed to parse response JSON: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func basicAuth(key, secret []byte) string {
	raw := make([]byte, 0, len(key)+1+len(secret))
	raw = append(raw, key...)
	raw = append(raw, ':')
	raw = append(raw, secret...)
	out := base64Encode(raw)
	for i := range raw {
		raw[i] = 0
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
