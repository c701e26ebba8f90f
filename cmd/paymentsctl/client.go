// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

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

	"github.com/ZiaraZetu/ZiaraPay/services/payments/datatypes"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/ledger"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/middleware"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/reconcile"
)

// =============================================================================
// Response Shapes
// =============================================================================

type bookingsResponse struct {
	Bookings []datatypes.BookingView `json:"bookings"`
	Count    int                     `json:"count"`
}

type paymentsResponse struct {
	BookingID string              `json:"booking_id"`
	Payments  []datatypes.Payment `json:"payments"`
	Count     int                 `json:"count"`
}

type attemptsResponse struct {
	BookingID string                     `json:"booking_id"`
	Attempts  []datatypes.PaymentAttempt `json:"attempts"`
	Count     int                        `json:"count"`
}

type unmatchedResponse struct {
	Callbacks []datatypes.UnmatchedCallback `json:"callbacks"`
	Count     int                           `json:"count"`
}

type approveResponse struct {
	Booking datatypes.BookingView `json:"booking"`
	Payment datatypes.Payment     `json:"payment"`
}

type reconcileResponse struct {
	Result     reconcile.CycleResult `json:"result"`
	DurationMs int64                 `json:"duration_ms"`
}

// =============================================================================
// Client
// =============================================================================

// APIError is a non-2xx answer from the payments API.
type APIError struct {
	Method string
	Path   string
	Status int
	Msg    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, e.Msg)
}

// adminClient talks to a running payments service.
type adminClient struct {
	baseURL string
	token   string
	actor   string
	http    *http.Client
}

func newAdminClient(baseURL, token, actor string, timeout time.Duration) *adminClient {
	return &adminClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		actor:   actor,
		http:    &http.Client{Timeout: timeout},
	}
}

// do sends one request and decodes a 2xx body into out.
func (c *adminClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.actor != "" {
		req.Header.Set(middleware.ActorHeader, c.actor)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach payments API at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e datatypes.ErrorResponse
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Msg: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

func (c *adminClient) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *adminClient) ListBookings(ctx context.Context, limit int) (bookingsResponse, error) {
	var out bookingsResponse
	err := c.do(ctx, http.MethodGet, "/v1/admin/bookings"+limitQuery(limit), nil, &out)
	return out, err
}

func (c *adminClient) GetBooking(ctx context.Context, id string) (datatypes.BookingView, error) {
	var out datatypes.BookingView
	err := c.do(ctx, http.MethodGet, "/v1/bookings/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *adminClient) CancelBooking(ctx context.Context, id string) (datatypes.BookingView, error) {
	var out datatypes.BookingView
	err := c.do(ctx, http.MethodPost, "/v1/bookings/"+url.PathEscape(id)+"/cancel", nil, &out)
	return out, err
}

func (c *adminClient) ListPayments(ctx context.Context, id string) (paymentsResponse, error) {
	var out paymentsResponse
	err := c.do(ctx, http.MethodGet, "/v1/bookings/"+url.PathEscape(id)+"/payments", nil, &out)
	return out, err
}

func (c *adminClient) ListAttempts(ctx context.Context, id string) (attemptsResponse, error) {
	var out attemptsResponse
	err := c.do(ctx, http.MethodGet, "/v1/admin/bookings/"+url.PathEscape(id)+"/attempts", nil, &out)
	return out, err
}

func (c *adminClient) Approve(ctx context.Context, id, reference string) (approveResponse, error) {
	var out approveResponse
	err := c.do(ctx, http.MethodPost, "/v1/admin/bookings/"+url.PathEscape(id)+"/approve",
		datatypes.ApproveRequest{Reference: reference}, &out)
	return out, err
}

func (c *adminClient) VerifyLedger(ctx context.Context, id string) (ledger.Report, error) {
	var out ledger.Report
	err := c.do(ctx, http.MethodGet, "/v1/admin/bookings/"+url.PathEscape(id)+"/ledger", nil, &out)
	return out, err
}

func (c *adminClient) RepairLedger(ctx context.Context, id string) (ledger.Report, error) {
	var out ledger.Report
	err := c.do(ctx, http.MethodPost, "/v1/admin/bookings/"+url.PathEscape(id)+"/ledger/repair", nil, &out)
	return out, err
}

func (c *adminClient) ListUnmatched(ctx context.Context, limit int) (unmatchedResponse, error) {
	var out unmatchedResponse
	err := c.do(ctx, http.MethodGet, "/v1/admin/callbacks/unmatched"+limitQuery(limit), nil, &out)
	return out, err
}

func (c *adminClient) Reconcile(ctx context.Context) (reconcileResponse, error) {
	var out reconcileResponse
	err := c.do(ctx, http.MethodPost, "/v1/admin/reconcile", nil, &out)
	return out, err
}

func limitQuery(limit int) string {
	if limit <= 0 {
		return ""
	}
	return "?limit=" + strconv.Itoa(limit)
}
