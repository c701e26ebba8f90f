// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZiaraZetu/ZiaraPay/services/payments/config"
	"github.com/ZiaraZetu/ZiaraPay/services/payments/datatypes"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeDaraja answers token, push and query calls. Every push gets a new
// CheckoutRequestID.
type fakeDaraja struct {
	mu          sync.Mutex
	pushes      []map[string]interface{}
	queryResult string
}

func (f *fakeDaraja) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/oauth/v1/generate":
		_, _ = w.Write([]byte(`{"access_token":"tok"}`))
	case "/mpesa/stkpush/v1/processrequest":
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.pushes = append(f.pushes, body)
		_, _ = fmt.Fprintf(w, `{"MerchantRequestID":"m-%d","CheckoutRequestID":"ws_CO_%d","ResponseCode":"0","ResponseDescription":"Success"}`, len(f.pushes), len(f.pushes))
	case "/mpesa/stkpushquery/v1/query":
		_, _ = fmt.Fprintf(w, `{"ResponseCode":"0","ResultCode":%q,"ResultDesc":"done"}`, f.queryResult)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func testConfig(baseURL string) config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.AdminToken = "adm"
	cfg.Server.CallbackToken = "cb"
	cfg.Storage.InMemory = true
	cfg.Reconcile.Enabled = false
	cfg.Telemetry.TraceExporter = "none"
	cfg.Telemetry.MetricExporter = "none"
	cfg.Daraja.BaseURL = baseURL
	cfg.Daraja.ConsumerKey = "key"
	cfg.Daraja.ConsumerSecret = "secret"
	cfg.Daraja.BusinessShortCode = "174379"
	cfg.Daraja.Passkey = "passkey"
	cfg.Daraja.CallbackBaseURL = "https://pay.example.com"
	return cfg
}

func newService(t *testing.T) (Service, *fakeDaraja) {
	t.Helper()
	fake := &fakeDaraja{queryResult: "0"}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	svc, err := New(testConfig(srv.URL), &Options{Registry: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, fake
}

func call(t *testing.T, svc Service, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)
	return w
}

func callbackBody(corr string, amount int, receipt string) string {
	return fmt.Sprintf(`{"Body":{"stkCallback":{"MerchantRequestID":"m","CheckoutRequestID":%q,"ResultCode":0,"ResultDesc":"ok","CallbackMetadata":{"Item":[{"Name":"Amount","Value":%d},{"Name":"MpesaReceiptNumber","Value":%q},{"Name":"PhoneNumber","Value":254712345678}]}}}}`, corr, amount, receipt)
}

func createBooking(t *testing.T, svc Service, amount int) datatypes.BookingView {
	t.Helper()
	w := call(t, svc, "POST", "/v1/bookings", fmt.Sprintf(`{
		"user_id":"u-1","listing_id":"l-1","check_in_date":"2026-12-20",
		"payment_method":"lipa_mdogo_mdogo","amount":%d,
		"traveler_details":{"full_name":"Amani Otieno","email":"amani@example.com","phone":"0712345678"}}`, amount))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var view datatypes.BookingView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	return view
}

func initiate(t *testing.T, svc Service, bookingID, amount string) {
	t.Helper()
	w := call(t, svc, "POST", "/v1/payments/mpesa/initiate",
		fmt.Sprintf(`{"booking_id":%q,"phone_number":"0712345678","amount":%s}`, bookingID, amount))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), datatypes.InitiateSuccessMessage)
}

// Two installments, an older push settling after a newer one was issued,
// and a replayed callback.
func TestService_InstallmentFlow(t *testing.T) {
	svc, fake := newService(t)
	b := createBooking(t, svc, 1000)

	initiate(t, svc, b.ID, "400")
	initiate(t, svc, b.ID, "600")
	require.Len(t, fake.pushes, 2)
	assert.Equal(t, "https://pay.example.com/v1/payments/mpesa/callback?token=cb", fake.pushes[0]["CallBackURL"])
	assert.Equal(t, "254712345678", fake.pushes[0]["PhoneNumber"])

	w := call(t, svc, "POST", "/v1/payments/mpesa/callback?token=cb", callbackBody("ws_CO_1", 400, "R1"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ResultCode":0,"ResultDesc":"Accepted"}`, w.Body.String())

	w = call(t, svc, "POST", "/v1/payments/mpesa/callback?token=cb", callbackBody("ws_CO_2", 600, "R2"))
	require.Equal(t, http.StatusOK, w.Code)
	w = call(t, svc, "POST", "/v1/payments/mpesa/callback?token=cb", callbackBody("ws_CO_2", 600, "R2"))
	require.Equal(t, http.StatusOK, w.Code)

	w = call(t, svc, "GET", "/v1/bookings/"+b.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var view datatypes.BookingView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.True(t, view.TotalPaid.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, datatypes.PaymentStatusConfirmed, view.PaymentStatus)
	assert.Equal(t, datatypes.BookingStatusActive, view.Status)
	assert.Equal(t, "ws_CO_2", view.GatewayCorrelationID)

	w = call(t, svc, "GET", "/v1/admin/bookings/"+b.ID+"/ledger", "", "Authorization", "Bearer adm")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"consistent":true`)
}

func TestService_CallbackTokenAndUnknownCorrelation(t *testing.T) {
	svc, _ := newService(t)

	w := call(t, svc, "POST", "/v1/payments/mpesa/callback", callbackBody("ws_CO_1", 10, "R1"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = call(t, svc, "POST", "/v1/payments/mpesa/callback?token=cb", callbackBody("ws_CO_404", 10, "R1"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"ResultCode":1,"ResultDesc":"Failed"}`, w.Body.String())

	w = call(t, svc, "GET", "/v1/admin/callbacks/unmatched", "", "Authorization", "Bearer adm")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ws_CO_404")
}

// A push younger than the stale threshold is left for its callback.
func TestService_ReconcileLeavesFreshPushes(t *testing.T) {
	svc, _ := newService(t)
	b := createBooking(t, svc, 500)
	initiate(t, svc, b.ID, "500")

	res, err := svc.Reconciler().RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Checked)

	w := call(t, svc, "POST", "/v1/admin/reconcile", "", "Authorization", "Bearer adm")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"checked":0`)

	attempts, err := svc.Store().ListAttempts(context.Background(), b.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, datatypes.AttemptStatePending, attempts[0].State)
}

func TestService_InitiateWithoutGatewayConfig(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:0")
	cfg.Daraja.Passkey = ""
	svc, err := New(cfg, &Options{Registry: prometheus.NewRegistry()})
	require.NoError(t, err)
	defer svc.Close()

	b := createBooking(t, svc, 100)
	w := call(t, svc, "POST", "/v1/payments/mpesa/initiate",
		fmt.Sprintf(`{"booking_id":%q,"phone_number":"0712345678","amount":100}`, b.ID))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "configuration")
}

func TestService_HealthAndMetrics(t *testing.T) {
	svc, _ := newService(t)

	assert.Equal(t, http.StatusOK, call(t, svc, "GET", "/health", "").Code)

	createBooking(t, svc, 100)
	w := call(t, svc, "POST", "/v1/payments/mpesa/initiate", `{"booking_id":"bad","phone_number":"1","amount":0}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = call(t, svc, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "initiations_total")
}

func TestService_CloseIsIdempotent(t *testing.T) {
	svc, _ := newService(t)
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())
}
