// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package daraja

import (
	"encoding/base64"
	"time"

	"github.com/ZiaraZetu/ZiaraPay/services/payments/datatypes"
)

// timestampLayout is YYYYMMDDHHMMSS.
const timestampLayout = "20060102150405"

// Timestamp formats t the way the gateway expects, in East Africa Time.
func Timestamp(t time.Time) string {
	return t.In(datatypes.EastAfrica).Format(timestampLayout)
}

// Password is base64(shortcode + passkey + timestamp).
func Password(shortCode string, passkey []byte, timestamp string) string {
	raw := make([]byte, 0, len(shortCode)+len(passkey)+len(timestamp))
	raw = append(raw, shortCode...)
	raw = append(raw, passkey...)
	raw = append(raw, timestamp...)
	out := base64Encode(raw)
	for i := range raw {
		raw[i] = 0
	}
	return out
}

func base64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// AccountReference is "<prefix>-<first 8 chars of the booking id>".
func AccountReference(prefix, bookingID string) string {
	short := bookingID
	if len(short) > 8 {
		short = short[:8]
	}
	return prefix + "-" + short
}

// TransactionDesc is the human-readable push description.
func TransactionDesc(bookingID string) string {
	return "Payment for booking " + bookingID
}

// =============================================================================
// Wire Types
// =============================================================================

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
	ErrorCode           string `json:"errorCode,omitempty"`
	ErrorMessage        string `json:"errorMessage,omitempty"`
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
	ErrorCode           string `json:"errorCode,omitempty"`
	ErrorMessage        string `json:"errorMessage,omitempty"`
}

// processingErrorCode is returned by the query endpoint while the payer has
// not yet answered the prompt.
const processingErrorCode = "500.001.1001"
