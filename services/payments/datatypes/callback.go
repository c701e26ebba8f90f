// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "encoding/json"

// =============================================================================
// Gateway Callback Envelope
// =============================================================================

// CallbackEnvelope is the raw body the gateway POSTs to the callback URL.
// Fields are kept loose (json.RawMessage) so that parsing can report a
// precise validation error instead of a generic decode failure.
type CallbackEnvelope struct {
	Body *CallbackBody `json:"Body"`
}

// CallbackBody wraps the STK callback.
type CallbackBody struct {
	STKCallback *STKCallback `json:"stkCallback"`
}

// STKCallback is the result of one STK push.
//
// # Fields
//
//   - CheckoutRequestID: correlation id returned by the push request.
//   - ResultCode: 0 on success. Any other value is a failure or cancellation.
//   - CallbackMetadata: present on success only.
type STKCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        json.RawMessage   `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

// CallbackMetadata carries the settlement details as name/value pairs.
type CallbackMetadata struct {
	Item []CallbackItem `json:"Item"`
}

// CallbackItem is one metadata pair. Value is a JSON number or string.
type CallbackItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value,omitempty"`
}

// Metadata item names.
const (
	MetadataAmount          = "Amount"
	MetadataReceipt         = "MpesaReceiptNumber"
	MetadataPhoneNumber     = "PhoneNumber"
	MetadataTransactionDate = "TransactionDate"
)

// =============================================================================
// Acknowledgement
// =============================================================================

// CallbackAck is the body returned to the gateway.
type CallbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// AckAccepted tells the gateway the callback was processed (or was a duplicate).
var AckAccepted = CallbackAck{ResultCode: 0, ResultDesc: "Accepted"}

// AckFailed tells the gateway the callback could not be processed.
var AckFailed = CallbackAck{ResultCode: 1, ResultDesc: "Failed"}
