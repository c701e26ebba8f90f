// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package callback

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ZiaraZetu/ZiaraPay/services/payments/datatypes"
)

// Result is a parsed gateway callback: either Success or Failure.
type Result interface {
	Correlation() string
	result()
}

// Success is a callback with ResultCode 0.
type Success struct {
	CorrelationID     string
	MerchantRequestID string
	Amount            decimal.Decimal
	Receipt           string
	Phone             string
	TransactionDate   string
}

// Failure is a callback with any other ResultCode.
type Failure struct {
	CorrelationID     string
	MerchantRequestID string
	Code              int
	Desc              string
}

func (s Success) Correlation() string { return s.CorrelationID }
func (f Failure) Correlation() string { return f.CorrelationID }
func (Success) result() {}
func (Failure) result() {}

// Parse decodes a callback body into a Result.
//
// # Description
//
// The body must carry Body.stkCallback with a CheckoutRequestID and a
// numeric ResultCode. A success must also carry a positive Amount and an
// MpesaReceiptNumber in its metadata. Anything else is rejected with
// ErrValidation.
//
// # Inputs
//
//   - body: raw request body.
//
// # Outputs
//
//   - Result: Success or Failure.
//   - string: CheckoutRequestID when one could be read, even on error.
//   - error: wraps ErrValidation.
func Parse(body []byte) (Result, string, error) {
	var env datatypes.CallbackEnvelope
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, "", invalid("body is not JSON: %v", err)
	}
	if env.Body == nil || env.Body.STKCallback == nil {
		return nil, "", invalid("missing Body.stkCallback")
	}
	cb := env.Body.STKCallback
	corr := strings.TrimSpace(cb.CheckoutRequestID)
	if corr == "" {
		return nil, "", invalid("missing CheckoutRequestID")
	}

	code, err := intValue(cb.ResultCode)
	if err != nil {
		return nil, corr, invalid("ResultCode: %v", err)
	}
	if code != 0 {
		return Failure{
			CorrelationID:     corr,
			MerchantRequestID: cb.MerchantRequestID,
			Code:              code,
			Desc:              cb.ResultDesc,
		}, corr, nil
	}

	if cb.CallbackMetadata == nil {
		return nil, corr, invalid("success without CallbackMetadata")
	}
	items := make(map[string]json.RawMessage, len(cb.CallbackMetadata.Item))
	for _, it := range cb.CallbackMetadata.Item {
		items[it.Name] = it.Value
	}

	rawAmount, ok := items[datatypes.MetadataAmount]
	if !ok {
		return nil, corr, invalid("success without %s", datatypes.MetadataAmount)
	}
	amount, err := decimalValue(rawAmount)
	if err != nil {
		return nil, corr, invalid("%s: %v", datatypes.MetadataAmount, err)
	}
	if !amount.IsPositive() {
		return nil, corr, invalid("%s must be positive, got %s", datatypes.MetadataAmount, amount)
	}

	receipt := stringValue(items[datatypes.MetadataReceipt])
	if receipt == "" {
		return nil, corr, invalid("success without %s", datatypes.MetadataReceipt)
	}

	return Success{
		CorrelationID:     corr,
		MerchantRequestID: cb.MerchantRequestID,
		Amount:            amount,
		Receipt:           receipt,
		Phone:             stringValue(items[datatypes.MetadataPhoneNumber]),
		TransactionDate:   stringValue(items[datatypes.MetadataTransactionDate]),
	}, corr, nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: callback "+format, append([]interface{}{datatypes.ErrValidation}, args...)...)
}

// unquote returns the bare text of a JSON number or string value.
func unquote(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", fmt.Errorf("missing value")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	return string(raw), nil
}

func intValue(raw json.RawMessage) (int, error) {
	s, err := unquote(raw)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("not an integer: %q", s)
	}
	return n, nil
}

func decimalValue(raw json.RawMessage) (decimal.Decimal, error) {
	s, err := unquote(raw)
	if err != nil {
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("not a number: %q", s)
	}
	return d, nil
}

func stringValue(raw json.RawMessage) string {
	s, err := unquote(raw)
	if err != nil {
		return ""
	}
	return s
}
