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

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// paymentsValidate is the validator instance for request datatypes.
// Initialized in init() with custom validators.
var paymentsValidate *validator.Validate

func init() {
	paymentsValidate = validator.New()

	// decimal.Decimal is a struct; validate it as its float value so that
	// gt/gte/required tags apply to amounts.
	paymentsValidate.RegisterCustomTypeFunc(decimalValue, decimal.Decimal{})

	_ = paymentsValidate.RegisterValidation("msisdn", validateMSISDN)
}

func decimalValue(field reflect.Value) interface{} {
	if d, ok := field.Interface().(decimal.Decimal); ok {
		f, _ := d.Float64()
		return f
	}
	return nil
}

// normalisedMSISDN matches a Kenyan subscriber number in international form.
var normalisedMSISDN = regexp.MustCompile(`^254[17][0-9]{8}$`)

// NormalizeMSISDN converts a user-entered phone number to the 2547XXXXXXXX
// form the gateway expects.
//
// # Description
//
// Whitespace and '+' are stripped, then any run of leading zeros is replaced
// with the country code. Numbers already in international form pass through.
// The result is not validated; use ValidMSISDN for that.
//
// # Examples
//
//	NormalizeMSISDN("0712345678")     // "254712345678"
//	NormalizeMSISDN("+254 712 345678") // "254712345678"
func NormalizeMSISDN(phone string) string {
	p := strings.Map(func(r rune) rune {
		if r == '+' || r == ' ' || r == '\t' || r == '-' {
			return -1
		}
		return r
	}, phone)
	trimmed := strings.TrimLeft(p, "0")
	if trimmed != p {
		return "254" + trimmed
	}
	return p
}

// ValidMSISDN reports whether phone normalises to a plausible Kenyan number.
func ValidMSISDN(phone string) bool {
	return normalisedMSISDN.MatchString(NormalizeMSISDN(phone))
}

func validateMSISDN(fl validator.FieldLevel) bool {
	return ValidMSISDN(fl.Field().String())
}

// =============================================================================
// Initiation
// =============================================================================

// InitiateRequest asks the gateway to push a payment prompt to a phone.
//
// # Fields
//
//   - BookingID: Required. Booking the payment counts toward.
//   - PhoneNumber: Required. Any common Kenyan notation (07..., +254..., 254...).
//   - Amount: Required, > 0 and <= MaxAmount. May be fractional; the gateway is asked for the
//     ceiling.
type InitiateRequest struct {
	BookingID   string          `json:"booking_id" validate:"required,uuid"`
	PhoneNumber string          `json:"phone_number" validate:"required,msisdn"`
	Amount      decimal.Decimal `json:"amount" validate:"required,gt=0,lte=1000000000"`
}

// Validate checks the request against its struct tags.
func (r *InitiateRequest) Validate() error {
	if err := paymentsValidate.Struct(r); err != nil {
		return fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}
	return nil
}

// InitiateResponse is returned to the caller after a successful push.
type InitiateResponse struct {
	Message string `json:"message"`
}

// InitiateSuccessMessage tells the payer to look at their phone.
const InitiateSuccessMessage = "STK push initiated. Please check your phone."

// =============================================================================
// Booking Creation
// =============================================================================

// CreateBookingRequest is the body of POST /v1/bookings.
//
// # Fields
//
//   - ID: Optional. Generated server-side when empty.
//   - CheckInDate / CheckOutDate: ISO dates (YYYY-MM-DD).
//   - PaymentMethod: daraja, lipa_mdogo_mdogo or pay_on_arrival.
//   - Amount: total owed, 0..MaxAmount, fixed for the booking's lifetime.
type CreateBookingRequest struct {
	ID              string          `json:"id,omitempty" validate:"omitempty,uuid"`
	UserID          string          `json:"user_id" validate:"required,max=128"`
	ListingID       string          `json:"listing_id" validate:"required,max=128"`
	CheckInDate     string          `json:"check_in_date" validate:"required,datetime=2006-01-02"`
	CheckOutDate    string          `json:"check_out_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	PaymentMethod   PaymentMethod   `json:"payment_method" validate:"required,oneof=daraja lipa_mdogo_mdogo pay_on_arrival"`
	TravelerDetails TravelerDetails `json:"traveler_details"`
	Amount          decimal.Decimal `json:"amount" validate:"gte=0,lte=1000000000"`
}

// Validate checks the request against its struct tags.
func (r *CreateBookingRequest) Validate() error {
	if err := paymentsValidate.Struct(r); err != nil {
		return fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}
	if r.CheckOutDate != "" && r.CheckOutDate < r.CheckInDate {
		return fmt.Errorf("%w: check_out_date before check_in_date", ErrValidation)
	}
	return nil
}

// ApproveRequest is the body of the admin manual-approval endpoint.
type ApproveRequest struct {
	Reference string `json:"reference" validate:"max=64"`
}

// Validate checks the request against its struct tags.
func (r *ApproveRequest) Validate() error {
	if err := paymentsValidate.Struct(r); err != nil {
		return fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}
	return nil
}

// ErrorResponse is the uniform error body returned by the HTTP layer.
type ErrorResponse struct {
	Error string `json:"error"`
}
