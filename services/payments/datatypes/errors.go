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

import "errors"

// =============================================================================
// Error Taxonomy
// =============================================================================
//
// Components wrap these sentinels with fmt.Errorf("%w: ...") so the HTTP layer
// can classify failures with errors.Is without parsing messages.

var (
	// ErrConfiguration indicates a required secret or setting is missing.
	// Fatal for the current invocation; never retried automatically.
	ErrConfiguration = errors.New("configuration error")

	// ErrGatewayAuth indicates the gateway rejected the credential exchange.
	ErrGatewayAuth = errors.New("gateway authentication failed")

	// ErrGatewayRequest indicates the gateway rejected a push or query request.
	// The wrapped message carries the gateway's own error text.
	ErrGatewayRequest = errors.New("gateway request failed")

	// ErrValidation indicates malformed input (initiation body or callback payload).
	ErrValidation = errors.New("validation error")

	// ErrNotFound indicates the referenced booking or attempt does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPersistence indicates a storage write failed. When it follows an
	// external side effect (push sent, callback received) the gateway and the
	// ledger disagree until reconciliation runs.
	ErrPersistence = errors.New("persistence error")

	// ErrDuplicate indicates a settlement was already applied. Callers treat it
	// as "already applied, acknowledge and no-op".
	ErrDuplicate = errors.New("already applied")
)
