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
	"fmt"
	"strings"

	"github.com/awnumar/memguard"

	"github.com/ZiaraZetu/ZiaraPay/services/payments/datatypes"
)

// Credentials are the merchant secrets issued by the gateway.
type Credentials struct {
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
}

// Missing returns the names of empty fields.
func (c Credentials) Missing() []string {
	var missing []string
	if c.ConsumerKey == "" {
		missing = append(missing, "consumer_key")
	}
	if c.ConsumerSecret == "" {
		missing = append(missing, "consumer_secret")
	}
	if c.ShortCode == "" {
		missing = append(missing, "business_shortcode")
	}
	if c.Passkey == "" {
		missing = append(missing, "passkey")
	}
	return missing
}

// sealedCredentials keeps the secrets encrypted in memguard enclaves. They are
// decrypted into locked buffers only for the duration of one request.
// The short code is not secret and stays in the clear.
type sealedCredentials struct {
	key       *memguard.Enclave
	secret    *memguard.Enclave
	passkey   *memguard.Enclave
	shortCode string
	missing   []string
}

func seal(c Credentials) *sealedCredentials {
	return &sealedCredentials{
		key:       enclave(c.ConsumerKey),
		secret:    enclave(c.ConsumerSecret),
		passkey:   enclave(c.Passkey),
		shortCode: c.ShortCode,
		missing:   c.Missing(),
	}
}

// enclave seals s. memguard wipes the source slice.
func enclave(s string) *memguard.Enclave {
	if s == "" {
		return nil
	}
	return memguard.NewEnclave([]byte(s))
}

func (s *sealedCredentials) check() error {
	if s == nil {
		return fmt.Errorf("%w: gateway credentials not loaded", datatypes.ErrConfiguration)
	}
	if len(s.missing) > 0 {
		return fmt.Errorf("%w: gateway credentials missing %s", datatypes.ErrConfiguration, strings.Join(s.missing, ", "))
	}
	return nil
}

// open decrypts one enclave and hands its bytes to fn. The buffer is
// destroyed when fn returns; fn must not retain the slice.
func open(e *memguard.Enclave, fn func(b []byte) error) error {
	if e == nil {
		return fmt.Errorf("%w: empty secret", datatypes.ErrConfiguration)
	}
	buf, err := e.Open()
	if err != nil {
		return fmt.Errorf("%w: unseal secret: %v", datatypes.ErrConfiguration, err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}
