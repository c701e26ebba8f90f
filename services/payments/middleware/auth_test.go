// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZiaraZetu/ZiaraPay/services/payments/datatypes"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

func adminRouter(token string) *gin.Engine {
	router := gin.New()
	router.GET("/admin", AdminAuth(token), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"actor": GetActor(c)})
	})
	return router
}

func callbackRouter(token string) *gin.Engine {
	router := gin.New()
	router.POST("/callback", CallbackToken(token), func(c *gin.Context) {
		c.JSON(http.StatusOK, datatypes.AckAccepted)
	})
	return router
}

// =============================================================================
// extractBearerToken Tests
// =============================================================================

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"valid", "Bearer abc123", "abc123"},
		{"lowercase scheme", "bearer ABC123", "ABC123"},
		{"missing", "", ""},
		{"no scheme", "abc123", ""},
		{"basic auth", "Basic abc123", ""},
		{"empty bearer", "Bearer ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				c.Request.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, extractBearerToken(c))
		})
	}
}

// =============================================================================
// AdminAuth Tests
// =============================================================================

func TestAdminAuth_AcceptsToken(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/admin", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	req.Header.Set(ActorHeader, "wanjiku")
	adminRouter("s3cret").ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "wanjiku", body["actor"])
}

func TestAdminAuth_DefaultActor(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/admin", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	adminRouter("s3cret").ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"actor":"admin"`)
}

func TestAdminAuth_Rejects(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		header     string
		wantError  string
	}{
		{"wrong token", "s3cret", "Bearer guess", "unauthorized"},
		{"missing header", "s3cret", "", "unauthorized"},
		{"disabled", "", "Bearer anything", "admin API disabled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest("GET", "/admin", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			adminRouter(tt.configured).ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			var body datatypes.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantError, body.Error)
		})
	}
}

func TestGetActor_Unauthenticated(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Empty(t, GetActor(c))
}

// =============================================================================
// CallbackToken Tests
// =============================================================================

func TestCallbackToken(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		url        string
		wantCode   int
	}{
		{"not configured", "", "/callback", http.StatusOK},
		{"matching token", "cb-tok", "/callback?token=cb-tok", http.StatusOK},
		{"wrong token", "cb-tok", "/callback?token=nope", http.StatusUnauthorized},
		{"missing token", "cb-tok", "/callback", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			callbackRouter(tt.configured).ServeHTTP(w, httptest.NewRequest("POST", tt.url, nil))

			assert.Equal(t, tt.wantCode, w.Code)
			var ack datatypes.CallbackAck
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ack))
			if tt.wantCode == http.StatusOK {
				assert.Equal(t, datatypes.AckAccepted, ack)
			} else {
				assert.Equal(t, datatypes.AckFailed, ack)
			}
		})
	}
}
