package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"pharmacy-service/internal/pharmacy"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRespondErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{pharmacy.ErrUnauthorized, http.StatusUnauthorized},
		{pharmacy.ErrForbidden, http.StatusForbidden},
		{pharmacy.ErrNotFound, http.StatusNotFound},
		{pharmacy.ErrValidation, http.StatusBadRequest},
		{pharmacy.ErrConflict, http.StatusConflict},
		{&pharmacy.RefillsExhaustedError{RefillsUsed: 3, RefillLimit: 3}, http.StatusConflict},
		{pharmacy.ErrInternal, http.StatusInternalServerError},
		{errors.New("something leaked"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		respondError(c, tc.err)
		assert.Equal(t, tc.status, w.Code, "error %v", tc.err)
	}
}

func TestRespondErrorHidesInternals(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	respondError(c, errors.New("pq: connection refused to db host 10.0.0.3"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "10.0.0.3")
}

func TestRespondErrorRefillsExhaustedBody(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	respondError(c, &pharmacy.RefillsExhaustedError{RefillsUsed: 2, RefillLimit: 2})

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), `"refills_used":2`)
	assert.Contains(t, w.Body.String(), `"refill_limit":2`)
}

func TestExtractCredentials(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/prescriptions", nil)
	req.Header.Set("Authorization", "Bearer jwt-token")
	req.Header.Set("X-Session-Token", "fallback-token")
	req.AddCookie(&http.Cookie{Name: "pharmacy_session", Value: "cookie-token"})
	c.Request = req

	creds := extractCredentials(c)
	assert.Equal(t, "cookie-token", creds.CookieToken)
	assert.Equal(t, "jwt-token", creds.BearerToken)
	assert.Equal(t, "fallback-token", creds.SessionToken)
}

func TestExtractCredentialsSessionCookieFallback(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/prescriptions", nil)
	req.AddCookie(&http.Cookie{Name: "pharmacy_token", Value: "cookie-session"})
	c.Request = req

	creds := extractCredentials(c)
	assert.Empty(t, creds.CookieToken)
	assert.Empty(t, creds.BearerToken)
	assert.Equal(t, "cookie-session", creds.SessionToken)
}

func TestExtractCredentialsMalformedAuthorization(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/prescriptions", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	c.Request = req

	creds := extractCredentials(c)
	assert.Empty(t, creds.BearerToken)
}
