package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/credits"
	"github.com/upb/llm-gateway/services/routing"
)

func TestHandleServiceError(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedError  string
	}{
		{"not found", services.ErrModelNotFound, http.StatusNotFound, "not_found"},
		{"validation", services.ErrInvalidInput, http.StatusBadRequest, "bad_request"},
		{"unauthorized", services.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
		{"bare insufficient credits", services.ErrInsufficientCredits, http.StatusPaymentRequired, "insufficient_credits"},
		{"bare exhaustion", services.ErrProvidersExhausted, http.StatusBadGateway, "bad_gateway"},
		{"catalog unavailable", services.ErrCatalogUnavailable, http.StatusServiceUnavailable, "service_unavailable"},
		{"conflict", services.ErrReservationClosed, http.StatusConflict, "conflict"},
		{"internal", services.WrapInternal("db down", errors.New("eof")), http.StatusInternalServerError, "internal_error"},
		{"unknown", errors.New("mystery"), http.StatusInternalServerError, "internal_error"},
		{"deadline", fmt.Errorf("dispatch: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, "timeout"},
		{"canceled", context.Canceled, statusClientClosedRequest, "canceled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			HandleServiceError(w, tt.err, logger)

			assert.Equal(t, tt.expectedStatus, w.Code)
			var response map[string]interface{}
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, tt.expectedError, response["error"])
		})
	}
}

func TestHandleServiceError_InternalMessageIsGeneric(t *testing.T) {
	w := httptest.NewRecorder()
	HandleServiceError(w, services.WrapInternal("failed", errors.New("password=hunter2")), zap.NewNop())

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "hunter2")
}

func TestHandleServiceError_DenialBody(t *testing.T) {
	denial := &credits.InsufficientCreditsError{
		UserID:    "u1",
		Model:     "gpt-4",
		Balance:   1,
		Available: 1,
		MaxCost:   3,
		Shortfall: 2,
		Suggestions: []credits.Suggestion{
			{Action: credits.ActionReduceOutputBound, OutputBound: 100},
			{Action: credits.ActionAddCredits, Amount: 2},
		},
	}

	w := httptest.NewRecorder()
	HandleServiceError(w, fmt.Errorf("reserve: %w", denial), zap.NewNop())

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	var body struct {
		Error   string                           `json:"error"`
		Details credits.InsufficientCreditsError `json:"details"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "insufficient_credits", body.Error)
	assert.InDelta(t, 2, body.Details.Shortfall, 1e-9)
	assert.Empty(t, body.Details.UserID, "user id is not echoed")
	require.Len(t, body.Details.Suggestions, 2)
	assert.Equal(t, 100, body.Details.Suggestions[0].OutputBound)
}

func TestHandleServiceError_ExhaustionBody(t *testing.T) {
	exhausted := &routing.ExhaustedError{
		Model: "gpt-4",
		Attempts: []routing.Attempt{
			{Provider: "alpha", Kind: "timeout"},
			{Provider: "beta", Kind: "rate_limited"},
		},
		Skipped: []routing.Attempt{{Provider: "gamma", Kind: routing.SkipBreakerOpen}},
	}

	w := httptest.NewRecorder()
	HandleServiceError(w, exhausted, zap.NewNop())

	assert.Equal(t, http.StatusBadGateway, w.Code)
	var body struct {
		Details routing.ExhaustedError `json:"details"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Len(t, body.Details.Attempts, 2)
	assert.Equal(t, "alpha", body.Details.Attempts[0].Provider)
	assert.Equal(t, "timeout", body.Details.Attempts[0].Kind)
	require.Len(t, body.Details.Skipped, 1)
	assert.Equal(t, routing.SkipBreakerOpen, body.Details.Skipped[0].Kind)
}

func TestHandleValidationError(t *testing.T) {
	w := httptest.NewRecorder()
	HandleValidationError(w, errors.New("plain"), zap.NewNop())
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "plain")
}
