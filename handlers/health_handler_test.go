package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	data, ok := response["data"].(map[string]interface{})
	require.True(t, ok, "response has a data object")
	return data
}

func TestHandleHealth(t *testing.T) {
	handler := NewHealthHandler(zap.NewNop())

	w := httptest.NewRecorder()
	handler.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, "healthy", data["status"])
	assert.NotEmpty(t, data["timestamp"])
}

func TestHandleReadiness(t *testing.T) {
	logger := zap.NewNop()

	t.Run("healthy when every check passes", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectPing()

		handler := NewHealthHandler(logger,
			Check{Name: "database", Fn: db.PingContext},
			Check{Name: "redis", Fn: func(context.Context) error { return nil }},
		)

		w := httptest.NewRecorder()
		handler.HandleReadiness(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		data := decodeData(t, w)
		assert.Equal(t, "healthy", data["status"])
		checks := data["checks"].(map[string]interface{})
		assert.Equal(t, "healthy", checks["database"])
		assert.Equal(t, "healthy", checks["redis"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unhealthy when the database ping fails", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		handler := NewHealthHandler(logger,
			Check{Name: "database", Fn: db.PingContext},
			Check{Name: "redis", Fn: func(context.Context) error { return nil }},
		)

		w := httptest.NewRecorder()
		handler.HandleReadiness(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		data := decodeData(t, w)
		assert.Equal(t, "unhealthy", data["status"])
		checks := data["checks"].(map[string]interface{})
		assert.Equal(t, "unhealthy", checks["database"])
		assert.Equal(t, "healthy", checks["redis"])
	})

	t.Run("nil checks are skipped", func(t *testing.T) {
		handler := NewHealthHandler(logger, Check{Name: "redis"})

		w := httptest.NewRecorder()
		handler.HandleReadiness(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		data := decodeData(t, w)
		assert.Nil(t, data["checks"])
	})
}
