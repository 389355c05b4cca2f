package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/catalogcache"
)

type MockCatalogReader struct {
	mock.Mock
}

func (m *MockCatalogReader) GetCatalog(ctx context.Context, filter catalogcache.Filter, dedup bool) (*models.CatalogSnapshot, error) {
	args := m.Called(ctx, filter, dedup)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CatalogSnapshot), args.Error(1)
}

func (m *MockCatalogReader) Invalidate(ctx context.Context, slugs []string) bool {
	return m.Called(ctx, slugs).Bool(0)
}

func TestHandleListModels(t *testing.T) {
	logger := zap.NewNop()
	snapshot := &models.CatalogSnapshot{
		Version: 7,
		BuiltAt: time.Now().UTC(),
		Models: []models.CanonicalModel{
			{ID: "gpt-4", CheapestVariant: "alpha", Variants: []models.ModelVariant{{Provider: "alpha", ProviderModelID: "gpt-4"}}},
		},
		ProvidersResponded: []string{"alpha"},
		ProvidersMissing:   []string{"beta"},
		Degraded:           true,
	}

	t.Run("defaults to the deduplicated unfiltered view", func(t *testing.T) {
		reader := new(MockCatalogReader)
		reader.On("GetCatalog", mock.Anything, catalogcache.Filter{}, true).Return(snapshot, nil)

		w := httptest.NewRecorder()
		NewCatalogHandler(reader, logger).HandleListModels(w, httptest.NewRequest(http.MethodGet, "/api/v1/models", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		data := decodeData(t, w)
		assert.EqualValues(t, 7, data["version"])
		assert.Equal(t, true, data["degraded"])
		assert.Equal(t, []interface{}{"beta"}, data["providers_missing"])
		reader.AssertExpectations(t)
	})

	t.Run("passes normalized filters", func(t *testing.T) {
		reader := new(MockCatalogReader)
		want := catalogcache.Filter{Provider: "alpha", Capability: "function_calling"}
		reader.On("GetCatalog", mock.Anything, want, false).Return(snapshot, nil)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/models?provider=Alpha&capability=tools&dedup=false", nil)
		NewCatalogHandler(reader, logger).HandleListModels(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		reader.AssertExpectations(t)
	})

	t.Run("bad query parameters", func(t *testing.T) {
		for _, q := range []string{"capability=teleport", "dedup=maybe"} {
			reader := new(MockCatalogReader)
			w := httptest.NewRecorder()
			NewCatalogHandler(reader, logger).HandleListModels(w, httptest.NewRequest(http.MethodGet, "/api/v1/models?"+q, nil))

			assert.Equal(t, http.StatusBadRequest, w.Code, q)
			reader.AssertNotCalled(t, "GetCatalog", mock.Anything, mock.Anything, mock.Anything)
		}
	})

	t.Run("no snapshot anywhere", func(t *testing.T) {
		reader := new(MockCatalogReader)
		reader.On("GetCatalog", mock.Anything, mock.Anything, mock.Anything).Return(nil, services.ErrCatalogUnavailable)

		w := httptest.NewRecorder()
		NewCatalogHandler(reader, logger).HandleListModels(w, httptest.NewRequest(http.MethodGet, "/api/v1/models", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestHandleInvalidate(t *testing.T) {
	logger := zap.NewNop()

	t.Run("accepted", func(t *testing.T) {
		reader := new(MockCatalogReader)
		reader.On("Invalidate", mock.Anything, []string{"alpha", "beta"}).Return(true)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/models/invalidate", strings.NewReader(`{"providers":["alpha","beta"]}`))
		NewCatalogHandler(reader, logger).HandleInvalidate(w, req)

		assert.Equal(t, http.StatusAccepted, w.Code)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, "Invalidation accepted", body["message"])
		reader.AssertExpectations(t)
	})

	tests := []struct {
		name string
		body string
	}{
		{"empty list", `{"providers":[]}`},
		{"blank slug", `{"providers":[""]}`},
		{"unknown field", `{"providers":["alpha"],"all":true}`},
		{"not json", `providers=alpha`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := new(MockCatalogReader)
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/models/invalidate", strings.NewReader(tt.body))
			NewCatalogHandler(reader, logger).HandleInvalidate(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			reader.AssertNotCalled(t, "Invalidate", mock.Anything, mock.Anything)
		})
	}

	t.Run("whitespace only slugs", func(t *testing.T) {
		reader := new(MockCatalogReader)
		reader.On("Invalidate", mock.Anything, []string{"  "}).Return(false)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/models/invalidate", strings.NewReader(`{"providers":["  "]}`))
		NewCatalogHandler(reader, logger).HandleInvalidate(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

type staticHealth []models.HealthRecord

func (s staticHealth) Snapshot() []models.HealthRecord { return s }

func TestHandleProviderHealth(t *testing.T) {
	records := staticHealth{
		{Provider: "beta", Model: "gpt-4", Status: models.HealthDown, Breaker: models.BreakerSnapshot{State: models.BreakerOpen}},
		{Provider: "alpha", Model: "gpt-4", Status: models.HealthHealthy},
		{Provider: "alpha", Model: "claude-3", Status: models.HealthUnknown},
	}
	handler := NewProviderHealthHandler(records, zap.NewNop())

	decode := func(w *httptest.ResponseRecorder) []models.HealthRecord {
		var body struct {
			Data []models.HealthRecord `json:"data"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		return body.Data
	}

	w := httptest.NewRecorder()
	handler.HandleProviderHealth(w, httptest.NewRequest(http.MethodGet, "/api/v1/providers/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	all := decode(w)
	require.Len(t, all, 3)
	assert.Equal(t, "alpha", all[0].Provider)
	assert.Equal(t, "claude-3", all[0].Model)
	assert.Equal(t, models.BreakerOpen, all[2].Breaker.State)

	w = httptest.NewRecorder()
	handler.HandleProviderHealth(w, httptest.NewRequest(http.MethodGet, "/api/v1/providers/health?provider=BETA", nil))
	beta := decode(w)
	require.Len(t, beta, 1)
	assert.Equal(t, models.HealthDown, beta[0].Status)
}
