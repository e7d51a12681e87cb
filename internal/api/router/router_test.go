package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobqueue-be/internal/api/handler"
)

func healthResponse(t *testing.T, deps *handler.Dependencies) (int, map[string]any) {
	t.Helper()

	gin.SetMode(gin.TestMode)
	deps.Logger = slog.New(slog.DiscardHandler)
	r := SetupRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestHealthEndpoint(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	t.Run("all components healthy", func(t *testing.T) {
		code, body := healthResponse(t, &handler.Dependencies{
			StoreHealth:  ok,
			BrokerHealth: ok,
		})

		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "healthy", body["status"])

		components := body["components"].(map[string]any)
		assert.Equal(t, "ok", components["store"])
		assert.Equal(t, "ok", components["broker"])
	})

	t.Run("store down", func(t *testing.T) {
		code, body := healthResponse(t, &handler.Dependencies{
			StoreHealth:  down,
			BrokerHealth: ok,
		})

		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "unhealthy", body["status"])

		components := body["components"].(map[string]any)
		assert.Equal(t, "connection refused", components["store"])
		assert.Equal(t, "ok", components["broker"])
	})

	t.Run("broker down", func(t *testing.T) {
		code, body := healthResponse(t, &handler.Dependencies{
			StoreHealth:  ok,
			BrokerHealth: down,
		})

		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "unhealthy", body["status"])
	})
}
