package canary

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookRouter(t *testing.T) {
	t.Parallel()

	t.Run("PostsSplitToEndpoint", func(t *testing.T) {
		t.Parallel()

		var got map[string]interface{}
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		router, err := NewWebhookRouter(server.URL)
		require.NoError(t, err)
		require.NoError(t, router.SetTrafficSplit(context.Background(), "dep-1", 25))

		assert.Equal(t, "dep-1", got["deployment_id"])
		assert.InDelta(t, 25, got["target_percent"], 0.001)
	})

	t.Run("NonSuccessStatusIsError", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		router, err := NewWebhookRouter(server.URL)
		require.NoError(t, err)
		assert.Error(t, router.SetTrafficSplit(context.Background(), "dep-1", 25))
	})

	t.Run("OutOfRangePercentRejectedLocally", func(t *testing.T) {
		t.Parallel()

		router, err := NewWebhookRouter("http://127.0.0.1:1")
		require.NoError(t, err)
		assert.Error(t, router.SetTrafficSplit(context.Background(), "dep-1", 150))
	})

	t.Run("EmptyEndpointRejected", func(t *testing.T) {
		t.Parallel()

		_, err := NewWebhookRouter("")
		require.Error(t, err)
	})
}
