package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/ledger"
)

func TestClient_Transfer(t *testing.T) {
	var got []transferRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/transfers", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var body transferRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		got = append(got, body)

		w.Header().Set("Content-Type", "application/json")
		switch body.To {
		case "frozen":
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false})
		case "broken":
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "ledger offline"})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
		}
	}))
	t.Cleanup(srv.Close)
	c := NewClient(ClientConfig{BaseURL: srv.URL, Token: "secret", Timeout: 5 * time.Second})
	ctx := context.Background()

	ok, err := c.Transfer(ctx, "alice", 120)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Transfer(ctx, "frozen", 5)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.Transfer(ctx, "broken", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger offline")

	require.Len(t, got, 3)
	assert.Equal(t, transferRequest{To: "alice", Amount: ledger.Amount(120)}, got[0])
}
