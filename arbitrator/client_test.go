package arbitrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/ledger"
)

func newRemote(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{BaseURL: srv.URL, Token: "secret", Timeout: 5 * time.Second})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestClient_DisputeLifecycle(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/cost", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		writeJSON(w, map[string]any{"cost": 20})
	})
	mux.HandleFunc("POST /v1/disputes", func(w http.ResponseWriter, r *http.Request) {
		var body createDisputeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, uint(2), body.Choices)
		assert.Equal(t, ledger.Amount(20), body.Fee)
		assert.Equal(t, "tx-1/dispute", r.Header.Get("Idempotency-Key"))
		writeJSON(w, map[string]any{"dispute_id": 42})
	})
	mux.HandleFunc("GET /v1/disputes/42/appeal-cost", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"cost": 100})
	})
	mux.HandleFunc("GET /v1/disputes/42/appeal-period", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, appealPeriodResponse{Start: start, End: start.Add(time.Hour)})
	})
	mux.HandleFunc("GET /v1/disputes/42/ruling", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ruling": 2})
	})
	mux.HandleFunc("POST /v1/disputes/42/appeals", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tx-1/appeal/0", r.Header.Get("Idempotency-Key"))
		w.WriteHeader(http.StatusNoContent)
	})

	c := newRemote(t, mux)
	ctx := context.Background()

	cost, err := c.ArbitrationCost(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, ledger.Amount(20), cost)

	id, err := c.CreateDispute(ctx, "tx-1/dispute", 2, []byte("meta"), cost)
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeID(42), id)

	appealCost, err := c.AppealCost(ctx, id, nil)
	require.NoError(t, err)
	assert.Equal(t, ledger.Amount(100), appealCost)

	from, to, err := c.AppealPeriod(ctx, id)
	require.NoError(t, err)
	assert.True(t, from.Equal(start))
	assert.True(t, to.Equal(start.Add(time.Hour)))

	ruling, err := c.CurrentRuling(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.SideB, ruling.Side())

	require.NoError(t, c.Appeal(ctx, "tx-1/appeal/0", id, nil, appealCost))
}

func TestClient_MapsStatusCodes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/disputes/7/ruling", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, errorResponse{Error: "no such dispute"})
	})
	mux.HandleFunc("POST /v1/disputes/7/appeals", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		writeJSON(w, errorResponse{Error: "fee too low"})
	})
	mux.HandleFunc("GET /v1/cost", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	c := newRemote(t, mux)
	ctx := context.Background()

	_, err := c.CurrentRuling(ctx, 7)
	require.ErrorIs(t, err, ErrUnknownDispute)

	err = c.Appeal(ctx, "tx-7/appeal/0", 7, nil, 1)
	require.ErrorIs(t, err, ErrInsufficientFee)
	assert.True(t, Rejected(err))

	_, err = c.ArbitrationCost(ctx, nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnknownDispute))
	assert.False(t, Rejected(err), "a server error leaves the outcome unknown")
}
