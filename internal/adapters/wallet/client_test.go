package wallet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshcompute/meshd/internal/core/domain"
)

func TestClient_CreateInvoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/invoices", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req struct {
			AmountMsat int64  `json:"amount_msat"`
			Memo       string `json:"memo"`
			TTLSeconds int64  `json:"ttl_seconds"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, int64(10_000), req.AmountMsat)
		assert.Equal(t, int64(3600), req.TTLSeconds)

		json.NewEncoder(w).Encode(map[string]any{
			"payment_request": "lnbc1...",
			"payment_hash":    "abc123",
			"amount_msat":     10_000,
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret")
	inv, err := client.CreateInvoice(context.Background(), 10_000, "job x", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "lnbc1...", inv.PaymentRequest)
	assert.Equal(t, domain.PaymentHash("abc123"), inv.PaymentHash)
	assert.Equal(t, int64(10_000), inv.AmountMsat)
}

func TestClient_ListRecentPayments(t *testing.T) {
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments", r.URL.Path)
		assert.Equal(t, "1772366400", r.URL.Query().Get("since"))
		json.NewEncoder(w).Encode([]map[string]any{
			{"payment_hash": "h1", "amount_msat": 5_000},
			{"payment_hash": "h2", "amount_msat": 7_000},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	obs, err := client.ListRecentPayments(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, domain.PaymentHash("h1"), obs[0].PaymentHash)
	assert.Equal(t, int64(7_000), obs[1].AmountMsat)
}

func TestClient_SendPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/payments", r.URL.Path)
		var req struct {
			PaymentRequest string `json:"payment_request"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "lnbc1...", req.PaymentRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"payment_hash": "h1",
			"amount_msat":  10_000,
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	obs, err := client.SendPayment(context.Background(), "lnbc1...")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentHash("h1"), obs.PaymentHash)
	assert.Equal(t, int64(10_000), obs.AmountMsat)
}

func TestClient_Balance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/balance", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"balance_msat": 123_456})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	balance, err := client.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(123_456), balance)
}

func TestClient_ErrorsAreBackendErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "out of funds", http.StatusPaymentRequired)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	_, err := client.SendPayment(context.Background(), "lnbc1...")
	require.Error(t, err)

	var backendErr *domain.BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, "wallet", backendErr.Backend)
	assert.Contains(t, err.Error(), "402")
}
