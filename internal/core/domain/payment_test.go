package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPaymentObservationSettles(t *testing.T) {
	inv := Invoice{
		ID:          "inv-1",
		JobID:       "job-1",
		AmountMsat:  10_000,
		PaymentHash: "hash-a",
		Status:      InvoicePending,
	}

	assert.True(t, PaymentObservation{PaymentHash: "hash-a", AmountMsat: 10_000}.Settles(inv))
	assert.True(t, PaymentObservation{PaymentHash: "hash-a", AmountMsat: 12_000}.Settles(inv),
		"overpayment settles")

	assert.False(t, PaymentObservation{PaymentHash: "hash-b", AmountMsat: 10_000}.Settles(inv),
		"equal amount with a different hash must not match")
	assert.False(t, PaymentObservation{PaymentHash: "hash-a", AmountMsat: 9_999}.Settles(inv),
		"partial payment does not settle")
}

func TestInvoiceExpiry(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	inv := Invoice{CreatedAt: created, TTL: time.Hour}

	assert.False(t, inv.Expired(created.Add(59*time.Minute)))
	assert.True(t, inv.Expired(created.Add(61*time.Minute)))
	assert.Equal(t, created.Add(time.Hour), inv.ExpiresAt())
}
