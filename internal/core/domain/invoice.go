package domain

import "time"

type InvoiceStatus string

const (
	InvoicePending   InvoiceStatus = "PENDING"
	InvoicePaid      InvoiceStatus = "PAID"
	InvoiceExpired   InvoiceStatus = "EXPIRED"
	InvoiceCancelled InvoiceStatus = "CANCELLED"
)

// Invoice is a priced, time-bounded payment request tied to exactly one job.
// At most one non-Cancelled invoice may be Pending per job; the job store
// enforces this on insert.
type Invoice struct {
	ID             InvoiceID     `json:"id"`
	JobID          JobID         `json:"job_id"`
	AmountMsat     int64         `json:"amount_msat"`
	PaymentRequest string        `json:"payment_request"`
	PaymentHash    PaymentHash   `json:"payment_hash"`
	Status         InvoiceStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	PaidAt         *time.Time    `json:"paid_at,omitempty"`
	TTL            time.Duration `json:"ttl"`
}

// ExpiresAt is the moment after which no payment can settle this invoice.
func (i Invoice) ExpiresAt() time.Time {
	return i.CreatedAt.Add(i.TTL)
}

// Expired reports whether the invoice TTL has elapsed at the given instant.
func (i Invoice) Expired(now time.Time) bool {
	return now.After(i.ExpiresAt())
}
