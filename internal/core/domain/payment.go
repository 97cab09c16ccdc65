package domain

import "time"

// PaymentObservation is a settled payment reported by the payment gateway.
//
// Observations bind to invoices by payment hash only. Matching by amount is
// forbidden: two pending invoices can share a price, and amount matching has
// historically bound a payment to the wrong job.
type PaymentObservation struct {
	PaymentHash PaymentHash `json:"payment_hash"`
	AmountMsat  int64       `json:"amount_msat"`
	SettledAt   time.Time   `json:"settled_at"`
}

// Settles reports whether the observation settles the given invoice: hash
// identity plus full amount. Partial payments are not supported and are
// ignored rather than credited.
func (p PaymentObservation) Settles(inv Invoice) bool {
	return p.PaymentHash == inv.PaymentHash && p.AmountMsat >= inv.AmountMsat
}
