package domain

import "github.com/google/uuid"

// ID types to prevent stringly-typed confusion
type JobID string
type InvoiceID string
type AgentID string
type TickID string
type PaymentHash string

func NewInvoiceID() InvoiceID {
	return InvoiceID(uuid.New().String())
}

func NewTickID() TickID {
	return TickID(uuid.New().String())
}
