package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// EventKind classifies messages on the public event network.
type EventKind string

const (
	KindJobRequest           EventKind = "job_request"
	KindStatusFeedback       EventKind = "status_feedback"
	KindPaymentAck           EventKind = "payment_ack"
	KindJobResult            EventKind = "job_result"
	KindProviderAnnouncement EventKind = "provider_announcement"
)

// Envelope is the transport-agnostic message frame. The ID is derived from
// the envelope content, so republishing an identical message yields an
// identical ID and downstream ingestion can deduplicate.
type Envelope struct {
	ID        string          `json:"id"`
	Kind      EventKind       `json:"kind"`
	Author    AgentID         `json:"author"`
	Recipient AgentID         `json:"recipient,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope builds an envelope with a content-derived ID.
func NewEnvelope(kind EventKind, author, recipient AgentID, payload any, now time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	env := Envelope{
		Kind:      kind,
		Author:    author,
		Recipient: recipient,
		CreatedAt: now.UTC().Truncate(time.Second),
		Payload:   raw,
	}
	env.ID = env.contentID()
	return env, nil
}

func (e Envelope) contentID() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d|", e.Kind, e.Author, e.Recipient, e.CreatedAt.Unix())
	h.Write(e.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// FeedbackStatus is the status carried by a StatusFeedback event.
type FeedbackStatus string

const (
	FeedbackPaymentRequired FeedbackStatus = "payment-required"
	FeedbackProcessing      FeedbackStatus = "processing"
	FeedbackError           FeedbackStatus = "error"
	FeedbackExpired         FeedbackStatus = "expired"
)

// Terminal reports whether the feedback ends the job from the customer's
// point of view.
func (s FeedbackStatus) Terminal() bool {
	return s == FeedbackError || s == FeedbackExpired
}

// FeedbackPayload covers both progress and terminal failure/expiry, and
// carries the invoice when status is payment-required.
type FeedbackPayload struct {
	JobID          JobID          `json:"job_id"`
	Status         FeedbackStatus `json:"status"`
	PaymentRequest string         `json:"payment_request,omitempty"`
	PaymentHash    PaymentHash    `json:"payment_hash,omitempty"`
	AmountMsat     int64          `json:"amount_msat,omitempty"`
	Message        string         `json:"message,omitempty"`
}

// ResultPayload delivers the output of a completed job.
type ResultPayload struct {
	JobID  JobID  `json:"job_id"`
	Output string `json:"output"`
}

// PaymentAckPayload is the customer's optional "payment sent" notice.
type PaymentAckPayload struct {
	JobID       JobID       `json:"job_id"`
	PaymentHash PaymentHash `json:"payment_hash"`
}
