package ports

import (
	"context"
	"time"

	"github.com/meshcompute/meshd/internal/core/domain"
)

// Filter scopes a subscription on the public event network.
type Filter struct {
	Kinds       []domain.EventKind
	AddressedTo domain.AgentID // identity the events are tagged to
	Authors     []domain.AgentID
	Since       time.Time
}

// EventNetwork abstracts the public pub/sub transport. Delivery may be
// duplicated, replayed, or out of order; consumers must ingest idempotently.
type EventNetwork interface {
	// Publish sends an envelope to the network.
	Publish(ctx context.Context, env domain.Envelope) error

	// Subscribe returns a stream of envelopes matching the filter plus a
	// stop function releasing the subscription. The channel is closed when
	// the subscription ends.
	Subscribe(ctx context.Context, f Filter) (<-chan domain.Envelope, func(), error)
}

// GatewayInvoice is what the payment gateway returns for a created invoice.
// The gateway knows nothing about jobs; callers bind it to a job themselves.
type GatewayInvoice struct {
	PaymentRequest string
	PaymentHash    domain.PaymentHash
	AmountMsat     int64
	ExpiresAt      time.Time
}

// PaymentGateway abstracts the external wallet/settlement daemon. Every call
// is fallible and latency-bearing; none may be assumed synchronous-fast.
type PaymentGateway interface {
	CreateInvoice(ctx context.Context, amountMsat int64, memo string, ttl time.Duration) (GatewayInvoice, error)
	ListRecentPayments(ctx context.Context, since time.Time) ([]domain.PaymentObservation, error)
	SendPayment(ctx context.Context, paymentRequest string) (domain.PaymentObservation, error)
	Balance(ctx context.Context) (int64, error)
}

// InferenceBackend executes one class of compute work.
type InferenceBackend interface {
	// Name identifies the backend for logging and error reporting.
	Name() string

	// Healthy reports whether the backend can accept work right now.
	Healthy(ctx context.Context) bool

	// Complete runs the job input and returns the output text.
	Complete(ctx context.Context, kind domain.JobKind, input string) (string, error)
}

// JobStore is the durable, transactional record of jobs and invoices. It is
// the single point of truth between the subscription consumer and the
// payment poller; conflicting writes are serialized per job id.
type JobStore interface {
	// IngestJob inserts a fresh record unless one already exists for the
	// id. Returns (false, nil) for a duplicate, making replayed requests a
	// no-op.
	IngestJob(ctx context.Context, rec domain.JobRecord) (inserted bool, err error)

	GetJob(ctx context.Context, id domain.JobID) (domain.JobRecord, error)
	ListJobsByStatus(ctx context.Context, status domain.JobStatus) ([]domain.JobRecord, error)
	ListJobs(ctx context.Context, limit int) ([]domain.JobRecord, error)

	// TransitionJob applies the state machine inside a transaction: it
	// re-reads the current status, applies the event, runs mutate on the
	// record when the status changed, and persists. Returns the updated
	// record and whether anything changed.
	TransitionJob(ctx context.Context, id domain.JobID, event domain.JobEvent,
		mutate func(*domain.JobRecord)) (domain.JobRecord, bool, error)

	// SaveInvoice inserts an invoice, enforcing at most one non-cancelled
	// pending invoice per job (ErrInvoiceConflict otherwise).
	SaveInvoice(ctx context.Context, inv domain.Invoice) error
	GetInvoice(ctx context.Context, id domain.InvoiceID) (domain.Invoice, error)
	GetInvoiceByJob(ctx context.Context, jobID domain.JobID) (domain.Invoice, error)
	GetInvoiceByPaymentHash(ctx context.Context, hash domain.PaymentHash) (domain.Invoice, error)
	UpdateInvoiceStatus(ctx context.Context, id domain.InvoiceID, status domain.InvoiceStatus, paidAt *time.Time) error
}

// AgentStore persists agent state and the append-only trajectory trail.
type AgentStore interface {
	SaveAgentState(ctx context.Context, state domain.AgentState) error
	GetAgentState(ctx context.Context, id domain.AgentID) (domain.AgentState, error)
	AppendTrajectory(ctx context.Context, rec domain.TrajectoryRecord) error
	ListTrajectories(ctx context.Context, id domain.AgentID, limit int) ([]domain.TrajectoryRecord, error)
}
