package domain

import (
	"fmt"
	"time"
)

// JobKind identifies a class of paid compute work, e.g. "text-generation".
type JobKind string

// SchemaVersion is the job request payload schema understood by this build.
const SchemaVersion = 1

// JobRequest is a customer's published request for paid compute. The ID is
// the content-derived event id assigned by the relay layer, so replaying the
// same request yields the same ID. Immutable once published.
type JobRequest struct {
	ID            JobID     `json:"id"`
	Requester     AgentID   `json:"requester"`
	Provider      AgentID   `json:"provider"`
	Kind          JobKind   `json:"kind"`
	SchemaVersion int       `json:"schema_version"`
	Input         string    `json:"input"`
	MaxBudgetMsat int64     `json:"max_budget_msat,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type JobStatus string

const (
	JobReceived        JobStatus = "RECEIVED"
	JobInvoiced        JobStatus = "INVOICED"
	JobAwaitingPayment JobStatus = "AWAITING_PAYMENT"
	JobPaid            JobStatus = "PAID"
	JobProcessing      JobStatus = "PROCESSING"
	JobCompleted       JobStatus = "COMPLETED"
	JobFailed          JobStatus = "FAILED"
	JobExpired         JobStatus = "EXPIRED"
)

// statusRank defines the partial order used to enforce monotonic transitions.
// Terminal states share the top rank.
var statusRank = map[JobStatus]int{
	JobReceived:        0,
	JobInvoiced:        1,
	JobAwaitingPayment: 2,
	JobPaid:            3,
	JobProcessing:      4,
	JobCompleted:       5,
	JobFailed:          5,
	JobExpired:         5,
}

// Terminal reports whether the status can never be exited.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobExpired
}

// Rank returns the position of the status in the transition partial order.
func (s JobStatus) Rank() int {
	return statusRank[s]
}

// JobEvent is something that happened to a job and may advance its status.
type JobEvent string

const (
	EventInvoiceCreated   JobEvent = "invoice_created"
	EventInvoicePublished JobEvent = "invoice_published"
	EventPaymentMatched   JobEvent = "payment_matched"
	EventInvoiceExpired   JobEvent = "invoice_expired"
	EventExecutionStarted JobEvent = "execution_started"
	EventExecutionDone    JobEvent = "execution_done"
	EventExecutionFailed  JobEvent = "execution_failed"
)

var transitions = map[JobStatus]map[JobEvent]JobStatus{
	JobReceived: {
		EventInvoiceCreated: JobInvoiced,
	},
	JobInvoiced: {
		EventInvoicePublished: JobAwaitingPayment,
	},
	JobAwaitingPayment: {
		EventPaymentMatched: JobPaid,
		EventInvoiceExpired: JobExpired,
	},
	JobPaid: {
		EventExecutionStarted: JobProcessing,
	},
	JobProcessing: {
		EventExecutionDone:   JobCompleted,
		EventExecutionFailed: JobFailed,
	},
}

// Apply is the pure job state machine. Events delivered to a terminal job are
// no-ops (replayed or duplicated events must not move a job), signalled by
// returning the current status unchanged with no error. An event the current
// status has no edge for is an ErrInvalidTransition.
func Apply(current JobStatus, event JobEvent) (JobStatus, error) {
	if current.Terminal() {
		return current, nil
	}
	next, ok := transitions[current][event]
	if !ok {
		return current, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, event, current)
	}
	return next, nil
}

// JobRecord is the provider's durable state for one job execution attempt.
type JobRecord struct {
	ID          JobID      `json:"id"`
	Requester   AgentID    `json:"requester"`
	Provider    AgentID    `json:"provider"`
	Kind        JobKind    `json:"kind"`
	Input       string     `json:"input"`
	InvoiceID   InvoiceID  `json:"invoice_id,omitempty"`
	Status      JobStatus  `json:"status"`
	Result      *string    `json:"result,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewJobRecord ingests a request as a fresh record in the Received state.
func NewJobRecord(req JobRequest, now time.Time) JobRecord {
	return JobRecord{
		ID:        req.ID,
		Requester: req.Requester,
		Provider:  req.Provider,
		Kind:      req.Kind,
		Input:     req.Input,
		Status:    JobReceived,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
