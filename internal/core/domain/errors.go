package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned by Apply for an event the current
	// status has no edge for. Moving a job backward is always invalid.
	ErrInvalidTransition = errors.New("invalid job transition")

	// ErrNoProvider means discovery found no eligible provider for the
	// requested kind and network.
	ErrNoProvider = errors.New("no eligible provider found")

	// ErrInvalidPayload means a job request failed schema or capability
	// validation. The provider rejects without creating an invoice.
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrInvoiceTimeout means the provider never issued an invoice within
	// the customer's grace period.
	ErrInvoiceTimeout = errors.New("no invoice received before deadline")

	// ErrResultTimeout means the customer's bounded wait for a result
	// elapsed. Only the local wait is cancelled; the provider's work is not.
	ErrResultTimeout = errors.New("timed out waiting for job result")

	// ErrJobNotFound is returned by stores for unknown job ids.
	ErrJobNotFound = errors.New("job not found")

	// ErrAgentNotFound is returned by stores for unknown agent ids.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrInvoiceNotFound is returned by stores for unknown invoices.
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrInvoiceConflict means a non-cancelled pending invoice already
	// exists for the job.
	ErrInvoiceConflict = errors.New("pending invoice already exists for job")
)

// BudgetTier names the cap that vetoed a purchase.
type BudgetTier string

const (
	BudgetTierTick     BudgetTier = "tick"
	BudgetTierDaily    BudgetTier = "daily"
	BudgetTierLifetime BudgetTier = "lifetime"
	BudgetTierCalls    BudgetTier = "calls"
)

// BudgetExceededError is the budget guard's veto. The purchase was never
// attempted and no payment was sent.
type BudgetExceededError struct {
	Tier          BudgetTier
	EstimateMsat  int64
	RemainingMsat int64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded at %s tier: estimate %d msat, remaining %d msat",
		e.Tier, e.EstimateMsat, e.RemainingMsat)
}

// BackendError is an inference execution failure after payment. The job
// terminates Failed; refunds are an external concern.
type BackendError struct {
	Backend string
	Kind    JobKind
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s failed for kind %s: %v", e.Backend, e.Kind, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }
