package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meshcompute/meshd/internal/core/domain"
	"github.com/meshcompute/meshd/internal/core/ports"
)

// fakeNetwork is an in-memory event bus delivering published envelopes to
// matching subscriptions.
type fakeNetwork struct {
	mu        sync.Mutex
	subs      map[int]*fakeSub
	nextID    int
	published []domain.Envelope
}

type fakeSub struct {
	filter ports.Filter
	ch     chan domain.Envelope
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{subs: make(map[int]*fakeSub)}
}

func (n *fakeNetwork) Publish(ctx context.Context, env domain.Envelope) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.published = append(n.published, env)
	for _, s := range n.subs {
		if filterMatches(s.filter, env) {
			select {
			case s.ch <- env:
			default:
			}
		}
	}
	return nil
}

func (n *fakeNetwork) Subscribe(ctx context.Context, f ports.Filter) (<-chan domain.Envelope, func(), error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	id := n.nextID
	sub := &fakeSub{filter: f, ch: make(chan domain.Envelope, 64)}
	n.subs[id] = sub
	stop := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if s, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, stop, nil
}

func (n *fakeNetwork) publishedOfKind(kind domain.EventKind) []domain.Envelope {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []domain.Envelope
	for _, env := range n.published {
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

func filterMatches(f ports.Filter, env domain.Envelope) bool {
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if env.Kind == k {
				ok = true
			}
		}
		if !ok {
			return false
		}
	}
	if f.AddressedTo != "" && env.Recipient != f.AddressedTo {
		return false
	}
	if len(f.Authors) > 0 {
		ok := false
		for _, a := range f.Authors {
			if env.Author == a {
				ok = true
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// memStore is an in-memory JobStore and AgentStore with the same transition
// and invoice-uniqueness semantics as the DuckDB repository.
type memStore struct {
	mu           sync.Mutex
	jobs         map[domain.JobID]domain.JobRecord
	invoices     map[domain.InvoiceID]domain.Invoice
	agents       map[domain.AgentID]domain.AgentState
	trajectories []domain.TrajectoryRecord
}

var (
	_ ports.JobStore   = (*memStore)(nil)
	_ ports.AgentStore = (*memStore)(nil)
)

func newMemStore() *memStore {
	return &memStore{
		jobs:     make(map[domain.JobID]domain.JobRecord),
		invoices: make(map[domain.InvoiceID]domain.Invoice),
		agents:   make(map[domain.AgentID]domain.AgentState),
	}
}

func (s *memStore) IngestJob(ctx context.Context, rec domain.JobRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[rec.ID]; ok {
		return false, nil
	}
	s.jobs[rec.ID] = rec
	return true, nil
}

func (s *memStore) GetJob(ctx context.Context, id domain.JobID) (domain.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return domain.JobRecord{}, domain.ErrJobNotFound
	}
	return rec, nil
}

func (s *memStore) ListJobsByStatus(ctx context.Context, status domain.JobStatus) ([]domain.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.JobRecord
	for _, rec := range s.jobs {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memStore) ListJobs(ctx context.Context, limit int) ([]domain.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.JobRecord
	for _, rec := range s.jobs {
		out = append(out, rec)
	}
	return out, nil
}

func (s *memStore) TransitionJob(ctx context.Context, id domain.JobID, event domain.JobEvent,
	mutate func(*domain.JobRecord)) (domain.JobRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return domain.JobRecord{}, false, domain.ErrJobNotFound
	}
	next, err := domain.Apply(rec.Status, event)
	if err != nil {
		return rec, false, err
	}
	if next == rec.Status {
		return rec, false, nil
	}
	rec.Status = next
	rec.UpdatedAt = time.Now()
	if mutate != nil {
		mutate(&rec)
	}
	s.jobs[id] = rec
	return rec, true, nil
}

func (s *memStore) SaveInvoice(ctx context.Context, inv domain.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.invoices {
		if existing.JobID == inv.JobID && existing.Status == domain.InvoicePending {
			return domain.ErrInvoiceConflict
		}
	}
	s.invoices[inv.ID] = inv
	return nil
}

func (s *memStore) GetInvoice(ctx context.Context, id domain.InvoiceID) (domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return domain.Invoice{}, domain.ErrInvoiceNotFound
	}
	return inv, nil
}

func (s *memStore) GetInvoiceByJob(ctx context.Context, jobID domain.JobID) (domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range s.invoices {
		if inv.JobID == jobID && inv.Status != domain.InvoiceCancelled {
			return inv, nil
		}
	}
	return domain.Invoice{}, domain.ErrInvoiceNotFound
}

func (s *memStore) GetInvoiceByPaymentHash(ctx context.Context, hash domain.PaymentHash) (domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range s.invoices {
		if inv.PaymentHash == hash {
			return inv, nil
		}
	}
	return domain.Invoice{}, domain.ErrInvoiceNotFound
}

func (s *memStore) UpdateInvoiceStatus(ctx context.Context, id domain.InvoiceID,
	status domain.InvoiceStatus, paidAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return domain.ErrInvoiceNotFound
	}
	inv.Status = status
	inv.PaidAt = paidAt
	s.invoices[id] = inv
	return nil
}

func (s *memStore) SaveAgentState(ctx context.Context, state domain.AgentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[state.ID] = state
	return nil
}

func (s *memStore) GetAgentState(ctx context.Context, id domain.AgentID) (domain.AgentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.agents[id]
	if !ok {
		return domain.AgentState{}, domain.ErrAgentNotFound
	}
	return state, nil
}

func (s *memStore) AppendTrajectory(ctx context.Context, rec domain.TrajectoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trajectories = append(s.trajectories, rec)
	return nil
}

func (s *memStore) ListTrajectories(ctx context.Context, id domain.AgentID, limit int) ([]domain.TrajectoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TrajectoryRecord
	for _, rec := range s.trajectories {
		if rec.AgentID == id {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memStore) invoiceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.invoices)
}

// fakeGateway simulates the wallet daemon. Paying an invoice makes the
// settlement visible through ListRecentPayments.
type fakeGateway struct {
	mu         sync.Mutex
	balance    int64
	balanceErr error
	createErr  error
	nextHash   int
	invoices   map[string]ports.GatewayInvoice // by payment request
	payments   []domain.PaymentObservation
	created    int
}

func newFakeGateway(balance int64) *fakeGateway {
	return &fakeGateway{balance: balance, invoices: make(map[string]ports.GatewayInvoice)}
}

func (g *fakeGateway) CreateInvoice(ctx context.Context, amountMsat int64, memo string, ttl time.Duration) (ports.GatewayInvoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return ports.GatewayInvoice{}, g.createErr
	}
	g.nextHash++
	g.created++
	inv := ports.GatewayInvoice{
		PaymentRequest: fmt.Sprintf("lnbc-%d", g.nextHash),
		PaymentHash:    domain.PaymentHash(fmt.Sprintf("hash-%d", g.nextHash)),
		AmountMsat:     amountMsat,
		ExpiresAt:      time.Now().Add(ttl),
	}
	g.invoices[inv.PaymentRequest] = inv
	return inv, nil
}

func (g *fakeGateway) ListRecentPayments(ctx context.Context, since time.Time) ([]domain.PaymentObservation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.PaymentObservation, len(g.payments))
	copy(out, g.payments)
	return out, nil
}

func (g *fakeGateway) SendPayment(ctx context.Context, paymentRequest string) (domain.PaymentObservation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	inv, ok := g.invoices[paymentRequest]
	if !ok {
		return domain.PaymentObservation{}, fmt.Errorf("unknown payment request %q", paymentRequest)
	}
	obs := domain.PaymentObservation{
		PaymentHash: inv.PaymentHash,
		AmountMsat:  inv.AmountMsat,
		SettledAt:   time.Now(),
	}
	g.payments = append(g.payments, obs)
	g.balance -= obs.AmountMsat
	return obs, nil
}

func (g *fakeGateway) Balance(ctx context.Context) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.balanceErr != nil {
		return 0, g.balanceErr
	}
	return g.balance, nil
}

// settle injects a settlement observation directly, as if the payer used
// another wallet.
func (g *fakeGateway) settle(hash domain.PaymentHash, amountMsat int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payments = append(g.payments, domain.PaymentObservation{
		PaymentHash: hash,
		AmountMsat:  amountMsat,
		SettledAt:   time.Now(),
	})
}

// fakeBackend is a scripted inference backend.
type fakeBackend struct {
	name    string
	healthy bool
	output  string
	err     error
}

func (b *fakeBackend) Name() string                     { return b.name }
func (b *fakeBackend) Healthy(ctx context.Context) bool { return b.healthy }

func (b *fakeBackend) Complete(ctx context.Context, kind domain.JobKind, input string) (string, error) {
	return b.output, b.err
}

// fakeRegistry serves one backend per kind.
type fakeRegistry struct {
	backends map[domain.JobKind]ports.InferenceBackend
}

func (r *fakeRegistry) For(ctx context.Context, kind domain.JobKind) (ports.InferenceBackend, bool) {
	b, ok := r.backends[kind]
	if !ok || !b.Healthy(ctx) {
		return nil, false
	}
	return b, true
}

func (r *fakeRegistry) Models() []string {
	var out []string
	for _, b := range r.backends {
		out = append(out, b.Name())
	}
	return out
}

// fakeReasoner returns a scripted plan.
type fakeReasoner struct {
	plan Plan
	err  error
}

func (r *fakeReasoner) Plan(ctx context.Context, state domain.AgentState, observations string) (Plan, error) {
	return r.plan, r.err
}
