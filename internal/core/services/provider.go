package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/meshcompute/meshd/internal/core/domain"
	"github.com/meshcompute/meshd/internal/core/ports"
)

// BackendRegistry resolves a healthy inference backend for a job kind.
type BackendRegistry interface {
	For(ctx context.Context, kind domain.JobKind) (ports.InferenceBackend, bool)
	Models() []string
}

// ProviderConfig tunes one provider engine instance.
type ProviderConfig struct {
	Identity          domain.AgentID
	Network           string
	Prices            map[domain.JobKind]int64 // msats per request, also the capability list
	InvoiceTTL        time.Duration
	PollInterval      time.Duration
	AnnounceInterval  time.Duration
	PaymentLookback   time.Duration
	MaxConcurrentJobs int64
}

func (c *ProviderConfig) defaults() {
	if c.InvoiceTTL <= 0 {
		c.InvoiceTTL = time.Hour
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.AnnounceInterval <= 0 {
		c.AnnounceInterval = 10 * time.Minute
	}
	if c.PaymentLookback <= 0 {
		c.PaymentLookback = 15 * time.Minute
	}
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 4
	}
}

// ProviderEngine sells compute: it consumes job requests addressed to its
// identity, issues invoices, matches payments, executes the backend, and
// publishes results. The subscription consumer and the payment poller are two
// cooperating tasks that communicate only through the job store.
type ProviderEngine struct {
	logger   *slog.Logger
	cfg      ProviderConfig
	net      ports.EventNetwork
	gateway  ports.PaymentGateway
	backends BackendRegistry
	store    ports.JobStore

	sem     *semaphore.Weighted
	polling atomic.Bool
	now     func() time.Time
}

func NewProviderEngine(logger *slog.Logger, cfg ProviderConfig, net ports.EventNetwork,
	gateway ports.PaymentGateway, backends BackendRegistry, store ports.JobStore) *ProviderEngine {
	cfg.defaults()
	return &ProviderEngine{
		logger:   logger,
		cfg:      cfg,
		net:      net,
		gateway:  gateway,
		backends: backends,
		store:    store,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrentJobs),
		now:      time.Now,
	}
}

// Run starts the subscription consumer, the payment/expiry poller, and the
// announcement loop. Blocks until ctx is cancelled or a task fails.
func (p *ProviderEngine) Run(ctx context.Context) error {
	p.ResumeInterrupted(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.consumeRequests(ctx) })
	g.Go(func() error { return p.pollLoop(ctx) })
	g.Go(func() error { return p.announceLoop(ctx) })
	return g.Wait()
}

// ResumeInterrupted re-dispatches jobs the previous process left in Paid or
// Processing. It must run before any new execution starts: only then is a
// Processing record guaranteed to be an orphan rather than a live goroutine.
func (p *ProviderEngine) ResumeInterrupted(ctx context.Context) {
	for _, status := range []domain.JobStatus{domain.JobPaid, domain.JobProcessing} {
		jobs, err := p.store.ListJobsByStatus(ctx, status)
		if err != nil {
			p.logger.Error("listing interrupted jobs failed", "status", status, "error", err)
			continue
		}
		for _, rec := range jobs {
			p.logger.Info("resuming interrupted job", "job_id", rec.ID, "status", status)
			go p.execute(ctx, rec)
		}
	}
}

func (p *ProviderEngine) consumeRequests(ctx context.Context) error {
	events, stop, err := p.net.Subscribe(ctx, ports.Filter{
		Kinds:       []domain.EventKind{domain.KindJobRequest},
		AddressedTo: p.cfg.Identity,
	})
	if err != nil {
		return fmt.Errorf("subscribe job requests: %w", err)
	}
	defer stop()

	p.logger.Info("provider listening for job requests", "identity", p.cfg.Identity)
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-events:
			if !ok {
				return nil
			}
			if err := p.handleRequest(ctx, env); err != nil {
				p.logger.Error("job request handling failed", "event_id", env.ID, "error", err)
			}
		}
	}
}

// jobRequestWire is the request payload on the network. The job id is the
// content-derived envelope id, not part of the payload.
type jobRequestWire struct {
	Kind          domain.JobKind `json:"kind"`
	SchemaVersion int            `json:"schema_version"`
	Input         string         `json:"input"`
	MaxBudgetMsat int64          `json:"max_budget_msat,omitempty"`
}

func (p *ProviderEngine) handleRequest(ctx context.Context, env domain.Envelope) error {
	var wire jobRequestWire
	if err := json.Unmarshal(env.Payload, &wire); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	jobID := domain.JobID(env.ID)
	if err := p.validate(ctx, wire); err != nil {
		p.logger.Info("rejecting job request", "job_id", jobID, "error", err)
		return p.publishFeedback(ctx, jobID, env.Author, domain.FeedbackPayload{
			JobID:   jobID,
			Status:  domain.FeedbackError,
			Message: err.Error(),
		})
	}

	req := domain.JobRequest{
		ID:            jobID,
		Requester:     env.Author,
		Provider:      p.cfg.Identity,
		Kind:          wire.Kind,
		SchemaVersion: wire.SchemaVersion,
		Input:         wire.Input,
		MaxBudgetMsat: wire.MaxBudgetMsat,
		CreatedAt:     env.CreatedAt,
	}

	inserted, err := p.store.IngestJob(ctx, domain.NewJobRecord(req, p.now()))
	if err != nil {
		return fmt.Errorf("ingest job %s: %w", jobID, err)
	}
	if !inserted {
		// Duplicate or replayed request. The record exists, possibly with an
		// invoice already out; never re-invoice.
		p.logger.Debug("duplicate job request ignored", "job_id", jobID)
		return nil
	}

	amount := p.cfg.Prices[wire.Kind]
	gw, err := p.gateway.CreateInvoice(ctx, amount, fmt.Sprintf("job %s", jobID), p.cfg.InvoiceTTL)
	if err != nil {
		// The job stays in Received for manual reconciliation; the customer
		// is told so it does not wait out the full grace period.
		_ = p.publishFeedback(ctx, jobID, req.Requester, domain.FeedbackPayload{
			JobID:   jobID,
			Status:  domain.FeedbackError,
			Message: "invoice creation failed",
		})
		return fmt.Errorf("create invoice for job %s: %w", jobID, err)
	}

	inv := domain.Invoice{
		ID:             domain.NewInvoiceID(),
		JobID:          jobID,
		AmountMsat:     amount,
		PaymentRequest: gw.PaymentRequest,
		PaymentHash:    gw.PaymentHash,
		Status:         domain.InvoicePending,
		CreatedAt:      p.now(),
		TTL:            p.cfg.InvoiceTTL,
	}
	if err := p.store.SaveInvoice(ctx, inv); err != nil {
		return fmt.Errorf("save invoice for job %s: %w", jobID, err)
	}

	if _, _, err := p.store.TransitionJob(ctx, jobID, domain.EventInvoiceCreated, func(r *domain.JobRecord) {
		r.InvoiceID = inv.ID
	}); err != nil {
		return err
	}

	if err := p.publishFeedback(ctx, jobID, req.Requester, domain.FeedbackPayload{
		JobID:          jobID,
		Status:         domain.FeedbackPaymentRequired,
		PaymentRequest: inv.PaymentRequest,
		PaymentHash:    inv.PaymentHash,
		AmountMsat:     inv.AmountMsat,
	}); err != nil {
		return err
	}

	_, _, err = p.store.TransitionJob(ctx, jobID, domain.EventInvoicePublished, nil)
	if err != nil {
		return err
	}
	p.logger.Info("invoice published", "job_id", jobID, "amount_msat", amount)
	return nil
}

func (p *ProviderEngine) validate(ctx context.Context, wire jobRequestWire) error {
	if wire.Input == "" {
		return fmt.Errorf("%w: empty input", domain.ErrInvalidPayload)
	}
	if wire.SchemaVersion != domain.SchemaVersion {
		return fmt.Errorf("%w: unsupported schema version %d", domain.ErrInvalidPayload, wire.SchemaVersion)
	}
	if _, ok := p.cfg.Prices[wire.Kind]; !ok {
		return fmt.Errorf("%w: kind %q not offered", domain.ErrInvalidPayload, wire.Kind)
	}
	if _, ok := p.backends.For(ctx, wire.Kind); !ok {
		return fmt.Errorf("%w: no healthy backend for kind %q", domain.ErrInvalidPayload, wire.Kind)
	}
	return nil
}

func (p *ProviderEngine) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// Re-entrancy guard: a slow pass must not overlap the next one.
			if !p.polling.CompareAndSwap(false, true) {
				continue
			}
			p.poll(ctx)
			p.polling.Store(false)
		}
	}
}

// poll runs one payment-matching and expiry pass. Exported for tests via
// RunPollOnce; every step is idempotent against replays.
func (p *ProviderEngine) poll(ctx context.Context) {
	now := p.now()
	p.sweepExpired(ctx, now)

	payments, err := p.gateway.ListRecentPayments(ctx, now.Add(-p.cfg.PaymentLookback))
	if err != nil {
		p.logger.Error("listing recent payments failed", "error", err)
		return
	}

	for _, obs := range payments {
		p.matchPayment(ctx, obs, now)
	}
}

// RunPollOnce executes a single poller pass synchronously.
func (p *ProviderEngine) RunPollOnce(ctx context.Context) {
	p.poll(ctx)
}

func (p *ProviderEngine) sweepExpired(ctx context.Context, now time.Time) {
	waiting, err := p.store.ListJobsByStatus(ctx, domain.JobAwaitingPayment)
	if err != nil {
		p.logger.Error("listing awaiting-payment jobs failed", "error", err)
		return
	}

	for _, job := range waiting {
		inv, err := p.store.GetInvoiceByJob(ctx, job.ID)
		if err != nil {
			p.logger.Error("loading invoice failed", "job_id", job.ID, "error", err)
			continue
		}
		if inv.Status != domain.InvoicePending || !inv.Expired(now) {
			continue
		}

		if err := p.store.UpdateInvoiceStatus(ctx, inv.ID, domain.InvoiceExpired, nil); err != nil {
			p.logger.Error("expiring invoice failed", "invoice_id", inv.ID, "error", err)
			continue
		}
		if _, changed, err := p.store.TransitionJob(ctx, job.ID, domain.EventInvoiceExpired, nil); err != nil {
			p.logger.Error("expiring job failed", "job_id", job.ID, "error", err)
			continue
		} else if !changed {
			continue
		}

		p.logger.Info("invoice expired without payment", "job_id", job.ID, "invoice_id", inv.ID)
		_ = p.publishFeedback(ctx, job.ID, job.Requester, domain.FeedbackPayload{
			JobID:   job.ID,
			Status:  domain.FeedbackExpired,
			Message: "invoice expired before payment",
		})
	}
}

// matchPayment binds an observation to its invoice by payment hash. Amounts
// never participate in matching; a payment settles a job only while that
// job's invoice is still pending.
func (p *ProviderEngine) matchPayment(ctx context.Context, obs domain.PaymentObservation, now time.Time) {
	inv, err := p.store.GetInvoiceByPaymentHash(ctx, obs.PaymentHash)
	if err != nil {
		if errors.Is(err, domain.ErrInvoiceNotFound) {
			return // payment unrelated to any of our jobs
		}
		p.logger.Error("invoice lookup failed", "payment_hash", obs.PaymentHash, "error", err)
		return
	}

	switch inv.Status {
	case domain.InvoicePaid:
		return // replayed observation, already settled
	case domain.InvoiceExpired, domain.InvoiceCancelled:
		p.logger.Warn("late or orphaned payment needs manual reconciliation",
			"job_id", inv.JobID, "invoice_id", inv.ID, "payment_hash", obs.PaymentHash,
			"invoice_status", inv.Status)
		return
	}

	if obs.AmountMsat < inv.AmountMsat {
		p.logger.Warn("partial payment ignored", "job_id", inv.JobID,
			"paid_msat", obs.AmountMsat, "due_msat", inv.AmountMsat)
		return
	}

	paidAt := obs.SettledAt
	if err := p.store.UpdateInvoiceStatus(ctx, inv.ID, domain.InvoicePaid, &paidAt); err != nil {
		p.logger.Error("marking invoice paid failed", "invoice_id", inv.ID, "error", err)
		return
	}
	rec, changed, err := p.store.TransitionJob(ctx, inv.JobID, domain.EventPaymentMatched, func(r *domain.JobRecord) {
		t := now
		r.PaidAt = &t
	})
	if err != nil {
		p.logger.Error("transition to paid failed", "job_id", inv.JobID, "error", err)
		return
	}
	if !changed {
		return
	}

	p.logger.Info("payment matched", "job_id", rec.ID, "amount_msat", obs.AmountMsat)
	go p.execute(ctx, rec)
}

func (p *ProviderEngine) execute(ctx context.Context, rec domain.JobRecord) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer p.sem.Release(1)

	// A resumed job is already in Processing; re-running the backend is the
	// recovery, so only a Paid job needs the transition.
	if rec.Status != domain.JobProcessing {
		if _, changed, err := p.store.TransitionJob(ctx, rec.ID, domain.EventExecutionStarted, nil); err != nil || !changed {
			return
		}
	}
	_ = p.publishFeedback(ctx, rec.ID, rec.Requester, domain.FeedbackPayload{
		JobID:  rec.ID,
		Status: domain.FeedbackProcessing,
	})

	backend, ok := p.backends.For(ctx, rec.Kind)
	if !ok {
		p.fail(ctx, rec, &domain.BackendError{Backend: "none", Kind: rec.Kind,
			Err: errors.New("no healthy backend")})
		return
	}

	output, err := backend.Complete(ctx, rec.Kind, rec.Input)
	if err != nil {
		p.fail(ctx, rec, &domain.BackendError{Backend: backend.Name(), Kind: rec.Kind, Err: err})
		return
	}

	now := p.now()
	if _, _, err := p.store.TransitionJob(ctx, rec.ID, domain.EventExecutionDone, func(r *domain.JobRecord) {
		r.Result = &output
		r.CompletedAt = &now
	}); err != nil {
		p.logger.Error("completing job failed", "job_id", rec.ID, "error", err)
		return
	}

	env, err := domain.NewEnvelope(domain.KindJobResult, p.cfg.Identity, rec.Requester,
		domain.ResultPayload{JobID: rec.ID, Output: output}, now)
	if err == nil {
		err = p.net.Publish(ctx, env)
	}
	if err != nil {
		p.logger.Error("publishing result failed", "job_id", rec.ID, "error", err)
		return
	}
	p.logger.Info("job completed", "job_id", rec.ID)
}

func (p *ProviderEngine) fail(ctx context.Context, rec domain.JobRecord, cause error) {
	p.logger.Error("job execution failed", "job_id", rec.ID, "error", cause)
	msg := cause.Error()
	if _, _, err := p.store.TransitionJob(ctx, rec.ID, domain.EventExecutionFailed, func(r *domain.JobRecord) {
		r.Error = &msg
	}); err != nil {
		p.logger.Error("failing job failed", "job_id", rec.ID, "error", err)
	}
	_ = p.publishFeedback(ctx, rec.ID, rec.Requester, domain.FeedbackPayload{
		JobID:   rec.ID,
		Status:  domain.FeedbackError,
		Message: msg,
	})
}

func (p *ProviderEngine) announceLoop(ctx context.Context) error {
	if err := p.announce(ctx); err != nil {
		p.logger.Error("initial announcement failed", "error", err)
	}

	ticker := time.NewTicker(p.cfg.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.announce(ctx); err != nil {
				p.logger.Error("announcement failed", "error", err)
			}
		}
	}
}

// Announce publishes the provider's capability and price schedule once.
func (p *ProviderEngine) Announce(ctx context.Context) error {
	return p.announce(ctx)
}

func (p *ProviderEngine) announce(ctx context.Context) error {
	kinds := make([]domain.JobKind, 0, len(p.cfg.Prices))
	prices := make([]domain.PriceQuote, 0, len(p.cfg.Prices))
	for kind, amount := range p.cfg.Prices {
		kinds = append(kinds, kind)
		prices = append(prices, domain.PriceQuote{Kind: kind, AmountMsat: amount})
	}

	ann := domain.ProviderAnnouncement{
		Provider:    p.cfg.Identity,
		Kinds:       kinds,
		Prices:      prices,
		Network:     p.cfg.Network,
		Capacity:    int(p.cfg.MaxConcurrentJobs),
		Models:      p.backends.Models(),
		PublishedAt: p.now(),
	}
	env, err := domain.NewEnvelope(domain.KindProviderAnnouncement, p.cfg.Identity, "", ann, p.now())
	if err != nil {
		return err
	}
	return p.net.Publish(ctx, env)
}

func (p *ProviderEngine) publishFeedback(ctx context.Context, jobID domain.JobID,
	to domain.AgentID, payload domain.FeedbackPayload) error {
	env, err := domain.NewEnvelope(domain.KindStatusFeedback, p.cfg.Identity, to, payload, p.now())
	if err != nil {
		return err
	}
	if err := p.net.Publish(ctx, env); err != nil {
		return fmt.Errorf("publish feedback for job %s: %w", jobID, err)
	}
	return nil
}
