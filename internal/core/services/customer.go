package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/meshcompute/meshd/internal/core/domain"
	"github.com/meshcompute/meshd/internal/core/ports"
)

// CustomerConfig tunes discovery and wait bounds.
type CustomerConfig struct {
	Identity        domain.AgentID
	Network         string
	DiscoveryWindow time.Duration
	InvoiceGrace    time.Duration
	ResultTimeout   time.Duration
	MaxCandidates   int
}

func (c *CustomerConfig) defaults() {
	if c.DiscoveryWindow <= 0 {
		c.DiscoveryWindow = 3 * time.Second
	}
	if c.InvoiceGrace <= 0 {
		c.InvoiceGrace = 15 * time.Second
	}
	if c.ResultTimeout <= 0 {
		c.ResultTimeout = 2 * time.Minute
	}
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = 3
	}
}

// PurchaseRequest asks for one paid compute job.
type PurchaseRequest struct {
	Kind         domain.JobKind
	Input        string
	MaxPriceMsat int64
}

// PurchaseResult is a completed, paid-for job.
type PurchaseResult struct {
	JobID       domain.JobID
	Provider    domain.AgentID
	Output      string
	CostMsat    int64
	PaymentHash domain.PaymentHash
}

// PaidPurchaseError reports a purchase that failed after the invoice was
// paid. CostMsat already left the wallet; callers must charge it against
// their budget even though no result arrived.
type PaidPurchaseError struct {
	JobID       domain.JobID
	Provider    domain.AgentID
	CostMsat    int64
	PaymentHash domain.PaymentHash
	Err         error
}

func (e *PaidPurchaseError) Error() string {
	return fmt.Sprintf("job %s: paid %d msat to %s without delivery: %v",
		e.JobID, e.CostMsat, e.Provider, e.Err)
}

func (e *PaidPurchaseError) Unwrap() error { return e.Err }

type providerStats struct {
	successes int
	failures  int
}

func (s providerStats) rate() float64 {
	total := s.successes + s.failures
	if total == 0 {
		return 0.5 // unknown providers sort between proven and burned ones
	}
	return float64(s.successes) / float64(total)
}

// CustomerEngine buys compute: it discovers providers, submits a job request,
// pays the invoice, and awaits the result under a bound.
type CustomerEngine struct {
	logger  *slog.Logger
	cfg     CustomerConfig
	net     ports.EventNetwork
	gateway ports.PaymentGateway

	mu    sync.Mutex
	stats map[domain.AgentID]*providerStats
	now   func() time.Time
}

func NewCustomerEngine(logger *slog.Logger, cfg CustomerConfig, net ports.EventNetwork,
	gateway ports.PaymentGateway) *CustomerEngine {
	cfg.defaults()
	return &CustomerEngine{
		logger:  logger,
		cfg:     cfg,
		net:     net,
		gateway: gateway,
		stats:   make(map[domain.AgentID]*providerStats),
		now:     time.Now,
	}
}

// Discover collects provider announcements for the kind and network during
// the discovery window, deduplicated per provider (latest wins) and ordered
// by price then historical success rate. ErrNoProvider when none qualify.
func (c *CustomerEngine) Discover(ctx context.Context, kind domain.JobKind,
	maxPriceMsat int64) ([]domain.ProviderAnnouncement, error) {

	events, stop, err := c.net.Subscribe(ctx, ports.Filter{
		Kinds: []domain.EventKind{domain.KindProviderAnnouncement},
		Since: c.now().Add(-24 * time.Hour),
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe announcements: %w", err)
	}
	defer stop()

	byProvider := make(map[domain.AgentID]domain.ProviderAnnouncement)
	deadline := time.NewTimer(c.cfg.DiscoveryWindow)
	defer deadline.Stop()

collect:
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			break collect
		case env, ok := <-events:
			if !ok {
				break collect
			}
			var ann domain.ProviderAnnouncement
			if err := json.Unmarshal(env.Payload, &ann); err != nil {
				continue
			}
			if prev, seen := byProvider[ann.Provider]; seen && prev.PublishedAt.After(ann.PublishedAt) {
				continue
			}
			byProvider[ann.Provider] = ann
		}
	}

	var candidates []domain.ProviderAnnouncement
	for _, ann := range byProvider {
		if !ann.Supports(kind) || ann.Network != c.cfg.Network {
			continue
		}
		price := ann.PriceFor(kind)
		if price < 0 || (maxPriceMsat > 0 && price > maxPriceMsat) {
			continue
		}
		candidates = append(candidates, ann)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: kind %q on network %q", domain.ErrNoProvider, kind, c.cfg.Network)
	}

	c.mu.Lock()
	sort.Slice(candidates, func(i, j int) bool {
		pi, pj := candidates[i].PriceFor(kind), candidates[j].PriceFor(kind)
		if pi != pj {
			return pi < pj
		}
		return c.statsLocked(candidates[i].Provider).rate() > c.statsLocked(candidates[j].Provider).rate()
	})
	c.mu.Unlock()

	return candidates, nil
}

// Purchase runs the full buy flow. A provider that never issues an invoice
// within the grace period is abandoned and the next candidate is tried; any
// other failure is returned as-is.
func (c *CustomerEngine) Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	candidates, err := c.Discover(ctx, req.Kind, req.MaxPriceMsat)
	if err != nil {
		return nil, err
	}
	if len(candidates) > c.cfg.MaxCandidates {
		candidates = candidates[:c.cfg.MaxCandidates]
	}

	var lastErr error
	for _, cand := range candidates {
		res, err := c.attempt(ctx, cand, req)
		if err == nil {
			c.record(cand.Provider, true)
			return res, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Our own cancellation, not the provider's fault; leave its
			// success rate alone.
			return nil, err
		}
		c.record(cand.Provider, false)
		if errors.Is(err, domain.ErrInvoiceTimeout) {
			c.logger.Warn("provider issued no invoice, trying next candidate",
				"provider", cand.Provider)
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

func (c *CustomerEngine) attempt(ctx context.Context, ann domain.ProviderAnnouncement,
	req PurchaseRequest) (*PurchaseResult, error) {

	// Subscribe before publishing so no feedback can slip past.
	events, stop, err := c.net.Subscribe(ctx, ports.Filter{
		Kinds:       []domain.EventKind{domain.KindStatusFeedback, domain.KindJobResult},
		AddressedTo: c.cfg.Identity,
		Authors:     []domain.AgentID{ann.Provider},
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe responses: %w", err)
	}
	defer stop()

	env, err := domain.NewEnvelope(domain.KindJobRequest, c.cfg.Identity, ann.Provider, jobRequestWire{
		Kind:          req.Kind,
		SchemaVersion: domain.SchemaVersion,
		Input:         req.Input,
		MaxBudgetMsat: req.MaxPriceMsat,
	}, c.now())
	if err != nil {
		return nil, err
	}
	jobID := domain.JobID(env.ID)

	if err := c.net.Publish(ctx, env); err != nil {
		return nil, fmt.Errorf("publish job request: %w", err)
	}
	c.logger.Info("job request published", "job_id", jobID, "provider", ann.Provider)

	invoice, err := c.awaitInvoice(ctx, events, jobID)
	if err != nil {
		return nil, err
	}
	if req.MaxPriceMsat > 0 && invoice.AmountMsat > req.MaxPriceMsat {
		return nil, fmt.Errorf("invoice for job %s asks %d msat, above limit %d",
			jobID, invoice.AmountMsat, req.MaxPriceMsat)
	}

	obs, err := c.gateway.SendPayment(ctx, invoice.PaymentRequest)
	if err != nil {
		return nil, fmt.Errorf("pay invoice for job %s: %w", jobID, err)
	}
	c.logger.Info("invoice paid", "job_id", jobID, "amount_msat", obs.AmountMsat)

	ack, err := domain.NewEnvelope(domain.KindPaymentAck, c.cfg.Identity, ann.Provider,
		domain.PaymentAckPayload{JobID: jobID, PaymentHash: obs.PaymentHash}, c.now())
	if err == nil {
		// Best effort; the provider settles from gateway observations anyway.
		_ = c.net.Publish(ctx, ack)
	}

	output, err := c.awaitResult(ctx, events, jobID)
	if err != nil {
		// The invoice is already settled; surface the real spend so the
		// caller's budget accounting records msats that left the wallet.
		return nil, &PaidPurchaseError{
			JobID:       jobID,
			Provider:    ann.Provider,
			CostMsat:    obs.AmountMsat,
			PaymentHash: obs.PaymentHash,
			Err:         err,
		}
	}

	return &PurchaseResult{
		JobID:       jobID,
		Provider:    ann.Provider,
		Output:      output,
		CostMsat:    obs.AmountMsat,
		PaymentHash: obs.PaymentHash,
	}, nil
}

// awaitInvoice waits for a payment-required feedback carrying this job id.
// An invoice that cannot be tied to the outstanding request is never paid.
func (c *CustomerEngine) awaitInvoice(ctx context.Context, events <-chan domain.Envelope,
	jobID domain.JobID) (domain.FeedbackPayload, error) {

	grace := time.NewTimer(c.cfg.InvoiceGrace)
	defer grace.Stop()

	for {
		select {
		case <-ctx.Done():
			return domain.FeedbackPayload{}, ctx.Err()
		case <-grace.C:
			return domain.FeedbackPayload{}, fmt.Errorf("%w: job %s", domain.ErrInvoiceTimeout, jobID)
		case env, ok := <-events:
			if !ok {
				return domain.FeedbackPayload{}, fmt.Errorf("%w: job %s", domain.ErrInvoiceTimeout, jobID)
			}
			if env.Kind != domain.KindStatusFeedback {
				continue
			}
			var fb domain.FeedbackPayload
			if err := json.Unmarshal(env.Payload, &fb); err != nil || fb.JobID != jobID {
				continue
			}
			switch fb.Status {
			case domain.FeedbackPaymentRequired:
				if fb.PaymentRequest == "" {
					return domain.FeedbackPayload{}, fmt.Errorf("job %s: payment required but invoice missing", jobID)
				}
				return fb, nil
			case domain.FeedbackError:
				return domain.FeedbackPayload{}, fmt.Errorf("%w: provider rejected job %s: %s",
					domain.ErrInvalidPayload, jobID, fb.Message)
			}
		}
	}
}

// awaitResult waits for the result or a terminal feedback, bounded by the
// configured result timeout. On timeout only the local wait is cancelled.
func (c *CustomerEngine) awaitResult(ctx context.Context, events <-chan domain.Envelope,
	jobID domain.JobID) (string, error) {

	deadline := time.NewTimer(c.cfg.ResultTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", fmt.Errorf("%w: job %s", domain.ErrResultTimeout, jobID)
		case env, ok := <-events:
			if !ok {
				return "", fmt.Errorf("%w: job %s", domain.ErrResultTimeout, jobID)
			}
			switch env.Kind {
			case domain.KindJobResult:
				var res domain.ResultPayload
				if err := json.Unmarshal(env.Payload, &res); err != nil || res.JobID != jobID {
					continue
				}
				return res.Output, nil
			case domain.KindStatusFeedback:
				var fb domain.FeedbackPayload
				if err := json.Unmarshal(env.Payload, &fb); err != nil || fb.JobID != jobID {
					continue
				}
				if fb.Status.Terminal() {
					return "", fmt.Errorf("job %s ended %s: %s", jobID, fb.Status, fb.Message)
				}
			}
		}
	}
}

func (c *CustomerEngine) record(provider domain.AgentID, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.statsLocked(provider)
	if success {
		s.successes++
	} else {
		s.failures++
	}
}

func (c *CustomerEngine) statsLocked(provider domain.AgentID) *providerStats {
	s, ok := c.stats[provider]
	if !ok {
		s = &providerStats{}
		c.stats[provider] = s
	}
	return s
}
