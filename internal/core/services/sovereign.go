package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/meshcompute/meshd/internal/core/domain"
	"github.com/meshcompute/meshd/internal/core/ports"
)

// Trigger reasons for a tick.
const (
	TriggerHeartbeat = "heartbeat"
	TriggerMessage   = "message"
	TriggerFunding   = "funding"
)

// TickTrigger is one reason to run the agent loop.
type TickTrigger struct {
	Reason string
	Detail string
	At     time.Time
}

// SovereignConfig tunes one agent's tick loop.
type SovereignConfig struct {
	AgentID          domain.AgentID
	Goal             string
	Heartbeat        string // cron expression, e.g. "@every 5m"
	Caps             BudgetCaps
	Thresholds       domain.LifecycleThresholds
	TickEstimateMsat int64 // reserved up front for one tick's purchases
}

func (c *SovereignConfig) defaults() {
	if c.Heartbeat == "" {
		c.Heartbeat = "@every 5m"
	}
	if c.Thresholds == (domain.LifecycleThresholds{}) {
		c.Thresholds = domain.DefaultLifecycleThresholds()
	}
	if c.TickEstimateMsat <= 0 {
		c.TickEstimateMsat = 50_000
	}
}

// SovereignAgent drives one agent: lifecycle from wallet solvency, budget
// guarding, reasoning, and paid compute purchases, persisting state and an
// audit trajectory after every tick.
//
// All trigger sources are merged into one channel consumed by a single
// goroutine, so at most one tick runs at a time for the agent. Concurrent
// ticks would double-spend budget and race state writes.
type SovereignAgent struct {
	logger   *slog.Logger
	cfg      SovereignConfig
	store    ports.AgentStore
	gateway  ports.PaymentGateway
	customer *CustomerEngine
	reasoner Reasoner
	net      ports.EventNetwork

	triggers chan TickTrigger
	now      func() time.Time
}

func NewSovereignAgent(logger *slog.Logger, cfg SovereignConfig, store ports.AgentStore,
	gateway ports.PaymentGateway, customer *CustomerEngine, reasoner Reasoner,
	net ports.EventNetwork) *SovereignAgent {
	cfg.defaults()
	return &SovereignAgent{
		logger:   logger,
		cfg:      cfg,
		store:    store,
		gateway:  gateway,
		customer: customer,
		reasoner: reasoner,
		net:      net,
		triggers: make(chan TickTrigger, 16),
		now:      time.Now,
	}
}

// Trigger enqueues an external tick trigger. Drops when the queue is full;
// a pending heartbeat will cover the missed wake-up.
func (a *SovereignAgent) Trigger(t TickTrigger) {
	select {
	case a.triggers <- t:
	default:
		a.logger.Warn("trigger queue full, dropping", "reason", t.Reason)
	}
}

// Run starts the heartbeat schedule and the inbound-message watcher, then
// consumes the merged trigger stream until ctx is cancelled.
func (a *SovereignAgent) Run(ctx context.Context) error {
	if err := a.ensureState(ctx); err != nil {
		return err
	}

	sched := cron.New()
	if _, err := sched.AddFunc(a.cfg.Heartbeat, func() {
		a.Trigger(TickTrigger{Reason: TriggerHeartbeat, At: a.now()})
	}); err != nil {
		return fmt.Errorf("invalid heartbeat schedule %q: %w", a.cfg.Heartbeat, err)
	}
	sched.Start()
	defer sched.Stop()

	events, stop, err := a.net.Subscribe(ctx, ports.Filter{
		AddressedTo: a.cfg.AgentID,
	})
	if err != nil {
		return fmt.Errorf("subscribe agent inbox: %w", err)
	}
	defer stop()

	a.logger.Info("sovereign agent running", "agent_id", a.cfg.AgentID, "heartbeat", a.cfg.Heartbeat)
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-events:
			if !ok {
				return nil
			}
			a.Trigger(TickTrigger{Reason: TriggerMessage, Detail: string(env.Kind), At: a.now()})
		case trig := <-a.triggers:
			a.tick(ctx, trig)
		}
	}
}

// ensureState seeds a Spawning agent record on first run.
func (a *SovereignAgent) ensureState(ctx context.Context) error {
	_, err := a.store.GetAgentState(ctx, a.cfg.AgentID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrAgentNotFound) {
		return err
	}
	state := domain.AgentState{
		ID:        a.cfg.AgentID,
		Lifecycle: domain.LifecycleSpawning,
		Goal:      a.cfg.Goal,
		Schedule:  domain.Schedule{Heartbeat: a.cfg.Heartbeat},
		Budget:    domain.BudgetCounters{DayStart: a.now().UTC().Truncate(24 * time.Hour)},
		UpdatedAt: a.now(),
	}
	return a.store.SaveAgentState(ctx, state)
}

// RunTickOnce executes a single tick synchronously.
func (a *SovereignAgent) RunTickOnce(ctx context.Context, trig TickTrigger) {
	a.tick(ctx, trig)
}

func (a *SovereignAgent) tick(ctx context.Context, trig TickTrigger) {
	state, err := a.store.GetAgentState(ctx, a.cfg.AgentID)
	if err != nil {
		a.logger.Error("loading agent state failed, tick aborted", "error", err)
		return
	}
	if state.Lifecycle.Terminal() {
		return
	}

	traj := domain.TrajectoryRecord{
		TickID:     domain.NewTickID(),
		AgentID:    a.cfg.AgentID,
		Trigger:    trig.Reason,
		RecordedAt: a.now(),
	}

	balance, err := a.gateway.Balance(ctx)
	if err != nil {
		a.logger.Error("balance check failed, tick aborted", "error", err)
		traj.Outcome = "balance check failed: " + err.Error()
		a.finish(ctx, state, traj)
		return
	}
	state.BalanceMsat = balance
	state.Lifecycle = domain.EvaluateLifecycle(state, false, a.cfg.Thresholds)
	traj.Observations = fmt.Sprintf("trigger=%s balance=%d msat lifecycle=%s",
		trig.Reason, balance, state.Lifecycle)

	if state.Lifecycle == domain.LifecycleDead {
		a.logger.Warn("agent is out of funds", "agent_id", a.cfg.AgentID)
		traj.Outcome = "dead: balance exhausted"
		a.finish(ctx, state, traj)
		return
	}
	if state.Lifecycle == domain.LifecycleHibernating &&
		trig.Reason != TriggerFunding && trig.Reason != TriggerMessage {
		traj.Outcome = "hibernating: heartbeat skipped"
		a.finish(ctx, state, traj)
		return
	}

	guard := NewBudgetGuard(a.logger, a.cfg.Caps, &state.Budget)
	guard.ResetTick()
	reservation, err := guard.Reserve(a.cfg.TickEstimateMsat)
	if err != nil {
		var exceeded *domain.BudgetExceededError
		if errors.As(err, &exceeded) {
			traj.Outcome = "budget exceeded: " + exceeded.Error()
		} else {
			traj.Outcome = "budget reservation failed: " + err.Error()
		}
		a.finish(ctx, state, traj)
		return
	}

	plan, err := a.reasoner.Plan(ctx, state, traj.Observations)
	if err != nil {
		guard.Release(reservation)
		traj.Outcome = "reasoning failed: " + err.Error()
		a.finish(ctx, state, traj)
		return
	}
	traj.Reasoning = plan.Summary

	remaining := reservation.EstimateMsat
	var totalCost int64
	for _, step := range plan.Steps {
		switch step.Action {
		case "compute":
			if step.EstimateMsat > remaining {
				traj.Actions = append(traj.Actions,
					fmt.Sprintf("skipped %s: estimate %d msat over tick reservation", step.Kind, step.EstimateMsat))
				continue
			}
			res, err := a.customer.Purchase(ctx, PurchaseRequest{
				Kind:         step.Kind,
				Input:        step.Input,
				MaxPriceMsat: step.EstimateMsat,
			})
			if err != nil {
				// A paid-but-undelivered job is still real spend; charging
				// it keeps the caps honest against a non-delivering provider.
				var paid *PaidPurchaseError
				if errors.As(err, &paid) {
					remaining -= paid.CostMsat
					totalCost += paid.CostMsat
					traj.JobIDs = append(traj.JobIDs, paid.JobID)
				}
				traj.Actions = append(traj.Actions,
					fmt.Sprintf("purchase %s failed: %v", step.Kind, err))
				continue
			}
			remaining -= res.CostMsat
			totalCost += res.CostMsat
			traj.JobIDs = append(traj.JobIDs, res.JobID)
			traj.Actions = append(traj.Actions,
				fmt.Sprintf("purchased %s from %s for %d msat", step.Kind, res.Provider, res.CostMsat))
		case "note":
			traj.Actions = append(traj.Actions, "note: "+step.Note)
		default:
			traj.Actions = append(traj.Actions, "ignored unknown action "+step.Action)
		}
	}
	guard.Commit(reservation, totalCost)
	traj.CostMsat = totalCost
	traj.Outcome = "ok"

	state.TickCount++
	state.DailyBurnMsat = state.Budget.DaySpentMsat
	a.finish(ctx, state, traj)
}

// finish persists state and appends the trajectory. Every tick is recorded,
// successful or not, so the trail stays auditable.
func (a *SovereignAgent) finish(ctx context.Context, state domain.AgentState, traj domain.TrajectoryRecord) {
	state.UpdatedAt = a.now()
	if err := a.store.SaveAgentState(ctx, state); err != nil {
		a.logger.Error("persisting agent state failed", "agent_id", state.ID, "error", err)
	}
	if err := a.store.AppendTrajectory(ctx, traj); err != nil {
		a.logger.Error("appending trajectory failed", "tick_id", traj.TickID, "error", err)
	}
	a.logger.Info("tick finished", "tick_id", traj.TickID, "outcome", traj.Outcome,
		"cost_msat", traj.CostMsat, "lifecycle", state.Lifecycle)
}
