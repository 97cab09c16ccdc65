package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshcompute/meshd/internal/core/domain"
)

type sovereignHarness struct {
	agent   *SovereignAgent
	net     *fakeNetwork
	gateway *fakeGateway
	store   *memStore
}

func newSovereignHarness(t *testing.T, balanceMsat int64, reasoner Reasoner) *sovereignHarness {
	t.Helper()
	net := newFakeNetwork()
	gateway := newFakeGateway(balanceMsat)
	store := newMemStore()

	customer := NewCustomerEngine(testLogger(), CustomerConfig{
		Identity:        "agent-1",
		Network:         "regtest",
		DiscoveryWindow: 100 * time.Millisecond,
		InvoiceGrace:    300 * time.Millisecond,
		ResultTimeout:   2 * time.Second,
	}, net, gateway)

	agent := NewSovereignAgent(testLogger(), SovereignConfig{
		AgentID:          "agent-1",
		Goal:             "stay solvent",
		Caps:             BudgetCaps{PerTickMsat: 50_000},
		TickEstimateMsat: 50_000,
	}, store, gateway, customer, reasoner, net)

	require.NoError(t, agent.ensureState(context.Background()))
	return &sovereignHarness{agent: agent, net: net, gateway: gateway, store: store}
}

func (h *sovereignHarness) state(t *testing.T) domain.AgentState {
	t.Helper()
	state, err := h.store.GetAgentState(context.Background(), "agent-1")
	require.NoError(t, err)
	return state
}

func TestSovereignAgent_FirstTickActivates(t *testing.T) {
	h := newSovereignHarness(t, 1_000_000, &fakeReasoner{plan: Plan{Summary: "nothing to do"}})

	h.agent.RunTickOnce(context.Background(), TickTrigger{Reason: TriggerHeartbeat})

	state := h.state(t)
	assert.Equal(t, domain.LifecycleActive, state.Lifecycle)
	assert.Equal(t, int64(1_000_000), state.BalanceMsat)
	assert.Equal(t, int64(1), state.TickCount)

	require.Len(t, h.store.trajectories, 1)
	traj := h.store.trajectories[0]
	assert.Equal(t, "ok", traj.Outcome)
	assert.Equal(t, TriggerHeartbeat, traj.Trigger)
	assert.Equal(t, "nothing to do", traj.Reasoning)
}

func TestSovereignAgent_DiesWhenBroke(t *testing.T) {
	h := newSovereignHarness(t, 0, &fakeReasoner{})

	h.agent.RunTickOnce(context.Background(), TickTrigger{Reason: TriggerHeartbeat})
	assert.Equal(t, domain.LifecycleDead, h.state(t).Lifecycle)
	require.Len(t, h.store.trajectories, 1)
	assert.Contains(t, h.store.trajectories[0].Outcome, "dead")

	// Dead is terminal: further ticks do nothing.
	h.agent.RunTickOnce(context.Background(), TickTrigger{Reason: TriggerFunding})
	assert.Len(t, h.store.trajectories, 1)
}

func TestSovereignAgent_HibernatesBelowFloor(t *testing.T) {
	h := newSovereignHarness(t, 5_000, &fakeReasoner{plan: Plan{Summary: "idle"}})

	h.agent.RunTickOnce(context.Background(), TickTrigger{Reason: TriggerHeartbeat})
	state := h.state(t)
	assert.Equal(t, domain.LifecycleHibernating, state.Lifecycle)
	require.Len(t, h.store.trajectories, 1)
	assert.Contains(t, h.store.trajectories[0].Outcome, "hibernating")
	assert.Zero(t, state.TickCount, "a skipped heartbeat is not a worked tick")

	// An inbound message still wakes a hibernating agent.
	h.agent.RunTickOnce(context.Background(), TickTrigger{Reason: TriggerMessage})
	require.Len(t, h.store.trajectories, 2)
	assert.Equal(t, "ok", h.store.trajectories[1].Outcome)
}

func TestSovereignAgent_BudgetVetoEndsTick(t *testing.T) {
	h := newSovereignHarness(t, 1_000_000, &fakeReasoner{plan: Plan{Summary: "spend"}})
	h.agent.cfg.Caps = BudgetCaps{PerTickMsat: 10_000} // below the 50k tick estimate

	h.agent.RunTickOnce(context.Background(), TickTrigger{Reason: TriggerHeartbeat})
	require.Len(t, h.store.trajectories, 1)
	assert.Contains(t, h.store.trajectories[0].Outcome, "budget exceeded")
	assert.Empty(t, h.gateway.payments, "a vetoed tick must not pay anything")
}

func TestSovereignAgent_BalanceFailureAbortsTick(t *testing.T) {
	h := newSovereignHarness(t, 1_000_000, &fakeReasoner{plan: Plan{Summary: "idle"}})
	h.gateway.balanceErr = errors.New("wallet daemon down")

	h.agent.RunTickOnce(context.Background(), TickTrigger{Reason: TriggerHeartbeat})
	require.Len(t, h.store.trajectories, 1)
	assert.Contains(t, h.store.trajectories[0].Outcome, "balance check failed")
}

func TestSovereignAgent_ReasonerFailureReleasesBudget(t *testing.T) {
	h := newSovereignHarness(t, 1_000_000, &fakeReasoner{err: errors.New("model offline")})

	h.agent.RunTickOnce(context.Background(), TickTrigger{Reason: TriggerHeartbeat})
	require.Len(t, h.store.trajectories, 1)
	assert.Contains(t, h.store.trajectories[0].Outcome, "reasoning failed")

	state := h.state(t)
	assert.Zero(t, state.Budget.TickSpentMsat)
	assert.Zero(t, state.Budget.LifetimeCalls)
}

func TestSovereignAgent_TickBuysCompute(t *testing.T) {
	reasoner := &fakeReasoner{plan: Plan{
		Summary: "buy one completion",
		Steps: []PlanStep{
			{Action: "compute", Kind: "text-generation", Input: "ping", EstimateMsat: 20_000},
			{Action: "note", Note: "waiting for next heartbeat"},
		},
	}}
	h := newSovereignHarness(t, 1_000_000, reasoner)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	scriptProvider(t, ctx, h.net, h.gateway, "seller", 10_000, "pong")
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				announce(t, h.net, "seller", "regtest", "text-generation", 10_000)
			}
		}
	}()

	h.agent.RunTickOnce(ctx, TickTrigger{Reason: TriggerHeartbeat})

	require.Len(t, h.store.trajectories, 1)
	traj := h.store.trajectories[0]
	assert.Equal(t, "ok", traj.Outcome)
	assert.Equal(t, int64(10_000), traj.CostMsat)
	require.Len(t, traj.JobIDs, 1)

	state := h.state(t)
	assert.Equal(t, int64(10_000), state.Budget.TickSpentMsat)
	assert.Equal(t, int64(10_000), state.Budget.DaySpentMsat)
	assert.Equal(t, int64(1), state.Budget.LifetimeCalls)
	assert.Equal(t, int64(10_000), state.DailyBurnMsat)
}

func TestSovereignAgent_PaidButUndeliveredCountsAsSpend(t *testing.T) {
	reasoner := &fakeReasoner{plan: Plan{
		Summary: "buy one completion",
		Steps: []PlanStep{
			{Action: "compute", Kind: "text-generation", Input: "ping", EstimateMsat: 20_000},
		},
	}}
	h := newSovereignHarness(t, 1_000_000, reasoner)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	scriptNoShowProvider(t, ctx, h.net, h.gateway, "runner", 10_000)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				announce(t, h.net, "runner", "regtest", "text-generation", 10_000)
			}
		}
	}()

	h.agent.RunTickOnce(ctx, TickTrigger{Reason: TriggerHeartbeat})

	require.NotEmpty(t, h.gateway.payments, "the invoice was really paid")
	require.Len(t, h.store.trajectories, 1)
	traj := h.store.trajectories[0]
	assert.Equal(t, int64(10_000), traj.CostMsat, "spend without delivery still counts")
	require.Len(t, traj.JobIDs, 1)
	require.Len(t, traj.Actions, 1)
	assert.Contains(t, traj.Actions[0], "failed")

	state := h.state(t)
	assert.Equal(t, int64(10_000), state.Budget.TickSpentMsat)
	assert.Equal(t, int64(10_000), state.Budget.DaySpentMsat)
	assert.Equal(t, int64(10_000), state.Budget.LifetimeSpentMsat)
	assert.Equal(t, int64(10_000), state.DailyBurnMsat)
}

func TestSovereignAgent_SkipsStepsOverReservation(t *testing.T) {
	reasoner := &fakeReasoner{plan: Plan{
		Summary: "overreach",
		Steps: []PlanStep{
			{Action: "compute", Kind: "text-generation", Input: "huge", EstimateMsat: 100_000},
		},
	}}
	h := newSovereignHarness(t, 1_000_000, reasoner)

	h.agent.RunTickOnce(context.Background(), TickTrigger{Reason: TriggerHeartbeat})

	require.Len(t, h.store.trajectories, 1)
	traj := h.store.trajectories[0]
	assert.Equal(t, "ok", traj.Outcome)
	assert.Zero(t, traj.CostMsat)
	require.Len(t, traj.Actions, 1)
	assert.Contains(t, traj.Actions[0], "skipped")
	assert.Empty(t, h.gateway.payments)
}
