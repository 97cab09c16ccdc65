package domain

import "time"

type LifecycleState string

const (
	LifecycleSpawning    LifecycleState = "SPAWNING"
	LifecycleActive      LifecycleState = "ACTIVE"
	LifecycleLowBalance  LifecycleState = "LOW_BALANCE"
	LifecycleHibernating LifecycleState = "HIBERNATING"
	LifecycleDead        LifecycleState = "DEAD"
)

// CanWork reports whether the agent may purchase compute in this state.
func (s LifecycleState) CanWork() bool {
	return s == LifecycleActive || s == LifecycleLowBalance
}

// Terminal reports whether the state can never be exited by the tick loop.
func (s LifecycleState) Terminal() bool {
	return s == LifecycleDead
}

// BudgetCounters are the cumulative spend totals the budget guard enforces
// against. Persisted inside AgentState so caps survive restarts.
type BudgetCounters struct {
	TickSpentMsat     int64     `json:"tick_spent_msat"`
	DaySpentMsat      int64     `json:"day_spent_msat"`
	DayStart          time.Time `json:"day_start"`
	LifetimeSpentMsat int64     `json:"lifetime_spent_msat"`
	LifetimeCalls     int64     `json:"lifetime_calls"`
}

// Schedule describes when the agent's tick loop fires.
type Schedule struct {
	Heartbeat string   `json:"heartbeat"` // cron expression
	Triggers  []string `json:"triggers,omitempty"`
}

// AgentState is the durable state of one sovereign agent. It is owned
// exclusively by the tick loop that advances it and persisted after every
// tick.
type AgentState struct {
	ID            AgentID        `json:"id"`
	Lifecycle     LifecycleState `json:"lifecycle"`
	BalanceMsat   int64          `json:"balance_msat"`
	DailyBurnMsat int64          `json:"daily_burn_msat"`
	Budget        BudgetCounters `json:"budget"`
	Schedule      Schedule       `json:"schedule"`
	Goal          string         `json:"goal,omitempty"`
	TickCount     int64          `json:"tick_count"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// RunwayDays is projected solvency: balance divided by recent daily burn.
// A zero burn rate means the runway is unbounded, reported as +Inf days via
// a large sentinel.
func (a AgentState) RunwayDays() float64 {
	if a.DailyBurnMsat <= 0 {
		return 1e9
	}
	return float64(a.BalanceMsat) / float64(a.DailyBurnMsat)
}

// LifecycleThresholds tune the solvency state machine.
type LifecycleThresholds struct {
	RunwayDays       float64 // below this, Active degrades to LowBalance
	HibernationFloor int64   // msats; below this, LowBalance degrades to Hibernating
}

// DefaultLifecycleThresholds matches the 7-day runway rule.
func DefaultLifecycleThresholds() LifecycleThresholds {
	return LifecycleThresholds{RunwayDays: 7, HibernationFloor: 10_000}
}

// EvaluateLifecycle recomputes the lifecycle state from current solvency.
//
//   - Dead is terminal; nothing revives it here.
//   - Zero balance with no pending inbound funds is Dead from any state.
//   - Spawning becomes Active on the first positive balance observation.
//   - Runway below the threshold degrades to LowBalance; balance below the
//     hibernation floor degrades further to Hibernating.
//   - A funding event that restores runway moves Hibernating directly to
//     Active, or to LowBalance when only the floor was cleared.
func EvaluateLifecycle(state AgentState, pendingInbound bool, th LifecycleThresholds) LifecycleState {
	if state.Lifecycle == LifecycleDead {
		return LifecycleDead
	}
	if state.BalanceMsat <= 0 {
		if pendingInbound {
			return state.Lifecycle
		}
		return LifecycleDead
	}
	if state.Lifecycle == LifecycleSpawning {
		state.Lifecycle = LifecycleActive
	}
	if state.BalanceMsat < th.HibernationFloor {
		return LifecycleHibernating
	}
	if state.RunwayDays() < th.RunwayDays {
		return LifecycleLowBalance
	}
	return LifecycleActive
}
