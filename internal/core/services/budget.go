package services

import (
	"log/slog"
	"sync"
	"time"

	"github.com/meshcompute/meshd/internal/core/domain"
)

// BudgetCaps are the spending ceilings enforced by the guard. A zero cap
// means the tier is unlimited.
type BudgetCaps struct {
	PerTickMsat   int64 `json:"per_tick_msat"`
	PerDayMsat    int64 `json:"per_day_msat"`
	LifetimeMsat  int64 `json:"lifetime_msat"`
	LifetimeCalls int64 `json:"lifetime_calls"`
}

// Reservation is an approved spending intent. It must be obtained before any
// payment is sent; payments are not reversible, so there is no optimistic
// path that rolls back afterwards.
type Reservation struct {
	EstimateMsat int64
	settled      bool
}

// BudgetGuard tracks running spend totals per tick, per day, and lifetime
// against the configured caps. Counters live in the agent's persisted state
// so ceilings survive restarts.
type BudgetGuard struct {
	logger   *slog.Logger
	caps     BudgetCaps
	counters *domain.BudgetCounters

	mu       sync.Mutex
	reserved int64
	now      func() time.Time
}

func NewBudgetGuard(logger *slog.Logger, caps BudgetCaps, counters *domain.BudgetCounters) *BudgetGuard {
	return &BudgetGuard{
		logger:   logger,
		caps:     caps,
		counters: counters,
		now:      time.Now,
	}
}

// ResetTick zeroes the per-tick total. Called at the start of every tick.
func (g *BudgetGuard) ResetTick() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counters.TickSpentMsat = 0
}

// Reserve approves an estimated spend or vetoes it with a typed
// BudgetExceededError naming the breached tier. Nothing is charged until
// Commit.
func (g *BudgetGuard) Reserve(estimateMsat int64) (*Reservation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rolloverDay()

	if tier, remaining, ok := g.check(estimateMsat); !ok {
		g.logger.Warn("budget reservation vetoed",
			"tier", tier, "estimate_msat", estimateMsat, "remaining_msat", remaining)
		return nil, &domain.BudgetExceededError{
			Tier:          tier,
			EstimateMsat:  estimateMsat,
			RemainingMsat: remaining,
		}
	}

	g.reserved += estimateMsat
	return &Reservation{EstimateMsat: estimateMsat}, nil
}

// Commit settles a reservation with the actual cost incurred.
func (g *BudgetGuard) Commit(res *Reservation, actualMsat int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if res == nil || res.settled {
		return
	}
	res.settled = true
	g.reserved -= res.EstimateMsat
	g.counters.TickSpentMsat += actualMsat
	g.counters.DaySpentMsat += actualMsat
	g.counters.LifetimeSpentMsat += actualMsat
	g.counters.LifetimeCalls++
}

// Release aborts a reservation without charging anything.
func (g *BudgetGuard) Release(res *Reservation) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if res == nil || res.settled {
		return
	}
	res.settled = true
	g.reserved -= res.EstimateMsat
}

// check returns the first breached tier, or ok=true when the estimate fits
// every cap. Caller holds the mutex.
func (g *BudgetGuard) check(estimate int64) (domain.BudgetTier, int64, bool) {
	if g.caps.PerTickMsat > 0 {
		remaining := g.caps.PerTickMsat - g.counters.TickSpentMsat - g.reserved
		if estimate > remaining {
			return domain.BudgetTierTick, max64(remaining, 0), false
		}
	}
	if g.caps.PerDayMsat > 0 {
		remaining := g.caps.PerDayMsat - g.counters.DaySpentMsat - g.reserved
		if estimate > remaining {
			return domain.BudgetTierDaily, max64(remaining, 0), false
		}
	}
	if g.caps.LifetimeMsat > 0 {
		remaining := g.caps.LifetimeMsat - g.counters.LifetimeSpentMsat - g.reserved
		if estimate > remaining {
			return domain.BudgetTierLifetime, max64(remaining, 0), false
		}
	}
	if g.caps.LifetimeCalls > 0 && g.counters.LifetimeCalls >= g.caps.LifetimeCalls {
		return domain.BudgetTierCalls, 0, false
	}
	return "", 0, true
}

// rolloverDay resets the daily total when the UTC day boundary has passed.
// Caller holds the mutex.
func (g *BudgetGuard) rolloverDay() {
	today := g.now().UTC().Truncate(24 * time.Hour)
	if g.counters.DayStart.Before(today) {
		g.counters.DaySpentMsat = 0
		g.counters.DayStart = today
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
