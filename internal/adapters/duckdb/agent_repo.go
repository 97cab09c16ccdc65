package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/meshcompute/meshd/internal/core/domain"
)

func (r *Repository) SaveAgentState(ctx context.Context, state domain.AgentState) error {
	budget, err := json.Marshal(state.Budget)
	if err != nil {
		return fmt.Errorf("encode budget: %w", err)
	}
	schedule, err := json.Marshal(state.Schedule)
	if err != nil {
		return fmt.Errorf("encode schedule: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO agent_state (id, lifecycle, balance_msat, daily_burn_msat,
			budget, schedule, goal, tick_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			lifecycle = excluded.lifecycle,
			balance_msat = excluded.balance_msat,
			daily_burn_msat = excluded.daily_burn_msat,
			budget = excluded.budget,
			schedule = excluded.schedule,
			goal = excluded.goal,
			tick_count = excluded.tick_count,
			updated_at = excluded.updated_at`,
		string(state.ID), string(state.Lifecycle), state.BalanceMsat, state.DailyBurnMsat,
		string(budget), string(schedule), state.Goal, state.TickCount, state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save agent state %s: %w", state.ID, err)
	}
	return nil
}

func (r *Repository) GetAgentState(ctx context.Context, id domain.AgentID) (domain.AgentState, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, lifecycle, balance_msat, daily_burn_msat, budget, schedule,
			goal, tick_count, updated_at
		FROM agent_state WHERE id = ?`, string(id))

	var state domain.AgentState
	var agentID, lifecycle, budget, schedule string
	err := row.Scan(&agentID, &lifecycle, &state.BalanceMsat, &state.DailyBurnMsat,
		&budget, &schedule, &state.Goal, &state.TickCount, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.AgentState{}, fmt.Errorf("%w: %s", domain.ErrAgentNotFound, id)
	}
	if err != nil {
		return domain.AgentState{}, fmt.Errorf("get agent state %s: %w", id, err)
	}
	state.ID = domain.AgentID(agentID)
	state.Lifecycle = domain.LifecycleState(lifecycle)
	if err := json.Unmarshal([]byte(budget), &state.Budget); err != nil {
		return domain.AgentState{}, fmt.Errorf("decode budget for %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(schedule), &state.Schedule); err != nil {
		return domain.AgentState{}, fmt.Errorf("decode schedule for %s: %w", id, err)
	}
	return state, nil
}

func (r *Repository) AppendTrajectory(ctx context.Context, rec domain.TrajectoryRecord) error {
	actions, err := json.Marshal(rec.Actions)
	if err != nil {
		return fmt.Errorf("encode actions: %w", err)
	}
	jobIDs, err := json.Marshal(rec.JobIDs)
	if err != nil {
		return fmt.Errorf("encode job ids: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO trajectories (agent_id, tick_id, trigger, observations,
			reasoning, actions, cost_msat, job_ids, outcome, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id, tick_id) DO NOTHING`,
		string(rec.AgentID), string(rec.TickID), rec.Trigger, rec.Observations,
		rec.Reasoning, string(actions), rec.CostMsat, string(jobIDs),
		rec.Outcome, rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("append trajectory %s: %w", rec.TickID, err)
	}
	return nil
}

func (r *Repository) ListTrajectories(ctx context.Context, id domain.AgentID, limit int) ([]domain.TrajectoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT agent_id, tick_id, trigger, observations, reasoning, actions,
			cost_msat, job_ids, outcome, recorded_at
		FROM trajectories WHERE agent_id = ?
		ORDER BY recorded_at DESC LIMIT ?`, string(id), limit)
	if err != nil {
		return nil, fmt.Errorf("list trajectories for %s: %w", id, err)
	}
	defer rows.Close()

	var out []domain.TrajectoryRecord
	for rows.Next() {
		var rec domain.TrajectoryRecord
		var agentID, tickID, actions, jobIDs string
		err := rows.Scan(&agentID, &tickID, &rec.Trigger, &rec.Observations,
			&rec.Reasoning, &actions, &rec.CostMsat, &jobIDs, &rec.Outcome, &rec.RecordedAt)
		if err != nil {
			return nil, err
		}
		rec.AgentID = domain.AgentID(agentID)
		rec.TickID = domain.TickID(tickID)
		if err := json.Unmarshal([]byte(actions), &rec.Actions); err != nil {
			return nil, fmt.Errorf("decode actions for tick %s: %w", tickID, err)
		}
		if err := json.Unmarshal([]byte(jobIDs), &rec.JobIDs); err != nil {
			return nil, fmt.Errorf("decode job ids for tick %s: %w", tickID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
