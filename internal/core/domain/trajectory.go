package domain

import "time"

// TrajectoryRecord is one entry of an agent's append-only audit trail: what
// the agent saw, decided, and spent during a single tick. Never mutated after
// creation.
type TrajectoryRecord struct {
	TickID       TickID    `json:"tick_id"`
	AgentID      AgentID   `json:"agent_id"`
	Trigger      string    `json:"trigger"`
	Observations string    `json:"observations,omitempty"`
	Reasoning    string    `json:"reasoning,omitempty"` // optionally redacted summary
	Actions      []string  `json:"actions,omitempty"`
	CostMsat     int64     `json:"cost_msat"`
	JobIDs       []JobID   `json:"job_ids,omitempty"`
	Outcome      string    `json:"outcome"`
	RecordedAt   time.Time `json:"recorded_at"`
}
