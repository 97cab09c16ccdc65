package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/meshcompute/meshd/internal/core/domain"
	"github.com/meshcompute/meshd/internal/core/ports"
)

// PlanStep is one action the reasoner wants the agent to take.
type PlanStep struct {
	Action       string         `json:"action"` // "compute" or "note"
	Kind         domain.JobKind `json:"kind,omitempty"`
	Input        string         `json:"input,omitempty"`
	EstimateMsat int64          `json:"estimate_msat,omitempty"`
	Note         string         `json:"note,omitempty"`
}

// Plan is the reasoner's answer for one tick.
type Plan struct {
	Summary string     `json:"summary"`
	Steps   []PlanStep `json:"steps"`
}

// Reasoner turns the agent's situation into an action plan.
type Reasoner interface {
	Plan(ctx context.Context, state domain.AgentState, observations string) (Plan, error)
}

const planPrompt = `You are an autonomous economic agent with a Bitcoin wallet.
Goal: %s
Lifecycle: %s | Balance: %d msat | Runway: %.1f days
Observations this tick: %s

Reply with a single JSON object, nothing else:
{"summary":"...","steps":[{"action":"compute","kind":"text-generation","input":"...","estimate_msat":10000},{"action":"note","note":"..."}]}
Use "compute" only when paid inference is genuinely needed. An empty steps list is valid.`

// LLMReasoner asks an inference backend for a JSON plan, in the same shape
// the react loop uses for tool selection.
type LLMReasoner struct {
	logger  *slog.Logger
	backend ports.InferenceBackend
	kind    domain.JobKind
}

func NewLLMReasoner(logger *slog.Logger, backend ports.InferenceBackend, kind domain.JobKind) *LLMReasoner {
	return &LLMReasoner{logger: logger, backend: backend, kind: kind}
}

func (r *LLMReasoner) Plan(ctx context.Context, state domain.AgentState, observations string) (Plan, error) {
	prompt := fmt.Sprintf(planPrompt, state.Goal, state.Lifecycle, state.BalanceMsat,
		state.RunwayDays(), observations)

	raw, err := r.backend.Complete(ctx, r.kind, prompt)
	if err != nil {
		return Plan{}, fmt.Errorf("reasoning backend: %w", err)
	}

	plan, err := ParsePlan(raw)
	if err != nil {
		r.logger.Warn("unparseable plan, treating as no-op", "error", err)
		return Plan{Summary: strings.TrimSpace(raw)}, nil
	}
	return plan, nil
}

// ParsePlan extracts the first JSON object from model output. Models wrap
// JSON in prose and code fences often enough that strict decoding fails.
func ParsePlan(raw string) (Plan, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return Plan{}, fmt.Errorf("no JSON object in reasoner output")
	}

	var plan Plan
	if err := json.Unmarshal([]byte(raw[start:end+1]), &plan); err != nil {
		return Plan{}, fmt.Errorf("decode plan: %w", err)
	}
	return plan, nil
}
