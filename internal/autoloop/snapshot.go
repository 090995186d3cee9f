package autoloop

import (
	"time"

	"github.com/boshu2/gyoshu/internal/decision"
)

// Snapshot is a read-only status view of one loop, shaped for operators.
type Snapshot struct {
	ReportTitle   string                  `json:"reportTitle"`
	RunID         string                  `json:"runId,omitempty"`
	Active        bool                    `json:"active"`
	Iteration     int                     `json:"iteration"`
	MaxIterations int                     `json:"maxIterations"`
	Budgets       Budgets                 `json:"budgets"`
	Elapsed       string                  `json:"elapsed,omitempty"`
	BudgetStatus  string                  `json:"budgetStatus"`
	LastDecision  decision.LoopDecision   `json:"lastDecision,omitempty"`
	GoalGate      decision.GoalGateStatus `json:"goalGate,omitempty"`
	TrustScore    *int                    `json:"trustScore,omitempty"`
	NextObjective string                  `json:"nextObjective,omitempty"`
}

// Snapshot loads a report's loop state and derives the operator view.
func (st *Store) Snapshot(reportTitle string) (*Snapshot, error) {
	s, err := st.Load(reportTitle)
	if err != nil {
		return nil, err
	}
	return snapshotOf(s, time.Now()), nil
}

func snapshotOf(s *State, now time.Time) *Snapshot {
	snap := &Snapshot{
		ReportTitle:   s.ReportTitle,
		RunID:         s.RunID,
		Active:        s.Active,
		Iteration:     s.Iteration,
		MaxIterations: s.MaxIterations,
		Budgets:       s.Budgets,
		LastDecision:  s.LastDecision,
		GoalGate:      s.GoalGateStatus,
		TrustScore:    s.TrustScore,
		NextObjective: s.NextObjective,
	}
	if started, err := time.Parse(time.RFC3339Nano, s.Budgets.StartedAt); err == nil {
		snap.Elapsed = now.Sub(started).Round(time.Second).String()
	}
	if reason := s.BudgetExceededReason(now); reason != "" {
		snap.BudgetStatus = reason
	} else {
		snap.BudgetStatus = "within budget"
	}
	return snap
}
