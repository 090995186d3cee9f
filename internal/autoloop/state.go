// Package autoloop keeps the outer research loop running without human
// re-prompting. It owns the durable per-report loop state, enforces
// budgets, detects terminal promise tags, and re-injects continuation
// messages into the hosting runtime subject to cooldown and output-change
// guards.
package autoloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boshu2/gyoshu/internal/config"
	"github.com/boshu2/gyoshu/internal/decision"
	"github.com/boshu2/gyoshu/internal/fsafe"
	"github.com/boshu2/gyoshu/internal/lockfile"
	"github.com/boshu2/gyoshu/internal/runtimedir"
)

// ErrBudgetExceeded marks a loop that has tripped one of its budget
// guards.
var ErrBudgetExceeded = errors.New("auto-loop budget exceeded")

// ErrNotFound means no loop state exists for the report.
var ErrNotFound = errors.New("auto-loop state not found")

// Budgets bounds one auto-loop execution.
type Budgets struct {
	MaxCycles      int    `json:"maxCycles"`
	CurrentCycle   int    `json:"currentCycle"`
	MaxToolCalls   int    `json:"maxToolCalls"`
	TotalToolCalls int    `json:"totalToolCalls"`
	MaxTimeMinutes int    `json:"maxTimeMinutes"`
	StartedAt      string `json:"startedAt"`
}

// State is the durable per-report loop document at
// reports/{reportTitle}/auto/loop-state.json. Once Active flips false the
// state is terminal and is never revived except by an explicit create-new.
type State struct {
	Active            bool                    `json:"active"`
	Iteration         int                     `json:"iteration"`
	MaxIterations     int                     `json:"maxIterations"`
	ReportTitle       string                  `json:"reportTitle"`
	RunID             string                  `json:"runId"`
	ResearchSessionID string                  `json:"researchSessionID,omitempty"`
	Budgets           Budgets                 `json:"budgets"`
	AttemptNumber     int                     `json:"attemptNumber"`
	MaxAttempts       int                     `json:"maxAttempts"`
	LastDecision      decision.LoopDecision   `json:"lastDecision,omitempty"`
	NextObjective     string                  `json:"nextObjective,omitempty"`
	TrustScore        *int                    `json:"trustScore,omitempty"`
	GoalGateStatus    decision.GoalGateStatus `json:"goalGateStatus,omitempty"`
	ReworkRounds      int                     `json:"reworkRounds,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type stateAlias State

var stateKnownKeys = map[string]struct{}{
	"active": {}, "iteration": {}, "maxIterations": {}, "reportTitle": {},
	"runId": {}, "researchSessionID": {}, "budgets": {}, "attemptNumber": {},
	"maxAttempts": {}, "lastDecision": {}, "nextObjective": {},
	"trustScore": {}, "goalGateStatus": {}, "reworkRounds": {},
}

func (s *State) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var alias stateAlias
	if err := json.Unmarshal(b, &alias); err != nil {
		return err
	}
	*s = State(alias)
	for k, v := range raw {
		if _, ok := stateKnownKeys[k]; ok {
			continue
		}
		if s.Extra == nil {
			s.Extra = map[string]json.RawMessage{}
		}
		s.Extra[k] = v
	}
	return nil
}

func (s State) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(stateAlias(s))
	if err != nil {
		return nil, err
	}
	if len(s.Extra) == 0 {
		return b, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(b, &merged); err != nil {
		return nil, err
	}
	for k, v := range s.Extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// NewState creates a fresh active loop with sane bounds.
func NewState(reportTitle, runID string, now time.Time) *State {
	return &State{
		Active:        true,
		Iteration:     1,
		MaxIterations: 10,
		ReportTitle:   reportTitle,
		RunID:         runID,
		AttemptNumber: 1,
		MaxAttempts:   3,
		Budgets: Budgets{
			MaxCycles:      10,
			CurrentCycle:   1,
			MaxToolCalls:   500,
			MaxTimeMinutes: 120,
			StartedAt:      now.UTC().Format(time.RFC3339Nano),
		},
	}
}

// NewStateFromConfig builds a fresh loop bounded by the project config
// instead of the built-in defaults.
func NewStateFromConfig(reportTitle, runID string, cfg *config.File, now time.Time) *State {
	s := NewState(reportTitle, runID, now)
	if cfg == nil {
		return s
	}
	if v := cfg.Loop.MaxIterations; v != nil {
		s.MaxIterations = *v
	}
	if v := cfg.Loop.MaxCycles; v != nil {
		s.Budgets.MaxCycles = *v
	}
	if v := cfg.Loop.MaxToolCalls; v != nil {
		s.Budgets.MaxToolCalls = *v
	}
	if v := cfg.Loop.MaxTimeMinutes; v != nil {
		s.Budgets.MaxTimeMinutes = *v
	}
	if v := cfg.Loop.MaxAttempts; v != nil {
		s.MaxAttempts = *v
	}
	return s
}

// Validate enforces the numeric invariants of the document.
func (s *State) Validate() error {
	if s.ReportTitle == "" {
		return fmt.Errorf("loop state: reportTitle is required")
	}
	if s.Iteration < 1 || (s.MaxIterations > 0 && s.Iteration > s.MaxIterations) {
		return fmt.Errorf("loop state: iteration %d outside [1, %d]", s.Iteration, s.MaxIterations)
	}
	if s.Budgets.CurrentCycle < 1 || (s.Budgets.MaxCycles > 0 && s.Budgets.CurrentCycle > s.Budgets.MaxCycles) {
		return fmt.Errorf("loop state: cycle %d outside [1, %d]", s.Budgets.CurrentCycle, s.Budgets.MaxCycles)
	}
	if s.Budgets.TotalToolCalls < 0 || (s.Budgets.MaxToolCalls > 0 && s.Budgets.TotalToolCalls > s.Budgets.MaxToolCalls) {
		return fmt.Errorf("loop state: toolCalls %d outside [0, %d]", s.Budgets.TotalToolCalls, s.Budgets.MaxToolCalls)
	}
	if s.AttemptNumber < 1 || (s.MaxAttempts > 0 && s.AttemptNumber > s.MaxAttempts) {
		return fmt.Errorf("loop state: attempt %d outside [1, %d]", s.AttemptNumber, s.MaxAttempts)
	}
	if s.ReworkRounds < 0 {
		return fmt.Errorf("loop state: reworkRounds %d is negative", s.ReworkRounds)
	}
	return nil
}

// BudgetExceededReason evaluates budgets in fixed precedence: tool calls,
// cycles, wall time, iterations. Empty means within budget.
func (s *State) BudgetExceededReason(now time.Time) string {
	b := s.Budgets
	if b.MaxToolCalls > 0 && b.TotalToolCalls >= b.MaxToolCalls {
		return fmt.Sprintf("tool call budget exhausted (%d/%d)", b.TotalToolCalls, b.MaxToolCalls)
	}
	if b.MaxCycles > 0 && b.CurrentCycle >= b.MaxCycles {
		return fmt.Sprintf("cycle budget exhausted (%d/%d)", b.CurrentCycle, b.MaxCycles)
	}
	if b.MaxTimeMinutes > 0 {
		if started, err := time.Parse(time.RFC3339Nano, b.StartedAt); err == nil {
			if elapsed := now.Sub(started); elapsed >= time.Duration(b.MaxTimeMinutes)*time.Minute {
				return fmt.Sprintf("time budget exhausted (%s/%dm)", elapsed.Round(time.Second), b.MaxTimeMinutes)
			}
		}
	}
	if s.MaxIterations > 0 && s.Iteration >= s.MaxIterations {
		return fmt.Sprintf("iteration budget exhausted (%d/%d)", s.Iteration, s.MaxIterations)
	}
	return ""
}

// StatePath returns the durable path of one report's loop state.
func StatePath(projectRoot, reportTitle string) (string, error) {
	root, err := runtimedir.ReportRoot(projectRoot, reportTitle)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "auto", "loop-state.json"), nil
}

// Store persists loop state under the REPORT-category lock.
type Store struct {
	ProjectRoot string
	Locks       *lockfile.Manager
}

func NewStore(projectRoot, runtimeRoot string) *Store {
	return &Store{ProjectRoot: projectRoot, Locks: lockfile.NewManager(runtimeRoot)}
}

// Load reads and validates a report's loop state.
func (st *Store) Load(reportTitle string) (*State, error) {
	path, err := StatePath(st.ProjectRoot, reportTitle)
	if err != nil {
		return nil, err
	}
	var s State
	if err := fsafe.ReadJSONFile(path, &s); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, reportTitle)
		}
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Save writes loop state atomically under the REPORT lock.
func (st *Store) Save(ctx context.Context, s *State) error {
	if err := s.Validate(); err != nil {
		return err
	}
	path, err := StatePath(st.ProjectRoot, s.ReportTitle)
	if err != nil {
		return err
	}
	guard, err := st.Locks.Acquire(ctx, lockfile.Report, "loop:"+s.ReportTitle, 0)
	if err != nil {
		return err
	}
	defer guard.Release()
	return fsafe.WriteJSONFile(path, s)
}
