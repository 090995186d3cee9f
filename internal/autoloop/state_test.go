package autoloop

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/boshu2/gyoshu/internal/config"
)

func TestNewState_Validates(t *testing.T) {
	s := NewState("study", "run-1", time.Now())
	if err := s.Validate(); err != nil {
		t.Fatalf("fresh state should validate: %v", err)
	}
	if !s.Active || s.Iteration != 1 || s.Budgets.CurrentCycle != 1 {
		t.Fatalf("unexpected initial state: %+v", s)
	}
}

func TestNewStateFromConfig_HonorsBudgets(t *testing.T) {
	intp := func(v int) *int { return &v }
	cfg := &config.File{
		Version: 1,
		Loop: config.LoopConfig{
			MaxIterations:  intp(4),
			MaxCycles:      intp(6),
			MaxToolCalls:   intp(50),
			MaxTimeMinutes: intp(15),
			MaxAttempts:    intp(2),
		},
	}
	s := NewStateFromConfig("study", "run-1", cfg, time.Now())
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if s.MaxIterations != 4 || s.MaxAttempts != 2 {
		t.Fatalf("loop bounds: %+v", s)
	}
	if s.Budgets.MaxCycles != 6 || s.Budgets.MaxToolCalls != 50 || s.Budgets.MaxTimeMinutes != 15 {
		t.Fatalf("budgets: %+v", s.Budgets)
	}

	// Nil config falls back to the built-in defaults.
	d := NewStateFromConfig("study", "run-1", nil, time.Now())
	if d.MaxIterations != 10 || d.Budgets.MaxToolCalls != 500 {
		t.Fatalf("defaults: %+v", d)
	}
}

func TestValidate_RejectsOutOfRange(t *testing.T) {
	cases := []func(*State){
		func(s *State) { s.ReportTitle = "" },
		func(s *State) { s.Iteration = 0 },
		func(s *State) { s.Iteration = s.MaxIterations + 1 },
		func(s *State) { s.Budgets.CurrentCycle = 0 },
		func(s *State) { s.Budgets.TotalToolCalls = s.Budgets.MaxToolCalls + 1 },
		func(s *State) { s.AttemptNumber = s.MaxAttempts + 1 },
		func(s *State) { s.ReworkRounds = -1 },
	}
	for i, mutate := range cases {
		s := NewState("study", "run-1", time.Now())
		mutate(s)
		if err := s.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error for %+v", i, s)
		}
	}
}

func TestBudgetExceededReason_Precedence(t *testing.T) {
	now := time.Now()
	s := NewState("study", "run-1", now.Add(-3*time.Hour))
	s.Budgets.TotalToolCalls = s.Budgets.MaxToolCalls
	s.Budgets.CurrentCycle = s.Budgets.MaxCycles
	s.Iteration = s.MaxIterations

	// All budgets tripped at once: tool calls win.
	if got := s.BudgetExceededReason(now); !strings.Contains(got, "tool call") {
		t.Fatalf("got %q, want tool call budget first", got)
	}
	s.Budgets.TotalToolCalls = 0
	if got := s.BudgetExceededReason(now); !strings.Contains(got, "cycle") {
		t.Fatalf("got %q, want cycle budget next", got)
	}
	s.Budgets.CurrentCycle = 1
	if got := s.BudgetExceededReason(now); !strings.Contains(got, "time") {
		t.Fatalf("got %q, want time budget next", got)
	}
	s.Budgets.StartedAt = now.Format(time.RFC3339Nano)
	if got := s.BudgetExceededReason(now); !strings.Contains(got, "iteration") {
		t.Fatalf("got %q, want iteration budget last", got)
	}
	s.Iteration = 1
	if got := s.BudgetExceededReason(now); got != "" {
		t.Fatalf("got %q, want within budget", got)
	}
}

func TestBudgetExceededReason_ZeroMeansUnlimited(t *testing.T) {
	s := NewState("study", "run-1", time.Now().Add(-48*time.Hour))
	s.Budgets.MaxToolCalls = 0
	s.Budgets.MaxCycles = 0
	s.Budgets.MaxTimeMinutes = 0
	s.MaxIterations = 0
	s.Budgets.TotalToolCalls = 10_000
	s.Iteration = 99
	if got := s.BudgetExceededReason(time.Now()); got != "" {
		t.Fatalf("zeroed limits should never trip: %q", got)
	}
}

func TestState_PreservesUnknownFields(t *testing.T) {
	raw := []byte(`{
  "active": true,
  "iteration": 2,
  "maxIterations": 10,
  "reportTitle": "study",
  "runId": "run-1",
  "budgets": {"maxCycles": 10, "currentCycle": 2, "maxToolCalls": 500, "totalToolCalls": 7, "maxTimeMinutes": 120, "startedAt": "2026-08-24T10:00:00Z"},
  "attemptNumber": 1,
  "maxAttempts": 3,
  "operatorNote": {"pinned": true}
}`)
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := s.Extra["operatorNote"]; !ok {
		t.Fatalf("unknown field dropped: %v", s.Extra)
	}
	out, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(out), "operatorNote") {
		t.Fatalf("unknown field lost on round trip: %s", out)
	}
}

func TestStore_SaveLoad(t *testing.T) {
	store := NewStore(t.TempDir(), t.TempDir())
	s := NewState("study", "run-1", time.Now())
	score := 85
	s.TrustScore = &score

	if err := store.Save(context.Background(), s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.Load("study")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.RunID != "run-1" || got.TrustScore == nil || *got.TrustScore != 85 {
		t.Fatalf("round trip: %+v", got)
	}

	path, err := StatePath(store.ProjectRoot, "study")
	if err != nil {
		t.Fatalf("StatePath: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("state file location: %v", err)
	}
}

func TestStore_LoadMissing(t *testing.T) {
	store := NewStore(t.TempDir(), t.TempDir())
	if _, err := store.Load("study"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestSnapshot(t *testing.T) {
	s := NewState("study", "run-1", time.Now().Add(-time.Minute))
	snap := snapshotOf(s, time.Now())
	if snap.BudgetStatus != "within budget" {
		t.Fatalf("budget status: got %q", snap.BudgetStatus)
	}
	if snap.Elapsed == "" {
		t.Fatalf("elapsed should be derived from startedAt")
	}
	s.Budgets.TotalToolCalls = s.Budgets.MaxToolCalls
	snap = snapshotOf(s, time.Now())
	if !strings.Contains(snap.BudgetStatus, "tool call") {
		t.Fatalf("budget status: got %q", snap.BudgetStatus)
	}
}
