package autoloop

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/boshu2/gyoshu/internal/config"
	"github.com/boshu2/gyoshu/internal/decision"
)

type recordingInjector struct {
	ch chan string
}

func newRecordingInjector() *recordingInjector {
	return &recordingInjector{ch: make(chan string, 16)}
}

func (r *recordingInjector) Inject(ctx context.Context, reportTitle, message string) error {
	r.ch <- message
	return nil
}

func (r *recordingInjector) next(t *testing.T, within time.Duration) string {
	t.Helper()
	select {
	case msg := <-r.ch:
		return msg
	case <-time.After(within):
		t.Fatalf("expected an injection within %v", within)
		return ""
	}
}

func (r *recordingInjector) none(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case msg := <-r.ch:
		t.Fatalf("unexpected injection: %q", msg)
	case <-time.After(within):
	}
}

func startController(t *testing.T, inject Injector) (*Controller, *Store) {
	t.Helper()
	store := NewStore(t.TempDir(), t.TempDir())
	c := NewController(store, nil, inject)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		<-c.done
	})
	go c.Run(ctx)
	return c, store
}

func waitForState(t *testing.T, store *Store, title string, pred func(*State) bool) *State {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s, err := store.Load(title)
		if err == nil && pred(s) {
			return s
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("state for %q never reached expected condition", title)
	return nil
}

func TestController_TerminalTagEndsLoopWithoutInjection(t *testing.T) {
	rec := newRecordingInjector()
	c, store := startController(t, rec)

	s := NewState("study", "run-1", time.Now())
	if err := c.Activate(context.Background(), s); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	c.Handle(AgentAfter{
		ReportTitle: "study",
		Output:      "The study report is final.\n<promise>GYOSHU_AUTO_COMPLETE</promise>",
		At:          time.Now(),
	})

	got := waitForState(t, store, "study", func(s *State) bool { return !s.Active })
	if got.LastDecision != decision.DecisionComplete {
		t.Fatalf("lastDecision: got %q want %q", got.LastDecision, decision.DecisionComplete)
	}
	rec.none(t, 200*time.Millisecond)

	// A finished loop ignores further triggers.
	c.Handle(AgentAfter{ReportTitle: "study", Output: "more text", At: time.Now()})
	rec.none(t, 200*time.Millisecond)
}

func TestController_TagWithoutTitleDoesNotEndLoop(t *testing.T) {
	rec := newRecordingInjector()
	c, store := startController(t, rec)

	s := NewState("study", "run-1", time.Now())
	if err := c.Activate(context.Background(), s); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	// The tag belongs to some other quoted thread: the loop continues and a
	// continuation is injected instead.
	c.Handle(AgentAfter{
		ReportTitle: "study",
		Output:      "Quoting another run: <promise>GYOSHU_AUTO_COMPLETE</promise>",
		At:          time.Now(),
	})
	msg := rec.next(t, 2*time.Second)
	if !strings.Contains(msg, "iteration 2/") {
		t.Fatalf("continuation message: %q", msg)
	}
	got := waitForState(t, store, "study", func(s *State) bool { return s.Iteration == 2 })
	if !got.Active {
		t.Fatalf("loop must stay active")
	}
}

func TestController_CooldownAndOutputHashGuards(t *testing.T) {
	rec := newRecordingInjector()
	c, _ := startController(t, rec)

	base := time.Now()
	s := NewState("study", "run-1", base)
	if err := c.Activate(context.Background(), s); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	c.Handle(AgentAfter{ReportTitle: "study", Output: "analysis v1 for study", At: base})
	_ = rec.next(t, 2*time.Second)

	// Inside the cooldown window: suppressed even though output changed.
	c.Handle(AgentAfter{ReportTitle: "study", Output: "analysis v2 for study", At: base.Add(100 * time.Millisecond)})
	rec.none(t, 200*time.Millisecond)

	// Past cooldown but output identical to the last injected-on output:
	// suppressed by the change hash.
	c.Handle(AgentAfter{ReportTitle: "study", Output: "analysis v1 for study", At: base.Add(3 * time.Second)})
	rec.none(t, 200*time.Millisecond)

	// Past cooldown with new output: injected.
	c.Handle(AgentAfter{ReportTitle: "study", Output: "analysis v3 for study", At: base.Add(4 * time.Second)})
	_ = rec.next(t, 2*time.Second)
}

func TestController_ToolCallBudgetTerminatesWithTag(t *testing.T) {
	rec := newRecordingInjector()
	c, store := startController(t, rec)

	s := NewState("study", "run-1", time.Now())
	s.Budgets.MaxToolCalls = 2
	s.Budgets.TotalToolCalls = 1
	if err := c.Activate(context.Background(), s); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	c.Handle(ToolAfter{ReportTitle: "study", At: time.Now()})

	got := waitForState(t, store, "study", func(s *State) bool { return !s.Active })
	if got.LastDecision != decision.DecisionBudgetExhausted {
		t.Fatalf("lastDecision: got %q want %q", got.LastDecision, decision.DecisionBudgetExhausted)
	}
	if got.Budgets.TotalToolCalls != 2 {
		t.Fatalf("tool calls: got %d want 2", got.Budgets.TotalToolCalls)
	}
	msg := rec.next(t, 2*time.Second)
	if !strings.Contains(msg, TagBudgetExhausted) {
		t.Fatalf("terminal message must carry the tag: %q", msg)
	}
}

func TestController_ToolCallPersistenceIsDebounced(t *testing.T) {
	rec := newRecordingInjector()
	c, store := startController(t, rec)

	s := NewState("study", "run-1", time.Now())
	if err := c.Activate(context.Background(), s); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	for i := 0; i < 3; i++ {
		c.Handle(ToolAfter{ReportTitle: "study", At: time.Now()})
	}

	// Before the debounce fires the durable count lags.
	early, err := store.Load("study")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if early.Budgets.TotalToolCalls == 3 {
		t.Fatalf("persistence should be debounced, not immediate")
	}

	got := waitForState(t, store, "study", func(s *State) bool { return s.Budgets.TotalToolCalls == 3 })
	if !got.Active {
		t.Fatalf("loop should still be active")
	}
}

type flakyInjector struct {
	rec      *recordingInjector
	failures int
}

func (f *flakyInjector) Inject(ctx context.Context, reportTitle, message string) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("transport down")
	}
	return f.rec.Inject(ctx, reportTitle, message)
}

func TestController_InjectionFailureRetriesWithoutCounterDrift(t *testing.T) {
	rec := newRecordingInjector()
	c, store := startController(t, &flakyInjector{rec: rec, failures: 1})

	base := time.Now()
	s := NewState("study", "run-1", base)
	if err := c.Activate(context.Background(), s); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	// First trigger hits the failing transport: nothing injected, nothing
	// persisted beyond the activation write.
	c.Handle(AgentAfter{ReportTitle: "study", Output: "analysis v1 for study", At: base})
	rec.none(t, 200*time.Millisecond)
	got, err := store.Load("study")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Iteration != 1 || got.Budgets.CurrentCycle != 1 {
		t.Fatalf("failed injection must not move counters: %+v", got)
	}

	// The retry lands and advances exactly one step: the failed attempt
	// neither consumed nor rewound an iteration.
	c.Handle(AgentAfter{ReportTitle: "study", Output: "analysis v2 for study", At: base.Add(3 * time.Second)})
	msg := rec.next(t, 2*time.Second)
	if !strings.Contains(msg, "iteration 2/") {
		t.Fatalf("continuation message: %q", msg)
	}
	got = waitForState(t, store, "study", func(s *State) bool { return s.Iteration == 2 })
	if got.Budgets.CurrentCycle != 2 {
		t.Fatalf("cycle: got %d want 2", got.Budgets.CurrentCycle)
	}
}

func TestController_ApplyConfigOverridesSweep(t *testing.T) {
	intp := func(v int) *int { return &v }
	c := NewController(NewStore(t.TempDir(), t.TempDir()), nil, newRecordingInjector())
	if c.idleSweep != IdleSweepInterval || c.idleThreshold != IdleThreshold {
		t.Fatalf("defaults: sweep %v threshold %v", c.idleSweep, c.idleThreshold)
	}
	c.ApplyConfig(&config.File{Bridge: config.BridgeConfig{
		SweepIntervalMinutes: intp(1),
		IdleThresholdMinutes: intp(7),
	}})
	if c.idleSweep != time.Minute {
		t.Fatalf("sweep: got %v want 1m", c.idleSweep)
	}
	if c.idleThreshold != 7*time.Minute {
		t.Fatalf("threshold: got %v want 7m", c.idleThreshold)
	}
}

func TestController_SessionEndFlushesState(t *testing.T) {
	rec := newRecordingInjector()
	c, store := startController(t, rec)

	s := NewState("study", "run-1", time.Now())
	s.ResearchSessionID = "sess-9"
	if err := c.Activate(context.Background(), s); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	c.Handle(ToolAfter{ReportTitle: "study", At: time.Now()})
	c.Handle(SessionEnd{SessionID: "sess-9"})

	// The pending counter is flushed on session end, not lost with the
	// debounce timer. The durable state stays active for resumption.
	got := waitForState(t, store, "study", func(s *State) bool { return s.Budgets.TotalToolCalls == 1 })
	if !got.Active {
		t.Fatalf("durable state should remain active across sessions")
	}

	// The dropped track no longer reacts to events.
	c.Handle(AgentAfter{ReportTitle: "study", Output: "anything", At: time.Now()})
	rec.none(t, 200*time.Millisecond)
}
