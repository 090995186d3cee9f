package autoloop

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/zeebo/blake3"

	"github.com/boshu2/gyoshu/internal/bridge"
	"github.com/boshu2/gyoshu/internal/config"
	"github.com/boshu2/gyoshu/internal/dbglog"
	"github.com/boshu2/gyoshu/internal/decision"
)

const (
	// InjectionCooldown is the minimum spacing between continuation
	// injections for one report. Together with the output-change hash it
	// prevents runaway self-prompting.
	InjectionCooldown = 2000 * time.Millisecond

	// PersistDebounce coalesces tool-call counter writes. The latest
	// in-memory state wins; deactivation flushes immediately.
	PersistDebounce = 1000 * time.Millisecond

	// IdleSweepInterval is the default cadence for the idle-bridge sweep.
	IdleSweepInterval = 5 * time.Minute

	// IdleThreshold is the default time a bridge may sit without activity
	// before it is reaped. Sweeps are suspended while any loop is active.
	IdleThreshold = 30 * time.Minute
)

// Injector delivers a continuation message into the hosting agent runtime.
type Injector interface {
	Inject(ctx context.Context, reportTitle, message string) error
}

// Event is one input to the controller. All events flow through a single
// channel so the per-report aggregates have exactly one owner.
type Event interface{ isEvent() }

// ToolAfter fires after every tool call attributed to a report's loop.
type ToolAfter struct {
	ReportTitle string
	At          time.Time
}

// AgentAfter fires when the agent finishes a response. Output is the full
// response text; terminal tags and injection guards are evaluated on it.
type AgentAfter struct {
	ReportTitle string
	Output      string
	At          time.Time
}

// IdleOrCompleted fires when the runtime goes idle with a loop active. It
// triggers a continuation attempt without new output.
type IdleOrCompleted struct {
	ReportTitle string
	At          time.Time
}

// SessionEnd fires when a hosting session ends. Loops bound to the session
// are flushed to disk and dropped from memory; their durable state stays
// active so a new session can resume.
type SessionEnd struct {
	SessionID string
}

// Cleanup flushes and drops everything. Sent on controller shutdown.
type Cleanup struct{}

func (ToolAfter) isEvent()       {}
func (AgentAfter) isEvent()      {}
func (IdleOrCompleted) isEvent() {}
func (SessionEnd) isEvent()      {}
func (Cleanup) isEvent()         {}

// persistTick is the internal debounce-timer expiry event.
type persistTick struct{ reportTitle string }

func (persistTick) isEvent() {}

// reportTrack is the in-memory aggregate for one active loop. Owned
// exclusively by the Run goroutine.
type reportTrack struct {
	state          *State
	lastInjection  time.Time
	lastOutputHash string
	persistTimer   *time.Timer
	dirty          bool
}

// Controller drives all active loops. Construct with NewController, feed it
// through Handle, and run exactly one Run goroutine.
type Controller struct {
	store    *Store
	registry *bridge.Registry
	inject   Injector

	events chan Event
	done   chan struct{}
	tracks map[string]*reportTrack
	now    func() time.Time

	idleSweep     time.Duration
	idleThreshold time.Duration
}

func NewController(store *Store, registry *bridge.Registry, inject Injector) *Controller {
	return &Controller{
		store:         store,
		registry:      registry,
		inject:        inject,
		events:        make(chan Event, 64),
		done:          make(chan struct{}),
		tracks:        map[string]*reportTrack{},
		now:           time.Now,
		idleSweep:     IdleSweepInterval,
		idleThreshold: IdleThreshold,
	}
}

// ApplyConfig overrides the bridge-hygiene cadence from the project config.
// Call before Run.
func (c *Controller) ApplyConfig(cfg *config.File) {
	if cfg == nil {
		return
	}
	if v := cfg.Bridge.SweepIntervalMinutes; v != nil && *v > 0 {
		c.idleSweep = time.Duration(*v) * time.Minute
	}
	if v := cfg.Bridge.IdleThresholdMinutes; v != nil && *v > 0 {
		c.idleThreshold = time.Duration(*v) * time.Minute
	}
}

// Handle enqueues an event. Safe from any goroutine; drops nothing unless
// the controller has shut down.
func (c *Controller) Handle(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// Activate registers a loop and persists its initial state.
func (c *Controller) Activate(ctx context.Context, s *State) error {
	if err := c.store.Save(ctx, s); err != nil {
		return err
	}
	done := make(chan struct{})
	c.Handle(activate{state: s, ack: done})
	select {
	case <-done:
	case <-c.done:
	}
	return nil
}

type activate struct {
	state *State
	ack   chan struct{}
}

func (activate) isEvent() {}

// Run consumes events until the context is cancelled. It owns all track
// state; nothing else may touch it.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.done)
	sweep := time.NewTicker(c.idleSweep)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			c.flushAll(context.Background())
			return
		case <-sweep.C:
			c.reapIdleBridges(ctx)
		case ev := <-c.events:
			switch e := ev.(type) {
			case activate:
				c.tracks[e.state.ReportTitle] = &reportTrack{state: e.state}
				close(e.ack)
			case ToolAfter:
				c.onToolAfter(ctx, e)
			case AgentAfter:
				c.onAgentAfter(ctx, e)
			case IdleOrCompleted:
				c.onAgentAfter(ctx, AgentAfter{ReportTitle: e.ReportTitle, At: e.At})
			case SessionEnd:
				c.onSessionEnd(ctx, e)
			case persistTick:
				c.onPersistTick(ctx, e.reportTitle)
			case Cleanup:
				c.flushAll(ctx)
			}
		}
	}
}

func (c *Controller) onToolAfter(ctx context.Context, e ToolAfter) {
	tr, ok := c.tracks[e.ReportTitle]
	if !ok || !tr.state.Active {
		return
	}
	tr.state.Budgets.TotalToolCalls++
	if reason := tr.state.BudgetExceededReason(c.at(e.At)); reason != "" {
		c.terminate(ctx, tr, decision.DecisionBudgetExhausted, reason)
		return
	}
	c.schedulePersist(tr)
}

func (c *Controller) onAgentAfter(ctx context.Context, e AgentAfter) {
	tr, ok := c.tracks[e.ReportTitle]
	if !ok || !tr.state.Active {
		return
	}
	now := c.at(e.At)

	if tag, found := TerminalTag(e.Output); found && MentionsReport(e.Output, tr.state.ReportTitle) {
		c.terminate(ctx, tr, DecisionForTag(tag), "terminal tag "+tag)
		return
	}

	if reason := tr.state.BudgetExceededReason(now); reason != "" {
		c.terminate(ctx, tr, decision.DecisionBudgetExhausted, reason)
		return
	}

	// Injection guards: cooldown first, then output-change. An unchanged
	// non-empty output means the agent is looping in place; injecting again
	// would only amplify it.
	if !tr.lastInjection.IsZero() && now.Sub(tr.lastInjection) < InjectionCooldown {
		dbglog.Printf("autoloop: %s: injection suppressed by cooldown", tr.state.ReportTitle)
		return
	}
	if e.Output != "" {
		h := outputHash(e.Output)
		if h == tr.lastOutputHash {
			dbglog.Printf("autoloop: %s: injection suppressed, output unchanged", tr.state.ReportTitle)
			return
		}
		tr.lastOutputHash = h
	}

	// The pre-injection budget check passed, so the increments below can at
	// most reach the bounds; the next trigger observes them as exhausted.
	// Counters never decrease: the increment stays pending on a copy and is
	// committed only after the injection lands.
	next := *tr.state
	next.Iteration++
	next.Budgets.CurrentCycle++

	msg := c.continuationMessage(&next)
	if err := c.inject.Inject(ctx, tr.state.ReportTitle, msg); err != nil {
		// Leave lastInjection untouched so the next trigger retries.
		dbglog.Printf("autoloop: %s: injection failed: %v", tr.state.ReportTitle, err)
		return
	}
	tr.state.Iteration = next.Iteration
	tr.state.Budgets.CurrentCycle = next.Budgets.CurrentCycle
	tr.lastInjection = now
	c.persistNow(ctx, tr)
}

func (c *Controller) onSessionEnd(ctx context.Context, e SessionEnd) {
	for title, tr := range c.tracks {
		if tr.state.ResearchSessionID != e.SessionID {
			continue
		}
		c.persistNow(ctx, tr)
		c.dropTrack(title, tr)
	}
}

func (c *Controller) onPersistTick(ctx context.Context, reportTitle string) {
	tr, ok := c.tracks[reportTitle]
	if !ok || !tr.dirty {
		return
	}
	c.persistNow(ctx, tr)
}

// terminate flips the loop inactive, flushes state, and for budget
// exhaustion tells the agent to wrap up with the matching terminal tag.
func (c *Controller) terminate(ctx context.Context, tr *reportTrack, d decision.LoopDecision, reason string) {
	tr.state.Active = false
	tr.state.LastDecision = d
	c.persistNow(ctx, tr)

	if d == decision.DecisionBudgetExhausted {
		msg := fmt.Sprintf(
			"Auto-loop for report %q has stopped: %s.\n"+
				"Do not start new work. Summarize the current state of the research, "+
				"then end your response with:\n<promise>%s</promise>",
			tr.state.ReportTitle, reason, TagBudgetExhausted)
		if err := c.inject.Inject(ctx, tr.state.ReportTitle, msg); err != nil {
			dbglog.Printf("autoloop: %s: terminal injection failed: %v", tr.state.ReportTitle, err)
		}
	}
	c.dropTrack(tr.state.ReportTitle, tr)
	dbglog.Printf("autoloop: %s: loop ended (%s: %s)", tr.state.ReportTitle, d, reason)
}

func (c *Controller) dropTrack(title string, tr *reportTrack) {
	if tr.persistTimer != nil {
		tr.persistTimer.Stop()
		tr.persistTimer = nil
	}
	delete(c.tracks, title)
}

// schedulePersist arms (or re-arms) the debounce timer for one report.
func (c *Controller) schedulePersist(tr *reportTrack) {
	tr.dirty = true
	if tr.persistTimer != nil {
		tr.persistTimer.Reset(PersistDebounce)
		return
	}
	title := tr.state.ReportTitle
	tr.persistTimer = time.AfterFunc(PersistDebounce, func() {
		c.Handle(persistTick{reportTitle: title})
	})
}

func (c *Controller) persistNow(ctx context.Context, tr *reportTrack) {
	if tr.persistTimer != nil {
		tr.persistTimer.Stop()
	}
	tr.dirty = false
	if err := c.store.Save(ctx, tr.state); err != nil {
		dbglog.Printf("autoloop: %s: persist failed: %v", tr.state.ReportTitle, err)
	}
}

func (c *Controller) flushAll(ctx context.Context) {
	for title, tr := range c.tracks {
		c.persistNow(ctx, tr)
		c.dropTrack(title, tr)
	}
}

// reapIdleBridges terminates bridges idle past the threshold. Sweeps are
// suspended while any loop is active: an active loop may legitimately leave
// its bridge quiet for long stretches between stages.
func (c *Controller) reapIdleBridges(ctx context.Context) {
	if c.registry == nil {
		return
	}
	for _, tr := range c.tracks {
		if tr.state.Active {
			return
		}
	}

	sessions, err := c.registry.List()
	if err != nil {
		dbglog.Printf("autoloop: bridge sweep: %v", err)
		return
	}
	cutoff := c.now().Add(-c.idleThreshold)
	for _, s := range sessions {
		if s.Err != nil {
			// Poisoned metadata: reap the file, never signal the pid.
			dbglog.Printf("autoloop: reaping poisoned session %s: %v", s.Dir, s.Err)
			c.reapSession(ctx, sessionIDFromDir(s))
			continue
		}
		if !bridge.LastActivityBefore(s.Meta, cutoff) {
			continue
		}
		if err := c.registry.VerifyIdentity(s.Meta); err == nil {
			// Identity proven: a polite stop before the metadata goes away.
			if err := syscall.Kill(s.Meta.PID, syscall.SIGTERM); err != nil {
				dbglog.Ignored("autoloop: signal idle bridge", err)
			}
		}
		c.reapSession(ctx, s.Meta.SessionID)
	}
}

func (c *Controller) reapSession(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	if err := c.registry.Reap(ctx, sessionID); err != nil {
		dbglog.Printf("autoloop: reap session %s: %v", sessionID, err)
	}
}

// sessionIDFromDir recovers a session id for poisoned entries. The
// directory name is a hash Reap cannot invert, so when no sessionId
// survived decoding the entry is left for manual cleanup.
func sessionIDFromDir(s bridge.Session) string {
	if s.Meta != nil {
		return s.Meta.SessionID
	}
	return ""
}

func (c *Controller) at(t time.Time) time.Time {
	if t.IsZero() {
		return c.now()
	}
	return t
}

func outputHash(output string) string {
	sum := blake3.Sum256([]byte(output))
	return hex.EncodeToString(sum[:])
}

// continuationMessage builds the re-injection prompt: where the loop
// stands, what to do next, and the only legal ways to end it.
func (c *Controller) continuationMessage(s *State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Auto-loop continuation for report %q (iteration %d/%d, cycle %d/%d, tool calls %d/%d).\n",
		s.ReportTitle, s.Iteration, s.MaxIterations,
		s.Budgets.CurrentCycle, s.Budgets.MaxCycles,
		s.Budgets.TotalToolCalls, s.Budgets.MaxToolCalls)
	if s.LastDecision != "" {
		fmt.Fprintf(&b, "Last decision: %s.\n", s.LastDecision)
	}
	if s.TrustScore != nil {
		fmt.Fprintf(&b, "Last aggregated trust score: %d (threshold %d).\n", *s.TrustScore, decision.TrustThreshold)
	}
	if s.GoalGateStatus != "" {
		fmt.Fprintf(&b, "Goal gate: %s.\n", s.GoalGateStatus)
	}
	if s.NextObjective != "" {
		fmt.Fprintf(&b, "Next objective: %s\n", s.NextObjective)
	}
	fmt.Fprintf(&b,
		"Continue the research. When the goal is verifiably met, finish the report and end with "+
			"<promise>%s</promise>. If progress is impossible, explain why and end with "+
			"<promise>%s</promise>. Do not emit either tag otherwise.",
		TagComplete, TagBlocked)
	return b.String()
}
