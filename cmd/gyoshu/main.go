// Command gyoshu is the operational surface of the research coordinator:
// queue dispatch, loop status, bridge hygiene, and the report gate. Every
// command prints a single JSON envelope on stdout so agent tooling can
// consume results without scraping.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/boshu2/gyoshu/internal/autoloop"
	"github.com/boshu2/gyoshu/internal/bridge"
	"github.com/boshu2/gyoshu/internal/config"
	"github.com/boshu2/gyoshu/internal/queue"
	"github.com/boshu2/gyoshu/internal/reportgate"
	"github.com/boshu2/gyoshu/internal/runtimedir"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		printJSON(map[string]any{"success": false, "error": err.Error()})
		os.Exit(1)
	}
}

var (
	flagProject string
	flagReport  string
	flagRun     string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gyoshu",
		Short:         "durable coordination for agentic research runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagProject, "project", ".", "project root holding reports/")
	root.PersistentFlags().StringVar(&flagReport, "report", "", "report title (the research namespace)")

	root.AddCommand(newQueueCmd())
	root.AddCommand(newLoopCmd())
	root.AddCommand(newBridgeCmd())
	root.AddCommand(newGateCmd())
	return root
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func envelope(action string, v any) {
	b, _ := json.Marshal(v)
	var fields map[string]any
	_ = json.Unmarshal(b, &fields)
	out := map[string]any{"success": true, "action": action}
	for k, val := range fields {
		out[k] = val
	}
	printJSON(out)
}

func openQueue() (*queue.Queue, error) {
	if flagReport == "" {
		return nil, fmt.Errorf("--report is required")
	}
	if flagRun == "" {
		return nil, fmt.Errorf("--run is required")
	}
	runtimeRoot, err := runtimedir.Resolve()
	if err != nil {
		return nil, err
	}
	return queue.Open(flagProject, runtimeRoot, flagReport, flagRun)
}

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "queue", Short: "parallel job queue operations"}
	cmd.PersistentFlags().StringVar(&flagRun, "run", "", "run id within the report")

	cmd.AddCommand(newQueueInitCmd())
	cmd.AddCommand(newQueueEnqueueCmd())
	cmd.AddCommand(newQueueClaimCmd())
	cmd.AddCommand(newQueueHeartbeatCmd())
	cmd.AddCommand(newQueueCompleteCmd())
	cmd.AddCommand(newQueueFailCmd())
	cmd.AddCommand(newQueueStatusCmd())
	cmd.AddCommand(newQueueReapCmd())
	cmd.AddCommand(newQueueBarrierCmd())
	return cmd
}

func newQueueInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "create an empty queue document for a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			cfg, err := config.LoadProject(flagProject)
			if err != nil {
				return err
			}
			qc := &queue.Config{
				MaxJobAttempts:      *cfg.Queue.MaxJobAttempts,
				StaleClaimMS:        int64(*cfg.Queue.StaleClaimMS),
				HeartbeatIntervalMS: int64(*cfg.Queue.HeartbeatIntervalMS),
			}
			st, err := q.Init(cmd.Context(), qc)
			if err != nil {
				return err
			}
			envelope("queue_init", map[string]any{
				"path":   q.Path(),
				"runId":  st.RunID,
				"config": st.Config,
			})
			return nil
		},
	}
}

func newQueueEnqueueCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "append jobs from a JSON spec array (stdin or --file)",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			var r io.Reader = os.Stdin
			if file != "" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				r = f
			}
			var specs []queue.JobSpec
			if err := json.NewDecoder(r).Decode(&specs); err != nil {
				return fmt.Errorf("decode job specs: %w", err)
			}
			res, err := q.Enqueue(cmd.Context(), specs)
			if err != nil {
				return err
			}
			envelope("queue_enqueue", res)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "read job specs from a file instead of stdin")
	return cmd
}

func newQueueClaimCmd() *cobra.Command {
	var workerID, caps string
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "claim the next eligible pending job",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			if workerID == "" {
				workerID = "worker-" + uuid.NewString()[:8]
			}
			res, err := q.Claim(cmd.Context(), workerID, splitCSV(caps))
			if err != nil {
				return err
			}
			envelope("queue_claim", map[string]any{
				"workerId": workerID,
				"claimed":  res.Success,
				"reason":   res.Reason,
				"job":      res.Job,
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&workerID, "worker", "", "worker id (generated when omitted)")
	cmd.Flags().StringVar(&caps, "caps", "", "comma-separated worker capabilities")
	return cmd
}

func newQueueHeartbeatCmd() *cobra.Command {
	var workerID, jobID string
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "refresh a worker's (and optionally a job's) liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			if err := q.Heartbeat(cmd.Context(), workerID, jobID); err != nil {
				return err
			}
			envelope("queue_heartbeat", map[string]any{"workerId": workerID, "jobId": jobID})
			return nil
		},
	}
	cmd.Flags().StringVar(&workerID, "worker", "", "worker id")
	cmd.Flags().StringVar(&jobID, "job", "", "claimed job id to refresh")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func newQueueCompleteCmd() *cobra.Command {
	var jobID, result string
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "mark a claimed job done with its result",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			var raw json.RawMessage
			if result != "" {
				if !json.Valid([]byte(result)) {
					return fmt.Errorf("--result must be valid JSON")
				}
				raw = json.RawMessage(result)
			}
			if err := q.Complete(cmd.Context(), jobID, raw); err != nil {
				return err
			}
			envelope("queue_complete", map[string]any{"jobId": jobID})
			return nil
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "job id")
	cmd.Flags().StringVar(&result, "result", "", "JSON result payload")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func newQueueFailCmd() *cobra.Command {
	var jobID, errMsg string
	cmd := &cobra.Command{
		Use:   "fail",
		Short: "record a failure on a claimed job",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			if err := q.Fail(cmd.Context(), jobID, errMsg); err != nil {
				return err
			}
			envelope("queue_fail", map[string]any{"jobId": jobID})
			return nil
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "job id")
	cmd.Flags().StringVar(&errMsg, "error", "", "failure description")
	_ = cmd.MarkFlagRequired("job")
	_ = cmd.MarkFlagRequired("error")
	return cmd
}

func newQueueStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "snapshot job counts and worker liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			res, err := q.Status(cmd.Context())
			if err != nil {
				return err
			}
			envelope("queue_status", res)
			return nil
		},
	}
}

func newQueueReapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "reclaim jobs whose workers stopped heartbeating",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			res, err := q.Reap(cmd.Context())
			if err != nil {
				return err
			}
			envelope("queue_reap", res)
			return nil
		},
	}
}

func newQueueBarrierCmd() *cobra.Command {
	var stageID string
	var wait bool
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "barrier",
		Short: "snapshot (or wait for) stage completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			var snap *queue.BarrierSnapshot
			if wait {
				deadline := time.Time{}
				if timeout > 0 {
					deadline = time.Now().Add(timeout)
				}
				snap, err = q.WaitBarrier(cmd.Context(), stageID, time.Second, deadline)
			} else {
				snap, err = q.BarrierWait(cmd.Context(), stageID)
			}
			if err != nil {
				return err
			}
			envelope("queue_barrier", snap)
			return nil
		},
	}
	cmd.Flags().StringVar(&stageID, "stage", "", "restrict the barrier to one stage")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the barrier completes")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up waiting after this long")
	return cmd
}

func newLoopCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "loop", Short: "auto-loop state"}

	var startRun string
	start := &cobra.Command{
		Use:   "start",
		Short: "create an active loop for a report, budgeted from config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagReport == "" {
				return fmt.Errorf("--report is required")
			}
			cfg, err := config.LoadProject(flagProject)
			if err != nil {
				return err
			}
			runtimeRoot, err := runtimedir.Resolve()
			if err != nil {
				return err
			}
			store := autoloop.NewStore(flagProject, runtimeRoot)
			if existing, err := store.Load(flagReport); err == nil && existing.Active {
				return fmt.Errorf("auto-loop for %q is already active", flagReport)
			}
			s := autoloop.NewStateFromConfig(flagReport, startRun, cfg, time.Now())
			if err := store.Save(cmd.Context(), s); err != nil {
				return err
			}
			envelope("loop_start", map[string]any{
				"reportTitle":   s.ReportTitle,
				"runId":         s.RunID,
				"maxIterations": s.MaxIterations,
				"budgets":       s.Budgets,
			})
			return nil
		},
	}
	start.Flags().StringVar(&startRun, "run", "", "queue run id the loop dispatches")
	cmd.AddCommand(start)

	var cycle int
	var goalTarget float64
	decide := &cobra.Command{
		Use:   "decide",
		Short: "judge a staging cycle and persist the next loop decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagReport == "" {
				return fmt.Errorf("--report is required")
			}
			cfg, err := config.LoadProject(flagProject)
			if err != nil {
				return err
			}
			runtimeRoot, err := runtimedir.Resolve()
			if err != nil {
				return err
			}
			store := autoloop.NewStore(flagProject, runtimeRoot)
			eval, err := store.EvaluateCycle(cmd.Context(), flagReport, cycle, autoloop.EvaluateOptions{
				GoalTarget:    goalTarget,
				GateThreshold: *cfg.Gate.PassThreshold,
			})
			if err != nil {
				return err
			}
			envelope("loop_decide", eval)
			return nil
		},
	}
	decide.Flags().IntVar(&cycle, "cycle", 1, "staging cycle number to judge")
	decide.Flags().Float64Var(&goalTarget, "goal-target", 0, "goal progress target (default 1.0)")
	cmd.AddCommand(decide)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "show the loop state for a report",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagReport == "" {
				return fmt.Errorf("--report is required")
			}
			runtimeRoot, err := runtimedir.Resolve()
			if err != nil {
				return err
			}
			store := autoloop.NewStore(flagProject, runtimeRoot)
			snap, err := store.Snapshot(flagReport)
			if errors.Is(err, autoloop.ErrNotFound) {
				envelope("loop_status", map[string]any{"reportTitle": flagReport, "active": false, "exists": false})
				return nil
			}
			if err != nil {
				return err
			}
			out := map[string]any{"loop": snap}
			if snap.RunID != "" {
				if q, err := queue.Open(flagProject, runtimeRoot, flagReport, snap.RunID); err == nil {
					if qs, err := q.Status(cmd.Context()); err == nil {
						out["queue"] = qs
					}
				}
			}
			envelope("loop_status", out)
			return nil
		},
	})
	return cmd
}

func newBridgeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "bridge", Short: "REPL bridge session hygiene"}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list bridge sessions with identity status",
		RunE: func(cmd *cobra.Command, args []string) error {
			runtimeRoot, err := runtimedir.Resolve()
			if err != nil {
				return err
			}
			reg := bridge.NewRegistry(runtimeRoot)
			sessions, err := reg.List()
			if err != nil {
				return err
			}
			type entry struct {
				Dir       string       `json:"dir"`
				SessionID string       `json:"sessionId,omitempty"`
				PID       int          `json:"pid,omitempty"`
				Alive     bool         `json:"alive"`
				Error     string       `json:"error,omitempty"`
				Meta      *bridge.Meta `json:"meta,omitempty"`
			}
			out := make([]entry, 0, len(sessions))
			for _, s := range sessions {
				e := entry{Dir: s.Dir}
				if s.Err != nil {
					e.Error = s.Err.Error()
				} else {
					e.SessionID = s.Meta.SessionID
					e.PID = s.Meta.PID
					e.Alive = reg.VerifyIdentity(s.Meta) == nil
					e.Meta = s.Meta
				}
				out = append(out, e)
			}
			envelope("bridge_list", map[string]any{"sessions": out, "count": len(out)})
			return nil
		},
	})

	var sessionID string
	reap := &cobra.Command{
		Use:   "reap",
		Short: "remove a session's metadata and socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			runtimeRoot, err := runtimedir.Resolve()
			if err != nil {
				return err
			}
			reg := bridge.NewRegistry(runtimeRoot)
			if err := reg.Reap(cmd.Context(), sessionID); err != nil {
				return err
			}
			envelope("bridge_reap", map[string]any{"sessionId": sessionID})
			return nil
		},
	}
	reap.Flags().StringVar(&sessionID, "session", "", "session id")
	_ = reap.MarkFlagRequired("session")
	cmd.AddCommand(reap)
	return cmd
}

func newGateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "gate", Short: "report readiness gate"}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "score a report against the readiness gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagReport == "" {
				return fmt.Errorf("--report is required")
			}
			cfg, err := config.LoadProject(flagProject)
			if err != nil {
				return err
			}
			root, err := runtimedir.ReportRoot(flagProject, flagReport)
			if err != nil {
				return err
			}
			res := reportgate.CheckAt(root, *cfg.Gate.PassThreshold)
			envelope("gate_check", res)
			return nil
		},
	})
	return cmd
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
