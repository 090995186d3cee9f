package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// JobStatus is the per-job state machine. PENDING and CLAIMED are the only
// states transitions occur from; DONE and FAILED are terminal.
type JobStatus string

const (
	StatusPending JobStatus = "PENDING"
	StatusClaimed JobStatus = "CLAIMED"
	StatusDone    JobStatus = "DONE"
	StatusFailed  JobStatus = "FAILED"
)

// JobKind selects the payload variant.
type JobKind string

const (
	KindExecuteStage JobKind = "execute_stage"
	KindVerifyStage  JobKind = "verify_stage"
)

// Config carries queue tunables. Defaults are merged at init.
type Config struct {
	MaxJobAttempts      int   `json:"maxJobAttempts"`
	StaleClaimMS        int64 `json:"staleClaimMs"`
	HeartbeatIntervalMS int64 `json:"heartbeatIntervalMs"`
}

// DefaultConfig returns the documented defaults. staleClaimMs is 120000;
// tests that need faster reclaim pass an explicit override.
func DefaultConfig() Config {
	return Config{
		MaxJobAttempts:      3,
		StaleClaimMS:        120_000,
		HeartbeatIntervalMS: 30_000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxJobAttempts <= 0 {
		c.MaxJobAttempts = d.MaxJobAttempts
	}
	if c.StaleClaimMS <= 0 {
		c.StaleClaimMS = d.StaleClaimMS
	}
	if c.HeartbeatIntervalMS <= 0 {
		c.HeartbeatIntervalMS = d.HeartbeatIntervalMS
	}
	return c
}

// Job is one dispatchable unit. jobId is unique within the queue and
// opaque to callers. Payload and Result are raw JSON so worker-defined
// shapes survive read-modify-write untouched.
type Job struct {
	JobID                string          `json:"jobId"`
	StageID              string          `json:"stageId"`
	Kind                 JobKind         `json:"kind"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	Status               JobStatus       `json:"status"`
	Attempts             int             `json:"attempts"`
	MaxAttempts          int             `json:"maxAttempts,omitempty"`
	RequiredCapabilities []string        `json:"requiredCapabilities,omitempty"`
	ClaimedBy            string          `json:"claimedBy,omitempty"`
	ClaimedAt            string          `json:"claimedAt,omitempty"`
	HeartbeatAt          string          `json:"heartbeatAt,omitempty"`
	CompletedAt          string          `json:"completedAt,omitempty"`
	Result               json.RawMessage `json:"result,omitempty"`
	Error                string          `json:"error,omitempty"`
}

// JobSpec is the caller-facing enqueue request.
type JobSpec struct {
	StageID              string          `json:"stageId"`
	Kind                 JobKind         `json:"kind"`
	Payload              json.RawMessage `json:"payload,omitempty"`
	MaxAttempts          int             `json:"maxAttempts,omitempty"`
	RequiredCapabilities []string        `json:"requiredCapabilities,omitempty"`
}

// maxAttemptsFor applies the per-job override; the config value is the
// fallback.
func (j *Job) maxAttemptsFor(cfg Config) int {
	if j.MaxAttempts > 0 {
		return j.MaxAttempts
	}
	return cfg.MaxJobAttempts
}

// Worker is a registered claimer. A worker is active while its heartbeat is
// within activeWindowFactor heartbeat intervals.
type Worker struct {
	WorkerID     string   `json:"workerId"`
	Capabilities []string `json:"capabilities,omitempty"`
	RegisteredAt string   `json:"registeredAt"`
	HeartbeatAt  string   `json:"heartbeatAt"`
}

const activeWindowFactor = 3

// State is the whole queue document: a single JSON file per (report, run),
// mutated only under the QUEUE lock. Unknown top-level fields round-trip
// through Extra.
type State struct {
	ReportTitle string   `json:"reportTitle"`
	RunID       string   `json:"runId"`
	CreatedAt   string   `json:"createdAt"`
	UpdatedAt   string   `json:"updatedAt"`
	Config      Config   `json:"config"`
	Jobs        []Job    `json:"jobs"`
	Workers     []Worker `json:"workers"`
	Status      string   `json:"status"`

	Extra map[string]json.RawMessage `json:"-"`
}

type stateAlias State

var stateKnownKeys = map[string]struct{}{
	"reportTitle": {}, "runId": {}, "createdAt": {}, "updatedAt": {},
	"config": {}, "jobs": {}, "workers": {}, "status": {},
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

func (s *State) findJob(jobID string) *Job {
	for i := range s.Jobs {
		if s.Jobs[i].JobID == jobID {
			return &s.Jobs[i]
		}
	}
	return nil
}

func (s *State) findWorker(workerID string) *Worker {
	for i := range s.Workers {
		if s.Workers[i].WorkerID == workerID {
			return &s.Workers[i]
		}
	}
	return nil
}

// ExecuteStagePayload is the typed payload for execute_stage jobs.
type ExecuteStagePayload struct {
	Objective    string   `json:"objective"`
	Cycle        int      `json:"cycle"`
	WorkerSlot   int      `json:"workerSlot"`
	StagingDir   string   `json:"stagingDir,omitempty"`
	NotebookPath string   `json:"notebookPath,omitempty"`
	Hints        []string `json:"hints,omitempty"`
}

// VerifyStagePayload is the typed payload for verify_stage jobs.
type VerifyStagePayload struct {
	CandidatePath string `json:"candidatePath"`
	StageID       string `json:"stageId"`
	Cycle         int    `json:"cycle"`
	OutputPath    string `json:"outputPath,omitempty"`
}

// DecodePayload decodes a job's payload into its kind-specific variant.
// Unknown kinds return the raw message so forward-compatible callers can
// pass it through.
func DecodePayload(j *Job) (any, error) {
	switch j.Kind {
	case KindExecuteStage:
		var p ExecuteStagePayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return nil, fmt.Errorf("job %s: decode execute_stage payload: %w", j.JobID, err)
		}
		return p, nil
	case KindVerifyStage:
		var p VerifyStagePayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			return nil, fmt.Errorf("job %s: decode verify_stage payload: %w", j.JobID, err)
		}
		return p, nil
	default:
		return j.Payload, nil
	}
}

// capabilitiesCover reports required ⊆ offered (set inclusion, trimmed,
// case-sensitive).
func capabilitiesCover(offered, required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(offered))
	for _, c := range offered {
		have[strings.TrimSpace(c)] = struct{}{}
	}
	for _, c := range required {
		if _, ok := have[strings.TrimSpace(c)]; !ok {
			return false
		}
	}
	return true
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	return time.Time{}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
