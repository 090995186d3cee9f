// Package queue is the dispatch plane: a single JSON document per
// (report, run) protected by a QUEUE-category lock. Every mutating
// operation is a strict read-modify-write under that lock, so concurrent
// claimers are guaranteed disjoint jobs and no partial state ever reaches
// disk.
//
// Semantics are at-least-once: a claimed job whose worker stops
// heartbeating is reclaimed by reap and retried until its attempt cap,
// so stages must be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/boshu2/gyoshu/internal/fsafe"
	"github.com/boshu2/gyoshu/internal/lockfile"
	"github.com/boshu2/gyoshu/internal/runtimedir"
)

// Queue addresses one (report, run) document.
type Queue struct {
	ProjectRoot string
	ReportTitle string
	RunID       string

	Locks *lockfile.Manager

	// now is swappable for tests.
	now func() time.Time
}

// Open addresses a queue without touching disk. runtimeRoot hosts the lock
// tree; projectRoot hosts the durable document.
func Open(projectRoot, runtimeRoot, reportTitle, runID string) (*Queue, error) {
	if err := runtimedir.ValidateReportTitle(reportTitle); err != nil {
		return nil, err
	}
	if err := validateRunID(runID); err != nil {
		return nil, err
	}
	return &Queue{
		ProjectRoot: projectRoot,
		ReportTitle: reportTitle,
		RunID:       runID,
		Locks:       lockfile.NewManager(runtimeRoot),
		now:         time.Now,
	}, nil
}

func validateRunID(runID string) error {
	r := strings.TrimSpace(runID)
	if r == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.ContainsAny(r, `/\`) || strings.Contains(r, "..") {
		return fmt.Errorf("invalid run id %q: must be a single path segment", runID)
	}
	return nil
}

// Path returns the durable document path:
// reports/{reportTitle}/queue/{runId}.json.
func (q *Queue) Path() string {
	return filepath.Join(q.ProjectRoot, "reports", q.ReportTitle, "queue", q.RunID+".json")
}

func (q *Queue) lockKey() string {
	return "queue:" + q.ReportTitle + ":" + q.RunID
}

// Init creates an empty queue with merged config defaults. Fails with
// ErrAlreadyExists when the document is already present.
func (q *Queue) Init(ctx context.Context, cfg *Config) (*State, error) {
	guard, err := q.Locks.Acquire(ctx, lockfile.Queue, q.lockKey(), 0)
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	path := q.Path()
	if _, err := os.Lstat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	merged := DefaultConfig()
	if cfg != nil {
		merged = cfg.withDefaults()
	}
	now := formatTime(q.now())
	st := &State{
		ReportTitle: q.ReportTitle,
		RunID:       q.RunID,
		CreatedAt:   now,
		UpdatedAt:   now,
		Config:      merged,
		Jobs:        []Job{},
		Workers:     []Worker{},
		Status:      "active",
	}
	if err := q.write(st); err != nil {
		return nil, err
	}
	return st, nil
}

// EnqueueResult reports the assigned ids and the queue size after enqueue.
type EnqueueResult struct {
	JobIDs   []string `json:"jobIds"`
	Enqueued int      `json:"enqueued"`
	Total    int      `json:"totalJobs"`
}

// Enqueue appends jobs in order. Ids are ULIDs, opaque to callers.
func (q *Queue) Enqueue(ctx context.Context, specs []JobSpec) (*EnqueueResult, error) {
	if len(specs) == 0 {
		return nil, ErrEmptyJobs
	}
	var res EnqueueResult
	err := q.mutate(ctx, func(st *State) error {
		for _, spec := range specs {
			job := Job{
				JobID:                ulid.Make().String(),
				StageID:              spec.StageID,
				Kind:                 spec.Kind,
				Payload:              spec.Payload,
				Status:               StatusPending,
				MaxAttempts:          spec.MaxAttempts,
				RequiredCapabilities: spec.RequiredCapabilities,
			}
			st.Jobs = append(st.Jobs, job)
			res.JobIDs = append(res.JobIDs, job.JobID)
		}
		res.Enqueued = len(specs)
		res.Total = len(st.Jobs)
		st.Status = "active"
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ClaimResult is the claim outcome. An empty queue is not an error:
// Success is false with Reason "no_jobs".
type ClaimResult struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
	Job     *Job   `json:"job,omitempty"`
}

// Claim picks the first PENDING job whose required capabilities are covered
// by the worker, transitions it to CLAIMED, and registers or refreshes the
// worker. The scan and the transition happen inside the QUEUE lock, so two
// concurrent claimers always receive different jobs.
func (q *Queue) Claim(ctx context.Context, workerID string, capabilities []string) (*ClaimResult, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, ErrMissingWorkerID
	}
	res := &ClaimResult{}
	err := q.mutate(ctx, func(st *State) error {
		now := formatTime(q.now())
		q.registerWorker(st, workerID, capabilities, now)

		for i := range st.Jobs {
			job := &st.Jobs[i]
			if job.Status != StatusPending {
				continue
			}
			if !capabilitiesCover(capabilities, job.RequiredCapabilities) {
				continue
			}
			job.Status = StatusClaimed
			job.ClaimedBy = workerID
			job.ClaimedAt = now
			job.HeartbeatAt = now
			job.Attempts++
			claimed := *job
			res.Success = true
			res.Job = &claimed
			return nil
		}
		res.Success = false
		res.Reason = "no_jobs"
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *Queue) registerWorker(st *State, workerID string, capabilities []string, now string) {
	if w := st.findWorker(workerID); w != nil {
		w.HeartbeatAt = now
		if len(capabilities) > 0 {
			w.Capabilities = capabilities
		}
		return
	}
	st.Workers = append(st.Workers, Worker{
		WorkerID:     workerID,
		Capabilities: capabilities,
		RegisteredAt: now,
		HeartbeatAt:  now,
	})
}

// Heartbeat refreshes a worker's liveness and, when jobID is set, the job's
// heartbeat. An unregistered worker is registered on first heartbeat.
func (q *Queue) Heartbeat(ctx context.Context, workerID, jobID string) error {
	if strings.TrimSpace(workerID) == "" {
		return ErrMissingWorkerID
	}
	return q.mutate(ctx, func(st *State) error {
		now := formatTime(q.now())
		q.registerWorker(st, workerID, nil, now)
		if jobID == "" {
			return nil
		}
		job := st.findJob(jobID)
		if job == nil {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		if job.Status == StatusClaimed && job.ClaimedBy == workerID {
			job.HeartbeatAt = now
		}
		return nil
	})
}

// Complete transitions a CLAIMED job to DONE with its result.
func (q *Queue) Complete(ctx context.Context, jobID string, result json.RawMessage) error {
	return q.mutate(ctx, func(st *State) error {
		job := st.findJob(jobID)
		if job == nil {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		if job.Status != StatusClaimed {
			return fmt.Errorf("%w: complete on %s job %s", ErrWrongState, job.Status, jobID)
		}
		job.Status = StatusDone
		job.CompletedAt = formatTime(q.now())
		job.Result = result
		q.refreshQueueStatus(st)
		return nil
	})
}

// Fail records a failure on a CLAIMED job. With attempts left the job
// returns to PENDING with claim fields cleared; otherwise it is FAILED
// permanently with the last error. The attempt was already counted at
// claim time.
func (q *Queue) Fail(ctx context.Context, jobID, errMsg string) error {
	if strings.TrimSpace(errMsg) == "" {
		return ErrMissingError
	}
	return q.mutate(ctx, func(st *State) error {
		job := st.findJob(jobID)
		if job == nil {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		if job.Status != StatusClaimed {
			return fmt.Errorf("%w: fail on %s job %s", ErrWrongState, job.Status, jobID)
		}
		failJob(job, errMsg, st.Config, formatTime(q.now()))
		q.refreshQueueStatus(st)
		return nil
	})
}

// failJob applies the shared retry-with-cap transition used by both fail
// and reap.
func failJob(job *Job, errMsg string, cfg Config, now string) {
	job.Error = errMsg
	if job.Attempts < job.maxAttemptsFor(cfg) {
		job.Status = StatusPending
		job.ClaimedBy = ""
		job.ClaimedAt = ""
		job.HeartbeatAt = ""
		return
	}
	job.Status = StatusFailed
	job.CompletedAt = now
}

// StatusResult is the queue snapshot returned by Status.
type StatusResult struct {
	JobCounts  map[JobStatus]int `json:"jobCounts"`
	Workers    []WorkerStatus    `json:"workers"`
	TotalJobs  int               `json:"totalJobs"`
	IsComplete bool              `json:"isComplete"`
	HasFailed  bool              `json:"hasFailed"`
}

// WorkerStatus annotates a worker with liveness.
type WorkerStatus struct {
	Worker
	Active bool `json:"active"`
}

// Status reads the queue without mutating it.
func (q *Queue) Status(ctx context.Context) (*StatusResult, error) {
	st, err := q.read()
	if err != nil {
		return nil, err
	}
	res := &StatusResult{
		JobCounts: map[JobStatus]int{
			StatusPending: 0, StatusClaimed: 0, StatusDone: 0, StatusFailed: 0,
		},
		TotalJobs: len(st.Jobs),
	}
	for _, j := range st.Jobs {
		res.JobCounts[j.Status]++
	}
	res.IsComplete = res.JobCounts[StatusPending] == 0 && res.JobCounts[StatusClaimed] == 0
	res.HasFailed = res.JobCounts[StatusFailed] > 0

	activeWindow := time.Duration(st.Config.HeartbeatIntervalMS) * time.Millisecond * activeWindowFactor
	now := q.now()
	for _, w := range st.Workers {
		hb := parseTime(w.HeartbeatAt)
		res.Workers = append(res.Workers, WorkerStatus{
			Worker: w,
			Active: !hb.IsZero() && now.Sub(hb) < activeWindow,
		})
	}
	return res, nil
}

// ReapResult reports reclaimed jobs.
type ReapResult struct {
	ReapedCount int      `json:"reapedCount"`
	Retried     []string `json:"retried,omitempty"`
	Failed      []string `json:"failed,omitempty"`
}

// Reap reclaims every CLAIMED job whose freshest signal (the more recent of
// heartbeatAt and claimedAt) is older than staleClaimMs. Each reclaimed job
// is treated exactly as a fail. This is the dead-worker recovery path;
// there is no other cancellation.
func (q *Queue) Reap(ctx context.Context) (*ReapResult, error) {
	res := &ReapResult{}
	err := q.mutate(ctx, func(st *State) error {
		staleAfter := time.Duration(st.Config.StaleClaimMS) * time.Millisecond
		now := q.now()
		for i := range st.Jobs {
			job := &st.Jobs[i]
			if job.Status != StatusClaimed {
				continue
			}
			fresh := parseTime(job.HeartbeatAt)
			if claimed := parseTime(job.ClaimedAt); claimed.After(fresh) {
				fresh = claimed
			}
			if fresh.IsZero() || now.Sub(fresh) <= staleAfter {
				continue
			}
			failJob(job, fmt.Sprintf("stale claim reclaimed from worker %q", job.ClaimedBy), st.Config, formatTime(now))
			res.ReapedCount++
			if job.Status == StatusPending {
				res.Retried = append(res.Retried, job.JobID)
			} else {
				res.Failed = append(res.Failed, job.JobID)
			}
		}
		q.refreshQueueStatus(st)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// BarrierSnapshot is the non-blocking barrier predicate. The queue never
// sleeps on the caller's behalf; dispatchers poll at their own rate.
type BarrierSnapshot struct {
	StageID   string `json:"stageId,omitempty"`
	Pending   int    `json:"pending"`
	Claimed   int    `json:"claimed"`
	Done      int    `json:"done"`
	Failed    int    `json:"failed"`
	TotalJobs int    `json:"totalJobs"`
	Complete  bool   `json:"complete"`
}

// BarrierWait snapshots job counts, optionally filtered to one stage.
// Complete means no job is pending or claimed.
func (q *Queue) BarrierWait(ctx context.Context, stageID string) (*BarrierSnapshot, error) {
	st, err := q.read()
	if err != nil {
		return nil, err
	}
	snap := &BarrierSnapshot{StageID: stageID}
	for _, j := range st.Jobs {
		if stageID != "" && j.StageID != stageID {
			continue
		}
		snap.TotalJobs++
		switch j.Status {
		case StatusPending:
			snap.Pending++
		case StatusClaimed:
			snap.Claimed++
		case StatusDone:
			snap.Done++
		case StatusFailed:
			snap.Failed++
		}
	}
	snap.Complete = snap.Pending+snap.Claimed == 0
	return snap, nil
}

// refreshQueueStatus flips the document status once every job is terminal.
func (q *Queue) refreshQueueStatus(st *State) {
	for _, j := range st.Jobs {
		if j.Status == StatusPending || j.Status == StatusClaimed {
			st.Status = "active"
			return
		}
	}
	if len(st.Jobs) > 0 {
		st.Status = "complete"
	}
}

// mutate runs one read-validate-edit-write cycle under the QUEUE lock.
func (q *Queue) mutate(ctx context.Context, edit func(*State) error) error {
	guard, err := q.Locks.Acquire(ctx, lockfile.Queue, q.lockKey(), 0)
	if err != nil {
		return err
	}
	defer guard.Release()

	st, err := q.read()
	if err != nil {
		return err
	}
	if err := edit(st); err != nil {
		return err
	}
	st.UpdatedAt = formatTime(q.now())
	return q.write(st)
}

func (q *Queue) read() (*State, error) {
	path := q.Path()
	f, err := fsafe.OpenNoFollow(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var st State
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidState, path, err)
	}
	if err := validateState(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (q *Queue) write(st *State) error {
	return fsafe.WriteJSONFile(q.Path(), st)
}
