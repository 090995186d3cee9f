package autoloop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/boshu2/gyoshu/internal/decision"
	"github.com/boshu2/gyoshu/internal/fsafe"
	"github.com/boshu2/gyoshu/internal/markers"
	"github.com/boshu2/gyoshu/internal/reportgate"
	"github.com/boshu2/gyoshu/internal/runtimedir"
)

// ErrNoCandidates means a staging cycle holds nothing to judge.
var ErrNoCandidates = errors.New("no staged candidates")

// CandidateFileName and VerificationFileName are the per-worker staging
// artifacts under reports/{title}/staging/cycle-{NN}/worker-{K}/.
const (
	CandidateFileName    = "candidate.json"
	VerificationFileName = "baksa.json"
)

// EvaluateOptions tunes one cycle evaluation.
type EvaluateOptions struct {
	// GoalTarget is the goalProgress the selected candidate must reach for
	// the goal gate to report MET. Zero means 1.0.
	GoalTarget float64
	// GateThreshold is the report gate pass threshold. Zero means the
	// built-in default.
	GateThreshold int
}

// CycleEvaluation is the judged outcome of one staging cycle.
type CycleEvaluation struct {
	Cycle      int                           `json:"cycle"`
	Aggregates map[string]decision.Aggregate `json:"aggregates"`
	Selection  decision.Selection            `json:"selection"`
	Gate       reportgate.Result             `json:"gate"`
	Goal       decision.GoalGateStatus       `json:"goal"`
	Decision   decision.LoopDecision         `json:"decision"`
	TrustScore int                           `json:"trustScore"`

	challenges []string
}

// candidateDoc is one worker's staged candidate.json. Metrics may be given
// directly or carried as marker lines in the raw stage output.
type candidateDoc struct {
	WorkerID      string             `json:"workerId,omitempty"`
	StageID       string             `json:"stageId,omitempty"`
	GoalProgress  float64            `json:"goalProgress,omitempty"`
	PrimaryMetric float64            `json:"primaryMetric,omitempty"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
	Output        string             `json:"output,omitempty"`
}

// verificationDoc is one worker's staged baksa.json: either the structured
// verdict or the raw verifier output, whose terminal markers are parsed.
type verificationDoc struct {
	TrustScore       *int     `json:"trustScore,omitempty"`
	Status           string   `json:"status,omitempty"`
	Challenges       []string `json:"challenges,omitempty"`
	FindingsVerified int      `json:"findings_verified,omitempty"`
	FindingsRejected int      `json:"findings_rejected,omitempty"`
	Output           string   `json:"output,omitempty"`
}

// EvaluateCycle reads a cycle's staged candidates and verifications, runs
// them through the trust gate, best-candidate selection, the goal gate, and
// the report gate, persists the resulting decision on the loop state, and
// returns the full evaluation. PIVOT increments the attempt number; REWORK
// increments the consecutive-rework counter; terminal decisions flip the
// loop inactive.
func (st *Store) EvaluateCycle(ctx context.Context, reportTitle string, cycle int, opts EvaluateOptions) (*CycleEvaluation, error) {
	if opts.GoalTarget == 0 {
		opts.GoalTarget = 1.0
	}
	if opts.GateThreshold == 0 {
		opts.GateThreshold = reportgate.PassThreshold
	}

	s, err := st.Load(reportTitle)
	if err != nil {
		return nil, err
	}
	reportRoot, err := runtimedir.ReportRoot(st.ProjectRoot, reportTitle)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(reportRoot, "staging", fmt.Sprintf("cycle-%02d", cycle))
	candidates, results, challenges, err := loadCycleArtifacts(dir)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w under %s", ErrNoCandidates, dir)
	}

	aggs := make(map[string]decision.Aggregate, len(candidates))
	for _, c := range candidates {
		aggs[c.WorkerID] = decision.Aggregated(results[c.WorkerID])
	}
	sel := decision.SelectBest(candidates, aggs)
	gate := reportgate.CheckAt(reportRoot, opts.GateThreshold)

	eval := &CycleEvaluation{
		Cycle:      cycle,
		Aggregates: aggs,
		Selection:  sel,
		Gate:       gate,
		challenges: challenges,
	}
	trusted := sel.Selected != nil
	if trusted {
		eval.TrustScore = aggs[sel.Selected.WorkerID].TrustScore
		eval.Goal = decision.EvaluateGoalGate(sel.Selected.GoalProgress, opts.GoalTarget)
	} else {
		for _, a := range aggs {
			if a.TrustScore > eval.TrustScore {
				eval.TrustScore = a.TrustScore
			}
		}
		eval.Goal = decision.GoalNotMet
	}
	if eval.Goal == decision.GoalMet && !gate.Passed {
		// The metric target is met but the report is not admissible yet.
		eval.Goal = decision.GoalNotMet
	}

	eval.Decision = decision.Next(decision.NextInput{
		TrustPassed:  trusted,
		Goal:         eval.Goal,
		AttemptsLeft: s.MaxAttempts == 0 || s.AttemptNumber < s.MaxAttempts,
		BudgetOK:     s.BudgetExceededReason(time.Now()) == "",
		ReworkRounds: s.ReworkRounds,
	})

	applyEvaluation(s, eval, opts)
	if err := st.Save(ctx, s); err != nil {
		return nil, err
	}
	return eval, nil
}

// applyEvaluation folds a cycle verdict into the durable loop state.
func applyEvaluation(s *State, eval *CycleEvaluation, opts EvaluateOptions) {
	score := eval.TrustScore
	s.TrustScore = &score
	s.GoalGateStatus = eval.Goal
	s.LastDecision = eval.Decision

	switch eval.Decision {
	case decision.DecisionPivot:
		s.AttemptNumber++
		s.ReworkRounds = 0
		s.NextObjective = pivotObjective(eval, opts)
	case decision.DecisionRework:
		s.ReworkRounds++
		s.NextObjective = reworkObjective(eval)
	case decision.DecisionComplete, decision.DecisionBlocked, decision.DecisionBudgetExhausted:
		s.Active = false
		s.ReworkRounds = 0
		s.NextObjective = ""
	default:
		s.ReworkRounds = 0
	}
}

func pivotObjective(eval *CycleEvaluation, opts EvaluateOptions) string {
	if sel := eval.Selection.Selected; sel != nil {
		if !eval.Gate.Passed && sel.GoalProgress >= opts.GoalTarget {
			return fmt.Sprintf("goal metric reached but the report gate scored %d; finish the report before claiming completion", eval.Gate.Score)
		}
		return fmt.Sprintf("pivot the approach: best goal progress %.2f is below the target %.2f", sel.GoalProgress, opts.GoalTarget)
	}
	return "pivot the approach: " + eval.Selection.Reason
}

func reworkObjective(eval *CycleEvaluation) string {
	if len(eval.challenges) > 0 {
		n := len(eval.challenges)
		if n > 3 {
			n = 3
		}
		return "address verifier challenges: " + strings.Join(eval.challenges[:n], "; ")
	}
	return "rework the evidence: " + eval.Selection.Reason
}

// loadCycleArtifacts reads every worker-* directory under a staging cycle.
// Workers without a candidate are skipped; workers without a verification
// contribute an empty aggregate, which the trust gate rejects.
func loadCycleArtifacts(dir string) ([]decision.Candidate, map[string][]decision.VerificationResult, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, nil, fmt.Errorf("%w: %s does not exist", ErrNoCandidates, dir)
		}
		return nil, nil, nil, err
	}

	var candidates []decision.Candidate
	results := map[string][]decision.VerificationResult{}
	var challenges []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "worker-") {
			continue
		}
		wdir := filepath.Join(dir, e.Name())
		var doc candidateDoc
		if err := fsafe.ReadJSONFile(filepath.Join(wdir, CandidateFileName), &doc); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, nil, nil, err
		}
		if doc.WorkerID == "" {
			doc.WorkerID = strings.TrimPrefix(e.Name(), "worker-")
		}
		candidates = append(candidates, candidateFromDoc(doc))

		vr, vch, ok, err := readVerification(wdir, doc.WorkerID)
		if err != nil {
			return nil, nil, nil, err
		}
		if ok {
			results[doc.WorkerID] = append(results[doc.WorkerID], vr)
			challenges = append(challenges, vch...)
		}
	}
	return candidates, results, challenges, nil
}

// candidateFromDoc converts a staged candidate into the engine's shape.
// When the document carries no metrics, they are recovered from the marker
// lines of the raw stage output.
func candidateFromDoc(doc candidateDoc) decision.Candidate {
	metrics := doc.Metrics
	if len(metrics) == 0 && doc.Output != "" {
		parsed := markers.Parse(doc.Output)
		metrics = markers.Metrics(parsed)
		if n := markers.CountFindings(parsed); n > 0 {
			if metrics == nil {
				metrics = map[string]float64{}
			}
			metrics["findings"] = float64(n)
		}
	}
	if doc.GoalProgress == 0 {
		doc.GoalProgress = metrics["goal_progress"]
	}
	if doc.PrimaryMetric == 0 {
		doc.PrimaryMetric = metrics["primary_metric"]
	}
	c := decision.Candidate{
		WorkerID:      doc.WorkerID,
		StageID:       doc.StageID,
		GoalProgress:  doc.GoalProgress,
		PrimaryMetric: doc.PrimaryMetric,
	}
	if len(metrics) > 0 {
		c.Metrics = make(map[string]any, len(metrics))
		for k, v := range metrics {
			c.Metrics[k] = v
		}
	}
	return c
}

// readVerification loads a worker's baksa.json. A structured trust score
// wins; otherwise the raw verifier output is parsed for its terminal
// markers. Missing files are not an error, they just leave the worker
// unverified.
func readVerification(wdir, workerID string) (decision.VerificationResult, []string, bool, error) {
	path := filepath.Join(wdir, VerificationFileName)
	var doc verificationDoc
	if err := fsafe.ReadJSONFile(path, &doc); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return decision.VerificationResult{}, nil, false, nil
		}
		return decision.VerificationResult{}, nil, false, err
	}
	if doc.TrustScore == nil && doc.Output != "" {
		if vo, ok := markers.ParseVerifier(doc.Output); ok {
			score := vo.TrustScore
			doc.TrustScore = &score
			if doc.Status == "" {
				doc.Status = vo.Status
			}
			if vo.Summary != nil {
				doc.Challenges = vo.Summary.Challenges
				doc.FindingsVerified = vo.Summary.FindingsVerified
				doc.FindingsRejected = vo.Summary.FindingsRejected
			}
		}
	}
	if doc.TrustScore == nil {
		return decision.VerificationResult{}, nil, false, fmt.Errorf("verification %s carries no trust score", path)
	}
	status, ok := decision.NormalizeStatus(doc.Status)
	if !ok {
		status = decision.StatusForScore(*doc.TrustScore)
	}
	return decision.VerificationResult{
		JobID:            workerID,
		CandidatePath:    filepath.Join(wdir, CandidateFileName),
		TrustScore:       *doc.TrustScore,
		Status:           status,
		FindingsVerified: doc.FindingsVerified,
		FindingsRejected: doc.FindingsRejected,
	}, doc.Challenges, true, nil
}
