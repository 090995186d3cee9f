// Package decision aggregates adversarial verifications and decides the
// next loop action. Aggregation is conservative on purpose: verifier scores
// take the minimum, never the average, so a single dissenting reviewer
// blocks admission.
package decision

import (
	"fmt"
	"sort"
	"strings"
)

// TrustThreshold is the gate on the aggregated verifier score.
const TrustThreshold = 80

// VerificationStatus is the canonical verdict vocabulary. Outcome-style
// strings from older verifiers are mapped on input by NormalizeStatus.
type VerificationStatus string

const (
	StatusVerified VerificationStatus = "VERIFIED"
	StatusPartial  VerificationStatus = "PARTIAL"
	StatusRejected VerificationStatus = "REJECTED"
)

// StatusForScore maps a trust score onto the canonical verdict:
// VERIFIED at 80 and above, PARTIAL from 60 to 79, REJECTED below.
func StatusForScore(score int) VerificationStatus {
	switch {
	case score >= TrustThreshold:
		return StatusVerified
	case score >= 60:
		return StatusPartial
	default:
		return StatusRejected
	}
}

// NormalizeStatus maps legacy outcome strings onto the canonical verdicts.
func NormalizeStatus(raw string) (VerificationStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "VERIFIED", "PASSED":
		return StatusVerified, true
	case "PARTIAL", "REWORK_REQUESTED":
		return StatusPartial, true
	case "REJECTED", "FAILED":
		return StatusRejected, true
	default:
		return "", false
	}
}

// VerificationResult is one verifier's verdict on one candidate.
type VerificationResult struct {
	JobID            string             `json:"jobId"`
	CandidatePath    string             `json:"candidatePath"`
	TrustScore       int                `json:"trustScore"`
	Status           VerificationStatus `json:"status"`
	FindingsVerified int                `json:"findingsVerified"`
	FindingsRejected int                `json:"findingsRejected"`
	VerificationTime string             `json:"verificationTime,omitempty"`
	DurationMS       int64              `json:"durationMs,omitempty"`
}

// Consensus labels verifier agreement.
type Consensus string

const (
	ConsensusUnanimous Consensus = "unanimous"
	ConsensusMajority  Consensus = "majority"
	ConsensusSplit     Consensus = "split"
)

// Aggregate is the conservative roll-up across all verifications of one
// candidate.
type Aggregate struct {
	TrustScore int       `json:"trustScore"`
	Passed     bool      `json:"passed"`
	Consensus  Consensus `json:"consensus"`
	Count      int       `json:"count"`
}

// Aggregated takes the minimum score across verifications. Passed requires
// minimum >= TrustThreshold. Consensus is unanimous when all agree on
// VERIFIED (or all on not-VERIFIED), majority past half, split otherwise.
func Aggregated(results []VerificationResult) Aggregate {
	agg := Aggregate{Count: len(results)}
	if len(results) == 0 {
		return agg
	}
	minScore := results[0].TrustScore
	verified := 0
	for _, r := range results {
		if r.TrustScore < minScore {
			minScore = r.TrustScore
		}
		if r.Status == StatusVerified {
			verified++
		}
	}
	agg.TrustScore = minScore
	agg.Passed = minScore >= TrustThreshold

	n := len(results)
	switch {
	case verified == n || verified == 0:
		agg.Consensus = ConsensusUnanimous
	case 2*verified > n || 2*(n-verified) > n:
		agg.Consensus = ConsensusMajority
	default:
		agg.Consensus = ConsensusSplit
	}
	return agg
}

// Candidate is a stage worker's output as the engine ranks it. The JSON is
// otherwise opaque.
type Candidate struct {
	WorkerID      string         `json:"workerId"`
	StageID       string         `json:"stageId"`
	Metrics       map[string]any `json:"metrics,omitempty"`
	GoalProgress  float64        `json:"goalProgress,omitempty"`
	PrimaryMetric float64        `json:"primaryMetric,omitempty"`
}

// Selection is the best-candidate outcome. Selected is nil when no
// candidate passed the trust gate; Reason then names the failing gate and
// the best score observed.
type Selection struct {
	Selected *Candidate `json:"selected"`
	Reason   string     `json:"reason,omitempty"`
}

// SelectBest picks the trusted candidate with the highest goalProgress,
// tie-broken by primaryMetric, both descending. Inputs are never mutated;
// the returned candidate is an element of the input slice.
func SelectBest(candidates []Candidate, aggregates map[string]Aggregate) Selection {
	if len(candidates) == 0 {
		return Selection{Reason: "no candidates to select from"}
	}

	bestScore := -1
	eligible := make([]int, 0, len(candidates))
	for i, c := range candidates {
		agg, ok := aggregates[c.WorkerID]
		if !ok {
			continue
		}
		if agg.TrustScore > bestScore {
			bestScore = agg.TrustScore
		}
		if agg.Passed {
			eligible = append(eligible, i)
		}
	}
	if len(eligible) == 0 {
		return Selection{Reason: fmt.Sprintf(
			"trust gate: no candidate reached %d (best aggregated score %d)", TrustThreshold, bestScore)}
	}

	sort.SliceStable(eligible, func(a, b int) bool {
		ca, cb := candidates[eligible[a]], candidates[eligible[b]]
		if ca.GoalProgress != cb.GoalProgress {
			return ca.GoalProgress > cb.GoalProgress
		}
		return ca.PrimaryMetric > cb.PrimaryMetric
	})
	winner := &candidates[eligible[0]]
	return Selection{
		Selected: winner,
		Reason:   fmt.Sprintf("selected worker %s on goal progress", winner.WorkerID),
	}
}

// GoalGateStatus is the binary (plus blocked) goal predicate result.
type GoalGateStatus string

const (
	GoalMet     GoalGateStatus = "MET"
	GoalNotMet  GoalGateStatus = "NOT_MET"
	GoalBlocked GoalGateStatus = "BLOCKED"
)

// EvaluateGoalGate compares the achieved metric against the target. Higher
// is better; a caller whose metric minimizes negates both sides.
func EvaluateGoalGate(achieved, target float64) GoalGateStatus {
	if achieved >= target {
		return GoalMet
	}
	return GoalNotMet
}

// LoopDecision is the auto-loop's next action.
type LoopDecision string

const (
	DecisionContinue        LoopDecision = "CONTINUE"
	DecisionPivot           LoopDecision = "PIVOT"
	DecisionRework          LoopDecision = "REWORK"
	DecisionComplete        LoopDecision = "COMPLETE"
	DecisionBlocked         LoopDecision = "BLOCKED"
	DecisionBudgetExhausted LoopDecision = "BUDGET_EXHAUSTED"
)

// MaxReworkRounds bounds consecutive REWORK decisions.
const MaxReworkRounds = 3

// NextInput is everything the decision table consumes.
type NextInput struct {
	TrustPassed  bool
	Goal         GoalGateStatus
	AttemptsLeft bool
	BudgetOK     bool
	ReworkRounds int // consecutive REWORKs already taken
}

// Next applies the decision table: budget exhaustion dominates, a blocked
// goal gate ends the loop, trusted-and-met completes, trusted-but-unmet
// pivots while attempts remain, and untrusted work is reworked up to
// MaxReworkRounds.
func Next(in NextInput) LoopDecision {
	if !in.BudgetOK {
		return DecisionBudgetExhausted
	}
	if in.Goal == GoalBlocked {
		return DecisionBlocked
	}
	if in.TrustPassed {
		if in.Goal == GoalMet {
			return DecisionComplete
		}
		if in.AttemptsLeft {
			return DecisionPivot
		}
		return DecisionBlocked
	}
	if in.ReworkRounds < MaxReworkRounds {
		return DecisionRework
	}
	return DecisionContinue
}
