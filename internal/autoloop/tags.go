package autoloop

import (
	"regexp"
	"strings"

	"github.com/boshu2/gyoshu/internal/decision"
)

// Terminal promise tags. A loop ends only when the agent emits one of
// these inside a <promise> element together with the active loop's report
// title somewhere in the same output.
const (
	TagComplete        = "GYOSHU_AUTO_COMPLETE"
	TagBlocked         = "GYOSHU_AUTO_BLOCKED"
	TagBudgetExhausted = "GYOSHU_AUTO_BUDGET_EXHAUSTED"
)

var promiseRe = regexp.MustCompile(`(?is)<\s*promise\s*>\s*(GYOSHU_AUTO_(?:COMPLETE|BLOCKED|BUDGET_EXHAUSTED))\s*<\s*/\s*promise\s*>`)

// TerminalTag scans agent output for a terminal promise tag. Matching is
// case-insensitive and whitespace-tolerant inside the element. When
// multiple tags appear the last one wins.
func TerminalTag(output string) (string, bool) {
	ms := promiseRe.FindAllStringSubmatch(output, -1)
	if len(ms) == 0 {
		return "", false
	}
	return strings.ToUpper(ms[len(ms)-1][1]), true
}

// MentionsReport reports whether the output names the loop's report title.
// Terminal tags only bind to a loop when its title co-occurs, so a tag
// quoted from another research thread cannot end this one.
func MentionsReport(output, reportTitle string) bool {
	if strings.TrimSpace(reportTitle) == "" {
		return false
	}
	return strings.Contains(strings.ToLower(output), strings.ToLower(reportTitle))
}

// DecisionForTag maps a terminal tag onto the recorded loop decision.
func DecisionForTag(tag string) decision.LoopDecision {
	switch tag {
	case TagComplete:
		return decision.DecisionComplete
	case TagBlocked:
		return decision.DecisionBlocked
	case TagBudgetExhausted:
		return decision.DecisionBudgetExhausted
	default:
		return ""
	}
}
