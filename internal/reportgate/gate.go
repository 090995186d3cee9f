// Package reportgate checks that a research report is structurally ready
// for admission: the directory and report file exist, required sections
// and at least one finding are present, and every artifact the markdown
// references exists on disk. Each missing piece costs points against 100;
// a missing file or directory is blocking regardless of score.
package reportgate

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// PassThreshold is the default minimum score for a passing gate.
const PassThreshold = 80

// ReportFileName is the gate target inside the report directory.
const ReportFileName = "README.md"

// Violation is one gate finding.
type Violation struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Penalty  int    `json:"penalty"`
	Blocking bool   `json:"blocking"`
}

// Result is the gate outcome.
type Result struct {
	Score      int         `json:"score"`
	Passed     bool        `json:"passed"`
	Violations []Violation `json:"violations,omitempty"`

	threshold int
}

// requiredSections lists the headings a complete report must carry.
// Matching is case-insensitive with common variants accepted.
var requiredSections = []struct {
	name     string
	variants []string
}{
	{"Executive Summary", []string{"executive summary", "summary"}},
	{"Key Findings", []string{"key findings", "findings", "results"}},
	{"Conclusion", []string{"conclusion", "conclusions"}},
}

var (
	headingRe  = regexp.MustCompile(`^#{1,6}\s+(.+?)\s*$`)
	findingRe  = regexp.MustCompile(`(?m)^\s*(?:[-*]|\d+\.)\s+\S|\[FINDING\]`)
	mdLinkRe   = regexp.MustCompile(`!?\[[^\]]*\]\(([^)\s]+)[^)]*\)`)
	urlRe      = regexp.MustCompile(`^[a-z][a-z0-9+.-]*://`)
	anchorOnly = regexp.MustCompile(`^#`)
)

// Check runs the gate against one report directory at the default
// threshold.
func Check(reportDir string) Result {
	return CheckAt(reportDir, PassThreshold)
}

// CheckAt runs the gate with a configured pass threshold.
func CheckAt(reportDir string, passThreshold int) Result {
	res := Result{Score: 100, threshold: passThreshold}

	fi, err := os.Stat(reportDir)
	if err != nil || !fi.IsDir() {
		res.add("missing_dir", fmt.Sprintf("report directory %s does not exist", reportDir), 100, true)
		res.finish()
		return res
	}

	reportPath := filepath.Join(reportDir, ReportFileName)
	body, err := os.ReadFile(reportPath)
	if errors.Is(err, os.ErrNotExist) {
		res.add("missing_report", fmt.Sprintf("%s does not exist", reportPath), 100, true)
		res.finish()
		return res
	}
	if err != nil {
		res.add("unreadable_report", err.Error(), 100, true)
		res.finish()
		return res
	}

	text := string(body)
	headings := collectHeadings(text)
	for _, sec := range requiredSections {
		if !hasSection(headings, sec.variants) {
			res.add("missing_section", fmt.Sprintf("required section %q not found", sec.name), 15, false)
		}
	}
	if !findingRe.MatchString(text) {
		res.add("no_findings", "report contains no findings", 20, false)
	}

	refs, unsafe := artifactRefs(text)
	for _, ref := range unsafe {
		res.add("unsafe_artifact_ref", fmt.Sprintf("artifact reference %q escapes the report directory", ref), 10, false)
	}
	for _, ref := range refs {
		if !artifactExists(reportDir, ref) {
			res.add("missing_artifact", fmt.Sprintf("referenced artifact %q not found", ref), 10, false)
		}
	}

	res.finish()
	return res
}

func (r *Result) add(code, msg string, penalty int, blocking bool) {
	r.Violations = append(r.Violations, Violation{Code: code, Message: msg, Penalty: penalty, Blocking: blocking})
	r.Score -= penalty
	if r.Score < 0 {
		r.Score = 0
	}
}

func (r *Result) finish() {
	r.Passed = r.Score >= r.threshold
	for _, v := range r.Violations {
		if v.Blocking {
			r.Passed = false
		}
	}
}

func collectHeadings(text string) []string {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for sc.Scan() {
		if m := headingRe.FindStringSubmatch(sc.Text()); m != nil {
			out = append(out, strings.ToLower(strings.TrimSpace(m[1])))
		}
	}
	return out
}

func hasSection(headings []string, variants []string) bool {
	for _, h := range headings {
		for _, v := range variants {
			if h == v || strings.HasPrefix(h, v) {
				return true
			}
		}
	}
	return false
}

// artifactRefs extracts local paths referenced by markdown links and
// images. URLs and intra-document anchors are skipped. Absolute and ".."
// references are returned separately as unsafe; they are penalized, never
// resolved outside the report tree.
func artifactRefs(text string) (refs, unsafe []string) {
	seen := map[string]struct{}{}
	for _, m := range mdLinkRe.FindAllStringSubmatch(text, -1) {
		ref := strings.TrimSpace(m[1])
		if ref == "" || urlRe.MatchString(ref) || anchorOnly.MatchString(ref) {
			continue
		}
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		if filepath.IsAbs(ref) || strings.Contains(ref, "..") {
			unsafe = append(unsafe, ref)
			continue
		}
		refs = append(refs, ref)
	}
	return refs, unsafe
}

// artifactExists resolves a reference relative to the report directory.
// Glob-shaped references match when at least one file satisfies them.
func artifactExists(reportDir, ref string) bool {
	if strings.ContainsAny(ref, "*?[") {
		matches, err := doublestar.Glob(os.DirFS(reportDir), ref)
		return err == nil && len(matches) > 0
	}
	_, err := os.Stat(filepath.Join(reportDir, ref))
	return err == nil
}
