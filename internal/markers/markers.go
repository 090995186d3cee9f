// Package markers parses the plain-text marker protocol stage workers and
// verifiers embed in their output. Markers are single-line bracket tags;
// verifier output additionally carries terminal "Trust Score:" / "Status:"
// lines and a one-line JSON summary.
package markers

import (
	"bufio"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Kind names a marker family.
type Kind string

const (
	KindStat       Kind = "STAT"
	KindMetric     Kind = "METRIC"
	KindFinding    Kind = "FINDING"
	KindSoWhat     Kind = "SO_WHAT"
	KindLimitation Kind = "LIMITATION"
	KindCitation   Kind = "CITATION"
	KindFigure     Kind = "FIGURE"
)

// Marker is one parsed tag. Qualifier holds the text after the first colon
// inside the brackets (e.g. "ci" in [STAT:ci]); Body is the rest of the
// line after the closing bracket.
type Marker struct {
	Kind      Kind
	Qualifier string
	Body      string
	Attrs     map[string]string // FIGURE key=value attrs (path, dpi, lib)
}

var markerRe = regexp.MustCompile(`^\s*\[(STAT|METRIC|FINDING|SO_WHAT|LIMITATION|CITATION|FIGURE)(?::([^\]]*))?\]\s*(.*)$`)

// Parse scans output line by line and returns all markers in order.
func Parse(output string) []Marker {
	var out []Marker
	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for sc.Scan() {
		m := markerRe.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		mk := Marker{Kind: Kind(m[1]), Body: strings.TrimSpace(m[3])}
		inner := m[2]
		if mk.Kind == KindFigure {
			mk.Qualifier, mk.Attrs = parseFigureInner(inner)
		} else {
			mk.Qualifier = strings.TrimSpace(inner)
		}
		out = append(out, mk)
	}
	return out
}

// parseFigureInner splits "type:path=…:dpi=…:lib=…" into the figure type
// and its key=value attributes.
func parseFigureInner(inner string) (string, map[string]string) {
	parts := strings.Split(inner, ":")
	if len(parts) == 0 {
		return "", nil
	}
	figType := strings.TrimSpace(parts[0])
	attrs := map[string]string{}
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		attrs[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return figType, attrs
}

// Metrics extracts [METRIC:<name>] values as floats, keyed by name. Bodies
// that do not parse as a leading float are skipped.
func Metrics(ms []Marker) map[string]float64 {
	out := map[string]float64{}
	for _, m := range ms {
		if m.Kind != KindMetric || m.Qualifier == "" {
			continue
		}
		fields := strings.Fields(m.Body)
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSuffix(fields[0], "%"), 64)
		if err != nil {
			continue
		}
		out[m.Qualifier] = v
	}
	return out
}

// CountFindings returns the number of [FINDING] markers.
func CountFindings(ms []Marker) int {
	n := 0
	for _, m := range ms {
		if m.Kind == KindFinding {
			n++
		}
	}
	return n
}

// VerifierSummary is the one-line JSON summary a verifier emits alongside
// its terminal marker lines.
type VerifierSummary struct {
	TrustScore       int      `json:"trustScore"`
	Status           string   `json:"status"`
	Challenges       []string `json:"challenges"`
	FindingsVerified int      `json:"findings_verified"`
	FindingsRejected int      `json:"findings_rejected"`
}

// VerifierOutput is the fully parsed tail of a verifier's output.
type VerifierOutput struct {
	TrustScore int
	Status     string
	Summary    *VerifierSummary
}

var (
	trustScoreRe = regexp.MustCompile(`(?i)^\s*Trust Score:\s*(\d+)\s*$`)
	statusRe     = regexp.MustCompile(`(?i)^\s*Status:\s*(VERIFIED|PARTIAL|REJECTED)\s*$`)
)

// ParseVerifier extracts the terminal markers from verifier output. The
// last occurrence wins so preamble noise cannot spoof a verdict. Returns
// ok=false when no trust score line is present.
func ParseVerifier(output string) (VerifierOutput, bool) {
	var res VerifierOutput
	found := false
	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if m := trustScoreRe.FindStringSubmatch(line); m != nil {
			if v, err := strconv.Atoi(m[1]); err == nil {
				res.TrustScore = v
				found = true
			}
			continue
		}
		if m := statusRe.FindStringSubmatch(line); m != nil {
			res.Status = strings.ToUpper(m[1])
			continue
		}
		if s := tryParseSummary(line); s != nil {
			res.Summary = s
		}
	}
	return res, found
}

func tryParseSummary(line string) *VerifierSummary {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return nil
	}
	var s VerifierSummary
	if err := json.Unmarshal([]byte(trimmed), &s); err != nil {
		return nil
	}
	if s.Status == "" && s.TrustScore == 0 {
		return nil
	}
	return &s
}
