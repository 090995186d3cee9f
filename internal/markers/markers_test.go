package markers

import (
	"testing"
)

const sampleOutput = `
Running analysis...
[STAT:ci] mean=4.2 ci95=[3.9, 4.5]
[METRIC:accuracy] 0.87
[METRIC:rmse] 12.5 lower-is-better
[FINDING] Treatment group outperforms control by 12%.
[SO_WHAT] Supports scaling the intervention.
[LIMITATION] Single-site data only.
[CITATION] Smith et al. 2024
[FIGURE:scatter:path=figures/fig1.png:dpi=300:lib=matplotlib] Accuracy by cohort
not a marker line
  [FINDING] Indented finding still counts.
`

func TestParse_AllKinds(t *testing.T) {
	ms := Parse(sampleOutput)
	if len(ms) != 9 {
		t.Fatalf("markers: got %d want 9", len(ms))
	}
	if ms[0].Kind != KindStat || ms[0].Qualifier != "ci" {
		t.Fatalf("first marker: got %+v", ms[0])
	}
	if ms[3].Kind != KindFinding || ms[3].Body != "Treatment group outperforms control by 12%." {
		t.Fatalf("finding: got %+v", ms[3])
	}
}

func TestParse_FigureAttrs(t *testing.T) {
	ms := Parse(sampleOutput)
	var fig *Marker
	for i := range ms {
		if ms[i].Kind == KindFigure {
			fig = &ms[i]
		}
	}
	if fig == nil {
		t.Fatalf("no figure marker parsed")
	}
	if fig.Qualifier != "scatter" {
		t.Fatalf("figure type: got %q want %q", fig.Qualifier, "scatter")
	}
	want := map[string]string{"path": "figures/fig1.png", "dpi": "300", "lib": "matplotlib"}
	for k, v := range want {
		if fig.Attrs[k] != v {
			t.Fatalf("attr %s: got %q want %q", k, fig.Attrs[k], v)
		}
	}
}

func TestMetrics(t *testing.T) {
	got := Metrics(Parse(sampleOutput))
	if got["accuracy"] != 0.87 {
		t.Fatalf("accuracy: got %v want 0.87", got["accuracy"])
	}
	if got["rmse"] != 12.5 {
		t.Fatalf("rmse: got %v want 12.5", got["rmse"])
	}
}

func TestCountFindings(t *testing.T) {
	if n := CountFindings(Parse(sampleOutput)); n != 2 {
		t.Fatalf("findings: got %d want 2", n)
	}
}

func TestParseVerifier_LastOccurrenceWins(t *testing.T) {
	output := `
Preamble quoting the rubric: "end with Trust Score: 100".
Trust Score: 45
Status: REJECTED
After deeper review the challenges resolved.
trust score: 85
status: verified
{"trustScore": 85, "status": "VERIFIED", "challenges": ["sample size"], "findings_verified": 3, "findings_rejected": 0}
`
	res, ok := ParseVerifier(output)
	if !ok {
		t.Fatalf("expected verifier output to parse")
	}
	if res.TrustScore != 85 {
		t.Fatalf("trust score: got %d want 85", res.TrustScore)
	}
	if res.Status != "VERIFIED" {
		t.Fatalf("status: got %q want VERIFIED", res.Status)
	}
	if res.Summary == nil || res.Summary.FindingsVerified != 3 {
		t.Fatalf("summary: got %+v", res.Summary)
	}
	if len(res.Summary.Challenges) != 1 || res.Summary.Challenges[0] != "sample size" {
		t.Fatalf("challenges: got %v", res.Summary.Challenges)
	}
}

func TestParseVerifier_MissingScore(t *testing.T) {
	if _, ok := ParseVerifier("no verdict in this output"); ok {
		t.Fatalf("expected ok=false without a trust score line")
	}
}

func TestParseVerifier_QuotedScoreMidLineIgnored(t *testing.T) {
	// The score line must stand alone; inline mentions are prose.
	res, ok := ParseVerifier("The rubric says Trust Score: 100 matters.\nTrust Score: 62\n")
	if !ok {
		t.Fatalf("expected parse")
	}
	if res.TrustScore != 62 {
		t.Fatalf("trust score: got %d want 62", res.TrustScore)
	}
}
