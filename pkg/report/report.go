// Package report collects the results of an assessment and renders them as
// JSON, YAML or a standalone HTML page.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/bruteforce"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/graphql"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/jwt"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/risk"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/types"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatHTML Format = "html"
)

// ParseFormat accepts json, yaml/yml and html/htm, case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "html", "htm":
		return FormatHTML, nil
	}
	return "", fmt.Errorf("unknown report format %q", s)
}

// SchemaResult is the introspection outcome for one endpoint.
type SchemaResult struct {
	Endpoint string                  `json:"endpoint" yaml:"endpoint"`
	Analysis *graphql.SchemaAnalysis `json:"analysis,omitempty" yaml:"analysis,omitempty"`
	Error    string                  `json:"error,omitempty" yaml:"error,omitempty"`
}

// ProbeRun holds one auth-bypass sweep.
type ProbeRun struct {
	Endpoint string                 `json:"endpoint" yaml:"endpoint"`
	Outcomes []graphql.ProbeOutcome `json:"outcomes" yaml:"outcomes"`
}

type Report struct {
	ID           string                   `json:"id" yaml:"id"`
	Target       string                   `json:"target" yaml:"target"`
	Mode         types.AssessmentMode     `json:"mode" yaml:"mode"`
	StartedAt    time.Time                `json:"started_at" yaml:"started_at"`
	FinishedAt   time.Time                `json:"finished_at" yaml:"finished_at"`
	Discovery    *graphql.DiscoveryResult `json:"discovery,omitempty" yaml:"discovery,omitempty"`
	Endpoints    []string                 `json:"endpoints" yaml:"endpoints"`
	Fingerprints []*graphql.Fingerprint   `json:"fingerprints,omitempty" yaml:"fingerprints,omitempty"`
	Schemas      []SchemaResult           `json:"schemas,omitempty" yaml:"schemas,omitempty"`
	Enumerations []*graphql.Enumeration   `json:"enumerations,omitempty" yaml:"enumerations,omitempty"`
	JWT          *jwt.Analysis            `json:"jwt,omitempty" yaml:"jwt,omitempty"`
	Bruteforce   *bruteforce.Result       `json:"bruteforce,omitempty" yaml:"bruteforce,omitempty"`
	Probes       []ProbeRun               `json:"probes,omitempty" yaml:"probes,omitempty"`
	Findings     []types.Finding          `json:"findings" yaml:"findings"`
	Summary      types.Summary            `json:"summary" yaml:"summary"`
	Risk         risk.Assessment          `json:"risk" yaml:"risk"`
	Errors       []string                 `json:"errors,omitempty" yaml:"errors,omitempty"`
}

func New(target string, mode types.AssessmentMode) *Report {
	return &Report{
		ID:        uuid.NewString(),
		Target:    target,
		Mode:      mode,
		StartedAt: time.Now().UTC(),
		Endpoints: []string{},
		Findings:  []types.Finding{},
	}
}

func (r *Report) AddFindings(findings ...types.Finding) {
	r.Findings = append(r.Findings, findings...)
}

// AddError records a phase failure that did not abort the assessment.
func (r *Report) AddError(phase string, err error) {
	if err == nil {
		return
	}
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", phase, err))
}

// Finalize stamps ids and timestamps on every finding, scores them, sorts them
// by descending risk and computes the summary.
func (r *Report) Finalize(calc *risk.Calculator) {
	if calc == nil {
		calc = risk.NewCalculator(nil)
	}
	r.FinishedAt = time.Now().UTC()

	for i := range r.Findings {
		f := &r.Findings[i]
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		f.ReportID = r.ID
		if f.CreatedAt.IsZero() {
			f.CreatedAt = r.FinishedAt
		}
	}

	r.Risk = calc.Assess(r.Findings)
	sort.SliceStable(r.Findings, func(i, j int) bool {
		return r.Findings[i].RiskScore > r.Findings[j].RiskScore
	})
	r.Summary = types.Summarize(r.Findings)
}

// Vulnerabilities returns findings above info severity.
func (r *Report) Vulnerabilities() []types.Finding {
	var out []types.Finding
	for _, f := range r.Findings {
		if f.Severity.Rank() > types.SeverityInfo.Rank() {
			out = append(out, f)
		}
	}
	return out
}

// Informational returns info-severity findings.
func (r *Report) Informational() []types.Finding {
	var out []types.Finding
	for _, f := range r.Findings {
		if f.Severity.Rank() == types.SeverityInfo.Rank() {
			out = append(out, f)
		}
	}
	return out
}

func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode JSON report: %w", err)
	}
	return nil
}

func (r *Report) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode YAML report: %w", err)
	}
	return enc.Close()
}

func (r *Report) Write(w io.Writer, format Format) error {
	switch format {
	case FormatJSON:
		return r.WriteJSON(w)
	case FormatYAML:
		return r.WriteYAML(w)
	case FormatHTML:
		return r.WriteHTML(w)
	}
	return fmt.Errorf("unknown report format %q", format)
}

// WriteFile renders the report to path, choosing the format from the file
// extension. Parent directories are created as needed.
func (r *Report) WriteFile(path string) error {
	format, err := ParseFormat(filepath.Ext(path))
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	if err := r.Write(file, format); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
