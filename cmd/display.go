package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/bruteforce"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/graphql"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/types"
)

const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

func validOutput(format string) error {
	switch format {
	case outputText, outputJSON, outputYAML:
		return nil
	}
	return fmt.Errorf("unknown output format %q (text, json, yaml)", format)
}

// writeOutput renders v as JSON or YAML, or calls text for human output.
func writeOutput(w io.Writer, format string, v interface{}, text func(io.Writer)) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case outputText:
		text(w)
		return nil
	}
	return validOutput(format)
}

func colorSeverity(severity types.Severity) string {
	switch severity {
	case types.SeverityCritical:
		return color.New(color.FgRed, color.Bold).Sprint("CRITICAL")
	case types.SeverityHigh:
		return color.New(color.FgRed).Sprint("HIGH")
	case types.SeverityMedium:
		return color.New(color.FgYellow).Sprint("MEDIUM")
	case types.SeverityLow:
		return color.New(color.FgCyan).Sprint("LOW")
	case types.SeverityInfo:
		return color.New(color.FgWhite).Sprint("INFO")
	default:
		return strings.ToUpper(string(severity))
	}
}

func colorState(state bruteforce.State) string {
	switch state {
	case bruteforce.StateFound:
		return color.New(color.FgGreen, color.Bold).Sprint("✓ found")
	case bruteforce.StateExhausted:
		return color.New(color.FgYellow).Sprint("○ exhausted")
	case bruteforce.StateCancelled:
		return color.New(color.FgYellow).Sprint("⟳ cancelled")
	case bruteforce.StateFailed:
		return color.New(color.FgRed).Sprint("✗ failed")
	default:
		return state.String()
	}
}

func colorClassification(c graphql.Classification) string {
	switch c {
	case graphql.ClassData:
		return color.New(color.FgRed, color.Bold).Sprint(string(c))
	case graphql.ClassDataWithErrors:
		return color.New(color.FgYellow).Sprint(string(c))
	case graphql.ClassErrors:
		return color.New(color.FgGreen).Sprint(string(c))
	case graphql.ClassUnreachable:
		return color.New(color.Faint).Sprint(string(c))
	default:
		return string(c)
	}
}

func groupFindingsBySeverity(findings []types.Finding) map[types.Severity]int {
	counts := make(map[types.Severity]int)
	for _, finding := range findings {
		counts[finding.Severity]++
	}
	return counts
}

// sortFindings orders by severity, then risk score, highest first.
func sortFindings(findings []types.Finding) []types.Finding {
	sorted := make([]types.Finding, len(findings))
	copy(sorted, findings)
	sort.SliceStable(sorted, func(i, j int) bool {
		if ri, rj := sorted[i].Severity.Rank(), sorted[j].Severity.Rank(); ri != rj {
			return ri > rj
		}
		return sorted[i].RiskScore > sorted[j].RiskScore
	})
	return sorted
}

func printFindings(w io.Writer, findings []types.Finding, limit int) {
	if len(findings) == 0 {
		color.New(color.FgGreen).Fprintln(w, "No findings.")
		return
	}

	counts := groupFindingsBySeverity(findings)
	fmt.Fprintf(w, "Findings: %d", len(findings))
	for _, sev := range []types.Severity{types.SeverityCritical, types.SeverityHigh, types.SeverityMedium, types.SeverityLow, types.SeverityInfo} {
		if n := counts[sev]; n > 0 {
			fmt.Fprintf(w, "  %s %d", colorSeverity(sev), n)
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w)

	sorted := sortFindings(findings)
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	for i, f := range sorted {
		fmt.Fprintf(w, "%2d. [%s] %s\n", i+1, colorSeverity(f.Severity), f.Title)
		if f.Endpoint != "" {
			fmt.Fprintf(w, "    Endpoint: %s\n", f.Endpoint)
		}
		if f.Description != "" {
			fmt.Fprintf(w, "    %s\n", f.Description)
		}
		if f.Solution != "" {
			fmt.Fprintf(w, "    Fix: %s\n", f.Solution)
		}
	}
	if limit > 0 && len(findings) > limit {
		fmt.Fprintf(w, "\n... and %d more\n", len(findings)-limit)
	}
}

func printResult(w io.Writer, r *bruteforce.Result) {
	fmt.Fprintf(w, "State:      %s\n", colorState(r.State))
	if r.Success() {
		fmt.Fprintf(w, "Secret:     %s\n", color.New(color.Bold).Sprint(r.SecretString()))
		fmt.Fprintf(w, "Index:      %d\n", r.Index)
	}
	fmt.Fprintf(w, "Algorithm:  %s\n", r.Algorithm)
	fmt.Fprintf(w, "Attempts:   %d (%d skipped)\n", r.Attempts, r.Skipped)
	fmt.Fprintf(w, "Elapsed:    %s (%.0f/s)\n", r.Elapsed.Round(1e6), r.AttemptsPerSecond)
	if r.Error != "" {
		fmt.Fprintf(w, "Error:      %s\n", color.RedString(r.Error))
	}
}

func printOutcomes(w io.Writer, endpoint string, outcomes []graphql.ProbeOutcome) {
	fmt.Fprintf(w, "Endpoint: %s\n\n", endpoint)
	fmt.Fprintf(w, "%-18s %-6s %-18s %-10s %s\n", "TECHNIQUE", "STATUS", "RESULT", "LATENCY", "DETAIL")
	for _, o := range outcomes {
		detail := o.Error
		if detail == "" && len(o.ErrorMessages) > 0 {
			detail = o.ErrorMessages[0]
		}
		status := "-"
		if o.Status > 0 {
			status = fmt.Sprintf("%d", o.Status)
		}
		// Pad before colouring so escape codes do not skew the columns.
		fmt.Fprintf(w, "%-18s %-6s %s %-10s %s\n",
			o.Technique.Name, status,
			colorClassification(o.Classification)+strings.Repeat(" ", pad(18, len(o.Classification))),
			o.Latency.Round(1e6), detail)
	}
}

func pad(width, n int) int {
	if n >= width {
		return 0
	}
	return width - n
}
