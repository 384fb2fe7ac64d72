// Package risk turns finding severity, exploitability, exposure and confidence
// into a 0-100 score and label.
package risk

import (
	"math"
	"strings"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/logger"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/types"
)

const (
	LabelCritical = "CRITICAL"
	LabelHigh     = "HIGH"
	LabelMedium   = "MEDIUM"
	LabelLow      = "LOW"
	LabelInfo     = "INFO"
)

var severityBase = map[types.Severity]int{
	types.SeverityCritical: 90,
	types.SeverityHigh:     70,
	types.SeverityMedium:   40,
	types.SeverityLow:      15,
	types.SeverityInfo:     5,
}

var exploitabilityFactor = map[types.Exploitability]float64{
	types.ExploitTrivial:  1.2,
	types.ExploitEasy:     0.95,
	types.ExploitModerate: 0.7,
	types.ExploitHard:     0.45,
}

var exposureFactor = map[types.Exposure]float64{
	types.ExposurePublic:        1.5,
	types.ExposureAuthenticated: 1.0,
	types.ExposureInternal:      0.7,
}

const (
	defaultConfidence = 0.7
	minConfidence     = 0.2
	maxConfidence     = 1.0
)

// Details records every factor that went into a score.
type Details struct {
	Base           int     `json:"base" yaml:"base"`
	Exploitability float64 `json:"exploitability" yaml:"exploitability"`
	Exposure       float64 `json:"exposure" yaml:"exposure"`
	Confidence     float64 `json:"confidence_factor" yaml:"confidence_factor"`
	Raw            float64 `json:"raw" yaml:"raw"`
}

// Score computes the risk score of f. Unknown or empty severity counts as
// medium, exploitability as moderate and exposure as authenticated. A zero
// confidence means unset.
func Score(f types.Finding) (int, Details) {
	d := Details{
		Base:           40,
		Exploitability: 0.7,
		Exposure:       1.0,
		Confidence:     defaultConfidence,
	}
	if b, ok := severityBase[types.Severity(strings.ToLower(string(f.Severity)))]; ok {
		d.Base = b
	}
	if e, ok := exploitabilityFactor[types.Exploitability(strings.ToLower(string(f.Exploitability)))]; ok {
		d.Exploitability = e
	}
	if e, ok := exposureFactor[types.Exposure(strings.ToLower(string(f.Exposure)))]; ok {
		d.Exposure = e
	}
	if f.Confidence != 0 {
		d.Confidence = math.Max(minConfidence, math.Min(maxConfidence, f.Confidence))
	}

	d.Raw = float64(d.Base) * d.Exploitability * d.Exposure * d.Confidence
	score := int(math.RoundToEven(d.Raw))
	return clamp(score, 0, 100), d
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Label maps a score onto a severity label.
func Label(score int) string {
	switch {
	case score >= 90:
		return LabelCritical
	case score >= 70:
		return LabelHigh
	case score >= 40:
		return LabelMedium
	case score >= 15:
		return LabelLow
	default:
		return LabelInfo
	}
}

// Apply scores every finding in place and returns the slice for chaining.
func Apply(findings []types.Finding) []types.Finding {
	for i := range findings {
		score, d := Score(findings[i])
		findings[i].RiskScore = score
		findings[i].RiskLabel = Label(score)
		if findings[i].Metadata == nil {
			findings[i].Metadata = make(map[string]interface{})
		}
		if _, ok := findings[i].Metadata["risk_details"]; !ok {
			findings[i].Metadata["risk_details"] = d
		}
	}
	return findings
}

// Aggregate is the integer mean of the findings' risk scores, 0 when empty.
func Aggregate(findings []types.Finding) int {
	if len(findings) == 0 {
		return 0
	}
	total := 0
	for _, f := range findings {
		total += f.RiskScore
	}
	return total / len(findings)
}

// Assessment is the overall risk of a target.
type Assessment struct {
	Score           int            `json:"score" yaml:"score"`
	Label           string         `json:"label" yaml:"label"`
	Findings        int            `json:"findings" yaml:"findings"`
	Vulnerabilities int            `json:"vulnerabilities" yaml:"vulnerabilities"`
	ByLabel         map[string]int `json:"by_label" yaml:"by_label"`
}

// Calculator scores findings and logs the resulting target assessment.
type Calculator struct {
	logger *logger.Logger
}

func NewCalculator(log *logger.Logger) *Calculator {
	if log == nil {
		log = logger.Nop()
	}
	return &Calculator{logger: log.WithComponent("risk-calculator")}
}

// Assess scores findings in place. Anything above info severity counts as a
// vulnerability; the target score averages over vulnerabilities only, falling
// back to all findings when there are none.
func (c *Calculator) Assess(findings []types.Finding) Assessment {
	Apply(findings)

	a := Assessment{Findings: len(findings), ByLabel: make(map[string]int)}
	var vulns []types.Finding
	for _, f := range findings {
		a.ByLabel[f.RiskLabel]++
		if f.Severity.Rank() > types.SeverityInfo.Rank() {
			vulns = append(vulns, f)
		}
	}
	a.Vulnerabilities = len(vulns)
	if len(vulns) > 0 {
		a.Score = Aggregate(vulns)
	} else {
		a.Score = Aggregate(findings)
	}
	a.Label = Label(a.Score)

	c.logger.Infow("Risk assessed",
		"score", a.Score,
		"label", a.Label,
		"findings", a.Findings,
		"vulnerabilities", a.Vulnerabilities,
	)
	return a
}
