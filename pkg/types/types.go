package types

import (
	"time"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Rank orders severities from info (0) to critical (4).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

type AssessmentMode string

const (
	ModeFull  AssessmentMode = "full"
	ModeRecon AssessmentMode = "recon"
	ModeAuth  AssessmentMode = "auth"
	ModeEnum  AssessmentMode = "enum"
)

func ParseMode(s string) (AssessmentMode, bool) {
	switch m := AssessmentMode(s); m {
	case ModeFull, ModeRecon, ModeAuth, ModeEnum:
		return m, true
	}
	return "", false
}

type Exploitability string

const (
	ExploitTrivial  Exploitability = "trivial"
	ExploitEasy     Exploitability = "easy"
	ExploitModerate Exploitability = "moderate"
	ExploitHard     Exploitability = "hard"
)

type Exposure string

const (
	ExposurePublic        Exposure = "public"
	ExposureAuthenticated Exposure = "authenticated"
	ExposureInternal      Exposure = "internal"
)

type Finding struct {
	ID             string                 `json:"id" yaml:"id" db:"id"`
	ReportID       string                 `json:"report_id,omitempty" yaml:"report_id,omitempty" db:"report_id"`
	Tool           string                 `json:"tool" yaml:"tool" db:"tool"`
	Type           string                 `json:"type" yaml:"type" db:"type"`
	Severity       Severity               `json:"severity" yaml:"severity" db:"severity"`
	Title          string                 `json:"title" yaml:"title" db:"title"`
	Description    string                 `json:"description" yaml:"description" db:"description"`
	Evidence       string                 `json:"evidence,omitempty" yaml:"evidence,omitempty" db:"evidence"`
	Solution       string                 `json:"solution,omitempty" yaml:"solution,omitempty" db:"solution"`
	Endpoint       string                 `json:"endpoint,omitempty" yaml:"endpoint,omitempty" db:"endpoint"`
	Exploitability Exploitability         `json:"exploitability,omitempty" yaml:"exploitability,omitempty" db:"exploitability"`
	Exposure       Exposure               `json:"exposure,omitempty" yaml:"exposure,omitempty" db:"exposure"`
	Confidence     float64                `json:"confidence,omitempty" yaml:"confidence,omitempty" db:"confidence"`
	RiskScore      int                    `json:"risk_score" yaml:"risk_score" db:"risk_score"`
	RiskLabel      string                 `json:"risk_label,omitempty" yaml:"risk_label,omitempty" db:"risk_label"`
	References     []string               `json:"references,omitempty" yaml:"references,omitempty" db:"-"`
	Metadata       map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty" db:"-"`
	CreatedAt      time.Time              `json:"created_at" yaml:"created_at" db:"created_at"`
}

type Summary struct {
	Total      int              `json:"total" yaml:"total"`
	BySeverity map[Severity]int `json:"by_severity" yaml:"by_severity"`
	ByType     map[string]int   `json:"by_type" yaml:"by_type"`
}

func Summarize(findings []Finding) Summary {
	s := Summary{
		Total:      len(findings),
		BySeverity: make(map[Severity]int),
		ByType:     make(map[string]int),
	}
	for _, f := range findings {
		s.BySeverity[f.Severity]++
		s.ByType[f.Type]++
	}
	return s
}
