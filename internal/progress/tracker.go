// Package progress renders multi-phase assessment progress on a terminal.
package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/bruteforce"
)

// Tracker follows the phases of one assessment. State is kept even when
// rendering is disabled so callers can still read Phases afterwards.
type Tracker struct {
	mu        sync.Mutex
	out       io.Writer
	enabled   bool
	phases    []Phase
	current   int
	startTime time.Time
}

type Phase struct {
	Name        string
	Description string
	Status      PhaseStatus
	StartTime   time.Time
	EndTime     time.Time
	Progress    int // 0-100
	Detail      string
	Err         string
}

type PhaseStatus int

const (
	StatusPending PhaseStatus = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusSkipped
)

func (s PhaseStatus) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	}
	return "pending"
}

func New(out io.Writer, enabled bool) *Tracker {
	if out == nil {
		out = io.Discard
	}
	return &Tracker{
		out:       out,
		enabled:   enabled,
		startTime: time.Now(),
	}
}

func (t *Tracker) AddPhase(name, description string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.phases = append(t.phases, Phase{
		Name:        name,
		Description: description,
		Status:      StatusPending,
	})
}

// update runs fn on the named phase and re-renders. Unknown names are ignored.
func (t *Tracker) update(name string, fn func(i int, p *Phase)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.phases {
		if t.phases[i].Name == name {
			fn(i, &t.phases[i])
			t.render()
			return
		}
	}
}

func (t *Tracker) StartPhase(name string) {
	t.update(name, func(i int, p *Phase) {
		p.Status = StatusRunning
		p.StartTime = time.Now()
		t.current = i
	})
}

// UpdateProgress sets the completion percentage, clamped to 0-100.
func (t *Tracker) UpdateProgress(name string, progress int) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	t.update(name, func(_ int, p *Phase) {
		p.Progress = progress
	})
}

// SetDetail attaches a short status string shown next to the phase.
func (t *Tracker) SetDetail(name, detail string) {
	t.update(name, func(_ int, p *Phase) {
		p.Detail = detail
	})
}

func (t *Tracker) CompletePhase(name string) {
	t.update(name, func(_ int, p *Phase) {
		p.Status = StatusCompleted
		p.EndTime = time.Now()
		p.Progress = 100
	})
}

func (t *Tracker) FailPhase(name string, err error) {
	t.update(name, func(_ int, p *Phase) {
		p.Status = StatusFailed
		p.EndTime = time.Now()
		if err != nil {
			p.Err = err.Error()
		}
	})
}

func (t *Tracker) SkipPhase(name, reason string) {
	t.update(name, func(_ int, p *Phase) {
		p.Status = StatusSkipped
		p.Detail = reason
	})
}

// BruteforceReporter adapts bruteforce progress snapshots into phase detail.
func (t *Tracker) BruteforceReporter(name string) func(bruteforce.Progress) {
	return func(p bruteforce.Progress) {
		t.SetDetail(name, fmt.Sprintf("%d attempts, %.0f/s", p.Attempts, p.AttemptsPerSecond))
	}
}

// Phases returns a copy of the current phase list.
func (t *Tracker) Phases() []Phase {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Phase, len(t.phases))
	copy(out, t.phases)
	return out
}

// Overall is the weighted completion across all phases. Skipped phases count
// as done.
func (t *Tracker) Overall() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.overall()
}

func (t *Tracker) overall() int {
	total := len(t.phases)
	if total == 0 {
		return 0
	}

	done := 0
	running := 0
	for _, p := range t.phases {
		switch p.Status {
		case StatusCompleted, StatusFailed, StatusSkipped:
			done += 100
		case StatusRunning:
			running += p.Progress
		}
	}
	return (done + running) / total
}

func (t *Tracker) render() {
	if !t.enabled {
		return
	}

	overall := t.overall()
	barWidth := 30
	filled := (overall * barWidth) / 100
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	info := ""
	if t.current < len(t.phases) {
		p := t.phases[t.current]
		info = fmt.Sprintf("%s (%d%%)", p.Description, p.Progress)
		if p.Detail != "" {
			info += " " + p.Detail
		}
	}

	elapsed := time.Since(t.startTime)
	eta := "calculating..."
	if overall > 0 && overall < 100 {
		remaining := (elapsed*100)/time.Duration(overall) - elapsed
		eta = formatDuration(remaining)
	}

	fmt.Fprint(t.out, "\r\033[K")
	fmt.Fprintf(t.out, "[%s] %d%% | %s | ETA: %s", color.CyanString(bar), overall, info, eta)
}

// Complete prints the phase summary.
func (t *Tracker) Complete() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.enabled {
		return
	}

	fmt.Fprint(t.out, "\r\033[K")
	fmt.Fprintf(t.out, "\nAssessment completed in %s\n\n", formatDuration(time.Since(t.startTime)))

	fmt.Fprintln(t.out, "Phase Summary:")
	for _, p := range t.phases {
		duration := ""
		if !p.EndTime.IsZero() && !p.StartTime.IsZero() {
			duration = fmt.Sprintf(" (%s)", formatDuration(p.EndTime.Sub(p.StartTime)))
		}
		suffix := ""
		switch {
		case p.Err != "":
			suffix = ": " + p.Err
		case p.Status == StatusSkipped && p.Detail != "":
			suffix = ": " + p.Detail
		}
		fmt.Fprintf(t.out, "  %s %s%s%s\n", statusMark(p.Status), p.Name, duration, suffix)
	}
	fmt.Fprintln(t.out)
}

func statusMark(s PhaseStatus) string {
	switch s {
	case StatusCompleted:
		return color.GreenString("✓")
	case StatusFailed:
		return color.RedString("✗")
	case StatusRunning:
		return color.YellowString("⟳")
	case StatusSkipped:
		return color.New(color.Faint).Sprint("-")
	}
	return "○"
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "< 1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
