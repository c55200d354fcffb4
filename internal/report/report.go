// Package report renders run outcomes for terminals.
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"stagerun/internal/core"
)

// Failure describes the first failing stage of a run.
type Failure struct {
	StageID    string `json:"stageId"`
	Step       string `json:"step,omitempty"`
	ExitCode   int    `json:"exitCode,omitempty"`
	Reason     string `json:"reason"`
	Message    string `json:"message,omitempty"`
	StderrTail string `json:"stderrTail,omitempty"`
}

// Summary is the outcome of a run reduced to what a user acts on.
type Summary struct {
	RunID        string                `json:"runId"`
	PipelineID   string                `json:"pipelineId"`
	Status       core.Status           `json:"status"`
	FirstFailure *Failure              `json:"firstFailure,omitempty"`
	Failed       []core.StageRunResult `json:"-"`
	Cancelled    []core.StageRunResult `json:"-"`
	Skipped      []core.StageRunResult `json:"-"`
	Succeeded    int                   `json:"succeeded"`
}

// Summarize walks the stages of snap in order, which should be topological;
// nil keeps the snapshot order.
func Summarize(snap core.Snapshot, order []string) Summary {
	byID := make(map[string]core.StageRunResult, len(snap.Stages))
	for _, s := range snap.Stages {
		byID[s.StageID] = s
	}
	if order == nil {
		for _, s := range snap.Stages {
			order = append(order, s.StageID)
		}
	}

	sum := Summary{RunID: snap.ID, PipelineID: snap.PipelineID, Status: snap.Status}
	for _, id := range order {
		res, ok := byID[id]
		if !ok {
			continue
		}
		switch res.Status {
		case core.StatusSuccess:
			sum.Succeeded++
		case core.StatusFailed:
			sum.Failed = append(sum.Failed, res)
			if sum.FirstFailure == nil {
				sum.FirstFailure = &Failure{
					StageID:    res.StageID,
					Step:       res.FailedStepName(),
					ExitCode:   res.ExitCode,
					Reason:     string(res.Reason),
					Message:    res.Message,
					StderrTail: res.StderrTail,
				}
			}
		case core.StatusCancelled:
			sum.Cancelled = append(sum.Cancelled, res)
		case core.StatusSkipped:
			sum.Skipped = append(sum.Skipped, res)
		}
	}
	return sum
}

type styles struct {
	title   lipgloss.Style
	header  lipgloss.Style
	dim     lipgloss.Style
	success lipgloss.Style
	failed  lipgloss.Style
	warn    lipgloss.Style
	box     lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		title:   r.NewStyle().Bold(true),
		header:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("#888888")),
		dim:     r.NewStyle().Foreground(lipgloss.Color("#5a5a70")),
		success: r.NewStyle().Foreground(lipgloss.Color("#22c55e")),
		failed:  r.NewStyle().Foreground(lipgloss.Color("#ef4444")).Bold(true),
		warn:    r.NewStyle().Foreground(lipgloss.Color("#eab308")),
		box: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#ef4444")).
			Padding(0, 1),
	}
}

func (s styles) status(st core.Status) lipgloss.Style {
	switch st {
	case core.StatusSuccess:
		return s.success
	case core.StatusFailed:
		return s.failed
	case core.StatusCancelled, core.StatusSkipped:
		return s.warn
	}
	return s.dim
}

// Render writes a stage table and the failure details of snap to w.
func Render(w io.Writer, snap core.Snapshot, order []string) error {
	r := lipgloss.NewRenderer(w)
	st := newStyles(r)
	sum := Summarize(snap, order)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s  %s\n",
		st.title.Render("Run "+snap.ID),
		st.dim.Render(fmt.Sprintf("pipeline %s, branch %s", snap.PipelineID, snap.VCS.Branch)),
		st.status(snap.Status).Render(string(snap.Status)))

	ids := order
	if ids == nil {
		for _, s := range snap.Stages {
			ids = append(ids, s.StageID)
		}
	}
	byID := make(map[string]core.StageRunResult, len(snap.Stages))
	width := len("STAGE")
	for _, s := range snap.Stages {
		byID[s.StageID] = s
		width = max(width, len(s.StageID))
	}

	col := func(s lipgloss.Style, n int, text string) string { return s.Width(n).Render(text) }
	b.WriteString(col(st.header, width+2, "STAGE") + col(st.header, 11, "STATUS") + col(st.header, 8, "BUILD") +
		col(st.header, 10, "TIME") + st.header.Render("DETAIL") + "\n")
	for _, id := range ids {
		res, ok := byID[id]
		if !ok {
			continue
		}
		build := ""
		if res.BuildNumber > 0 {
			build = fmt.Sprintf("#%d", res.BuildNumber)
		}
		elapsed := ""
		if d := res.Duration(); d > 0 {
			elapsed = d.Round(10 * time.Millisecond).String()
		}
		b.WriteString(col(lipgloss.NewStyle(), width+2, id) +
			col(st.status(res.Status), 11, string(res.Status)) +
			col(st.dim, 8, build) +
			col(st.dim, 10, elapsed) +
			st.dim.Render(detail(res)) + "\n")
	}

	if f := sum.FirstFailure; f != nil {
		var fb strings.Builder
		fmt.Fprintf(&fb, "First failure: stage %s", f.StageID)
		if f.Step != "" {
			fmt.Fprintf(&fb, ", step %q", f.Step)
		}
		if f.Reason == "STEP_FAILED" {
			fmt.Fprintf(&fb, " (exit code %d)", f.ExitCode)
		} else {
			fmt.Fprintf(&fb, " (%s)", f.Reason)
		}
		if f.StderrTail != "" {
			fb.WriteString("\n\n" + f.StderrTail)
		} else if f.Message != "" {
			fb.WriteString("\n\n" + f.Message)
		}
		b.WriteString("\n" + st.box.Render(fb.String()) + "\n")
	}
	if len(sum.Cancelled) > 0 {
		b.WriteString("\n" + st.warn.Render("Cancelled:") + " " + joinStages(sum.Cancelled) + "\n")
	}
	if len(sum.Skipped) > 0 {
		b.WriteString("\n" + st.warn.Render("Skipped:") + " " + joinStages(sum.Skipped) + "\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func detail(res core.StageRunResult) string {
	switch res.Status {
	case core.StatusFailed:
		if name := res.FailedStepName(); name != "" {
			return fmt.Sprintf("%s in %q", res.Reason, name)
		}
		return string(res.Reason)
	case core.StatusSkipped, core.StatusCancelled:
		return string(res.Reason)
	case core.StatusSuccess:
		if n := len(res.Artifacts); n > 0 {
			return fmt.Sprintf("%d artifact(s)", n)
		}
	}
	return ""
}

func joinStages(results []core.StageRunResult) string {
	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = fmt.Sprintf("%s (%s)", r.StageID, r.Reason)
	}
	return strings.Join(parts, ", ")
}
