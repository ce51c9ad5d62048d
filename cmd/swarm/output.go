package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/balancer"
	"github.com/aristath/swarm/internal/orchestrator"
	"github.com/aristath/swarm/internal/persistence"
	"github.com/aristath/swarm/internal/scheduler"
)

// Status styles
var (
	styleStatusRunning = lipgloss.NewStyle().
				Foreground(lipgloss.Color("3")).
				Bold(true)

	styleStatusComplete = lipgloss.NewStyle().
				Foreground(lipgloss.Color("2")).
				Bold(true)

	styleStatusFailed = lipgloss.NewStyle().
				Foreground(lipgloss.Color("1")).
				Bold(true)

	styleStatusPending = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))
)

// UI element styles
var (
	styleTitle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	styleHeader = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	styleCell = lipgloss.NewStyle().Padding(0, 1)

	styleBorder = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	styleHelp = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(styleBorder).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return styleHeader
			}
			return styleCell
		}).
		Render()
}

func statusText(s string) string {
	switch s {
	case "completed":
		return styleStatusComplete.Render(s)
	case "failed", "aborted":
		return styleStatusFailed.Render(s)
	case "running":
		return styleStatusRunning.Render(s)
	default:
		return styleStatusPending.Render(s)
	}
}

func healthText(h agent.Health) string {
	switch h {
	case agent.Healthy:
		return styleStatusComplete.Render(h.String())
	case agent.Stressed:
		return styleStatusRunning.Render(h.String())
	case agent.Unhealthy:
		return styleStatusFailed.Render(h.String())
	default:
		return styleStatusPending.Render(h.String())
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// firstLine keeps table cells on one row.
func firstLine(s string, n int) string {
	s, _, _ = strings.Cut(strings.TrimSpace(s), "\n")
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func printResults(w io.Writer, results []orchestrator.TaskResult) {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		detail := r.Output
		if r.Err != nil {
			detail = r.Err.Error()
		}
		rows = append(rows, []string{
			r.TaskID,
			r.Name,
			statusText(r.Status.String()),
			orDash(r.AgentID),
			orDash(firstLine(detail, 60)),
		})
	}
	fmt.Fprintln(w, styleTitle.Render("Tasks"))
	fmt.Fprintln(w, renderTable([]string{"ID", "NAME", "STATUS", "AGENT", "RESULT"}, rows))
}

func printAgents(w io.Writer, agents []agent.Agent) {
	rows := make([][]string, 0, len(agents))
	for _, a := range agents {
		rate := "-"
		if a.Performance.TasksCompleted > 0 {
			rate = strconv.FormatFloat(a.Performance.SuccessRate*100, 'f', 0, 64) + "%"
		}
		rows = append(rows, []string{
			a.ID,
			healthText(a.Health),
			orDash(strings.Join(a.Skills, ",")),
			string(a.Capacity),
			strconv.Itoa(a.Workload),
			strconv.Itoa(a.Performance.TasksCompleted),
			rate,
		})
	}
	fmt.Fprintln(w, styleTitle.Render("Agents"))
	fmt.Fprintln(w, renderTable([]string{"AGENT", "HEALTH", "SKILLS", "CAPACITY", "LOAD", "TASKS", "SUCCESS"}, rows))
}

func printRecommendation(w io.Writer, rec balancer.Recommendation) {
	if rec.Action == balancer.ActionNone {
		return
	}
	msg := fmt.Sprintf("rebalance: %s", rec.Action)
	if len(rec.Overloaded) > 0 {
		msg += fmt.Sprintf(" (overloaded: %s)", strings.Join(rec.Overloaded, ", "))
	}
	if len(rec.Underutilized) > 0 {
		msg += fmt.Sprintf(" (idle: %s)", strings.Join(rec.Underutilized, ", "))
	}
	fmt.Fprintln(w, styleHelp.Render(msg))
}

func printPlan(w io.Writer, dag *scheduler.DAG, waves [][]string) {
	for i, wave := range waves {
		rows := make([][]string, 0, len(wave))
		for _, id := range wave {
			t, ok := dag.Get(id)
			if !ok {
				continue
			}
			rows = append(rows, []string{
				t.ID,
				t.Name,
				orDash(t.RequiredSkill),
				orDash(strings.Join(t.DependsOn, ",")),
			})
		}
		fmt.Fprintln(w, styleTitle.Render(fmt.Sprintf("Wave %d", i)))
		fmt.Fprintln(w, renderTable([]string{"ID", "NAME", "SKILL", "DEPENDS ON"}, rows))
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func printBatches(w io.Writer, batches []*persistence.Batch) {
	rows := make([][]string, 0, len(batches))
	for _, b := range batches {
		rows = append(rows, []string{
			b.ID,
			statusText(orDash(b.Outcome)),
			strconv.Itoa(b.Total),
			strconv.Itoa(b.Completed),
			strconv.Itoa(b.Failed),
			formatTime(b.StartedAt),
			formatTime(b.FinishedAt),
		})
	}
	fmt.Fprintln(w, styleTitle.Render("Batches"))
	fmt.Fprintln(w, renderTable([]string{"BATCH", "OUTCOME", "TOTAL", "DONE", "FAILED", "STARTED", "FINISHED"}, rows))
}

func printTaskRuns(w io.Writer, b *persistence.Batch, runs []persistence.TaskRun) {
	title := fmt.Sprintf("Batch %s: %s", b.ID, orDash(b.Outcome))
	if b.Error != "" {
		title += " (" + b.Error + ")"
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		detail := r.Output
		if r.Error != "" {
			detail = r.Error
		}
		rows = append(rows, []string{
			strconv.Itoa(r.Wave),
			r.TaskID,
			r.Name,
			statusText(r.Status),
			orDash(r.AgentID),
			r.Duration.Round(time.Millisecond).String(),
			orDash(firstLine(detail, 60)),
		})
	}
	fmt.Fprintln(w, styleTitle.Render(title))
	fmt.Fprintln(w, renderTable([]string{"WAVE", "ID", "NAME", "STATUS", "AGENT", "DURATION", "RESULT"}, rows))
}
