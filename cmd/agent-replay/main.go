// Package main is the entry point for agent-replay, an interactive
// terminal browser over the Audit Logger's persisted run records.
//
// The header/footer/viewport chrome is grounded on
// vinayprograms-agent/src/internal/replay/pager.go's pagerModel (a
// bubbles/viewport.Model wrapped in a lipgloss-styled title bar and help
// footer); the run-selection screen adds bubbles/list.Model — the one
// component of the bubbles module the pack declares but never imports —
// generalizing pager.go's single-document viewer into a two-screen
// browse-then-inspect flow over many runs.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/corvidrun/corvid/internal/auditlog"
	"github.com/corvidrun/corvid/internal/coretypes"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	infoStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	statusStyles = map[coretypes.RunStatus]lipgloss.Style{
		coretypes.RunCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		coretypes.RunFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		coretypes.RunAborted:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		coretypes.RunProposed:  lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		coretypes.RunRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
	}
)

func main() {
	baseDir := ".agent/runs"
	if len(os.Args) > 1 {
		baseDir = os.Args[1]
	}

	logger, err := auditlog.New(baseDir, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agent-replay:", err)
		os.Exit(1)
	}
	defer logger.Close()

	ids, err := logger.List()
	if err != nil {
		fmt.Fprintln(os.Stderr, "agent-replay:", err)
		os.Exit(1)
	}

	items := make([]list.Item, len(ids))
	for i, id := range ids {
		items[i] = runItem{id: id}
	}

	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = fmt.Sprintf("Runs (%s)", baseDir)

	m := &model{logger: logger, list: l}
	prog := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := prog.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "agent-replay:", err)
		os.Exit(1)
	}
}

// runItem adapts a run id into a bubbles/list.Item.
type runItem struct{ id string }

func (r runItem) Title() string       { return r.id }
func (r runItem) Description() string { return "" }
func (r runItem) FilterValue() string { return r.id }

// screen selects which of the two views is active.
type screen int

const (
	screenList screen = iota
	screenDetail
)

// model is the top-level Bubble Tea model: a run list that drills into a
// scrollable detail viewport, mirroring pager.go's single-viewport shape
// but gated behind the extra list screen.
type model struct {
	logger *auditlog.Logger

	screen   screen
	list     list.Model
	viewport viewport.Model
	ready    bool
	err      error
}

func (m *model) Init() tea.Cmd { return nil }

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		headerHeight, footerHeight := 1, 1
		m.list.SetSize(msg.Width, msg.Height-headerHeight-footerHeight)
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)
			m.viewport.YPosition = headerHeight
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight - footerHeight
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "q":
			if m.screen == screenDetail {
				m.screen = screenList
				return m, nil
			}
			return m, tea.Quit
		case "esc":
			if m.screen == screenDetail {
				m.screen = screenList
				return m, nil
			}
		case "enter":
			if m.screen == screenList {
				if it, ok := m.list.SelectedItem().(runItem); ok {
					m.loadDetail(it.id)
					m.screen = screenDetail
				}
				return m, nil
			}
		}
	}

	var cmd tea.Cmd
	switch m.screen {
	case screenList:
		m.list, cmd = m.list.Update(msg)
	case screenDetail:
		m.viewport, cmd = m.viewport.Update(msg)
	}
	return m, cmd
}

func (m *model) loadDetail(runID string) {
	run, err := m.logger.Load(runID)
	if err != nil {
		m.err = err
		m.viewport.SetContent(fmt.Sprintf("failed to load run %s: %v", runID, err))
		return
	}
	if run == nil {
		m.viewport.SetContent(fmt.Sprintf("run %s not found", runID))
		return
	}
	m.viewport.SetContent(renderRun(run))
	m.viewport.GotoTop()
}

func renderRun(run *coretypes.PlanRun) string {
	var b strings.Builder

	style := statusStyles[run.Status]
	fmt.Fprintf(&b, "Plan:     %s\n", run.PlanName)
	fmt.Fprintf(&b, "Run ID:   %s\n", run.RunID)
	fmt.Fprintf(&b, "Trigger:  %s\n", run.Trigger)
	fmt.Fprintf(&b, "Status:   %s\n", style.Render(string(run.Status)))
	fmt.Fprintf(&b, "Started:  %s\n", run.StartedAt.Format("2006-01-02 15:04:05"))
	if !run.EndedAt.IsZero() {
		fmt.Fprintf(&b, "Ended:    %s\n", run.EndedAt.Format("2006-01-02 15:04:05"))
	}
	if run.Summary != nil {
		fmt.Fprintf(&b, "Summary:  %d completed, %d failed, %d skipped, %dms\n",
			run.Summary.StepsCompleted, run.Summary.StepsFailed, run.Summary.StepsSkipped, run.Summary.DurationMS)
	}
	b.WriteString("\n" + infoStyle.Render(strings.Repeat("─", 40)) + "\n\n")

	for id, step := range run.Steps {
		stepStyle := lipgloss.NewStyle()
		switch step.Status {
		case coretypes.StepCompleted:
			stepStyle = stepStyle.Foreground(lipgloss.Color("10"))
		case coretypes.StepFailed:
			stepStyle = stepStyle.Foreground(lipgloss.Color("9"))
		case coretypes.StepSkipped:
			stepStyle = stepStyle.Foreground(lipgloss.Color("11"))
		}
		fmt.Fprintf(&b, "%s  %s (attempt %d, %dms)\n", stepStyle.Render(string(step.Status)), id, step.Attempts, step.DurationMS)
		if step.Error != "" {
			fmt.Fprintf(&b, "    error: %s\n", step.Error)
		}
		if step.VerificationDetail != "" {
			fmt.Fprintf(&b, "    verify: %s\n", step.VerificationDetail)
		}
	}
	return b.String()
}

func (m *model) View() string {
	if m.screen == screenList {
		return m.list.View()
	}
	if !m.ready {
		return "\n  Loading...\n"
	}

	header := titleStyle.Render("Run detail")
	line := strings.Repeat("─", max0(m.viewport.Width-lipgloss.Width(header)))
	top := lipgloss.JoinHorizontal(lipgloss.Center, header, infoStyle.Render(line))

	footer := helpStyle.Render(" q/esc: back to list │ ctrl+c: quit ")
	return top + "\n" + m.viewport.View() + "\n" + footer
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
