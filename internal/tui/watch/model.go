package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/lockstep/internal/coordinator"
	"github.com/mattjoyce/lockstep/internal/events"
)

const (
	pollInterval = time.Second
	eventLogCap  = 50
)

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	apiURL string

	width  int
	height int

	status      coordinator.Status
	haveStatus  bool
	eventLog    []events.Event
	lastEventID int64

	stages  table.Model
	spinner spinner.Model
	theme   Theme

	lastError string
}

// New creates a watch model polling the status API at apiURL.
func New(apiURL string) *Model {
	theme := NewDefaultTheme()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = theme.Highlight

	tbl := table.New(
		table.WithColumns([]table.Column{
			{Title: "#", Width: 4},
			{Title: "STAGE", Width: 24},
			{Title: "STATE", Width: 12},
		}),
		table.WithHeight(8),
	)

	return &Model{
		apiURL:  apiURL,
		stages:  tbl,
		spinner: sp,
		theme:   theme,
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		fetchStatus(m.apiURL),
		fetchEvents(m.apiURL, 0),
		tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		return m, tea.Batch(
			fetchStatus(m.apiURL),
			fetchEvents(m.apiURL, m.lastEventID),
			tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) }),
		)

	case statusMsg:
		m.status = coordinator.Status(msg)
		m.haveStatus = true
		m.lastError = ""
		m.stages.SetRows(m.stageRows())

	case eventsMsg:
		for _, e := range msg {
			if e.ID > m.lastEventID {
				m.lastEventID = e.ID
			}
			m.eventLog = append([]events.Event{e}, m.eventLog...)
		}
		if len(m.eventLog) > eventLogCap {
			m.eventLog = m.eventLog[:eventLogCap]
		}

	case errMsg:
		m.lastError = msg.Error()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// stageRows derives one table row per stage from the run snapshot. The API
// only reports the current stage index, so completion is inferred from it.
func (m *Model) stageRows() []table.Row {
	rows := make([]table.Row, 0, m.status.TotalStages)
	for i := 0; i < m.status.TotalStages; i++ {
		state := "pending"
		switch {
		case m.status.State == coordinator.StateTerminated && m.status.Error == "":
			state = "done"
		case m.status.CurrentStage > i:
			state = "done"
		case m.status.CurrentStage == i && m.status.State == coordinator.StateRunning:
			state = "running"
		case m.status.Error != "" && m.status.CurrentStage == i:
			state = "failed"
		}
		name := ""
		if i == m.status.CurrentStage {
			name = m.status.StageName
		}
		rows = append(rows, table.Row{fmt.Sprintf("%d", i), name, state})
	}
	return rows
}

func (m *Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}

	innerWidth := m.width - 6

	header := m.renderHeader(innerWidth)
	stages := m.renderStages(innerWidth)
	eventStream := m.renderEvents(innerWidth)

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError))
	}

	help := m.theme.Dim.Render(" [q] Quit")

	parts := []string{header, stages, eventStream}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func (m *Model) renderHeader(width int) string {
	if !m.haveStatus {
		return m.theme.Border.Width(width).Render(
			m.theme.Title.Render("LOCKSTEP") + " " + m.spinner.View() + m.theme.Dim.Render("waiting for run..."),
		)
	}

	stateStyle := m.theme.StatusRunning
	switch {
	case m.status.Error != "":
		stateStyle = m.theme.StatusFailed
	case m.status.State == coordinator.StateTerminated:
		stateStyle = m.theme.StatusOK
	}

	line := fmt.Sprintf("%s run %s  %s  stage %d/%d  workers %d",
		m.spinner.View(),
		m.theme.Highlight.Render(m.status.RunID),
		stateStyle.Render(string(m.status.State)),
		m.status.CurrentStage+1, m.status.TotalStages,
		m.status.GroupSize,
	)

	content := lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("LOCKSTEP"),
		lipgloss.NewStyle().Padding(0, 1).Render(line),
	)
	return m.theme.Border.Width(width).Render(content)
}

func (m *Model) renderStages(width int) string {
	content := lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("STAGES"),
		m.stages.View(),
	)
	return m.theme.Border.Width(width).Render(content)
}

func (m *Model) renderEvents(width int) string {
	if len(m.eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("EVENT STREAM"),
			m.theme.Dim.Render("  Waiting for events..."),
		)
		return m.theme.Border.Width(width).Render(content)
	}

	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, m.formatEvent(e))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return m.theme.Border.Width(width).Render(content)
}

func (m *Model) formatEvent(e events.Event) string {
	ts := m.theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch {
	case strings.HasSuffix(e.Type, ".completed"):
		typeStyle = m.theme.StatusOK
	case strings.HasSuffix(e.Type, ".failed"):
		typeStyle = m.theme.StatusFailed
	case strings.HasSuffix(e.Type, ".started"):
		typeStyle = m.theme.StatusRunning
	default:
		typeStyle = m.theme.Dim
	}
	typeName := typeStyle.Render(fmt.Sprintf("%-16s", e.Type))

	detail := e.Detail
	if e.Stage >= 0 && detail == "" {
		detail = fmt.Sprintf("stage %d", e.Stage)
	}

	return fmt.Sprintf("%s %s %s", ts, typeName, m.theme.Dim.Render(detail))
}
