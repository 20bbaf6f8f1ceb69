package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

// ProgressMsg reports a stage transition inside one attempt. Forward
// these into the program with Program.Send from the attempt goroutines.
type ProgressMsg struct {
	Attempt string
	Round   int
	Stage   string
}

// DoneMsg reports a finished attempt.
type DoneMsg struct {
	Attempt    string
	Success    bool
	Degraded   bool
	Candidates int
	Passes     int
	Err        error
}

type attemptState int

const (
	attemptPending attemptState = iota
	attemptRunning
	attemptAccepted
	attemptExhausted
	attemptFailed
)

type attemptRow struct {
	name    string
	state   attemptState
	round   int
	stage   string
	summary string
}

// Model is the live dashboard: one row per attempt, updated from
// progress and done messages. It quits on its own once every attempt
// has reported done.
type Model struct {
	styles Styles
	spin   spinner.Model

	order []string
	rows  map[string]*attemptRow

	width    int
	done     int
	quitting bool
}

// NewModel builds a dashboard for the named attempts, in order.
func NewModel(attempts []string) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	styles := DefaultStyles()
	sp.Style = styles.Spinner

	rows := make(map[string]*attemptRow, len(attempts))
	order := make([]string, 0, len(attempts))
	for _, name := range attempts {
		rows[name] = &attemptRow{name: name, state: attemptPending}
		order = append(order, name)
	}
	return Model{
		styles: styles,
		spin:   sp,
		order:  order,
		rows:   rows,
		width:  80,
	}
}

// Init starts the spinner.
func (m Model) Init() tea.Cmd {
	return m.spin.Tick
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case ProgressMsg:
		if row, ok := m.rows[msg.Attempt]; ok {
			row.state = attemptRunning
			row.round = msg.Round
			row.stage = msg.Stage
		}

	case DoneMsg:
		if row, ok := m.rows[msg.Attempt]; ok {
			m.done++
			switch {
			case msg.Err != nil:
				row.state = attemptFailed
				row.summary = msg.Err.Error()
			case msg.Success:
				row.state = attemptAccepted
				row.summary = fmt.Sprintf("accepted after %d passes, %d candidates", msg.Passes, msg.Candidates)
			default:
				row.state = attemptExhausted
				row.summary = fmt.Sprintf("no accepted patch, %d candidates kept", msg.Candidates)
				if msg.Degraded {
					row.summary = fmt.Sprintf("degraded, %d unverified candidates kept", msg.Candidates)
				}
			}
		}
		if m.done >= len(m.order) {
			m.quitting = true
			return m, tea.Quit
		}
	}
	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	var sb strings.Builder

	header := m.styles.Header.Render(" mendloop ")
	count := m.styles.Muted.Render(fmt.Sprintf("  %d/%d attempts done", m.done, len(m.order)))
	sb.WriteString(header + count + "\n\n")

	for _, name := range m.order {
		row := m.rows[name]
		sb.WriteString(m.renderRow(row) + "\n")
	}

	if !m.quitting {
		sb.WriteString("\n" + m.styles.Muted.Render("q quit") + "\n")
	}
	return sb.String()
}

func (m Model) renderRow(row *attemptRow) string {
	switch row.state {
	case attemptPending:
		return m.styles.Muted.Render(fmt.Sprintf(" ○ %s  queued", row.name))
	case attemptRunning:
		line := fmt.Sprintf(" %s %s  round %d  %s", m.spin.View(), row.name, row.round, row.stage)
		return m.styles.Info.Render(line)
	case attemptAccepted:
		return m.styles.Success.Render(fmt.Sprintf(" ✓ %s  %s", row.name, row.summary))
	case attemptExhausted:
		return m.styles.Warning.Render(fmt.Sprintf(" ○ %s  %s", row.name, row.summary))
	default:
		return m.styles.Error.Render(fmt.Sprintf(" ✗ %s  %s", row.name, row.summary))
	}
}
