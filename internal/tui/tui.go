// Package tui provides the read-only terminal monitor for the relay
package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"sap-audit-relay/internal/tui/scenes"
	"sap-audit-relay/internal/tui/styles"
)

// Scene represents the current view
type Scene int

const (
	SceneOverview Scene = iota
	SceneRecords
)

// Model is the main monitor model. It only ever reads the agent's status
// snapshot and audit file; it never writes agent state.
type Model struct {
	scene Scene

	// Scene models - only the active one receives ticks
	overview *scenes.OverviewScene
	records  *scenes.RecordsScene

	width  int
	height int

	quitting bool
}

// New creates a monitor over the given agent files
func New(statusPath, auditPath string) *Model {
	return &Model{
		scene:    SceneOverview,
		overview: scenes.NewOverviewScene(statusPath, auditPath),
		records:  scenes.NewRecordsScene(auditPath),
	}
}

// Init initializes the monitor
func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.overview.Init(),
		m.getActiveSceneTickCmd(),
	)
}

// getActiveSceneTickCmd returns the tick command for the active scene
// only, so inactive scenes do no file reads.
func (m *Model) getActiveSceneTickCmd() tea.Cmd {
	switch m.scene {
	case SceneOverview:
		return m.overview.TickCmd()
	case SceneRecords:
		return m.records.TickCmd()
	default:
		return nil
	}
}

// Update handles all messages
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit

		case "1":
			if m.scene != SceneOverview {
				m.scene = SceneOverview
				cmds = append(cmds, m.overview.Init(), m.overview.TickCmd())
			}
			return m, tea.Batch(cmds...)

		case "2":
			if m.scene != SceneRecords {
				m.scene = SceneRecords
				cmds = append(cmds, m.records.Init(), m.records.TickCmd())
			}
			return m, tea.Batch(cmds...)

		case "tab":
			m.scene = (m.scene + 1) % 2
			cmds = append(cmds, m.getActiveSceneTickCmd())
			return m, tea.Batch(cmds...)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.overview, _ = m.overview.Update(msg)
		m.records, _ = m.records.Update(msg)
		return m, nil

	case scenes.TickMsg:
		// Only the active scene refreshes and reschedules its tick
		var cmd tea.Cmd
		switch m.scene {
		case SceneOverview:
			m.overview, cmd = m.overview.Update(msg)
			if cmd != nil {
				cmds = append(cmds, cmd)
			}
			cmds = append(cmds, m.overview.TickCmd())
		case SceneRecords:
			m.records, cmd = m.records.Update(msg)
			if cmd != nil {
				cmds = append(cmds, cmd)
			}
			cmds = append(cmds, m.records.TickCmd())
		}
		return m, tea.Batch(cmds...)
	}

	var cmd tea.Cmd
	switch m.scene {
	case SceneOverview:
		m.overview, cmd = m.overview.Update(msg)
	case SceneRecords:
		m.records, cmd = m.records.Update(msg)
	}
	if cmd != nil {
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// View renders the current view
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	switch m.scene {
	case SceneOverview:
		b.WriteString(m.overview.View())
	case SceneRecords:
		b.WriteString(m.records.View())
	}

	b.WriteString("\n")
	b.WriteString(m.renderFooter())

	return b.String()
}

func (m *Model) renderHeader() string {
	tabs := []struct {
		name  string
		key   string
		scene Scene
	}{
		{"Overview", "1", SceneOverview},
		{"Records", "2", SceneRecords},
	}

	var tabViews []string
	for _, tab := range tabs {
		label := fmt.Sprintf(" %s %s ", tab.key, tab.name)
		if tab.scene == m.scene {
			tabViews = append(tabViews, styles.TabActive.Render(label))
		} else {
			tabViews = append(tabViews, styles.TabInactive.Render(label))
		}
	}

	tabBar := lipgloss.JoinHorizontal(lipgloss.Top, tabViews...)

	return lipgloss.NewStyle().
		BorderBottom(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(styles.MutedColor).
		Width(m.width).
		Render(tabBar)
}

func (m *Model) renderFooter() string {
	help := " [1-2] Switch tabs  [Tab] Next tab  [↑↓/jk] Scroll  [q] Quit "
	return styles.Help.Render(help)
}

// Run starts the monitor
func Run(statusPath, auditPath string) error {
	m := New(statusPath, auditPath)
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
