// Package scenes provides the relay monitor's views
package scenes

import (
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"sap-audit-relay/internal/status"
	"sap-audit-relay/internal/tui/styles"
)

// TickMsg is sent on each refresh tick - exported for use by parent model
type TickMsg struct {
	Scene string
	Time  time.Time
}

// OverviewScene renders the latest status snapshot written by the agent.
type OverviewScene struct {
	statusPath string
	auditPath  string

	st         status.Status
	backupAge  time.Duration
	hasBackup  bool
	err        error
	loading    bool
	width      int
	height     int
	lastUpdate time.Time
}

// overviewMsg carries a freshly loaded snapshot
type overviewMsg struct {
	st        status.Status
	hasBackup bool
	backupAge time.Duration
	err       error
}

// NewOverviewScene creates the overview scene
func NewOverviewScene(statusPath, auditPath string) *OverviewScene {
	return &OverviewScene{
		statusPath: statusPath,
		auditPath:  auditPath,
		loading:    true,
	}
}

// Init fetches the initial snapshot
func (o *OverviewScene) Init() tea.Cmd {
	return o.load()
}

// load reads the status snapshot and the backup generation's age
func (o *OverviewScene) load() tea.Cmd {
	return func() tea.Msg {
		msg := overviewMsg{}
		msg.st, msg.err = status.Read(o.statusPath)

		if stat, err := os.Stat(o.auditPath + ".1"); err == nil {
			msg.hasBackup = true
			msg.backupAge = time.Since(stat.ModTime())
		}
		return msg
	}
}

// TickCmd returns the refresh tick for this scene
func (o *OverviewScene) TickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "overview", Time: t}
	})
}

// Update handles messages for the overview
func (o *OverviewScene) Update(msg tea.Msg) (*OverviewScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		o.width = msg.Width
		o.height = msg.Height
		return o, nil

	case overviewMsg:
		o.loading = false
		o.st = msg.st
		o.hasBackup = msg.hasBackup
		o.backupAge = msg.backupAge
		o.err = msg.err
		o.lastUpdate = time.Now()
		return o, nil

	case TickMsg:
		if msg.Scene == "overview" {
			return o, o.load()
		}
		return o, nil
	}

	return o, nil
}

// View renders the overview
func (o *OverviewScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  SAP Audit Relay"))
	b.WriteString("\n\n")

	if o.loading {
		b.WriteString(styles.Muted.Render("  Loading..."))
		return b.String()
	}

	if o.err != nil {
		b.WriteString(styles.StatusWarning.Render("  ● WAITING FOR AGENT"))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  No status snapshot at %s", o.statusPath)))
		b.WriteString("\n")
		b.WriteString(styles.Muted.Render("  Start audit-relay or point the monitor at its status file with -status."))
		return b.String()
	}

	b.WriteString(fmt.Sprintf("  State: %s   Collector: %s\n\n", o.renderState(), o.renderConnection()))

	cards := []string{
		o.renderMetricCard("Fetched", formatCount(o.st.Fetched)),
		o.renderMetricCard("Unique", formatCount(o.st.Unique)),
		o.renderMetricCard("Duplicates", formatCount(o.st.Duplicates)),
		o.renderMetricCard("Forwarded", formatCount(o.st.Forwarded)),
		o.renderMetricCard("Cycles", formatCount(o.st.Cycles)),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cards...))
	b.WriteString("\n\n")

	b.WriteString(styles.Subtitle.Render("  Last window"))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("  %s  →  %s\n",
		o.st.WindowStart.Format("02.01.2006 15:04:05"),
		o.st.WindowEnd.Format("02.01.2006 15:04:05"),
	))
	if o.st.LastCycleError != "" {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Last cycle error: %s", o.st.LastCycleError)))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	b.WriteString(styles.Subtitle.Render("  Audit file"))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("  %s  (%s, %s fingerprints seen)\n",
		o.st.ArchivePath, formatBytes(o.st.ArchiveBytes), formatCount(uint64(o.st.SeenSize))))
	if o.hasBackup {
		b.WriteString(fmt.Sprintf("  Backup: present, %s old\n", o.backupAge.Round(time.Second)))
	} else {
		b.WriteString(styles.Muted.Render("  Backup: none"))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(styles.Muted.Render(fmt.Sprintf("  Agent PID %d (%s)  |  Snapshot: %s  |  Refreshed: %s",
		o.st.PID, o.st.Version,
		o.st.UpdatedAt.Format("15:04:05"),
		o.lastUpdate.Format("15:04:05"),
	)))

	return b.String()
}

func (o *OverviewScene) renderState() string {
	switch o.st.State {
	case status.StateSteadyPoll:
		return styles.StatusOK.Render("● POLLING")
	case status.StateInitializing:
		return styles.StatusWarning.Render("● INITIALIZING")
	case status.StateTerminated:
		return styles.StatusError.Render("● TERMINATED")
	default:
		return styles.Muted.Render("● UNKNOWN")
	}
}

func (o *OverviewScene) renderConnection() string {
	if o.st.Connected {
		return styles.StatusOK.Render("connected")
	}
	return styles.StatusError.Render("disconnected")
}

func (o *OverviewScene) renderMetricCard(label, value string) string {
	card := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(styles.MutedColor).
		Padding(0, 2).
		Width(16).
		Align(lipgloss.Center)

	content := fmt.Sprintf("%s\n%s",
		styles.MetricValue.Render(value),
		styles.MetricLabel.Render(label),
	)
	return card.Render(content)
}

func formatCount(n uint64) string {
	if n >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	if n >= 1000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
