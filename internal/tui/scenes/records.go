// Package scenes provides the relay monitor's views
package scenes

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"sap-audit-relay/internal/tui/styles"
)

// tailLimit caps how many audit file lines the records view keeps.
const tailLimit = 200

// RecordsScene displays the tail of the audit file.
type RecordsScene struct {
	auditPath string

	lines      []string
	err        string
	width      int
	height     int
	cursor     int
	offset     int
	loading    bool
	maxRows    int
	lastUpdate time.Time
}

// recordsMsg carries a freshly read tail
type recordsMsg struct {
	lines []string
	err   string
}

// NewRecordsScene creates the records scene
func NewRecordsScene(auditPath string) *RecordsScene {
	return &RecordsScene{
		auditPath: auditPath,
		loading:   true,
		maxRows:   10,
	}
}

// Init reads the initial tail
func (r *RecordsScene) Init() tea.Cmd {
	return r.load()
}

// load re-reads the audit file tail
func (r *RecordsScene) load() tea.Cmd {
	return func() tea.Msg {
		lines, err := tailLines(r.auditPath, tailLimit)
		if err != nil {
			return recordsMsg{err: err.Error()}
		}
		return recordsMsg{lines: lines}
	}
}

// tailLines returns the last n lines of the file, newest last.
func tailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// TickCmd returns the refresh tick for this scene
func (r *RecordsScene) TickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "records", Time: t}
	})
}

// Update handles messages for the records scene
func (r *RecordsScene) Update(msg tea.Msg) (*RecordsScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		r.width = msg.Width
		r.height = msg.Height
		r.maxRows = max(5, r.height-10)
		return r, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if r.cursor > 0 {
				r.cursor--
				if r.cursor < r.offset {
					r.offset = r.cursor
				}
			}
		case "down", "j":
			if r.cursor < len(r.lines)-1 {
				r.cursor++
				if r.cursor >= r.offset+r.maxRows {
					r.offset = r.cursor - r.maxRows + 1
				}
			}
		case "pgup":
			r.cursor = max(0, r.cursor-r.maxRows)
			r.offset = max(0, r.offset-r.maxRows)
		case "pgdown":
			r.cursor = min(len(r.lines)-1, r.cursor+r.maxRows)
			r.offset = min(max(0, len(r.lines)-r.maxRows), r.offset+r.maxRows)
		case "G":
			r.cursor = max(0, len(r.lines)-1)
			r.offset = max(0, len(r.lines)-r.maxRows)
		case "r":
			r.loading = true
			return r, r.load()
		}
		return r, nil

	case recordsMsg:
		r.loading = false
		r.lines = msg.lines
		r.err = msg.err
		r.lastUpdate = time.Now()
		if r.cursor >= len(r.lines) {
			r.cursor = max(0, len(r.lines)-1)
		}
		return r, nil

	case TickMsg:
		if msg.Scene == "records" {
			return r, r.load()
		}
		return r, nil
	}

	return r, nil
}

// View renders the audit file tail
func (r *RecordsScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Shipped Records"))
	b.WriteString("\n\n")

	if r.loading && len(r.lines) == 0 {
		b.WriteString(styles.Muted.Render("  Loading audit file..."))
		return b.String()
	}

	if r.err != "" {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %s", r.err)))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Press [r] to retry."))
		return b.String()
	}

	if len(r.lines) == 0 {
		b.WriteString(styles.Muted.Render("  Audit file is empty or absent."))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Records appear here once the agent admits them."))
		return b.String()
	}

	b.WriteString(styles.Subtitle.Render(fmt.Sprintf("  Last %d records of %s", len(r.lines), r.auditPath)))
	b.WriteString("\n\n")

	endIdx := min(r.offset+r.maxRows, len(r.lines))
	for i, line := range r.lines[r.offset:endIdx] {
		idx := r.offset + i
		row := fmt.Sprintf("  %4d  %s", idx+1, truncate(line, max(20, r.width-10)))
		if idx == r.cursor {
			row = styles.RowSelected.Render(row)
		}
		b.WriteString(row)
		b.WriteString("\n")
	}

	if len(r.lines) > r.maxRows {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("\n  %d-%d of %d (↑↓ scroll, [G] newest, [r] refresh)",
			r.offset+1, endIdx, len(r.lines))))
	} else {
		b.WriteString(styles.Muted.Render("\n  [r] Refresh"))
	}

	if !r.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  |  Updated: %s", r.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
