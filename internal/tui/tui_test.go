package tui

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"sap-audit-relay/internal/config"
	"sap-audit-relay/internal/status"
	"sap-audit-relay/internal/tui/scenes"
)

// keyMsg builds a tea.KeyMsg for the given key string.
func keyMsg(s string) tea.KeyMsg {
	switch s {
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "ctrl+c":
		return tea.KeyMsg{Type: tea.KeyCtrlC}
	default:
		return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
	}
}

// fixturePaths writes a status snapshot and a small audit file and
// returns their paths.
func fixturePaths(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	statusPath := filepath.Join(dir, "relay-status.json")
	auditPath := filepath.Join(dir, "audit.txt")

	w := status.NewWriter(config.StatusConfig{Enabled: true, Path: statusPath}, nil)
	w.Write(status.Status{
		State:       status.StateSteadyPoll,
		PID:         4242,
		Version:     "test",
		StartedAt:   time.Now().Add(-time.Minute),
		Cycles:      3,
		WindowStart: time.Now().Add(-time.Minute),
		WindowEnd:   time.Now(),
		Fetched:     10,
		Unique:      7,
		Duplicates:  3,
		Forwarded:   7,
		SeenSize:    7,
		ArchivePath: auditPath,
		Connected:   true,
	})

	lines := `{"id":1,"user":"SAPADM"}` + "\n" + `{"id":2,"user":"DDIC"}` + "\n"
	if err := os.WriteFile(auditPath, []byte(lines), 0o600); err != nil {
		t.Fatalf("seed audit file: %v", err)
	}
	return statusPath, auditPath
}

func TestNewModelDefaults(t *testing.T) {
	m := New("status.json", "audit.txt")
	if m == nil {
		t.Fatal("New() returned nil")
	}
	if m.scene != SceneOverview {
		t.Errorf("initial scene = %d, want SceneOverview", m.scene)
	}
	if m.overview == nil || m.records == nil {
		t.Error("scene models not constructed")
	}
	if m.quitting {
		t.Error("model should not be quitting on init")
	}
}

func TestModelInitReturnsCommand(t *testing.T) {
	m := New("status.json", "audit.txt")
	if m.Init() == nil {
		t.Error("Init() returned nil, expected a batch command")
	}
}

func TestQuitKeys(t *testing.T) {
	for _, key := range []string{"q", "ctrl+c"} {
		t.Run(key, func(t *testing.T) {
			m := New("status.json", "audit.txt")
			updated, cmd := m.Update(keyMsg(key))
			if !updated.(*Model).quitting {
				t.Error("model not quitting after quit key")
			}
			if cmd == nil {
				t.Error("expected tea.Quit command")
			}
		})
	}
}

func TestTabSwitching(t *testing.T) {
	m := New("status.json", "audit.txt")

	updated, _ := m.Update(keyMsg("2"))
	m = updated.(*Model)
	if m.scene != SceneRecords {
		t.Errorf("scene after '2' = %d, want SceneRecords", m.scene)
	}

	updated, _ = m.Update(keyMsg("1"))
	m = updated.(*Model)
	if m.scene != SceneOverview {
		t.Errorf("scene after '1' = %d, want SceneOverview", m.scene)
	}

	updated, _ = m.Update(keyMsg("tab"))
	m = updated.(*Model)
	if m.scene != SceneRecords {
		t.Errorf("scene after tab = %d, want SceneRecords", m.scene)
	}
	updated, _ = m.Update(keyMsg("tab"))
	m = updated.(*Model)
	if m.scene != SceneOverview {
		t.Errorf("scene after second tab = %d, want SceneOverview (wrap)", m.scene)
	}
}

func TestWindowSizePropagates(t *testing.T) {
	m := New("status.json", "audit.txt")
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	m = updated.(*Model)
	if m.width != 120 || m.height != 40 {
		t.Errorf("dimensions = %dx%d, want 120x40", m.width, m.height)
	}
}

func TestViewRendersTabs(t *testing.T) {
	m := New("status.json", "audit.txt")
	view := m.View()
	if !strings.Contains(view, "Overview") || !strings.Contains(view, "Records") {
		t.Error("view does not render the tab bar")
	}
}

func TestViewEmptyWhenQuitting(t *testing.T) {
	m := New("status.json", "audit.txt")
	m.quitting = true
	if got := m.View(); got != "" {
		t.Errorf("View() while quitting = %q, want empty", got)
	}
}

func TestOverviewRendersSnapshot(t *testing.T) {
	statusPath, auditPath := fixturePaths(t)

	o := scenes.NewOverviewScene(statusPath, auditPath)
	msg := o.Init()()
	o, _ = o.Update(msg)

	view := o.View()
	if !strings.Contains(view, "POLLING") {
		t.Errorf("overview does not show the polling state:\n%s", view)
	}
	if !strings.Contains(view, "connected") {
		t.Error("overview does not show the collector connection state")
	}
	if !strings.Contains(view, auditPath) {
		t.Error("overview does not show the audit file path")
	}
}

func TestOverviewWaitsWithoutSnapshot(t *testing.T) {
	o := scenes.NewOverviewScene(filepath.Join(t.TempDir(), "missing.json"), "audit.txt")
	msg := o.Init()()
	o, _ = o.Update(msg)

	if !strings.Contains(o.View(), "WAITING FOR AGENT") {
		t.Error("overview does not render the waiting state for a missing snapshot")
	}
}

func TestRecordsRendersTail(t *testing.T) {
	_, auditPath := fixturePaths(t)

	r := scenes.NewRecordsScene(auditPath)
	msg := r.Init()()
	r, _ = r.Update(msg)

	view := r.View()
	if !strings.Contains(view, "SAPADM") {
		t.Errorf("records view does not show audit lines:\n%s", view)
	}
	if !strings.Contains(view, "Last 2 records") {
		t.Errorf("records view does not show the tail count:\n%s", view)
	}
}

func TestRecordsEmptyFile(t *testing.T) {
	r := scenes.NewRecordsScene(filepath.Join(t.TempDir(), "missing.txt"))
	msg := r.Init()()
	r, _ = r.Update(msg)

	if !strings.Contains(r.View(), "empty or absent") {
		t.Error("records view does not render the empty state")
	}
}

func TestRecordsScrollKeys(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit.txt")
	var b strings.Builder
	for i := 0; i < 30; i++ {
		b.WriteString(`{"seq":`)
		b.WriteString(strings.Repeat("1", i%3+1))
		b.WriteString("}\n")
	}
	if err := os.WriteFile(auditPath, []byte(b.String()), 0o600); err != nil {
		t.Fatalf("seed audit file: %v", err)
	}

	r := scenes.NewRecordsScene(auditPath)
	msg := r.Init()()
	r, _ = r.Update(msg)

	r, _ = r.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	r, _ = r.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	r, _ = r.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("k")})

	view := r.View()
	if view == "" {
		t.Error("records view empty after scrolling")
	}
}

func TestTickForwardedToActiveSceneOnly(t *testing.T) {
	statusPath, auditPath := fixturePaths(t)
	m := New(statusPath, auditPath)

	_, cmd := m.Update(scenes.TickMsg{Scene: "overview", Time: time.Now()})
	if cmd == nil {
		t.Error("tick on the active scene should schedule a reload and the next tick")
	}
}
