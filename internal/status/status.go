// Package status persists a point-in-time snapshot of the relay to a
// local file for external observers such as the monitor TUI.
package status

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"sap-audit-relay/internal/config"
)

// Relay lifecycle states as written to the snapshot.
const (
	StateInitializing = "initializing"
	StateSteadyPoll   = "steady_poll"
	StateTerminated   = "terminated"
)

// Status is the snapshot shape. Counters are totals since startup.
type Status struct {
	State     string    `json:"state"`
	PID       int       `json:"pid"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`

	CycleID        string    `json:"cycle_id"`
	Cycles         uint64    `json:"cycles"`
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
	LastCycleError string    `json:"last_cycle_error,omitempty"`

	Fetched       uint64 `json:"fetched"`
	Unique        uint64 `json:"unique"`
	Duplicates    uint64 `json:"duplicates"`
	Forwarded     uint64 `json:"forwarded"`
	ForwardErrors uint64 `json:"forward_errors"`
	SeenSize      int    `json:"seen_size"`

	ArchivePath  string `json:"archive_path"`
	ArchiveBytes int64  `json:"archive_bytes"`
	Connected    bool   `json:"collector_connected"`
}

// Writer publishes snapshots with an atomic replace so readers never see
// a half-written file. A disabled writer accepts and discards snapshots.
type Writer struct {
	path    string
	enabled bool
	logger  *slog.Logger
	down    bool
}

// NewWriter builds the snapshot writer.
func NewWriter(cfg config.StatusConfig, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		path:    cfg.Path,
		enabled: cfg.Enabled,
		logger:  logger,
	}
}

// Write publishes one snapshot, stamping UpdatedAt. Failures are logged
// once per outage; the relay never stops over its status file.
func (w *Writer) Write(st Status) {
	if !w.enabled {
		return
	}

	st.UpdatedAt = time.Now().UTC()
	if err := w.write(st); err != nil {
		if !w.down {
			w.down = true
			w.logger.Warn("cannot write status snapshot", "path", w.path, "error", err)
		}
		return
	}
	if w.down {
		w.down = false
		w.logger.Info("status snapshot writes recovered", "path", w.path)
	}
}

func (w *Writer) write(st Status) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create status directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".status-*")
	if err != nil {
		return fmt.Errorf("create temp status file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write status: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod status: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close status: %w", err)
	}

	if err := os.Rename(tmpName, w.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace status file: %w", err)
	}
	return nil
}

// Read loads a snapshot, for observers.
func Read(path string) (Status, error) {
	var st Status
	data, err := os.ReadFile(path)
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("parse status file: %w", err)
	}
	return st, nil
}
