// Package archive appends admitted records to the local audit file and
// rotates it into a single backup generation when it outgrows its cap.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned for appends after Close.
var ErrClosed = errors.New("archive: closed")

// Offloader ships a rotated backup to longer-term storage. Offload
// failures never block rotation.
type Offloader interface {
	Offload(ctx context.Context, source string) error
}

// File is the rotating audit file. One backup generation exists at most:
// rotation renames the current file over it, so the previous backup is
// discarded. Capacity checks run only when the caller is about to write.
type File struct {
	mu   sync.Mutex
	path string
	f    *os.File
	size int64

	maxSize   int64
	backupAge time.Duration
	offloader Offloader
	logger    *slog.Logger
	closed    atomic.Bool

	appended       uint64
	batches        uint64
	rotations      uint64
	rotationErrors uint64
	expired        uint64
	offloadErrors  uint64
}

// Metrics is a point-in-time snapshot of archive counters.
type Metrics struct {
	Size           int64
	Appended       uint64
	Batches        uint64
	Rotations      uint64
	RotationErrors uint64
	BackupsExpired uint64
	OffloadErrors  uint64
}

// Open creates the audit file's directory if needed and opens the file
// for appending.
func Open(path string, maxSize int64, backupAge time.Duration, logger *slog.Logger) (*File, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	a := &File{
		path:      path,
		maxSize:   maxSize,
		backupAge: backupAge,
		logger:    logger,
	}
	if err := a.openCurrent(); err != nil {
		return nil, err
	}
	return a, nil
}

// AttachOffloader adds backup shipping at rotation time.
func (a *File) AttachOffloader(o Offloader) {
	a.mu.Lock()
	a.offloader = o
	a.mu.Unlock()
}

func (a *File) openCurrent() error {
	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit file: %w", err)
	}
	a.f = f
	a.size = stat.Size()
	return nil
}

// Path returns the current audit file path.
func (a *File) Path() string {
	return a.path
}

// BackupPath returns the single backup generation's path.
func (a *File) BackupPath() string {
	return a.path + ".1"
}

// Size returns the current file size in bytes.
func (a *File) Size() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

// EnsureCapacity expires a stale backup and rotates the current file if
// it has reached the size cap. Every failure here is logged and
// swallowed: a relay that cannot rotate keeps appending to an oversized
// file rather than dropping records.
func (a *File) EnsureCapacity(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.expireBackupLocked()

	if a.size < a.maxSize {
		return
	}
	a.rotateLocked(ctx)
}

// expireBackupLocked removes the backup once it has been around longer
// than the retention window.
func (a *File) expireBackupLocked() {
	backup := a.BackupPath()
	stat, err := os.Stat(backup)
	if err != nil {
		if !os.IsNotExist(err) {
			a.logger.Warn("cannot stat backup", "path", backup, "error", err)
		}
		return
	}
	if time.Since(stat.ModTime()) <= a.backupAge {
		return
	}
	if err := os.Remove(backup); err != nil {
		a.logger.Warn("cannot remove expired backup", "path", backup, "error", err)
		return
	}
	atomic.AddUint64(&a.expired, 1)
	a.logger.Info("expired backup removed", "path", backup, "age", time.Since(stat.ModTime()).Round(time.Second))
}

func (a *File) rotateLocked(ctx context.Context) {
	backup := a.BackupPath()
	rotatedSize := a.size

	a.f.Sync()
	a.f.Close()
	a.f = nil

	if err := os.Remove(backup); err != nil && !os.IsNotExist(err) {
		a.logger.Warn("cannot remove previous backup", "path", backup, "error", err)
	}

	if err := os.Rename(a.path, backup); err != nil {
		atomic.AddUint64(&a.rotationErrors, 1)
		a.logger.Error("audit file rotation failed", "path", a.path, "error", err)
		if err := a.openCurrent(); err != nil {
			a.logger.Error("cannot reopen audit file after failed rotation", "error", err)
		}
		return
	}

	atomic.AddUint64(&a.rotations, 1)
	a.logger.Info("audit file rotated", "path", a.path, "backup", backup, "bytes", rotatedSize)

	if a.offloader != nil {
		if err := a.offloader.Offload(ctx, backup); err != nil {
			atomic.AddUint64(&a.offloadErrors, 1)
			a.logger.Warn("backup offload failed", "path", backup, "error", err)
		}
	}

	if err := a.openCurrent(); err != nil {
		atomic.AddUint64(&a.rotationErrors, 1)
		a.logger.Error("cannot reopen audit file after rotation", "error", err)
	}
}

// AppendBatch writes the batch as newline-terminated lines in one write.
// The caller passes canonical record bytes without line endings.
func (a *File) AppendBatch(lines [][]byte) error {
	if a.closed.Load() {
		return ErrClosed
	}
	if len(lines) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.f == nil {
		if err := a.openCurrent(); err != nil {
			return err
		}
	}

	var buf bytes.Buffer
	for _, line := range lines {
		buf.Write(line)
		buf.WriteByte('\n')
	}

	n, err := a.f.Write(buf.Bytes())
	a.size += int64(n)
	if err != nil {
		return fmt.Errorf("append to audit file: %w", err)
	}

	atomic.AddUint64(&a.appended, uint64(len(lines)))
	atomic.AddUint64(&a.batches, 1)
	return nil
}

// Close flushes and closes the current file. Safe to call twice.
func (a *File) Close() error {
	if a.closed.Swap(true) {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.f == nil {
		return nil
	}
	a.f.Sync()
	err := a.f.Close()
	a.f = nil
	return err
}

// Metrics returns a snapshot of archive counters.
func (a *File) Metrics() Metrics {
	return Metrics{
		Size:           a.Size(),
		Appended:       atomic.LoadUint64(&a.appended),
		Batches:        atomic.LoadUint64(&a.batches),
		Rotations:      atomic.LoadUint64(&a.rotations),
		RotationErrors: atomic.LoadUint64(&a.rotationErrors),
		BackupsExpired: atomic.LoadUint64(&a.expired),
		OffloadErrors:  atomic.LoadUint64(&a.offloadErrors),
	}
}
