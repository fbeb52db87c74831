package poller

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sap-audit-relay/internal/archive"
	"sap-audit-relay/internal/dedup"
	"sap-audit-relay/internal/sap"
	"sap-audit-relay/internal/schema"
)

// fakeFetcher replays scripted batches and records every window it is
// asked for. After the script runs out it cancels the poller.
type fakeFetcher struct {
	mu      sync.Mutex
	windows []sap.Window
	batches [][]schema.Record
	errs    []error
	cancel  context.CancelFunc
}

func (f *fakeFetcher) FetchWindow(_ context.Context, w sap.Window) ([]schema.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.windows = append(f.windows, w)
	i := len(f.windows) - 1
	if i >= len(f.batches) {
		if f.cancel != nil {
			f.cancel()
		}
		return nil, nil
	}
	if f.errs != nil && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return f.batches[i], nil
}

func (f *fakeFetcher) seenWindows() []sap.Window {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sap.Window(nil), f.windows...)
}

// fakeSender captures forwarded lines, optionally failing every send.
type fakeSender struct {
	mu    sync.Mutex
	lines []string
	fail  bool
}

func (s *fakeSender) Send(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("collector down")
	}
	s.lines = append(s.lines, string(line))
	return nil
}

func (s *fakeSender) Connected() bool { return !s.fail }

func (s *fakeSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openArchive(t *testing.T) *archive.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.txt")
	a, err := archive.Open(path, 10*1024*1024, time.Hour, testLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

// runPoller drives the loop until the fetcher script is exhausted.
func runPoller(t *testing.T, p *Poller, f *fakeFetcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f.cancel = cancel

	if err := p.Run(ctx); !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v", err)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		t.Fatal("poller did not exhaust the fetch script in time")
	}
}

func auditLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("open audit file: %v", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func TestDuplicateBatchCollapsed(t *testing.T) {
	// The canonical scenario: three fetched records, two distinct.
	f := &fakeFetcher{
		batches: [][]schema.Record{
			{{"id": float64(1)}, {"id": float64(2)}, {"id": float64(1)}},
		},
	}
	sender := &fakeSender{}
	index := dedup.NewIndex(testLogger())
	arch := openArchive(t)

	p := New(f, index, arch, sender, Config{Interval: time.Millisecond, InitialLookback: time.Hour}, time.UTC, testLogger())
	runPoller(t, p, f)

	if got := auditLines(t, arch.Path()); len(got) != 2 {
		t.Errorf("audit file has %d lines, want 2: %v", len(got), got)
	}
	if index.Len() != 2 {
		t.Errorf("seen-set size = %d, want 2", index.Len())
	}
	if got := sender.sent(); len(got) != 2 {
		t.Errorf("forwarder received %d sends, want 2", len(got))
	}
}

func TestWindowContiguity(t *testing.T) {
	f := &fakeFetcher{
		batches: [][]schema.Record{nil, nil, nil, nil},
	}
	sender := &fakeSender{}
	index := dedup.NewIndex(testLogger())
	arch := openArchive(t)

	p := New(f, index, arch, sender, Config{Interval: time.Millisecond, InitialLookback: time.Hour}, time.UTC, testLogger())
	runPoller(t, p, f)

	windows := f.seenWindows()
	if len(windows) < 3 {
		t.Fatalf("saw %d windows, want at least 3", len(windows))
	}
	for i := 0; i < len(windows)-1; i++ {
		if !windows[i].End.Equal(windows[i+1].Start) {
			t.Errorf("window %d end %v != window %d start %v",
				i, windows[i].End, i+1, windows[i+1].Start)
		}
	}
	if got := windows[0].End.Sub(windows[0].Start); got != time.Hour {
		t.Errorf("initial window spans %v, want the lookback hour", got)
	}
}

func TestBoundaryAdvancesAfterFetchFailure(t *testing.T) {
	f := &fakeFetcher{
		batches: [][]schema.Record{nil, nil, nil},
		errs:    []error{nil, errors.New("upstream down"), nil},
	}
	sender := &fakeSender{}
	index := dedup.NewIndex(testLogger())
	arch := openArchive(t)

	p := New(f, index, arch, sender, Config{Interval: time.Millisecond, InitialLookback: time.Hour}, time.UTC, testLogger())
	runPoller(t, p, f)

	windows := f.seenWindows()
	if len(windows) < 3 {
		t.Fatalf("saw %d windows, want at least 3", len(windows))
	}
	// The failed window's end still becomes the next window's start.
	if !windows[1].End.Equal(windows[2].Start) {
		t.Errorf("window after failure starts at %v, want %v", windows[2].Start, windows[1].End)
	}
	if got := p.Stats().FetchFailures; got != 1 {
		t.Errorf("FetchFailures = %d, want 1", got)
	}
}

func TestForwardingIndependentOfPersistence(t *testing.T) {
	f := &fakeFetcher{
		batches: [][]schema.Record{
			{{"id": float64(1)}, {"id": float64(2)}, {"id": float64(3)}},
		},
	}
	sender := &fakeSender{fail: true}
	index := dedup.NewIndex(testLogger())
	arch := openArchive(t)

	p := New(f, index, arch, sender, Config{Interval: time.Millisecond, InitialLookback: time.Hour}, time.UTC, testLogger())
	runPoller(t, p, f)

	if got := auditLines(t, arch.Path()); len(got) != 3 {
		t.Errorf("audit file has %d lines, want 3 despite collector outage", len(got))
	}
	if index.Len() != 3 {
		t.Errorf("seen-set size = %d, want 3", index.Len())
	}
	stats := p.Stats()
	if stats.Forwarded != 0 {
		t.Errorf("Forwarded = %d, want 0", stats.Forwarded)
	}
	if stats.ForwardErrors != 3 {
		t.Errorf("ForwardErrors = %d, want 3", stats.ForwardErrors)
	}
}

func TestReplaySuppressesReadmission(t *testing.T) {
	record := schema.Record{"id": float64(7), "user": "SAPADM"}
	line, err := schema.Canonical(record)
	if err != nil {
		t.Fatalf("Canonical() error = %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "audit.txt")
	if err := os.WriteFile(path, append(line, '\n'), 0o600); err != nil {
		t.Fatalf("seed audit file: %v", err)
	}

	arch, err := archive.Open(path, 10*1024*1024, time.Hour, testLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { arch.Close() })

	f := &fakeFetcher{batches: [][]schema.Record{{record}}}
	sender := &fakeSender{}
	index := dedup.NewIndex(testLogger())

	p := New(f, index, arch, sender, Config{Interval: time.Millisecond, InitialLookback: time.Hour}, time.UTC, testLogger())
	runPoller(t, p, f)

	if got := auditLines(t, path); len(got) != 1 {
		t.Errorf("audit file has %d lines, want the original 1", len(got))
	}
	if got := sender.sent(); len(got) != 0 {
		t.Errorf("forwarder received %d sends, want 0 for a replayed record", len(got))
	}
	if got := p.Stats().Duplicates; got != 1 {
		t.Errorf("Duplicates = %d, want 1", got)
	}
}

func TestStatsCountCycles(t *testing.T) {
	f := &fakeFetcher{
		batches: [][]schema.Record{
			{{"id": float64(1)}},
			nil,
			{{"id": float64(1)}, {"id": float64(2)}},
		},
	}
	sender := &fakeSender{}
	index := dedup.NewIndex(testLogger())
	arch := openArchive(t)

	p := New(f, index, arch, sender, Config{Interval: time.Millisecond, InitialLookback: time.Hour}, time.UTC, testLogger())
	runPoller(t, p, f)

	stats := p.Stats()
	if stats.Cycles < 3 {
		t.Errorf("Cycles = %d, want at least 3", stats.Cycles)
	}
	if stats.Fetched != 3 {
		t.Errorf("Fetched = %d, want 3", stats.Fetched)
	}
	if stats.Unique != 2 {
		t.Errorf("Unique = %d, want 2", stats.Unique)
	}
	if stats.Duplicates != 1 {
		t.Errorf("Duplicates = %d, want 1", stats.Duplicates)
	}
	if stats.Forwarded != 2 {
		t.Errorf("Forwarded = %d, want 2", stats.Forwarded)
	}
}
