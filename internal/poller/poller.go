// Package poller drives the fetch/dedup/persist/forward cycle on a fixed
// schedule.
package poller

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"sap-audit-relay/internal/archive"
	"sap-audit-relay/internal/dedup"
	"sap-audit-relay/internal/sap"
	"sap-audit-relay/internal/schema"
	"sap-audit-relay/internal/status"
	"sap-audit-relay/internal/storage"
)

// Version is stamped into status snapshots at build time.
var Version = "dev"

// Fetcher retrieves the audit events of one time window. A non-nil error
// is definitive: the window is abandoned and never re-queried.
type Fetcher interface {
	FetchWindow(ctx context.Context, w sap.Window) ([]schema.Record, error)
}

// Forwarder delivers one newline-terminated record line downstream.
type Forwarder interface {
	Send(line []byte) error
	Connected() bool
}

// KafkaMirror mirrors forwarded lines to a topic, best-effort.
type KafkaMirror interface {
	Send(ctx context.Context, key string, line []byte) error
}

// RowMirror mirrors admitted records to analytical storage, best-effort.
type RowMirror interface {
	Add(row storage.Row) error
}

// Config holds the poll schedule.
type Config struct {
	Interval        time.Duration
	InitialLookback time.Duration
}

// Poller owns the relay's single logical thread of control. Each cycle it
// fetches one contiguous window, admits unseen records, appends them to
// the audit file and forwards them downstream. The window boundary
// advances every cycle no matter what: a failed fetch is a permanent gap
// in coverage, never a re-query.
type Poller struct {
	fetcher Fetcher
	index   *dedup.Index
	archive *archive.File
	sender  Forwarder
	kafka   KafkaMirror
	mirror  RowMirror
	status  *status.Writer
	logger  *slog.Logger
	cfg     Config
	loc     *time.Location

	startedAt time.Time
	lastEnd   time.Time

	cycles        uint64
	fetched       uint64
	unique        uint64
	duplicates    uint64
	forwarded     uint64
	forwardErrors uint64
	fetchFailures uint64
	skipped       uint64
}

// Stats is a point-in-time snapshot of loop counters.
type Stats struct {
	Cycles        uint64
	Fetched       uint64
	Unique        uint64
	Duplicates    uint64
	Forwarded     uint64
	ForwardErrors uint64
	FetchFailures uint64
	Skipped       uint64
}

// New wires the loop. Only the fetcher, index, archive and sender are
// required; mirrors and the status writer attach separately.
func New(fetcher Fetcher, index *dedup.Index, arch *archive.File, sender Forwarder, cfg Config, loc *time.Location, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Poller{
		fetcher: fetcher,
		index:   index,
		archive: arch,
		sender:  sender,
		cfg:     cfg,
		loc:     loc,
		logger:  logger,
	}
}

// AttachKafka adds the Kafka record mirror.
func (p *Poller) AttachKafka(k KafkaMirror) { p.kafka = k }

// AttachStorage adds the analytical row mirror.
func (p *Poller) AttachStorage(m RowMirror) { p.mirror = m }

// AttachStatus adds the status snapshot writer.
func (p *Poller) AttachStatus(w *status.Writer) { p.status = w }

// Run executes the loop until the context is canceled. The first cycle
// covers the initial lookback window; every later cycle covers exactly
// the time elapsed since the previous one.
func (p *Poller) Run(ctx context.Context) error {
	p.startedAt = time.Now()

	replayed, err := p.index.ReplayFile(p.archive.Path())
	if err != nil {
		p.logger.Warn("audit file replay incomplete, duplicates may be re-admitted", "error", err)
	}
	if warmed, err := p.index.Warm(ctx); err != nil {
		p.logger.Warn("mirror warm failed, continuing with file replay only", "error", err)
	} else if warmed > 0 {
		replayed += warmed
	}

	now := time.Now().In(p.loc)
	first := sap.Window{Start: now.Add(-p.cfg.InitialLookback), End: now}
	p.logger.Info("poller starting",
		"interval", p.cfg.Interval,
		"lookback", p.cfg.InitialLookback,
		"seen", replayed,
		"window_start", first.Start,
		"window_end", first.End,
	)

	p.runCycle(ctx, first, status.StateInitializing)
	p.lastEnd = first.End

	for {
		select {
		case <-ctx.Done():
			p.writeStatus(status.StateTerminated, "", sap.Window{Start: p.lastEnd, End: p.lastEnd}, "")
			p.logger.Info("poller stopped")
			return ctx.Err()
		case <-time.After(p.cfg.Interval):
		}

		now := time.Now().In(p.loc)
		w := sap.Window{Start: p.lastEnd, End: now}
		p.runCycle(ctx, w, status.StateSteadyPoll)
		p.lastEnd = now
	}
}

// runCycle processes one window: fetch, then rotate, dedup, append and
// forward in that order. Every failure past the fetch is logged and
// swallowed so the loop always reaches its next cycle.
func (p *Poller) runCycle(ctx context.Context, w sap.Window, state string) {
	cycleID := uuid.NewString()
	atomic.AddUint64(&p.cycles, 1)

	records, err := p.fetcher.FetchWindow(ctx, w)
	if err != nil {
		atomic.AddUint64(&p.fetchFailures, 1)
		p.logger.Error("window fetch failed, coverage gap",
			"cycle", cycleID,
			"window_start", w.Start,
			"window_end", w.End,
			"error", err,
		)
		p.writeStatus(state, cycleID, w, err.Error())
		return
	}
	atomic.AddUint64(&p.fetched, uint64(len(records)))

	if len(records) == 0 {
		p.logger.Debug("window empty", "cycle", cycleID, "window_start", w.Start, "window_end", w.End)
		p.writeStatus(state, cycleID, w, "")
		return
	}

	p.archive.EnsureCapacity(ctx)

	type admitted struct {
		line []byte
		fp   schema.Fingerprint
	}
	var batch []admitted
	for _, r := range records {
		line, err := schema.Canonical(r)
		if err != nil {
			atomic.AddUint64(&p.skipped, 1)
			p.logger.Warn("unserializable record skipped", "cycle", cycleID, "error", err)
			continue
		}
		fp := schema.FingerprintOf(line)
		if !p.index.Admit(fp) {
			atomic.AddUint64(&p.duplicates, 1)
			continue
		}
		atomic.AddUint64(&p.unique, 1)
		batch = append(batch, admitted{line: line, fp: fp})
	}

	if len(batch) > 0 {
		lines := make([][]byte, len(batch))
		for i, a := range batch {
			lines[i] = a.line
		}
		if err := p.archive.AppendBatch(lines); err != nil {
			p.logger.Error("audit file append failed", "cycle", cycleID, "records", len(lines), "error", err)
		}
	}

	sent := 0
	for _, a := range batch {
		if err := p.sender.Send(a.line); err != nil {
			atomic.AddUint64(&p.forwardErrors, 1)
			p.logger.Warn("record not forwarded", "cycle", cycleID, "fingerprint", a.fp, "error", err)
		} else {
			atomic.AddUint64(&p.forwarded, 1)
			sent++
		}

		if p.kafka != nil {
			if err := p.kafka.Send(ctx, string(a.fp), a.line); err != nil {
				p.logger.Warn("kafka mirror send failed", "cycle", cycleID, "error", err)
			}
		}
		if p.mirror != nil {
			row := storage.Row{
				Time:        time.Now().UTC(),
				Cycle:       cycleID,
				Fingerprint: string(a.fp),
				WindowStart: w.Start,
				WindowEnd:   w.End,
				Record:      string(a.line),
			}
			if err := p.mirror.Add(row); err != nil {
				p.logger.Warn("storage mirror add failed", "cycle", cycleID, "error", err)
			}
		}
	}

	p.logger.Info("cycle complete",
		"cycle", cycleID,
		"window_start", w.Start,
		"window_end", w.End,
		"fetched", len(records),
		"unique", len(batch),
		"duplicates", len(records)-len(batch),
		"forwarded", sent,
	)
	p.writeStatus(state, cycleID, w, "")
}

func (p *Poller) writeStatus(state, cycleID string, w sap.Window, lastErr string) {
	if p.status == nil {
		return
	}
	p.status.Write(status.Status{
		State:          state,
		PID:            os.Getpid(),
		Version:        Version,
		StartedAt:      p.startedAt,
		CycleID:        cycleID,
		Cycles:         atomic.LoadUint64(&p.cycles),
		WindowStart:    w.Start,
		WindowEnd:      w.End,
		LastCycleError: lastErr,
		Fetched:        atomic.LoadUint64(&p.fetched),
		Unique:         atomic.LoadUint64(&p.unique),
		Duplicates:     atomic.LoadUint64(&p.duplicates),
		Forwarded:      atomic.LoadUint64(&p.forwarded),
		ForwardErrors:  atomic.LoadUint64(&p.forwardErrors),
		SeenSize:       p.index.Len(),
		ArchivePath:    p.archive.Path(),
		ArchiveBytes:   p.archive.Size(),
		Connected:      p.sender.Connected(),
	})
}

// Stats returns a snapshot of loop counters.
func (p *Poller) Stats() Stats {
	return Stats{
		Cycles:        atomic.LoadUint64(&p.cycles),
		Fetched:       atomic.LoadUint64(&p.fetched),
		Unique:        atomic.LoadUint64(&p.unique),
		Duplicates:    atomic.LoadUint64(&p.duplicates),
		Forwarded:     atomic.LoadUint64(&p.forwarded),
		ForwardErrors: atomic.LoadUint64(&p.forwardErrors),
		FetchFailures: atomic.LoadUint64(&p.fetchFailures),
		Skipped:       atomic.LoadUint64(&p.skipped),
	}
}
