// Package storage mirrors forwarded records into ClickHouse so operators
// can query shipping history without grepping the audit file.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"sap-audit-relay/internal/config"
)

// ErrMirrorClosed is returned for adds after Close.
var ErrMirrorClosed = errors.New("storage: mirror closed")

const (
	insertTimeout = 30 * time.Second
	insertRetries = 1
	retryDelay    = 500 * time.Millisecond
)

// Row is one mirrored record with its shipping context.
type Row struct {
	Time        time.Time
	Cycle       string
	Fingerprint string
	WindowStart time.Time
	WindowEnd   time.Time
	Record      string
}

// ClickHouseMirror buffers rows and inserts them in batches, either when
// the buffer fills or on a timer. Inserts are best-effort: a batch that
// fails its retry is dropped and counted, never blocking the relay.
type ClickHouseMirror struct {
	conn   driver.Conn
	cfg    config.ClickHouseConfig
	logger *slog.Logger

	mu         sync.Mutex
	buffer     []Row
	flushTimer *time.Timer
	closed     bool

	inserted uint64
	failed   uint64
	batches  uint64
}

// MirrorMetrics holds mirror statistics.
type MirrorMetrics struct {
	Inserted uint64
	Failed   uint64
	Batches  uint64
	Pending  int
}

// NewClickHouseMirror connects, prepares the schema and starts the flush
// timer. Callers treat a construction failure as "run without the
// mirror", not as fatal.
func NewClickHouseMirror(cfg config.ClickHouseConfig, logger *slog.Logger) (*ClickHouseMirror, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// The connection deliberately names no database: the target database
	// may not exist until ensureSchema creates it.
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionZSTD,
		},
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	m := newMirror(conn, cfg, logger)

	schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSchema()
	if err := m.ensureSchema(schemaCtx); err != nil {
		m.flushTimer.Stop()
		conn.Close()
		return nil, err
	}

	logger.Info("clickhouse mirror enabled", "hosts", cfg.Hosts, "table", m.table())
	return m, nil
}

func newMirror(conn driver.Conn, cfg config.ClickHouseConfig, logger *slog.Logger) *ClickHouseMirror {
	if logger == nil {
		logger = slog.Default()
	}
	m := &ClickHouseMirror{
		conn:   conn,
		cfg:    cfg,
		logger: logger,
		buffer: make([]Row, 0, cfg.BatchSize),
	}
	m.flushTimer = time.AfterFunc(cfg.FlushInterval, m.timerFlush)
	return m
}

func (m *ClickHouseMirror) table() string {
	return m.cfg.Database + "." + m.cfg.Table
}

func (m *ClickHouseMirror) ensureSchema(ctx context.Context) error {
	if err := m.conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", m.cfg.Database)); err != nil {
		return fmt.Errorf("create database: %w", err)
	}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			ts           DateTime64(3),
			cycle_id     String,
			fingerprint  String,
			window_start DateTime64(3),
			window_end   DateTime64(3),
			record       String
		) ENGINE = MergeTree
		ORDER BY (ts, fingerprint)
	`, m.table())
	if err := m.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

// Add buffers one row, flushing when the batch fills.
func (m *ClickHouseMirror) Add(row Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrMirrorClosed
	}

	m.buffer = append(m.buffer, row)
	if len(m.buffer) >= m.cfg.BatchSize {
		return m.flushLocked()
	}
	return nil
}

func (m *ClickHouseMirror) timerFlush() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if len(m.buffer) > 0 {
		if err := m.flushLocked(); err != nil {
			m.logger.Warn("timed mirror flush failed", "error", err)
		}
	}
	m.flushTimer.Reset(m.cfg.FlushInterval)
}

// flushLocked inserts the buffered rows. Caller must hold the lock.
func (m *ClickHouseMirror) flushLocked() error {
	if len(m.buffer) == 0 {
		return nil
	}

	rows := m.buffer
	m.buffer = make([]Row, 0, m.cfg.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= insertRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelay)
		}
		if err := m.insertRows(rows); err != nil {
			lastErr = err
			m.logger.Warn("mirror insert failed", "attempt", attempt+1, "rows", len(rows), "error", err)
			continue
		}
		atomic.AddUint64(&m.inserted, uint64(len(rows)))
		atomic.AddUint64(&m.batches, 1)
		return nil
	}

	atomic.AddUint64(&m.failed, uint64(len(rows)))
	return fmt.Errorf("insert batch of %d rows: %w", len(rows), lastErr)
}

func (m *ClickHouseMirror) insertRows(rows []Row) error {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	batch, err := m.conn.PrepareBatch(ctx, fmt.Sprintf(
		"INSERT INTO %s (ts, cycle_id, fingerprint, window_start, window_end, record)", m.table()))
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, row := range rows {
		if err := batch.Append(
			row.Time,
			row.Cycle,
			row.Fingerprint,
			row.WindowStart,
			row.WindowEnd,
			row.Record,
		); err != nil {
			return fmt.Errorf("append row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// Flush forces an insert of the buffered rows.
func (m *ClickHouseMirror) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked()
}

// Close flushes the remaining rows and closes the connection.
func (m *ClickHouseMirror) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.flushTimer.Stop()

	err := m.Flush()
	if cerr := m.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// Metrics returns mirror statistics.
func (m *ClickHouseMirror) Metrics() MirrorMetrics {
	m.mu.Lock()
	pending := len(m.buffer)
	m.mu.Unlock()

	return MirrorMetrics{
		Inserted: atomic.LoadUint64(&m.inserted),
		Failed:   atomic.LoadUint64(&m.failed),
		Batches:  atomic.LoadUint64(&m.batches),
		Pending:  pending,
	}
}
