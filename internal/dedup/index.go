// Package dedup maintains the set of record fingerprints the relay has
// already persisted and forwarded.
package dedup

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"sap-audit-relay/internal/schema"
)

// maxLineSize bounds a single audit file line during replay. Records
// larger than this would have failed to ship long before reaching replay.
const maxLineSize = 1024 * 1024

// Index is the in-memory seen-set. It is seeded once from the current
// audit file, grows monotonically for the lifetime of the process and is
// never evicted. Admission is idempotent: a fingerprint is admitted at
// most once.
type Index struct {
	mu   sync.RWMutex
	seen map[schema.Fingerprint]struct{}

	mirror        Mirror
	mirrorTimeout time.Duration
	mirrorDown    bool

	logger *slog.Logger

	admitted     uint64
	duplicates   uint64
	replayed     uint64
	mirrorErrors uint64
}

// Metrics is a point-in-time snapshot of index counters.
type Metrics struct {
	Size         int
	Admitted     uint64
	Duplicates   uint64
	Replayed     uint64
	MirrorErrors uint64
}

// NewIndex creates an empty seen-set.
func NewIndex(logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		seen:   make(map[schema.Fingerprint]struct{}),
		logger: logger,
	}
}

// AttachMirror adds external fingerprint persistence. Mirror calls are
// best-effort with the given timeout; they never fail an admission.
func (i *Index) AttachMirror(m Mirror, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	i.mirror = m
	i.mirrorTimeout = timeout
}

// ReplayFile seeds the set from the current audit file, hashing each raw
// line without parsing it. A missing file is a fresh start, not an error.
// The backup generation is deliberately not consulted: records living only
// in the backup are outside the replay contract.
func (i *Index) ReplayFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open audit file for replay: %w", err)
	}
	defer f.Close()

	added := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		fp := schema.FingerprintLine(line)

		i.mu.Lock()
		if _, ok := i.seen[fp]; !ok {
			i.seen[fp] = struct{}{}
			added++
		}
		i.mu.Unlock()
		atomic.AddUint64(&i.replayed, 1)
	}
	if err := sc.Err(); err != nil {
		return added, fmt.Errorf("scan audit file: %w", err)
	}

	i.logger.Debug("seen-set replayed", "path", path, "fingerprints", added)
	return added, nil
}

// Warm unions the mirror's persisted fingerprints into the set. Only
// meaningful when a mirror is attached; without one it is a no-op.
func (i *Index) Warm(ctx context.Context) (int, error) {
	if i.mirror == nil {
		return 0, nil
	}

	members, err := i.mirror.Members(ctx)
	if err != nil {
		atomic.AddUint64(&i.mirrorErrors, 1)
		return 0, fmt.Errorf("warm from mirror: %w", err)
	}

	added := 0
	i.mu.Lock()
	for _, m := range members {
		fp := schema.Fingerprint(m)
		if _, ok := i.seen[fp]; !ok {
			i.seen[fp] = struct{}{}
			added++
		}
	}
	i.mu.Unlock()

	i.logger.Info("seen-set warmed from mirror", "fingerprints", added)
	return added, nil
}

// Admit reports whether the fingerprint is new and, when it is, inserts
// it. The second call with the same fingerprint always reports duplicate.
func (i *Index) Admit(fp schema.Fingerprint) bool {
	i.mu.Lock()
	if _, ok := i.seen[fp]; ok {
		i.mu.Unlock()
		atomic.AddUint64(&i.duplicates, 1)
		return false
	}
	i.seen[fp] = struct{}{}
	i.mu.Unlock()

	atomic.AddUint64(&i.admitted, 1)
	if i.mirror != nil {
		i.mirrorAdd(fp)
	}
	return true
}

// mirrorAdd persists one fingerprint, logging outages once rather than
// per record.
func (i *Index) mirrorAdd(fp schema.Fingerprint) {
	ctx, cancel := context.WithTimeout(context.Background(), i.mirrorTimeout)
	defer cancel()

	if err := i.mirror.Add(ctx, fp); err != nil {
		atomic.AddUint64(&i.mirrorErrors, 1)
		if !i.mirrorDown {
			i.mirrorDown = true
			i.logger.Warn("fingerprint mirror unavailable, continuing in-memory", "error", err)
		}
		return
	}
	if i.mirrorDown {
		i.mirrorDown = false
		i.logger.Info("fingerprint mirror recovered")
	}
}

// Seen reports membership without admitting.
func (i *Index) Seen(fp schema.Fingerprint) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.seen[fp]
	return ok
}

// Len returns the number of distinct fingerprints held.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.seen)
}

// Metrics returns a snapshot of the index counters.
func (i *Index) Metrics() Metrics {
	return Metrics{
		Size:         i.Len(),
		Admitted:     atomic.LoadUint64(&i.admitted),
		Duplicates:   atomic.LoadUint64(&i.duplicates),
		Replayed:     atomic.LoadUint64(&i.replayed),
		MirrorErrors: atomic.LoadUint64(&i.mirrorErrors),
	}
}
