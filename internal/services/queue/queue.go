package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/QadirTernikar/vigil-vms/internal/domain/errs"
	"github.com/QadirTernikar/vigil-vms/internal/domain/models"
	"github.com/QadirTernikar/vigil-vms/internal/lib/clock"
	"github.com/QadirTernikar/vigil-vms/internal/lib/sl"
	"github.com/QadirTernikar/vigil-vms/internal/metrics"
	"github.com/QadirTernikar/vigil-vms/internal/storage/local"
)

// Queue is the local, crash-recoverable list of segment metadata. Every
// mutation rewrites the full snapshot before returning; all mutations share
// one lock because the snapshot is a single file.
type Queue struct {
	log   *slog.Logger
	store Snapshotter
	clock clock.Clock

	mu    sync.Mutex
	items []models.PendingSegment
	index map[string]int
}

type Snapshotter interface {
	Load() ([]models.PendingSegment, error)
	Save([]models.PendingSegment) error
	Quarantine(now time.Time) (string, error)
}

type Stats struct {
	Total    int                       `json:"total"`
	ByStatus map[models.SyncStatus]int `json:"by_status"`
	ByCamera map[string]int            `json:"by_camera"`
}

func New(log *slog.Logger, store Snapshotter, clk clock.Clock) *Queue {
	return &Queue{
		log:   log,
		store: store,
		clock: clk,
		index: make(map[string]int),
	}
}

// Load restores the persisted snapshot. A missing or unreadable snapshot
// starts an empty queue; it never fails startup.
func (q *Queue) Load() {
	const op = "service.queue.Load"

	log := q.log.With(slog.String("op", op))

	items, err := q.store.Load()
	if err != nil {
		log.Error("failed to load queue snapshot, starting empty", sl.Err(err))

		if errors.Is(err, local.ErrCorrupt) {
			if moved, qerr := q.store.Quarantine(q.clock.Now()); qerr != nil {
				log.Error("failed to quarantine corrupt snapshot", sl.Err(qerr))
			} else {
				log.Warn("corrupt snapshot moved aside", slog.String("path", moved))
			}
		}

		items = nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = q.items[:0]
	q.index = make(map[string]int, len(items))

	for _, it := range items {
		if _, dup := q.index[it.FilePath]; dup || it.FilePath == "" {
			continue
		}
		q.index[it.FilePath] = len(q.items)
		q.items = append(q.items, it)
	}

	q.updateGauges()

	log.Info("queue loaded", slog.Int("segments", len(q.items)))
}

// NewSegment builds the durable record for a closed segment.
func NewSegment(cameraID, cameraName string, ev models.SegmentClosedEvent, segmentDuration time.Duration, now time.Time) models.PendingSegment {
	return models.PendingSegment{
		CameraID:        cameraID,
		CameraName:      cameraName,
		FilePath:        ev.FilePath,
		FileName:        ev.FileName,
		StartTime:       ev.StartTime,
		EndTime:         ev.StartTime.Add(segmentDuration),
		DurationSeconds: int(segmentDuration / time.Second),
		FileSize:        ev.FileSize,
		CreatedAt:       now,
		Status:          models.SyncPending,
	}
}

// Enqueue appends seg and persists. On a persistence failure the record is
// kept in memory and ErrPersist is returned; the next successful write
// carries it to disk.
func (q *Queue) Enqueue(seg models.PendingSegment) error {
	const op = "service.queue.Enqueue"

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[seg.FilePath]; ok {
		return fmt.Errorf("%s: %w", op, errs.ErrSegmentExists)
	}

	if seg.Status == "" {
		seg.Status = models.SyncPending
	}

	q.index[seg.FilePath] = len(q.items)
	q.items = append(q.items, seg)

	return q.persist(op)
}

func (q *Queue) MarkSynced(filePath string) error {
	const op = "service.queue.MarkSynced"

	q.mu.Lock()
	defer q.mu.Unlock()

	i, ok := q.index[filePath]
	if !ok {
		return fmt.Errorf("%s: %w", op, errs.ErrSegmentNotFound)
	}

	now := q.clock.Now()
	q.items[i].Status = models.SyncSynced
	q.items[i].SyncedAt = &now
	q.items[i].LastError = ""

	return q.persist(op)
}

// MarkFailed records a failed push. Once RetryCount reaches maxRetries the
// record becomes Abandoned and is no longer picked up by sync sweeps.
func (q *Queue) MarkFailed(filePath, syncErr string, maxRetries int) (models.PendingSegment, error) {
	const op = "service.queue.MarkFailed"

	q.mu.Lock()
	defer q.mu.Unlock()

	i, ok := q.index[filePath]
	if !ok {
		return models.PendingSegment{}, fmt.Errorf("%s: %w", op, errs.ErrSegmentNotFound)
	}

	it := &q.items[i]
	it.RetryCount++
	it.LastError = syncErr
	it.Status = models.SyncFailed

	if maxRetries > 0 && it.RetryCount >= maxRetries {
		it.Status = models.SyncAbandoned
	}

	updated := clone(*it)

	return updated, q.persist(op)
}

// Requeue moves every Abandoned record back to Pending with a fresh retry budget.
func (q *Queue) Requeue() (int, error) {
	const op = "service.queue.Requeue"

	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for i := range q.items {
		if q.items[i].Status != models.SyncAbandoned {
			continue
		}
		q.items[i].Status = models.SyncPending
		q.items[i].RetryCount = 0
		n++
	}

	if n == 0 {
		return 0, nil
	}

	return n, q.persist(op)
}

// Cleanup drops Synced records whose sync is older than maxAge.
func (q *Queue) Cleanup(maxAge time.Duration) (int, error) {
	const op = "service.queue.Cleanup"

	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.clock.Now().Add(-maxAge)

	kept := make([]models.PendingSegment, 0, len(q.items))
	for _, it := range q.items {
		if it.Status == models.SyncSynced && syncedBefore(it, cutoff) {
			continue
		}
		kept = append(kept, it)
	}

	removed := len(q.items) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	q.items = kept
	q.reindex()

	return removed, q.persist(op)
}

func syncedBefore(it models.PendingSegment, cutoff time.Time) bool {
	if it.SyncedAt != nil {
		return it.SyncedAt.Before(cutoff)
	}

	return it.CreatedAt.Before(cutoff)
}

// Eligible returns Pending and Failed records that still have retry budget,
// in queue order.
func (q *Queue) Eligible(maxRetries int) []models.PendingSegment {
	return q.filter(func(it models.PendingSegment) bool {
		if it.Status != models.SyncPending && it.Status != models.SyncFailed {
			return false
		}

		return maxRetries <= 0 || it.RetryCount < maxRetries
	})
}

// Pending returns every record not yet synced or abandoned.
func (q *Queue) Pending() []models.PendingSegment {
	return q.filter(func(it models.PendingSegment) bool {
		return it.Status == models.SyncPending || it.Status == models.SyncFailed
	})
}

func (q *Queue) ForCamera(cameraID string) []models.PendingSegment {
	return q.filter(func(it models.PendingSegment) bool {
		return it.CameraID == cameraID
	})
}

func (q *Queue) All() []models.PendingSegment {
	return q.filter(func(models.PendingSegment) bool { return true })
}

func (q *Queue) Get(filePath string) (models.PendingSegment, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, ok := q.index[filePath]
	if !ok {
		return models.PendingSegment{}, false
	}

	return clone(q.items[i]), true
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Stats{
		Total:    len(q.items),
		ByStatus: make(map[models.SyncStatus]int),
		ByCamera: make(map[string]int),
	}
	for _, it := range q.items {
		st.ByStatus[it.Status]++
		st.ByCamera[it.CameraID]++
	}

	return st
}

// Flush rewrites the snapshot from memory, used on shutdown after an
// earlier write failed.
func (q *Queue) Flush() error {
	const op = "service.queue.Flush"

	q.mu.Lock()
	defer q.mu.Unlock()

	return q.persist(op)
}

func (q *Queue) filter(keep func(models.PendingSegment) bool) []models.PendingSegment {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.PendingSegment, 0)
	for _, it := range q.items {
		if keep(it) {
			out = append(out, clone(it))
		}
	}

	return out
}

// persist must be called with q.mu held.
func (q *Queue) persist(op string) error {
	q.updateGauges()

	if err := q.store.Save(q.snapshot()); err != nil {
		metrics.QueuePersistFailures.Inc()
		q.log.Error("durable queue write failed, in-memory queue is authoritative until the next successful write",
			slog.String("op", op),
			slog.Bool("durability_alarm", true),
			slog.Int("segments", len(q.items)),
			sl.Err(err),
		)

		return fmt.Errorf("%s: %w: %v", op, errs.ErrPersist, err)
	}

	return nil
}

func (q *Queue) snapshot() []models.PendingSegment {
	out := make([]models.PendingSegment, len(q.items))
	for i, it := range q.items {
		out[i] = clone(it)
	}

	return out
}

func (q *Queue) reindex() {
	q.index = make(map[string]int, len(q.items))
	for i, it := range q.items {
		q.index[it.FilePath] = i
	}
}

func (q *Queue) updateGauges() {
	counts := map[models.SyncStatus]int{
		models.SyncPending:   0,
		models.SyncSynced:    0,
		models.SyncFailed:    0,
		models.SyncAbandoned: 0,
	}
	for _, it := range q.items {
		counts[it.Status]++
	}
	for status, n := range counts {
		metrics.QueueSegments.WithLabelValues(string(status)).Set(float64(n))
	}
}

func clone(it models.PendingSegment) models.PendingSegment {
	if it.SyncedAt != nil {
		t := *it.SyncedAt
		it.SyncedAt = &t
	}

	return it
}
