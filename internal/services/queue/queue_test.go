package queue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QadirTernikar/vigil-vms/internal/domain/errs"
	"github.com/QadirTernikar/vigil-vms/internal/domain/models"
	"github.com/QadirTernikar/vigil-vms/internal/lib/clock"
	"github.com/QadirTernikar/vigil-vms/internal/lib/logger/handlers/slogdiscard"
	"github.com/QadirTernikar/vigil-vms/internal/metrics"
	"github.com/QadirTernikar/vigil-vms/internal/storage/local"
)

var now = time.Date(2026, 1, 21, 14, 31, 5, 0, time.UTC)

func newFileQueue(t *testing.T, path string, clk clock.Clock) *Queue {
	t.Helper()

	q := New(slogdiscard.NewDiscardLogger(), local.New[[]models.PendingSegment](path), clk)
	q.Load()

	return q
}

func segment(name string, at time.Time) models.PendingSegment {
	ev := models.SegmentClosedEvent{
		FilePath:   filepath.Join("/recordings/cam1/2026-01-21", name),
		FileName:   name,
		DateFolder: "2026-01-21",
		FileSize:   50000,
		DetectedAt: at,
		StartTime:  time.Date(2026, 1, 21, 14, 30, 0, 0, time.UTC),
	}

	return NewSegment("cam1", "Gate", ev, time.Minute, at)
}

func TestNewSegment(t *testing.T) {
	seg := segment("14-30-00.mp4", now)

	assert.Equal(t, time.Date(2026, 1, 21, 14, 31, 0, 0, time.UTC), seg.EndTime)
	assert.Equal(t, 60, seg.DurationSeconds)
	assert.Equal(t, models.SyncPending, seg.Status)
	assert.Equal(t, now, seg.CreatedAt)
	assert.Zero(t, seg.RetryCount)
}

func TestQueue_PersistRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	clk := clock.NewFake(now)

	q := newFileQueue(t, path, clk)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(segment(fmt.Sprintf("14-3%d-00.mp4", i), now)))
	}
	require.NoError(t, q.MarkSynced(segment("14-31-00.mp4", now).FilePath))
	_, err := q.MarkFailed(segment("14-32-00.mp4", now).FilePath, "timeout", 10)
	require.NoError(t, err)

	before := q.All()
	reloaded := newFileQueue(t, path, clk).All()

	if diff := cmp.Diff(before, reloaded); diff != "" {
		t.Fatalf("reloaded queue differs (-before +after):\n%s", diff)
	}
}

func TestQueue_EnqueueRejectsDuplicatePath(t *testing.T) {
	q := newFileQueue(t, filepath.Join(t.TempDir(), "queue.json"), clock.NewFake(now))

	require.NoError(t, q.Enqueue(segment("14-30-00.mp4", now)))
	err := q.Enqueue(segment("14-30-00.mp4", now))

	require.ErrorIs(t, err, errs.ErrSegmentExists)
	assert.Len(t, q.All(), 1)
}

func TestQueue_CorruptSnapshotStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	q := newFileQueue(t, path, clock.NewFake(now))
	assert.Empty(t, q.All())

	matches, err := filepath.Glob(filepath.Join(dir, "queue.json.corrupt-*"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	require.NoError(t, q.Enqueue(segment("14-30-00.mp4", now)))
	assert.Len(t, newFileQueue(t, path, clock.NewFake(now)).All(), 1)
}

func TestQueue_LoadDropsDuplicateRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	seg := segment("14-30-00.mp4", now)
	require.NoError(t, local.New[[]models.PendingSegment](path).Save([]models.PendingSegment{seg, seg}))

	q := newFileQueue(t, path, clock.NewFake(now))
	assert.Len(t, q.All(), 1)
}

func TestQueue_ReadersReturnSnapshots(t *testing.T) {
	q := newFileQueue(t, filepath.Join(t.TempDir(), "queue.json"), clock.NewFake(now))
	require.NoError(t, q.Enqueue(segment("14-30-00.mp4", now)))
	require.NoError(t, q.MarkSynced(segment("14-30-00.mp4", now).FilePath))

	all := q.All()
	all[0].Status = models.SyncFailed
	*all[0].SyncedAt = time.Time{}

	got, ok := q.Get(segment("14-30-00.mp4", now).FilePath)
	require.True(t, ok)
	assert.Equal(t, models.SyncSynced, got.Status)
	assert.Equal(t, now, *got.SyncedAt)
}

func TestQueue_MarkFailedAndEligibility(t *testing.T) {
	q := newFileQueue(t, filepath.Join(t.TempDir(), "queue.json"), clock.NewFake(now))
	a := segment("14-30-00.mp4", now)
	b := segment("14-31-00.mp4", now)
	require.NoError(t, q.Enqueue(a))
	require.NoError(t, q.Enqueue(b))

	for i := 0; i < 2; i++ {
		seg, err := q.MarkFailed(a.FilePath, "boom", 3)
		require.NoError(t, err)
		assert.Equal(t, models.SyncFailed, seg.Status)
	}
	assert.Len(t, q.Eligible(3), 2)

	seg, err := q.MarkFailed(a.FilePath, "boom", 3)
	require.NoError(t, err)
	assert.Equal(t, models.SyncAbandoned, seg.Status)
	assert.Equal(t, 3, seg.RetryCount)

	eligible := q.Eligible(3)
	require.Len(t, eligible, 1)
	assert.Equal(t, b.FilePath, eligible[0].FilePath)
	assert.Len(t, q.Pending(), 1)

	_, err = q.MarkFailed("/missing.mp4", "boom", 3)
	require.ErrorIs(t, err, errs.ErrSegmentNotFound)
	require.ErrorIs(t, q.MarkSynced("/missing.mp4"), errs.ErrSegmentNotFound)
}

func TestQueue_CleanupRemovesOnlyOldSynced(t *testing.T) {
	clk := clock.NewFake(now)
	q := newFileQueue(t, filepath.Join(t.TempDir(), "queue.json"), clk)

	old := segment("14-30-00.mp4", now)
	fresh := segment("14-31-00.mp4", now)
	pending := segment("14-32-00.mp4", now)
	for _, s := range []models.PendingSegment{old, fresh, pending} {
		require.NoError(t, q.Enqueue(s))
	}
	require.NoError(t, q.MarkSynced(old.FilePath))

	clk.Advance(48 * time.Hour)
	require.NoError(t, q.MarkSynced(fresh.FilePath))
	clk.Advance(time.Hour)

	n, err := q.Cleanup(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok := q.Get(old.FilePath)
	assert.False(t, ok)
	_, ok = q.Get(fresh.FilePath)
	assert.True(t, ok)
	_, ok = q.Get(pending.FilePath)
	assert.True(t, ok)

	require.NoError(t, q.Enqueue(old), "index is rebuilt after cleanup")
}

func TestQueue_StatsAndForCamera(t *testing.T) {
	q := newFileQueue(t, filepath.Join(t.TempDir(), "queue.json"), clock.NewFake(now))
	require.NoError(t, q.Enqueue(segment("14-30-00.mp4", now)))
	other := segment("14-31-00.mp4", now)
	other.CameraID = "cam2"
	require.NoError(t, q.Enqueue(other))
	require.NoError(t, q.MarkSynced(other.FilePath))

	st := q.Stats()
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.ByStatus[models.SyncPending])
	assert.Equal(t, 1, st.ByStatus[models.SyncSynced])
	assert.Equal(t, map[string]int{"cam1": 1, "cam2": 1}, st.ByCamera)

	assert.Len(t, q.ForCamera("cam2"), 1)
	assert.Empty(t, q.ForCamera("cam3"))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.QueueSegments.WithLabelValues("synced")))
}

type failingStore struct {
	saved []models.PendingSegment
	fail  bool
}

func (f *failingStore) Load() ([]models.PendingSegment, error) { return nil, nil }

func (f *failingStore) Save(items []models.PendingSegment) error {
	if f.fail {
		return errors.New("no space left on device")
	}
	f.saved = items

	return nil
}

func (f *failingStore) Quarantine(time.Time) (string, error) { return "", nil }

func TestQueue_PersistFailureIsLoudButKeepsMemory(t *testing.T) {
	store := &failingStore{fail: true}
	q := New(slogdiscard.NewDiscardLogger(), store, clock.NewFake(now))
	q.Load()

	before := testutil.ToFloat64(metrics.QueuePersistFailures)

	err := q.Enqueue(segment("14-30-00.mp4", now))
	require.ErrorIs(t, err, errs.ErrPersist)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.QueuePersistFailures))
	assert.Len(t, q.All(), 1)

	store.fail = false
	require.NoError(t, q.Flush())
	assert.Len(t, store.saved, 1)
}
