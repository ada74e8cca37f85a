package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/QadirTernikar/vigil-vms/internal/domain/models"
	"github.com/QadirTernikar/vigil-vms/internal/lib/clock"
	"github.com/QadirTernikar/vigil-vms/internal/lib/logger/handlers/slogdiscard"
	"github.com/QadirTernikar/vigil-vms/internal/metrics"
	"github.com/QadirTernikar/vigil-vms/internal/services/queue"
)

var errUnreachable = errors.New("dial tcp 10.0.0.9:5432: connect: connection refused")

type fakeRemote struct {
	mu      sync.Mutex
	rows    map[string]models.SegmentRecord
	down    bool
	inserts int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{rows: make(map[string]models.SegmentRecord)}
}

func (r *fakeRemote) setDown(down bool) {
	r.mu.Lock()
	r.down = down
	r.mu.Unlock()
}

func (r *fakeRemote) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.rows)
}

func (r *fakeRemote) Exists(_ context.Context, filePath string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.down {
		return false, errUnreachable
	}
	_, ok := r.rows[filePath]

	return ok, nil
}

func (r *fakeRemote) Insert(_ context.Context, rec models.SegmentRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.down {
		return false, errUnreachable
	}
	r.inserts++
	if _, ok := r.rows[rec.FilePath]; ok {
		return false, nil
	}
	r.rows[rec.FilePath] = rec

	return true, nil
}

type memSnapshot struct {
	mu    sync.Mutex
	items []models.PendingSegment
}

func (m *memSnapshot) Load() ([]models.PendingSegment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]models.PendingSegment(nil), m.items...), nil
}

func (m *memSnapshot) Save(items []models.PendingSegment) error {
	m.mu.Lock()
	m.items = append([]models.PendingSegment(nil), items...)
	m.mu.Unlock()

	return nil
}

func (m *memSnapshot) Quarantine(time.Time) (string, error) { return "", nil }

var start = time.Date(2026, 1, 21, 14, 31, 0, 0, time.UTC)

func newQueue(t *testing.T, clk clock.Clock, store *memSnapshot, paths ...string) *queue.Queue {
	t.Helper()

	q := queue.New(slogdiscard.NewDiscardLogger(), store, clk)
	q.Load()

	for _, p := range paths {
		ev := models.SegmentClosedEvent{FilePath: p, FileName: p, FileSize: 50000, StartTime: start}
		require.NoError(t, q.Enqueue(queue.NewSegment("cam1", "Gate", ev, time.Minute, clk.Now())))
	}

	return q
}

func newSyncer(q Queue, remote RemoteStore, clk clock.Clock, maxRetries int) *Syncer {
	return New(slogdiscard.NewDiscardLogger(), Config{
		Interval:    5 * time.Second,
		MaxRetries:  maxRetries,
		PushTimeout: time.Second,
	}, q, remote, clk)
}

func TestSyncOnce_RetriesUntilReachable(t *testing.T) {
	clk := clock.NewFake(start)
	remote := newFakeRemote()
	q := newQueue(t, clk, &memSnapshot{}, "/rec/cam1/2026-01-21/14-30-00.mp4")
	s := newSyncer(q, remote, clk, 10)

	remote.setDown(true)
	for i := 0; i < 3; i++ {
		assert.Zero(t, s.SyncOnce(context.Background()))
	}

	seg, ok := q.Get("/rec/cam1/2026-01-21/14-30-00.mp4")
	require.True(t, ok)
	assert.Equal(t, models.SyncFailed, seg.Status)
	assert.Equal(t, 3, seg.RetryCount)
	assert.Contains(t, seg.LastError, "connection refused")

	remote.setDown(false)
	assert.Equal(t, 1, s.SyncOnce(context.Background()))

	seg, _ = q.Get("/rec/cam1/2026-01-21/14-30-00.mp4")
	assert.Equal(t, models.SyncSynced, seg.Status)
	require.NotNil(t, seg.SyncedAt)
	assert.Equal(t, start, *seg.SyncedAt)
	assert.Equal(t, 1, remote.count())
}

func TestSync_RedeliveryAfterCrashIsIdempotent(t *testing.T) {
	clk := clock.NewFake(start)
	remote := newFakeRemote()
	store := &memSnapshot{}
	path := "/rec/cam1/2026-01-21/14-30-00.mp4"

	q := newQueue(t, clk, store, path)
	seg, _ := q.Get(path)

	// The push lands remotely but the process dies before MarkSynced.
	s := newSyncer(q, remote, clk, 10)
	_, err := s.push(context.Background(), seg)
	require.NoError(t, err)

	restarted := newQueue(t, clk, store)
	seg, _ = restarted.Get(path)
	require.Equal(t, models.SyncPending, seg.Status)

	before := testutil.ToFloat64(metrics.SyncAttempts.WithLabelValues(metrics.ResultDuplicate))
	s = newSyncer(restarted, remote, clk, 10)
	assert.Equal(t, 1, s.SyncOnce(context.Background()))

	assert.Equal(t, 1, remote.count())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.SyncAttempts.WithLabelValues(metrics.ResultDuplicate)))
	seg, _ = restarted.Get(path)
	assert.Equal(t, models.SyncSynced, seg.Status)
}

func TestSync_DuplicateInsertCountsAsSuccess(t *testing.T) {
	clk := clock.NewFake(start)
	path := "/rec/cam1/2026-01-21/14-30-00.mp4"
	remote := &racingRemote{fakeRemote: newFakeRemote()}
	remote.rows[path] = models.SegmentRecord{FilePath: path}

	q := newQueue(t, clk, &memSnapshot{}, path)
	s := newSyncer(q, remote, clk, 10)

	assert.Equal(t, 1, s.SyncOnce(context.Background()))
	seg, _ := q.Get(path)
	assert.Equal(t, models.SyncSynced, seg.Status)
}

// racingRemote reports absence on Exists while a row already exists, as when
// another writer inserts between the check and the insert.
type racingRemote struct {
	*fakeRemote
}

func (r *racingRemote) Exists(context.Context, string) (bool, error) { return false, nil }

func TestSync_AbandonsAtRetryCap(t *testing.T) {
	clk := clock.NewFake(start)
	remote := newFakeRemote()
	remote.setDown(true)
	path := "/rec/cam1/2026-01-21/14-30-00.mp4"
	q := newQueue(t, clk, &memSnapshot{}, path)
	s := newSyncer(q, remote, clk, 2)

	abandoned := testutil.ToFloat64(metrics.SyncAbandoned)

	s.SyncOnce(context.Background())
	s.SyncOnce(context.Background())

	seg, _ := q.Get(path)
	assert.Equal(t, models.SyncAbandoned, seg.Status)
	assert.Equal(t, 2, seg.RetryCount)
	assert.Equal(t, abandoned+1, testutil.ToFloat64(metrics.SyncAbandoned))

	remote.setDown(false)
	assert.Zero(t, s.SyncOnce(context.Background()), "abandoned records are not swept")

	n, err := q.Requeue()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, s.SyncOnce(context.Background()))
}

func TestPushNow_SyncsInBackground(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	clk := clock.NewFake(start)
	remote := newFakeRemote()
	path := "/rec/cam1/2026-01-21/14-30-00.mp4"
	q := newQueue(t, clk, &memSnapshot{}, path)
	s := newSyncer(q, remote, clk, 10)

	seg, _ := q.Get(path)
	s.PushNow(seg)
	s.Close()

	seg, _ = q.Get(path)
	assert.Equal(t, models.SyncSynced, seg.Status)

	s.PushNow(seg)
	assert.Equal(t, 1, remote.count())
}

func TestPushNow_ConcurrentWithClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	clk := clock.NewFake(start)
	remote := newFakeRemote()
	paths := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		paths = append(paths, fmt.Sprintf("/rec/cam1/2026-01-21/14-%02d-00.mp4", i))
	}
	q := newQueue(t, clk, &memSnapshot{}, paths...)
	s := newSyncer(q, remote, clk, 10)

	var wg sync.WaitGroup
	for _, p := range paths {
		seg, _ := q.Get(p)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.PushNow(seg)
		}()
	}
	s.Close()
	wg.Wait()

	after := remote.count()
	seg, _ := q.Get(paths[0])
	s.PushNow(seg)
	assert.Equal(t, after, remote.count(), "no push after close")
}

func TestClaim_PreventsConcurrentPushOfSamePath(t *testing.T) {
	s := newSyncer(nil, nil, clock.NewFake(start), 10)

	require.True(t, s.claim("a"))
	assert.False(t, s.claim("a"))
	assert.True(t, s.claim("b"))

	s.release("a")
	assert.True(t, s.claim("a"))
}

func TestRun_SweepsOnEveryTick(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	clk := clock.NewFake(start)
	remote := newFakeRemote()
	q := newQueue(t, clk, &memSnapshot{}, "/rec/a.mp4")
	s := newSyncer(q, remote, clk, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return remote.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return clk.Tickers() == 1 }, time.Second, time.Millisecond)

	ev := models.SegmentClosedEvent{FilePath: "/rec/b.mp4", FileName: "b.mp4", FileSize: 50000, StartTime: start}
	require.NoError(t, q.Enqueue(queue.NewSegment("cam1", "Gate", ev, time.Minute, clk.Now())))

	require.Eventually(t, func() bool {
		clk.Advance(5 * time.Second)

		return remote.count() == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	s.Close()
}
