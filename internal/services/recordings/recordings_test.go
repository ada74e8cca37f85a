package recordingservice

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/QadirTernikar/vigil-vms/internal/domain/errs"
	"github.com/QadirTernikar/vigil-vms/internal/domain/models"
	"github.com/QadirTernikar/vigil-vms/internal/lib/clock"
	"github.com/QadirTernikar/vigil-vms/internal/lib/logger/handlers/slogdiscard"
	"github.com/QadirTernikar/vigil-vms/internal/metrics"
	"github.com/QadirTernikar/vigil-vms/internal/services/negotiator"
	"github.com/QadirTernikar/vigil-vms/internal/services/queue"
	"github.com/QadirTernikar/vigil-vms/internal/storage/local"
)

var startedAt = time.Date(2026, 1, 21, 14, 29, 30, 0, time.UTC)

type fakeNegotiator struct {
	err      error
	probeErr error
	gate     chan struct{}
	calls    atomic.Int32
}

func (f *fakeNegotiator) Resolve(ctx context.Context, cameraID, _ string) (negotiator.Stream, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return negotiator.Stream{}, ctx.Err()
		}
	}
	if f.err != nil {
		return negotiator.Stream{}, f.err
	}

	return negotiator.Stream{ID: "rec_" + cameraID, PullURL: "rtsp://relay:8554/rec_" + cameraID}, nil
}

func (f *fakeNegotiator) Probe(context.Context, string) error { return f.probeErr }

type fakeProcess struct {
	sp       *fakeSpawner
	cameraID string
	done     chan struct{}
	once     sync.Once
	exitErr  error
	stopped  atomic.Bool
	events   *[]string
	eventsMu *sync.Mutex
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Err() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

func (p *fakeProcess) Stop() error {
	p.stopped.Store(true)
	p.record("process.stop")
	p.exit(nil)

	return nil
}

// exit simulates the process ending on its own.
func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.exitErr = err
		p.sp.release(p.cameraID)
		close(p.done)
	})
}

func (p *fakeProcess) record(ev string) {
	p.eventsMu.Lock()
	*p.events = append(*p.events, ev)
	p.eventsMu.Unlock()
}

type fakeSpawner struct {
	mu       sync.Mutex
	spawned  []*fakeProcess
	live     map[string]int
	maxLive  int
	err      error
	exitNow  bool
	events   []string
	eventsMu sync.Mutex
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{live: map[string]int{}}
}

func (s *fakeSpawner) Spawn(cameraID, pullURL, dir string) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}

	p := &fakeProcess{sp: s, cameraID: cameraID, done: make(chan struct{}), events: &s.events, eventsMu: &s.eventsMu}
	s.spawned = append(s.spawned, p)
	s.live[cameraID]++
	if s.live[cameraID] > s.maxLive {
		s.maxLive = s.live[cameraID]
	}

	if s.exitNow {
		p.exitErr = errors.New("exit status 1")
		s.live[cameraID]--
		p.once.Do(func() { close(p.done) })
	}

	return p, nil
}

func (s *fakeSpawner) release(cameraID string) {
	s.mu.Lock()
	s.live[cameraID]--
	s.mu.Unlock()
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.spawned)
}

func (s *fakeSpawner) last() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.spawned[len(s.spawned)-1]
}

func (s *fakeSpawner) recorded() []string {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	return append([]string(nil), s.events...)
}

type fakeDetector struct {
	sp       *fakeSpawner
	dir      string
	onClosed func(models.SegmentClosedEvent)
	started  atomic.Bool
	stopped  atomic.Bool
	flushes  atomic.Int32
	startErr error
}

func (d *fakeDetector) Start() error {
	if d.startErr != nil {
		return d.startErr
	}
	d.started.Store(true)

	return nil
}

func (d *fakeDetector) Stop() {
	d.stopped.Store(true)
	d.sp.eventsMu.Lock()
	d.sp.events = append(d.sp.events, "detector.stop")
	d.sp.eventsMu.Unlock()
}

func (d *fakeDetector) Flush() int {
	d.flushes.Add(1)
	d.sp.eventsMu.Lock()
	d.sp.events = append(d.sp.events, "detector.flush")
	d.sp.eventsMu.Unlock()

	return 0
}

type fakePusher struct {
	mu     sync.Mutex
	pushed []models.PendingSegment
}

func (p *fakePusher) PushNow(seg models.PendingSegment) {
	p.mu.Lock()
	p.pushed = append(p.pushed, seg)
	p.mu.Unlock()
}

func (p *fakePusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.pushed)
}

type harness struct {
	reg       *Registry
	neg       *fakeNegotiator
	spawner   *fakeSpawner
	queue     *queue.Queue
	pusher    *fakePusher
	clock     *clock.Fake
	root      string
	mu        sync.Mutex
	detectors []*fakeDetector
	detErr    error
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	h := &harness{
		neg:     &fakeNegotiator{},
		spawner: newFakeSpawner(),
		pusher:  &fakePusher{},
		clock:   clock.NewFake(startedAt),
		root:    filepath.Join(t.TempDir(), "recordings"),
	}

	h.queue = queue.New(slogdiscard.NewDiscardLogger(),
		local.New[[]models.PendingSegment](filepath.Join(t.TempDir(), "queue.json")), h.clock)
	h.queue.Load()

	cfg := Config{
		RootDir:         h.root,
		SegmentDuration: time.Minute,
		FinalFlush:      true,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	factory := func(dir string, onClosed func(models.SegmentClosedEvent)) Detector {
		h.mu.Lock()
		defer h.mu.Unlock()

		d := &fakeDetector{sp: h.spawner, dir: dir, onClosed: onClosed, startErr: h.detErr}
		h.detectors = append(h.detectors, d)

		return d
	}

	h.reg = New(slogdiscard.NewDiscardLogger(), cfg, h.clock, h.neg, h.spawner, factory, h.queue, h.pusher)

	return h
}

func (h *harness) detector() *fakeDetector {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.detectors[len(h.detectors)-1]
}

func TestStart_RecordsAndQueuesSegments(t *testing.T) {
	h := newHarness(t, nil)

	st, err := h.reg.Start(context.Background(), "cam1", "Gate", "rtsp://u:p@10.0.0.5:554/s")
	require.NoError(t, err)

	wantDir := filepath.Join(h.root, "cam1", "2026-01-21")
	assert.Equal(t, models.StateRecording, st.State)
	assert.Equal(t, "rec_cam1", st.StreamID)
	assert.Equal(t, wantDir, st.RecordingDirectory)
	assert.NotEmpty(t, st.SessionID)
	assert.DirExists(t, wantDir)

	det := h.detector()
	assert.True(t, det.started.Load())
	assert.Equal(t, wantDir, det.dir)

	ev := models.SegmentClosedEvent{
		FilePath:   filepath.Join(wantDir, "14-30-00.mp4"),
		FileName:   "14-30-00.mp4",
		DateFolder: "2026-01-21",
		FileSize:   50000,
		DetectedAt: startedAt.Add(95 * time.Second),
		StartTime:  time.Date(2026, 1, 21, 14, 30, 0, 0, time.UTC),
	}
	det.onClosed(ev)
	det.onClosed(ev)

	pending := h.queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, ev.FilePath, pending[0].FilePath)
	assert.Equal(t, models.SyncPending, pending[0].Status)
	assert.Equal(t, "Gate", pending[0].CameraName)
	assert.Equal(t, ev.StartTime.Add(time.Minute), pending[0].EndTime)
	assert.Equal(t, 1, h.pusher.count())

	h.clock.Advance(90 * time.Second)
	st, err = h.reg.Status("cam1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.SegmentsIndexed)
	assert.Equal(t, float64(90), st.UptimeSeconds)

	require.NoError(t, h.reg.StopAll(context.Background()))
}

func TestStart_DuplicateIsConflict(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.reg.Start(context.Background(), "cam1", "Gate", "rtsp://10.0.0.5/s")
	require.NoError(t, err)

	_, err = h.reg.Start(context.Background(), "cam1", "Gate", "rtsp://10.0.0.5/s")
	require.ErrorIs(t, err, errs.ErrSessionExists)
	assert.Equal(t, int32(1), h.neg.calls.Load())
	assert.Equal(t, 1, h.spawner.count())

	require.NoError(t, h.reg.StopAll(context.Background()))
}

func TestStart_NegotiationFailureHasNoSideEffects(t *testing.T) {
	h := newHarness(t, nil)
	h.neg.err = errs.ErrStreamUnavailable

	_, err := h.reg.Start(context.Background(), "cam1", "Gate", "rtsp://10.0.0.5/s")
	require.ErrorIs(t, err, errs.ErrStreamUnavailable)

	assert.Empty(t, h.reg.List())
	assert.Zero(t, h.spawner.count())
	assert.NoDirExists(t, filepath.Join(h.root, "cam1"))

	h.neg.err = nil
	_, err = h.reg.Start(context.Background(), "cam1", "Gate", "rtsp://10.0.0.5/s")
	require.NoError(t, err, "a failed start must not block the next one")
	require.NoError(t, h.reg.StopAll(context.Background()))
}

func TestStart_ProbeFailure(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ProbeSource = true })
	h.neg.probeErr = errs.ErrSourceUnreachable

	_, err := h.reg.Start(context.Background(), "cam1", "Gate", "rtsp://10.0.0.5/s")
	require.ErrorIs(t, err, errs.ErrSourceUnreachable)
	assert.Zero(t, h.neg.calls.Load())
	assert.Empty(t, h.reg.List())
}

func TestStart_SpawnFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.spawner.err = errors.New("exec: \"ffmpeg\": executable file not found in $PATH")

	_, err := h.reg.Start(context.Background(), "cam1", "Gate", "rtsp://10.0.0.5/s")
	require.ErrorIs(t, err, errs.ErrProcessStart)
	assert.Empty(t, h.reg.List())
}

func TestStart_ProcessExitsDuringStartup(t *testing.T) {
	h := newHarness(t, nil)
	h.spawner.exitNow = true

	_, err := h.reg.Start(context.Background(), "cam1", "Gate", "rtsp://10.0.0.5/s")
	require.ErrorIs(t, err, errs.ErrProcessExited)
	assert.Empty(t, h.reg.List())
}

func TestStart_DetectorFailureStopsProcess(t *testing.T) {
	h := newHarness(t, nil)
	h.detErr = errors.New("too many open files")

	_, err := h.reg.Start(context.Background(), "cam1", "Gate", "rtsp://10.0.0.5/s")
	require.Error(t, err)
	assert.True(t, h.spawner.last().stopped.Load())
	assert.Empty(t, h.reg.List())
}

func TestStart_Validation(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.reg.Start(context.Background(), "", "Gate", "rtsp://10.0.0.5/s")
	require.ErrorIs(t, err, errs.ErrInvalidRequest)

	_, err = h.reg.Start(context.Background(), "cam1", "Gate", " ")
	require.ErrorIs(t, err, errs.ErrInvalidRequest)
	assert.Zero(t, h.neg.calls.Load())
}

func TestStart_RejectsCameraIDOutsideRoot(t *testing.T) {
	h := newHarness(t, nil)

	for _, id := range []string{"../../escaped", "..", ".", "site/cam1", `site\cam1`, "/abs", "cam 1"} {
		_, err := h.reg.Start(context.Background(), id, "Gate", "rtsp://10.0.0.5/s")
		require.ErrorIs(t, err, errs.ErrInvalidRequest, id)
	}

	assert.Zero(t, h.neg.calls.Load())
	assert.Zero(t, h.spawner.count())
	assert.Empty(t, h.reg.List())

	assert.NoDirExists(t, filepath.Join(h.root, "..", "..", "escaped"))
}

func TestStop_NotFound(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.reg.Stop(context.Background(), "cam1")
	require.ErrorIs(t, err, errs.ErrSessionNotFound)
	assert.Zero(t, h.spawner.count())
	assert.Empty(t, h.spawner.recorded())
	assert.Empty(t, h.reg.List())
}

func TestStop_DetectorFirstThenProcessThenFlush(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.reg.Start(context.Background(), "cam1", "Gate", "rtsp://10.0.0.5/s")
	require.NoError(t, err)

	h.detector().onClosed(models.SegmentClosedEvent{FilePath: "/r/cam1/2026-01-21/14-30-00.mp4", FileSize: 1})
	h.clock.Advance(10 * time.Minute)

	res, err := h.reg.Stop(context.Background(), "cam1")
	require.NoError(t, err)

	assert.Equal(t, models.StopResult{
		CameraID:        "cam1",
		CameraName:      "Gate",
		DurationSeconds: 600,
		SegmentsIndexed: 1,
	}, res)
	assert.Equal(t, []string{"detector.stop", "process.stop", "detector.flush"}, h.spawner.recorded())

	_, err = h.reg.Status("cam1")
	require.ErrorIs(t, err, errs.ErrSessionNotFound)

	_, err = h.reg.Stop(context.Background(), "cam1")
	require.ErrorIs(t, err, errs.ErrSessionNotFound)
}

func TestStop_WhileStartingIsBusy(t *testing.T) {
	h := newHarness(t, nil)
	h.neg.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.reg.Start(context.Background(), "cam1", "Gate", "rtsp://10.0.0.5/s")
		done <- err
	}()

	require.Eventually(t, func() bool {
		st, err := h.reg.Status("cam1")

		return err == nil && st.State == models.StateStarting
	}, time.Second, time.Millisecond)

	_, err := h.reg.Stop(context.Background(), "cam1")
	require.ErrorIs(t, err, errs.ErrSessionBusy)

	close(h.neg.gate)
	require.NoError(t, <-done)
	require.NoError(t, h.reg.StopAll(context.Background()))
}

func TestMonitor_UnexpectedExitRemovesSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t, nil)
	failed := testutil.ToFloat64(metrics.SessionsFailed)

	_, err := h.reg.Start(context.Background(), "cam1", "Gate", "rtsp://10.0.0.5/s")
	require.NoError(t, err)

	h.spawner.last().exit(errors.New("exit status 1"))

	require.Eventually(t, func() bool { return h.reg.Active() == 0 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return h.detector().flushes.Load() == 1 }, time.Second, time.Millisecond)

	assert.True(t, h.detector().stopped.Load())
	assert.Equal(t, failed+1, testutil.ToFloat64(metrics.SessionsFailed))

	_, err = h.reg.Start(context.Background(), "cam1", "Gate", "rtsp://10.0.0.5/s")
	require.NoError(t, err)
	require.NoError(t, h.reg.StopAll(context.Background()))
}

func TestRegistry_ConcurrentStartStopKeepsOneProcessPerCamera(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t, nil)
	cameras := []string{"cam1", "cam2", "cam3"}

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()

			rnd := rand.New(rand.NewSource(seed))
			for i := 0; i < 50; i++ {
				id := cameras[rnd.Intn(len(cameras))]
				if rnd.Intn(2) == 0 {
					_, err := h.reg.Start(context.Background(), id, id, "rtsp://10.0.0.5/s")
					if err != nil && !errors.Is(err, errs.ErrSessionExists) {
						t.Errorf("start %s: %v", id, err)
					}
				} else {
					_, err := h.reg.Stop(context.Background(), id)
					if err != nil && !errors.Is(err, errs.ErrSessionNotFound) && !errors.Is(err, errs.ErrSessionBusy) {
						t.Errorf("stop %s: %v", id, err)
					}
				}
			}
		}(int64(w))
	}
	wg.Wait()

	h.spawner.mu.Lock()
	maxLive := h.spawner.maxLive
	h.spawner.mu.Unlock()
	assert.Equal(t, 1, maxLive)

	require.NoError(t, h.reg.StopAll(context.Background()))
	assert.Zero(t, h.reg.Active())
}

func TestStopAll(t *testing.T) {
	h := newHarness(t, nil)

	for _, id := range []string{"cam2", "cam1"} {
		_, err := h.reg.Start(context.Background(), id, id, "rtsp://10.0.0.5/s")
		require.NoError(t, err)
	}

	list := h.reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "cam1", list[0].CameraID)

	require.NoError(t, h.reg.StopAll(context.Background()))
	assert.Empty(t, h.reg.List())

	entries, err := os.ReadDir(h.root)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
