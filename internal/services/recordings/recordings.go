package recordingservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/QadirTernikar/vigil-vms/internal/domain/errs"
	"github.com/QadirTernikar/vigil-vms/internal/domain/models"
	"github.com/QadirTernikar/vigil-vms/internal/lib/clock"
	"github.com/QadirTernikar/vigil-vms/internal/lib/sl"
	"github.com/QadirTernikar/vigil-vms/internal/metrics"
	"github.com/QadirTernikar/vigil-vms/internal/services/negotiator"
	"github.com/QadirTernikar/vigil-vms/internal/services/queue"
)

// Registry owns every camera session. All lookups that precede a mutation
// happen under mu, so "already recording" checks are race-free for API and
// scheduler callers alike.
type Registry struct {
	log         *slog.Logger
	cfg         Config
	clock       clock.Clock
	negotiator  StreamNegotiator
	spawner     Spawner
	newDetector DetectorFactory
	queue       SegmentQueue
	pusher      Pusher

	mu       sync.Mutex
	sessions map[string]*session
	monitors sync.WaitGroup
}

type Config struct {
	RootDir         string
	SegmentDuration time.Duration
	StartupGrace    time.Duration
	ProbeSource     bool
	FinalFlush      bool
}

type StreamNegotiator interface {
	Resolve(ctx context.Context, cameraID, sourceURL string) (negotiator.Stream, error)
	Probe(ctx context.Context, sourceURL string) error
}

type Process interface {
	Done() <-chan struct{}
	Err() error
	Stop() error
}

type Spawner interface {
	Spawn(cameraID, pullURL, dir string) (Process, error)
}

// SpawnFunc adapts a function to Spawner.
type SpawnFunc func(cameraID, pullURL, dir string) (Process, error)

func (f SpawnFunc) Spawn(cameraID, pullURL, dir string) (Process, error) {
	return f(cameraID, pullURL, dir)
}

type Detector interface {
	Start() error
	Stop()
	Flush() int
}

type DetectorFactory func(dir string, onClosed func(models.SegmentClosedEvent)) Detector

type SegmentQueue interface {
	Enqueue(seg models.PendingSegment) error
}

// Pusher gets one immediate sync attempt per queued segment. It may be nil
// when remote sync is disabled.
type Pusher interface {
	PushNow(seg models.PendingSegment)
}

type session struct {
	id         string
	cameraID   string
	cameraName string
	sourceURL  string
	streamID   string
	dir        string
	startedAt  time.Time
	state      models.SessionState
	segments   atomic.Int64
	proc       Process
	det        Detector
}

func New(
	log *slog.Logger,
	cfg Config,
	clk clock.Clock,
	neg StreamNegotiator,
	spawner Spawner,
	newDetector DetectorFactory,
	q SegmentQueue,
	pusher Pusher,
) *Registry {
	return &Registry{
		log:         log,
		cfg:         cfg,
		clock:       clk,
		negotiator:  neg,
		spawner:     spawner,
		newDetector: newDetector,
		queue:       q,
		pusher:      pusher,
		sessions:    make(map[string]*session),
	}
}

// Start negotiates a stream, spawns the recorder and attaches a detector.
// A camera that already has a session is a conflict; any failure before the
// session reaches Recording leaves no trace in the registry.
func (r *Registry) Start(ctx context.Context, cameraID, cameraName, sourceURL string) (models.SessionStatus, error) {
	const op = "service.recordings.Start"

	log := r.log.With(
		slog.String("op", op),
		sl.Camera(cameraID),
		slog.String("camera_name", cameraName),
	)

	if strings.TrimSpace(cameraID) == "" || strings.TrimSpace(sourceURL) == "" {
		return models.SessionStatus{}, fmt.Errorf("%s: %w: camera_id and source_url are required", op, errs.ErrInvalidRequest)
	}
	if !models.ValidCameraID(cameraID) {
		return models.SessionStatus{}, fmt.Errorf("%s: %w: camera_id %q must match [A-Za-z0-9._-]", op, errs.ErrInvalidRequest, cameraID)
	}
	if cameraName == "" {
		cameraName = cameraID
	}

	sess, err := r.reserve(cameraID, cameraName, sourceURL)
	if err != nil {
		log.Warn("camera already has a session")

		return models.SessionStatus{}, fmt.Errorf("%s: %w", op, err)
	}

	log = log.With(slog.String("session_id", sess.id))

	fail := func(err error) (models.SessionStatus, error) {
		r.release(sess)

		return models.SessionStatus{}, fmt.Errorf("%s: %w", op, err)
	}

	if r.cfg.ProbeSource {
		if err := r.negotiator.Probe(ctx, sourceURL); err != nil {
			log.Error("camera source not reachable", sl.Err(err))

			return fail(err)
		}
	}

	stream, err := r.negotiator.Resolve(ctx, cameraID, sourceURL)
	if err != nil {
		log.Error("stream negotiation failed", sl.Err(err))

		return fail(err)
	}

	dir := filepath.Join(r.cfg.RootDir, cameraID, sess.startedAt.Format(time.DateOnly))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Error("failed to create recording directory", slog.String("dir", dir), sl.Err(err))

		return fail(err)
	}

	proc, err := r.spawner.Spawn(cameraID, stream.PullURL, dir)
	if err != nil {
		log.Error("failed to spawn recording process", sl.Err(err))

		if !errors.Is(err, errs.ErrProcessStart) {
			err = fmt.Errorf("%w: %v", errs.ErrProcessStart, err)
		}

		return fail(err)
	}

	if err := r.awaitStartup(ctx, proc); err != nil {
		log.Error("recording process failed during startup", sl.Err(err))
		_ = proc.Stop()

		return fail(err)
	}

	det := r.newDetector(dir, r.onSegment(sess))
	if err := det.Start(); err != nil {
		log.Error("failed to watch recording directory", sl.Err(err))
		_ = proc.Stop()

		return fail(err)
	}

	r.mu.Lock()
	sess.streamID = stream.ID
	sess.dir = dir
	sess.proc = proc
	sess.det = det
	sess.state = models.StateRecording
	status := r.snapshot(sess)
	r.mu.Unlock()

	r.monitors.Add(1)
	go r.monitor(sess)

	log.Info("recording started", slog.String("stream_id", stream.ID), slog.String("dir", dir))

	return status, nil
}

// Stop halts the detector before the process so nothing is queued after the
// stop intent, then removes the session whatever the process did.
func (r *Registry) Stop(ctx context.Context, cameraID string) (models.StopResult, error) {
	const op = "service.recordings.Stop"

	log := r.log.With(
		slog.String("op", op),
		sl.Camera(cameraID),
	)

	r.mu.Lock()
	sess, ok := r.sessions[cameraID]
	if !ok {
		r.mu.Unlock()

		return models.StopResult{}, fmt.Errorf("%s: %w", op, errs.ErrSessionNotFound)
	}
	if sess.state != models.StateRecording {
		state := sess.state
		r.mu.Unlock()
		log.Warn("session is not stoppable", slog.String("state", string(state)))

		return models.StopResult{}, fmt.Errorf("%s: %w", op, errs.ErrSessionBusy)
	}
	sess.state = models.StateStopping
	r.mu.Unlock()

	log = log.With(slog.String("session_id", sess.id))

	sess.det.Stop()

	if err := sess.proc.Stop(); err != nil {
		log.Error("recording process did not stop cleanly", sl.Err(err))
	}

	if r.cfg.FinalFlush {
		sess.det.Flush()
	}

	r.mu.Lock()
	sess.state = models.StateStopped
	if r.sessions[cameraID] == sess {
		delete(r.sessions, cameraID)
	}
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	res := models.StopResult{
		CameraID:        sess.cameraID,
		CameraName:      sess.cameraName,
		DurationSeconds: r.clock.Now().Sub(sess.startedAt).Seconds(),
		SegmentsIndexed: sess.segments.Load(),
	}

	log.Info("recording stopped",
		slog.Float64("duration_seconds", res.DurationSeconds),
		slog.Int64("segments_indexed", res.SegmentsIndexed),
	)

	return res, nil
}

func (r *Registry) Status(cameraID string) (models.SessionStatus, error) {
	const op = "service.recordings.Status"

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[cameraID]
	if !ok {
		return models.SessionStatus{}, fmt.Errorf("%s: %w", op, errs.ErrSessionNotFound)
	}

	return r.snapshot(sess), nil
}

// List returns every registered session ordered by camera id.
func (r *Registry) List() []models.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.SessionStatus, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, r.snapshot(sess))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })

	return out
}

func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}

// StopAll stops every recording session in parallel and waits for the exit
// monitors.
func (r *Registry) StopAll(ctx context.Context) error {
	const op = "service.recordings.StopAll"

	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id, sess := range r.sessions {
		if sess.state == models.StateRecording {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			_, err := r.Stop(gctx, id)
			if errors.Is(err, errs.ErrSessionNotFound) {
				return nil
			}

			return err
		})
	}

	err := g.Wait()
	r.monitors.Wait()

	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	r.log.Info("all recordings stopped", slog.String("op", op), slog.Int("sessions", len(ids)))

	return nil
}

func (r *Registry) reserve(cameraID, cameraName, sourceURL string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[cameraID]; ok {
		return nil, errs.ErrSessionExists
	}

	sess := &session{
		id:         uuid.NewString(),
		cameraID:   cameraID,
		cameraName: cameraName,
		sourceURL:  sourceURL,
		startedAt:  r.clock.Now(),
		state:      models.StateStarting,
	}
	r.sessions[cameraID] = sess
	metrics.SessionsActive.Set(float64(len(r.sessions)))

	return sess, nil
}

func (r *Registry) release(sess *session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[sess.cameraID] == sess {
		delete(r.sessions, sess.cameraID)
	}
	sess.state = models.StateError
	metrics.SessionsActive.Set(float64(len(r.sessions)))
}

func (r *Registry) awaitStartup(ctx context.Context, proc Process) error {
	if r.cfg.StartupGrace <= 0 {
		select {
		case <-proc.Done():
			return exitError(proc)
		default:
			return nil
		}
	}

	ready := make(chan struct{})
	timer := r.clock.AfterFunc(r.cfg.StartupGrace, func() { close(ready) })
	defer timer.Stop()

	select {
	case <-proc.Done():
		return exitError(proc)
	case <-ctx.Done():
		return ctx.Err()
	case <-ready:
		return nil
	}
}

func exitError(proc Process) error {
	if err := proc.Err(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrProcessExited, err)
	}

	return errs.ErrProcessExited
}

// monitor moves a session to Error when its process exits without a stop
// request.
func (r *Registry) monitor(sess *session) {
	const op = "service.recordings.monitor"

	defer r.monitors.Done()

	<-sess.proc.Done()

	r.mu.Lock()
	if sess.state != models.StateRecording || r.sessions[sess.cameraID] != sess {
		r.mu.Unlock()

		return
	}
	sess.state = models.StateError
	delete(r.sessions, sess.cameraID)
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	metrics.SessionsFailed.Inc()

	log := r.log.With(
		slog.String("op", op),
		sl.Camera(sess.cameraID),
		slog.String("session_id", sess.id),
	)
	if err := sess.proc.Err(); err != nil {
		log = log.With(sl.Err(err))
	}
	log.Error("recording process exited unexpectedly, session removed")

	sess.det.Stop()
	if r.cfg.FinalFlush {
		sess.det.Flush()
	}
}

// onSegment is the detector callback: durable enqueue first, then a
// non-blocking push attempt.
func (r *Registry) onSegment(sess *session) func(models.SegmentClosedEvent) {
	const op = "service.recordings.onSegment"

	return func(ev models.SegmentClosedEvent) {
		log := r.log.With(
			slog.String("op", op),
			sl.Camera(sess.cameraID),
			slog.String("file_path", ev.FilePath),
		)

		seg := queue.NewSegment(sess.cameraID, sess.cameraName, ev, r.cfg.SegmentDuration, r.clock.Now())

		if err := r.queue.Enqueue(seg); err != nil {
			switch {
			case errors.Is(err, errs.ErrSegmentExists):
				log.Debug("segment already queued")

				return
			case errors.Is(err, errs.ErrPersist):
				// Held in memory; the failure was already raised by the queue.
			default:
				log.Error("failed to queue segment", sl.Err(err))

				return
			}
		}

		sess.segments.Add(1)
		metrics.SegmentsDetected.WithLabelValues(sess.cameraID).Inc()

		log.Info("segment queued", slog.Int64("file_size", ev.FileSize))

		if r.pusher != nil {
			r.pusher.PushNow(seg)
		}
	}
}

// snapshot must be called with r.mu held.
func (r *Registry) snapshot(sess *session) models.SessionStatus {
	return models.SessionStatus{
		SessionID:          sess.id,
		CameraID:           sess.cameraID,
		CameraName:         sess.cameraName,
		StreamID:           sess.streamID,
		SourceURL:          sess.sourceURL,
		RecordingDirectory: sess.dir,
		State:              sess.state,
		StartedAt:          sess.startedAt,
		SegmentsIndexed:    sess.segments.Load(),
		UptimeSeconds:      r.clock.Now().Sub(sess.startedAt).Seconds(),
	}
}
