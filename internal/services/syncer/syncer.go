// Package syncer drains the durable queue into the remote segment index.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/QadirTernikar/vigil-vms/internal/domain/models"
	"github.com/QadirTernikar/vigil-vms/internal/lib/clock"
	"github.com/QadirTernikar/vigil-vms/internal/lib/sl"
	"github.com/QadirTernikar/vigil-vms/internal/metrics"
)

type RemoteStore interface {
	Exists(ctx context.Context, filePath string) (bool, error)
	Insert(ctx context.Context, rec models.SegmentRecord) (bool, error)
}

type Queue interface {
	Eligible(maxRetries int) []models.PendingSegment
	MarkSynced(filePath string) error
	MarkFailed(filePath, syncErr string, maxRetries int) (models.PendingSegment, error)
}

type Config struct {
	Interval    time.Duration
	MaxRetries  int
	PushTimeout time.Duration
}

type Syncer struct {
	log    *slog.Logger
	cfg    Config
	queue  Queue
	remote RemoteStore
	clock  clock.Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
	closed   bool
}

func New(log *slog.Logger, cfg Config, queue Queue, remote RemoteStore, clk clock.Clock) *Syncer {
	ctx, cancel := context.WithCancel(context.Background())

	return &Syncer{
		log:      log,
		cfg:      cfg,
		queue:    queue,
		remote:   remote,
		clock:    clk,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]struct{}),
	}
}

// Run sweeps the queue once immediately and then on every interval until ctx
// is done.
func (s *Syncer) Run(ctx context.Context) error {
	const op = "service.syncer.Run"

	log := s.log.With(slog.String("op", op))
	log.Info("sync worker started", slog.Duration("interval", s.cfg.Interval))

	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.SyncOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info("sync worker stopped")

			return nil
		case <-ticker.C():
			s.SyncOnce(ctx)
		}
	}
}

// SyncOnce pushes every eligible record sequentially and returns how many
// ended up synced.
func (s *Syncer) SyncOnce(ctx context.Context) int {
	synced := 0

	for _, seg := range s.queue.Eligible(s.cfg.MaxRetries) {
		if ctx.Err() != nil {
			break
		}
		if s.attempt(ctx, seg) {
			synced++
		}
	}

	return synced
}

// PushNow makes one immediate attempt for a freshly queued segment without
// blocking the caller.
func (s *Syncer) PushNow(seg models.PendingSegment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.attempt(s.ctx, seg)
	}()
}

// Close cancels immediate pushes still in flight and waits for them.
func (s *Syncer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Syncer) attempt(ctx context.Context, seg models.PendingSegment) bool {
	const op = "service.syncer.attempt"

	if !s.claim(seg.FilePath) {
		return false
	}
	defer s.release(seg.FilePath)

	log := s.log.With(
		slog.String("op", op),
		sl.Camera(seg.CameraID),
		slog.String("file_path", seg.FilePath),
	)

	result, err := s.push(ctx, seg)
	if err != nil {
		metrics.SyncAttempts.WithLabelValues(metrics.ResultFailed).Inc()

		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			log.Debug("push interrupted by shutdown")

			return false
		}

		updated, merr := s.queue.MarkFailed(seg.FilePath, err.Error(), s.cfg.MaxRetries)
		if merr != nil {
			log.Error("failed to record sync failure", sl.Err(merr))

			return false
		}

		if updated.Status == models.SyncAbandoned {
			metrics.SyncAbandoned.Inc()
			log.Error("segment abandoned after exhausting retries",
				slog.Int("retry_count", updated.RetryCount),
				sl.Err(err),
			)

			return false
		}

		log.Warn("push failed, will retry", slog.Int("retry_count", updated.RetryCount), sl.Err(err))

		return false
	}

	metrics.SyncAttempts.WithLabelValues(result).Inc()

	if err := s.queue.MarkSynced(seg.FilePath); err != nil {
		log.Error("failed to mark segment synced", sl.Err(err))
	}

	log.Debug("segment synced", slog.String("result", result))

	return true
}

// push is a check-then-insert keyed by file path; both "already there"
// outcomes count as success.
func (s *Syncer) push(ctx context.Context, seg models.PendingSegment) (string, error) {
	const op = "service.syncer.push"

	if s.cfg.PushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.PushTimeout)
		defer cancel()
	}

	exists, err := s.remote.Exists(ctx, seg.FilePath)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if exists {
		return metrics.ResultDuplicate, nil
	}

	inserted, err := s.remote.Insert(ctx, seg.Record())
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if !inserted {
		return metrics.ResultDuplicate, nil
	}

	return metrics.ResultSynced, nil
}

func (s *Syncer) claim(filePath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.inflight[filePath]; busy {
		return false
	}
	s.inflight[filePath] = struct{}{}

	return true
}

func (s *Syncer) release(filePath string) {
	s.mu.Lock()
	delete(s.inflight, filePath)
	s.mu.Unlock()
}
