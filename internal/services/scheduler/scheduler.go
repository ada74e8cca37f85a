// Package scheduler starts and stops camera sessions from persisted
// one_time, daily and weekly rules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v3"

	"github.com/QadirTernikar/vigil-vms/internal/domain/errs"
	"github.com/QadirTernikar/vigil-vms/internal/domain/models"
	"github.com/QadirTernikar/vigil-vms/internal/lib/clock"
	"github.com/QadirTernikar/vigil-vms/internal/lib/sl"
	"github.com/QadirTernikar/vigil-vms/internal/metrics"
	"github.com/QadirTernikar/vigil-vms/internal/storage/local"
)

// SessionController is the single start/stop path shared with the HTTP API.
type SessionController interface {
	Start(ctx context.Context, cameraID, cameraName, sourceURL string) (models.SessionStatus, error)
	Stop(ctx context.Context, cameraID string) (models.StopResult, error)
}

type Store interface {
	Load() ([]models.Schedule, error)
	Save([]models.Schedule) error
	Quarantine(now time.Time) (string, error)
}

// busyRetryFor bounds how long a trigger that met a starting or stopping
// session keeps being retried.
const busyRetryFor = 5 * time.Minute

type Config struct {
	Tick     time.Duration
	Window   time.Duration
	Location *time.Location
}

type Scheduler struct {
	log      *slog.Logger
	cfg      Config
	clock    clock.Clock
	store    Store
	sessions SessionController

	mu        sync.Mutex
	schedules []models.Schedule
	fired     map[firedKey]time.Time
	retries   map[firedKey]fire
}

type firedKey struct {
	id     string
	action action
	at     int64
}

type fire struct {
	schedule models.Schedule
	trigger  trigger
}

func New(log *slog.Logger, cfg Config, clk clock.Clock, store Store, sessions SessionController) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	return &Scheduler{
		log:      log,
		cfg:      cfg,
		clock:    clk,
		store:    store,
		sessions: sessions,
		fired:    make(map[firedKey]time.Time),
		retries:  make(map[firedKey]fire),
	}
}

// Load restores persisted schedules. An unreadable file starts an empty
// list and is moved aside.
func (s *Scheduler) Load() {
	const op = "service.scheduler.Load"

	log := s.log.With(slog.String("op", op))

	items, err := s.store.Load()
	if err != nil {
		log.Error("failed to load schedules, starting empty", sl.Err(err))

		if errors.Is(err, local.ErrCorrupt) {
			if moved, qerr := s.store.Quarantine(s.clock.Now()); qerr != nil {
				log.Error("failed to quarantine corrupt schedules", sl.Err(qerr))
			} else {
				log.Warn("corrupt schedules moved aside", slog.String("path", moved))
			}
		}

		items = nil
	}

	s.mu.Lock()
	s.schedules = items
	s.mu.Unlock()

	log.Info("schedules loaded", slog.Int("schedules", len(items)))
}

func (s *Scheduler) Add(sch models.Schedule) (models.Schedule, error) {
	const op = "service.scheduler.Add"

	log := s.log.With(slog.String("op", op), sl.Camera(sch.CameraID))

	if err := Validate(sch, s.cfg.Location); err != nil {
		return models.Schedule{}, fmt.Errorf("%s: %w", op, err)
	}

	sch.ID = shortuuid.New()
	sch.CreatedAt = s.clock.Now()
	if sch.Type != models.ScheduleWeekly {
		sch.Weekdays = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.schedules
	s.schedules = append(cloneAll(prev), sch)

	if err := s.persist(); err != nil {
		s.schedules = prev
		log.Error("failed to persist schedule", sl.Err(err))

		return models.Schedule{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("schedule added", slog.String("schedule_id", sch.ID), slog.String("type", string(sch.Type)))

	return clone(sch), nil
}

func (s *Scheduler) List() []models.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	return cloneAll(s.schedules)
}

func (s *Scheduler) Get(id string) (models.Schedule, error) {
	const op = "service.scheduler.Get"

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return models.Schedule{}, fmt.Errorf("%s: %w", op, errs.ErrScheduleNotFound)
	}

	return clone(s.schedules[i]), nil
}

func (s *Scheduler) Remove(id string) error {
	const op = "service.scheduler.Remove"

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%s: %w", op, errs.ErrScheduleNotFound)
	}

	prev := s.schedules
	next := make([]models.Schedule, 0, len(prev)-1)
	next = append(next, prev[:i]...)
	next = append(next, prev[i+1:]...)
	s.schedules = next

	if err := s.persist(); err != nil {
		s.schedules = prev

		return fmt.Errorf("%s: %w", op, err)
	}

	s.log.Info("schedule removed", slog.String("op", op), slog.String("schedule_id", id))

	return nil
}

func (s *Scheduler) SetActive(id string, active bool) (models.Schedule, error) {
	const op = "service.scheduler.SetActive"

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return models.Schedule{}, fmt.Errorf("%s: %w", op, errs.ErrScheduleNotFound)
	}

	if err := s.setActiveLocked(i, active); err != nil {
		return models.Schedule{}, fmt.Errorf("%s: %w", op, err)
	}

	return clone(s.schedules[i]), nil
}

// Run evaluates schedules immediately and then on every tick until ctx is
// done.
func (s *Scheduler) Run(ctx context.Context) error {
	const op = "service.scheduler.Run"

	log := s.log.With(slog.String("op", op))
	log.Info("scheduler started", slog.Duration("tick", s.cfg.Tick), slog.Duration("window", s.cfg.Window))

	ticker := s.clock.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.tick(ctx, s.clock.Now())

	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler stopped")

			return nil
		case now := <-ticker.C():
			s.tick(ctx, now)
		}
	}
}

// tick fires every due trigger once. Cameras are handled concurrently; for
// one camera stops run before starts so back-to-back rules hand over.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	byCamera := s.due(now)
	if len(byCamera) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, fires := range byCamera {
		wg.Add(1)
		go func(fires []fire) {
			defer wg.Done()

			for _, f := range fires {
				s.execute(ctx, f)
			}
		}(fires)
	}
	wg.Wait()
}

// due collects unfired triggers and marks them fired before they run.
func (s *Scheduler) due(now time.Time) map[string][]fire {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, at := range s.fired {
		if now.Sub(at) > 2*s.cfg.Window {
			delete(s.fired, k)
		}
	}

	out := make(map[string][]fire)
	for _, sch := range s.schedules {
		if !sch.IsActive {
			continue
		}

		for _, t := range triggers(sch, now, s.cfg.Window, s.cfg.Location) {
			key := firedKey{id: sch.ID, action: t.action, at: t.at.Unix()}
			if _, done := s.fired[key]; done {
				continue
			}
			s.fired[key] = t.at
			out[sch.CameraID] = append(out[sch.CameraID], fire{schedule: clone(sch), trigger: t})
		}
	}

	for key, f := range s.retries {
		delete(s.retries, key)

		if now.Sub(f.trigger.at) > busyRetryFor {
			s.log.Warn("giving up on busy camera",
				slog.String("op", "service.scheduler.due"),
				slog.String("schedule_id", f.schedule.ID),
				sl.Camera(f.schedule.CameraID),
				slog.String("action", string(f.trigger.action)),
			)

			continue
		}

		i := s.indexOf(f.schedule.ID)
		if i < 0 || !s.schedules[i].IsActive {
			continue
		}
		cur := s.schedules[i]
		out[cur.CameraID] = append(out[cur.CameraID], fire{schedule: clone(cur), trigger: f.trigger})
	}

	for _, fires := range out {
		sort.SliceStable(fires, func(i, j int) bool {
			if fires[i].trigger.action != fires[j].trigger.action {
				return fires[i].trigger.action == actionStop
			}

			return fires[i].trigger.at.Before(fires[j].trigger.at)
		})
	}

	return out
}

func (s *Scheduler) execute(ctx context.Context, f fire) {
	const op = "service.scheduler.execute"

	sch := f.schedule
	log := s.log.With(
		slog.String("op", op),
		slog.String("schedule_id", sch.ID),
		sl.Camera(sch.CameraID),
		slog.String("action", string(f.trigger.action)),
		slog.Time("trigger_at", f.trigger.at),
	)

	metrics.SchedulerTriggers.WithLabelValues(string(f.trigger.action)).Inc()

	switch f.trigger.action {
	case actionStart:
		_, err := s.sessions.Start(ctx, sch.CameraID, sch.CameraName, sch.SourceURL)
		switch {
		case err == nil:
			log.Info("scheduled recording started")
		case errors.Is(err, errs.ErrSessionExists):
			log.Info("camera already recording, start skipped")
		case errors.Is(err, errs.ErrSessionBusy):
			log.Warn("camera is stopping, start retried next tick")
			s.retryLater(f)

			return
		default:
			log.Error("scheduled start failed", sl.Err(err))
		}
	case actionStop:
		_, err := s.sessions.Stop(ctx, sch.CameraID)
		switch {
		case err == nil:
			log.Info("scheduled recording stopped")
		case errors.Is(err, errs.ErrSessionNotFound):
			log.Info("camera not recording, stop skipped")
		case errors.Is(err, errs.ErrSessionBusy):
			log.Warn("camera is still starting, stop retried next tick")
			s.retryLater(f)

			return
		default:
			log.Error("scheduled stop failed", sl.Err(err))
		}
	}

	if sch.Type != models.ScheduleOneTime {
		return
	}
	if f.trigger.action == actionStop || sch.EndTime == "" {
		s.deactivate(sch.ID)
	}
}

// retryLater re-queues a trigger that hit a session in transition. Its
// occurrence stays marked fired so the window check cannot duplicate it.
func (s *Scheduler) retryLater(f fire) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := firedKey{id: f.schedule.ID, action: f.trigger.action, at: f.trigger.at.Unix()}
	s.retries[key] = f
}

func (s *Scheduler) deactivate(id string) {
	const op = "service.scheduler.deactivate"

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 || !s.schedules[i].IsActive {
		return
	}

	if err := s.setActiveLocked(i, false); err != nil {
		s.log.Error("failed to deactivate one_time schedule", slog.String("op", op), slog.String("schedule_id", id), sl.Err(err))

		return
	}

	s.log.Info("one_time schedule completed", slog.String("op", op), slog.String("schedule_id", id))
}

// setActiveLocked must be called with s.mu held.
func (s *Scheduler) setActiveLocked(i int, active bool) error {
	was := s.schedules[i].IsActive
	s.schedules[i].IsActive = active

	if err := s.persist(); err != nil {
		s.schedules[i].IsActive = was

		return err
	}

	return nil
}

// persist must be called with s.mu held.
func (s *Scheduler) persist() error {
	if err := s.store.Save(cloneAll(s.schedules)); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrPersist, err)
	}

	return nil
}

func (s *Scheduler) indexOf(id string) int {
	for i := range s.schedules {
		if s.schedules[i].ID == id {
			return i
		}
	}

	return -1
}

func clone(sch models.Schedule) models.Schedule {
	if sch.Weekdays != nil {
		sch.Weekdays = append([]int(nil), sch.Weekdays...)
	}

	return sch
}

func cloneAll(in []models.Schedule) []models.Schedule {
	out := make([]models.Schedule, len(in))
	for i, sch := range in {
		out[i] = clone(sch)
	}

	return out
}
