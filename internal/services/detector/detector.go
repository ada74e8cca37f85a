// Package detector turns filesystem notifications in one recording directory
// into exactly one SegmentClosedEvent per completed segment file.
//
// Each matching path moves through Unseen -> Settling -> Stable -> Processed.
// A notification arms (or re-arms) a settle timer; the file is Stable once it
// has seen no notification for the settle delay and is at least the minimum
// size. Undersized or vanished files fall back to Unseen so a later write can
// re-arm them. Processed paths are remembered until the detector is dropped.
package detector

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/QadirTernikar/vigil-vms/internal/domain/models"
	"github.com/QadirTernikar/vigil-vms/internal/lib/clock"
	"github.com/QadirTernikar/vigil-vms/internal/lib/sl"
	"github.com/QadirTernikar/vigil-vms/internal/metrics"
)

const timestampLayout = "2006-01-02 15-04-05"

type pathState int

const (
	stateUnseen pathState = iota
	stateSettling
	stateStable
	stateProcessed
)

func (s pathState) String() string {
	switch s {
	case stateSettling:
		return "settling"
	case stateStable:
		return "stable"
	case stateProcessed:
		return "processed"
	default:
		return "unseen"
	}
}

type Config struct {
	Dir         string
	Ext         string
	SettleDelay time.Duration
	MinSize     int64
	Location    *time.Location
}

// Callback receives closed segments serially, in the order they settle.
type Callback func(models.SegmentClosedEvent)

type Detector struct {
	log      *slog.Logger
	cfg      Config
	clock    clock.Clock
	onClosed Callback

	mu      sync.Mutex
	running bool
	paths   map[string]*tracked
	watcher *fsnotify.Watcher
	settled chan settleSignal
	done    chan struct{}
	wg      sync.WaitGroup
}

type tracked struct {
	state pathState
	gen   uint64
	timer clock.Timer
}

type settleSignal struct {
	path string
	gen  uint64
}

func New(log *slog.Logger, cfg Config, clk clock.Clock, onClosed Callback) *Detector {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	return &Detector{
		log:      log.With(slog.String("dir", cfg.Dir)),
		cfg:      cfg,
		clock:    clk,
		onClosed: onClosed,
		paths:    make(map[string]*tracked),
	}
}

// Start subscribes to the directory. Files already present are treated as
// fresh notifications so segments left by a crashed run are not lost.
func (d *Detector) Start() error {
	const op = "service.detector.Start"

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := watcher.Add(d.cfg.Dir); err != nil {
		_ = watcher.Close()

		return fmt.Errorf("%s: watch %s: %w", op, d.cfg.Dir, err)
	}

	d.watcher = watcher
	d.settled = make(chan settleSignal, 16)
	d.done = make(chan struct{})
	d.running = true

	d.wg.Add(1)
	go d.loop(watcher, d.settled, d.done)

	existing, err := d.listSegments()
	if err != nil {
		d.log.Warn("failed to scan existing segments", slog.String("op", op), sl.Err(err))
	}
	for _, path := range existing {
		d.notifyLocked(path)
	}

	return nil
}

// Stop cancels the subscription and pending settle timers. No event is
// emitted after Stop returns, except through an explicit Flush.
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()

		return
	}

	d.running = false
	close(d.done)
	for _, t := range d.paths {
		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
		}
		if t.state == stateSettling {
			t.state = stateUnseen
		}
	}
	watcher := d.watcher
	d.watcher = nil
	d.mu.Unlock()

	if err := watcher.Close(); err != nil {
		d.log.Warn("failed to close watcher", sl.Err(err))
	}

	d.wg.Wait()
}

// Flush emits every matching file that was never processed and is not
// empty. It is meant for the moment after the writer has exited, when even a
// short final segment is complete. It returns the number of events emitted.
func (d *Detector) Flush() int {
	const op = "service.detector.Flush"

	paths, err := d.listSegments()
	if err != nil {
		d.log.Warn("final scan failed", slog.String("op", op), sl.Err(err))

		return 0
	}

	n := 0
	for _, path := range paths {
		d.mu.Lock()
		t := d.paths[path]
		if t != nil && t.state == stateProcessed {
			d.mu.Unlock()

			continue
		}
		d.mu.Unlock()

		info, err := os.Stat(path)
		if err != nil || info.Size() == 0 {
			continue
		}

		d.mu.Lock()
		if t = d.paths[path]; t != nil && t.state == stateProcessed {
			d.mu.Unlock()

			continue
		}
		d.paths[path] = &tracked{state: stateProcessed}
		d.mu.Unlock()

		d.emit(path, info.Size())
		n++
	}

	if n > 0 {
		d.log.Info("final flush emitted segments", slog.String("op", op), slog.Int("segments", n))
	}

	return n
}

func (d *Detector) loop(w *fsnotify.Watcher, settled <-chan settleSignal, done <-chan struct{}) {
	defer d.wg.Done()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				d.notify(ev.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			d.log.Warn("fsnotify watcher error", sl.Err(err))
		case sig := <-settled:
			d.settle(sig)
		}
	}
}

func (d *Detector) notify(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return
	}

	d.notifyLocked(path)
}

// notifyLocked arms the settle timer for path, restarting it if the file is
// already settling. d.mu must be held.
func (d *Detector) notifyLocked(path string) {
	if !d.matches(path) {
		return
	}

	t, ok := d.paths[path]
	if !ok {
		t = &tracked{}
		d.paths[path] = t
	}

	switch t.state {
	case stateProcessed, stateStable:
		return
	case stateSettling:
		if t.timer != nil {
			t.timer.Stop()
		}
	}

	t.state = stateSettling
	t.gen++
	gen := t.gen
	settled, done := d.settled, d.done

	t.timer = d.clock.AfterFunc(d.cfg.SettleDelay, func() {
		select {
		case settled <- settleSignal{path: path, gen: gen}:
		case <-done:
		}
	})
}

func (d *Detector) settle(sig settleSignal) {
	d.mu.Lock()
	t, ok := d.paths[sig.path]
	if !ok || t.state != stateSettling || t.gen != sig.gen {
		d.mu.Unlock()

		return
	}
	t.timer = nil

	info, err := os.Stat(sig.path)
	switch {
	case err != nil:
		delete(d.paths, sig.path)
		d.mu.Unlock()

		metrics.SegmentsSkipped.WithLabelValues("vanished").Inc()
		if !errors.Is(err, os.ErrNotExist) {
			d.log.Warn("failed to stat segment", slog.String("path", sig.path), sl.Err(err))
		}

		return
	case info.Size() < d.cfg.MinSize:
		t.state = stateUnseen
		d.mu.Unlock()

		metrics.SegmentsSkipped.WithLabelValues("undersized").Inc()
		d.log.Debug("segment below minimum size",
			slog.String("path", sig.path),
			slog.Int64("size", info.Size()),
			slog.Int64("min_size", d.cfg.MinSize),
		)

		return
	}

	// Stable is transient: the event is emitted in the same step.
	t.state = stateProcessed
	d.mu.Unlock()

	d.emit(sig.path, info.Size())
}

func (d *Detector) emit(path string, size int64) {
	ev := d.event(path, size)
	d.onClosed(ev)
}

func (d *Detector) event(path string, size int64) models.SegmentClosedEvent {
	now := d.clock.Now()

	ev := models.SegmentClosedEvent{
		FilePath:   path,
		FileName:   filepath.Base(path),
		DateFolder: filepath.Base(filepath.Dir(path)),
		FileSize:   size,
		DetectedAt: now,
	}

	start, err := ParseStartTime(path, d.cfg.Location)
	if err != nil {
		d.log.Warn("unparseable segment timestamp, using detection time",
			slog.String("path", path),
			sl.Err(err),
		)
		start = now
	}
	ev.StartTime = rollForward(start, now)

	return ev
}

// rollForward moves a folder-dated start onto the day it was written. A
// session keeps its start date's folder past midnight, so a time of day far
// behind the detection instant belongs to a later day.
func rollForward(start, detected time.Time) time.Time {
	for detected.Sub(start) > 12*time.Hour {
		start = start.AddDate(0, 0, 1)
	}

	return start
}

// ParseStartTime decodes <YYYY-MM-DD>/<HH-MM-SS>.<ext> into an instant.
func ParseStartTime(path string, loc *time.Location) (time.Time, error) {
	date := filepath.Base(filepath.Dir(path))
	name := filepath.Base(path)
	stem := strings.TrimSuffix(name, filepath.Ext(name))

	t, err := time.ParseInLocation(timestampLayout, date+" "+stem, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s/%s: %w", date, name, err)
	}

	return t, nil
}

func (d *Detector) matches(path string) bool {
	if filepath.Dir(path) != filepath.Clean(d.cfg.Dir) {
		return false
	}

	return strings.EqualFold(filepath.Ext(path), d.cfg.Ext)
}

// listSegments returns matching files sorted by name, which for the
// HH-MM-SS naming is creation order.
func (d *Detector) listSegments() ([]string, error) {
	entries, err := os.ReadDir(d.cfg.Dir)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(d.cfg.Dir, e.Name())
		if d.matches(path) {
			out = append(out, path)
		}
	}
	sort.Strings(out)

	return out, nil
}

func (d *Detector) state(path string) pathState {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.paths[path]; ok {
		return t.state
	}

	return stateUnseen
}
