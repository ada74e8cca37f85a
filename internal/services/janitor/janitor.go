// Package janitor runs periodic housekeeping: queue retention and a free
// disk space watch on the recordings root.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/QadirTernikar/vigil-vms/internal/lib/sl"
	"github.com/QadirTernikar/vigil-vms/internal/metrics"
)

type Queue interface {
	Cleanup(maxAge time.Duration) (int, error)
}

type Config struct {
	CleanupSpec  string
	DiskSpec     string
	Retention    time.Duration
	RootDir      string
	MinFreeBytes uint64
}

type DiskStatus struct {
	Path        string  `json:"path"`
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	UsedPercent float64 `json:"used_percent"`
	Low         bool    `json:"low"`
}

type Janitor struct {
	log   *slog.Logger
	cfg   Config
	queue Queue
	cron  *cron.Cron
	usage func(path string) (*disk.UsageStat, error)
}

func New(log *slog.Logger, cfg Config, q Queue) (*Janitor, error) {
	const op = "service.janitor.New"

	cl := cronLogger{log: log}

	j := &Janitor{
		log:   log,
		cfg:   cfg,
		queue: q,
		cron:  cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		usage: disk.Usage,
	}

	if _, err := j.cron.AddFunc(cfg.CleanupSpec, func() { j.CleanupQueue() }); err != nil {
		return nil, fmt.Errorf("%s: cleanup spec %q: %w", op, cfg.CleanupSpec, err)
	}

	if _, err := j.cron.AddFunc(cfg.DiskSpec, func() { _, _ = j.Disk() }); err != nil {
		return nil, fmt.Errorf("%s: disk spec %q: %w", op, cfg.DiskSpec, err)
	}

	return j, nil
}

// Run performs one pass of every job, then leaves them to the cron
// schedule until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	const op = "service.janitor.Run"

	log := j.log.With(slog.String("op", op))

	j.CleanupQueue()
	_, _ = j.Disk()

	j.cron.Start()
	log.Info("janitor started", slog.String("cleanup_spec", j.cfg.CleanupSpec), slog.String("disk_spec", j.cfg.DiskSpec))

	<-ctx.Done()

	<-j.cron.Stop().Done()
	log.Info("janitor stopped")

	return nil
}

func (j *Janitor) CleanupQueue() int {
	const op = "service.janitor.CleanupQueue"

	log := j.log.With(slog.String("op", op))

	n, err := j.queue.Cleanup(j.cfg.Retention)
	if err != nil {
		log.Error("queue retention sweep failed", sl.Err(err))

		return n
	}

	if n > 0 {
		log.Info("expired synced segments removed", slog.Int("removed", n), slog.Duration("retention", j.cfg.Retention))
	}

	return n
}

// Disk samples free space on the recordings root and warns when it drops
// under the configured minimum.
func (j *Janitor) Disk() (DiskStatus, error) {
	const op = "service.janitor.Disk"

	log := j.log.With(slog.String("op", op), slog.String("path", j.cfg.RootDir))

	u, err := j.usage(j.cfg.RootDir)
	if err != nil {
		log.Warn("failed to read disk usage", sl.Err(err))

		return DiskStatus{}, fmt.Errorf("%s: %w", op, err)
	}

	st := DiskStatus{
		Path:        j.cfg.RootDir,
		TotalBytes:  u.Total,
		FreeBytes:   u.Free,
		UsedBytes:   u.Used,
		UsedPercent: u.UsedPercent,
		Low:         j.cfg.MinFreeBytes > 0 && u.Free < j.cfg.MinFreeBytes,
	}

	metrics.DiskFreeBytes.Set(float64(u.Free))

	if st.Low {
		log.Warn("recordings disk space is low",
			slog.Uint64("free_bytes", st.FreeBytes),
			slog.Uint64("min_free_bytes", j.cfg.MinFreeBytes),
		)
	}

	return st, nil
}

// cronLogger routes cron's own logging into slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, sl.Err(err))...)
}
