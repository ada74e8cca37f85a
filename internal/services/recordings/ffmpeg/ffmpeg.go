// Package ffmpeg runs the external segmenting recorder for one camera.
package ffmpeg

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/QadirTernikar/vigil-vms/internal/domain/errs"
	"github.com/QadirTernikar/vigil-vms/internal/lib/sl"
)

var ErrKillFailed = errors.New("recording process did not exit after kill")

type Config struct {
	Path            string
	SegmentDuration time.Duration
	SegmentExt      string
	StopTimeout     time.Duration
}

type Spawner struct {
	log *slog.Logger
	cfg Config
}

func New(log *slog.Logger, cfg Config) *Spawner {
	if cfg.SegmentExt == "" {
		cfg.SegmentExt = ".mp4"
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}

	return &Spawner{
		log: log,
		cfg: cfg,
	}
}

// Args builds the command line: stream copy from pullURL into fixed-length
// segments named by wall-clock HH-MM-SS inside dir.
func Args(cfg Config, pullURL, dir string) []string {
	seconds := int(cfg.SegmentDuration / time.Second)
	if seconds <= 0 {
		seconds = 60
	}

	return []string{
		"-hide_banner",
		"-nostdin",
		"-loglevel", "error",
		"-rtsp_transport", "tcp",
		"-i", pullURL,
		"-c", "copy",
		"-f", "segment",
		"-segment_time", strconv.Itoa(seconds),
		"-reset_timestamps", "1",
		"-strftime", "1",
		filepath.Join(dir, "%H-%M-%S"+cfg.SegmentExt),
	}
}

func (s *Spawner) Spawn(cameraID, pullURL, dir string) (*Process, error) {
	cmd := exec.Command(s.cfg.Path, Args(s.cfg, pullURL, dir)...)

	return Start(s.log.With(sl.Camera(cameraID)), cmd, s.cfg.StopTimeout)
}

// Process is a running recorder. Done is closed once the process has been
// reaped; Err then reports how it exited.
type Process struct {
	log         *slog.Logger
	cmd         *exec.Cmd
	stopTimeout time.Duration

	done     chan struct{}
	err      error
	stopOnce sync.Once
	stopErr  error
}

// Start launches cmd in its own process group and scans its stderr.
func Start(log *slog.Logger, cmd *exec.Cmd, stopTimeout time.Duration) (*Process, error) {
	const op = "ffmpeg.Start"

	setProcessGroup(cmd)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, errs.ErrProcessStart, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, errs.ErrProcessStart, err)
	}

	p := &Process{
		log:         log.With(slog.Int("pid", cmd.Process.Pid)),
		cmd:         cmd,
		stopTimeout: stopTimeout,
		done:        make(chan struct{}),
	}

	go p.wait(stderr)

	p.log.Info("recording process started")

	return p, nil
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

func (p *Process) Done() <-chan struct{} {
	return p.done
}

func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Stop asks the process group to terminate and kills it if it is still
// alive after the stop timeout. It is safe to call more than once.
func (p *Process) Stop() error {
	p.stopOnce.Do(func() {
		p.stopErr = p.stop()
	})

	return p.stopErr
}

func (p *Process) stop() error {
	const op = "ffmpeg.Stop"

	select {
	case <-p.done:
		return nil
	default:
	}

	if err := terminate(p.cmd); err != nil {
		p.log.Warn("graceful terminate failed", slog.String("op", op), sl.Err(err))
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(p.stopTimeout):
	}

	p.log.Warn("recording process ignored terminate, killing", slog.String("op", op))

	if err := kill(p.cmd); err != nil {
		p.log.Error("kill failed", slog.String("op", op), sl.Err(err))
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(p.stopTimeout):
		return fmt.Errorf("%s: %w", op, ErrKillFailed)
	}
}

// wait drains stderr before reaping, as exec.Cmd requires.
func (p *Process) wait(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(strings.ToLower(line), "error") {
			p.log.Warn("recorder reported error", slog.String("line", line))
		}
	}

	p.err = p.cmd.Wait()
	close(p.done)

	if p.err != nil {
		p.log.Info("recording process exited", sl.Err(p.err))

		return
	}

	p.log.Info("recording process exited")
}
