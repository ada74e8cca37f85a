package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/QadirTernikar/vigil-vms/internal/config"
	"github.com/QadirTernikar/vigil-vms/internal/domain/models"
	queuehandler "github.com/QadirTernikar/vigil-vms/internal/http-server/handlers/queue"
	recordinghandler "github.com/QadirTernikar/vigil-vms/internal/http-server/handlers/recordings"
	schedulehandler "github.com/QadirTernikar/vigil-vms/internal/http-server/handlers/schedules"
	systemhandler "github.com/QadirTernikar/vigil-vms/internal/http-server/handlers/system"
	"github.com/QadirTernikar/vigil-vms/internal/http-server/middleware/logger"
	"github.com/QadirTernikar/vigil-vms/internal/http-server/middleware/ratelimit"
	"github.com/QadirTernikar/vigil-vms/internal/lib/clock"
	"github.com/QadirTernikar/vigil-vms/internal/lib/sl"
	"github.com/QadirTernikar/vigil-vms/internal/services/detector"
	"github.com/QadirTernikar/vigil-vms/internal/services/janitor"
	"github.com/QadirTernikar/vigil-vms/internal/services/negotiator"
	"github.com/QadirTernikar/vigil-vms/internal/services/negotiator/relay"
	"github.com/QadirTernikar/vigil-vms/internal/services/queue"
	recordingservice "github.com/QadirTernikar/vigil-vms/internal/services/recordings"
	"github.com/QadirTernikar/vigil-vms/internal/services/recordings/ffmpeg"
	"github.com/QadirTernikar/vigil-vms/internal/services/scheduler"
	"github.com/QadirTernikar/vigil-vms/internal/services/syncer"
	"github.com/QadirTernikar/vigil-vms/internal/storage/local"
	"github.com/QadirTernikar/vigil-vms/internal/storage/postgres"
	segmentstorage "github.com/QadirTernikar/vigil-vms/internal/storage/postgres/segments"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

const shutdownTimeout = 30 * time.Second

func main() {
	_ = godotenv.Load()

	cfg := config.MustLoad()

	log := setupLogger(cfg.Env)

	log.Info("starting recorder", slog.String("env", cfg.Env), slog.String("address", cfg.HTTPServer.Address))

	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		panic("invalid scheduler timezone: " + err.Error())
	}

	clk := clock.New()

	q := queue.New(log, local.New[[]models.PendingSegment](cfg.Queue.Path), clk)
	q.Load()

	var (
		syncWorker *syncer.Syncer
		pusher     recordingservice.Pusher
	)

	syncEnabled := cfg.Sync.Enabled && cfg.DB.Host != ""
	if syncEnabled {
		db, err := postgres.New(cfg.DB)
		if err != nil {
			panic(err)
		}
		defer db.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := postgres.Ping(pingCtx, db); err != nil {
			log.Warn("remote store not reachable, segments stay queued", sl.Err(err))
		}
		cancel()

		syncWorker = syncer.New(log, syncer.Config{
			Interval:    cfg.Sync.Interval,
			MaxRetries:  cfg.Sync.MaxRetries,
			PushTimeout: cfg.Sync.PushTimeout,
		}, q, segmentstorage.New(db), clk)
		pusher = syncWorker
	} else {
		log.Warn("remote sync disabled, segments are only queued locally")
	}

	neg := negotiator.New(log, negotiator.Config{
		StreamPrefix: cfg.Relay.StreamPrefix,
		RTSPURL:      cfg.Relay.RTSPURL,
		RetryDelay:   cfg.Relay.RetryDelay,
		ProbeTimeout: cfg.Recording.ProbeTimeout,
	}, relay.New(cfg.Relay.APIURL, cfg.Relay.RequestTimeout))

	spawner := ffmpeg.New(log, ffmpeg.Config{
		Path:            cfg.Recording.FFmpegPath,
		SegmentDuration: cfg.Recording.SegmentDuration,
		SegmentExt:      cfg.Recording.SegmentExt,
		StopTimeout:     cfg.Recording.StopTimeout,
	})

	newDetector := func(dir string, onClosed func(models.SegmentClosedEvent)) recordingservice.Detector {
		return detector.New(log, detector.Config{
			Dir:         dir,
			Ext:         cfg.Recording.SegmentExt,
			SettleDelay: cfg.Detector.SettleDelay,
			MinSize:     cfg.Detector.MinSegmentSize,
		}, clk, onClosed)
	}

	registry := recordingservice.New(log, recordingservice.Config{
		RootDir:         cfg.Recording.RootDir,
		SegmentDuration: cfg.Recording.SegmentDuration,
		StartupGrace:    cfg.Recording.StartupGrace,
		ProbeSource:     cfg.Recording.ProbeSource,
		FinalFlush:      cfg.Detector.FinalFlush,
	}, clk, neg, recordingservice.SpawnFunc(func(cameraID, pullURL, dir string) (recordingservice.Process, error) {
		return spawner.Spawn(cameraID, pullURL, dir)
	}), newDetector, q, pusher)

	sched := scheduler.New(log, scheduler.Config{
		Tick:     cfg.Scheduler.Tick,
		Window:   cfg.Scheduler.Window,
		Location: loc,
	}, clk, local.New[[]models.Schedule](cfg.Scheduler.Path), registry)
	sched.Load()

	jan, err := janitor.New(log, janitor.Config{
		CleanupSpec:  cfg.Janitor.CleanupSpec,
		DiskSpec:     cfg.Janitor.DiskSpec,
		Retention:    cfg.Queue.Retention,
		RootDir:      cfg.Recording.RootDir,
		MinFreeBytes: cfg.Janitor.MinFreeBytes,
	}, q)
	if err != nil {
		panic(err)
	}

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(logger.New(log))
	router.Use(middleware.Recoverer)
	router.Use(middleware.URLFormat)

	recordingHandler := recordinghandler.New(log, registry)
	queueHandler := queuehandler.New(log, q)
	scheduleHandler := schedulehandler.New(log, sched)
	systemHandler := systemhandler.New(log, registry, q, jan, syncEnabled)

	router.Handle("/metrics", promhttp.Handler())

	router.Route("/api", func(r chi.Router) {
		r.Use(ratelimit.New(cfg.HTTPServer.RequestLimit, cfg.HTTPServer.LimitWindow))

		r.Get("/health", systemHandler.Health)

		r.Route("/recordings", func(r chi.Router) {
			r.Post("/start", recordingHandler.Start)
			r.Post("/stop", recordingHandler.Stop)
			r.Get("/status", recordingHandler.Status)
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/status", queueHandler.Status)
			r.Get("/segments", queueHandler.Segments)
			r.Post("/retry", queueHandler.Retry)
		})

		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", scheduleHandler.List)
			r.Post("/", scheduleHandler.Create)
			r.Patch("/{id}", scheduleHandler.Patch)
			r.Delete("/{id}", scheduleHandler.Delete)
		})
	})

	srv := &http.Server{
		Addr:         cfg.HTTPServer.Address,
		Handler:      router,
		ReadTimeout:  cfg.HTTPServer.Timeout,
		WriteTimeout: cfg.HTTPServer.Timeout,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if syncWorker != nil {
		g.Go(func() error { return syncWorker.Run(gctx) })
	}
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return jan.Run(gctx) })

	g.Go(func() error {
		log.Info("http server started", slog.String("address", srv.Addr))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to stop http server", sl.Err(err))
		}

		if err := registry.StopAll(shutdownCtx); err != nil {
			log.Error("failed to stop recordings", sl.Err(err))
		}

		if syncWorker != nil {
			syncWorker.Close()
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("recorder stopped with error", sl.Err(err))
	}

	if err := q.Flush(); err != nil {
		log.Error("failed to persist queue on shutdown", sl.Err(err), slog.Bool("durability_alarm", true))
	}

	log.Info("recorder stopped")
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	}

	return log
}
